package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error type identifiers carried in SynthesisResult.ErrorType.
const (
	ErrorTypeModeration = "moderation"
	ErrorTypeRateLimit  = "rate_limit"
	ErrorTypeTransient  = "transient"
)

// ModerationError indicates the illustration service rejected the
// prompt under its content policy. Recoverable by substituting a
// different prompt.
type ModerationError struct {
	Message string
}

func (e *ModerationError) Error() string {
	return fmt.Sprintf("prompt rejected by content policy: %s", e.Message)
}

// RateLimitError indicates the service returned 429. Recoverable by
// backing off and retrying the same prompt.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// TransientError indicates a temporary service fault (5xx, timeout).
// Recoverable by backing off and retrying the same prompt.
type TransientError struct {
	Message    string
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Message
}

// IsModeration reports whether err is a content-policy rejection.
func IsModeration(err error) bool {
	var me *ModerationError
	return errors.As(err, &me)
}

// IsRateLimit reports whether err is a 429 from the service.
func IsRateLimit(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}

// IsTransient reports whether err is a temporary service fault.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrorType classifies err into a SynthesisResult error type string.
// Unclassified errors return "error".
func ErrorType(err error) string {
	switch {
	case IsModeration(err):
		return ErrorTypeModeration
	case IsRateLimit(err):
		return ErrorTypeRateLimit
	case IsTransient(err):
		return ErrorTypeTransient
	default:
		return "error"
	}
}

// parseRetryAfter parses an HTTP Retry-After header value (seconds or
// HTTP date). Returns 0 if absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
