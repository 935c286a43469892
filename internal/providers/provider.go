// Package providers implements clients for the external illustration
// service and the rate limiting applied to it.
package providers

import (
	"context"
	"time"
)

// Illustrator is the interface to the external illustration service.
// Given a prompt and a reference image it returns a generated image or
// a classified failure (see errors.go for the taxonomy).
type Illustrator interface {
	// Name returns the provider identifier (e.g., "openai").
	Name() string

	// Synthesize generates one illustration from a prompt and reference image.
	Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error)

	// Rate limiting properties
	RequestsPerMinute() int
	MaxRetries() int
	RetryDelayBase() time.Duration
}

// SynthesisRequest is one illustration request.
type SynthesisRequest struct {
	// Required
	Prompt         string
	ReferenceImage []byte // PNG/JPEG bytes of the character reference

	// Style is appended to the prompt (e.g., "watercolor").
	Style string

	// Size overrides the provider default output size.
	Size string

	// Request tracking
	RequestID string
}

// SynthesisResult is the complete response from an illustration call.
type SynthesisResult struct {
	// Response content
	Image []byte

	// Timing
	ExecutionTime time.Duration

	// Provider info
	Provider  string
	ModelUsed string

	// Request tracking
	RequestID string

	// Success/error
	Success      bool
	ErrorType    string
	ErrorMessage string
	RetryAfter   time.Duration
}
