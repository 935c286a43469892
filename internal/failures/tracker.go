// Package failures tracks prompts that repeatedly trigger content-policy
// rejections and blocks them once they cross a failure threshold.
package failures

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultThreshold is the failure count at which a prompt is blocked.
	DefaultThreshold = 10

	// maxRecentErrors bounds the per-prompt error history.
	maxRecentErrors = 5

	// maxErrorLen truncates stored error messages.
	maxErrorLen = 200
)

// Record is the durable failure record for one prompt.
type Record struct {
	Prompt       string    `json:"prompt"`
	Count        int       `json:"count"`
	LastFailure  time.Time `json:"last_failure"`
	RecentErrors []string  `json:"recent_errors,omitempty"`
}

// Tracker is a durable map of prompt -> failure record. Every mutation
// rewrites the whole map to disk synchronously before returning, so a
// process crash never loses a recorded failure.
type Tracker struct {
	mu        sync.Mutex
	path      string
	threshold int
	records   map[string]*Record
	logger    *slog.Logger
}

// NewTracker loads the tracker from path. A missing or corrupt file is
// non-fatal: the tracker starts empty and overwrites the file on the
// next mutation.
func NewTracker(path string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		path:      path,
		threshold: DefaultThreshold,
		records:   make(map[string]*Record),
		logger:    logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read prompt failure log, starting empty", "path", path, "error", err)
		}
		return t
	}

	var records map[string]*Record
	if err := json.Unmarshal(data, &records); err != nil {
		logger.Warn("corrupt prompt failure log, starting empty", "path", path, "error", err)
		return t
	}
	t.records = records

	return t
}

// SetThreshold overrides the blocking threshold. Zero or negative
// values are ignored.
func (t *Tracker) SetThreshold(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threshold = n
}

// RecordFailure increments the failure count for a prompt, appends the
// (truncated) error message to its bounded history, persists the map,
// and returns the updated count.
func (t *Tracker) RecordFailure(prompt, errMsg string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[prompt]
	if !ok {
		rec = &Record{Prompt: prompt}
		t.records[prompt] = rec
	}

	rec.Count++
	rec.LastFailure = time.Now().UTC()

	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen-3] + "..."
	}
	rec.RecentErrors = append(rec.RecentErrors, errMsg)
	if len(rec.RecentErrors) > maxRecentErrors {
		rec.RecentErrors = rec.RecentErrors[len(rec.RecentErrors)-maxRecentErrors:]
	}

	if err := t.persist(); err != nil {
		return rec.Count, fmt.Errorf("failed to persist prompt failures: %w", err)
	}

	if rec.Count == t.threshold {
		t.logger.Warn("prompt blocked after repeated failures", "prompt", prompt, "count", rec.Count)
	}

	return rec.Count, nil
}

// IsBlocked reports whether a prompt has reached the failure threshold.
func (t *Tracker) IsBlocked(prompt string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[prompt]
	return ok && rec.Count >= t.threshold
}

// BlockedPrompts returns all prompts at or above the threshold, sorted.
func (t *Tracker) BlockedPrompts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var blocked []string
	for prompt, rec := range t.records {
		if rec.Count >= t.threshold {
			blocked = append(blocked, prompt)
		}
	}
	sort.Strings(blocked)
	return blocked
}

// Records returns a snapshot of all failure records, sorted by count
// descending for operational inspection.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Prompt < out[j].Prompt
	})
	return out
}

// Reset clears the record for a single prompt.
func (t *Tracker) Reset(prompt string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[prompt]; !ok {
		return nil
	}
	delete(t.records, prompt)
	return t.persist()
}

// ResetAll clears every tracked failure.
func (t *Tracker) ResetAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[string]*Record)
	return t.persist()
}

// persist rewrites the whole map to disk. Must be called with lock held.
func (t *Tracker) persist() error {
	data, err := json.MarshalIndent(t.records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}
