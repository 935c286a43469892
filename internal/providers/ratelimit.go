package providers

import (
	"context"
	"sync"
	"time"
)

// RateLimiter enforces a hard cap on calls within a rolling time
// window: at most budget grants exist inside any window-length span.
// Unlike a refilling token bucket, the window semantics guarantee the
// cap holds for every rolling window, not just on average.
type RateLimiter struct {
	mu sync.Mutex

	// Configuration
	budget int
	window time.Duration

	// Grant timestamps inside the current window, oldest first.
	grants []time.Time

	// Statistics
	totalConsumed int64
	totalWaited   time.Duration
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	Available     int           `json:"available"`
	Budget        int           `json:"budget"`
	Window        time.Duration `json:"window"`
	NextSlotIn    time.Duration `json:"next_slot_in"`
	TotalConsumed int64         `json:"total_consumed"`
	TotalWaited   time.Duration `json:"total_waited"`
}

// NewRateLimiter creates a limiter allowing budget calls per rolling
// window. A zero or negative budget falls back to 4 per minute.
func NewRateLimiter(budget int, window time.Duration) *RateLimiter {
	if budget <= 0 {
		budget = 4
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		budget: budget,
		window: window,
	}
}

// Wait blocks until a slot is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		now := time.Now()

		r.mu.Lock()
		r.prune(now)
		if len(r.grants) < r.budget {
			r.grants = append(r.grants, now)
			r.totalConsumed++
			r.mu.Unlock()
			return nil
		}
		// The oldest grant leaving the window frees the next slot.
		wait := r.grants[0].Add(r.window).Sub(now)
		r.mu.Unlock()

		if wait <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			r.mu.Lock()
			r.totalWaited += wait
			r.mu.Unlock()
		}
	}
}

// TryConsume attempts to take a slot without blocking.
func (r *RateLimiter) TryConsume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.prune(now)
	if len(r.grants) < r.budget {
		r.grants = append(r.grants, now)
		r.totalConsumed++
		return true
	}
	return false
}

// Status returns current limiter status.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.prune(now)

	var nextSlot time.Duration
	if len(r.grants) >= r.budget {
		nextSlot = r.grants[0].Add(r.window).Sub(now)
		if nextSlot < 0 {
			nextSlot = 0
		}
	}

	return RateLimiterStatus{
		Available:     r.budget - len(r.grants),
		Budget:        r.budget,
		Window:        r.window,
		NextSlotIn:    nextSlot,
		TotalConsumed: r.totalConsumed,
		TotalWaited:   r.totalWaited,
	}
}

// prune drops grants older than the window. Must be called with lock held.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.grants) && !r.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.grants = append(r.grants[:0], r.grants[i:]...)
	}
}
