package orchestrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/storypress/storypress/internal/prompts"
	"github.com/storypress/storypress/internal/providers"
	"github.com/storypress/storypress/internal/store"
)

// pageTask is one page slot to fill. Slot 0 is the cover.
type pageTask struct {
	slot  int
	scene prompts.Scene
}

// slotState tracks one page slot through a run.
type slotState struct {
	scene     prompts.Scene
	path      string
	ready     bool
	persisted bool
}

// run is the mutable state of one order's generation run. Workers
// share it; everything except the limiter is guarded by mu. persistMu
// serializes whole persistence rounds (collect prefix, write, mark),
// which hold mu only briefly at either end.
type run struct {
	order    *store.Order
	limiter  *providers.RateLimiter
	selector *prompts.Selector
	refImage []byte

	persistMu sync.Mutex

	mu          sync.Mutex
	slots       []*slotState
	next        int // first slot not yet persisted
	used        map[string]bool
	failedPages []string
	abortMsg    string
}

func (r *run) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortMsg != ""
}

// abort records the first fatal condition of the run.
func (r *run) abort(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortMsg == "" {
		r.abortMsg = reason
	}
}

// failPage records a page's permanent failure and returns the total
// number of failed pages so far. Page failures are absorbed per page;
// remaining tasks keep running until the order-wide ceiling trips.
func (r *run) failPage(slot int, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedPages = append(r.failedPages, fmt.Sprintf("page %d: %s", slot, reason))
	return len(r.failedPages)
}

// failureSummary describes why a drained run cannot complete: the
// circuit-breaker reason when it tripped, otherwise the accumulated
// page failures.
func (r *run) failureSummary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortMsg != "" {
		return r.abortMsg
	}
	switch len(r.failedPages) {
	case 0:
		return ""
	case 1:
		return r.failedPages[0]
	default:
		return fmt.Sprintf("%s (and %d more)", r.failedPages[0], len(r.failedPages)-1)
	}
}

func (r *run) persistedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// substitute draws a fresh scene for a page whose prompt cannot be
// used. Returns false when the pool is exhausted. The cover has no
// substitutes.
func (r *run) substitute(slot int) (prompts.Scene, bool) {
	if slot == 0 {
		return prompts.Scene{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	scenes := r.selector.Select(1, r.used)
	if len(scenes) == 0 {
		return prompts.Scene{}, false
	}
	r.used[scenes[0].Prompt] = true
	return scenes[0], true
}

// markReady records a finished slot image.
func (r *run) markReady(slot int, scene prompts.Scene, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[slot] = &slotState{scene: scene, path: path, ready: true}
}

// attemptOutcome classifies one generation attempt.
type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeRetrySamePrompt // transient or rate limited: back off, retry
	outcomeRetryNewPrompt  // moderation: substitute and retry
	outcomePermanent       // unrecoverable for this page
	outcomeHalt            // run is stopping; not a page failure
)

// runPage drives one page slot to success or failure. Each page has
// a fixed attempt budget; moderation rejections substitute the prompt
// but still consume an attempt, transient faults retry the same
// prompt after a fixed backoff. A page that exhausts its budget or
// its substitutes fails alone; the rest of the order keeps going.
func (o *Orchestrator) runPage(ctx context.Context, r *run, t *pageTask) {
	scene := t.scene
	orderID := r.order.ID

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if r.aborted() || ctx.Err() != nil {
			return
		}

		// A prompt blocked since assignment is swapped out before it
		// costs an attempt.
		if t.slot != 0 && o.tracker.IsBlocked(scene.Prompt) {
			next, ok := r.substitute(t.slot)
			if !ok {
				o.failPage(r, t.slot, "prompt pool exhausted")
				return
			}
			o.logger.Info("replacing blocked prompt", "order_id", orderID, "page", t.slot)
			scene = next
		}

		outcome, retryAfter := o.attempt(ctx, r, t.slot, attempt, scene)

		switch outcome {
		case outcomeSuccess, outcomeHalt:
			return

		case outcomeRetryNewPrompt:
			next, ok := r.substitute(t.slot)
			if !ok {
				o.failPage(r, t.slot, "prompt rejected and no substitutes remain")
				return
			}
			scene = next

		case outcomeRetrySamePrompt:
			delay := o.cfg.RetryBackoff
			if retryAfter > delay {
				delay = retryAfter
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

		case outcomePermanent:
			o.failPage(r, t.slot, "unrecoverable generation error")
			return
		}
	}

	o.failPage(r, t.slot, fmt.Sprintf("attempt budget exhausted after %d attempts", o.cfg.MaxAttempts))
}

// failPage marks one page permanently failed and trips the order's
// circuit breaker when the failed-page count reaches the ceiling.
// Tripping drops queued tasks; in-flight attempts finish.
func (o *Orchestrator) failPage(r *run, slot int, reason string) {
	count := r.failPage(slot, reason)
	o.logger.Warn("page permanently failed", "order_id", r.order.ID, "page", slot,
		"reason", reason, "failed_pages", count)
	if count >= o.cfg.FailureCeiling {
		r.abort(fmt.Sprintf("failure ceiling reached (%d failed pages)", count))
	}
}

// attempt performs a single rate-limited generation call and records
// its result. retryAfter is only meaningful for outcomeRetrySamePrompt.
func (o *Orchestrator) attempt(ctx context.Context, r *run, slot, attempt int, scene prompts.Scene) (attemptOutcome, time.Duration) {
	orderID := r.order.ID

	if err := r.limiter.Wait(ctx); err != nil {
		return outcomeHalt, 0 // context cancelled while waiting
	}
	if r.aborted() {
		return outcomeHalt, 0
	}

	res, err := o.illustrator.Synthesize(ctx, &providers.SynthesisRequest{
		Prompt:         scene.Prompt,
		ReferenceImage: r.refImage,
		Style:          r.order.Style,
		RequestID:      fmt.Sprintf("%s-p%02d-a%d", orderID, slot, attempt),
	})

	if err == nil {
		path, werr := o.writePageImage(orderID, slot, res.Image)
		if werr != nil {
			o.logger.Error("page image write failed", "order_id", orderID, "page", slot, "error", werr)
			return outcomePermanent, 0
		}
		r.markReady(slot, scene, path)
		if perr := o.persistReady(ctx, r); perr != nil {
			o.logger.Error("page persistence failed", "order_id", orderID, "page", slot, "error", perr)
			r.abort(fmt.Sprintf("page %d: persistence failed", slot))
			return outcomeHalt, 0
		}
		o.logger.Info("page generated", "order_id", orderID, "page", slot, "attempt", attempt,
			"duration", res.ExecutionTime)
		return outcomeSuccess, 0
	}

	switch {
	case providers.IsModeration(err):
		failCount, terr := o.tracker.RecordFailure(scene.Prompt, err.Error())
		if terr != nil {
			o.logger.Error("failure tracker write failed", "error", terr)
		}
		o.logger.Warn("prompt rejected by content policy", "order_id", orderID, "page", slot,
			"attempt", attempt, "prompt_failures", failCount)
		return outcomeRetryNewPrompt, 0

	case providers.IsRateLimit(err):
		var after time.Duration
		if res != nil {
			after = res.RetryAfter
		}
		o.logger.Warn("rate limited by illustration service", "order_id", orderID, "page", slot,
			"attempt", attempt, "retry_after", after)
		return outcomeRetrySamePrompt, after

	case providers.IsTransient(err):
		o.logger.Warn("transient illustration failure", "order_id", orderID, "page", slot,
			"attempt", attempt, "error", err)
		return outcomeRetrySamePrompt, 0

	default:
		o.logger.Error("illustration call failed", "order_id", orderID, "page", slot,
			"attempt", attempt, "error", err)
		return outcomePermanent, 0
	}
}
