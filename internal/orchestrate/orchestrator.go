// Package orchestrate drives illustration generation for an order:
// a small worker pool draws prompts, calls the illustration service
// under a rolling-window rate limit, persists finished pages as a
// gap-free prefix, and hands the completed set to the assembler.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/storypress/storypress/internal/assemble"
	"github.com/storypress/storypress/internal/failures"
	"github.com/storypress/storypress/internal/home"
	"github.com/storypress/storypress/internal/notify"
	"github.com/storypress/storypress/internal/prompts"
	"github.com/storypress/storypress/internal/providers"
	"github.com/storypress/storypress/internal/store"
)

// Config controls generation behavior.
type Config struct {
	Workers           int           // concurrent page workers
	RequestsPerMinute int           // rolling-window budget per order
	MaxAttempts       int           // attempt budget per page
	RetryBackoff      time.Duration // fixed delay before retrying a page
	FailureCeiling    int           // failed attempts across the order before aborting
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.FailureCeiling <= 0 {
		c.FailureCeiling = 50
	}
}

// ErrAlreadyRunning is returned when a generation run for the order
// is already active in this process.
var ErrAlreadyRunning = errors.New("generation already running for order")

// Orchestrator coordinates page generation for orders.
type Orchestrator struct {
	cfg         Config
	store       *store.Store
	home        *home.Dir
	illustrator providers.Illustrator
	tracker     *failures.Tracker
	assembler   *assemble.Assembler
	notifier    notify.Notifier
	registry    *Registry
	catalog     []prompts.Scene
	logger      *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, st *store.Store, homeDir *home.Dir, ill providers.Illustrator,
	tracker *failures.Tracker, asm *assemble.Assembler, notifier notify.Notifier,
	logger *slog.Logger) *Orchestrator {

	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		store:       st,
		home:        homeDir,
		illustrator: ill,
		tracker:     tracker,
		assembler:   asm,
		notifier:    notifier,
		registry:    NewRegistry(),
		catalog:     prompts.Catalog,
		logger:      logger,
	}
}

// Registry exposes the active-run registry, mainly for status output.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Run generates all missing pages for an order and, when every page
// is persisted, assembles and records the book. resumeFrom is a hint
// (0 for a fresh run); the persisted page prefix is authoritative.
//
// A completed order returns nil without doing work. A failed order
// is terminal. Cancellation leaves the order in generating state with
// its persisted prefix intact, ready for a later resume.
func (o *Orchestrator) Run(ctx context.Context, orderID string, resumeFrom int) error {
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	switch order.Status {
	case store.StatusCompleted:
		o.logger.Info("order already completed", "order_id", orderID)
		return nil
	case store.StatusFailed:
		return fmt.Errorf("order %s already failed: %s", orderID, order.FailureReason)
	case store.StatusPending:
		return fmt.Errorf("order %s has not been paid", orderID)
	case store.StatusPaid:
		if err := o.store.SetStatus(ctx, orderID, store.StatusGenerating); err != nil {
			return err
		}
	case store.StatusGenerating:
		// Resuming an interrupted run.
	}

	if !o.registry.TryAcquire(orderID) {
		return fmt.Errorf("order %s: %w", orderID, ErrAlreadyRunning)
	}
	defer o.registry.Release(orderID)
	defer o.registry.Forget(orderID)

	persisted, err := o.store.Pages(ctx, orderID)
	if err != nil {
		return err
	}
	done := len(persisted)
	total := order.TotalSlots()

	if resumeFrom > 0 && resumeFrom != done {
		o.logger.Warn("resume hint disagrees with persisted pages, trusting the store",
			"order_id", orderID, "hint", resumeFrom, "persisted", done)
	}
	if done > 0 {
		o.logger.Info("resuming order", "order_id", orderID, "persisted", done, "total", total)
	}

	if done < total {
		if err := o.generate(ctx, order, persisted); err != nil {
			return err
		}
	}

	return o.finalize(ctx, orderID)
}

// generate fills every missing page slot. On return either all slots
// are persisted, the context was cancelled, or the order has been
// marked failed (in which case an error is returned).
func (o *Orchestrator) generate(ctx context.Context, order *store.Order, persisted []*store.Page) error {
	total := order.TotalSlots()
	done := len(persisted)

	used, err := o.store.UsedPrompts(ctx, order.ID)
	if err != nil {
		return err
	}
	refImage, err := o.registry.ReferenceImage(order)
	if err != nil {
		return o.failOrder(ctx, order.ID, err.Error())
	}
	if err := o.home.EnsurePagesDir(order.ID); err != nil {
		return err
	}

	r := &run{
		order:    order,
		limiter:  providers.NewRateLimiter(o.cfg.RequestsPerMinute, time.Minute),
		selector: prompts.NewSelector(o.catalog, o.tracker.IsBlocked),
		refImage: refImage,
		slots:    make([]*slotState, total),
		next:     done,
		used:     used,
	}
	for _, p := range persisted {
		r.slots[p.Number] = &slotState{
			scene:     prompts.Scene{Prompt: p.Prompt, Caption: p.Caption},
			path:      p.ImagePath,
			ready:     true,
			persisted: true,
		}
	}

	// Assign scenes to the missing slots up front so the run fails
	// fast when the prompt pool cannot cover the order.
	var tasks []*pageTask
	interior := 0
	for n := done; n < total; n++ {
		if n == 0 {
			tasks = append(tasks, &pageTask{slot: 0, scene: prompts.Scene{Prompt: prompts.CoverPrompt}})
			continue
		}
		interior++
		tasks = append(tasks, &pageTask{slot: n})
	}
	scenes := r.selector.Select(interior, used)
	if len(scenes) < interior {
		return o.failOrder(ctx, order.ID,
			fmt.Sprintf("prompt pool exhausted: need %d scenes, only %d available", interior, len(scenes)))
	}
	i := 0
	for _, t := range tasks {
		if t.slot == 0 {
			continue
		}
		t.scene = scenes[i]
		r.used[scenes[i].Prompt] = true
		i++
	}

	taskCh := make(chan *pageTask, len(tasks))
	for _, t := range tasks {
		taskCh <- t
	}
	close(taskCh)

	var wg sync.WaitGroup
	for w := 0; w < o.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskCh {
				if r.aborted() || ctx.Err() != nil {
					continue // drain remaining tasks
				}
				o.runPage(ctx, r, t)
			}
		}()
	}
	wg.Wait()

	status := r.limiter.Status()
	o.logger.Debug("rate limiter totals", "order_id", order.ID,
		"consumed", status.TotalConsumed, "waited", status.TotalWaited)

	if ctx.Err() != nil {
		// Order stays in generating state with its persisted prefix.
		o.logger.Info("generation interrupted", "order_id", order.ID, "persisted", r.persistedCount())
		return ctx.Err()
	}
	if reason := r.failureSummary(); reason != "" {
		return o.failOrder(ctx, order.ID, reason)
	}
	if r.persistedCount() < total {
		return o.failOrder(ctx, order.ID,
			fmt.Sprintf("only %d of %d pages persisted", r.persistedCount(), total))
	}
	return nil
}

// Finalize assembles the book for an order whose pages are already
// fully persisted, without running any generation. Used to retry a
// failed assembly.
func (o *Orchestrator) Finalize(ctx context.Context, orderID string) error {
	if !o.registry.TryAcquire(orderID) {
		return fmt.Errorf("order %s: %w", orderID, ErrAlreadyRunning)
	}
	defer o.registry.Release(orderID)
	return o.finalize(ctx, orderID)
}

// finalize assembles the book, records the artifact, and completes
// the order. All pages must already be persisted.
func (o *Orchestrator) finalize(ctx context.Context, orderID string) error {
	artifact, err := o.assembler.Assemble(ctx, orderID)
	if err != nil {
		// Assembly failures are not charged against the order; the
		// pages are intact and assembly can be retried.
		return fmt.Errorf("order %s: assembly: %w", orderID, err)
	}
	if err := o.store.SetArtifact(ctx, orderID, artifact); err != nil {
		return err
	}
	if err := o.store.SetStatus(ctx, orderID, store.StatusCompleted); err != nil {
		return err
	}

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.notifier != nil {
		if err := o.notifier.NotifyReady(ctx, order); err != nil {
			o.logger.Warn("completion notice failed", "order_id", orderID, "error", err)
		}
	}
	o.logger.Info("order completed", "order_id", orderID, "artifact", artifact)
	return nil
}

// failOrder marks the order failed and returns a matching error.
func (o *Orchestrator) failOrder(ctx context.Context, orderID, reason string) error {
	if err := o.store.SetFailure(ctx, orderID, reason); err != nil {
		o.logger.Error("failed to mark order failed", "order_id", orderID, "error", err)
	}
	o.logger.Warn("order failed", "order_id", orderID, "reason", reason)
	return fmt.Errorf("order %s failed: %s", orderID, reason)
}

// persistReady writes every contiguous ready-but-unpersisted slot to
// the store, preserving the gap-free prefix invariant. persistMu
// serializes the collect-and-write sequence: without it two workers
// finishing adjacent slots could reach the store out of order and the
// later batch would no longer extend the prefix. Slots are marked
// persisted only after the write commits.
func (o *Orchestrator) persistReady(ctx context.Context, r *run) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	var batch []*store.Page
	n := r.next
	for n < len(r.slots) && r.slots[n] != nil && r.slots[n].ready && !r.slots[n].persisted {
		s := r.slots[n]
		caption := s.scene.Caption
		if n == 0 {
			caption = ""
		}
		batch = append(batch, &store.Page{
			OrderID:   r.order.ID,
			Number:    n,
			Prompt:    s.scene.Prompt,
			Caption:   caption,
			ImagePath: s.path,
		})
		n++
	}
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := o.store.AppendPages(ctx, r.order.ID, batch); err != nil {
		return err
	}

	r.mu.Lock()
	for _, p := range batch {
		r.slots[p.Number].persisted = true
	}
	r.next = n
	r.mu.Unlock()
	return nil
}

// writePageImage stores a generated image under the order's pages
// directory and returns its path.
func (o *Orchestrator) writePageImage(orderID string, slot int, image []byte) (string, error) {
	path := o.home.PageImagePath(orderID, slot)
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return "", fmt.Errorf("write page image: %w", err)
	}
	return path, nil
}
