package orchestrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/storypress/storypress/internal/assemble"
	"github.com/storypress/storypress/internal/failures"
	"github.com/storypress/storypress/internal/home"
	"github.com/storypress/storypress/internal/notify"
	"github.com/storypress/storypress/internal/prompts"
	"github.com/storypress/storypress/internal/providers"
	"github.com/storypress/storypress/internal/store"
)

func validPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fixture struct {
	o       *Orchestrator
	st      *store.Store
	mock    *providers.MockIllustrator
	home    *home.Dir
	tracker *failures.Tracker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	homeDir, err := home.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := homeDir.EnsureExists(); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(homeDir.DBPath(), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	tracker := failures.NewTracker(homeDir.FailuresPath(), logger)
	mock := providers.NewMockIllustrator()
	mock.Image = validPNG(t)

	asm := assemble.New(homeDir, st, assemble.Config{Trace: false}, logger)
	notifier := notify.New(notify.SMTPConfig{}, logger)

	return &fixture{
		o:       New(cfg, st, homeDir, mock, tracker, asm, notifier, logger),
		st:      st,
		mock:    mock,
		home:    homeDir,
		tracker: tracker,
	}
}

// newPaidOrder creates a paid order with a reference image on disk.
func (f *fixture) newPaidOrder(t *testing.T, id string, pageCount int) *store.Order {
	t.Helper()
	ctx := context.Background()

	refPath := filepath.Join(t.TempDir(), "reference.png")
	if err := os.WriteFile(refPath, f.mock.Image, 0o644); err != nil {
		t.Fatal(err)
	}

	order := &store.Order{
		ID:            id,
		CustomerName:  "Ada",
		CustomerEmail: "ada@example.com",
		ReferencePath: refPath,
		Style:         "watercolor",
		PageCount:     pageCount,
	}
	if err := f.st.CreateOrder(ctx, order); err != nil {
		t.Fatal(err)
	}
	if err := f.st.SetStatus(ctx, id, store.StatusPaid); err != nil {
		t.Fatal(err)
	}
	return order
}

func fastConfig() Config {
	return Config{
		Workers:           2,
		RequestsPerMinute: 1000, // keep the limiter out of timing-sensitive tests
		MaxAttempts:       5,
		RetryBackoff:      time.Millisecond,
		FailureCeiling:    50,
	}
}

func assertContiguousPages(t *testing.T, f *fixture, orderID string, want int) []*store.Page {
	t.Helper()
	pages, err := f.st.Pages(context.Background(), orderID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != want {
		t.Fatalf("got %d persisted pages, want %d", len(pages), want)
	}
	for i, p := range pages {
		if p.Number != i {
			t.Fatalf("page gap: position %d holds number %d", i, p.Number)
		}
		if _, err := os.Stat(p.ImagePath); err != nil {
			t.Errorf("page %d image missing: %v", p.Number, err)
		}
	}
	return pages
}

func TestRunCompletesOrder(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.newPaidOrder(t, "ord-1", 4)

	if err := f.o.Run(context.Background(), "ord-1", 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	order, err := f.st.GetOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", order.Status)
	}
	if order.ArtifactPath == "" {
		t.Error("no artifact recorded")
	}
	if _, err := os.Stat(order.ArtifactPath); err != nil {
		t.Errorf("artifact missing: %v", err)
	}

	pages := assertContiguousPages(t, f, "ord-1", 5)
	if pages[0].Prompt != prompts.CoverPrompt {
		t.Errorf("page 0 prompt = %q, want cover prompt", pages[0].Prompt)
	}
	if pages[0].Caption != "" {
		t.Error("cover has a caption")
	}

	seen := make(map[string]bool)
	for _, p := range pages[1:] {
		if seen[p.Prompt] {
			t.Errorf("prompt %q used twice", p.Prompt)
		}
		seen[p.Prompt] = true
		if p.Caption == "" {
			t.Errorf("page %d has no caption", p.Number)
		}
	}

	if got := f.mock.CallCount(); got != 5 {
		t.Errorf("illustrator called %d times, want 5", got)
	}
}

func TestRunSubstitutesModeratedPrompt(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.newPaidOrder(t, "ord-1", 3)

	var mu sync.Mutex
	rejected := ""
	f.mock.Script = func(prompt string, attempt int) error {
		if prompt == prompts.CoverPrompt {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if rejected == "" {
			rejected = prompt
		}
		if prompt == rejected {
			return &providers.ModerationError{Message: "rejected by safety system"}
		}
		return nil
	}

	if err := f.o.Run(context.Background(), "ord-1", 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	order, _ := f.st.GetOrder(context.Background(), "ord-1")
	if order.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed", order.Status)
	}

	pages := assertContiguousPages(t, f, "ord-1", 4)
	for _, p := range pages {
		if p.Prompt == rejected {
			t.Errorf("rejected prompt %q ended up in the book", rejected)
		}
	}

	// The rejection was recorded durably.
	reloaded := failures.NewTracker(f.home.FailuresPath(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	found := false
	for _, rec := range reloaded.Records() {
		if rec.Prompt == rejected {
			found = true
			if rec.Count != 1 {
				t.Errorf("failure count = %d, want 1", rec.Count)
			}
		}
	}
	if !found {
		t.Errorf("rejection of %q not persisted", rejected)
	}

	if got := f.mock.PromptCalls(rejected); got != 1 {
		t.Errorf("rejected prompt attempted %d times, want 1", got)
	}
}

func TestRunResumesFromPersistedPrefix(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.newPaidOrder(t, "ord-1", 4)
	ctx := context.Background()

	if err := f.st.SetStatus(ctx, "ord-1", store.StatusGenerating); err != nil {
		t.Fatal(err)
	}

	// Simulate a prior interrupted run: 3 of 5 slots persisted.
	if err := f.home.EnsurePagesDir("ord-1"); err != nil {
		t.Fatal(err)
	}
	var batch []*store.Page
	for n := 0; n < 3; n++ {
		imgPath := f.home.PageImagePath("ord-1", n)
		if err := os.WriteFile(imgPath, f.mock.Image, 0o644); err != nil {
			t.Fatal(err)
		}
		prompt := prompts.CoverPrompt
		caption := ""
		if n > 0 {
			prompt = prompts.Catalog[n-1].Prompt
			caption = prompts.Catalog[n-1].Caption
		}
		batch = append(batch, &store.Page{OrderID: "ord-1", Number: n, Prompt: prompt, Caption: caption, ImagePath: imgPath})
	}
	if err := f.st.AppendPages(ctx, "ord-1", batch); err != nil {
		t.Fatal(err)
	}

	if err := f.o.Run(ctx, "ord-1", 3); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Only the two missing pages were generated.
	if got := f.mock.CallCount(); got != 2 {
		t.Errorf("illustrator called %d times on resume, want 2", got)
	}

	pages := assertContiguousPages(t, f, "ord-1", 5)
	for _, p := range pages[3:] {
		for n := 0; n < 2; n++ {
			if p.Prompt == prompts.Catalog[n].Prompt {
				t.Errorf("resume reused already-consumed prompt %q", p.Prompt)
			}
		}
	}

	order, _ := f.st.GetOrder(ctx, "ord-1")
	if order.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", order.Status)
	}
}

func TestRunFailsAfterAttemptBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg)
	f.newPaidOrder(t, "ord-1", 1)

	f.mock.Script = func(prompt string, attempt int) error {
		return &providers.TransientError{Message: "service melting", StatusCode: 503}
	}

	err := f.o.Run(context.Background(), "ord-1", 0)
	if err == nil {
		t.Fatal("Run succeeded despite permanent transient failures")
	}

	order, _ := f.st.GetOrder(context.Background(), "ord-1")
	if order.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", order.Status)
	}
	if order.FailureReason == "" {
		t.Error("no failure reason recorded")
	}
	if order.ArtifactPath != "" {
		t.Error("failed order has an artifact")
	}
	if _, err := os.Stat(f.home.BookPath("ord-1")); !os.IsNotExist(err) {
		t.Error("failed order left a book on disk")
	}
}

func TestRunStopsAtFailureCeiling(t *testing.T) {
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 1
	cfg.FailureCeiling = 3
	f := newFixture(t, cfg)
	f.newPaidOrder(t, "ord-1", 9) // 10 slots, far more than the ceiling

	f.mock.Script = func(prompt string, attempt int) error {
		return &providers.TransientError{Message: "still melting", StatusCode: 503}
	}

	err := f.o.Run(context.Background(), "ord-1", 0)
	if err == nil {
		t.Fatal("Run succeeded despite failure ceiling")
	}

	order, _ := f.st.GetOrder(context.Background(), "ord-1")
	if order.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", order.Status)
	}
	if !strings.Contains(order.FailureReason, "failure ceiling") {
		t.Errorf("failure reason = %q, want ceiling mentioned", order.FailureReason)
	}
	// Three pages fail (one attempt each), the breaker trips, and the
	// queued tasks are dropped without touching the illustrator.
	if got := f.mock.CallCount(); got != 3 {
		t.Errorf("illustrator called %d times, want 3", got)
	}
}

func TestRunAbsorbsPageFailureAndContinues(t *testing.T) {
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg)
	f.newPaidOrder(t, "ord-1", 3) // 4 slots

	var mu sync.Mutex
	doomed := ""
	f.mock.Script = func(prompt string, attempt int) error {
		if prompt == prompts.CoverPrompt {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if doomed == "" {
			doomed = prompt
		}
		if prompt == doomed {
			return &providers.TransientError{Message: "upstream fault", StatusCode: 503}
		}
		return nil
	}

	err := f.o.Run(context.Background(), "ord-1", 0)
	if err == nil {
		t.Fatal("Run succeeded with a permanently failed page")
	}

	order, _ := f.st.GetOrder(context.Background(), "ord-1")
	if order.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", order.Status)
	}
	if !strings.Contains(order.FailureReason, "attempt budget exhausted") {
		t.Errorf("failure reason = %q", order.FailureReason)
	}

	// The failed page is absorbed: the pages after it still ran.
	// Cover (1) + doomed page (2 attempts) + two later pages (1 each).
	if got := f.mock.CallCount(); got != 5 {
		t.Errorf("illustrator called %d times, want 5", got)
	}
	// Only the cover persists; later successes sit behind the gap.
	assertContiguousPages(t, f, "ord-1", 1)
}

func TestRunRespectsWorkerBound(t *testing.T) {
	cfg := fastConfig()
	cfg.Workers = 2
	f := newFixture(t, cfg)
	f.newPaidOrder(t, "ord-1", 7)
	f.mock.Latency = 20 * time.Millisecond

	if err := f.o.Run(context.Background(), "ord-1", 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.mock.MaxInFlight(); got > 2 {
		t.Errorf("max in-flight calls = %d, want <= 2", got)
	}
}

func TestRunIdempotencyGuards(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.newPaidOrder(t, "ord-1", 1)
	ctx := context.Background()

	if err := f.o.Run(ctx, "ord-1", 0); err != nil {
		t.Fatal(err)
	}
	calls := f.mock.CallCount()

	// Completed orders are a no-op.
	if err := f.o.Run(ctx, "ord-1", 0); err != nil {
		t.Errorf("rerun of completed order: %v", err)
	}
	if f.mock.CallCount() != calls {
		t.Error("rerun of completed order generated pages")
	}

	// Unpaid orders are rejected.
	f.newPaidOrder(t, "ord-2", 1)
	unpaid := &store.Order{
		ID: "ord-3", CustomerName: "B", CustomerEmail: "b@example.com",
		ReferencePath: "/nonexistent.png", PageCount: 1,
	}
	if err := f.st.CreateOrder(ctx, unpaid); err != nil {
		t.Fatal(err)
	}
	if err := f.o.Run(ctx, "ord-3", 0); err == nil {
		t.Error("unpaid order was run")
	}
}

func TestRunFailsWhenPromptPoolTooSmall(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.o.catalog = prompts.Catalog[:3]
	f.newPaidOrder(t, "ord-1", 10) // needs 10 interior scenes, catalog has 3

	if err := f.o.Run(context.Background(), "ord-1", 0); err == nil {
		t.Fatal("Run succeeded with an exhausted prompt pool")
	}

	order, _ := f.st.GetOrder(context.Background(), "ord-1")
	if order.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", order.Status)
	}
	if f.mock.CallCount() != 0 {
		t.Errorf("illustrator called %d times before pool check", f.mock.CallCount())
	}
}

func TestResumeAllResumesNonTerminalOrders(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()

	f.newPaidOrder(t, "ord-a", 1)
	f.st.SetStatus(ctx, "ord-a", store.StatusGenerating)
	f.newPaidOrder(t, "ord-b", 1) // paid, run never started
	pending := &store.Order{
		ID: "ord-c", CustomerName: "C", CustomerEmail: "c@example.com",
		ReferencePath: "/nonexistent.png", PageCount: 1,
	}
	if err := f.st.CreateOrder(ctx, pending); err != nil {
		t.Fatal(err)
	}

	if err := f.o.ResumeAll(ctx); err != nil {
		t.Fatalf("ResumeAll: %v", err)
	}

	a, _ := f.st.GetOrder(ctx, "ord-a")
	if a.Status != store.StatusCompleted {
		t.Errorf("interrupted order status = %s, want completed", a.Status)
	}
	// A paid order that never started generating is picked up too.
	b, _ := f.st.GetOrder(ctx, "ord-b")
	if b.Status != store.StatusCompleted {
		t.Errorf("paid order status = %s, want completed", b.Status)
	}
	// Unpaid orders are left alone.
	c, _ := f.st.GetOrder(ctx, "ord-c")
	if c.Status != store.StatusPending {
		t.Errorf("pending order status = %s, want pending", c.Status)
	}
}

// Workers completing adjacent slots race to persist; the store must
// still see every batch extend the contiguous prefix in order.
func TestPersistReadyKeepsPrefixUnderConcurrentWorkers(t *testing.T) {
	f := newFixture(t, fastConfig())
	order := f.newPaidOrder(t, "ord-1", 59)
	total := order.TotalSlots()
	ctx := context.Background()

	r := &run{order: order, slots: make([]*slotState, total), used: map[string]bool{}}

	slotCh := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range slotCh {
				r.markReady(n, prompts.Scene{Prompt: fmt.Sprintf("scene %d", n)}, fmt.Sprintf("/img/%d.png", n))
				if err := f.o.persistReady(ctx, r); err != nil {
					t.Errorf("persistReady after slot %d: %v", n, err)
				}
			}
		}()
	}
	for _, n := range rand.New(rand.NewSource(1)).Perm(total) {
		slotCh <- n
	}
	close(slotCh)
	wg.Wait()

	pages, err := f.st.Pages(ctx, "ord-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != total {
		t.Fatalf("persisted %d pages, want %d", len(pages), total)
	}
	for i, p := range pages {
		if p.Number != i {
			t.Fatalf("page gap: position %d holds number %d", i, p.Number)
		}
	}
	got, _ := f.st.GetOrder(ctx, "ord-1")
	if got.PagesDone != total {
		t.Errorf("PagesDone = %d, want %d", got.PagesDone, total)
	}
}

func TestRegistryBlocksConcurrentRuns(t *testing.T) {
	r := NewRegistry()
	if !r.TryAcquire("ord-1") {
		t.Fatal("first acquire failed")
	}
	if r.TryAcquire("ord-1") {
		t.Error("second acquire succeeded")
	}
	if !r.TryAcquire("ord-2") {
		t.Error("unrelated order blocked")
	}
	r.Release("ord-1")
	if !r.TryAcquire("ord-1") {
		t.Error("acquire after release failed")
	}
}

func TestRunRateLimitRetryAfterHonored(t *testing.T) {
	cfg := fastConfig()
	f := newFixture(t, cfg)
	f.newPaidOrder(t, "ord-1", 1)

	var mu sync.Mutex
	limited := false
	f.mock.Script = func(prompt string, attempt int) error {
		mu.Lock()
		defer mu.Unlock()
		if prompt != prompts.CoverPrompt && !limited {
			limited = true
			return &providers.RateLimitError{Message: "slow down", StatusCode: 429}
		}
		return nil
	}

	if err := f.o.Run(context.Background(), "ord-1", 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	order, _ := f.st.GetOrder(context.Background(), "ord-1")
	if order.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", order.Status)
	}
	// The limited prompt was retried, not substituted.
	pages := assertContiguousPages(t, f, "ord-1", 2)
	if got := f.mock.PromptCalls(pages[1].Prompt); got != 2 {
		t.Errorf("limited prompt attempted %d times, want 2", got)
	}
}

func TestRunErrorsForUnknownOrder(t *testing.T) {
	f := newFixture(t, fastConfig())
	err := f.o.Run(context.Background(), "missing", 0)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
