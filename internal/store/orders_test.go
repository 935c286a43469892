package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "orders.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(id string) *Order {
	return &Order{
		ID:            id,
		CustomerName:  "Ada",
		CustomerEmail: "ada@example.com",
		ReferencePath: "/tmp/reference.png",
		Style:         "watercolor",
		PageCount:     5,
	}
}

func TestCreateAndGetOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateOrder(ctx, testOrder("ord-1")); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.PageCount != 5 || got.TotalSlots() != 6 {
		t.Errorf("PageCount = %d, TotalSlots = %d", got.PageCount, got.TotalSlots())
	}

	if _, err := s.GetOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrder(missing) = %v, want ErrNotFound", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateOrder(ctx, testOrder("ord-1")); err != nil {
		t.Fatal(err)
	}

	// Forward path is allowed.
	for _, next := range []Status{StatusPaid, StatusGenerating, StatusCompleted} {
		if err := s.SetStatus(ctx, "ord-1", next); err != nil {
			t.Fatalf("SetStatus(%s): %v", next, err)
		}
	}

	// Completed is terminal.
	if err := s.SetStatus(ctx, "ord-1", StatusGenerating); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed -> generating = %v, want ErrInvalidTransition", err)
	}

	// Skipping a state is rejected.
	if err := s.CreateOrder(ctx, testOrder("ord-2")); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(ctx, "ord-2", StatusGenerating); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> generating = %v, want ErrInvalidTransition", err)
	}

	// Same-state set is a no-op.
	if err := s.SetStatus(ctx, "ord-2", StatusPending); err != nil {
		t.Errorf("pending -> pending = %v, want nil", err)
	}
}

func TestSetFailureRecordsReason(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateOrder(ctx, testOrder("ord-1")); err != nil {
		t.Fatal(err)
	}
	s.SetStatus(ctx, "ord-1", StatusPaid)
	s.SetStatus(ctx, "ord-1", StatusGenerating)

	if err := s.SetFailure(ctx, "ord-1", "failure ceiling reached"); err != nil {
		t.Fatalf("SetFailure: %v", err)
	}
	got, _ := s.GetOrder(ctx, "ord-1")
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.FailureReason != "failure ceiling reached" {
		t.Errorf("failure reason = %q", got.FailureReason)
	}
}

func TestAppendPagesContiguous(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateOrder(ctx, testOrder("ord-1")); err != nil {
		t.Fatal(err)
	}

	batch := []*Page{
		{OrderID: "ord-1", Number: 0, Prompt: "cover", ImagePath: "/img/0.png"},
		{OrderID: "ord-1", Number: 1, Prompt: "p1", Caption: "Once upon a time", ImagePath: "/img/1.png"},
	}
	if err := s.AppendPages(ctx, "ord-1", batch); err != nil {
		t.Fatalf("AppendPages: %v", err)
	}

	got, _ := s.GetOrder(ctx, "ord-1")
	if got.PagesDone != 2 {
		t.Errorf("PagesDone = %d, want 2", got.PagesDone)
	}

	// Extending the prefix works.
	if err := s.AppendPages(ctx, "ord-1", []*Page{{OrderID: "ord-1", Number: 2, Prompt: "p2", ImagePath: "/img/2.png"}}); err != nil {
		t.Fatalf("AppendPages extend: %v", err)
	}

	pages, err := s.Pages(ctx, "ord-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 3 {
		t.Fatalf("got %d pages, want 3", len(pages))
	}
	for i, p := range pages {
		if p.Number != i {
			t.Errorf("page[%d].Number = %d", i, p.Number)
		}
	}
	if !pages[0].IsCover() || pages[1].IsCover() {
		t.Error("cover detection wrong")
	}
}

func TestAppendPagesRejectsGap(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateOrder(ctx, testOrder("ord-1")); err != nil {
		t.Fatal(err)
	}

	err := s.AppendPages(ctx, "ord-1", []*Page{{OrderID: "ord-1", Number: 2, Prompt: "p", ImagePath: "/img/2.png"}})
	if err == nil {
		t.Fatal("gap batch accepted")
	}

	// Rejected batch must leave nothing behind.
	got, _ := s.GetOrder(ctx, "ord-1")
	if got.PagesDone != 0 {
		t.Errorf("PagesDone = %d after rejected batch, want 0", got.PagesDone)
	}
	pages, _ := s.Pages(ctx, "ord-1")
	if len(pages) != 0 {
		t.Errorf("got %d pages after rejected batch, want 0", len(pages))
	}
}

func TestUsedPrompts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateOrder(ctx, testOrder("ord-1")); err != nil {
		t.Fatal(err)
	}
	s.AppendPages(ctx, "ord-1", []*Page{
		{OrderID: "ord-1", Number: 0, Prompt: "cover", ImagePath: "a"},
		{OrderID: "ord-1", Number: 1, Prompt: "boat ride", ImagePath: "b"},
	})

	used, err := s.UsedPrompts(ctx, "ord-1")
	if err != nil {
		t.Fatal(err)
	}
	if !used["boat ride"] || !used["cover"] || len(used) != 2 {
		t.Errorf("used prompts = %v", used)
	}
}

func TestOrdersToResume(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := s.CreateOrder(ctx, testOrder(id)); err != nil {
			t.Fatal(err)
		}
	}
	s.SetStatus(ctx, "a", StatusPaid)
	s.SetStatus(ctx, "a", StatusGenerating)
	s.SetStatus(ctx, "b", StatusPaid)
	// c stays pending.
	s.SetStatus(ctx, "d", StatusPaid)
	s.SetStatus(ctx, "d", StatusGenerating)
	s.SetStatus(ctx, "d", StatusCompleted)
	s.SetStatus(ctx, "e", StatusPaid)
	s.SetStatus(ctx, "e", StatusGenerating)
	s.SetFailure(ctx, "e", "boom")

	// Every non-terminal order is a resume candidate, oldest first.
	resume, err := s.OrdersToResume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(resume) != 3 {
		t.Fatalf("OrdersToResume returned %d orders, want 3", len(resume))
	}
	want := map[string]Status{"a": StatusGenerating, "b": StatusPaid, "c": StatusPending}
	for _, o := range resume {
		if want[o.ID] != o.Status {
			t.Errorf("resume candidate %s has status %s", o.ID, o.Status)
		}
		delete(want, o.ID)
	}
	if len(want) != 0 {
		t.Errorf("missing resume candidates: %v", want)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[StatusGenerating] != 1 || stats[StatusPaid] != 1 || stats[StatusPending] != 1 ||
		stats[StatusCompleted] != 1 || stats[StatusFailed] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestParseStatus(t *testing.T) {
	if st, err := ParseStatus(" Generating "); err != nil || st != StatusGenerating {
		t.Errorf("ParseStatus = %v, %v", st, err)
	}
	if _, err := ParseStatus("bogus"); err == nil {
		t.Error("bogus status accepted")
	}
}
