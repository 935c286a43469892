package assemble

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/storypress/storypress/internal/home"
	"github.com/storypress/storypress/internal/store"
)

func writeTestPNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 32; x++ {
			c := color.RGBA{R: 240, G: 240, B: 230, A: 255}
			if (x/8+y/8)%2 == 0 {
				c = color.RGBA{R: 40, G: 40, B: 60, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func assembleFixture(t *testing.T, pageCount, persisted int) (*Assembler, string) {
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

	ctx := context.Background()
	order := &store.Order{
		ID:            "ord-1",
		CustomerName:  "Ada",
		CustomerEmail: "ada@example.com",
		ReferencePath: "/tmp/ref.png",
		PageCount:     pageCount,
	}
	if err := st.CreateOrder(ctx, order); err != nil {
		t.Fatal(err)
	}

	var batch []*store.Page
	for n := 0; n < persisted; n++ {
		imgPath := homeDir.PageImagePath("ord-1", n)
		writeTestPNG(t, imgPath)
		p := &store.Page{OrderID: "ord-1", Number: n, Prompt: "cover", ImagePath: imgPath}
		if n > 0 {
			p.Prompt = "scene"
			p.Caption = "A small adventure unfolds in the quiet garden"
		}
		batch = append(batch, p)
	}
	if err := st.AppendPages(ctx, "ord-1", batch); err != nil {
		t.Fatal(err)
	}

	a := New(homeDir, st, Config{Trace: false}, logger)
	return a, "ord-1"
}

func TestAssembleBuildsValidBook(t *testing.T) {
	a, orderID := assembleFixture(t, 2, 3) // cover + 2 pages, all persisted

	artifact, err := a.Assemble(context.Background(), orderID)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if artifact != a.home.BookPath(orderID) {
		t.Errorf("artifact = %q, want %q", artifact, a.home.BookPath(orderID))
	}

	if err := api.ValidateFile(artifact, nil); err != nil {
		t.Fatalf("artifact fails validation: %v", err)
	}
	f, err := os.Open(artifact)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n, err := api.PageCount(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("book has %d pages, want 3", n)
	}
}

func TestAssembleRefusesPartialBook(t *testing.T) {
	a, orderID := assembleFixture(t, 4, 2) // 2 of 5 slots persisted

	if _, err := a.Assemble(context.Background(), orderID); err == nil {
		t.Fatal("partial book assembled")
	}
	if _, err := os.Stat(a.home.BookPath(orderID)); !os.IsNotExist(err) {
		t.Error("partial assembly left an artifact behind")
	}
}

func TestAssembleRefusesEmptyOrder(t *testing.T) {
	a, orderID := assembleFixture(t, 2, 0)

	if _, err := a.Assemble(context.Background(), orderID); err == nil {
		t.Fatal("empty order assembled")
	}
}

func TestTraceFallsBackToRaster(t *testing.T) {
	a, orderID := assembleFixture(t, 1, 2)
	a.cfg.Trace = true
	a.cfg.TraceBinary = "definitely-not-a-real-tracer"

	artifact, err := a.Assemble(context.Background(), orderID)
	if err != nil {
		t.Fatalf("Assemble with broken tracer: %v", err)
	}
	if err := api.ValidateFile(artifact, nil); err != nil {
		t.Errorf("fallback artifact fails validation: %v", err)
	}
}
