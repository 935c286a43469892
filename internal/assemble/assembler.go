// Package assemble turns an order's generated page images into the
// final PDF book: one Letter page per image, captions and page-number
// footers, cover first.
package assemble

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/storypress/storypress/internal/home"
	"github.com/storypress/storypress/internal/store"
)

// Config controls assembly behavior.
type Config struct {
	// Trace enables vector tracing of page images via the external
	// tracer; on failure the page falls back to the raster image.
	Trace       bool
	TraceBinary string

	// Caption layout
	CaptionWidth    int // characters per line
	CaptionMaxLines int
}

// Assembler builds book PDFs from persisted pages.
type Assembler struct {
	home   *home.Dir
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates an Assembler.
func New(homeDir *home.Dir, st *store.Store, cfg Config, logger *slog.Logger) *Assembler {
	if cfg.TraceBinary == "" {
		cfg.TraceBinary = "potrace"
	}
	if cfg.CaptionMaxLines <= 0 {
		cfg.CaptionMaxLines = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{home: homeDir, store: st, cfg: cfg, logger: logger}
}

// Assemble builds the book for an order and returns the durable
// artifact path. It requires the full contiguous set of pages
// (cover plus every interior page) to be persisted.
func (a *Assembler) Assemble(ctx context.Context, orderID string) (string, error) {
	order, err := a.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	pages, err := a.store.Pages(ctx, orderID)
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("order %s: no pages to assemble", orderID)
	}
	if len(pages) != order.TotalSlots() {
		return "", fmt.Errorf("order %s: %d of %d pages persisted, refusing to assemble a partial book",
			orderID, len(pages), order.TotalSlots())
	}

	workDir, err := os.MkdirTemp("", "storypress-assemble-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(workDir)

	pagePDFs := make([]string, 0, len(pages))
	for _, p := range pages {
		out := filepath.Join(workDir, fmt.Sprintf("page_%04d.pdf", p.Number))
		if err := a.renderPage(ctx, p, out); err != nil {
			return "", fmt.Errorf("order %s page %d: %w", orderID, p.Number, err)
		}
		pagePDFs = append(pagePDFs, out)
	}

	merged := filepath.Join(workDir, "book.pdf")
	if err := api.MergeCreateFile(pagePDFs, merged, false, nil); err != nil {
		return "", fmt.Errorf("order %s: merge pages: %w", orderID, err)
	}

	if err := a.annotate(merged, pages); err != nil {
		return "", fmt.Errorf("order %s: %w", orderID, err)
	}

	if err := api.ValidateFile(merged, nil); err != nil {
		return "", fmt.Errorf("order %s: assembled book failed validation: %w", orderID, err)
	}

	final := a.home.BookPath(orderID)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", err
	}
	if err := moveFile(merged, final); err != nil {
		return "", fmt.Errorf("order %s: write artifact: %w", orderID, err)
	}

	a.logger.Info("book assembled", "order_id", orderID, "pages", len(pages), "artifact", final)
	return final, nil
}

// renderPage produces a single-page PDF for one page image. Tracing
// is attempted first when enabled; any tracer failure falls back to
// importing the raster image directly.
func (a *Assembler) renderPage(ctx context.Context, p *store.Page, out string) error {
	if a.cfg.Trace {
		err := a.tracePage(ctx, p.ImagePath, out)
		if err == nil {
			return nil
		}
		a.logger.Warn("vector trace failed, using raster page",
			"order_id", p.OrderID, "page", p.Number, "error", err)
	}
	return a.rasterPage(p.ImagePath, out)
}

// rasterPage imports the page image centered on a Letter page.
func (a *Assembler) rasterPage(imagePath, out string) error {
	imp, err := api.Import("form:Letter, pos:c, sc:0.9 rel", types.POINTS)
	if err != nil {
		return err
	}
	return api.ImportImagesFile([]string{imagePath}, out, imp, nil)
}

const (
	captionDesc    = "font:Helvetica, points:11, pos:bc, off:0 44, scalefactor:1 abs, rot:0, fillcol:#222222"
	pageNumberDesc = "font:Helvetica, points:10, pos:bc, off:0 18, scalefactor:1 abs, rot:0, fillcol:#444444"
)

// annotate stamps captions and page-number footers onto the merged
// book. The cover gets neither.
func (a *Assembler) annotate(bookPath string, pages []*store.Page) error {
	for _, p := range pages {
		if p.IsCover() {
			continue
		}
		sel := []string{strconv.Itoa(p.Number + 1)} // PDF pages are 1-indexed

		if p.Caption != "" {
			text := wrapCaption(p.Caption, a.cfg.CaptionWidth, a.cfg.CaptionMaxLines)
			wm, err := api.TextWatermark(text, captionDesc, true, false, types.POINTS)
			if err != nil {
				return fmt.Errorf("caption watermark for page %d: %w", p.Number, err)
			}
			if err := api.AddWatermarksFile(bookPath, "", sel, wm, nil); err != nil {
				return fmt.Errorf("stamp caption on page %d: %w", p.Number, err)
			}
		}

		wm, err := api.TextWatermark(strconv.Itoa(p.Number), pageNumberDesc, true, false, types.POINTS)
		if err != nil {
			return fmt.Errorf("page number watermark for page %d: %w", p.Number, err)
		}
		if err := api.AddWatermarksFile(bookPath, "", sel, wm, nil); err != nil {
			return fmt.Errorf("stamp page number on page %d: %w", p.Number, err)
		}
	}
	return nil
}

// moveFile copies src to dst via a temp file in dst's directory and
// renames it into place, so readers never see a partial artifact.
func moveFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".book-*.pdf")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, dst)
}
