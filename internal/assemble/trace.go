package assemble

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
)

// Letter page geometry in points.
const (
	letterWidthPt  = 612.0
	letterHeightPt = 792.0
	pageMarginPt   = 36.0
)

// traceThreshold is the luminance cutoff for the bitmap handed to the
// tracer: pixels darker than this become black.
const traceThreshold = 128

// tracePage converts a raster page image into a vector PDF page by
// running the external tracer over a thresholded bitmap. The output
// is a single centered Letter page.
func (a *Assembler) tracePage(ctx context.Context, imagePath, outPath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read page image: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode page image: %w", err)
	}

	pbm, err := encodePBM(img)
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp("", "storypress-trace-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	pbmPath := filepath.Join(tmpDir, "page.pbm")
	if err := os.WriteFile(pbmPath, pbm, 0o644); err != nil {
		return err
	}

	bounds := img.Bounds()
	w, l, r, t, b := letterLayout(bounds.Dx(), bounds.Dy())

	// -b pdf: PDF backend
	// -W: width of the traced image on the page
	// -L/-R/-T/-B: margins, computed so the image is centered on Letter
	cmd := exec.CommandContext(ctx, a.cfg.TraceBinary,
		"-b", "pdf",
		"-W", fmt.Sprintf("%.2fpt", w),
		"-L", fmt.Sprintf("%.2fpt", l),
		"-R", fmt.Sprintf("%.2fpt", r),
		"-T", fmt.Sprintf("%.2fpt", t),
		"-B", fmt.Sprintf("%.2fpt", b),
		"-o", outPath,
		pbmPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w (output: %s)", a.cfg.TraceBinary, err, string(output))
	}

	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("%s did not produce output: %w", a.cfg.TraceBinary, err)
	}
	return nil
}

// letterLayout computes the traced image width and the margins that
// center an image of the given pixel dimensions on a Letter page,
// preserving aspect ratio inside the printable area.
func letterLayout(pxW, pxH int) (width, left, right, top, bottom float64) {
	boxW := letterWidthPt - 2*pageMarginPt
	boxH := letterHeightPt - 2*pageMarginPt

	scale := boxW / float64(pxW)
	if s := boxH / float64(pxH); s < scale {
		scale = s
	}
	width = float64(pxW) * scale
	height := float64(pxH) * scale

	left = (letterWidthPt - width) / 2
	right = left
	top = (letterHeightPt - height) / 2
	bottom = top
	return width, left, right, top, bottom
}

// encodePBM renders the image as a binary (P4) portable bitmap,
// thresholding on luminance. The tracer consumes PBM directly.
func encodePBM(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "P4\n%d %d\n", w, h)

	rowBytes := (w + 7) / 8
	row := make([]byte, rowBytes)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for i := range row {
			row[i] = 0
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R 601 luma, 16-bit channels scaled to 8-bit.
			luma := (299*r + 587*g + 114*b) / 1000 >> 8
			if luma < traceThreshold {
				i := x - bounds.Min.X
				row[i/8] |= 0x80 >> uint(i%8)
			}
		}
		buf.Write(row)
	}
	return buf.Bytes(), nil
}
