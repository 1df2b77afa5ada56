// Package raster renders PDF pages to JPEG images.
package raster

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"

	"github.com/dhcgn/mail-extract/model"
)

const (
	DefaultDPI     = 150
	DefaultQuality = 90
)

// Rasterizer turns every page of a PDF into an image file inside dir and returns the
// paths in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, dir string) ([]string, error)
}

// Fitz renders pages with MuPDF.
type Fitz struct {
	DPI     float64
	Quality int
}

func (f Fitz) Rasterize(ctx context.Context, pdf []byte, dir string) ([]string, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, fmt.Errorf("%w: rasterise: %w", model.ErrCorruptDocument, err)
	}
	defer doc.Close()

	count := doc.NumPage()
	if count == 0 {
		return nil, fmt.Errorf("%w: pdf has no pages", model.ErrCorruptDocument)
	}

	dpi := f.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	quality := f.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	paths := make([]string, 0, count)
	for n := 0; n < count; n++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := doc.ImageDPI(n, dpi)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", n+1, err)
		}

		path := filepath.Join(dir, fmt.Sprintf("page_%03d.jpg", n+1))
		out, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create image for page %d: %w", n+1, err)
		}
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: quality})
		closeErr := out.Close()
		if err != nil {
			return nil, fmt.Errorf("encode page %d: %w", n+1, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("write page %d: %w", n+1, closeErr)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
