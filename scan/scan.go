// Package scan recognises PDFs that carry no encoded text by rasterising every page and
// sending the pages, in order, to a text recognition backend.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhcgn/mail-extract/raster"
	"github.com/dhcgn/mail-extract/recognize"
	"github.com/dhcgn/mail-extract/workspace"
)

type Pipeline struct {
	rasterizer    raster.Rasterizer
	recognizer    recognize.Recognizer
	workspaceRoot string
	logger        *slog.Logger
}

func New(r raster.Rasterizer, rec recognize.Recognizer, workspaceRoot string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		rasterizer:    r,
		recognizer:    rec,
		workspaceRoot: workspaceRoot,
		logger:        logger,
	}
}

// Process returns the recognised text of all pages, each followed by a newline. A single
// failing page fails the whole document; partial text is never returned. The page images
// live in a private workspace that is gone when Process returns.
func (p *Pipeline) Process(ctx context.Context, pdf []byte) (string, error) {
	return workspace.Run(p.workspaceRoot, p.logger, func(ws *workspace.Workspace) (string, error) {
		pages, err := p.rasterizer.Rasterize(ctx, pdf, ws.Dir())
		if err != nil {
			return "", err
		}
		p.logger.Debug("pdf rasterised", "pages", len(pages), "dir", ws.Dir())

		var b strings.Builder
		for i, page := range pages {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			text, err := p.recognizer.Recognize(ctx, page)
			if err != nil {
				return "", fmt.Errorf("page %d of %d: %w", i+1, len(pages), err)
			}
			b.WriteString(text)
			b.WriteString("\n")
		}
		return b.String(), nil
	})
}
