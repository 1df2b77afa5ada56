// Package attachment decides how an attachment is turned into text and runs that path.
package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/pdftext"
	"github.com/dhcgn/mail-extract/recognize"
	"github.com/dhcgn/mail-extract/workspace"
)

type Kind int

const (
	Unsupported Kind = iota
	Image
	PDF
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case PDF:
		return "pdf"
	default:
		return "unsupported"
	}
}

// Classify looks at the filename suffix only, case-insensitively.
func Classify(filename string) Kind {
	name := strings.ToLower(strings.TrimSpace(filename))
	switch {
	case strings.HasSuffix(name, "png"), strings.HasSuffix(name, "jpg"), strings.HasSuffix(name, "jpeg"):
		return Image
	case strings.HasSuffix(name, ".pdf"):
		return PDF
	default:
		return Unsupported
	}
}

// TextExtractor reads directly encoded PDF text.
type TextExtractor interface {
	Extract(ctx context.Context, pdf []byte) (pdftext.Result, error)
}

// ScanProcessor recognises PDFs without encoded text.
type ScanProcessor interface {
	Process(ctx context.Context, pdf []byte) (string, error)
}

type Dispatcher struct {
	text          TextExtractor
	scan          ScanProcessor
	recognizer    recognize.Recognizer
	workspaceRoot string
	logger        *slog.Logger
}

func NewDispatcher(text TextExtractor, scan ScanProcessor, rec recognize.Recognizer, workspaceRoot string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		text:          text,
		scan:          scan,
		recognizer:    rec,
		workspaceRoot: workspaceRoot,
		logger:        logger,
	}
}

// Dispatch extracts text from one attachment. ok is false for unsupported kinds, which are
// not an error. The result's Index is left for the caller to fill in.
func (d *Dispatcher) Dispatch(ctx context.Context, att model.Attachment) (model.ExtractionResult, bool, error) {
	kind := Classify(att.Filename)
	logger := d.logger.With("attachment", att.Filename, "kind", kind.String())

	var (
		text   string
		method model.Method
		err    error
	)
	switch kind {
	case Image:
		method = model.MethodImage
		text, err = d.recognizeImage(ctx, att)
	case PDF:
		text, method, err = d.extractPDF(ctx, att, logger)
	default:
		logger.Info("skipping unsupported attachment")
		return model.ExtractionResult{}, false, nil
	}
	if err != nil {
		return model.ExtractionResult{}, true, fmt.Errorf("extract %s: %w", att.Filename, err)
	}

	status := model.StatusOK
	if strings.TrimSpace(text) == "" {
		status = model.StatusEmpty
	}
	logger.Debug("attachment extracted", "method", method, "status", status)
	return model.ExtractionResult{
		Filename: att.Filename,
		Text:     text,
		Method:   method,
		Status:   status,
	}, true, nil
}

func (d *Dispatcher) recognizeImage(ctx context.Context, att model.Attachment) (string, error) {
	return workspace.Run(d.workspaceRoot, d.logger, func(ws *workspace.Workspace) (string, error) {
		path := ws.Path(att.Filename)
		if err := os.WriteFile(path, att.Content, 0o600); err != nil {
			return "", fmt.Errorf("write image: %w", err)
		}
		return d.recognizer.Recognize(ctx, path)
	})
}

func (d *Dispatcher) extractPDF(ctx context.Context, att model.Attachment, logger *slog.Logger) (string, model.Method, error) {
	res, err := d.text.Extract(ctx, att.Content)
	if err != nil {
		return "", model.MethodDirectPDF, err
	}
	if !res.Empty {
		return res.Text, model.MethodDirectPDF, nil
	}

	logger.Info("pdf has no text layer, recognising pages", "pages", res.Pages)
	text, err := d.scan.Process(ctx, att.Content)
	if err != nil {
		return "", model.MethodScannedPDF, err
	}
	return text, model.MethodScannedPDF, nil
}
