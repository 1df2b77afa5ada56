package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"

	"github.com/dhcgn/mail-extract/model"
)

const (
	EngineAuto    = "auto"
	EngineNative  = "native"
	EnginePoppler = "poppler"
)

// Result is the outcome of direct text extraction. Empty is the single signal that the
// document has to go through rasterising and recognition.
type Result struct {
	Text  string
	Pages int
	Empty bool
}

// Extractor reads the text that is encoded in a PDF's content streams.
type Extractor struct {
	engine string
	logger *slog.Logger
}

// New returns an extractor for the given engine. "auto" prefers poppler's pdftotext when it
// is installed and falls back to the pure Go reader.
func New(engine string, logger *slog.Logger) (*Extractor, error) {
	engine = strings.ToLower(strings.TrimSpace(engine))
	switch engine {
	case "":
		engine = EngineNative
	case EngineAuto:
		if _, err := exec.LookPath("pdftotext"); err == nil {
			engine = EnginePoppler
		} else {
			engine = EngineNative
		}
	case EngineNative, EnginePoppler:
	default:
		return nil, fmt.Errorf("unknown pdf engine %q", engine)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{engine: engine, logger: logger}, nil
}

func (e *Extractor) Engine() string {
	return e.engine
}

// Extract returns the concatenated text of all pages in page order. Unparseable input fails
// with model.ErrCorruptDocument and is never reported as empty.
func (e *Extractor) Extract(ctx context.Context, data []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	var (
		res Result
		err error
	)
	if e.engine == EnginePoppler {
		res, err = extractPoppler(data)
	} else {
		res, err = extractNative(ctx, data)
	}
	if err != nil {
		return Result{}, err
	}
	res.Empty = strings.TrimSpace(res.Text) == ""
	e.logger.Debug("pdf text extracted", "engine", e.engine, "pages", res.Pages, "runes", len([]rune(res.Text)), "empty", res.Empty)
	return res, nil
}

func extractNative(ctx context.Context, data []byte) (res Result, err error) {
	// The reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = fmt.Errorf("%w: %v", model.ErrCorruptDocument, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("%w: open pdf: %w", model.ErrCorruptDocument, err)
	}
	total := reader.NumPage()
	if total == 0 {
		return Result{}, fmt.Errorf("%w: pdf has no pages", model.ErrCorruptDocument)
	}

	var b strings.Builder
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return Result{}, fmt.Errorf("%w: page %d: %w", model.ErrCorruptDocument, i, err)
		}
		// Every BT operator starts a new line, including the first one on the page.
		appendPage(&b, strings.TrimLeft(text, "\r\n"))
	}
	return Result{Text: b.String(), Pages: total}, nil
}

func extractPoppler(data []byte) (Result, error) {
	text, meta, err := docconv.ConvertPDF(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: pdftotext: %w", model.ErrCorruptDocument, err)
	}
	var pages int
	if v, ok := meta["Pages"]; ok {
		_, _ = fmt.Sscanf(v, "%d", &pages)
	}
	return Result{Text: text, Pages: pages}, nil
}

// appendPage concatenates page texts, inserting a newline only where the previous page did
// not end with one.
func appendPage(b *strings.Builder, text string) {
	if text == "" {
		return
	}
	if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(text)
}
