package extract

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/dhcgn/mail-extract/config"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/runner"
	"github.com/dhcgn/mail-extract/stats"
)

type stubParser struct{}

func (stubParser) Parse(ctx context.Context, c model.Container) (model.Message, error) {
	if strings.HasPrefix(c.Name, "bad") {
		return model.Message{}, model.ErrContainerParse
	}
	return model.Message{
		ID:       c.Name,
		Source:   c.Source,
		Segments: []string{string(c.Raw)},
		Results: []model.ExtractionResult{
			{Index: 0, Filename: "a.pdf", Method: model.MethodDirectPDF, Status: model.StatusOK, Text: "x"},
			{Index: 1, Filename: "b.png", Method: model.MethodImage, Status: model.StatusOK, Text: "y"},
		},
		Skipped:  []string{"c.docx"},
		Failures: []model.AttachmentFailure{{Index: 3, Filename: "d.pdf", Err: model.ErrCorruptDocument}},
	}, nil
}

func source(names ...string) runner.SourceFunc {
	return func(ctx context.Context, out chan<- model.Envelope) error {
		for _, name := range names {
			out <- model.Envelope{Container: model.NewContainer("test", name, []byte(name))}
		}
		return nil
	}
}

func TestWorkersParseAndEmit(t *testing.T) {
	r, err := runner.New(config.Config{Workers: 3}, nil)
	if err != nil {
		t.Fatalf("runner.New() error = %v", err)
	}
	reporter := stats.NewReporter(r, nil)
	r.AddSource("test", source("m1", "bad1", "m2", "m3"))
	NewWorkers(stubParser{}, 3, r, nil)

	var (
		mu  sync.Mutex
		ids []string
	)
	r.AddStage("collect", func(ctx context.Context) error {
		for msg := range r.Results() {
			mu.Lock()
			ids = append(ids, msg.ID)
			mu.Unlock()
		}
		return nil
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sort.Strings(ids)
	if strings.Join(ids, ",") != "m1,m2,m3" {
		t.Fatalf("results = %v, want m1,m2,m3", ids)
	}

	s := reporter.Summary()
	if s.Parsed != 3 || s.Errors != 1 {
		t.Fatalf("parsed = %d errors = %d, want 3 and 1", s.Parsed, s.Errors)
	}
	if s.Extracted != 6 || s.Methods[string(model.MethodDirectPDF)] != 3 || s.Methods[string(model.MethodImage)] != 3 {
		t.Fatalf("extracted = %d methods = %v", s.Extracted, s.Methods)
	}
	if s.Skipped != 3 || s.AttachmentErrors != 3 {
		t.Fatalf("skipped = %d attachment errors = %d, want 3 and 3", s.Skipped, s.AttachmentErrors)
	}
	if !errors.Is(s.LastError, model.ErrCorruptDocument) && !errors.Is(s.LastError, model.ErrContainerParse) {
		t.Fatalf("last error = %v", s.LastError)
	}
}

func TestWorkersCloseResultsWithoutInput(t *testing.T) {
	r, _ := runner.New(config.Config{Workers: 1}, nil)
	NewWorkers(stubParser{}, 0, r, nil)

	var n int
	r.AddStage("collect", func(ctx context.Context) error {
		for range r.Results() {
			n++
		}
		return nil
	})
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("results = %d, want 0", n)
	}
}
