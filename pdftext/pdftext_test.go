package pdftext

import (
	"context"
	"errors"
	"testing"

	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/internal/pdffixture"
)

func newNative(t *testing.T) *Extractor {
	t.Helper()
	e, err := New(EngineNative, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func TestExtractDirectText(t *testing.T) {
	e := newNative(t)
	res, err := e.Extract(context.Background(), pdffixture.Text("Total: $50"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Empty {
		t.Fatalf("Extract() Empty = true, want false")
	}
	if res.Text != "Total: $50" {
		t.Fatalf("Extract() text = %q, want %q", res.Text, "Total: $50")
	}
	if res.Pages != 1 {
		t.Fatalf("Extract() pages = %d, want 1", res.Pages)
	}
}

func TestExtractKeepsPageOrder(t *testing.T) {
	e := newNative(t)
	tests := []struct {
		name  string
		pages []string
		want  string
	}{
		{name: "three pages", pages: []string{"first page", "second page", "third page"}, want: "first page\nsecond page\nthird page"},
		{name: "single letters", pages: []string{"a", "b", "c"}, want: "a\nb\nc"},
		{name: "image page in between", pages: []string{"a", "", "c"}, want: "a\nc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Extract(context.Background(), pdffixture.Text(tt.pages...))
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if res.Text != tt.want {
				t.Fatalf("Extract() text = %q, want %q", res.Text, tt.want)
			}
			if res.Pages != len(tt.pages) {
				t.Fatalf("pages = %d, want %d", res.Pages, len(tt.pages))
			}
		})
	}
}

func TestExtractImageOnlyPDFIsEmpty(t *testing.T) {
	e := newNative(t)
	res, err := e.Extract(context.Background(), pdffixture.Scanned(2))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !res.Empty {
		t.Fatalf("Extract() Empty = false, text = %q", res.Text)
	}
}

func TestExtractMultilinePage(t *testing.T) {
	e := newNative(t)
	data := pdffixture.Build([]pdffixture.Page{{Lines: []string{"Line (one)", "Line two"}}})
	res, err := e.Extract(context.Background(), data)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Text != "Line (one)\nLine two" {
		t.Fatalf("Extract() text = %q, want %q", res.Text, "Line (one)\nLine two")
	}
}

func TestExtractCorruptDocument(t *testing.T) {
	e := newNative(t)
	tests := []struct {
		name string
		data []byte
	}{
		{name: "not a pdf", data: []byte("PK\x03\x04 this is a zip")},
		{name: "empty", data: nil},
		{name: "truncated", data: pdffixture.Text("hello")[:40]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Extract(context.Background(), tt.data)
			if !errors.Is(err, model.ErrCorruptDocument) {
				t.Fatalf("Extract() error = %v, want ErrCorruptDocument", err)
			}
		})
	}
}

func TestNewEngines(t *testing.T) {
	if _, err := New("ocrmypdf", nil); err == nil {
		t.Fatal("New() expected error for unknown engine")
	}
	e, err := New(EngineAuto, nil)
	if err != nil {
		t.Fatalf("New(auto) error = %v", err)
	}
	if e.Engine() != EngineNative && e.Engine() != EnginePoppler {
		t.Fatalf("auto resolved to %q", e.Engine())
	}
	e, err = New("", nil)
	if err != nil || e.Engine() != EngineNative {
		t.Fatalf("New(\"\") = %v, %v; want native", e, err)
	}
}

func TestExtractHonoursCancellation(t *testing.T) {
	e := newNative(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Extract(ctx, pdffixture.Text("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Extract() error = %v, want context.Canceled", err)
	}
}
