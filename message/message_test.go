package message

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dhcgn/mail-extract/attachment"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/internal/pdffixture"
	"github.com/dhcgn/mail-extract/pdftext"
	"github.com/dhcgn/mail-extract/recognize"
)

type file struct {
	name string
	mime string
	data []byte
}

// buildEML writes a multipart/mixed message with CRLF line endings.
func buildEML(body string, files ...file) []byte {
	var b strings.Builder
	w := func(format string, args ...any) { fmt.Fprintf(&b, format+"\r\n", args...) }
	w("From: Bob Example <bob@example.com>")
	w("To: alice@example.com")
	w("Subject: Re: invoice")
	w("Date: Mon, 02 Jan 2006 15:04:05 +0000")
	w("Message-Id: <abc123@example.com>")
	w("MIME-Version: 1.0")
	w(`Content-Type: multipart/mixed; boundary="XYZ"`)
	w("")
	w("--XYZ")
	w("Content-Type: text/plain; charset=utf-8")
	w("")
	w("%s", strings.ReplaceAll(body, "\n", "\r\n"))
	for _, f := range files {
		w("--XYZ")
		w("Content-Type: %s", f.mime)
		w(`Content-Disposition: attachment; filename="%s"`, f.name)
		w("Content-Transfer-Encoding: base64")
		w("")
		w("%s", base64.StdEncoding.EncodeToString(f.data))
	}
	w("--XYZ--")
	return []byte(b.String())
}

type stubScan struct{ text string }

func (s stubScan) Process(ctx context.Context, pdf []byte) (string, error) { return s.text, nil }

func newParser(t *testing.T, rec recognize.Recognizer, opts Options) *Parser {
	t.Helper()
	text, err := pdftext.New(pdftext.EngineNative, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := attachment.NewDispatcher(text, stubScan{text: "scanned\n"}, rec, t.TempDir(), nil)
	return NewParser(d, opts, nil)
}

func TestParseConversationWithAttachments(t *testing.T) {
	rec := recognize.Func(func(ctx context.Context, path string) (string, error) {
		return "Receipt 7", nil
	})
	raw := buildEML("Hi\nFrom: Alice\nOld message",
		file{name: "invoice.pdf", mime: "application/pdf", data: pdffixture.Text("Total: $50")},
		file{name: "scan.jpg", mime: "image/jpeg", data: []byte{0xff, 0xd8, 0xff}},
		file{name: "notes.docx", mime: "application/octet-stream", data: []byte("doc")},
	)

	p := newParser(t, rec, Options{AttachmentWorkers: 2})
	msg, err := p.Parse(context.Background(), model.NewContainer("test", "conv.eml", raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if msg.Sender != "Bob Example <bob@example.com>" {
		t.Errorf("Sender = %q", msg.Sender)
	}
	if msg.Subject != "Re: invoice" || msg.ID != "abc123@example.com" {
		t.Errorf("Subject = %q, ID = %q", msg.Subject, msg.ID)
	}
	if msg.Date.IsZero() || msg.Date.Year() != 2006 {
		t.Errorf("Date = %v", msg.Date)
	}
	want := []string{"Hi\n", "From: Alice\nOld message"}
	if !reflect.DeepEqual(msg.Segments, want) {
		t.Fatalf("Segments = %q, want %q", msg.Segments, want)
	}

	if len(msg.Attachments) != 3 {
		t.Fatalf("Attachments = %d, want 3", len(msg.Attachments))
	}
	if len(msg.Results) != 2 {
		t.Fatalf("Results = %+v, want 2", msg.Results)
	}
	pdf, img := msg.Results[0], msg.Results[1]
	if pdf.Filename != "invoice.pdf" || pdf.Method != model.MethodDirectPDF || pdf.Index != 0 {
		t.Errorf("first result = %+v", pdf)
	}
	if pdf.Text != "Total: $50" || pdf.Status != model.StatusOK {
		t.Errorf("pdf result = %q (%s), want %q", pdf.Text, pdf.Status, "Total: $50")
	}
	if img.Filename != "scan.jpg" || img.Method != model.MethodImage || img.Text != "Receipt 7" || img.Index != 1 {
		t.Errorf("second result = %+v", img)
	}
	if !reflect.DeepEqual(msg.Skipped, []string{"notes.docx"}) {
		t.Errorf("Skipped = %q", msg.Skipped)
	}
	if len(msg.Failures) != 0 {
		t.Errorf("Failures = %+v", msg.Failures)
	}
}

func TestParseBodyWithoutMarker(t *testing.T) {
	p := newParser(t, nil, Options{})
	msg, err := p.Parse(context.Background(), model.NewContainer("test", "plain.eml", buildEML("Hello\nThanks")))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(msg.Segments, []string{"Hello\nThanks"}) {
		t.Fatalf("Segments = %q", msg.Segments)
	}
	if len(msg.Results) != 0 || len(msg.Attachments) != 0 {
		t.Fatalf("unexpected attachments: %+v", msg)
	}
}

func TestParseDegradesPerAttachment(t *testing.T) {
	rec := recognize.Func(func(ctx context.Context, path string) (string, error) {
		return "", fmt.Errorf("%w: down", model.ErrRecognitionUnavailable)
	})
	raw := buildEML("body",
		file{name: "broken.pdf", mime: "application/pdf", data: []byte("not a pdf")},
		file{name: "ok.pdf", mime: "application/pdf", data: pdffixture.Text("fine")},
		file{name: "photo.png", mime: "image/png", data: []byte("png")},
	)

	msg, err := newParser(t, rec, Options{}).Parse(context.Background(), model.NewContainer("test", "m.eml", raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(msg.Results) != 1 || msg.Results[0].Filename != "ok.pdf" || msg.Results[0].Index != 1 {
		t.Fatalf("Results = %+v", msg.Results)
	}
	if len(msg.Failures) != 2 {
		t.Fatalf("Failures = %+v, want 2", msg.Failures)
	}
	if !errors.Is(msg.Failures[0].Err, model.ErrCorruptDocument) || msg.Failures[0].Index != 0 {
		t.Errorf("Failures[0] = %+v", msg.Failures[0])
	}
	if !errors.Is(msg.Failures[1].Err, model.ErrRecognitionUnavailable) || msg.Failures[1].Filename != "photo.png" {
		t.Errorf("Failures[1] = %+v", msg.Failures[1])
	}
}

func TestParseFailFast(t *testing.T) {
	raw := buildEML("body", file{name: "broken.pdf", mime: "application/pdf", data: []byte("nope")})
	_, err := newParser(t, nil, Options{FailFast: true}).Parse(context.Background(), model.NewContainer("test", "m.eml", raw))
	if !errors.Is(err, model.ErrCorruptDocument) {
		t.Fatalf("Parse() error = %v, want ErrCorruptDocument", err)
	}
}

func TestParseKeepsAttachmentOrderWithWorkers(t *testing.T) {
	var calls atomic.Int32
	rec := recognize.Func(func(ctx context.Context, path string) (string, error) {
		calls.Add(1)
		return filepath.Base(path), nil
	})
	var files []file
	for i := 0; i < 8; i++ {
		files = append(files, file{name: fmt.Sprintf("img%d.png", i), mime: "image/png", data: []byte{byte(i)}})
	}
	msg, err := newParser(t, rec, Options{AttachmentWorkers: 4}).Parse(context.Background(), model.NewContainer("test", "m.eml", buildEML("x", files...)))
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 8 || len(msg.Results) != 8 {
		t.Fatalf("calls = %d, results = %d", calls.Load(), len(msg.Results))
	}
	for i, r := range msg.Results {
		if r.Index != i || r.Text != fmt.Sprintf("img%d.png", i) {
			t.Errorf("Results[%d] = %+v", i, r)
		}
	}
}

func TestParseHTMLBodyFallback(t *testing.T) {
	raw := strings.Join([]string{
		"From: carol@example.com",
		"Subject: html",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><head><style>p{}</style></head><body><p>Hello &amp; welcome</p><div>From: Dave</div></body></html>",
	}, "\r\n")
	msg, err := Decode(model.NewContainer("test", "h.eml", []byte(raw)))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Hello & welcome\n", "From: Dave"}
	if !reflect.DeepEqual(msg.Segments, want) {
		t.Fatalf("Segments = %q, want %q", msg.Segments, want)
	}
	if msg.Sender != "carol@example.com" {
		t.Errorf("Sender = %q", msg.Sender)
	}
	if msg.ID != "h.eml" {
		t.Errorf("ID fallback = %q", msg.ID)
	}
}

func TestDecodeLatin1Body(t *testing.T) {
	raw := "From: x@example.com\r\nContent-Type: text/plain; charset=iso-8859-1\r\n\r\nGr\xfc\xdfe\r\n"
	msg, err := Decode(model.NewContainer("test", "l.eml", []byte(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if msg.RawBody != "Grüße\n" {
		t.Fatalf("RawBody = %q", msg.RawBody)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.eml")
	if err := os.WriteFile(path, buildEML("Hi\nFrom: A\nB"), 0o600); err != nil {
		t.Fatal(err)
	}
	msg, err := newParser(t, nil, Options{}).ParseFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Source != path || len(msg.Segments) != 2 {
		t.Fatalf("msg = %+v", msg)
	}

	_, err = newParser(t, nil, Options{}).ParseFile(context.Background(), filepath.Join(t.TempDir(), "missing.eml"))
	if !errors.Is(err, model.ErrContainerParse) {
		t.Fatalf("ParseFile(missing) error = %v", err)
	}
}

func TestDecodeRejectsMalformedHeader(t *testing.T) {
	raw := "this header line has no colon\r\n\r\nbody"
	_, err := Decode(model.NewContainer("test", "bad.eml", []byte(raw)))
	if !errors.Is(err, model.ErrContainerParse) {
		t.Fatalf("Decode() error = %v, want ErrContainerParse", err)
	}
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<p>a</p><p>b</p>", "a\nb"},
		{"x<br>y", "x\ny"},
		{"<script>var a=1</script>text", "text"},
		{"  spaced    words ", "spaced words"},
	}
	for _, tt := range tests {
		if got := htmlToText(tt.in); got != tt.want {
			t.Errorf("htmlToText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
