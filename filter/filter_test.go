package filter

import (
	"testing"
)

func TestFilter_Allows(t *testing.T) {
	invoiceHeader := []byte("Subject: Invoice 113\nFrom: billing@vendor.example\n")
	newsHeader := []byte("Subject: Weekly news\nFrom: news@spam.example\n")
	scanBody := []byte("Please find the scanned invoice attached")
	plainBody := []byte("See you tomorrow")

	tests := []struct {
		name   string
		opts   Options
		header []byte
		body   []byte
		want   bool
	}{
		{name: "no filters", opts: Options{}, header: newsHeader, body: plainBody, want: true},
		{name: "include header match", opts: Options{IncludeHeader: []string{"Subject: Invoice"}}, header: invoiceHeader, body: plainBody, want: true},
		{name: "include header miss", opts: Options{IncludeHeader: []string{"Subject: Invoice"}}, header: newsHeader, body: scanBody, want: false},
		{name: "exclude header match", opts: Options{ExcludeHeader: []string{`spam\.example`}}, header: newsHeader, body: scanBody, want: false},
		{name: "exclude header miss", opts: Options{ExcludeHeader: []string{`spam\.example`}}, header: invoiceHeader, body: scanBody, want: true},
		{name: "include body match", opts: Options{IncludeBody: []string{"scanned"}}, header: newsHeader, body: scanBody, want: true},
		{name: "include body miss", opts: Options{IncludeBody: []string{"scanned"}}, header: invoiceHeader, body: plainBody, want: false},
		{name: "exclude body match", opts: Options{ExcludeBody: []string{"tomorrow"}}, header: invoiceHeader, body: plainBody, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := f.Allows(tt.header, tt.body); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{IncludeHeader: []string{"invoice"}, ExcludeBody: []string{"unsubscribe"}})
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{IncludeBody: []string{"("}}); err == nil {
		t.Error("Expected error for an invalid regular expression")
	}
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        []byte
		wantHeader []byte
		wantBody   []byte
	}{
		{
			name:       "CRLF separator",
			raw:        []byte("Header: value\r\n\r\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "LF separator",
			raw:        []byte("Header: value\n\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "No separator",
			raw:        []byte("All header content"),
			wantHeader: []byte("All header content"),
			wantBody:   nil,
		},
		{
			name:       "Empty message",
			raw:        []byte{},
			wantHeader: nil,
			wantBody:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotHeader, gotBody := SplitRawMessage(tt.raw)
			if string(gotHeader) != string(tt.wantHeader) {
				t.Errorf("SplitRawMessage() header = %q, want %q", gotHeader, tt.wantHeader)
			}
			if string(gotBody) != string(tt.wantBody) {
				t.Errorf("SplitRawMessage() body = %q, want %q", gotBody, tt.wantBody)
			}
		})
	}
}

func TestFilter_AllowsRaw(t *testing.T) {
	f, err := New(Options{IncludeBody: []string{`invoice\.pdf`}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	with := []byte("Subject: a\r\n\r\nsee invoice.pdf attached")
	without := []byte("Subject: invoice.pdf\r\n\r\nno attachment")
	if !f.AllowsRaw(with) {
		t.Error("expected container with matching body to pass")
	}
	if f.AllowsRaw(without) {
		t.Error("expected header-only match to be rejected by a body filter")
	}

	var nilFilter *Filter
	if !nilFilter.AllowsRaw(without) {
		t.Error("nil filter must allow everything")
	}
}

func TestFilter_Stats(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{"From:.*@spam\\.com", "Subject: Ad", "never"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.Allows([]byte("From: x@spam.com\nSubject: Ad"), nil)
	f.Allows([]byte("From: y@spam.com\nSubject: Hi"), nil)
	f.Allows([]byte("From: z@example.com\nSubject: Hi"), nil)

	s := f.Stats()
	if len(s.ExcludeHeaderPatterns) != 3 {
		t.Fatalf("patterns = %v", s.ExcludeHeaderPatterns)
	}
	want := map[string]int{"From:.*@spam\\.com": 2, "Subject: Ad": 1, "never": 0}
	for p, n := range want {
		if s.ExcludeHeaderHits[p] != n {
			t.Errorf("hits[%q] = %d, want %d", p, s.ExcludeHeaderHits[p], n)
		}
	}
	if len(s.IncludeHeaderPatterns) != 0 || len(s.IncludeBodyHits) != 0 {
		t.Errorf("unexpected include stats: %+v", s)
	}
}

func TestOptions_Active(t *testing.T) {
	if (Options{}).Active() {
		t.Error("empty options reported active")
	}
	if !(Options{IncludeBody: []string{"x"}}).Active() {
		t.Error("include body not reported active")
	}
}
