package workspace

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunReleasesOnSuccess(t *testing.T) {
	root := t.TempDir()
	var seen string

	got, err := Run(root, nil, func(ws *Workspace) (string, error) {
		seen = ws.Dir()
		if err := os.WriteFile(ws.Path("page.jpg"), []byte("x"), 0o600); err != nil {
			return "", err
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "done" {
		t.Fatalf("Run() = %q, want done", got)
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Fatalf("workspace %s still exists (stat err = %v)", seen, err)
	}
}

func TestRunReleasesOnError(t *testing.T) {
	root := t.TempDir()
	wantErr := errors.New("boom")
	var seen string

	_, err := Run(root, nil, func(ws *Workspace) (int, error) {
		seen = ws.Dir()
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want %v", err, wantErr)
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Fatalf("workspace %s still exists after error", seen)
	}
}

func TestRunReleasesOnPanic(t *testing.T) {
	root := t.TempDir()
	var seen string

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_, _ = Run(root, nil, func(ws *Workspace) (int, error) {
			seen = ws.Dir()
			panic("rasterizer exploded")
		})
	}()

	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Fatalf("workspace %s still exists after panic", seen)
	}
}

func TestPathStaysInsideWorkspace(t *testing.T) {
	ws, err := Acquire(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer ws.Release()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "scan.jpg", want: "scan.jpg"},
		{name: "traversal", in: "../../etc/passwd", want: "passwd"},
		{name: "windows path", in: `C:\Users\me\invoice.pdf`, want: "invoice.pdf"},
		{name: "empty", in: "", want: "file"},
		{name: "dot dot", in: "..", want: "file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ws.Path(tt.in)
			if filepath.Dir(got) != ws.Dir() {
				t.Fatalf("Path(%q) = %q, escapes %q", tt.in, got, ws.Dir())
			}
			if filepath.Base(got) != tt.want {
				t.Fatalf("Path(%q) base = %q, want %q", tt.in, filepath.Base(got), tt.want)
			}
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	ws, err := Acquire(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := ws.Release(); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := ws.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}

func TestRunCleanupFailureKeepsOutcome(t *testing.T) {
	orig := removeAll
	removeAll = func(string) error { return errors.New("permission denied") }
	defer func() { removeAll = orig }()

	wantErr := errors.New("recognizer rejected page")
	tests := []struct {
		name    string
		fn      func(ws *Workspace) (string, error)
		want    string
		wantErr error
	}{
		{
			name: "success",
			fn:   func(ws *Workspace) (string, error) { return "Total: $50", nil },
			want: "Total: $50",
		},
		{
			name:    "failure",
			fn:      func(ws *Workspace) (string, error) { return "partial", wantErr },
			want:    "partial",
			wantErr: wantErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, nil))

			got, err := Run(t.TempDir(), logger, tt.fn)

			if got != tt.want {
				t.Errorf("Run() = %q, want %q", got, tt.want)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			out := logs.String()
			if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "workspace cleanup failed") || !strings.Contains(out, "permission denied") {
				t.Errorf("log output = %q, want cleanup warning", out)
			}
		})
	}
}
