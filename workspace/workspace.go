package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// removeAll is replaced in tests to simulate cleanup failures.
var removeAll = os.RemoveAll

// Workspace is a private temporary directory owned by a single extraction call.
type Workspace struct {
	dir string
}

// Acquire creates a fresh directory below root. An empty root uses os.TempDir.
func Acquire(root, pattern string) (*Workspace, error) {
	if pattern == "" {
		pattern = "mail-extract-*"
	}
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, pattern)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) Dir() string {
	return w.dir
}

// Path returns a file path inside the workspace. Only the base name of name is used,
// so attachment filenames cannot point outside the directory.
func (w *Workspace) Path(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		name = "file"
	}
	return filepath.Join(w.dir, name)
}

// Release removes the directory and everything below it. Calling it twice is a no-op.
func (w *Workspace) Release() error {
	if w == nil || w.dir == "" {
		return nil
	}
	dir := w.dir
	w.dir = ""
	if err := removeAll(dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", dir, err)
	}
	return nil
}

// Run acquires a workspace, calls fn with it and releases it on every exit path,
// including panics. A release failure is logged and never replaces fn's outcome.
func Run[T any](root string, logger *slog.Logger, fn func(ws *Workspace) (T, error)) (result T, err error) {
	ws, err := Acquire(root, "")
	if err != nil {
		return result, err
	}
	dir := ws.Dir()
	defer func() {
		if relErr := ws.Release(); relErr != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("workspace cleanup failed", "dir", dir, "err", relErr)
		}
	}()
	return fn(ws)
}
