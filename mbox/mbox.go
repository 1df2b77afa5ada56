// Package mbox reads containers from local paths: single .eml files, mbox archives and
// directories holding either.
package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-extract/filter"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/runner"
	"github.com/dhcgn/mail-extract/stats"
)

var ErrNoPaths = errors.New("no input paths")

type Options struct {
	Paths  []string
	Filter *filter.Filter
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

type fileReader struct {
	paths      []string
	filter     *filter.Filter
	logger     *slog.Logger
	onFiltered func(model.Container)
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	paths := make([]string, 0, len(opts.Paths))
	for _, p := range opts.Paths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &fileReader{paths: paths, filter: opts.Filter, logger: logger}, nil
}

// Stream emits one envelope per container. An unreadable path or a broken archive yields an
// error envelope and the remaining paths are still read.
func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	return Walk(ctx, f.paths, func(c model.Container, err error) error {
		if err != nil {
			f.logger.Error("container source error", "err", err)
			return emit(ctx, out, model.Envelope{Err: err})
		}
		if !f.filter.AllowsRaw(c.Raw) {
			f.logger.Debug("container filtered", "container", c.Name)
			if f.onFiltered != nil {
				f.onFiltered(c)
			}
			return nil
		}
		return emit(ctx, out, model.Envelope{Container: c})
	})
}

func emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// Walk calls fn for every container below paths in a stable order. Read errors are passed
// to fn instead of aborting the walk; an error returned by fn stops it.
func Walk(ctx context.Context, paths []string, fn func(model.Container, error) error) error {
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			if err := fn(model.Container{}, fmt.Errorf("%w: %w", model.ErrContainerParse, err)); err != nil {
				return err
			}
			continue
		}
		if !info.IsDir() {
			if err := walkFile(ctx, path, fn); err != nil {
				return err
			}
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			if err := fn(model.Container{}, fmt.Errorf("%w: read dir %s: %w", model.ErrContainerParse, path, err)); err != nil {
				return err
			}
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() || !isContainerFile(e.Name()) {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			if err := walkFile(ctx, filepath.Join(path, name), fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func isContainerFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".eml", ".mbox", ".mbx":
		return true
	}
	return false
}

func walkFile(ctx context.Context, path string, fn func(model.Container, error) error) error {
	isMbox, err := looksLikeMbox(path)
	if err != nil {
		return fn(model.Container{}, fmt.Errorf("%w: %w", model.ErrContainerParse, err))
	}
	if !isMbox {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fn(model.Container{}, fmt.Errorf("%w: %w", model.ErrContainerParse, err))
		}
		return fn(model.NewContainer(path, filepath.Base(path), raw), nil)
	}

	file, err := os.Open(path)
	if err != nil {
		return fn(model.Container{}, fmt.Errorf("%w: %w", model.ErrContainerParse, err))
	}
	defer file.Close()
	return readArchive(ctx, path, file, fn)
}

func readArchive(ctx context.Context, path string, r io.Reader, fn func(model.Container, error) error) error {
	reader := mboxlib.NewReader(r)
	base := filepath.Base(path)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// The reader cannot resynchronise after a broken separator.
			return fn(model.Container{}, fmt.Errorf("%w: %s message %d: %w", model.ErrContainerParse, path, idx+1, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fn(model.Container{}, fmt.Errorf("%w: %s message %d read: %w", model.ErrContainerParse, path, idx+1, err))
		}

		name := fmt.Sprintf("%s#%d", base, idx+1)
		if err := fn(model.NewContainer(path, name, raw), nil); err != nil {
			return err
		}
	}
}

// looksLikeMbox checks the extension first and falls back to the "From " separator line
// every mbox archive starts with.
func looksLikeMbox(path string) (bool, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mbox", ".mbx":
		return true, nil
	case ".eml":
		return false, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()
	head, err := bufio.NewReader(file).Peek(5)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return bytes.Equal(head, []byte("From ")), nil
}

// CountContainers counts the messages below paths without decoding them. Unreadable
// entries are not counted.
func CountContainers(ctx context.Context, paths []string) (int, error) {
	count := 0
	err := Walk(ctx, paths, func(c model.Container, err error) error {
		if err == nil {
			count++
		}
		return nil
	})
	return count, err
}

type Producer struct {
	reader Reader
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	if fr, ok := reader.(*fileReader); ok {
		fr.onFiltered = func(c model.Container) {
			r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFiltered, MessageID: c.Name})
		}
	}
	producer := &Producer{reader: reader, runner: r}
	r.AddSource("mbox", producer.reader.Stream)
	return producer, nil
}
