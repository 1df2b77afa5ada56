package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mail-extract/config"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/state"
	"github.com/dhcgn/mail-extract/stats"
)

type StageFunc func(context.Context) error

// SourceFunc writes containers to out until its input is exhausted.
type SourceFunc func(ctx context.Context, out chan<- model.Envelope) error

// Runner wires container sources, the duplicate check, extraction workers and the result
// sink together. Failing containers and attachments are reported as events; only a stage
// returning an error stops the run.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger
	id     string

	ctx    context.Context
	cancel context.CancelFunc

	containers chan model.Envelope
	queue      chan model.Container
	results    chan model.Message
	events     chan stats.Event

	tracker state.Tracker

	subsMu sync.Mutex
	subs   []chan stats.Event

	sourceWG sync.WaitGroup
	workWG   sync.WaitGroup
	statsWG  sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeContainersOnce sync.Once
	closeResultsOnce    sync.Once
	closeEventsOnce     sync.Once
	since               time.Time
}

func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	return NewWithContext(context.Background(), cfg, logger)
}

func NewWithContext(parent context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	queueSize := cfg.Workers * 2
	if queueSize < 8 {
		queueSize = 8
	}

	r := &Runner{
		cfg:        cfg,
		logger:     logger.With("run", id),
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		containers: make(chan model.Envelope, 32),
		queue:      make(chan model.Container, queueSize),
		results:    make(chan model.Message, queueSize),
		events:     make(chan stats.Event, 128),
		tracker:    state.NewMemoryTracker(),
	}

	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) ID() string {
	return r.id
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// AddSource registers a container producer. The container stream is closed once every
// registered source has returned.
func (r *Runner) AddSource(name string, fn SourceFunc) {
	r.sourceWG.Add(1)
	r.AddStage(name, func(ctx context.Context) error {
		defer r.sourceWG.Done()
		return fn(ctx, r.containers)
	})
}

// Queue delivers unique, filtered containers to extraction workers.
func (r *Runner) Queue() <-chan model.Container {
	return r.queue
}

func (r *Runner) ResultWriter() chan<- model.Message {
	return r.results
}

func (r *Runner) CloseResults() {
	r.closeResultsOnce.Do(func() {
		close(r.results)
	})
}

func (r *Runner) Results() <-chan model.Message {
	return r.results
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats must be called before Start. Every subscriber sees every event.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start blocks until every stage has finished and returns the first stage error.
func (r *Runner) Start() error {
	r.since = time.Now()

	go func() {
		r.sourceWG.Wait()
		r.closeContainers()
	}()

	broadcastDone := make(chan struct{})
	go func() {
		defer close(broadcastDone)
		r.broadcast()
	}()

	r.workWG.Wait()
	r.closeEvents()
	<-broadcastDone
	r.statsWG.Wait()

	r.cancel()

	err := r.firstErr()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	snap := r.tracker.Snapshot()
	r.logger.Info("pipeline completed", "duration", duration, "containers", snap.Seen, "duplicates", snap.Duplicates)
	return nil
}

// Stop cancels all stages, for example on an interrupt signal.
func (r *Runner) Stop() {
	r.cancel()
}

func (r *Runner) broadcast() {
	r.subsMu.Lock()
	subs := append([]chan stats.Event(nil), r.subs...)
	r.subsMu.Unlock()
	defer func() {
		for _, ch := range subs {
			close(ch)
		}
	}()

	for evt := range r.events {
		for _, ch := range subs {
			select {
			case ch <- evt:
			case <-r.ctx.Done():
				return
			}
		}
	}
}

func (r *Runner) bridge(ctx context.Context) error {
	defer close(r.queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.containers:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.logger.Warn("container unreadable", "err", envelope.Err)
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: envelope.Err})
				continue
			}

			c := envelope.Container
			r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeScanned, MessageID: c.Name})

			if !r.tracker.MarkSeen(c.Hash, c.Name) {
				r.logger.Debug("duplicate container skipped", "container", c.Name, "first", r.tracker.FirstID(c.Hash))
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeDuplicate, MessageID: c.Name})
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.queue <- c:
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeEnqueued, MessageID: c.Name})
			}
		}
	}
}

func (r *Runner) closeContainers() {
	r.closeContainersOnce.Do(func() {
		close(r.containers)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) firstErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
