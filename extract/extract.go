// Package extract runs the message parser as a pool of pipeline workers.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/runner"
	"github.com/dhcgn/mail-extract/stats"
)

// Parser is satisfied by *message.Parser.
type Parser interface {
	Parse(ctx context.Context, c model.Container) (model.Message, error)
}

type Workers struct {
	parser Parser
	runner *runner.Runner
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWorkers registers n extraction stages. The result stream is closed when the last
// worker returns.
func NewWorkers(p Parser, n int, r *runner.Runner, logger *slog.Logger) *Workers {
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workers{parser: p, runner: r, logger: logger}
	w.wg.Add(n)
	for i := 0; i < n; i++ {
		r.AddStage(fmt.Sprintf("extract-%d", i), w.run)
	}
	go func() {
		w.wg.Wait()
		r.CloseResults()
	}()
	return w
}

func (w *Workers) run(ctx context.Context) error {
	defer w.wg.Done()
	queue := w.runner.Queue()
	out := w.runner.ResultWriter()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-queue:
			if !ok {
				return nil
			}
			msg, err := w.parser.Parse(ctx, c)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Error("container failed", "container", c.Name, "source", c.Source, "err", err)
				w.runner.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeError, MessageID: c.Name, Err: err})
				continue
			}
			w.emit(msg)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- msg:
			}
		}
	}
}

func (w *Workers) emit(msg model.Message) {
	w.runner.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeParsed, MessageID: msg.ID})
	for _, res := range msg.Results {
		w.runner.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeExtracted, MessageID: msg.ID, Detail: string(res.Method)})
	}
	for _, name := range msg.Skipped {
		w.runner.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeSkipped, MessageID: msg.ID, Detail: name})
	}
	for _, f := range msg.Failures {
		w.runner.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeAttachmentError, MessageID: msg.ID, Detail: f.Filename, Err: f.Err})
	}
	w.logger.Debug("message extracted", "message", msg.ID, "segments", len(msg.Segments), "results", len(msg.Results), "failures", len(msg.Failures))
}
