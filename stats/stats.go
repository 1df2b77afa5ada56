package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSource  Stage = "source"
	StageExtract Stage = "extract"
	StageReport  Stage = "report"
)

type EventType string

const (
	EventTypeScanned         EventType = "scanned"
	EventTypeFiltered        EventType = "filtered"
	EventTypeDuplicate       EventType = "duplicate"
	EventTypeEnqueued        EventType = "enqueued"
	EventTypeParsed          EventType = "parsed"
	EventTypeExtracted       EventType = "extracted"
	EventTypeSkipped         EventType = "skipped"
	EventTypeAttachmentError EventType = "attachment_error"
	EventTypeWritten         EventType = "written"
	EventTypeError           EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

type Summary struct {
	Scanned          int
	Filtered         int
	Duplicates       int
	Enqueued         int
	Parsed           int
	Extracted        int
	Skipped          int
	AttachmentErrors int
	Written          int
	Errors           int
	Methods          map[string]int
	LastError        error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"filtered", s.Filtered,
		"duplicates", s.Duplicates,
		"parsed", s.Parsed,
		"extracted", s.Extracted,
		"skipped", s.Skipped,
		"attachmentErrors", s.AttachmentErrors,
		"written", s.Written,
		"errors", s.Errors,
	}
	methods := make([]string, 0, len(s.Methods))
	for m := range s.Methods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	for _, m := range methods {
		attrs = append(attrs, m, s.Methods[m])
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{Methods: make(map[string]int)}}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	summary.Methods = make(map[string]int, len(c.summary.Methods))
	for k, v := range c.summary.Methods {
		summary.Methods[k] = v
	}
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeParsed:
		c.summary.Parsed++
	case EventTypeExtracted:
		c.summary.Extracted++
		// Detail carries the extraction method.
		if evt.Detail != "" {
			c.summary.Methods[evt.Detail]++
		}
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeAttachmentError:
		c.summary.AttachmentErrors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeWritten:
		c.summary.Written++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Printf("%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

type Pair struct {
	Key   string
	Value int
}

// Top returns at most limit entries ordered by count, ties broken by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})
	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
