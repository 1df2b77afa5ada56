// Package report writes extracted messages in a human readable or JSON lines format.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dhcgn/mail-extract/conversation"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/runner"
	"github.com/dhcgn/mail-extract/stats"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Segment deduplication across messages.
const (
	DedupeOrdered = "ordered"
	DedupeSet     = "set"
	DedupeNone    = "none"
)

type Writer interface {
	Write(msg model.Message) error
	// Close writes any trailing summary. It does not close the underlying io.Writer.
	Close() error
}

func New(w io.Writer, format, dedupe, runID string) (Writer, error) {
	switch dedupe {
	case "", DedupeOrdered, DedupeSet, DedupeNone:
	default:
		return nil, fmt.Errorf("unknown dedupe mode %q", dedupe)
	}
	if dedupe == "" {
		dedupe = DedupeOrdered
	}
	switch format {
	case "", FormatText:
		return &textWriter{w: w, dedupe: dedupe, deduper: conversation.NewDeduper()}, nil
	case FormatJSON:
		return &jsonWriter{enc: json.NewEncoder(w), dedupe: dedupe, deduper: conversation.NewDeduper(), runID: runID}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

type textWriter struct {
	w       io.Writer
	dedupe  string
	deduper *conversation.Deduper
	all     []string
	count   int
}

func (t *textWriter) Write(msg model.Message) error {
	t.count++
	var b strings.Builder
	fmt.Fprintf(&b, "=== %d: %s\n", t.count, msg.Source)
	fmt.Fprintf(&b, "Sender: %s\n", msg.Sender)
	if !msg.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", msg.Date.Format(time.RFC1123Z))
	}
	if msg.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	}

	segments := msg.Segments
	switch t.dedupe {
	case DedupeOrdered:
		segments = t.deduper.Add(msg.Segments)
	case DedupeSet:
		// Collected and printed once in Close.
		t.deduper.Add(msg.Segments)
		t.all = append(t.all, msg.Segments...)
		segments = nil
	}
	if len(segments) > 0 {
		b.WriteString("Messages:\n")
		for i, s := range segments {
			fmt.Fprintf(&b, "%d -> %s\n", i+1, s)
		}
	}

	if len(msg.Results) > 0 {
		b.WriteString("Attachments:\n")
		for i, r := range msg.Results {
			fmt.Fprintf(&b, "%d -> [%s, %s, %s]\n%s\n", i+1, r.Filename, r.Method, r.Status, r.Text)
		}
	}
	if len(msg.Skipped) > 0 {
		fmt.Fprintf(&b, "Unused attachments: %s\n", strings.Join(msg.Skipped, ", "))
	}
	for _, f := range msg.Failures {
		fmt.Fprintf(&b, "Failed attachment %s: %v\n", f.Filename, f.Err)
	}
	b.WriteString("\n")

	_, err := io.WriteString(t.w, b.String())
	return err
}

func (t *textWriter) Close() error {
	var b strings.Builder
	if t.dedupe == DedupeSet {
		b.WriteString("Emails\n")
		for i, s := range conversation.DedupeSet(t.all) {
			fmt.Fprintf(&b, "%d -> %s\n", i+1, s)
		}
	}
	if t.dedupe != DedupeNone && t.deduper.Duplicates() > 0 {
		b.WriteString("===========================================================\n")
		b.WriteString("Duplicate messages found!\n")
		fmt.Fprintf(&b, "Old length is %d and new length is %d\n", t.deduper.Unique()+t.deduper.Duplicates(), t.deduper.Unique())
		b.WriteString("===========================================================\n")
	}
	if b.Len() == 0 {
		return nil
	}
	_, err := io.WriteString(t.w, b.String())
	return err
}

// jsonResult is one attachment entry. Failed attachments carry Error and no text.
type jsonResult struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	Method   string `json:"method,omitempty"`
	Status   string `json:"status"`
	Text     string `json:"text,omitempty"`
	Error    string `json:"error,omitempty"`
}

type jsonMessage struct {
	Run         string       `json:"run,omitempty"`
	ID          string       `json:"id"`
	Source      string       `json:"source"`
	Sender      string       `json:"sender"`
	Subject     string       `json:"subject,omitempty"`
	Date        *time.Time   `json:"date,omitempty"`
	Segments    []string     `json:"segments"`
	Attachments []jsonResult `json:"attachments"`
	Skipped     []string     `json:"skipped,omitempty"`
}

type jsonSummary struct {
	Run        string   `json:"run,omitempty"`
	Segments   []string `json:"segments,omitempty"`
	Unique     int      `json:"unique_segments"`
	Duplicates int      `json:"duplicate_segments"`
}

type jsonWriter struct {
	enc     *json.Encoder
	dedupe  string
	deduper *conversation.Deduper
	all     []string
	runID   string
}

func (j *jsonWriter) Write(msg model.Message) error {
	out := jsonMessage{
		Run:         j.runID,
		ID:          msg.ID,
		Source:      msg.Source,
		Sender:      msg.Sender,
		Subject:     msg.Subject,
		Segments:    msg.Segments,
		Attachments: make([]jsonResult, 0, len(msg.Results)+len(msg.Failures)),
		Skipped:     msg.Skipped,
	}
	if !msg.Date.IsZero() {
		d := msg.Date
		out.Date = &d
	}
	switch j.dedupe {
	case DedupeOrdered:
		out.Segments = j.deduper.Add(msg.Segments)
	case DedupeSet:
		j.deduper.Add(msg.Segments)
		j.all = append(j.all, msg.Segments...)
	}
	for _, r := range msg.Results {
		out.Attachments = append(out.Attachments, jsonResult{
			Index:    r.Index,
			Filename: r.Filename,
			Method:   string(r.Method),
			Status:   string(r.Status),
			Text:     r.Text,
		})
	}
	for _, f := range msg.Failures {
		out.Attachments = append(out.Attachments, jsonResult{
			Index:    f.Index,
			Filename: f.Filename,
			Status:   string(model.StatusFailed),
			Error:    f.Err.Error(),
		})
	}
	sort.SliceStable(out.Attachments, func(a, b int) bool {
		return out.Attachments[a].Index < out.Attachments[b].Index
	})
	return j.enc.Encode(out)
}

func (j *jsonWriter) Close() error {
	if j.dedupe == DedupeNone {
		return nil
	}
	s := jsonSummary{Run: j.runID, Unique: j.deduper.Unique(), Duplicates: j.deduper.Duplicates()}
	if j.dedupe == DedupeSet {
		s.Segments = conversation.DedupeSet(j.all)
	}
	return j.enc.Encode(s)
}

// Sink is the last pipeline stage. A write failure stops the run.
type Sink struct {
	writer Writer
	runner *runner.Runner
	logger *slog.Logger
}

func NewSink(w Writer, r *runner.Runner, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{writer: w, runner: r, logger: logger}
	r.AddStage("report", s.run)
	return s
}

func (s *Sink) run(ctx context.Context) error {
	results := s.runner.Results()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-results:
			if !ok {
				if err := s.writer.Close(); err != nil {
					return fmt.Errorf("write summary: %w", err)
				}
				return nil
			}
			if err := s.writer.Write(msg); err != nil {
				s.runner.EmitEvent(stats.Event{Stage: stats.StageReport, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				return fmt.Errorf("write message %s: %w", msg.ID, err)
			}
			s.runner.EmitEvent(stats.Event{Stage: stats.StageReport, Type: stats.EventTypeWritten, MessageID: msg.ID})
			s.logger.Debug("message written", "message", msg.ID)
		}
	}
}
