package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-extract/stats"
)

// Bar tracks how many containers have been read from the sources.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	current int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar if logLevel is "info" and the total is known.
func New(total int, logLevel string) *Bar {
	enabled := logLevel == "info" && total > 0

	bar := &Bar{
		total:   total,
		enabled: enabled,
	}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Extracting messages").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Containers found: %d\n", total)
		pterm.Println()
	}

	return bar
}

func (b *Bar) Enabled() bool {
	return b != nil && b.enabled
}

// Update advances the bar for every container that left the sources.
func (b *Bar) Update(evt stats.Event) {
	if !b.Enabled() || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned, stats.EventTypeFiltered:
		b.current++
		b.pb.Increment()

		if evt.MessageID != "" {
			displayID := evt.MessageID
			if len(displayID) > 40 {
				displayID = displayID[:37] + "..."
			}
			b.pb.UpdateTitle("Reading: " + displayID)
		}
	case stats.EventTypeAttachmentError:
		if evt.Err != nil {
			pterm.Warning.Printf("Attachment %s: %v\n", evt.Detail, evt.Err)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.Enabled() || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	b.pb.Stop()
	pterm.Success.Println("Extraction complete!")
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats Reporter with progress bar functionality.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter subscribes the bar and a summary printer when the bar is enabled.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar.Enabled() {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	pr.bar.Stop()
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration)
	pterm.Info.Printf("Containers read: %d\n", summary.Scanned)
	pterm.Info.Printf("Filtered out: %d\n", summary.Filtered)
	pterm.Info.Printf("Duplicate containers (skipped): %d\n", summary.Duplicates)
	pterm.Info.Printf("Messages parsed: %d\n", summary.Parsed)
	pterm.Info.Printf("Attachments extracted: %d\n", summary.Extracted)
	for _, p := range stats.Top(summary.Methods, -1) {
		pterm.Info.Printf("  %s: %d\n", p.Key, p.Value)
	}
	pterm.Info.Printf("Attachments skipped (unsupported): %d\n", summary.Skipped)
	pterm.Info.Printf("Attachment failures: %d\n", summary.AttachmentErrors)
	pterm.Info.Printf("Container errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	return nil
}
