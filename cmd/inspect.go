package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-extract/attachment"
	"github.com/dhcgn/mail-extract/filter"
	"github.com/dhcgn/mail-extract/mbox"
	"github.com/dhcgn/mail-extract/message"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/stats"
)

var trackedHeaders = []string{"Delivered-To", "Subject", "From", "To"}

// Inventory is what inspect learns about a set of containers without running any text
// extraction.
type Inventory struct {
	Containers int
	Filtered   int
	Errors     int
	Segments   int
	Headers    map[string]map[string]int
	// Attachments counts attachments per kind (pdf, image, unsupported).
	Attachments map[string]int
	Extensions  map[string]int
}

func newInventory() *Inventory {
	inv := &Inventory{
		Headers:     make(map[string]map[string]int),
		Attachments: make(map[string]int),
		Extensions:  make(map[string]int),
	}
	for _, h := range trackedHeaders {
		inv.Headers[h] = make(map[string]int)
	}
	return inv
}

type inspectFlags struct {
	reportDir     string
	topN          int
	includeHeader []string
	includeBody   []string
	excludeHeader []string
	excludeBody   []string
}

// NewInspectCommand returns the "inspect" subcommand, which reports headers, conversation
// sizes and attachment kinds without contacting a recognition backend.
func NewInspectCommand() *cobra.Command {
	var flags inspectFlags

	inspectCmd := &cobra.Command{
		Use:   "inspect [paths...]",
		Short: "Analyse .eml files and mbox archives and show statistics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Analyzing:", strings.Join(args, ", "))

			includeActive := len(flags.includeHeader) > 0 || len(flags.includeBody) > 0
			excludeActive := len(flags.excludeHeader) > 0 || len(flags.excludeBody) > 0
			if includeActive && excludeActive {
				return fmt.Errorf("include and exclude flags are mutually exclusive")
			}

			f, err := filter.New(filter.Options{
				IncludeHeader: flags.includeHeader,
				IncludeBody:   flags.includeBody,
				ExcludeHeader: flags.excludeHeader,
				ExcludeBody:   flags.excludeBody,
			})
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			inv, err := Collect(cmd.Context(), args, f, func(inv *Inventory) {
				if inv.Containers%250 == 0 {
					printInventory(out, inv, f, flags.topN)
				}
			})
			if err != nil {
				return fmt.Errorf("inspect: %w", err)
			}

			printInventory(out, inv, f, flags.topN)

			if err := saveCSVReports(inv, flags.reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", flags.reportDir)
			return nil
		},
	}

	fs := inspectCmd.Flags()
	fs.StringVarP(&flags.reportDir, "report-dir", "r", ".", "Output directory for CSV reports")
	fs.IntVarP(&flags.topN, "top", "t", 10, "Number of top items to display in statistics")
	fs.StringArrayVar(&flags.includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	fs.StringArrayVar(&flags.includeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	fs.StringArrayVar(&flags.excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	fs.StringArrayVar(&flags.excludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	return inspectCmd
}

// Collect walks paths and decodes every container that passes f. progress, when set, is
// called after each counted container.
func Collect(ctx context.Context, paths []string, f *filter.Filter, progress func(*Inventory)) (*Inventory, error) {
	inv := newInventory()
	err := mbox.Walk(ctx, paths, func(c model.Container, err error) error {
		if err != nil {
			inv.Errors++
			return nil
		}
		if !f.AllowsRaw(c.Raw) {
			inv.Filtered++
			return nil
		}

		msg, err := message.Decode(c)
		if err != nil {
			inv.Errors++
			return nil
		}
		inv.Containers++
		inv.Segments += len(msg.Segments)
		countHeaders(inv, c.Raw)
		for _, att := range msg.Attachments {
			inv.Attachments[attachment.Classify(att.Filename).String()]++
			ext := strings.ToLower(filepath.Ext(att.Filename))
			if ext == "" {
				ext = "(none)"
			}
			inv.Extensions[ext]++
		}

		if progress != nil {
			progress(inv)
		}
		return nil
	})
	return inv, err
}

func countHeaders(inv *Inventory, raw []byte) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return
	}
	for _, name := range trackedHeaders {
		if value := strings.TrimSpace(h.Get(name)); value != "" {
			inv.Headers[name][value]++
		}
	}
}

func printInventory(out io.Writer, inv *Inventory, f *filter.Filter, topN int) {
	// ANSI escape code to clear screen and move cursor to top-left
	fmt.Fprint(out, "\033[H\033[2J")
	total := inv.Containers + inv.Filtered
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(inv.Filtered) / float64(total) * 100
	}
	fmt.Fprintf(out, "Processed %d containers (skipped %d by filters, %.2f%%, %d unreadable)...\n", inv.Containers, inv.Filtered, filterPercent, inv.Errors)
	fmt.Fprintf(out, "Conversation segments: %d\n\n", inv.Segments)

	filterStats := f.Stats()
	groups := []struct {
		title    string
		patterns []string
		hits     map[string]int
	}{
		{"Include Header Filters:", filterStats.IncludeHeaderPatterns, filterStats.IncludeHeaderHits},
		{"Include Body Filters:", filterStats.IncludeBodyPatterns, filterStats.IncludeBodyHits},
		{"Exclude Header Filters:", filterStats.ExcludeHeaderPatterns, filterStats.ExcludeHeaderHits},
		{"Exclude Body Filters:", filterStats.ExcludeBodyPatterns, filterStats.ExcludeBodyHits},
	}
	hasFilterStats := false
	for _, g := range groups {
		if len(g.patterns) == 0 {
			continue
		}
		hasFilterStats = true
		fmt.Fprintln(out, g.title)
		printFilterHits(out, g.patterns, g.hits)
		fmt.Fprintln(out)
	}
	if hasFilterStats {
		fmt.Fprintln(out, "---")
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "Attachments by kind:")
	printTop(out, inv.Attachments, -1)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Top %d attachment extensions:\n", topN)
	printTop(out, inv.Extensions, topN)
	fmt.Fprintln(out)

	for _, header := range trackedHeaders {
		fmt.Fprintf(out, "Top %d %s:\n", topN, header)
		printTop(out, inv.Headers[header], topN)
		fmt.Fprintln(out)
	}
}

func printTop(out io.Writer, m map[string]int, limit int) {
	for i, p := range stats.Top(m, limit) {
		fmt.Fprintf(out, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

func saveCSVReports(inv *Inventory, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	reports := make(map[string]map[string]int, len(trackedHeaders)+2)
	for _, header := range trackedHeaders {
		reports[normalizeHeaderName(header)] = inv.Headers[header]
	}
	reports["attachment_kind"] = inv.Attachments
	reports["attachment_extension"] = inv.Extensions

	for name, counts := range reports {
		if err := writeCSV(filepath.Join(dir, fmt.Sprintf("report_%s.csv", name)), counts, limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range stats.Top(counts, limit) {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterHits(out io.Writer, patterns []string, hits map[string]int) {
	counts := make(map[string]int, len(patterns))
	for _, pattern := range patterns {
		counts[pattern] = hits[pattern]
	}
	for _, p := range stats.Top(counts, -1) {
		if p.Value > 0 {
			fmt.Fprintf(out, "  ✓ %s: %d hits\n", p.Key, p.Value)
		} else {
			fmt.Fprintf(out, "  ✗ %s: 0 hits\n", p.Key)
		}
	}
}
