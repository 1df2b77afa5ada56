package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

type rule struct {
	pattern string
	re      *regexp.Regexp
}

// Filter decides which containers enter the extraction pipeline based on regex patterns over
// the raw header block and body. It is safe for concurrent use.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeHeader  []rule
	includeBody    []rule
	excludeHeader  []rule
	excludeBody    []rule
	needHeaderText bool
	needBodyText   bool

	mu   sync.Mutex
	hits map[string]int
}

// Stats lists every configured pattern with the number of containers it matched.
type Stats struct {
	IncludeHeaderPatterns []string
	IncludeBodyPatterns   []string
	ExcludeHeaderPatterns []string
	ExcludeBodyPatterns   []string
	IncludeHeaderHits     map[string]int
	IncludeBodyHits       map[string]int
	ExcludeHeaderHits     map[string]int
	ExcludeBodyHits       map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  includeHeader,
		includeBody:    includeBody,
		excludeHeader:  excludeHeader,
		excludeBody:    excludeBody,
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
		needBodyText:   len(includeBody) > 0 || len(excludeBody) > 0,
		hits:           make(map[string]int),
	}, nil
}

// AllowsRaw splits a raw RFC 5322 message and applies Allows.
func (f *Filter) AllowsRaw(raw []byte) bool {
	if f == nil || (!f.includeMode && !f.excludeMode) {
		return true
	}
	return f.Allows(SplitRawMessage(raw))
}

// Allows returns true if the container passes the filter criteria. Every pattern is
// evaluated so the hit counters stay meaningful.
func (f *Filter) Allows(header, body []byte) bool {
	if f == nil {
		return true
	}
	var headerText, bodyText string
	if f.needHeaderText {
		headerText = string(header)
	}
	if f.needBodyText {
		bodyText = string(body)
	}

	if f.includeMode {
		h := f.matchAll("ih:", f.includeHeader, headerText)
		b := f.matchAll("ib:", f.includeBody, bodyText)
		return h || b
	}

	if f.excludeMode {
		h := f.matchAll("eh:", f.excludeHeader, headerText)
		b := f.matchAll("eb:", f.excludeBody, bodyText)
		if h || b {
			return false
		}
	}

	return true
}

// Stats returns a copy of the per-pattern hit counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		IncludeHeaderPatterns: patterns(f.includeHeader),
		IncludeBodyPatterns:   patterns(f.includeBody),
		ExcludeHeaderPatterns: patterns(f.excludeHeader),
		ExcludeBodyPatterns:   patterns(f.excludeBody),
		IncludeHeaderHits:     f.hitsFor("ih:", f.includeHeader),
		IncludeBodyHits:       f.hitsFor("ib:", f.includeBody),
		ExcludeHeaderHits:     f.hitsFor("eh:", f.excludeHeader),
		ExcludeBodyHits:       f.hitsFor("eb:", f.excludeBody),
	}
}

func (f *Filter) matchAll(prefix string, rules []rule, text string) bool {
	matched := false
	for _, r := range rules {
		if r.re.MatchString(text) {
			matched = true
			f.mu.Lock()
			f.hits[prefix+r.pattern]++
			f.mu.Unlock()
		}
	}
	return matched
}

func (f *Filter) hitsFor(prefix string, rules []rule) map[string]int {
	out := make(map[string]int, len(rules))
	for _, r := range rules {
		out[r.pattern] = f.hits[prefix+r.pattern]
	}
	return out
}

func patterns(rules []rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.pattern)
	}
	return out
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) ([]rule, error) {
	compiled := make([]rule, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, rule{pattern: pattern, re: re})
	}
	return compiled, nil
}
