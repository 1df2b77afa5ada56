// Package conversation splits a message body into the messages quoted inside it.
package conversation

import (
	"sort"
	"strings"
)

// Marker starts a quoted message. It is matched literally and case-sensitively anywhere in
// the body, not only at line starts.
const Marker = "From:"

// Split cuts body before every occurrence of Marker. A body with N markers yields N+1
// segments, the first of which may be empty. Joining the segments gives back body.
func Split(body string) []string {
	segments := make([]string, 0, strings.Count(body, Marker)+1)
	rest := body
	offset := 0
	for {
		// Skip the marker the remaining text starts with.
		i := strings.Index(rest[offset:], Marker)
		if i < 0 {
			break
		}
		cut := offset + i
		segments = append(segments, rest[:cut])
		rest = rest[cut:]
		offset = len(Marker)
	}
	return append(segments, rest)
}

// Deduper drops segments that were already seen, keeping first occurrences in order.
// It is not safe for concurrent use.
type Deduper struct {
	seen  map[string]int
	total int
}

func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]int)}
}

// Add returns the segments of one message that have not been seen before.
func (d *Deduper) Add(segments []string) []string {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		d.total++
		d.seen[s]++
		if d.seen[s] == 1 {
			out = append(out, s)
		}
	}
	return out
}

func (d *Deduper) Unique() int {
	return len(d.seen)
}

func (d *Deduper) Duplicates() int {
	return d.total - len(d.seen)
}

// Count reports how often segment was added.
func (d *Deduper) Count(segment string) int {
	return d.seen[segment]
}

// DedupeSet collapses segments to distinct values without regard to where they appeared.
// The result is sorted.
func DedupeSet(segments []string) []string {
	set := make(map[string]struct{}, len(segments))
	for _, s := range segments {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
