package conversation

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{name: "no marker", body: "Hello\nThanks", want: []string{"Hello\nThanks"}},
		{name: "empty body", body: "", want: []string{""}},
		{name: "one quoted reply", body: "Hi\nFrom: Alice\nOld message", want: []string{"Hi\n", "From: Alice\nOld message"}},
		{name: "leading marker", body: "From: Bob\nText", want: []string{"", "From: Bob\nText"}},
		{name: "two markers", body: "A\nFrom: x\nB\nFrom: y\nC", want: []string{"A\n", "From: x\nB\n", "From: y\nC"}},
		{name: "mid line", body: "see From: inline", want: []string{"see ", "From: inline"}},
		{name: "adjacent markers", body: "From:From:", want: []string{"", "From:", "From:"}},
		{name: "case sensitive", body: "from: a\nFROM: b", want: []string{"from: a\nFROM: b"}},
		{name: "marker only", body: "From:", want: []string{"", "From:"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.body)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Split(%q) = %q, want %q", tt.body, got, tt.want)
			}
			if strings.Join(got, "") != tt.body {
				t.Fatalf("segments do not reassemble the body")
			}
			if len(got) != strings.Count(tt.body, Marker)+1 {
				t.Fatalf("got %d segments for %d markers", len(got), strings.Count(tt.body, Marker))
			}
		})
	}
}

func TestDeduperKeepsFirstOccurrence(t *testing.T) {
	d := NewDeduper()
	first := d.Add([]string{"Hi\n", "From: A\nold"})
	second := d.Add([]string{"Re: hi\n", "From: A\nold", "Re: hi\n"})

	if !reflect.DeepEqual(first, []string{"Hi\n", "From: A\nold"}) {
		t.Fatalf("first = %q", first)
	}
	if !reflect.DeepEqual(second, []string{"Re: hi\n"}) {
		t.Fatalf("second = %q", second)
	}
	if d.Unique() != 3 || d.Duplicates() != 2 {
		t.Fatalf("Unique() = %d, Duplicates() = %d; want 3, 2", d.Unique(), d.Duplicates())
	}
	if d.Count("From: A\nold") != 2 {
		t.Fatalf("Count() = %d, want 2", d.Count("From: A\nold"))
	}
}

func TestDedupeSet(t *testing.T) {
	got := DedupeSet([]string{"b", "a", "b", "c", "a"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DedupeSet() = %q, want %q", got, want)
	}
	if len(DedupeSet(nil)) != 0 {
		t.Fatal("DedupeSet(nil) not empty")
	}
}
