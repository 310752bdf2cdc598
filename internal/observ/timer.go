// Package observ measures how long the phases of a fault report take.
package observ

import (
	"fmt"
	"strings"
	"time"
)

// Span is one measured phase.
type Span struct {
	Name  string
	Start time.Time
	Dur   time.Duration
	Note  string
}

// Timer collects spans for a single report. It is not safe for concurrent
// use; every report owns its timer. A nil *Timer records nothing.
type Timer struct {
	spans []Span
	now   func() time.Time
}

// NewTimer returns a timer reading the wall clock.
func NewTimer() *Timer { return &Timer{now: time.Now} }

// Track opens a span and returns the function that closes it. Closing more
// than once keeps the first duration.
func (t *Timer) Track(name string) (stop func()) {
	if t == nil {
		return func() {}
	}
	idx := len(t.spans)
	t.spans = append(t.spans, Span{Name: name, Start: t.now()})
	closed := false
	return func() {
		if closed {
			return
		}
		closed = true
		s := &t.spans[idx]
		s.Dur = t.now().Sub(s.Start)
	}
}

// Annotate attaches a note to the most recent span called name.
func (t *Timer) Annotate(name, note string) {
	if t == nil {
		return
	}
	for i := len(t.spans) - 1; i >= 0; i-- {
		if t.spans[i].Name == name {
			t.spans[i].Note = note
			return
		}
	}
}

// PhaseReport is the serializable form of one span.
type PhaseReport struct {
	Name       string  `json:"name"`
	DurationMS float64 `json:"duration_ms"`
	Note       string  `json:"note,omitempty"`
}

// Report lists every span in order with the total.
type Report struct {
	TotalMS float64       `json:"total_ms"`
	Phases  []PhaseReport `json:"phases"`
}

// Report snapshots the spans recorded so far.
func (t *Timer) Report() Report {
	if t == nil || len(t.spans) == 0 {
		return Report{}
	}
	r := Report{Phases: make([]PhaseReport, len(t.spans))}
	var total time.Duration
	for i, s := range t.spans {
		total += s.Dur
		r.Phases[i] = PhaseReport{Name: s.Name, DurationMS: millis(s.Dur), Note: s.Note}
	}
	r.TotalMS = millis(total)
	return r
}

// String renders the report as an aligned table.
func (r Report) String() string {
	var sb strings.Builder
	for _, p := range r.Phases {
		fmt.Fprintf(&sb, "  %-10s %8.3f ms", p.Name, p.DurationMS)
		if p.Note != "" {
			sb.WriteString("  (" + p.Note + ")")
		}
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "  %-10s %8.3f ms\n", "total", r.TotalMS)
	return sb.String()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
