package ui

import (
	"math"
	"strings"
	"testing"

	"trapdump/internal/fault"
)

func TestApplyTracksPhases(t *testing.T) {
	m := NewProgressModel("replay", []string{"a.tdc", "b.tdc"}, nil).(*replayModel)

	m.apply(Event{Capture: "a.tdc", Phase: fault.PhaseStack, Status: StatusWorking})
	if got := m.rows[0].label(); got != "stack" {
		t.Errorf("label = %q", got)
	}
	m.apply(Event{Capture: "a.tdc", Status: StatusDone})
	m.apply(Event{Capture: "b.tdc", Phase: fault.PhaseBranch, Status: StatusWorking})
	m.apply(Event{Capture: "unknown.tdc", Status: StatusError})

	if !m.rows[0].finished() || m.rows[0].label() != "terminated" {
		t.Errorf("row a = %+v", m.rows[0])
	}
	// b reached the second of five phases: 2/6 of the way.
	want := (1 + 2.0/6) / 2
	if got := m.percent(); math.Abs(got-want) > 1e-9 {
		t.Errorf("percent = %v, want %v", got, want)
	}

	view := m.View()
	for _, want := range []string{"replay 1/2", "a.tdc", "terminated", "b.tdc", "branch"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q\n%s", want, view)
		}
	}
}

func TestQueuedAndErrorRows(t *testing.T) {
	r := row{path: "x", phase: -1}
	if r.label() != "queued" || r.fraction() != 0 {
		t.Errorf("queued row = %q %v", r.label(), r.fraction())
	}
	r.status = StatusError
	if r.label() != "error" || r.fraction() != 1 {
		t.Errorf("error row = %q %v", r.label(), r.fraction())
	}
	if strings.Count(phaseDots(r), "●") != 0 {
		t.Error("failed capture shows completed phases")
	}
}

func TestPhaseSink(t *testing.T) {
	ch := make(chan Event, len(fault.Phases))
	s := PhaseSink{Capture: "c.tdc", Ch: ch}
	for _, p := range fault.Phases {
		s.OnPhase(fault.CPU{}, p)
	}
	close(ch)
	var got []fault.Phase
	for ev := range ch {
		if ev.Capture != "c.tdc" || ev.Status != StatusWorking {
			t.Errorf("event = %+v", ev)
		}
		got = append(got, ev.Phase)
	}
	if len(got) != len(fault.Phases) {
		t.Errorf("got %d events", len(got))
	}
	PhaseSink{}.OnPhase(fault.CPU{}, fault.PhaseContext)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"captures/very-long-name.tdc", 12, "captures/..."},
		{"abcdef", 3, "abc"},
		{"abc", 0, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
