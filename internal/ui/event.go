package ui

import "trapdump/internal/fault"

// Status is the state of one capture in a replay.
type Status uint8

const (
	StatusQueued Status = iota
	StatusWorking
	StatusDone
	StatusIntercepted
	StatusError
)

// Event reports progress of one capture.
type Event struct {
	Capture string
	Phase   fault.Phase
	Status  Status
}

// PhaseSink forwards reporter phases for one capture to Ch.
type PhaseSink struct {
	Capture string
	Ch      chan<- Event
}

// OnPhase implements fault.ProgressSink.
func (s PhaseSink) OnPhase(_ fault.CPU, phase fault.Phase) {
	if s.Ch == nil {
		return
	}
	s.Ch <- Event{Capture: s.Capture, Phase: phase, Status: StatusWorking}
}
