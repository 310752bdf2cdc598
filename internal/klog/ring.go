package klog

import (
	"io"
	"sync"
	"time"
)

// RingSink keeps the last N lines in memory (circular buffer).
type RingSink struct {
	mu       sync.RWMutex
	lines    []Line
	capacity int
	head     int  // next write position
	full     bool // has wrapped around
	level    Level
}

// NewRingSink creates a new RingSink with specified capacity.
func NewRingSink(capacity int, level Level) *RingSink {
	if capacity <= 0 {
		capacity = 4096
	}

	return &RingSink{
		lines:    make([]Line, capacity),
		capacity: capacity,
		level:    level,
	}
}

// Emit adds a line to the ring buffer.
func (r *RingSink) Emit(l *Line) {
	if !r.level.Allows(l.Level) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *l
	if stored.Seq == 0 {
		stored.Seq = NextSeq()
	}
	if stored.Time.IsZero() {
		stored.Time = time.Now()
	}
	r.lines[r.head] = stored
	r.head = (r.head + 1) % r.capacity

	if r.head == 0 {
		r.full = true
	}
}

// Snapshot returns a copy of all stored lines in chronological order.
func (r *RingSink) Snapshot() []Line {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		result := make([]Line, r.head)
		copy(result, r.lines[:r.head])
		return result
	}

	result := make([]Line, r.capacity)
	copy(result, r.lines[r.head:])
	copy(result[r.capacity-r.head:], r.lines[:r.head])
	return result
}

// Texts returns the text of every stored line in order.
func (r *RingSink) Texts() []string {
	snap := r.Snapshot()
	out := make([]string, len(snap))
	for i := range snap {
		out[i] = snap[i].Text
	}
	return out
}

// Dump writes all lines to w in the specified format.
func (r *RingSink) Dump(w io.Writer, format Format) error {
	lines := r.Snapshot()

	for i := range lines {
		if _, err := w.Write(FormatLine(&lines[i], format)); err != nil {
			return err
		}
	}

	return nil
}

// Flush is a no-op for RingSink since everything is in memory.
func (r *RingSink) Flush() error {
	return nil
}

// Close is a no-op for RingSink.
func (r *RingSink) Close() error {
	return nil
}

// Level returns the current level.
func (r *RingSink) Level() Level {
	return r.level
}

// Enabled returns true if logging is active.
func (r *RingSink) Enabled() bool {
	return r.level > LevelOff
}
