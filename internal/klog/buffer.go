package klog

import (
	"sync"
	"time"
)

// BufferSink holds every line in memory, in order, until it is replayed
// into another sink. Unlike RingSink it never drops lines.
type BufferSink struct {
	mu    sync.Mutex
	lines []Line
	level Level
}

// NewBufferSink creates an empty BufferSink.
func NewBufferSink(level Level) *BufferSink {
	return &BufferSink{level: level}
}

// Emit appends a line.
func (b *BufferSink) Emit(l *Line) {
	if !b.level.Allows(l.Level) {
		return
	}
	stored := *l
	if stored.Seq == 0 {
		stored.Seq = NextSeq()
	}
	if stored.Time.IsZero() {
		stored.Time = time.Now()
	}

	b.mu.Lock()
	b.lines = append(b.lines, stored)
	b.mu.Unlock()
}

// Lines returns a copy of the held lines.
func (b *BufferSink) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

// Len returns the number of held lines.
func (b *BufferSink) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Replay emits the held lines into dst and empties the buffer.
func (b *BufferSink) Replay(dst Sink) {
	b.mu.Lock()
	lines := b.lines
	b.lines = nil
	b.mu.Unlock()

	for i := range lines {
		dst.Emit(&lines[i])
	}
}

// Flush is a no-op.
func (b *BufferSink) Flush() error { return nil }

// Close drops the held lines.
func (b *BufferSink) Close() error {
	b.mu.Lock()
	b.lines = nil
	b.mu.Unlock()
	return nil
}

// Level returns the configured level.
func (b *BufferSink) Level() Level { return b.level }

// Enabled returns true if the sink keeps anything.
func (b *BufferSink) Enabled() bool { return b.level > LevelOff }
