package klog

import (
	"io"
	"sync"
	"time"
)

// StreamSink writes lines immediately to an io.Writer.
type StreamSink struct {
	mu     sync.Mutex
	w      io.Writer
	level  Level
	format Format
}

// NewStreamSink creates a new StreamSink.
func NewStreamSink(w io.Writer, level Level, format Format) *StreamSink {
	return &StreamSink{
		w:      w,
		level:  level,
		format: format,
	}
}

// Emit writes a line to the output.
func (s *StreamSink) Emit(l *Line) {
	if !s.level.Allows(l.Level) {
		return
	}
	if l.Seq == 0 {
		l.Seq = NextSeq()
	}
	if l.Time.IsZero() {
		l.Time = time.Now()
	}

	data := FormatLine(l, s.format)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Best-effort write - a failing log must not stop the report
	if _, err := s.w.Write(data); err != nil {
		_ = err
	}
}

// Flush flushes the writer if it can be flushed.
func (s *StreamSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch f := s.w.(type) {
	case interface{ Flush() error }:
		return f.Flush()
	case interface{ Sync() error }:
		return f.Sync()
	}
	return nil
}

// Close flushes and closes the writer if it implements io.Closer.
func (s *StreamSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if closer, ok := s.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Level returns the current level.
func (s *StreamSink) Level() Level {
	return s.level
}

// Enabled returns true if logging is active.
func (s *StreamSink) Enabled() bool {
	return s.level > LevelOff
}
