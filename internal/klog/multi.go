package klog

// MultiSink fans out lines to multiple sinks.
type MultiSink struct {
	sinks []Sink
	level Level
}

// NewMultiSink creates a new MultiSink that emits to all provided sinks.
func NewMultiSink(level Level, sinks ...Sink) *MultiSink {
	return &MultiSink{
		sinks: sinks,
		level: level,
	}
}

// Emit sends the line to all underlying sinks.
func (m *MultiSink) Emit(l *Line) {
	if l.Seq == 0 {
		l.Seq = NextSeq()
	}
	for _, s := range m.sinks {
		s.Emit(l)
	}
}

// Flush flushes all underlying sinks.
func (m *MultiSink) Flush() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes all underlying sinks.
func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Level returns the configured level.
func (m *MultiSink) Level() Level {
	return m.level
}

// Enabled returns true if logging is active.
func (m *MultiSink) Enabled() bool {
	return m.level > LevelOff
}
