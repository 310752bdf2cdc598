package klog

import (
	"fmt"
	"time"
)

// Logger formats lines for one CPU and hands them to a Sink.
type Logger struct {
	sink Sink
	cpu  int
}

// For returns a Logger writing to s tagged with cpu. Use -1 for no CPU.
func For(s Sink, cpu int) Logger {
	if s == nil {
		s = Nop
	}
	return Logger{sink: s, cpu: cpu}
}

// Sink returns the underlying sink.
func (l Logger) Sink() Sink { return l.sink }

// Logf formats one line at lvl.
func (l Logger) Logf(lvl Level, format string, args ...any) {
	if !l.sink.Level().Allows(lvl) {
		return
	}
	l.sink.Emit(&Line{
		Time:  time.Now(),
		Level: lvl,
		CPU:   l.cpu,
		Text:  fmt.Sprintf(format, args...),
	})
}

// Fatalf logs at LevelFatal.
func (l Logger) Fatalf(format string, args ...any) { l.Logf(LevelFatal, format, args...) }

// Infof logs at LevelInfo.
func (l Logger) Infof(format string, args ...any) { l.Logf(LevelInfo, format, args...) }

// Debugf logs at LevelDebug.
func (l Logger) Debugf(format string, args ...any) { l.Logf(LevelDebug, format, args...) }
