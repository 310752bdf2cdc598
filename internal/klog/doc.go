// Package klog is the durable log that fault reports are written to.
//
// # Architecture
//
// The package provides several sink implementations:
//
//   - Nop: discards everything
//   - StreamSink: immediate write to a file or stderr
//   - RingSink: keeps the last N lines in memory for later dumping
//   - MultiSink: fans out to several sinks
//
// Every sink writes a whole line with a single Write call under its own
// lock, so reports produced concurrently on different CPUs interleave by
// line and never within one.
//
// # Levels
//
//   - LevelOff: nothing is written
//   - LevelFatal: fault description and termination lines only
//   - LevelInfo: the full report
//   - LevelDebug: also why the stack walk stopped
//
// # Context Propagation
//
//	ctx = klog.WithSink(ctx, sink)
//	log := klog.For(klog.FromContext(ctx), cpu)
//	log.Infof("call stack:")
package klog
