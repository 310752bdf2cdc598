package capture

import (
	"context"
	"sync"

	"trapdump/internal/addr"
	"trapdump/internal/fault"
	"trapdump/internal/klog"
	"trapdump/internal/memory"
	"trapdump/internal/unwind"
)

// Environment backs a fault.Reporter with the contents of a capture.
type Environment struct {
	File       *File
	Mem        *memory.Image
	Pager      *unwind.CountingPager
	Terminator *RecordingTerminator
}

// NewEnvironment prepares a replay of f.
func NewEnvironment(f *File) *Environment {
	return &Environment{
		File:       f,
		Mem:        f.Image(),
		Pager:      &unwind.CountingPager{},
		Terminator: &RecordingTerminator{},
	}
}

// Reporter builds a reporter wired to the environment. dbg may be nil.
func (e *Environment) Reporter(log klog.Sink, dbg fault.Debugger, maxDepth int) *fault.Reporter {
	r := &fault.Reporter{
		Log:        log,
		Mem:        e.Mem,
		Pager:      e.Pager,
		GDT:        e.File.Table(),
		Debugger:   dbg,
		Terminator: e.Terminator,
		KernelBase: addr.Address(e.File.KernelBase),
		LoadBase:   addr.Address(e.File.LoadBase),
		Build:      e.File.Build,
		MaxDepth:   maxDepth,
	}
	if e.File.Owner != nil {
		r.Owner = owner{e.File.Owner}
	}
	r.Processes = processes{cpu: e.File.CPU, proc: e.File.Process}
	return r
}

// Replay runs r over the captured fault.
func (e *Environment) Replay(ctx context.Context, r *fault.Reporter) fault.Result {
	return r.Report(ctx, e.File.FaultCPU(), e.File.Context())
}

type owner struct{ o *Owner }

func (o owner) InitParams() (fault.InitParams, bool) {
	if !o.o.HasInitParams {
		return fault.InitParams{}, false
	}
	return fault.InitParams{
		PayloadBase: addr.Address(o.o.PayloadBase),
		PayloadSize: o.o.PayloadSize,
		Process:     addr.Address(o.o.Process),
		EntryPoint:  addr.Address(o.o.EntryPoint),
	}, true
}

func (o owner) Subsystems() []fault.Subsystem {
	out := make([]fault.Subsystem, len(o.o.Subsystems))
	for i, s := range o.o.Subsystems {
		out[i] = fault.Subsystem{Name: s.Name, Addr: addr.Address(s.Addr)}
	}
	return out
}

type processes struct {
	cpu  int
	proc *Process
}

func (p processes) Current(cpu int) (fault.Process, bool) {
	if p.proc == nil || cpu != p.cpu {
		return fault.Process{}, false
	}
	return fault.Process{PID: p.proc.PID, ThreadName: p.proc.ThreadName}, true
}

// RecordingTerminator counts thread exits instead of performing them.
type RecordingTerminator struct {
	mu    sync.Mutex
	exits int
}

// ExitThread implements fault.Terminator.
func (t *RecordingTerminator) ExitThread() {
	t.mu.Lock()
	t.exits++
	t.mu.Unlock()
}

// Exits returns how many times ExitThread was called.
func (t *RecordingTerminator) Exits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exits
}
