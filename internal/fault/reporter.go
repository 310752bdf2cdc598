// Package fault writes the diagnostic report for a fatal trap and decides
// what happens to the faulting thread.
//
// A report runs in five phases, each best-effort:
//
//	context   build identity, kernel base, owning framework
//	branch    offsets of the last branch and RIP from known bases
//	stack     frame-pointer walk with page faults suspended
//	describe  trap message, access type, registers, code segment, flags
//	dispose   offer to the debugger, otherwise end the thread
//
// A Go panic inside a phase is logged and the next phase runs. A report
// started on a CPU that is already reporting skips straight to termination.
package fault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"trapdump/internal/addr"
	"trapdump/internal/klog"
	"trapdump/internal/memory"
	"trapdump/internal/observ"
	"trapdump/internal/segment"
	"trapdump/internal/trap"
	"trapdump/internal/unwind"
)

// Reporter produces fault reports. The collaborators are fixed at
// construction; Report may be called concurrently for different CPUs.
type Reporter struct {
	Log        klog.Sink     // nil means the sink carried by the context
	Mem        memory.Reader // stack memory
	Pager      unwind.Pager  // may be nil
	GDT        segment.Table
	Owner      Owner      // optional
	Processes  Processes  // optional
	Debugger   Debugger   // optional
	Terminator Terminator // required on a live system
	Progress   ProgressSink

	KernelBase addr.Address
	LoadBase   addr.Address // where this code was loaded
	Build      string       // build identity, logged first
	MaxDepth   int          // stack walk bound, 0 means unwind.DefaultMaxDepth

	mu     sync.Mutex
	active map[int]bool
}

// Result summarizes one report.
type Result struct {
	Outcome Outcome
	Frames  int
	Stop    unwind.StopReason
	Timings observ.Report
}

type report struct {
	cpu    CPU
	fc     *Context
	log    klog.Logger
	timer  *observ.Timer
	frames int
	stop   unwind.StopReason
	out    Outcome
	ended  bool
}

// Report runs all phases for fc taken on cpu.
func (r *Reporter) Report(ctx context.Context, cpu CPU, fc *Context) Result {
	sink := r.Log
	if sink == nil {
		sink = klog.FromContext(ctx)
	}
	rep := &report{
		cpu:   cpu,
		fc:    fc,
		log:   klog.For(sink, cpu.ID),
		timer: observ.NewTimer(),
		out:   OutcomeTerminated,
	}
	if fc == nil {
		rep.fc = &Context{}
		rep.log.Fatalf("fatal trap with no trap frame on cpu %d", cpu.ID)
	}

	if !r.enter(cpu.ID) {
		rep.log.Fatalf("recursive fatal trap %d on cpu %d", uint32(rep.fc.TrapNo), cpu.ID)
		r.terminate(rep)
		return rep.result()
	}
	defer r.exit(cpu.ID)

	r.phase(rep, PhaseContext, r.captureContext)
	r.phase(rep, PhaseBranch, r.captureBranch)
	r.phase(rep, PhaseStack, r.walkStack)
	r.phase(rep, PhaseDescribe, r.describe)
	r.phase(rep, PhaseDispose, r.dispose)
	if rep.out != OutcomeIntercepted && !rep.ended {
		r.terminate(rep)
	}
	return rep.result()
}

func (rep *report) result() Result {
	return Result{
		Outcome: rep.out,
		Frames:  rep.frames,
		Stop:    rep.stop,
		Timings: rep.timer.Report(),
	}
}

func (r *Reporter) enter(cpu int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = make(map[int]bool)
	}
	if r.active[cpu] {
		return false
	}
	r.active[cpu] = true
	return true
}

func (r *Reporter) exit(cpu int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, cpu)
}

func (r *Reporter) phase(rep *report, name Phase, fn func(*report)) {
	defer rep.timer.Track(string(name))()
	defer func() {
		if v := recover(); v != nil {
			rep.log.Fatalf("phase %s aborted: %v", name, v)
		}
	}()
	if r.Progress != nil {
		r.Progress.OnPhase(rep.cpu, name)
	}
	fn(rep)
}

func (r *Reporter) captureContext(rep *report) {
	if r.Build != "" {
		rep.log.Infof("build: %s", r.Build)
	}
	rep.log.Infof("kernel base: %s", r.KernelBase)

	if r.Owner == nil {
		rep.log.Infof("owner: unavailable")
		return
	}
	if p, ok := r.Owner.InitParams(); ok {
		rep.log.Infof("owner base: %s size: 0x%x", p.PayloadBase, p.PayloadSize)
		rep.log.Infof("owner proc: %s entrypoint: %s", p.Process, p.EntryPoint)
		rep.log.Infof("owner load base: %s", r.LoadBase)
	} else {
		rep.log.Infof("owner init params: unavailable")
	}
	if subs := r.Owner.Subsystems(); len(subs) > 0 {
		parts := make([]string, len(subs))
		for i, s := range subs {
			parts[i] = fmt.Sprintf("%s: %s", s.Name, s.Addr)
		}
		rep.log.Infof("owner %s", strings.Join(parts, " "))
	}
}

func (r *Reporter) captureBranch(rep *report) {
	fc := rep.fc
	if fc.LastBranchFrom.IsNull() {
		rep.log.Debugf("no last branch record")
		return
	}
	lbf := fc.LastBranchFrom
	rep.log.Infof("last branch from offset from kernel base: %s", lbf.Sub(r.KernelBase))
	rep.log.Infof("rip offset from kernel base: %s", fc.RIP.Sub(r.KernelBase))
	rep.log.Infof("offset from load base: [last_branch_from-load_base]:%s [load_base-last_branch_from]:%s",
		lbf.Sub(r.LoadBase), r.LoadBase.Sub(lbf))
	rep.log.Infof("rip offset from load base: %s", fc.RIP.Sub(r.LoadBase))
}

func (r *Reporter) walkStack(rep *report) {
	rep.log.Infof("call stack:")
	if r.Mem == nil {
		rep.log.Infof("stack memory: unavailable")
		return
	}
	w := &unwind.Walker{Mem: r.Mem, MaxDepth: r.MaxDepth}

	g := unwind.Suspend(r.Pager)
	defer g.Release()

	for f := range w.Walk(rep.fc.RBP) {
		rep.log.Infof("%s", f)
		rep.frames++
	}
	reason, at, err := w.Stopped()
	rep.stop = reason
	rep.timer.Annotate(string(PhaseStack), fmt.Sprintf("%d frames", rep.frames))
	if err != nil {
		rep.log.Debugf("walk stopped after %d frames: %s at %s: %v", rep.frames, reason, at, err)
	} else {
		rep.log.Debugf("walk stopped after %d frames: %s at %s", rep.frames, reason, at)
	}
}

func (r *Reporter) describe(rep *report) {
	fc := rep.fc
	code := fc.TrapNo
	msg := trap.Classify(code)
	mode := "kernel"
	if fc.UserMode() {
		mode = "user"
	}

	rep.log.Fatalf("Fatal trap %d: %s while in %s mode", uint32(code), msg, mode)
	rep.log.Fatalf("cpuid = %d; apic id = %02x", rep.cpu.ID, rep.cpu.APICID)
	if code == trap.PageFlt {
		rep.log.Fatalf("fault virtual address\t= 0x%x", uint64(fc.FaultAddr))
		rep.log.Fatalf("fault code\t\t= %s", trap.PageFaultCode(fc.Err))
	}
	cs := fc.CodeSelector()
	ss := fc.StackSelector()
	rep.log.Fatalf("instruction pointer\t= 0x%x:0x%x", uint16(cs), uint64(fc.RIP))
	rep.log.Fatalf("stack pointer\t        = 0x%x:0x%x", uint16(ss), uint64(fc.RSP))
	rep.log.Fatalf("frame pointer\t        = 0x%x:0x%x", uint16(ss), uint64(fc.RBP))

	if d, err := r.GDT.Lookup(rep.cpu.ID, cs); err != nil {
		rep.log.Fatalf("code segment\t\t= <unavailable>: %v", err)
	} else {
		for _, line := range segment.Decode(d).Lines() {
			rep.log.Fatalf("%s", line)
		}
	}

	rep.log.Fatalf("processor eflags\t= %s", fc.RFlags.Describe())

	var proc Process
	ok := false
	if r.Processes != nil {
		proc, ok = r.Processes.Current(rep.cpu.ID)
	}
	if ok {
		rep.log.Fatalf("current process\t\t= %d (%s)", proc.PID, norm.NFC.String(proc.ThreadName))
	} else {
		rep.log.Fatalf("current process\t\t= Idle")
	}
}

func (r *Reporter) dispose(rep *report) {
	code := rep.fc.TrapNo
	if r.Debugger != nil && r.Debugger.Active() && r.Debugger.Trap(code, rep.fc) {
		rep.log.Infof("trap %d handled by debugger", uint32(code))
		rep.out = OutcomeIntercepted
		return
	}
	rep.log.Fatalf("trap number\t\t= %d", uint32(code))
	rep.log.Fatalf("%s", trap.Classify(code))
	r.terminate(rep)
}

func (r *Reporter) terminate(rep *report) {
	rep.out = OutcomeTerminated
	rep.ended = true
	rep.log.Fatalf("exiting crashed thread")
	if r.Terminator != nil {
		r.Terminator.ExitThread()
	}
}
