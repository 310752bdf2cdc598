package fault

import (
	"trapdump/internal/addr"
	"trapdump/internal/segment"
	"trapdump/internal/trap"
)

// Context is the machine state captured at the trap. The reporter only
// reads it.
type Context struct {
	RIP            addr.Address
	RSP            addr.Address
	RBP            addr.Address
	CS             uint64
	SS             uint64
	RFlags         trap.Flags
	Err            uint64
	TrapNo         trap.Code
	LastBranchFrom addr.Address // zero when the CPU recorded no branch
	FaultAddr      addr.Address // meaningful for page faults only
}

// CodeSelector returns the code segment selector.
func (c *Context) CodeSelector() segment.Selector {
	return segment.Selector(c.CS & 0xffff)
}

// UserMode reports whether the trap was taken from user mode.
func (c *Context) UserMode() bool {
	return c.CodeSelector().User()
}

// StackSelector returns the selector the stack and frame pointers are
// relative to: the saved SS for user traps, the kernel data selector
// otherwise.
func (c *Context) StackSelector() segment.Selector {
	if c.UserMode() {
		return segment.Selector(c.SS & 0xffff)
	}
	return segment.GSel(segment.GDataSel, segment.SelKPL)
}

// CPU identifies the processor the trap was taken on.
type CPU struct {
	ID     int
	APICID uint32
}

// InitParams describes how the owning framework was loaded.
type InitParams struct {
	PayloadBase addr.Address
	PayloadSize uint64
	Process     addr.Address
	EntryPoint  addr.Address
}

// Subsystem is a named component of the owning framework.
type Subsystem struct {
	Name string
	Addr addr.Address
}

// Owner exposes the framework that loaded this code, if any.
type Owner interface {
	InitParams() (InitParams, bool)
	Subsystems() []Subsystem
}

// Process identifies the thread running on a CPU.
type Process struct {
	PID        uint64
	ThreadName string
}

// Processes looks up what is running on a CPU.
type Processes interface {
	Current(cpu int) (Process, bool)
}

// Debugger is offered the fault before the thread is ended. Trap returns
// true when it fully handled the condition.
type Debugger interface {
	Active() bool
	Trap(code trap.Code, fc *Context) bool
}

// Terminator ends the faulting thread. On a live system ExitThread does not
// return.
type Terminator interface {
	ExitThread()
}

// Phase names one step of a report.
type Phase string

const (
	PhaseContext  Phase = "context"
	PhaseBranch   Phase = "branch"
	PhaseStack    Phase = "stack"
	PhaseDescribe Phase = "describe"
	PhaseDispose  Phase = "dispose"
)

// Phases lists every phase in execution order.
var Phases = []Phase{PhaseContext, PhaseBranch, PhaseStack, PhaseDescribe, PhaseDispose}

// ProgressSink observes a report as it moves through its phases.
type ProgressSink interface {
	OnPhase(cpu CPU, phase Phase)
}

// Outcome is the result of a report.
type Outcome uint8

const (
	OutcomeTerminated  Outcome = iota + 1 // the thread was ended
	OutcomeIntercepted                    // a debugger handled the fault
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeTerminated:
		return "terminated"
	case OutcomeIntercepted:
		return "intercepted"
	default:
		return "unknown"
	}
}
