// Package kdb is a line-oriented kernel debugger that can take over a fatal
// trap before the faulting thread is ended.
package kdb

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"trapdump/internal/addr"
	"trapdump/internal/fault"
	"trapdump/internal/memory"
	"trapdump/internal/trap"
	"trapdump/internal/unwind"
)

// Debugger reads commands from a script or terminal each time one of its
// targets is handed a trap. "continue" returns control to the faulting
// thread, "kill" lets it be ended. Running out of input counts as "kill".
type Debugger struct {
	in          *bufio.Scanner
	out         io.Writer
	interactive bool
	maxDepth    int

	mu      sync.Mutex
	enabled bool
	traps   int
}

// NewDebugger creates a debugger reading commands from in. A nil in behaves
// like an empty script.
func NewDebugger(in io.Reader, out io.Writer, interactive bool) *Debugger {
	if in == nil {
		in = strings.NewReader("")
	}
	if out == nil {
		out = io.Discard
	}
	return &Debugger{
		in:          bufio.NewScanner(in),
		out:         out,
		interactive: interactive,
		enabled:     true,
	}
}

// SetMaxDepth bounds the "bt" command. Zero uses the walker default.
func (d *Debugger) SetMaxDepth(n int) { d.maxDepth = n }

// Active reports whether the debugger will accept traps.
func (d *Debugger) Active() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Traps returns how many traps the debugger has been handed.
func (d *Debugger) Traps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.traps
}

// Attach binds d to one address space. "bt" and "x" read mem, and "bt"
// suspends page faults through pager, which may be nil. Every target shares
// d's input, output and state.
func (d *Debugger) Attach(mem memory.Reader, pager unwind.Pager) *Target {
	return &Target{d: d, t: target{mem: mem, pager: pager}}
}

// Target is a debugger bound to one address space.
type Target struct {
	d *Debugger
	t target
}

// Active implements fault.Debugger.
func (t *Target) Active() bool { return t.d.Active() }

// Trap implements fault.Debugger. Sessions from different CPUs and targets
// are serialized.
func (t *Target) Trap(code trap.Code, fc *fault.Context) bool {
	return t.d.session(t.t, code, fc)
}

type target struct {
	mem   memory.Reader
	pager unwind.Pager
}

func (d *Debugger) session(t target, code trap.Code, fc *fault.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.traps++

	fmt.Fprintf(d.out, "kdb: entered on trap %d (%s)\n", uint32(code), code) //nolint:errcheck
	for {
		if d.interactive {
			fmt.Fprint(d.out, "(kdb) ") //nolint:errcheck
		}
		if !d.in.Scan() {
			fmt.Fprintln(d.out, "kdb: end of input, thread will be killed") //nolint:errcheck
			return false
		}
		line := strings.TrimSpace(d.in.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if handled, done := d.execCommand(t, line, fc); done {
			return handled
		}
	}
}

func (d *Debugger) execCommand(t target, line string, fc *fault.Context) (handled, done bool) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help":
		d.help()
	case "regs", "r":
		d.cmdRegs(fc)
	case "bt":
		d.cmdBacktrace(t, fc, args)
	case "x":
		if len(args) != 1 {
			fmt.Fprintln(d.out, "error: x expects <addr>") //nolint:errcheck
			return false, false
		}
		d.cmdExamine(t.mem, args[0])
	case "continue", "c":
		fmt.Fprintln(d.out, "kdb: resuming") //nolint:errcheck
		return true, true
	case "kill", "k":
		fmt.Fprintln(d.out, "kdb: killing thread") //nolint:errcheck
		return false, true
	case "detach":
		d.enabled = false
		fmt.Fprintln(d.out, "kdb: detached") //nolint:errcheck
		return false, true
	default:
		fmt.Fprintf(d.out, "error: unknown command %q\n", cmd) //nolint:errcheck
	}
	return false, false
}

func (d *Debugger) cmdRegs(fc *fault.Context) {
	if fc == nil {
		fmt.Fprintln(d.out, "error: no trap frame") //nolint:errcheck
		return
	}
	fmt.Fprintf(d.out, "rip    %s\n", fc.RIP)              //nolint:errcheck
	fmt.Fprintf(d.out, "rsp    %s\n", fc.RSP)              //nolint:errcheck
	fmt.Fprintf(d.out, "rbp    %s\n", fc.RBP)              //nolint:errcheck
	fmt.Fprintf(d.out, "cs     0x%x\n", fc.CS)             //nolint:errcheck
	fmt.Fprintf(d.out, "ss     0x%x\n", fc.SS)             //nolint:errcheck
	fmt.Fprintf(d.out, "rflags 0x%x\n", uint64(fc.RFlags)) //nolint:errcheck
	fmt.Fprintf(d.out, "err    0x%x\n", fc.Err)            //nolint:errcheck
	fmt.Fprintf(d.out, "trapno %d\n", uint32(fc.TrapNo))   //nolint:errcheck
	fmt.Fprintf(d.out, "cr2    %s\n", fc.FaultAddr)        //nolint:errcheck
	fmt.Fprintf(d.out, "lbr    %s\n", fc.LastBranchFrom)   //nolint:errcheck
}

func (d *Debugger) cmdBacktrace(t target, fc *fault.Context, args []string) {
	if fc == nil || t.mem == nil {
		fmt.Fprintln(d.out, "error: no stack") //nolint:errcheck
		return
	}
	depth := d.maxDepth
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintln(d.out, "error: invalid depth") //nolint:errcheck
			return
		}
		depth = n
	}
	w := &unwind.Walker{Mem: t.mem, MaxDepth: depth}
	g := unwind.Suspend(t.pager)
	defer g.Release()
	for f := range w.Walk(fc.RBP) {
		fmt.Fprintln(d.out, f.String()) //nolint:errcheck
	}
	reason, at, err := w.Stopped()
	if err != nil {
		fmt.Fprintf(d.out, "stopped: %s at %s: %v\n", reason, at, err) //nolint:errcheck
		return
	}
	fmt.Fprintf(d.out, "stopped: %s at %s\n", reason, at) //nolint:errcheck
}

func (d *Debugger) cmdExamine(mem memory.Reader, spec string) {
	a, err := addr.Parse(spec)
	if err != nil {
		fmt.Fprintf(d.out, "error: %s\n", err.Error()) //nolint:errcheck
		return
	}
	if mem == nil {
		fmt.Fprintln(d.out, "error: no memory") //nolint:errcheck
		return
	}
	v, err := mem.ReadWord(a)
	if err != nil {
		fmt.Fprintf(d.out, "error: %s\n", err.Error()) //nolint:errcheck
		return
	}
	fmt.Fprintf(d.out, "%s: 0x%016x\n", a, v) //nolint:errcheck
}

func (d *Debugger) help() {
	fmt.Fprintln(d.out, "commands:")    //nolint:errcheck
	fmt.Fprintln(d.out, "  help")       //nolint:errcheck
	fmt.Fprintln(d.out, "  regs|r")     //nolint:errcheck
	fmt.Fprintln(d.out, "  bt [depth]") //nolint:errcheck
	fmt.Fprintln(d.out, "  x <addr>")   //nolint:errcheck
	fmt.Fprintln(d.out, "  continue|c") //nolint:errcheck
	fmt.Fprintln(d.out, "  kill|k")     //nolint:errcheck
	fmt.Fprintln(d.out, "  detach")     //nolint:errcheck
}
