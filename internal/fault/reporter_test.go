package fault

import (
	"context"
	"strings"
	"sync"
	"testing"

	"trapdump/internal/addr"
	"trapdump/internal/klog"
	"trapdump/internal/memory"
	"trapdump/internal/segment"
	"trapdump/internal/trap"
	"trapdump/internal/unwind"
)

const (
	kernelBase addr.Address = 0xFFFF_FFFF_8020_0000
	loadBase   addr.Address = 0xFFFF_FFFF_9000_0000
	stackTop   addr.Address = 0xFFFF_FF80_0010_3000
)

type staticOwner struct {
	params InitParams
	ok     bool
	subs   []Subsystem
}

func (o staticOwner) InitParams() (InitParams, bool) { return o.params, o.ok }
func (o staticOwner) Subsystems() []Subsystem        { return o.subs }

type staticProcs map[int]Process

func (p staticProcs) Current(cpu int) (Process, bool) {
	proc, ok := p[cpu]
	return proc, ok
}

type countingTerminator struct {
	mu    sync.Mutex
	exits int
}

func (c *countingTerminator) ExitThread() {
	c.mu.Lock()
	c.exits++
	c.mu.Unlock()
}

func (c *countingTerminator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exits
}

type fakeDebugger struct {
	active  bool
	handled bool
	offered []trap.Code
	onTrap  func()
}

func (d *fakeDebugger) Active() bool { return d.active }

func (d *fakeDebugger) Trap(code trap.Code, fc *Context) bool {
	d.offered = append(d.offered, code)
	if d.onTrap != nil {
		d.onTrap()
	}
	return d.handled
}

type phaseRecorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (p *phaseRecorder) OnPhase(cpu CPU, phase Phase) {
	p.mu.Lock()
	p.phases = append(p.phases, phase)
	p.mu.Unlock()
}

// stackImage lays out n in-band frames below stackTop and terminates the
// chain with a user-space link.
func stackImage(t *testing.T, n int) (*memory.Image, addr.Address) {
	t.Helper()
	img := memory.NewImage()
	fps := make([]addr.Address, n)
	for i := range fps {
		fps[i] = stackTop - addr.Address(0x80*(n-i))
	}
	for i, fp := range fps {
		link := addr.Address(0x0000_7FFF_FFFF_E000)
		if i+1 < n {
			link = fps[i+1]
		}
		if err := img.WriteWord(fp, uint64(link)); err != nil {
			t.Fatal(err)
		}
		if err := img.WriteWord(fp+8, uint64(kernelBase)+uint64(0x1000*(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	if n == 0 {
		return img, 0
	}
	return img, fps[0]
}

func gdt() segment.Table {
	t := make(segment.Table, 2*segment.NGDT)
	for cpu := 0; cpu < 2; cpu++ {
		t[cpu*segment.NGDT+segment.GCodeSel] = segment.Pack(segment.Soft{Limit: 0xFFFFF, Type: 0x1B, P: true, Long: true, Gran: true})
		t[cpu*segment.NGDT+segment.GUCodeSel] = segment.Pack(segment.Soft{Limit: 0xFFFFF, Type: 0x1B, DPL: 3, P: true, Long: true, Gran: true})
	}
	return t
}

type fixture struct {
	rep   *Reporter
	ring  *klog.RingSink
	term  *countingTerminator
	pager *unwind.CountingPager
}

func newFixture(t *testing.T, frames int) (*fixture, addr.Address) {
	t.Helper()
	img, rbp := stackImage(t, frames)
	ring := klog.NewRingSink(512, klog.LevelDebug)
	term := &countingTerminator{}
	pager := &unwind.CountingPager{}
	return &fixture{
		rep: &Reporter{
			Log:        ring,
			Mem:        img,
			Pager:      pager,
			GDT:        gdt(),
			Terminator: term,
			KernelBase: kernelBase,
			LoadBase:   loadBase,
			Build:      "trapdump test",
		},
		ring:  ring,
		term:  term,
		pager: pager,
	}, rbp
}

func (f *fixture) text() string {
	return strings.Join(f.ring.Texts(), "\n")
}

func pageFaultContext(rbp addr.Address) *Context {
	return &Context{
		RIP:       kernelBase + 0x4_1234,
		RSP:       stackTop - 0x200,
		RBP:       rbp,
		CS:        0x20,
		SS:        0,
		RFlags:    0x10246,
		Err:       uint64(trap.PGExW | trap.PGExP),
		TrapNo:    trap.PageFlt,
		FaultAddr: 0xFFFF_FF00_0000_1000,
	}
}

func TestReportPageFault(t *testing.T) {
	f, rbp := newFixture(t, 3)
	res := f.rep.Report(context.Background(), CPU{ID: 1, APICID: 2}, pageFaultContext(rbp))

	if res.Outcome != OutcomeTerminated {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if f.term.count() != 1 {
		t.Errorf("terminator called %d times", f.term.count())
	}
	if res.Frames != 3 || res.Stop != unwind.StopOutOfBand {
		t.Errorf("frames = %d stop = %v", res.Frames, res.Stop)
	}

	out := f.text()
	for _, want := range []string{
		"build: trapdump test",
		"kernel base: 0xffffffff80200000",
		"owner: unavailable",
		"call stack:",
		"[0] [r: 0xffffffff80201000] [f:0xffffff8000102e80]",
		"[2] [r: 0xffffffff80203000] [f:0xffffff8000102f80]",
		"Fatal trap 12: page fault while in kernel mode",
		"cpuid = 1; apic id = 02",
		"fault virtual address\t= 0xffffff0000001000",
		"fault code\t\t= supervisor write data, protection violation",
		"instruction pointer\t= 0x20:0xffffffff80241234",
		"stack pointer\t        = 0x28:0xffffff8000102e00",
		"code segment\t\t= base 0x0, limit 0xfffff, type 0x1b",
		"= DPL 0, pres 1, long 1, def32 0, gran 1",
		"processor eflags\t= interrupt enabled, resume, IOPL = 0",
		"current process\t\t= Idle",
		"trap number\t\t= 12",
		"exiting crashed thread",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "[3]") {
		t.Errorf("report walked past the last in-band frame\n%s", out)
	}
}

func TestReportPhaseOrderAndLines(t *testing.T) {
	f, rbp := newFixture(t, 1)
	pr := &phaseRecorder{}
	f.rep.Progress = pr
	res := f.rep.Report(context.Background(), CPU{}, pageFaultContext(rbp))

	if len(pr.phases) != len(Phases) {
		t.Fatalf("phases = %v", pr.phases)
	}
	for i, p := range Phases {
		if pr.phases[i] != p {
			t.Errorf("phase %d = %s, want %s", i, pr.phases[i], p)
		}
	}
	if len(res.Timings.Phases) != len(Phases) {
		t.Errorf("timings = %+v", res.Timings)
	}

	texts := f.ring.Texts()
	idx := func(prefix string) int {
		for i, l := range texts {
			if strings.HasPrefix(l, prefix) {
				return i
			}
		}
		return -1
	}
	order := []string{"kernel base:", "call stack:", "[0]", "Fatal trap", "trap number", "page fault", "exiting crashed thread"}
	last := -1
	for _, p := range order {
		i := idx(p)
		if i <= last {
			t.Fatalf("%q at %d, expected after %d\n%s", p, i, last, strings.Join(texts, "\n"))
		}
		last = i
	}
}

func TestReportPagerRestored(t *testing.T) {
	f, rbp := newFixture(t, 4)
	f.rep.Report(context.Background(), CPU{}, pageFaultContext(rbp))
	if d, e := f.pager.Counts(); d != 1 || e != 1 {
		t.Errorf("pager counts = %d, %d", d, e)
	}
	if f.pager.Suspended() {
		t.Error("page faults left suspended")
	}
}

func TestReportWithOwnerAndProcess(t *testing.T) {
	f, rbp := newFixture(t, 0)
	f.rep.Owner = staticOwner{
		ok: true,
		params: InitParams{
			PayloadBase: loadBase,
			PayloadSize: 0x40000,
			Process:     0xFFFF_F800_1234_0000,
			EntryPoint:  loadBase + 0x100,
		},
		subs: []Subsystem{
			{Name: "messageManager", Addr: 0xFFFF_F800_0000_1000},
			{Name: "pluginManager", Addr: 0xFFFF_F800_0000_2000},
		},
	}
	f.rep.Processes = staticProcs{0: {PID: 77, ThreadName: "Café"}}
	fc := &Context{
		RIP:            loadBase + 0x2000,
		RBP:            rbp,
		CS:             0x43,
		SS:             0x3b,
		RSP:            0x7FFF_FFFF_D000,
		TrapNo:         trap.ProtFlt,
		LastBranchFrom: loadBase + 0x1F00,
	}
	f.rep.Report(context.Background(), CPU{}, fc)

	out := f.text()
	for _, want := range []string{
		"owner base: 0xffffffff90000000 size: 0x40000",
		"owner proc: 0xfffff80012340000 entrypoint: 0xffffffff90000100",
		"owner load base: 0xffffffff90000000",
		"owner messageManager: 0xfffff80000001000 pluginManager: 0xfffff80000002000",
		"last branch from offset from kernel base: 0xfe01f00",
		"rip offset from kernel base: 0xfe02000",
		"[last_branch_from-load_base]:0x1f00 [load_base-last_branch_from]:0xffffffffffffe100",
		"rip offset from load base: 0x2000",
		"Fatal trap 9: general protection fault while in user mode",
		"stack pointer\t        = 0x3b:0x7fffffffd000",
		"= DPL 3, pres 1, long 1, def32 0, gran 1",
		"current process\t\t= 77 (Café)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "fault virtual address") {
		t.Error("non-page-fault report included fault address")
	}
}

func TestReportOwnerWithoutInitParams(t *testing.T) {
	f, rbp := newFixture(t, 0)
	f.rep.Owner = staticOwner{}
	f.rep.Report(context.Background(), CPU{}, pageFaultContext(rbp))
	if out := f.text(); !strings.Contains(out, "owner init params: unavailable") {
		t.Errorf("missing fallback line\n%s", out)
	}
}

func TestReportDebuggerIntercepts(t *testing.T) {
	f, rbp := newFixture(t, 2)
	dbg := &fakeDebugger{active: true, handled: true}
	f.rep.Debugger = dbg
	res := f.rep.Report(context.Background(), CPU{}, pageFaultContext(rbp))

	if res.Outcome != OutcomeIntercepted {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if f.term.count() != 0 {
		t.Error("terminator called after interception")
	}
	if len(dbg.offered) != 1 || dbg.offered[0] != trap.PageFlt {
		t.Errorf("offered = %v", dbg.offered)
	}
	out := f.text()
	if strings.Contains(out, "exiting crashed thread") || strings.Contains(out, "trap number") {
		t.Errorf("intercepted report has termination lines\n%s", out)
	}
}

func TestReportDebuggerDeclines(t *testing.T) {
	for _, dbg := range []*fakeDebugger{{active: true, handled: false}, {active: false, handled: true}} {
		f, rbp := newFixture(t, 1)
		f.rep.Debugger = dbg
		res := f.rep.Report(context.Background(), CPU{}, pageFaultContext(rbp))
		if res.Outcome != OutcomeTerminated || f.term.count() != 1 {
			t.Errorf("debugger %+v: outcome = %v exits = %d", dbg, res.Outcome, f.term.count())
		}
		if !dbg.active && len(dbg.offered) != 0 {
			t.Error("inactive debugger was offered the trap")
		}
	}
}

func TestReportUnknownAndEmptyTraps(t *testing.T) {
	tests := []struct {
		code trap.Code
		want string
	}{
		{trap.BptFlt, "Fatal trap 3: breakpoint instruction fault while in kernel mode"},
		{31, "Fatal trap 31:  while in kernel mode"},
		{34, "Fatal trap 34: unknown/reserved trap while in kernel mode"},
	}
	for _, tt := range tests {
		f, rbp := newFixture(t, 0)
		fc := pageFaultContext(rbp)
		fc.TrapNo = tt.code
		f.rep.Report(context.Background(), CPU{}, fc)
		texts := f.ring.Texts()
		out := strings.Join(texts, "\n")
		if !strings.Contains(out, tt.want) {
			t.Errorf("trap %d: missing %q\n%s", tt.code, tt.want, out)
		}
		if tt.code == 34 && texts[len(texts)-2] != trap.Unknown {
			t.Errorf("summary line = %q", texts[len(texts)-2])
		}
	}
}

func TestReportPanickingPhaseContinues(t *testing.T) {
	f, rbp := newFixture(t, 1)
	f.rep.Processes = panicProcs{}
	res := f.rep.Report(context.Background(), CPU{}, pageFaultContext(rbp))
	out := f.text()
	if !strings.Contains(out, "phase describe aborted: process table corrupt") {
		t.Errorf("missing abort line\n%s", out)
	}
	if res.Outcome != OutcomeTerminated || f.term.count() != 1 {
		t.Errorf("outcome = %v exits = %d", res.Outcome, f.term.count())
	}
}

type panicProcs struct{}

func (panicProcs) Current(int) (Process, bool) { panic("process table corrupt") }

func TestReportPanickingDebuggerStillTerminates(t *testing.T) {
	f, rbp := newFixture(t, 0)
	f.rep.Debugger = &fakeDebugger{active: true, onTrap: func() { panic("kdb crashed") }}
	res := f.rep.Report(context.Background(), CPU{}, pageFaultContext(rbp))
	if res.Outcome != OutcomeTerminated || f.term.count() != 1 {
		t.Errorf("outcome = %v exits = %d", res.Outcome, f.term.count())
	}
	if !strings.Contains(f.text(), "phase dispose aborted: kdb crashed") {
		t.Errorf("missing abort line\n%s", f.text())
	}
}

func TestReportRecursiveTrap(t *testing.T) {
	f, rbp := newFixture(t, 1)
	var nested Result
	dbg := &fakeDebugger{active: true}
	dbg.onTrap = func() {
		fc := pageFaultContext(rbp)
		fc.TrapNo = trap.ProtFlt
		nested = f.rep.Report(context.Background(), CPU{ID: 0}, fc)
	}
	f.rep.Debugger = dbg
	f.rep.Report(context.Background(), CPU{ID: 0}, pageFaultContext(rbp))

	if nested.Outcome != OutcomeTerminated || nested.Frames != 0 {
		t.Errorf("nested result = %+v", nested)
	}
	if len(dbg.offered) != 1 {
		t.Errorf("debugger offered %d traps, want 1", len(dbg.offered))
	}
	if !strings.Contains(f.text(), "recursive fatal trap 9 on cpu 0") {
		t.Errorf("missing recursion line\n%s", f.text())
	}
	if f.term.count() != 2 {
		t.Errorf("terminator called %d times, want 2", f.term.count())
	}

	// The CPU is free again once the outer report finished.
	res := f.rep.Report(context.Background(), CPU{ID: 0}, pageFaultContext(rbp))
	if res.Frames != 1 {
		t.Errorf("follow-up report frames = %d", res.Frames)
	}
}

func TestReportConcurrentCPUs(t *testing.T) {
	f, rbp := newFixture(t, 2)
	var wg sync.WaitGroup
	for cpu := 0; cpu < 8; cpu++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			f.rep.Report(context.Background(), CPU{ID: id}, pageFaultContext(rbp))
		}(cpu)
	}
	wg.Wait()
	if f.term.count() != 8 {
		t.Errorf("terminator called %d times", f.term.count())
	}
	n := 0
	for _, l := range f.ring.Texts() {
		if strings.HasPrefix(l, "Fatal trap 12") {
			n++
		}
	}
	if n != 8 {
		t.Errorf("got %d headers, want 8", n)
	}
}

func TestReportSinkFromContext(t *testing.T) {
	f, rbp := newFixture(t, 0)
	f.rep.Log = nil
	ring := klog.NewRingSink(64, klog.LevelInfo)
	f.rep.Report(klog.WithSink(context.Background(), ring), CPU{}, pageFaultContext(rbp))
	if len(ring.Texts()) == 0 {
		t.Error("context sink received nothing")
	}
}

func TestReportMissingPieces(t *testing.T) {
	r := &Reporter{Log: klog.NewRingSink(64, klog.LevelInfo)}
	res := r.Report(context.Background(), CPU{ID: 5}, nil)
	if res.Outcome != OutcomeTerminated {
		t.Errorf("outcome = %v", res.Outcome)
	}
	out := strings.Join(r.Log.(*klog.RingSink).Texts(), "\n")
	for _, want := range []string{
		"fatal trap with no trap frame on cpu 5",
		"stack memory: unavailable",
		"code segment\t\t= <unavailable>",
		"exiting crashed thread",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q\n%s", want, out)
		}
	}
}
