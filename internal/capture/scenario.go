package capture

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"

	"trapdump/internal/addr"
	"trapdump/internal/memory"
	"trapdump/internal/segment"
)

// DefaultFrameSize is the distance between consecutive frame records when a
// scenario does not set stack.frame_size.
const DefaultFrameSize = 0x80

// Scenario describes a fault in TOML. Addresses are written as strings
// ("0xffffff8000103000"), small integers as numbers.
type Scenario struct {
	Name       string       `toml:"name"`
	Build      string       `toml:"build"`
	CPU        int64        `toml:"cpu"`
	APICID     int64        `toml:"apic_id"`
	KernelBase addr.Address `toml:"kernel_base"`
	LoadBase   addr.Address `toml:"load_base"`

	Trap    ScenarioTrap         `toml:"trap"`
	Regs    ScenarioRegs         `toml:"regs"`
	Owner   *ScenarioOwner       `toml:"owner"`
	Process *ScenarioProcess     `toml:"process"`
	Stack   ScenarioStack        `toml:"stack"`
	GDT     []ScenarioDescriptor `toml:"gdt"`

	defined func(key ...string) bool
}

type ScenarioTrap struct {
	Code         int64        `toml:"code"`
	Error        int64        `toml:"error"`
	FaultAddress addr.Address `toml:"fault_address"`
}

type ScenarioRegs struct {
	RIP            addr.Address `toml:"rip"`
	RSP            addr.Address `toml:"rsp"`
	RBP            addr.Address `toml:"rbp"`
	CS             int64        `toml:"cs"`
	SS             int64        `toml:"ss"`
	RFlags         int64        `toml:"rflags"`
	LastBranchFrom addr.Address `toml:"last_branch_from"`
}

type ScenarioOwner struct {
	PayloadBase addr.Address        `toml:"payload_base"`
	PayloadSize int64               `toml:"payload_size"`
	Process     addr.Address        `toml:"process"`
	EntryPoint  addr.Address        `toml:"entry_point"`
	Subsystems  []ScenarioSubsystem `toml:"subsystems"`
}

type ScenarioSubsystem struct {
	Name string       `toml:"name"`
	Addr addr.Address `toml:"addr"`
}

type ScenarioProcess struct {
	PID    int64  `toml:"pid"`
	Thread string `toml:"thread"`
}

// ScenarioStack lays frames out below Top, innermost first. Each frame's
// link points at the next one; the last frame links to End.
type ScenarioStack struct {
	Top       addr.Address    `toml:"top"`
	FrameSize int64           `toml:"frame_size"`
	End       addr.Address    `toml:"end"`
	Frames    []ScenarioFrame `toml:"frames"`
	Words     []ScenarioWord  `toml:"words"`
}

type ScenarioFrame struct {
	Return addr.Address `toml:"return"`
	Link   string       `toml:"link"` // overrides the computed link
}

// ScenarioWord places an arbitrary word in the snapshot.
type ScenarioWord struct {
	At    addr.Address `toml:"at"`
	Value addr.Address `toml:"value"`
}

type ScenarioDescriptor struct {
	CPU     int64        `toml:"cpu"`
	Index   int64        `toml:"index"`
	Base    addr.Address `toml:"base"`
	Limit   int64        `toml:"limit"`
	Type    int64        `toml:"type"`
	DPL     int64        `toml:"dpl"`
	Present bool         `toml:"present"`
	Long    bool         `toml:"long"`
	Def32   bool         `toml:"def32"`
	Gran    bool         `toml:"gran"`
}

// LoadScenario reads a scenario file. The capture name defaults to the file
// name without extension.
func LoadScenario(path string) (*Scenario, error) {
	var s Scenario
	meta, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := s.init(meta); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &s, nil
}

// ParseScenario decodes a scenario from TOML text.
func ParseScenario(text string) (*Scenario, error) {
	var s Scenario
	meta, err := toml.Decode(text, &s)
	if err != nil {
		return nil, err
	}
	if err := s.init(meta); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) init(meta toml.MetaData) error {
	if !meta.IsDefined("trap", "code") {
		return errors.New("missing trap.code")
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("unknown key %q", undec[0].String())
	}
	s.defined = meta.IsDefined
	return nil
}

func (s *Scenario) isDefined(key ...string) bool {
	return s.defined != nil && s.defined(key...)
}

// Compile lays the scenario out as a capture.
func (s *Scenario) Compile() (*File, error) {
	f := New(s.Name)
	f.Build = s.Build

	cpu, err := safecast.Conv[uint16](s.CPU)
	if err != nil {
		return nil, fmt.Errorf("cpu %d out of range", s.CPU)
	}
	f.CPU = int(cpu)
	if f.APICID, err = safecast.Conv[uint32](s.APICID); err != nil {
		return nil, fmt.Errorf("apic_id %d out of range", s.APICID)
	}
	f.KernelBase = uint64(s.KernelBase)
	f.LoadBase = uint64(s.LoadBase)

	if err := s.compileRegs(f); err != nil {
		return nil, err
	}
	if err := s.compileStack(f); err != nil {
		return nil, err
	}
	if err := s.compileGDT(f); err != nil {
		return nil, err
	}

	if o := s.Owner; o != nil {
		size, err := safecast.Conv[uint64](o.PayloadSize)
		if err != nil {
			return nil, fmt.Errorf("owner.payload_size %d out of range", o.PayloadSize)
		}
		f.Owner = &Owner{
			HasInitParams: s.isDefined("owner", "payload_base"),
			PayloadBase:   uint64(o.PayloadBase),
			PayloadSize:   size,
			Process:       uint64(o.Process),
			EntryPoint:    uint64(o.EntryPoint),
		}
		for _, sub := range o.Subsystems {
			f.Owner.Subsystems = append(f.Owner.Subsystems, Subsystem{Name: sub.Name, Addr: uint64(sub.Addr)})
		}
	}
	if p := s.Process; p != nil {
		pid, err := safecast.Conv[uint64](p.PID)
		if err != nil {
			return nil, fmt.Errorf("process.pid %d out of range", p.PID)
		}
		f.Process = &Process{PID: pid, ThreadName: p.Thread}
	}
	return f, f.Validate()
}

func (s *Scenario) compileRegs(f *File) error {
	code, err := safecast.Conv[uint32](s.Trap.Code)
	if err != nil {
		return fmt.Errorf("trap.code %d out of range", s.Trap.Code)
	}
	errCode, err := safecast.Conv[uint64](s.Trap.Error)
	if err != nil {
		return fmt.Errorf("trap.error %d out of range", s.Trap.Error)
	}
	cs := int64(segment.GSel(segment.GCodeSel, segment.SelKPL))
	if s.isDefined("regs", "cs") {
		cs = s.Regs.CS
	}
	csSel, err := safecast.Conv[uint16](cs)
	if err != nil {
		return fmt.Errorf("regs.cs %d out of range", cs)
	}
	ssSel, err := safecast.Conv[uint16](s.Regs.SS)
	if err != nil {
		return fmt.Errorf("regs.ss %d out of range", s.Regs.SS)
	}
	flags, err := safecast.Conv[uint64](s.Regs.RFlags)
	if err != nil {
		return fmt.Errorf("regs.rflags %d out of range", s.Regs.RFlags)
	}

	f.Regs = Regs{
		RIP:            uint64(s.Regs.RIP),
		RSP:            uint64(s.Regs.RSP),
		RBP:            uint64(s.Regs.RBP),
		CS:             uint64(csSel),
		SS:             uint64(ssSel),
		RFlags:         flags,
		Err:            errCode,
		TrapNo:         code,
		LastBranchFrom: uint64(s.Regs.LastBranchFrom),
		FaultAddr:      uint64(s.Trap.FaultAddress),
	}
	return nil
}

func (s *Scenario) frameAddrs() ([]addr.Address, error) {
	st := s.Stack
	size := int64(DefaultFrameSize)
	if s.isDefined("stack", "frame_size") {
		size = st.FrameSize
	}
	if size < 2*memory.WordSize || size%memory.WordSize != 0 {
		return nil, fmt.Errorf("stack.frame_size %d must be a positive multiple of %d", size, memory.WordSize)
	}
	n := len(st.Frames)
	out := make([]addr.Address, n)
	for i := range out {
		off, err := safecast.Conv[uint64](size * int64(n-i))
		if err != nil {
			return nil, err
		}
		out[i] = st.Top - addr.Address(off)
	}
	return out, nil
}

func (s *Scenario) compileStack(f *File) error {
	fps, err := s.frameAddrs()
	if err != nil {
		return err
	}
	img := memory.NewImage()
	for i, fr := range s.Stack.Frames {
		link := s.Stack.End
		if i+1 < len(fps) {
			link = fps[i+1]
		}
		if fr.Link != "" {
			if link, err = addr.Parse(fr.Link); err != nil {
				return fmt.Errorf("stack.frames[%d].link: %w", i, err)
			}
		}
		if err := img.WriteWord(fps[i], uint64(link)); err != nil {
			return err
		}
		if err := img.WriteWord(fps[i].Add(memory.WordSize), uint64(fr.Return)); err != nil {
			return err
		}
	}
	for i, w := range s.Stack.Words {
		if err := img.WriteWord(w.At, uint64(w.Value)); err != nil {
			return fmt.Errorf("stack.words[%d]: %w", i, err)
		}
	}
	f.SetImage(img)

	if !s.isDefined("regs", "rbp") && len(fps) > 0 {
		f.Regs.RBP = uint64(fps[0])
	}
	if !s.isDefined("regs", "rsp") {
		f.Regs.RSP = f.Regs.RBP
	}
	return nil
}

func (s *Scenario) compileGDT(f *File) error {
	var t segment.Table
	if len(s.GDT) == 0 {
		for cpu := 0; cpu <= f.CPU; cpu++ {
			if err := installDefaultGDT(&t, cpu); err != nil {
				return err
			}
		}
		f.SetTable(t)
		return nil
	}
	for i, d := range s.GDT {
		cpu, err := safecast.Conv[uint16](d.CPU)
		if err != nil {
			return fmt.Errorf("gdt[%d].cpu %d out of range", i, d.CPU)
		}
		index, err := safecast.Conv[int](d.Index)
		if err != nil || index < 0 || index >= segment.NGDT {
			return fmt.Errorf("gdt[%d].index %d out of range", i, d.Index)
		}
		limit, err := safecast.Conv[uint32](d.Limit)
		if err != nil || limit > 0xFFFFF {
			return fmt.Errorf("gdt[%d].limit %d out of range", i, d.Limit)
		}
		typ, err := safecast.Conv[uint8](d.Type)
		if err != nil || typ > 0x1F {
			return fmt.Errorf("gdt[%d].type %d out of range", i, d.Type)
		}
		dpl, err := safecast.Conv[uint8](d.DPL)
		if err != nil || dpl > 3 {
			return fmt.Errorf("gdt[%d].dpl %d out of range", i, d.DPL)
		}
		if d.Base > 0xFFFF_FFFF {
			return fmt.Errorf("gdt[%d].base %s does not fit 32 bits", i, d.Base)
		}
		err = t.Set(int(cpu), index, segment.Pack(segment.Soft{
			Base:  uint64(d.Base),
			Limit: limit,
			Type:  typ,
			DPL:   dpl,
			P:     d.Present,
			Long:  d.Long,
			Def32: d.Def32,
			Gran:  d.Gran,
		}))
		if err != nil {
			return fmt.Errorf("gdt[%d]: %w", i, err)
		}
	}
	f.SetTable(t)
	return nil
}

// installDefaultGDT fills the flat long-mode segments a kernel would set up.
func installDefaultGDT(t *segment.Table, cpu int) error {
	code := segment.Soft{Limit: 0xFFFFF, Type: 0x1B, P: true, Long: true, Gran: true}
	data := segment.Soft{Limit: 0xFFFFF, Type: 0x13, P: true, Def32: true, Gran: true}
	code32 := code
	code32.Long, code32.Def32 = false, true
	code32.DPL = 3
	udata, ucode := data, code
	udata.DPL, ucode.DPL = 3, 3

	for _, slot := range []struct {
		index int
		soft  segment.Soft
	}{
		{segment.GCodeSel, code},
		{segment.GDataSel, data},
		{segment.GUCode32Sel, code32},
		{segment.GUDataSel, udata},
		{segment.GUCodeSel, ucode},
	} {
		if err := t.Set(cpu, slot.index, segment.Pack(slot.soft)); err != nil {
			return err
		}
	}
	return nil
}
