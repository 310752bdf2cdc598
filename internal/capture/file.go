// Package capture stores a fatal trap together with the machine state needed
// to replay its report offline.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"fortio.org/safecast"
	"github.com/vmihailenco/msgpack/v5"

	"trapdump/internal/addr"
	"trapdump/internal/fault"
	"trapdump/internal/memory"
	"trapdump/internal/segment"
	"trapdump/internal/trap"
)

// Magic identifies a capture file.
const Magic = "TRAPDUMP"

// SchemaVersion is bumped whenever File changes shape.
const SchemaVersion uint16 = 1

var (
	// ErrMagic is returned for data that is not a capture.
	ErrMagic = errors.New("not a trap capture")
	// ErrSchema is returned for a capture written by an incompatible version.
	ErrSchema = errors.New("unsupported capture schema")
)

// File is the on-disk form of one captured fault.
type File struct {
	Magic  string
	Schema uint16

	Name       string
	Build      string
	CPU        int
	APICID     uint32
	KernelBase uint64
	LoadBase   uint64

	Regs Regs

	Owner   *Owner   // nil when no owning framework was reachable
	Process *Process // nil when the CPU was idle

	// GDT holds NGDT descriptors per CPU, CPU 0 first.
	GDT   []uint64
	Pages []Page
}

// Regs is the trap frame.
type Regs struct {
	RIP            uint64
	RSP            uint64
	RBP            uint64
	CS             uint64
	SS             uint64
	RFlags         uint64
	Err            uint64
	TrapNo         uint32
	LastBranchFrom uint64
	FaultAddr      uint64
}

// Owner records the owning framework.
type Owner struct {
	HasInitParams bool
	PayloadBase   uint64
	PayloadSize   uint64
	Process       uint64
	EntryPoint    uint64
	Subsystems    []Subsystem
}

// Subsystem is one named framework component.
type Subsystem struct {
	Name string
	Addr uint64
}

// Process is the thread that was running on the faulting CPU.
type Process struct {
	PID        uint64
	ThreadName string
}

// Page is one page of memory.
type Page struct {
	Base uint64
	Data []byte
}

// New returns an empty capture stamped with the current magic and schema.
func New(name string) *File {
	return &File{Magic: Magic, Schema: SchemaVersion, Name: name}
}

// Context converts the stored registers into a fault context.
func (f *File) Context() *fault.Context {
	r := f.Regs
	return &fault.Context{
		RIP:            addr.Address(r.RIP),
		RSP:            addr.Address(r.RSP),
		RBP:            addr.Address(r.RBP),
		CS:             r.CS,
		SS:             r.SS,
		RFlags:         trap.Flags(r.RFlags),
		Err:            r.Err,
		TrapNo:         trap.Code(r.TrapNo),
		LastBranchFrom: addr.Address(r.LastBranchFrom),
		FaultAddr:      addr.Address(r.FaultAddr),
	}
}

// FaultCPU returns the faulting CPU identity.
func (f *File) FaultCPU() fault.CPU {
	return fault.CPU{ID: f.CPU, APICID: f.APICID}
}

// Table returns the stored descriptor table.
func (f *File) Table() segment.Table {
	t := make(segment.Table, len(f.GDT))
	for i, d := range f.GDT {
		t[i] = segment.Descriptor(d)
	}
	return t
}

// SetTable stores t.
func (f *File) SetTable(t segment.Table) {
	f.GDT = make([]uint64, len(t))
	for i, d := range t {
		f.GDT[i] = uint64(d)
	}
}

// Image rebuilds the memory snapshot.
func (f *File) Image() *memory.Image {
	img := memory.NewImage()
	for _, p := range f.Pages {
		img.Load(addr.Address(p.Base), p.Data)
	}
	return img
}

// SetImage stores the pages of img.
func (f *File) SetImage(img *memory.Image) {
	pages := img.Pages()
	f.Pages = make([]Page, len(pages))
	for i, p := range pages {
		f.Pages[i] = Page{Base: uint64(p.Base), Data: p.Data}
	}
}

// Validate checks the header and internal consistency.
func (f *File) Validate() error {
	if f.Magic != Magic {
		return ErrMagic
	}
	if f.Schema != SchemaVersion {
		return fmt.Errorf("%w: %d (want %d)", ErrSchema, f.Schema, SchemaVersion)
	}
	if _, err := safecast.Conv[uint16](f.CPU); err != nil {
		return fmt.Errorf("invalid cpu %d: %w", f.CPU, err)
	}
	for _, p := range f.Pages {
		if p.Base%memory.PageSize != 0 {
			return fmt.Errorf("page %s is not page aligned", addr.Address(p.Base))
		}
		if len(p.Data) > memory.PageSize {
			return fmt.Errorf("page %s holds %d bytes", addr.Address(p.Base), len(p.Data))
		}
	}
	return nil
}

// Encode writes f to w.
func Encode(w io.Writer, f *File) error {
	return msgpack.NewEncoder(w).Encode(f)
}

// Decode reads and validates a capture from r.
func Decode(r io.Reader) (*File, error) {
	var f File
	if err := msgpack.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMagic, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Save writes f to path atomically.
func Save(path string, f *File) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".capture-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = Encode(tmp, f); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the capture at path.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	f, err := Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
