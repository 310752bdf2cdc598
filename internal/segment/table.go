package segment

import (
	"fmt"

	"fortio.org/safecast"
)

// Global descriptor table layout, one block of NGDT entries per CPU.
const (
	NGDT = 13

	GNullSel    = 0
	GCodeSel    = 4 // kernel code
	GDataSel    = 5 // kernel data
	GUCode32Sel = 6
	GUDataSel   = 7
	GUCodeSel   = 8
)

// Privilege levels carried in the low two bits of a selector.
const (
	SelKPL = 0
	SelUPL = 3
)

// Selector is a segment selector.
type Selector uint16

// Index returns the descriptor table index (IDXSEL).
func (s Selector) Index() int { return int(s>>3) & 0x1fff }

// RPL returns the requested privilege level (ISPL).
func (s Selector) RPL() uint8 { return uint8(s & 3) }

// User reports whether the selector requests user privilege.
func (s Selector) User() bool { return s.RPL() == SelUPL }

// GSel builds a selector from a table index and privilege level.
func GSel(index int, rpl uint8) Selector {
	return Selector(index<<3) | Selector(rpl&3)
}

// Table is a flat copy of the per-CPU descriptor tables.
type Table []Descriptor

// Lookup returns the descriptor selected by sel on cpu. It returns an error
// rather than reading past the table.
func (t Table) Lookup(cpu int, sel Selector) (Descriptor, error) {
	if cpu < 0 || cpu > len(t)/NGDT {
		return 0, fmt.Errorf("cpu %d outside table of %d", cpu, len(t))
	}
	idx := cpu*NGDT + sel.Index()
	if idx >= len(t) {
		return 0, fmt.Errorf("descriptor %d (cpu %d, selector 0x%x) outside table of %d", idx, cpu, uint16(sel), len(t))
	}
	return t[idx], nil
}

// Set stores d for cpu and table index, growing the table as needed. CPU
// numbers must fit 16 bits and index must lie within one CPU's block.
func (t *Table) Set(cpu, index int, d Descriptor) error {
	if _, err := safecast.Conv[uint16](cpu); err != nil {
		return fmt.Errorf("cpu %d: %w", cpu, err)
	}
	if index < 0 || index >= NGDT {
		return fmt.Errorf("descriptor index %d outside 0..%d", index, NGDT-1)
	}
	idx := cpu*NGDT + index
	if idx >= len(*t) {
		*t = append(*t, make(Table, idx+1-len(*t))...)
	}
	(*t)[idx] = d
	return nil
}
