// Package segment decodes x86-64 user segment descriptors.
//
// A descriptor is one 64-bit word with base and limit split across
// non-contiguous fields:
//
//	bits  0-15  limit 15:0
//	bits 16-39  base 23:0
//	bits 40-44  type (including the S bit)
//	bits 45-46  DPL
//	bit  47     present
//	bits 48-51  limit 19:16
//	bit  52     available to software
//	bit  53     long mode
//	bit  54     default operand size 32
//	bit  55     granularity
//	bits 56-63  base 31:24
package segment

import (
	"fmt"
	"strconv"
)

// Descriptor is the raw hardware encoding.
type Descriptor uint64

func (d Descriptor) bits(lo, n uint) uint64 {
	return uint64(d) >> lo & (1<<n - 1)
}

// LoLimit returns limit bits 15:0.
func (d Descriptor) LoLimit() uint32 { return uint32(d.bits(0, 16)) }

// LoBase returns base bits 23:0.
func (d Descriptor) LoBase() uint64 { return d.bits(16, 24) }

// Type returns the 5-bit type field.
func (d Descriptor) Type() uint8 { return uint8(d.bits(40, 5)) }

// DPL returns the descriptor privilege level.
func (d Descriptor) DPL() uint8 { return uint8(d.bits(45, 2)) }

// Present returns the P bit.
func (d Descriptor) Present() bool { return d.bits(47, 1) != 0 }

// HiLimit returns limit bits 19:16.
func (d Descriptor) HiLimit() uint32 { return uint32(d.bits(48, 4)) }

// Avail returns the software-available bit.
func (d Descriptor) Avail() bool { return d.bits(52, 1) != 0 }

// Long returns the L bit.
func (d Descriptor) Long() bool { return d.bits(53, 1) != 0 }

// Def32 returns the D/B bit.
func (d Descriptor) Def32() bool { return d.bits(54, 1) != 0 }

// Gran returns the G bit.
func (d Descriptor) Gran() bool { return d.bits(55, 1) != 0 }

// HiBase returns base bits 31:24.
func (d Descriptor) HiBase() uint64 { return d.bits(56, 8) }

// Soft is the expanded form of a descriptor, used only for reporting.
type Soft struct {
	Base  uint64
	Limit uint32
	Type  uint8
	DPL   uint8
	P     bool
	Long  bool
	Def32 bool
	Gran  bool
}

// Decode expands d. Every bit pattern decodes; nothing is validated.
func Decode(d Descriptor) Soft {
	return Soft{
		Base:  d.HiBase()<<24 | d.LoBase(),
		Limit: d.HiLimit()<<16 | d.LoLimit(),
		Type:  d.Type(),
		DPL:   d.DPL(),
		P:     d.Present(),
		Long:  d.Long(),
		Def32: d.Def32(),
		Gran:  d.Gran(),
	}
}

// Pack encodes s. Bits of Base above 31, Limit above 19, Type above 4 and
// DPL above 1 do not fit the hardware format and are dropped.
func Pack(s Soft) Descriptor {
	var d uint64
	d |= uint64(s.Limit) & 0xFFFF
	d |= (s.Base & 0xFF_FFFF) << 16
	d |= uint64(s.Type&0x1F) << 40
	d |= uint64(s.DPL&0x3) << 45
	d |= boolBit(s.P) << 47
	d |= uint64(s.Limit>>16&0xF) << 48
	d |= boolBit(s.Long) << 53
	d |= boolBit(s.Def32) << 54
	d |= boolBit(s.Gran) << 55
	d |= (s.Base >> 24 & 0xFF) << 56
	return Descriptor(d)
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Lines renders the two report lines for a decoded code segment.
func (s Soft) Lines() [2]string {
	return [2]string{
		fmt.Sprintf("code segment\t\t= base 0x%x, limit 0x%x, type 0x%x", s.Base, s.Limit, s.Type),
		fmt.Sprintf("\t\t\t= DPL %d, pres %d, long %d, def32 %d, gran %d",
			s.DPL, boolBit(s.P), boolBit(s.Long), boolBit(s.Def32), boolBit(s.Gran)),
	}
}

// Parse reads a raw descriptor word in any strconv base-0 form.
func Parse(s string) (Descriptor, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid descriptor %q: %w", s, err)
	}
	return Descriptor(v), nil
}
