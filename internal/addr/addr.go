// Package addr models virtual addresses seen by the fault reporter.
//
// Addresses are opaque 64-bit values. Nothing in this package dereferences
// them; reads go through internal/memory.
package addr

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a virtual address on the faulting machine.
type Address uint64

const (
	// KernelStackMask selects the bits that identify the kernel stack band.
	// The top 33 bits take part in the comparison.
	KernelStackMask Address = 0xFFFF_FFFF_8000_0000
	// KernelStackBase is the canonical high-half prefix of kernel stacks.
	KernelStackBase Address = 0xFFFF_FF80_0000_0000
)

// IsKernelStack reports whether p lies in the band reserved for
// privileged-mode stacks. It never touches memory: a true result means the
// pointer is plausible, not that it is mapped.
func IsKernelStack(p Address) bool {
	return p&KernelStackMask == KernelStackBase
}

// IsNull reports whether p is the zero address.
func (p Address) IsNull() bool { return p == 0 }

// Add returns p advanced by off bytes, wrapping on overflow like the hardware.
func (p Address) Add(off uint64) Address { return p + Address(off) }

// Sub returns the wrapping difference p - q.
func (p Address) Sub(q Address) Address { return p - q }

// String formats the address as 0x-prefixed lowercase hex.
func (p Address) String() string {
	return "0x" + strconv.FormatUint(uint64(p), 16)
}

// Parse accepts decimal, 0x-prefixed hex, 0o octal and 0b binary forms.
// Underscores are allowed as digit separators.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(v), nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Address) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so addresses can be
// written as strings in TOML, where hex integers above 2^63 are rejected.
func (p *Address) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
