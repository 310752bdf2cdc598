// Package trap names hardware trap numbers and decodes the status words that
// accompany them.
package trap

import (
	"fmt"
	"strings"
)

// Code is a trap number as pushed by the low-level trap entry.
type Code uint32

// Trap numbers with a message in the table.
const (
	PrivInflt  Code = 1  // privileged instruction
	BptFlt     Code = 3  // breakpoint instruction
	ArithTrap  Code = 6  // arithmetic trap
	ProtFlt    Code = 9  // general protection
	TrcTrap    Code = 10 // debug exception (single step)
	PageFlt    Code = 12 // page fault
	AlignFlt   Code = 14 // alignment fault
	Divide     Code = 18 // integer divide fault
	NMI        Code = 19 // non-maskable interrupt
	Oflow      Code = 20 // overflow trap
	Bound      Code = 21 // bound instruction fault
	DNA        Code = 22 // device not available fault
	DoubleFlt  Code = 23 // double fault
	FPOpFlt    Code = 24 // fp coprocessor operand fetch fault
	TSSFlt     Code = 25 // invalid tss fault
	SegNPFlt   Code = 26 // segment not present fault
	StkFlt     Code = 27 // stack fault
	MChk       Code = 28 // machine check trap
	XMMFlt     Code = 29 // SIMD floating-point exception
	Reserved   Code = 30 // reserved (unknown)
	DTraceRet  Code = 32 // DTrace pid return
	DTraceProb Code = 33 // DTrace fasttrap probe
)

// Unknown is reported for trap numbers outside the table.
const Unknown = "unknown/reserved trap"

var messages = [...]string{
	0:          "",
	PrivInflt:  "privileged instruction fault",
	2:          "",
	BptFlt:     "breakpoint instruction fault",
	4:          "",
	5:          "",
	ArithTrap:  "arithmetic trap",
	7:          "",
	8:          "",
	ProtFlt:    "general protection fault",
	TrcTrap:    "trace trap",
	11:         "",
	PageFlt:    "page fault",
	13:         "",
	AlignFlt:   "alignment fault",
	15:         "",
	16:         "",
	17:         "",
	Divide:     "integer divide fault",
	NMI:        "non-maskable interrupt trap",
	Oflow:      "overflow trap",
	Bound:      "FPU bounds check fault",
	DNA:        "FPU device not available",
	DoubleFlt:  "double fault",
	FPOpFlt:    "FPU operand fetch fault",
	TSSFlt:     "invalid TSS fault",
	SegNPFlt:   "segment not present fault",
	StkFlt:     "stack fault",
	MChk:       "machine check trap",
	XMMFlt:     "SIMD floating-point exception",
	Reserved:   "reserved (unknown) fault",
	31:         "",
	DTraceRet:  "DTrace pid return trap",
	DTraceProb: "DTrace fasttrap probe trap",
}

// TableSize is the number of trap numbers with a table entry.
const TableSize = len(messages)

// Classify returns the message for c. Numbers the table reserves map to "";
// numbers past the end map to Unknown.
func Classify(c Code) string {
	if uint64(c) >= uint64(len(messages)) {
		return Unknown
	}
	return messages[c]
}

// Known reports whether c has a table entry, even an empty one.
func Known(c Code) bool {
	return uint64(c) < uint64(len(messages))
}

// String returns the trap message, or "trap <n>" for reserved and unknown
// numbers.
func (c Code) String() string {
	if msg := Classify(c); msg != "" && msg != Unknown {
		return msg
	}
	return fmt.Sprintf("trap %d", uint32(c))
}

// Page-fault error code bits.
const (
	PGExP PageFaultCode = 0x01 // protection violation (else not present)
	PGExW PageFaultCode = 0x02 // write (else read)
	PGExU PageFaultCode = 0x04 // user mode (else supervisor)
	PGExI PageFaultCode = 0x10 // instruction fetch (else data)
)

// PageFaultCode is the error code pushed with a page fault.
type PageFaultCode uint64

// String renders the four-part access description, e.g.
// "supervisor write data, protection violation".
func (e PageFaultCode) String() string {
	pick := func(bit PageFaultCode, set, clear string) string {
		if e&bit != 0 {
			return set
		}
		return clear
	}
	return fmt.Sprintf("%s %s %s, %s",
		pick(PGExU, "user", "supervisor"),
		pick(PGExW, "write", "read"),
		pick(PGExI, "instruction", "data"),
		pick(PGExP, "protection violation", "page not present"))
}

// Processor flag bits.
const (
	PSLT    Flags = 0x0000_0100 // trace enable
	PSLI    Flags = 0x0000_0200 // interrupt enable
	PSLIOPL Flags = 0x0000_3000 // I/O privilege level
	PSLNT   Flags = 0x0000_4000 // nested task
	PSLRF   Flags = 0x0001_0000 // resume
)

// Flags is the processor flags word.
type Flags uint64

// IOPL returns the I/O privilege level.
func (f Flags) IOPL() uint64 { return uint64(f&PSLIOPL) >> 12 }

// Describe renders the flags the way the fault log prints them, e.g.
// "interrupt enabled, resume, IOPL = 0".
func (f Flags) Describe() string {
	var sb strings.Builder
	if f&PSLT != 0 {
		sb.WriteString("trace trap, ")
	}
	if f&PSLI != 0 {
		sb.WriteString("interrupt enabled, ")
	}
	if f&PSLNT != 0 {
		sb.WriteString("nested task, ")
	}
	if f&PSLRF != 0 {
		sb.WriteString("resume, ")
	}
	fmt.Fprintf(&sb, "IOPL = %d", f.IOPL())
	return sb.String()
}
