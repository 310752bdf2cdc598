// Package unwind reconstructs a call chain by following saved frame pointers.
//
// The walk is heuristic. Every candidate frame pointer is screened with
// addr.IsKernelStack before it is read, reads go through a memory.Reader that
// reports errors instead of faulting, and a depth cap stops chains that loop
// inside the stack band.
package unwind

import (
	"fmt"
	"iter"

	"trapdump/internal/addr"
	"trapdump/internal/memory"
)

// DefaultMaxDepth bounds a walk when Walker.MaxDepth is zero.
const DefaultMaxDepth = 256

// Frame is one reconstructed link of the call chain.
type Frame struct {
	Index         int
	ReturnAddress addr.Address
	FramePointer  addr.Address // address of this frame record
	Link          addr.Address // caller's frame pointer as stored in the record
}

// String renders the frame the way the fault log prints it.
func (f Frame) String() string {
	return fmt.Sprintf("[%d] [r: %s] [f:%s]", f.Index, f.ReturnAddress, f.FramePointer)
}

// StopReason explains why a walk ended.
type StopReason uint8

const (
	StopNone       StopReason = iota // walk still running or consumer stopped early
	StopNull                         // null frame pointer
	StopOutOfBand                    // frame pointer failed the stack-band check
	StopReadFailed                   // frame record could not be read
	StopDepth                        // depth cap reached
)

// String returns the string representation of StopReason.
func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopNull:
		return "null frame pointer"
	case StopOutOfBand:
		return "frame pointer outside kernel stack"
	case StopReadFailed:
		return "frame record unreadable"
	case StopDepth:
		return "depth limit reached"
	default:
		return "unknown"
	}
}

// Classifier decides whether a frame pointer may be dereferenced.
type Classifier func(addr.Address) bool

// Walker follows an amd64-style frame chain: each record holds the caller's
// frame pointer at offset 0 and the return address at offset 8. A Walker
// keeps the outcome of its last walk and must not be shared between
// goroutines.
type Walker struct {
	Mem      memory.Reader
	MaxDepth int        // 0 means DefaultMaxDepth
	Accept   Classifier // nil means addr.IsKernelStack

	stop    StopReason
	stopErr error
	stopAt  addr.Address
}

// NewWalker returns a walker over mem with the default bound and classifier.
func NewWalker(mem memory.Reader) *Walker {
	return &Walker{Mem: mem}
}

func (w *Walker) maxDepth() int {
	if w.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return w.MaxDepth
}

func (w *Walker) accept(p addr.Address) bool {
	if w.Accept == nil {
		return addr.IsKernelStack(p)
	}
	return w.Accept(p)
}

// Walk returns a lazy, single-use sequence of frames starting at fp,
// innermost first. The sequence reads live memory as it advances, so it must
// not be iterated twice.
func (w *Walker) Walk(fp addr.Address) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		w.stop, w.stopErr, w.stopAt = StopNone, nil, fp
		if fp.IsNull() {
			w.stop = StopNull
			return
		}
		limit := w.maxDepth()
		for i := 0; ; i++ {
			if i >= limit {
				w.stop, w.stopAt = StopDepth, fp
				return
			}
			if !w.accept(fp) {
				w.stop, w.stopAt = StopOutOfBand, fp
				return
			}
			link, err := w.Mem.ReadWord(fp)
			if err != nil {
				w.stop, w.stopErr, w.stopAt = StopReadFailed, err, fp
				return
			}
			ret, err := w.Mem.ReadWord(fp.Add(memory.WordSize))
			if err != nil {
				w.stop, w.stopErr, w.stopAt = StopReadFailed, err, fp
				return
			}
			f := Frame{
				Index:         i,
				ReturnAddress: addr.Address(ret),
				FramePointer:  fp,
				Link:          addr.Address(link),
			}
			if !yield(f) {
				return
			}
			fp = f.Link
		}
	}
}

// Stopped reports why the most recent walk ended, the frame pointer it
// stopped at and, for StopReadFailed, the read error.
func (w *Walker) Stopped() (StopReason, addr.Address, error) {
	return w.stop, w.stopAt, w.stopErr
}

// Collect drains a walk into a slice.
func (w *Walker) Collect(fp addr.Address) []Frame {
	var out []Frame
	for f := range w.Walk(fp) {
		out = append(out, f)
	}
	return out
}
