package unwind

import (
	"testing"

	"trapdump/internal/addr"
)

func TestGuardRestoresOnce(t *testing.T) {
	p := &CountingPager{}
	g := Suspend(p)
	if !p.Suspended() {
		t.Fatal("faults not suspended after Suspend")
	}
	g.Release()
	g.Release()
	if p.Suspended() {
		t.Error("faults still suspended after Release")
	}
	if d, e := p.Counts(); d != 1 || e != 1 {
		t.Errorf("Counts() = %d, %d; want 1, 1", d, e)
	}
}

func TestGuardNested(t *testing.T) {
	p := &CountingPager{}
	outer := Suspend(p)
	inner := Suspend(p)
	if inner.Saved() != 1 {
		t.Errorf("inner saved = %d, want 1", inner.Saved())
	}
	inner.Release()
	if !p.Suspended() {
		t.Error("inner release re-enabled faults")
	}
	outer.Release()
	if p.Suspended() {
		t.Error("outer release left faults suspended")
	}
}

func TestGuardNilPager(t *testing.T) {
	g := Suspend(nil)
	g.Release()
	var none *Guard
	none.Release()
}

func TestGuardReleasedAfterEarlyStop(t *testing.T) {
	a := stackTop - 0x100
	img := buildChain(t, []addr.Address{a}, []addr.Address{1}, a)
	p := &CountingPager{}
	w := NewWalker(img)

	func() {
		g := Suspend(p)
		defer g.Release()
		for range w.Walk(a) {
			break
		}
	}()
	if p.Suspended() {
		t.Error("faults left suspended after early stop")
	}
	if d, e := p.Counts(); d != 1 || e != 1 {
		t.Errorf("Counts() = %d, %d; want 1, 1", d, e)
	}
}
