package unwind

import "sync"

// Pager controls page-fault delivery on the faulting CPU. Disable returns a
// token describing the prior state; Enable restores it.
type Pager interface {
	DisablePageFaults() int
	EnablePageFaults(saved int)
}

// Guard holds page faults suspended until Release is called. The usual
// shape is:
//
//	g := unwind.Suspend(p)
//	defer g.Release()
type Guard struct {
	pager Pager
	saved int
	once  sync.Once
}

// Suspend disables page faults through p and returns the guard restoring
// them. A nil pager yields a guard whose Release does nothing.
func Suspend(p Pager) *Guard {
	g := &Guard{pager: p}
	if p != nil {
		g.saved = p.DisablePageFaults()
	}
	return g
}

// Release restores the state captured by Suspend. Only the first call has
// an effect.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.pager != nil {
			g.pager.EnablePageFaults(g.saved)
		}
	})
}

// Saved returns the token the pager returned when faults were disabled.
func (g *Guard) Saved() int { return g.saved }

// CountingPager is a Pager that only tracks nesting depth. It stands in for
// the real fault path when a walk runs against a memory snapshot.
type CountingPager struct {
	mu       sync.Mutex
	depth    int
	disables int
	enables  int
}

// DisablePageFaults implements Pager.
func (p *CountingPager) DisablePageFaults() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	saved := p.depth
	p.depth++
	p.disables++
	return saved
}

// EnablePageFaults implements Pager.
func (p *CountingPager) EnablePageFaults(saved int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depth = saved
	p.enables++
}

// Counts returns how many times faults were disabled and re-enabled.
func (p *CountingPager) Counts() (disables, enables int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disables, p.enables
}

// Suspended reports whether faults are currently disabled.
func (p *CountingPager) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depth > 0
}
