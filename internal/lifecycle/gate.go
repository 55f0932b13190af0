package lifecycle

import (
	"sync"
	"time"
)

// InstallGate hands out at most one install grant per period so that a rack
// booting at once does not download and unpack the OS image in a burst. A
// zero period grants every request.
type InstallGate struct {
	period time.Duration
	now    func() time.Time

	mu     sync.Mutex
	holder string
	until  time.Time
}

// NewInstallGate returns a gate granting once per period.
func NewInstallGate(period time.Duration, opts ...func(*InstallGate)) *InstallGate {
	g := &InstallGate{period: period, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithGateClock replaces time.Now as the gate's time source.
func WithGateClock(now func() time.Time) func(*InstallGate) {
	return func(g *InstallGate) { g.now = now }
}

// Acquire grants the lock to requester unless another grant is still held,
// in which case it returns false and the current holder.
func (g *InstallGate) Acquire(requester string) (granted bool, holder string) {
	if g == nil || g.period <= 0 {
		return true, ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.holder != "" && now.Before(g.until) {
		return false, g.holder
	}
	g.holder = requester
	g.until = now.Add(g.period)
	return true, ""
}
