package tilesync

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

const DefaultMinInterval = 10 * time.Second

// RefreshGate enforces a minimum interval between successful refreshes.
// Failed attempts do not advance it, so the next trigger may retry at once.
type RefreshGate struct {
	clock       quartz.Clock
	minInterval time.Duration

	mu      sync.Mutex
	lastRun time.Time
}

func NewRefreshGate(clock quartz.Clock, minInterval time.Duration) *RefreshGate {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &RefreshGate{clock: clock, minInterval: minInterval}
}

// Allow reports whether enough time has passed since the last success.
func (g *RefreshGate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRun.IsZero() || g.clock.Since(g.lastRun) >= g.minInterval
}

// Remaining is how long until Allow turns true.
func (g *RefreshGate) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastRun.IsZero() {
		return 0
	}
	if d := g.minInterval - g.clock.Since(g.lastRun); d > 0 {
		return d
	}
	return 0
}

func (g *RefreshGate) MarkSuccess() {
	g.mu.Lock()
	g.lastRun = g.clock.Now()
	g.mu.Unlock()
}

func (g *RefreshGate) LastRun() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRun
}
