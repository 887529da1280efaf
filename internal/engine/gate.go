package engine

import "sync"

// Gate is the single global switch that pauses outbound replication. The
// worker and the catch-up scheduler both consult it at the top of every
// iteration; capture is never gated, so changes accumulate in the queue while
// it is closed and flow again the moment it reopens.
type Gate struct {
	mu      sync.Mutex
	enabled bool
}

func NewGate(enabled bool) *Gate {
	return &Gate{enabled: enabled}
}

func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

func (g *Gate) Enable() {
	g.mu.Lock()
	g.enabled = true
	g.mu.Unlock()
}

func (g *Gate) Disable() {
	g.mu.Lock()
	g.enabled = false
	g.mu.Unlock()
}
