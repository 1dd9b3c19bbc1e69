// Package nodehealth tracks liveness of mesh nodes from their heartbeats
// and emits node.online / node.offline transitions on the bus.
package nodehealth

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/signal"
)

// DefaultStaleAfter marks a node offline when no heartbeat arrives within
// this window.
const DefaultStaleAfter = 90 * time.Second

// Node is the tracked state of one mesh node.
type Node struct {
	Name     string    `json:"name"`
	Org      string    `json:"org"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// Tracker is the in-memory node table behind /v1/status.
type Tracker struct {
	bus        *signal.Bus
	logger     *zap.Logger
	staleAfter time.Duration

	mu    sync.RWMutex
	nodes map[string]*Node
}

// New creates a tracker. staleAfter <= 0 selects the default.
func New(bus *signal.Bus, logger *zap.Logger, staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Tracker{
		bus:        bus,
		logger:     logger,
		staleAfter: staleAfter,
		nodes:      make(map[string]*Node),
	}
}

// Heartbeat records a node as alive. A first heartbeat, or one from a node
// previously marked offline, emits node.online.
func (t *Tracker) Heartbeat(name, org string) {
	now := time.Now().UTC()

	t.mu.Lock()
	n, ok := t.nodes[name]
	cameOnline := false
	if !ok {
		n = &Node{Name: name, Org: org}
		t.nodes[name] = n
		cameOnline = true
	} else if !n.Online {
		cameOnline = true
	}
	n.Online = true
	n.LastSeen = now
	if org != "" {
		n.Org = org
	}
	t.mu.Unlock()

	if cameOnline {
		t.bus.Publish(signal.New(signal.NodeOnline, name, n.Org, map[string]any{
			"node": name,
		}))
		t.logger.Info("node online", zap.String("node", name), zap.String("org", n.Org))
	}
}

// Sweep marks stale nodes offline and returns how many transitioned.
func (t *Tracker) Sweep() int {
	cutoff := time.Now().UTC().Add(-t.staleAfter)

	t.mu.Lock()
	var offline []*Node
	for _, n := range t.nodes {
		if n.Online && n.LastSeen.Before(cutoff) {
			n.Online = false
			offline = append(offline, n)
		}
	}
	t.mu.Unlock()

	for _, n := range offline {
		t.bus.Publish(signal.New(signal.NodeOffline, n.Name, n.Org, map[string]any{
			"node":      n.Name,
			"last_seen": n.LastSeen.Format(time.RFC3339),
		}))
		t.logger.Warn("node offline", zap.String("node", n.Name))
	}
	return len(offline)
}

// Run sweeps on an interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = t.staleAfter / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Snapshot returns all tracked nodes sorted by name.
func (t *Tracker) Snapshot() []Node {
	t.mu.RLock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, *n)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnlineCount reports how many nodes are currently online.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, node := range t.nodes {
		if node.Online {
			n++
		}
	}
	return n
}
