// Package usage tracks per-agent action counts and spend inside trailing
// windows. The policy engine treats these totals as external inputs; the
// gateway records into them after each approved execution.
package usage

import (
	"context"
	"sync"
	"time"

	id "agentgate/pkg/domain"
)

// retention bounds how far back any budget or rate window can reach. Entries
// older than this are pruned on write.
const retention = 31 * 24 * time.Hour

type entry struct {
	at   time.Time
	cost float64
}

// InMemoryTracker is the single-process sliding-window usage tracker used in
// development and tests. Distributed deployments use RedisTracker.
type InMemoryTracker struct {
	mu      sync.RWMutex
	entries map[id.AgentID][]entry
	clock   func() time.Time
}

// InMemoryOption configures an InMemoryTracker.
type InMemoryOption func(*InMemoryTracker)

// WithClock sets the time source for window math.
func WithClock(clock func() time.Time) InMemoryOption {
	return func(t *InMemoryTracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func NewInMemoryTracker(opts ...InMemoryOption) *InMemoryTracker {
	t := &InMemoryTracker{
		entries: make(map[id.AgentID][]entry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record adds one action with the given cost to the agent's history.
func (t *InMemoryTracker) Record(_ context.Context, agentID id.AgentID, cost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	kept := t.entries[agentID][:0]
	for _, e := range t.entries[agentID] {
		if now.Sub(e.at) < retention {
			kept = append(kept, e)
		}
	}
	t.entries[agentID] = append(kept, entry{at: now, cost: cost})
	return nil
}

func (t *InMemoryTracker) SpendInWindow(_ context.Context, agentID id.AgentID, window time.Duration) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := t.clock().Add(-window)
	var total float64
	for _, e := range t.entries[agentID] {
		if e.at.After(cutoff) {
			total += e.cost
		}
	}
	return total, nil
}

func (t *InMemoryTracker) ActionCount(_ context.Context, agentID id.AgentID, window time.Duration) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := t.clock().Add(-window)
	count := 0
	for _, e := range t.entries[agentID] {
		if e.at.After(cutoff) {
			count++
		}
	}
	return count, nil
}
