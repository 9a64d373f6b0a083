// Package revocation maintains the capability token revocation list. Entries
// carry a TTL matching the token's remaining lifetime; once the token would
// have expired anyway the entry is garbage.
package revocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	id "agentgate/pkg/domain"
)

// InMemoryList is the single-process revocation list used in development and
// tests. Distributed deployments use RedisList.
type InMemoryList struct {
	mu      sync.RWMutex
	revoked map[id.TokenID]time.Time
	// agents maps agent ID to (cutoff, entry expiry): tokens issued at or
	// before the cutoff are revoked.
	agents map[id.AgentID][2]time.Time
	clock  func() time.Time
}

// InMemoryOption configures an InMemoryList.
type InMemoryOption func(*InMemoryList)

// WithClock sets the time source for expiry checks.
func WithClock(clock func() time.Time) InMemoryOption {
	return func(l *InMemoryList) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func NewInMemoryList(opts ...InMemoryOption) *InMemoryList {
	l := &InMemoryList{
		revoked: make(map[id.TokenID]time.Time),
		agents:  make(map[id.AgentID][2]time.Time),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *InMemoryList) Revoke(_ context.Context, tokenID id.TokenID, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revoked[tokenID] = l.clock().Add(ttl)
	return nil
}

func (l *InMemoryList) IsRevoked(_ context.Context, tokenID id.TokenID) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	until, ok := l.revoked[tokenID]
	if !ok {
		return false, nil
	}
	return l.clock().Before(until), nil
}

// RevokeAgent marks every token the agent holds at the cutoff as revoked.
// Tokens issued after the cutoff are unaffected.
func (l *InMemoryList) RevokeAgent(_ context.Context, agentID id.AgentID, cutoff time.Time, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[agentID] = [2]time.Time{cutoff, l.clock().Add(ttl)}
	return nil
}

// AgentRevokedAt returns the agent's revocation cutoff, zero when none is in
// effect.
func (l *InMemoryList) AgentRevokedAt(_ context.Context, agentID id.AgentID) (time.Time, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.agents[agentID]
	if !ok || !l.clock().Before(entry[1]) {
		return time.Time{}, nil
	}
	return entry[0], nil
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("revocation ttl must be positive")
	}
	return nil
}
