package store

import (
	"context"
	"sync"

	"agentgate/internal/agent"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// InMemoryStore backs the agent lookup for development and tests.
type InMemoryStore struct {
	mu     sync.RWMutex
	agents map[id.AgentID]agent.Agent
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{agents: make(map[id.AgentID]agent.Agent)}
}

// Put registers or replaces an agent. Test/dev seeding only; production
// lookups go through the Postgres store fed by the registry.
func (s *InMemoryStore) Put(a agent.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

func (s *InMemoryStore) Lookup(_ context.Context, agentID id.AgentID) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "agent %s not found", agentID)
	}
	return &a, nil
}
