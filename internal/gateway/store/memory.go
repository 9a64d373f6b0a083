package store

import (
	"context"
	"sync"
	"time"

	"agentgate/internal/gateway"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// InMemoryPendingStore holds escalated requests in process memory. Used in
// development and tests; entries do not survive a restart.
type InMemoryPendingStore struct {
	mu      sync.Mutex
	entries map[id.TaskID]gateway.PendingAction
}

func NewInMemoryPendingStore() *InMemoryPendingStore {
	return &InMemoryPendingStore{entries: make(map[id.TaskID]gateway.PendingAction)}
}

func (s *InMemoryPendingStore) Put(_ context.Context, action gateway.PendingAction, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[action.TaskID] = action
	return nil
}

func (s *InMemoryPendingStore) Take(_ context.Context, taskID id.TaskID) (*gateway.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	action, ok := s.entries[taskID]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "pending action for task %s not found", taskID)
	}
	delete(s.entries, taskID)
	return &action, nil
}
