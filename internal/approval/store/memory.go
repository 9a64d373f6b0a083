package store

import (
	"context"
	"sync"
	"time"

	"agentgate/internal/approval"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// InMemoryStore backs the approval state machine for development and tests.
// The mutex makes TransitionFromPending a true compare-and-set: state is
// checked and written under the same critical section.
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[id.TaskID]approval.Task
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tasks: make(map[id.TaskID]approval.Task)}
}

func (s *InMemoryStore) Create(_ context.Context, task approval.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return dErrors.Newf(dErrors.CodeConflict, "task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, taskID id.TaskID) (*approval.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, approval.ErrNotFound
	}
	return &task, nil
}

func (s *InMemoryStore) TransitionFromPending(_ context.Context, taskID id.TaskID, to approval.State, decidedBy string, decidedAt time.Time, reason string) (*approval.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, approval.ErrNotFound
	}
	if task.State != approval.StatePending {
		return nil, dErrors.Newf(dErrors.CodeConflict, "task %s is %s, not pending", taskID, task.State)
	}

	task.State = to
	task.DecidedBy = decidedBy
	task.Reason = reason
	if to != approval.StateExpired {
		at := decidedAt
		task.DecidedAt = &at
	}
	s.tasks[taskID] = task
	return &task, nil
}

func (s *InMemoryStore) ListPending(_ context.Context, orgID id.OrgID) ([]approval.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []approval.Task
	for _, task := range s.tasks {
		if task.OrgID == orgID && task.State == approval.StatePending {
			pending = append(pending, task)
		}
	}
	return pending, nil
}

func (s *InMemoryStore) ListOverdue(_ context.Context, now time.Time) ([]approval.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var overdue []approval.Task
	for _, task := range s.tasks {
		if task.State == approval.StatePending && !now.Before(task.ExpiresAt) {
			overdue = append(overdue, task)
		}
	}
	return overdue, nil
}
