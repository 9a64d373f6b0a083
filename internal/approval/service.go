package approval

import (
	"context"
	"log/slog"
	"time"

	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// Decision failure modes.
var (
	ErrNotFound = dErrors.New(dErrors.CodeNotFound, "approval task not found")
	// ErrAlreadyDecided rejects a second decision on a decided task;
	// decisions are not idempotent retries.
	ErrAlreadyDecided = dErrors.New(dErrors.CodeConflict, "approval task already decided")
	// ErrExpired rejects decisions past the task deadline.
	ErrExpired = dErrors.New(dErrors.CodeConflict, "approval task has expired")
)

// Store persists approval tasks. TransitionFromPending is the linearization
// point: it must atomically move a task out of pending and fail with a
// conflict when the task is no longer pending.
type Store interface {
	Create(ctx context.Context, task Task) error
	Get(ctx context.Context, taskID id.TaskID) (*Task, error)

	// TransitionFromPending compare-and-sets state from pending to `to`,
	// recording decider and time. Returns the updated task, or a
	// CodeConflict error when the task has already left pending.
	TransitionFromPending(ctx context.Context, taskID id.TaskID, to State, decidedBy string, decidedAt time.Time, reason string) (*Task, error)

	ListPending(ctx context.Context, orgID id.OrgID) ([]Task, error)

	// ListOverdue returns pending tasks whose deadline has passed, for the
	// expiry sweeper.
	ListOverdue(ctx context.Context, now time.Time) ([]Task, error)
}

// Service is the approval state machine.
type Service struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "approval store is required")
	}
	s := &Service{store: store, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create opens a pending task for an escalated interaction record.
func (s *Service) Create(ctx context.Context, recordID id.RecordID, orgID id.OrgID, role string, ttl time.Duration) (*Task, error) {
	if role == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "approver role is required")
	}
	if ttl <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "ttl must be positive")
	}

	now := s.clock()
	task := Task{
		ID:        id.NewTaskID(),
		RecordID:  recordID,
		OrgID:     orgID,
		Role:      role,
		State:     StatePending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create approval task")
	}
	return &task, nil
}

// Get returns the task with expiry computed as of now.
func (s *Service) Get(ctx context.Context, taskID id.TaskID) (*Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.State = task.EffectiveState(s.clock())
	return task, nil
}

// Decide applies an operator decision. Exactly one concurrent decision on a
// task can succeed; losers get ErrAlreadyDecided. A decision attempted after
// the deadline transitions the task to expired as a side effect and returns
// ErrExpired.
func (s *Service) Decide(ctx context.Context, taskID id.TaskID, operatorID string, outcome Outcome, reason string) (*Task, error) {
	if operatorID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "operator_id is required")
	}
	if outcome != OutcomeApprove && outcome != OutcomeDeny {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown outcome %q", outcome)
	}

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := s.clock()

	if task.State.Terminal() {
		return nil, ErrAlreadyDecided
	}
	if task.EffectiveState(now) == StateExpired {
		// Persist the expiry the failed attempt just observed. Losing this
		// CAS means someone else decided or expired it first; either way the
		// operator's decision does not land.
		if _, casErr := s.store.TransitionFromPending(ctx, taskID, StateExpired, "", now, "expired before decision"); casErr != nil && !dErrors.HasCode(casErr, dErrors.CodeConflict) {
			return nil, casErr
		}
		return nil, ErrExpired
	}

	to := StateApproved
	if outcome == OutcomeDeny {
		to = StateDenied
	}

	updated, err := s.store.TransitionFromPending(ctx, taskID, to, operatorID, now, reason)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			return nil, ErrAlreadyDecided
		}
		return nil, err
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "approval task decided",
			"task_id", taskID.String(), "outcome", string(outcome), "operator_id", operatorID)
	}
	return updated, nil
}

// ListPending returns the organization's open tasks. Tasks past their
// deadline are reported as expired and filtered out even if the sweeper has
// not persisted the transition yet.
func (s *Service) ListPending(ctx context.Context, orgID id.OrgID) ([]Task, error) {
	tasks, err := s.store.ListPending(ctx, orgID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list pending approvals")
	}
	now := s.clock()
	open := tasks[:0]
	for _, t := range tasks {
		if t.EffectiveState(now) == StatePending {
			open = append(open, t)
		}
	}
	return open, nil
}

// Sweep persists the expired state for overdue pending tasks and returns
// them so the orchestrator can log terminal outcomes. Tasks that lose the
// CAS to a concurrent decision are skipped.
func (s *Service) Sweep(ctx context.Context) ([]Task, error) {
	now := s.clock()
	overdue, err := s.store.ListOverdue(ctx, now)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list overdue approvals")
	}

	var expired []Task
	for _, t := range overdue {
		updated, err := s.store.TransitionFromPending(ctx, t.ID, StateExpired, "", now, "approval window elapsed")
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeConflict) {
				continue
			}
			return expired, err
		}
		expired = append(expired, *updated)
	}

	if len(expired) > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "expired overdue approval tasks", "count", len(expired))
	}
	return expired, nil
}
