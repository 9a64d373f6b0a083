// Package approval owns the lifecycle of escalated requests: a pending task
// per escalation, a terminal human decision or expiry, and nothing after
// that. Decisions are linearized per task with a compare-and-set on state.
package approval

import (
	"time"

	id "agentgate/pkg/domain"
)

// State is the lifecycle state of an approval task.
// pending is initial; the other three are terminal and final.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool { return s != StatePending }

// Outcome is an operator's decision on a pending task.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeDeny    Outcome = "deny"
)

// Task is one escalated request awaiting a human decision.
type Task struct {
	ID id.TaskID
	// RecordID is the interaction record that logged the escalation.
	RecordID id.RecordID
	OrgID    id.OrgID
	// Role is the approver role the task is assigned to.
	Role string

	State     State
	CreatedAt time.Time
	ExpiresAt time.Time

	DecidedBy string
	DecidedAt *time.Time
	Reason    string
}

// EffectiveState computes the state as of now. A pending task past its
// deadline reads as expired even before the sweeper has persisted the
// transition; readers must never trust stale pending state near the boundary.
func (t *Task) EffectiveState(now time.Time) State {
	if t.State == StatePending && !now.Before(t.ExpiresAt) {
		return StateExpired
	}
	return t.State
}
