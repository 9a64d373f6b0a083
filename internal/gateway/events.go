package gateway

import (
	"context"
	"time"
)

// EventKind labels the lifecycle moments published for downstream plumbing.
type EventKind string

const (
	EventDecision        EventKind = "decision"
	EventApprovalCreated EventKind = "approval_created"
	EventApprovalDecided EventKind = "approval_decided"
	EventApprovalExpired EventKind = "approval_expired"
)

// Event is the wire form of a gateway lifecycle event. Events are
// best-effort plumbing for notification fan-out; the audit chain stays the
// source of truth.
type Event struct {
	Kind     EventKind `json:"kind"`
	OrgID    string    `json:"org_id"`
	AgentID  string    `json:"agent_id,omitempty"`
	Action   string    `json:"action,omitempty"`
	Decision string    `json:"decision,omitempty"`
	RecordID string    `json:"record_id,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher emits gateway events. Implementations must not block the request
// path beyond their own internal timeouts; publish failures are logged and
// swallowed by the caller.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
