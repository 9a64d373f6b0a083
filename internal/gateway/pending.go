package gateway

import (
	"context"
	"time"

	id "agentgate/pkg/domain"
)

// PendingAction is the escalated request held back until an operator
// decides. Records carry only the parameter hash, so the parameters
// themselves live here until execution or expiry.
type PendingAction struct {
	TaskID    id.TaskID      `json:"task_id"`
	RecordID  id.RecordID    `json:"record_id"`
	OrgID     id.OrgID       `json:"org_id"`
	AgentID   id.AgentID     `json:"agent_id"`
	Action    string         `json:"action"`
	ParamHash string         `json:"param_hash"`
	Params    map[string]any `json:"params,omitempty"`
}

// PendingStore holds escalated requests keyed by approval task. Take removes
// and returns an entry atomically; exactly one caller gets it, which is what
// keeps the terminal follow-up record per task to at most one even when an
// operator decision races the expiry sweeper.
type PendingStore interface {
	Put(ctx context.Context, action PendingAction, ttl time.Duration) error

	// Take claims the entry for taskID, removing it. Returns a CodeNotFound
	// error when the entry is absent or already claimed.
	Take(ctx context.Context, taskID id.TaskID) (*PendingAction, error)
}
