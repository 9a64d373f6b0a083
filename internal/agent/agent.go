// Package agent is the read model over the external agent registry. The
// gateway only ever looks agents up; registration and suspension happen in
// the registry service that owns them.
package agent

import (
	"context"

	id "agentgate/pkg/domain"
)

// Status is the registry-reported lifecycle state of an agent.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Agent is the identity capability tokens are issued to.
type Agent struct {
	ID     id.AgentID
	OrgID  id.OrgID
	Name   string
	Status Status
}

// Active reports whether the agent may currently request actions. Anything
// other than active is an automatic denial before policy evaluation.
func (a *Agent) Active() bool { return a.Status == StatusActive }

// Lookup resolves agents by ID.
type Lookup interface {
	Lookup(ctx context.Context, agentID id.AgentID) (*Agent, error)
}
