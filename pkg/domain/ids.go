// Package domain holds the typed identifiers shared across services.
// Distinct types keep an OrgID from ever being passed where a TaskID is
// expected; the compiler enforces what code review would otherwise have to.
package domain

import (
	"github.com/google/uuid"

	dErrors "agentgate/pkg/domain-errors"
)

// OrgID identifies an organization. Every rule set, approval task, and audit
// chain is scoped to exactly one organization.
type OrgID uuid.UUID

// TaskID identifies an approval task.
type TaskID uuid.UUID

// RecordID identifies one interaction record in an organization's chain.
type RecordID uuid.UUID

// APIKeyID identifies an operator API key.
type APIKeyID uuid.UUID

// AgentID identifies an agent. Agent IDs are issued by the external registry
// and are opaque strings, not UUIDs.
type AgentID string

// TokenID identifies an issued capability token ("cap-" prefixed).
type TokenID string

func (id OrgID) String() string    { return uuid.UUID(id).String() }
func (id TaskID) String() string   { return uuid.UUID(id).String() }
func (id RecordID) String() string { return uuid.UUID(id).String() }
func (id APIKeyID) String() string { return uuid.UUID(id).String() }

func (id OrgID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id TaskID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id RecordID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id APIKeyID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id AgentID) IsEmpty() bool { return id == "" }
func (id TokenID) IsEmpty() bool { return id == "" }

// NewTaskID allocates a fresh task identifier.
func NewTaskID() TaskID { return TaskID(uuid.New()) }

// NewRecordID allocates a fresh record identifier.
func NewRecordID() RecordID { return RecordID(uuid.New()) }

// NewAPIKeyID allocates a fresh API key identifier.
func NewAPIKeyID() APIKeyID { return APIKeyID(uuid.New()) }

// ParseOrgID parses and validates an organization ID at a trust boundary.
func ParseOrgID(s string) (OrgID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return OrgID{}, err
	}
	return OrgID(u), nil
}

// ParseTaskID parses and validates an approval task ID at a trust boundary.
func ParseTaskID(s string) (TaskID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return TaskID{}, err
	}
	return TaskID(u), nil
}

// ParseRecordID parses and validates an interaction record ID.
func ParseRecordID(s string) (RecordID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return RecordID{}, err
	}
	return RecordID(u), nil
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "id is not a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be the nil UUID")
	}
	return u, nil
}
