package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"agentgate/internal/agent"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// PostgresStore reads agents from the registry-owned agents table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Lookup(ctx context.Context, agentID id.AgentID) (*agent.Agent, error) {
	query := `
		SELECT agent_id, org_id, name, status
		FROM agents
		WHERE agent_id = $1
	`

	var (
		a     agent.Agent
		orgID uuid.UUID
	)
	err := s.db.QueryRowContext(ctx, query, string(agentID)).Scan(&a.ID, &orgID, &a.Name, &a.Status)
	if err == sql.ErrNoRows {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "agent %s not found", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}

	a.OrgID = id.OrgID(orgID)
	return &a, nil
}
