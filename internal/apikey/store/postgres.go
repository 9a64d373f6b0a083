package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"agentgate/internal/apikey"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// PostgresStore persists API keys in the api_keys table; key_prefix carries
// a unique index for the lookup path.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, key apikey.Key) error {
	query := `
		INSERT INTO api_keys (id, org_id, name, role, key_prefix, key_hash, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(key.ID), uuid.UUID(key.OrgID), key.Name, key.Role,
		key.Prefix, key.Hash, key.Revoked, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByPrefix(ctx context.Context, prefix string) (*apikey.Key, error) {
	query := `
		SELECT id, org_id, name, role, key_prefix, key_hash, revoked, created_at
		FROM api_keys
		WHERE key_prefix = $1
	`
	var (
		key   apikey.Key
		keyID uuid.UUID
		orgID uuid.UUID
	)
	err := s.db.QueryRowContext(ctx, query, prefix).Scan(
		&keyID, &orgID, &key.Name, &key.Role, &key.Prefix, &key.Hash, &key.Revoked, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, dErrors.New(dErrors.CodeNotFound, "api key not found")
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}

	key.ID = id.APIKeyID(keyID)
	key.OrgID = id.OrgID(orgID)
	return &key, nil
}

func (s *PostgresStore) Revoke(ctx context.Context, keyID id.APIKeyID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked = TRUE WHERE id = $1`, uuid.UUID(keyID))
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if affected == 0 {
		return dErrors.New(dErrors.CodeNotFound, "api key not found")
	}
	return nil
}
