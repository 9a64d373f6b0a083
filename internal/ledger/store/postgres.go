package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"agentgate/internal/ledger"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// uniqueViolation is the Postgres error code raised when two writers race
// for the same (org_id, seq) slot.
const uniqueViolation = "23505"

// PostgresStore persists interaction records. The UNIQUE (org_id, seq)
// index is the cross-process backstop for chain linearity: a losing writer
// gets a conflict and retries against the new head.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, record ledger.Record) error {
	query := `
		INSERT INTO interaction_records (
			id, org_id, seq, timestamp, agent_id, action, param_hash,
			decision, rule_id, reason, result_status, result_hash,
			prev_hash, content_hash, signature, key_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(record.ID),
		uuid.UUID(record.OrgID),
		record.Seq,
		record.Timestamp,
		string(record.AgentID),
		record.Action,
		record.ParamHash,
		record.Decision,
		nullIfEmpty(record.RuleID),
		record.Reason,
		string(record.ResultStatus),
		record.ResultHash,
		record.PrevHash,
		record.ContentHash,
		record.Signature,
		record.KeyID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return dErrors.Wrap(err, dErrors.CodeConflict, "sequence already taken")
		}
		return fmt.Errorf("insert interaction record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, orgID id.OrgID) (*ledger.Record, error) {
	query := selectRecords + `
		WHERE org_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, uuid.UUID(orgID)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query chain head: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Range(ctx context.Context, orgID id.OrgID, fromSeq, toSeq uint64, limit int) ([]ledger.Record, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	args := []any{uuid.UUID(orgID), fromSeq}
	query := selectRecords + `
		WHERE org_id = $1 AND seq >= $2
	`
	if toSeq > 0 {
		query += ` AND seq <= $3`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chain range: %w", err)
	}
	defer rows.Close()

	var records []ledger.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction record: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interaction records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Get(ctx context.Context, recordID id.RecordID) (*ledger.Record, error) {
	query := selectRecords + `
		WHERE id = $1
	`
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, uuid.UUID(recordID)))
	if err == sql.ErrNoRows {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "record %s not found", recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("query interaction record: %w", err)
	}
	return record, nil
}

const selectRecords = `
	SELECT id, org_id, seq, timestamp, agent_id, action, param_hash,
	       decision, rule_id, reason, result_status, result_hash,
	       prev_hash, content_hash, signature, key_id
	FROM interaction_records
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ledger.Record, error) {
	var (
		record   ledger.Record
		recordID uuid.UUID
		orgID    uuid.UUID
		ruleID   sql.NullString
	)
	err := row.Scan(&recordID, &orgID, &record.Seq, &record.Timestamp,
		&record.AgentID, &record.Action, &record.ParamHash,
		&record.Decision, &ruleID, &record.Reason,
		&record.ResultStatus, &record.ResultHash,
		&record.PrevHash, &record.ContentHash, &record.Signature, &record.KeyID)
	if err != nil {
		return nil, err
	}

	record.ID = id.RecordID(recordID)
	record.OrgID = id.OrgID(orgID)
	record.RuleID = ruleID.String
	return &record, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
