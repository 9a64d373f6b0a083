package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentgate/internal/approval"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// PostgresStore persists approval tasks. The compare-and-set is a
// conditional UPDATE guarded on state = 'pending'; zero rows affected means
// the caller lost the race.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, task approval.Task) error {
	query := `
		INSERT INTO approval_tasks (
			id, record_id, org_id, role, state, created_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(task.ID),
		uuid.UUID(task.RecordID),
		uuid.UUID(task.OrgID),
		task.Role,
		string(task.State),
		task.CreatedAt,
		task.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, taskID id.TaskID) (*approval.Task, error) {
	query := `
		SELECT id, record_id, org_id, role, state, created_at, expires_at,
		       decided_by, decided_at, reason
		FROM approval_tasks
		WHERE id = $1
	`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, uuid.UUID(taskID)))
	if err == sql.ErrNoRows {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query approval task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) TransitionFromPending(ctx context.Context, taskID id.TaskID, to approval.State, decidedBy string, decidedAt time.Time, reason string) (*approval.Task, error) {
	var decidedAtCol any
	if to != approval.StateExpired {
		decidedAtCol = decidedAt
	}

	query := `
		UPDATE approval_tasks
		SET state = $2, decided_by = $3, decided_at = $4, reason = $5
		WHERE id = $1 AND state = 'pending'
		RETURNING id, record_id, org_id, role, state, created_at, expires_at,
		          decided_by, decided_at, reason
	`
	task, err := scanTask(s.db.QueryRowContext(ctx, query,
		uuid.UUID(taskID),
		string(to),
		decidedBy,
		decidedAtCol,
		reason,
	))
	if err == sql.ErrNoRows {
		// Either the task does not exist or it already left pending;
		// disambiguate for the caller.
		if _, getErr := s.Get(ctx, taskID); getErr != nil {
			return nil, getErr
		}
		return nil, dErrors.Newf(dErrors.CodeConflict, "task %s is no longer pending", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("transition approval task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListPending(ctx context.Context, orgID id.OrgID) ([]approval.Task, error) {
	query := `
		SELECT id, record_id, org_id, role, state, created_at, expires_at,
		       decided_by, decided_at, reason
		FROM approval_tasks
		WHERE org_id = $1 AND state = 'pending'
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(orgID))
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) ListOverdue(ctx context.Context, now time.Time) ([]approval.Task, error) {
	query := `
		SELECT id, record_id, org_id, role, state, created_at, expires_at,
		       decided_by, decided_at, reason
		FROM approval_tasks
		WHERE state = 'pending' AND expires_at <= $1
	`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("query overdue approvals: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*approval.Task, error) {
	var (
		task      approval.Task
		taskID    uuid.UUID
		recordID  uuid.UUID
		orgID     uuid.UUID
		decidedBy sql.NullString
		decidedAt sql.NullTime
		reason    sql.NullString
	)
	err := row.Scan(&taskID, &recordID, &orgID, &task.Role, &task.State,
		&task.CreatedAt, &task.ExpiresAt, &decidedBy, &decidedAt, &reason)
	if err != nil {
		return nil, err
	}

	task.ID = id.TaskID(taskID)
	task.RecordID = id.RecordID(recordID)
	task.OrgID = id.OrgID(orgID)
	task.DecidedBy = decidedBy.String
	task.Reason = reason.String
	if decidedAt.Valid {
		at := decidedAt.Time
		task.DecidedAt = &at
	}
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]approval.Task, error) {
	var tasks []approval.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval tasks: %w", err)
	}
	return tasks, nil
}
