package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"agentgate/internal/policy"
	id "agentgate/pkg/domain"
)

// PostgresRuleStore reads policy rules from the policy_rules table. Seq is a
// bigserial, so registration order survives equal priorities.
type PostgresRuleStore struct {
	db *sql.DB
}

func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

// ruleConstraints is the JSON shape of the constraints column.
type ruleConstraints struct {
	Params     []policy.ParamConstraint     `json:"params,omitempty"`
	Budget     *policy.BudgetConstraint     `json:"budget,omitempty"`
	Rate       *policy.RateConstraint       `json:"rate,omitempty"`
	TimeWindow *policy.TimeWindowConstraint `json:"time_window,omitempty"`
}

func (s *PostgresRuleStore) ListRules(ctx context.Context, orgID id.OrgID) ([]policy.Rule, error) {
	query := `
		SELECT id, name, priority, seq, enabled, action_pattern,
		       constraints, decision, escalate_role, created_at
		FROM policy_rules
		WHERE org_id = $1 AND enabled
		ORDER BY priority ASC, seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(orgID))
	if err != nil {
		return nil, fmt.Errorf("query policy rules: %w", err)
	}
	defer rows.Close()

	var rules []policy.Rule
	for rows.Next() {
		var (
			rule            policy.Rule
			ruleID          uuid.UUID
			constraintsJSON []byte
			escalateRole    sql.NullString
		)
		err := rows.Scan(
			&ruleID,
			&rule.Name,
			&rule.Priority,
			&rule.Seq,
			&rule.Enabled,
			&rule.ActionPattern,
			&constraintsJSON,
			&rule.Decision,
			&escalateRole,
			&rule.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan policy rule: %w", err)
		}

		rule.ID = ruleID.String()
		rule.OrgID = orgID
		rule.EscalateRole = escalateRole.String

		if len(constraintsJSON) > 0 {
			var c ruleConstraints
			if err := json.Unmarshal(constraintsJSON, &c); err != nil {
				return nil, fmt.Errorf("decode rule %s constraints: %w", rule.ID, err)
			}
			rule.Params = c.Params
			rule.Budget = c.Budget
			rule.Rate = c.Rate
			rule.TimeWindow = c.TimeWindow
		}

		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policy rules: %w", err)
	}
	return rules, nil
}

// Register inserts a rule; seq comes from the bigserial default.
func (s *PostgresRuleStore) Register(ctx context.Context, rule policy.Rule) (policy.Rule, error) {
	constraints, err := json.Marshal(ruleConstraints{
		Params:     rule.Params,
		Budget:     rule.Budget,
		Rate:       rule.Rate,
		TimeWindow: rule.TimeWindow,
	})
	if err != nil {
		return policy.Rule{}, fmt.Errorf("encode rule constraints: %w", err)
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	query := `
		INSERT INTO policy_rules (
			id, org_id, name, priority, enabled, action_pattern,
			constraints, decision, escalate_role
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq, created_at
	`
	err = s.db.QueryRowContext(ctx, query,
		rule.ID,
		uuid.UUID(rule.OrgID),
		rule.Name,
		rule.Priority,
		rule.Enabled,
		rule.ActionPattern,
		constraints,
		string(rule.Decision),
		nullIfEmpty(rule.EscalateRole),
	).Scan(&rule.Seq, &rule.CreatedAt)
	if err != nil {
		return policy.Rule{}, fmt.Errorf("insert policy rule: %w", err)
	}
	return rule, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
