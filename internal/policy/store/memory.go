package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentgate/internal/policy"
	id "agentgate/pkg/domain"
)

// InMemoryRuleStore holds rule sets per organization. Registration order is
// captured in Rule.Seq so equal-priority rules keep a stable evaluation
// order across restarts of the test process.
type InMemoryRuleStore struct {
	mu      sync.RWMutex
	rules   map[id.OrgID][]policy.Rule
	nextSeq int64
}

func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{rules: make(map[id.OrgID][]policy.Rule)}
}

// Register appends a rule to its organization's set, assigning ID and Seq.
func (s *InMemoryRuleStore) Register(rule policy.Rule) policy.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	s.nextSeq++
	rule.Seq = s.nextSeq
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	s.rules[rule.OrgID] = append(s.rules[rule.OrgID], rule)
	return rule
}

func (s *InMemoryRuleStore) ListRules(_ context.Context, orgID id.OrgID) ([]policy.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]policy.Rule{}, s.rules[orgID]...), nil
}
