package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"agentgate/internal/policy"
	"agentgate/internal/policy/store"
	"agentgate/internal/policy/usage"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// =============================================================================
// Policy Engine Test Suite
// =============================================================================

type EngineSuite struct {
	suite.Suite
	rules  *store.InMemoryRuleStore
	usage  *usage.InMemoryTracker
	engine *policy.Engine
	now    time.Time
	orgID  id.OrgID
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.now = time.Date(2026, 3, 16, 14, 30, 0, 0, time.UTC) // a Monday
	s.orgID = id.OrgID(uuid.New())
	s.rules = store.NewInMemoryRuleStore()
	s.usage = usage.NewInMemoryTracker(usage.WithClock(s.clock))

	var err error
	s.engine, err = policy.NewEngine(s.rules, s.usage, policy.WithClock(s.clock))
	s.Require().NoError(err)
}

func (s *EngineSuite) clock() time.Time { return s.now }

func (s *EngineSuite) register(rule policy.Rule) policy.Rule {
	rule.OrgID = s.orgID
	rule.Enabled = true
	return s.rules.Register(rule)
}

func (s *EngineSuite) evaluate(action string, params map[string]any) (policy.Decision, error) {
	return s.engine.Evaluate(context.Background(), s.orgID, "agent-1", action, params)
}

// =============================================================================
// Default Deny
// =============================================================================

func (s *EngineSuite) TestDefaultDeny() {
	s.Run("empty rule set denies", func() {
		decision, err := s.evaluate("email:send", nil)
		s.NoError(err)
		s.Equal(policy.DecisionDeny, decision.Kind)
		s.Empty(decision.RuleID)
		s.Equal(policy.ReasonDefaultDeny, decision.Reason)
	})

	s.Run("no matching predicate denies", func() {
		s.register(policy.Rule{Name: "payments only", ActionPattern: "payment:*", Decision: policy.DecisionAllow})

		decision, err := s.evaluate("email:send", nil)
		s.NoError(err)
		s.Equal(policy.DecisionDeny, decision.Kind)
		s.Empty(decision.RuleID)
	})
}

// =============================================================================
// Ordering and Tie-Breaking
// =============================================================================

func (s *EngineSuite) TestOrdering() {
	s.Run("lower priority evaluates first", func() {
		s.register(policy.Rule{Name: "deny later", Priority: 10, ActionPattern: "email:send", Decision: policy.DecisionDeny})
		allow := s.register(policy.Rule{Name: "allow first", Priority: 1, ActionPattern: "email:send", Decision: policy.DecisionAllow})

		decision, err := s.evaluate("email:send", nil)
		s.NoError(err)
		s.Equal(policy.DecisionAllow, decision.Kind)
		s.Equal(allow.ID, decision.RuleID)
	})

	s.Run("equal priority: first registered wins", func() {
		first := s.register(policy.Rule{Name: "first", Priority: 5, ActionPattern: "doc:read", Decision: policy.DecisionAllow})
		s.register(policy.Rule{Name: "second", Priority: 5, ActionPattern: "doc:read", Decision: policy.DecisionDeny})

		decision, err := s.evaluate("doc:read", nil)
		s.NoError(err)
		s.Equal(policy.DecisionAllow, decision.Kind)
		s.Equal(first.ID, decision.RuleID)
	})

	s.Run("disabled rules are skipped", func() {
		rule := policy.Rule{Name: "disabled", OrgID: s.orgID, Priority: 1, ActionPattern: "doc:write", Decision: policy.DecisionAllow}
		s.rules.Register(rule) // Enabled left false

		decision, err := s.evaluate("doc:write", nil)
		s.NoError(err)
		s.Equal(policy.DecisionDeny, decision.Kind)
	})
}

// =============================================================================
// Parameter Constraints
// =============================================================================

func (s *EngineSuite) TestParamConstraints() {
	minV, maxV := 10.0, 100.0

	s.Run("equality", func() {
		s.register(policy.Rule{
			Name: "region pinned", Priority: 1, ActionPattern: "vm:create",
			Params:   []policy.ParamConstraint{{Key: "region", Op: policy.ParamEquals, Equals: "eu-west"}},
			Decision: policy.DecisionAllow,
		})

		decision, err := s.evaluate("vm:create", map[string]any{"region": "eu-west"})
		s.NoError(err)
		s.Equal(policy.DecisionAllow, decision.Kind)

		decision, err = s.evaluate("vm:create", map[string]any{"region": "us-east"})
		s.NoError(err)
		s.Equal(policy.DecisionDeny, decision.Kind)
	})

	s.Run("range", func() {
		s.register(policy.Rule{
			Name: "bounded amount", Priority: 1, ActionPattern: "payment:send",
			Params:   []policy.ParamConstraint{{Key: "amount", Op: policy.ParamRange, Min: &minV, Max: &maxV}},
			Decision: policy.DecisionAllow,
		})

		decision, err := s.evaluate("payment:send", map[string]any{"amount": 50.0})
		s.NoError(err)
		s.Equal(policy.DecisionAllow, decision.Kind)

		decision, err = s.evaluate("payment:send", map[string]any{"amount": 500.0})
		s.NoError(err)
		s.Equal(policy.DecisionDeny, decision.Kind)
	})

	s.Run("membership", func() {
		s.register(policy.Rule{
			Name: "known recipients", Priority: 1, ActionPattern: "email:send",
			Params:   []policy.ParamConstraint{{Key: "to", Op: policy.ParamOneOf, OneOf: []any{"a@example.com", "b@example.com"}}},
			Decision: policy.DecisionAllow,
		})

		decision, err := s.evaluate("email:send", map[string]any{"to": "a@example.com"})
		s.NoError(err)
		s.Equal(policy.DecisionAllow, decision.Kind)

		decision, err = s.evaluate("email:send", map[string]any{"to": "z@example.com"})
		s.NoError(err)
		s.Equal(policy.DecisionDeny, decision.Kind)
	})

	s.Run("missing parameter fails the constraint", func() {
		s.register(policy.Rule{
			Name: "needs amount", Priority: 1, ActionPattern: "refund:issue",
			Params:   []policy.ParamConstraint{{Key: "amount", Op: policy.ParamRange, Max: &maxV}},
			Decision: policy.DecisionAllow,
		})

		decision, err := s.evaluate("refund:issue", nil)
		s.NoError(err)
		s.Equal(policy.DecisionDeny, decision.Kind)
	})

	s.Run("integer request values compare against float constraints", func() {
		s.register(policy.Rule{
			Name: "exact count", Priority: 1, ActionPattern: "batch:run",
			Params:   []policy.ParamConstraint{{Key: "count", Op: policy.ParamEquals, Equals: 3.0}},
			Decision: policy.DecisionAllow,
		})

		decision, err := s.evaluate("batch:run", map[string]any{"count": 3})
		s.NoError(err)
		s.Equal(policy.DecisionAllow, decision.Kind)
	})
}

// =============================================================================
// Budget and Rate Constraints
// =============================================================================

func (s *EngineSuite) TestBudgetConstraint() {
	s.register(policy.Rule{
		Name: "email budget", Priority: 1, ActionPattern: "email:send",
		Budget:   &policy.BudgetConstraint{Limit: 100, Window: 24 * time.Hour},
		Decision: policy.DecisionAllow,
	})
	ctx := context.Background()

	s.Run("usage under the limit matches", func() {
		s.Require().NoError(s.usage.Record(ctx, "agent-1", 50))

		decision, err := s.evaluate("email:send", nil)
		s.NoError(err)
		s.Equal(policy.DecisionAllow, decision.Kind)
	})

	s.Run("usage over the limit falls through to default deny", func() {
		s.Require().NoError(s.usage.Record(ctx, "agent-1", 100))

		decision, err := s.evaluate("email:send", nil)
		s.NoError(err)
		s.Equal(policy.DecisionDeny, decision.Kind)
		s.Empty(decision.RuleID)
	})

	s.Run("spend outside the window does not count", func() {
		s.now = s.now.Add(25 * time.Hour)

		decision, err := s.evaluate("email:send", nil)
		s.NoError(err)
		s.Equal(policy.DecisionAllow, decision.Kind)
	})
}

func (s *EngineSuite) TestRateConstraint() {
	s.register(policy.Rule{
		Name: "slow lane", Priority: 1, ActionPattern: "crawl:fetch",
		Rate:     &policy.RateConstraint{MaxActions: 2, Window: time.Hour},
		Decision: policy.DecisionAllow,
	})
	ctx := context.Background()

	decision, err := s.evaluate("crawl:fetch", nil)
	s.NoError(err)
	s.Equal(policy.DecisionAllow, decision.Kind)

	s.Require().NoError(s.usage.Record(ctx, "agent-1", 0))
	s.Require().NoError(s.usage.Record(ctx, "agent-1", 0))

	decision, err = s.evaluate("crawl:fetch", nil)
	s.NoError(err)
	s.Equal(policy.DecisionDeny, decision.Kind)
}

// =============================================================================
// Time Window Constraint
// =============================================================================

func (s *EngineSuite) TestTimeWindowConstraint() {
	s.register(policy.Rule{
		Name: "business hours", Priority: 1, ActionPattern: "report:run",
		TimeWindow: &policy.TimeWindowConstraint{
			Timezone: "UTC",
			HourFrom: 9,
			HourTo:   17,
			Weekdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		},
		Decision: policy.DecisionAllow,
	})

	s.Run("inside the window matches", func() {
		decision, err := s.evaluate("report:run", nil)
		s.NoError(err)
		s.Equal(policy.DecisionAllow, decision.Kind)
	})

	s.Run("outside hours falls through", func() {
		s.now = time.Date(2026, 3, 16, 22, 0, 0, 0, time.UTC)
		decision, err := s.evaluate("report:run", nil)
		s.NoError(err)
		s.Equal(policy.DecisionDeny, decision.Kind)
	})

	s.Run("weekend falls through", func() {
		s.now = time.Date(2026, 3, 21, 11, 0, 0, 0, time.UTC) // Saturday
		decision, err := s.evaluate("report:run", nil)
		s.NoError(err)
		s.Equal(policy.DecisionDeny, decision.Kind)
	})
}

// =============================================================================
// Escalation
// =============================================================================

func (s *EngineSuite) TestEscalation() {
	s.Run("escalate decision carries the approver role", func() {
		rule := s.register(policy.Rule{
			Name: "wire approval", Priority: 1, ActionPattern: "payment:*",
			Decision: policy.DecisionEscalate, EscalateRole: "finance-approver",
		})

		decision, err := s.evaluate("payment:wire", nil)
		s.NoError(err)
		s.Equal(policy.DecisionEscalate, decision.Kind)
		s.Equal(rule.ID, decision.RuleID)
		s.Equal("finance-approver", decision.EscalateRole)
	})

	s.Run("escalate rule without a role denies with a distinct reason", func() {
		s.register(policy.Rule{
			Name: "broken escalation", Priority: 0, ActionPattern: "payment:*",
			Decision: policy.DecisionEscalate,
		})

		decision, err := s.evaluate("payment:wire", nil)
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeMisconfigured))
		s.Equal(policy.DecisionDeny, decision.Kind)
		s.Contains(decision.Reason, "misconfigured_rule")
	})
}

// =============================================================================
// Misconfigured Constraints
// =============================================================================

func (s *EngineSuite) TestMisconfiguredConstraints() {
	s.Run("invalid timezone denies naming the rule", func() {
		rule := s.register(policy.Rule{
			Name: "bad zone", Priority: 1, ActionPattern: "report:run",
			TimeWindow: &policy.TimeWindowConstraint{Timezone: "Not/AZone", HourFrom: 9, HourTo: 17},
			Decision:   policy.DecisionAllow,
		})

		decision, err := s.evaluate("report:run", nil)
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeMisconfigured))
		s.Equal(policy.DecisionDeny, decision.Kind)
		s.Equal(rule.ID, decision.RuleID)
		s.Contains(decision.Reason, "misconfigured_rule")
	})

	s.Run("budget without a usage source denies naming the rule", func() {
		engine, err := policy.NewEngine(s.rules, nil, policy.WithClock(s.clock))
		s.Require().NoError(err)
		rule := s.register(policy.Rule{
			Name: "orphan budget", Priority: 1, ActionPattern: "email:send",
			Budget:   &policy.BudgetConstraint{Limit: 100, Window: time.Hour},
			Decision: policy.DecisionAllow,
		})

		decision, err := engine.Evaluate(context.Background(), s.orgID, "agent-1", "email:send", nil)
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeMisconfigured))
		s.Equal(policy.DecisionDeny, decision.Kind)
		s.Equal(rule.ID, decision.RuleID)
		s.Contains(decision.Reason, "misconfigured_rule")
	})

	s.Run("rate limit without a usage source denies naming the rule", func() {
		engine, err := policy.NewEngine(s.rules, nil, policy.WithClock(s.clock))
		s.Require().NoError(err)
		rule := s.register(policy.Rule{
			Name: "orphan rate", Priority: 1, ActionPattern: "crawl:fetch",
			Rate:     &policy.RateConstraint{MaxActions: 2, Window: time.Hour},
			Decision: policy.DecisionAllow,
		})

		decision, err := engine.Evaluate(context.Background(), s.orgID, "agent-1", "crawl:fetch", nil)
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeMisconfigured))
		s.Equal(policy.DecisionDeny, decision.Kind)
		s.Equal(rule.ID, decision.RuleID)
		s.Contains(decision.Reason, "misconfigured_rule")
	})
}
