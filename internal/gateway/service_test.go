package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"agentgate/internal/agent"
	agentstore "agentgate/internal/agent/store"
	"agentgate/internal/approval"
	approvalstore "agentgate/internal/approval/store"
	"agentgate/internal/gateway"
	"agentgate/internal/gateway/connector"
	gatewaystore "agentgate/internal/gateway/store"
	"agentgate/internal/ledger"
	ledgerstore "agentgate/internal/ledger/store"
	"agentgate/internal/policy"
	policystore "agentgate/internal/policy/store"
	"agentgate/internal/policy/usage"
	"agentgate/internal/token"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// =============================================================================
// Suite setup
// =============================================================================

type GatewaySuite struct {
	suite.Suite

	ctx   context.Context
	now   time.Time
	orgID id.OrgID

	agents    *agentstore.InMemoryStore
	rules     *policystore.InMemoryRuleStore
	usage     *usage.InMemoryTracker
	approvals *approval.Service
	ledger    *ledgerstore.InMemoryStore
	chain     *ledger.Chain
	codec     *token.Codec
	mock      *connector.Mock
	service   *gateway.Service
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 16, 14, 30, 0, 0, time.UTC)
	s.orgID = id.OrgID(uuid.MustParse("11111111-1111-1111-1111-111111111111"))
	clock := func() time.Time { return s.now }

	s.agents = agentstore.NewInMemoryStore()
	s.agents.Put(agent.Agent{
		ID:     "agent-billing",
		OrgID:  s.orgID,
		Name:   "Billing Agent",
		Status: agent.StatusActive,
	})

	s.rules = policystore.NewInMemoryRuleStore()
	s.usage = usage.NewInMemoryTracker(usage.WithClock(clock))

	approvals, err := approval.New(approvalstore.NewInMemoryStore(), approval.WithClock(clock))
	s.Require().NoError(err)
	s.approvals = approvals

	signer, err := ledger.GenerateSigner()
	s.Require().NoError(err)
	s.ledger = ledgerstore.NewInMemoryStore()
	chain, err := ledger.NewChain(s.ledger, signer, ledger.WithClock(clock))
	s.Require().NoError(err)
	s.chain = chain

	codec, err := token.NewCodec("test-signing-key", "agentgate-test", token.WithClock(clock))
	s.Require().NoError(err)
	s.codec = codec

	s.mock = &connector.Mock{}
	s.service = s.newService()
}

func (s *GatewaySuite) newService(opts ...gateway.Option) *gateway.Service {
	opts = append([]gateway.Option{
		gateway.WithClock(func() time.Time { return s.now }),
		gateway.WithApprovalTTL(time.Hour),
	}, opts...)

	service, err := gateway.New(gateway.Deps{
		Codec:     s.codec,
		Agents:    s.agents,
		Engine:    mustEngine(s.T(), s.rules, s.usage),
		Approvals: s.approvals,
		Chain:     s.chain,
		Executor:  s.mock,
		Pending:   gatewaystore.NewInMemoryPendingStore(),
		Usage:     s.usage,
	}, opts...)
	s.Require().NoError(err)
	return service
}

func mustEngine(t *testing.T, rules policy.RuleStore, tracker policy.UsageSource) *policy.Engine {
	t.Helper()
	engine, err := policy.NewEngine(rules, tracker)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	return engine
}

func (s *GatewaySuite) issueToken(scopes ...string) string {
	_, signed, err := s.codec.Issue("agent-billing", s.orgID, scopes, time.Hour)
	s.Require().NoError(err)
	return signed
}

func (s *GatewaySuite) records() []ledger.Record {
	records, err := s.chain.Read(s.ctx, s.orgID, ledger.ReadFilter{})
	s.Require().NoError(err)
	return records
}

// =============================================================================
// Submit: allow
// =============================================================================

func (s *GatewaySuite) TestAllowedActionExecutesAndLogs() {
	s.rules.Register(policy.Rule{
		OrgID:         s.orgID,
		Name:          "email under budget",
		Priority:      1,
		Enabled:       true,
		ActionPattern: "email:send",
		Budget:        &policy.BudgetConstraint{Limit: 100, Window: time.Hour, CostParam: "cost"},
		Decision:      policy.DecisionAllow,
	})
	s.Require().NoError(s.usage.Record(s.ctx, "agent-billing", 50))

	result, err := s.service.SubmitAction(s.ctx, s.issueToken("email:*"), gateway.ActionRequest{
		Action: "email:send",
		Params: map[string]any{"to": "ops@example.com", "cost": 10.0},
	})
	s.Require().NoError(err)

	s.Equal(policy.DecisionAllow, result.Decision)
	s.Require().NotNil(result.Result)
	s.Equal(ledger.ResultSuccess, result.Result.Status)

	records := s.records()
	s.Require().Len(records, 1)
	s.Equal("allow", records[0].Decision)
	s.Equal(ledger.ResultSuccess, records[0].ResultStatus)
	s.NotEmpty(records[0].ResultHash)
	s.Equal(result.RecordID, records[0].ID)

	// Execution fed the budget counter.
	spent, err := s.usage.SpendInWindow(s.ctx, "agent-billing", time.Hour)
	s.Require().NoError(err)
	s.Equal(60.0, spent)
}

func (s *GatewaySuite) TestBudgetExhaustedFallsThroughToDefaultDeny() {
	s.rules.Register(policy.Rule{
		OrgID:         s.orgID,
		Name:          "email under budget",
		Priority:      1,
		Enabled:       true,
		ActionPattern: "email:send",
		Budget:        &policy.BudgetConstraint{Limit: 100, Window: time.Hour},
		Decision:      policy.DecisionAllow,
	})
	s.Require().NoError(s.usage.Record(s.ctx, "agent-billing", 150))

	result, err := s.service.SubmitAction(s.ctx, s.issueToken("email:*"), gateway.ActionRequest{
		Action: "email:send",
	})
	s.Require().NoError(err)

	s.Equal(policy.DecisionDeny, result.Decision)
	s.Equal(policy.ReasonDefaultDeny, result.Reason)
	s.Empty(result.RuleID)

	records := s.records()
	s.Require().Len(records, 1)
	s.Equal("deny", records[0].Decision)
	s.Equal(ledger.ResultNone, records[0].ResultStatus)
}

// =============================================================================
// Submit: pre-policy denials
// =============================================================================

func (s *GatewaySuite) TestInactiveAgentDeniedBeforePolicy() {
	tokenString := s.issueToken("email:*")
	s.agents.Put(agent.Agent{ID: "agent-billing", OrgID: s.orgID, Status: agent.StatusSuspended})

	result, err := s.service.SubmitAction(s.ctx, tokenString, gateway.ActionRequest{Action: "email:send"})
	s.Require().NoError(err)

	s.Equal(policy.DecisionDeny, result.Decision)
	s.Equal("agent is not active", result.Reason)

	records := s.records()
	s.Require().Len(records, 1)
	s.Equal("deny", records[0].Decision)
}

func (s *GatewaySuite) TestUnknownAgentDenied() {
	_, signed, err := s.codec.Issue("agent-ghost", s.orgID, []string{"email:*"}, time.Hour)
	s.Require().NoError(err)

	result, err := s.service.SubmitAction(s.ctx, signed, gateway.ActionRequest{Action: "email:send"})
	s.Require().NoError(err)

	s.Equal(policy.DecisionDeny, result.Decision)
	s.Equal("unknown agent", result.Reason)
}

func (s *GatewaySuite) TestScopeRejectionLeavesNoRecord() {
	_, err := s.service.SubmitAction(s.ctx, s.issueToken("email:*"), gateway.ActionRequest{
		Action: "payment:wire",
	})
	s.Require().ErrorIs(err, token.ErrScopeNotGranted)

	s.Empty(s.records())
}

func (s *GatewaySuite) TestExpiredTokenRejected() {
	tokenString := s.issueToken("email:*")
	s.now = s.now.Add(2 * time.Hour)

	_, err := s.service.SubmitAction(s.ctx, tokenString, gateway.ActionRequest{Action: "email:send"})
	s.Require().ErrorIs(err, token.ErrExpired)
}

// =============================================================================
// Submit: execution outcomes
// =============================================================================

func (s *GatewaySuite) TestExecutionFailureRecorded() {
	s.rules.Register(policy.Rule{
		OrgID: s.orgID, Priority: 1, Enabled: true,
		ActionPattern: "email:*", Decision: policy.DecisionAllow,
	})
	s.mock.Fail = errors.New("smtp unreachable")

	result, err := s.service.SubmitAction(s.ctx, s.issueToken("email:*"), gateway.ActionRequest{
		Action: "email:send",
	})
	s.Require().NoError(err)

	s.Equal(ledger.ResultFailure, result.Result.Status)
	records := s.records()
	s.Require().Len(records, 1)
	s.Equal(ledger.ResultFailure, records[0].ResultStatus)
	s.Empty(records[0].ResultHash)
}

func (s *GatewaySuite) TestExecutionTimeoutRecordedAsTimeout() {
	s.rules.Register(policy.Rule{
		OrgID: s.orgID, Priority: 1, Enabled: true,
		ActionPattern: "email:*", Decision: policy.DecisionAllow,
	})
	s.mock.Delay = 200 * time.Millisecond
	service := s.newService(gateway.WithExecutionTimeout(20 * time.Millisecond))

	result, err := service.SubmitAction(s.ctx, s.issueToken("email:*"), gateway.ActionRequest{
		Action: "email:send",
	})
	s.Require().NoError(err)

	s.Equal(ledger.ResultTimeout, result.Result.Status)
	records := s.records()
	s.Require().Len(records, 1)
	s.Equal(ledger.ResultTimeout, records[0].ResultStatus)
}

// =============================================================================
// Audit write failures
// =============================================================================

type failingLedgerStore struct {
	ledger.Store
}

func (f *failingLedgerStore) Append(context.Context, ledger.Record) error {
	return errors.New("disk full")
}

func (s *GatewaySuite) TestAuditWriteFailureFailsRequest() {
	s.rules.Register(policy.Rule{
		OrgID: s.orgID, Priority: 1, Enabled: true,
		ActionPattern: "email:*", Decision: policy.DecisionAllow,
	})

	signer, err := ledger.GenerateSigner()
	s.Require().NoError(err)
	brokenChain, err := ledger.NewChain(&failingLedgerStore{Store: s.ledger}, signer)
	s.Require().NoError(err)
	s.chain = brokenChain
	service := s.newService()

	_, err = service.SubmitAction(s.ctx, s.issueToken("email:*"), gateway.ActionRequest{
		Action: "email:send",
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeAuditWriteFailed))
}

// =============================================================================
// Escalation lifecycle
// =============================================================================

func (s *GatewaySuite) escalatePayment() *gateway.SubmitResult {
	s.rules.Register(policy.Rule{
		OrgID:         s.orgID,
		Name:          "payments need approval",
		Priority:      1,
		Enabled:       true,
		ActionPattern: "payment:*",
		Decision:      policy.DecisionEscalate,
		EscalateRole:  "finance-approver",
	})

	result, err := s.service.SubmitAction(s.ctx, s.issueToken("payment:*"), gateway.ActionRequest{
		Action: "payment:wire",
		Params: map[string]any{"amount": 2500, "cost": 2500.0},
	})
	s.Require().NoError(err)
	s.Require().Equal(policy.DecisionEscalate, result.Decision)
	s.Require().False(result.TaskID.IsNil())
	return result
}

func (s *GatewaySuite) TestEscalationCreatesPendingTask() {
	result := s.escalatePayment()

	tasks, err := s.service.ListPendingApprovals(s.ctx, s.orgID)
	s.Require().NoError(err)
	s.Require().Len(tasks, 1)
	s.Equal(result.TaskID, tasks[0].ID)
	s.Equal("finance-approver", tasks[0].Role)
	s.Equal(result.RecordID, tasks[0].RecordID)

	records := s.records()
	s.Require().Len(records, 1)
	s.Equal("escalate", records[0].Decision)
	s.Equal(ledger.ResultNone, records[0].ResultStatus)
}

func (s *GatewaySuite) TestApprovedEscalationExecutesWithFollowUpRecord() {
	result := s.escalatePayment()

	task, err := s.service.DecideApproval(s.ctx, result.TaskID, "op-felix", approval.OutcomeApprove, "verified invoice")
	s.Require().NoError(err)
	s.Equal(approval.StateApproved, task.State)

	records := s.records()
	s.Require().Len(records, 2)
	s.Equal("escalate", records[0].Decision)
	s.Equal("allow", records[1].Decision)
	s.Equal(ledger.ResultSuccess, records[1].ResultStatus)
	s.Equal(records[0].ParamHash, records[1].ParamHash)

	verification, err := s.service.VerifyChain(s.ctx, s.orgID, 0, 0)
	s.Require().NoError(err)
	s.True(verification.Valid)
}

func (s *GatewaySuite) TestDeniedEscalationLogsOperatorDenial() {
	result := s.escalatePayment()

	task, err := s.service.DecideApproval(s.ctx, result.TaskID, "op-felix", approval.OutcomeDeny, "amount too high")
	s.Require().NoError(err)
	s.Equal(approval.StateDenied, task.State)

	records := s.records()
	s.Require().Len(records, 2)
	s.Equal("deny", records[1].Decision)
	s.Equal("amount too high", records[1].Reason)
	s.Equal(ledger.ResultNone, records[1].ResultStatus)
}

func (s *GatewaySuite) TestExpiredEscalationRecordsTerminalDenial() {
	result := s.escalatePayment()

	s.now = s.now.Add(2 * time.Hour)

	_, err := s.service.DecideApproval(s.ctx, result.TaskID, "op-felix", approval.OutcomeApprove, "too late")
	s.Require().ErrorIs(err, approval.ErrExpired)

	records := s.records()
	s.Require().Len(records, 2)
	s.Equal("deny", records[1].Decision)
	s.Equal("approval_expired", records[1].Reason)

	// The task keeps its distinct expired state; the denial lives only in
	// the audit trail.
	task, err := s.approvals.Get(s.ctx, result.TaskID)
	s.Require().NoError(err)
	s.Equal(approval.StateExpired, task.State)
}

func (s *GatewaySuite) TestSweeperRecordsExpiryOnce() {
	result := s.escalatePayment()

	s.now = s.now.Add(2 * time.Hour)
	s.Require().NoError(s.service.SweepExpired(s.ctx))
	s.Require().NoError(s.service.SweepExpired(s.ctx))

	records := s.records()
	s.Require().Len(records, 2)
	s.Equal("approval_expired", records[1].Reason)

	// A late operator decision after the sweep cannot add a third record.
	_, err := s.service.DecideApproval(s.ctx, result.TaskID, "op-felix", approval.OutcomeApprove, "")
	s.Require().Error(err)
	s.Len(s.records(), 2)
}

func (s *GatewaySuite) TestMisconfiguredEscalateRuleDeniesWithDistinctReason() {
	s.rules.Register(policy.Rule{
		OrgID:         s.orgID,
		Name:          "broken escalation",
		Priority:      1,
		Enabled:       true,
		ActionPattern: "payment:*",
		Decision:      policy.DecisionEscalate,
	})

	result, err := s.service.SubmitAction(s.ctx, s.issueToken("payment:*"), gateway.ActionRequest{
		Action: "payment:wire",
	})
	s.Require().NoError(err)

	s.Equal(policy.DecisionDeny, result.Decision)
	s.Contains(result.Reason, "misconfigured_rule")

	records := s.records()
	s.Require().Len(records, 1)
	s.Equal("deny", records[0].Decision)
	s.Contains(records[0].Reason, "misconfigured_rule")
}

func (s *GatewaySuite) TestMisconfiguredTimeWindowRuleDeniesWithDistinctReason() {
	s.rules.Register(policy.Rule{
		OrgID:         s.orgID,
		Name:          "broken window",
		Priority:      1,
		Enabled:       true,
		ActionPattern: "email:*",
		TimeWindow:    &policy.TimeWindowConstraint{Timezone: "Not/AZone", HourFrom: 9, HourTo: 17},
		Decision:      policy.DecisionAllow,
	})

	result, err := s.service.SubmitAction(s.ctx, s.issueToken("email:*"), gateway.ActionRequest{
		Action: "email:send",
	})
	s.Require().NoError(err)

	s.Equal(policy.DecisionDeny, result.Decision)
	s.NotEmpty(result.RuleID)
	s.Contains(result.Reason, "misconfigured_rule")

	records := s.records()
	s.Require().Len(records, 1)
	s.Equal("deny", records[0].Decision)
	s.NotEmpty(records[0].RuleID)
	s.Contains(records[0].Reason, "misconfigured_rule")
}

// =============================================================================
// Token surface
// =============================================================================

func (s *GatewaySuite) TestIssueTokenChecksAgent() {
	s.Run("active agent", func() {
		identity, signed, err := s.service.IssueToken(s.ctx, "agent-billing", s.orgID, []string{"email:*"}, time.Hour)
		s.Require().NoError(err)
		s.NotEmpty(signed)
		s.Equal(id.AgentID("agent-billing"), identity.AgentID)
	})

	s.Run("suspended agent", func() {
		s.agents.Put(agent.Agent{ID: "agent-billing", OrgID: s.orgID, Status: agent.StatusSuspended})
		_, _, err := s.service.IssueToken(s.ctx, "agent-billing", s.orgID, []string{"email:*"}, time.Hour)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}
