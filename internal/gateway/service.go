// Package gateway composes token validation, policy evaluation, approvals,
// and the audit chain into the end-to-end action-mediation flow. It is the
// sole writer to the audit chain.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/agent"
	"agentgate/internal/approval"
	"agentgate/internal/gateway/connector"
	"agentgate/internal/ledger"
	"agentgate/internal/platform/metrics"
	"agentgate/internal/policy"
	"agentgate/internal/token"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// Denial reasons written to records for requests rejected before policy
// evaluation.
const (
	reasonAgentUnknown    = "unknown agent"
	reasonAgentInactive   = "agent is not active"
	reasonApprovalExpired = "approval_expired"
)

// ActionRequest is one submitted action. Context is free-text operator
// context carried on events; it does not participate in hashing.
type ActionRequest struct {
	Action  string
	Params  map[string]any
	Context string
}

// ExecutionResult summarizes one external execution.
type ExecutionResult struct {
	Status  ledger.ResultStatus
	Payload []byte
}

// SubmitResult is the response to a submitted action. Exactly one of Result
// (allow) and TaskID (escalate) is set; a deny carries neither.
type SubmitResult struct {
	Decision policy.DecisionKind
	Reason   string
	RuleID   string
	RecordID id.RecordID
	Result   *ExecutionResult
	TaskID   id.TaskID
}

// UsageRecorder accumulates approved-action cost and counts for the policy
// engine's budget and rate constraints.
type UsageRecorder interface {
	Record(ctx context.Context, agentID id.AgentID, cost float64) error
}

// Deps are the collaborators the orchestrator composes. Codec, Agents,
// Engine, Approvals, Chain, Executor, and Pending are required.
type Deps struct {
	Codec     *token.Codec
	Revoker   token.Revoker
	Agents    agent.Lookup
	Engine    *policy.Engine
	Approvals *approval.Service
	Chain     *ledger.Chain
	Executor  connector.Executor
	Pending   PendingStore
	Usage     UsageRecorder
	Publisher Publisher
	Metrics   *metrics.Metrics
}

// Service is the gateway orchestrator.
type Service struct {
	deps        Deps
	clock       func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer
	execTimeout time.Duration
	approvalTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithExecutionTimeout bounds the external execution step. Executions cut
// off by it are recorded with the timeout result status.
func WithExecutionTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.execTimeout = d
		}
	}
}

// WithApprovalTTL sets how long escalated requests wait for an operator.
func WithApprovalTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.approvalTTL = d
		}
	}
}

// pendingGrace keeps claimed request parameters around past the approval
// deadline so the expiry follow-up can still find them.
const pendingGrace = 24 * time.Hour

func New(deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Codec == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "token codec is required")
	case deps.Agents == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "agent lookup is required")
	case deps.Engine == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "policy engine is required")
	case deps.Approvals == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "approval service is required")
	case deps.Chain == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "audit chain is required")
	case deps.Executor == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "action executor is required")
	case deps.Pending == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "pending action store is required")
	}

	s := &Service{
		deps:        deps,
		clock:       time.Now,
		logger:      slog.Default(),
		tracer:      otel.Tracer("agentgate/gateway"),
		execTimeout: 30 * time.Second,
		approvalTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SubmitAction runs the full mediation flow: validate token, look up the
// agent, evaluate policy, then execute, deny, or escalate. Every path that
// produces a decision appends its record before the response is returned;
// an append failure fails the whole request with CodeAuditWriteFailed.
func (s *Service) SubmitAction(ctx context.Context, tokenString string, req ActionRequest) (*SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.submit_action",
		trace.WithAttributes(attribute.String("action", req.Action)))
	defer span.End()

	identity, err := s.deps.Codec.Validate(ctx, tokenString, req.Action)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("agent_id", string(identity.AgentID)))

	ag, err := s.deps.Agents.Lookup(ctx, identity.AgentID)
	if err != nil && !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "look up agent")
	}

	paramHash, err := ledger.HashParams(req.Params)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "hash request parameters")
	}

	// From here on, the caller disconnecting must not abandon execution or
	// the audit write.
	detached := context.WithoutCancel(ctx)

	if ag == nil {
		return s.deny(detached, identity.OrgID, identity.AgentID, req.Action, paramHash, "", reasonAgentUnknown)
	}
	if ag.OrgID != identity.OrgID {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token organization does not match agent")
	}
	if !ag.Active() {
		return s.deny(detached, identity.OrgID, identity.AgentID, req.Action, paramHash, "", reasonAgentInactive)
	}

	evalCtx, evalSpan := s.tracer.Start(ctx, "policy.evaluate")
	decision, err := s.deps.Engine.Evaluate(evalCtx, identity.OrgID, identity.AgentID, req.Action, req.Params)
	evalSpan.End()
	if err != nil && !dErrors.HasCode(err, dErrors.CodeMisconfigured) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "evaluate policy")
	}
	span.SetAttributes(attribute.String("decision", string(decision.Kind)))
	s.countDecision(decision.Kind)

	switch decision.Kind {
	case policy.DecisionAllow:
		return s.execute(detached, identity, req, paramHash, decision)
	case policy.DecisionEscalate:
		return s.escalate(detached, identity, req, paramHash, decision)
	default:
		return s.deny(detached, identity.OrgID, identity.AgentID, req.Action, paramHash, decision.RuleID, decision.Reason)
	}
}

func (s *Service) deny(ctx context.Context, orgID id.OrgID, agentID id.AgentID, action, paramHash, ruleID, reason string) (*SubmitResult, error) {
	record, err := s.append(ctx, orgID, ledger.AppendInput{
		AgentID:   agentID,
		Action:    action,
		ParamHash: paramHash,
		Decision:  string(policy.DecisionDeny),
		RuleID:    ruleID,
		Reason:    reason,
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, Event{
		Kind:     EventDecision,
		OrgID:    orgID.String(),
		AgentID:  string(agentID),
		Action:   action,
		Decision: string(policy.DecisionDeny),
		RecordID: record.ID.String(),
		At:       record.Timestamp,
	})
	return &SubmitResult{
		Decision: policy.DecisionDeny,
		Reason:   reason,
		RuleID:   ruleID,
		RecordID: record.ID,
	}, nil
}

func (s *Service) execute(ctx context.Context, identity *token.Identity, req ActionRequest, paramHash string, decision policy.Decision) (*SubmitResult, error) {
	result := s.runExecutor(ctx, string(identity.AgentID), req.Action, req.Params)

	record, err := s.append(ctx, identity.OrgID, ledger.AppendInput{
		AgentID:      identity.AgentID,
		Action:       req.Action,
		ParamHash:    paramHash,
		Decision:     string(policy.DecisionAllow),
		RuleID:       decision.RuleID,
		Reason:       decision.Reason,
		ResultStatus: result.Status,
		ResultHash:   ledger.HashPayload(result.Payload),
	})
	if err != nil {
		return nil, err
	}

	s.recordUsage(ctx, identity.AgentID, req.Params)
	s.publish(ctx, Event{
		Kind:     EventDecision,
		OrgID:    identity.OrgID.String(),
		AgentID:  string(identity.AgentID),
		Action:   req.Action,
		Decision: string(policy.DecisionAllow),
		RecordID: record.ID.String(),
		At:       record.Timestamp,
	})
	return &SubmitResult{
		Decision: policy.DecisionAllow,
		Reason:   decision.Reason,
		RuleID:   decision.RuleID,
		RecordID: record.ID,
		Result:   &result,
	}, nil
}

func (s *Service) escalate(ctx context.Context, identity *token.Identity, req ActionRequest, paramHash string, decision policy.Decision) (*SubmitResult, error) {
	record, err := s.append(ctx, identity.OrgID, ledger.AppendInput{
		AgentID:   identity.AgentID,
		Action:    req.Action,
		ParamHash: paramHash,
		Decision:  string(policy.DecisionEscalate),
		RuleID:    decision.RuleID,
		Reason:    decision.Reason,
	})
	if err != nil {
		return nil, err
	}

	task, err := s.deps.Approvals.Create(ctx, record.ID, identity.OrgID, decision.EscalateRole, s.approvalTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create approval task")
	}

	err = s.deps.Pending.Put(ctx, PendingAction{
		TaskID:    task.ID,
		RecordID:  record.ID,
		OrgID:     identity.OrgID,
		AgentID:   identity.AgentID,
		Action:    req.Action,
		ParamHash: paramHash,
		Params:    req.Params,
	}, s.approvalTTL+pendingGrace)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "stash pending action")
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.ApprovalsCreated.Inc()
	}
	s.publish(ctx, Event{
		Kind:     EventApprovalCreated,
		OrgID:    identity.OrgID.String(),
		AgentID:  string(identity.AgentID),
		Action:   req.Action,
		Decision: string(policy.DecisionEscalate),
		RecordID: record.ID.String(),
		TaskID:   task.ID.String(),
		At:       record.Timestamp,
	})
	return &SubmitResult{
		Decision: policy.DecisionEscalate,
		Reason:   decision.Reason,
		RuleID:   decision.RuleID,
		RecordID: record.ID,
		TaskID:   task.ID,
	}, nil
}

// DecideApproval applies an operator decision to an escalated request and
// appends the terminal follow-up record: execution result on approve, the
// operator's denial, or the expiry denial when the decision came too late.
func (s *Service) DecideApproval(ctx context.Context, taskID id.TaskID, operatorID string, outcome approval.Outcome, reason string) (*approval.Task, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.decide_approval",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	detached := context.WithoutCancel(ctx)

	task, err := s.deps.Approvals.Decide(ctx, taskID, operatorID, outcome, reason)
	if err != nil {
		if errors.Is(err, approval.ErrExpired) {
			s.recordExpiry(detached, taskID)
		}
		return nil, err
	}

	pending, perr := s.deps.Pending.Take(detached, taskID)
	if perr != nil {
		// The request payload is gone (claimed elsewhere or lost); the task
		// decision stands but no execution can happen.
		s.logger.WarnContext(ctx, "pending action unavailable for decided task",
			"task_id", taskID.String(), "error", perr)
		return task, nil
	}

	switch outcome {
	case approval.OutcomeApprove:
		s.countApproval("approved")
		result := s.runExecutor(detached, string(pending.AgentID), pending.Action, pending.Params)
		record, err := s.append(detached, pending.OrgID, ledger.AppendInput{
			AgentID:      pending.AgentID,
			Action:       pending.Action,
			ParamHash:    pending.ParamHash,
			Decision:     string(policy.DecisionAllow),
			Reason:       "approved by " + operatorID,
			ResultStatus: result.Status,
			ResultHash:   ledger.HashPayload(result.Payload),
		})
		if err != nil {
			return nil, err
		}
		s.recordUsage(detached, pending.AgentID, pending.Params)
		s.publishFollowUp(detached, EventApprovalDecided, pending, record.ID, string(policy.DecisionAllow))
	case approval.OutcomeDeny:
		s.countApproval("denied")
		denialReason := reason
		if denialReason == "" {
			denialReason = "denied by " + operatorID
		}
		record, err := s.append(detached, pending.OrgID, ledger.AppendInput{
			AgentID:   pending.AgentID,
			Action:    pending.Action,
			ParamHash: pending.ParamHash,
			Decision:  string(policy.DecisionDeny),
			Reason:    denialReason,
		})
		if err != nil {
			return nil, err
		}
		s.publishFollowUp(detached, EventApprovalDecided, pending, record.ID, string(policy.DecisionDeny))
	}
	return task, nil
}

// ListPendingApprovals returns the organization's open approval tasks.
func (s *Service) ListPendingApprovals(ctx context.Context, orgID id.OrgID) ([]approval.Task, error) {
	return s.deps.Approvals.ListPending(ctx, orgID)
}

// RunSweeper expires overdue approval tasks on the given interval and
// appends their terminal denial records. Blocks until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepExpired(ctx); err != nil {
				s.logger.ErrorContext(ctx, "approval sweep failed", "error", err)
			}
		}
	}
}

// SweepExpired runs one expiry pass: overdue pending tasks transition to
// expired and get their terminal denial records.
func (s *Service) SweepExpired(ctx context.Context) error {
	expired, err := s.deps.Approvals.Sweep(ctx)
	if err != nil {
		return err
	}
	for _, task := range expired {
		s.recordExpiry(ctx, task.ID)
	}
	return nil
}

// recordExpiry appends the terminal denial for an expired escalation. The
// atomic claim on the pending entry keeps this to at most one record per
// task when the sweeper races a late operator decision.
func (s *Service) recordExpiry(ctx context.Context, taskID id.TaskID) {
	pending, err := s.deps.Pending.Take(ctx, taskID)
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeNotFound) {
			s.logger.ErrorContext(ctx, "claim pending action for expiry", "task_id", taskID.String(), "error", err)
		}
		return
	}

	s.countApproval("expired")
	record, err := s.append(ctx, pending.OrgID, ledger.AppendInput{
		AgentID:   pending.AgentID,
		Action:    pending.Action,
		ParamHash: pending.ParamHash,
		Decision:  string(policy.DecisionDeny),
		Reason:    reasonApprovalExpired,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "append expiry record", "task_id", taskID.String(), "error", err)
		return
	}
	s.publishFollowUp(ctx, EventApprovalExpired, pending, record.ID, string(policy.DecisionDeny))
}

// VerifyChain rescans the organization's audit chain.
func (s *Service) VerifyChain(ctx context.Context, orgID id.OrgID, fromSeq, toSeq uint64) (*ledger.VerificationResult, error) {
	result, err := s.deps.Chain.Verify(ctx, orgID, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	if s.deps.Metrics != nil {
		outcome := "valid"
		if !result.Valid {
			outcome = "invalid"
		}
		s.deps.Metrics.ChainVerifications.WithLabelValues(outcome).Inc()
	}
	if !result.Valid {
		s.logger.ErrorContext(ctx, "chain verification failed",
			"org_id", orgID.String(), "failed_seq", result.FailedSeq, "reason", result.FailReason)
	}
	return result, nil
}

// ReadRecords pages through the organization's audit chain.
func (s *Service) ReadRecords(ctx context.Context, orgID id.OrgID, filter ledger.ReadFilter) ([]ledger.Record, error) {
	return s.deps.Chain.Read(ctx, orgID, filter)
}

// ExportChain verifies and packages a chain range for offline audit.
func (s *Service) ExportChain(ctx context.Context, orgID id.OrgID, fromSeq, toSeq uint64) (*ledger.ExportBundle, error) {
	return s.deps.Chain.Export(ctx, orgID, fromSeq, toSeq)
}

// IssueToken issues a capability token for an agent.
func (s *Service) IssueToken(ctx context.Context, agentID id.AgentID, orgID id.OrgID, scopes []string, ttl time.Duration) (*token.Identity, string, error) {
	ag, err := s.deps.Agents.Lookup(ctx, agentID)
	if err != nil {
		return nil, "", err
	}
	if ag.OrgID != orgID {
		return nil, "", dErrors.New(dErrors.CodeForbidden, "agent does not belong to organization")
	}
	if !ag.Active() {
		return nil, "", dErrors.New(dErrors.CodeForbidden, "agent is not active")
	}

	identity, signed, err := s.deps.Codec.Issue(agentID, orgID, scopes, ttl)
	if err != nil {
		return nil, "", err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokensIssued.Inc()
	}
	return identity, signed, nil
}

// RevokeToken puts a token on the revocation list for the given TTL, which
// should cover the token's remaining lifetime.
func (s *Service) RevokeToken(ctx context.Context, tokenID id.TokenID, ttl time.Duration) error {
	if s.deps.Revoker == nil {
		return dErrors.New(dErrors.CodeInternal, "revocation list is not configured")
	}
	return s.deps.Revoker.Revoke(ctx, tokenID, ttl)
}

// RevokeAgentTokens revokes every token the agent currently holds by
// recording a cutoff at the present moment. Tokens issued afterwards are
// unaffected.
func (s *Service) RevokeAgentTokens(ctx context.Context, agentID id.AgentID, ttl time.Duration) error {
	if s.deps.Revoker == nil {
		return dErrors.New(dErrors.CodeInternal, "revocation list is not configured")
	}
	if agentID.IsEmpty() {
		return dErrors.New(dErrors.CodeInvalidInput, "agent_id is required")
	}
	if _, err := s.deps.Agents.Lookup(ctx, agentID); err != nil {
		return err
	}
	return s.deps.Revoker.RevokeAgent(ctx, agentID, s.clock(), ttl)
}

// runExecutor performs the external action under the execution deadline and
// classifies the outcome.
func (s *Service) runExecutor(ctx context.Context, agentID, action string, params map[string]any) ExecutionResult {
	ctx, span := s.tracer.Start(ctx, "action.execute",
		trace.WithAttributes(attribute.String("action", action)))
	defer span.End()

	execCtx, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()

	started := s.clock()
	payload, err := s.deps.Executor.Execute(execCtx, action, params)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ExecutionDuration.Observe(s.clock().Sub(started).Seconds())
	}

	switch {
	case err == nil:
		return ExecutionResult{Status: ledger.ResultSuccess, Payload: payload}
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.WarnContext(ctx, "action execution timed out", "agent_id", agentID, "action", action)
		return ExecutionResult{Status: ledger.ResultTimeout}
	default:
		s.logger.WarnContext(ctx, "action execution failed", "agent_id", agentID, "action", action, "error", err)
		return ExecutionResult{Status: ledger.ResultFailure}
	}
}

// append writes one record and tracks append metrics. Callers treat a
// returned error as fatal to the request.
func (s *Service) append(ctx context.Context, orgID id.OrgID, input ledger.AppendInput) (*ledger.Record, error) {
	record, err := s.deps.Chain.Append(ctx, orgID, input)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.LedgerAppendErrors.Inc()
		}
		return nil, err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.LedgerAppends.Inc()
	}
	return record, nil
}

// recordUsage feeds the budget/rate counters after an approved execution.
// A numeric "cost" parameter contributes spend; every call counts one action.
func (s *Service) recordUsage(ctx context.Context, agentID id.AgentID, params map[string]any) {
	if s.deps.Usage == nil {
		return
	}
	var cost float64
	if raw, ok := params["cost"]; ok {
		switch v := raw.(type) {
		case float64:
			cost = v
		case int:
			cost = float64(v)
		}
	}
	if err := s.deps.Usage.Record(ctx, agentID, cost); err != nil {
		s.logger.WarnContext(ctx, "record usage", "agent_id", string(agentID), "error", err)
	}
}

func (s *Service) countDecision(kind policy.DecisionKind) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Decisions.WithLabelValues(string(kind)).Inc()
	}
}

func (s *Service) countApproval(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ApprovalOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) publish(ctx context.Context, event Event) {
	if s.deps.Publisher == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.deps.Publisher.Publish(publishCtx, event); err != nil {
		s.logger.WarnContext(ctx, "publish gateway event", "kind", string(event.Kind), "error", err)
	}
}

func (s *Service) publishFollowUp(ctx context.Context, kind EventKind, pending *PendingAction, recordID id.RecordID, decision string) {
	s.publish(ctx, Event{
		Kind:     kind,
		OrgID:    pending.OrgID.String(),
		AgentID:  string(pending.AgentID),
		Action:   pending.Action,
		Decision: decision,
		RecordID: recordID.String(),
		TaskID:   pending.TaskID.String(),
		At:       s.clock().UTC(),
	})
}
