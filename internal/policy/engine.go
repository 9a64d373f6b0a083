package policy

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// RuleStore lists an organization's active rules.
type RuleStore interface {
	ListRules(ctx context.Context, orgID id.OrgID) ([]Rule, error)
}

// UsageSource supplies the external running totals budget and rate
// constraints evaluate against.
type UsageSource interface {
	// SpendInWindow returns the cumulative approved-action cost for the
	// agent within the trailing window.
	SpendInWindow(ctx context.Context, agentID id.AgentID, window time.Duration) (float64, error)

	// ActionCount returns the number of actions the agent performed within
	// the trailing window.
	ActionCount(ctx context.Context, agentID id.AgentID, window time.Duration) (int, error)
}

// Engine evaluates action requests against an organization's rules.
type Engine struct {
	rules  RuleStore
	usage  UsageSource
	clock  func() time.Time
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine constructs a policy engine. The usage source may be nil when no
// rule in the deployment uses budget or rate constraints; evaluation of such
// a constraint without a source is a misconfiguration and denies.
func NewEngine(rules RuleStore, usage UsageSource, opts ...EngineOption) (*Engine, error) {
	if rules == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "rule store is required")
	}
	e := &Engine{
		rules: rules,
		usage: usage,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate walks the organization's rules in (priority, registration) order
// and returns the first match. No match is a fail-closed default deny.
//
// A matching rule that cannot be evaluated as written (an escalate rule
// with no approver role, an invalid time window, a budget or rate
// constraint with no usage source) is returned as a deny naming the rule,
// together with a CodeMisconfigured error so the caller can surface the
// defect to operators.
func (e *Engine) Evaluate(ctx context.Context, orgID id.OrgID, agentID id.AgentID, action string, params map[string]any) (Decision, error) {
	rules, err := e.rules.ListRules(ctx, orgID)
	if err != nil {
		return Decision{}, dErrors.Wrap(err, dErrors.CodeInternal, "load policy rules")
	}

	// Stable sort preserves registration order within a priority band.
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Seq < rules[j].Seq
	})

	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		matched, err := e.ruleMatches(ctx, rule, agentID, action, params)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeMisconfigured) {
				return e.misconfiguredDeny(ctx, rule, orgID, err), err
			}
			return Decision{}, err
		}
		if !matched {
			continue
		}

		if rule.Decision == DecisionEscalate && rule.EscalateRole == "" {
			err := dErrors.Newf(dErrors.CodeMisconfigured, "escalate rule %s has no approver role", rule.Name)
			return e.misconfiguredDeny(ctx, rule, orgID, err), err
		}

		return Decision{
			Kind:         rule.Decision,
			RuleID:       rule.ID,
			RuleName:     rule.Name,
			Reason:       decisionReason(rule),
			EscalateRole: rule.EscalateRole,
		}, nil
	}

	return Decision{Kind: DecisionDeny, Reason: ReasonDefaultDeny}, nil
}

// misconfiguredDeny turns a rule that cannot be evaluated as written into a
// populated denial, so the audit record names the broken rule instead of
// carrying an empty reason.
func (e *Engine) misconfiguredDeny(ctx context.Context, rule *Rule, orgID id.OrgID, cause error) Decision {
	if e.logger != nil {
		e.logger.WarnContext(ctx, "rule cannot be evaluated as written, denying",
			"rule_id", rule.ID, "rule_name", rule.Name, "org_id", orgID.String(), "error", cause)
	}

	reason := "rule " + rule.Name + " cannot be evaluated"
	var de *dErrors.Error
	if errors.As(cause, &de) {
		reason = de.Message
	}
	return Decision{
		Kind:     DecisionDeny,
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Reason:   reasonMisconfiguredPrefix + reason,
	}
}

func decisionReason(rule *Rule) string {
	switch rule.Decision {
	case DecisionAllow:
		return "allowed by rule " + rule.Name
	case DecisionDeny:
		return "denied by rule " + rule.Name
	default:
		return "escalated by rule " + rule.Name
	}
}

// ruleMatches evaluates every constraint the rule declares; all must hold.
func (e *Engine) ruleMatches(ctx context.Context, rule *Rule, agentID id.AgentID, action string, params map[string]any) (bool, error) {
	if !actionMatches(rule.ActionPattern, action) {
		return false, nil
	}

	for i := range rule.Params {
		if !paramSatisfied(&rule.Params[i], params) {
			return false, nil
		}
	}

	if rule.Budget != nil {
		ok, err := e.budgetSatisfied(ctx, rule, agentID, params)
		if err != nil || !ok {
			return false, err
		}
	}

	if rule.Rate != nil {
		ok, err := e.rateSatisfied(ctx, rule, agentID)
		if err != nil || !ok {
			return false, err
		}
	}

	if rule.TimeWindow != nil {
		ok, err := timeWindowSatisfied(rule.TimeWindow, e.clock())
		if err != nil {
			return false, dErrors.Wrap(err, dErrors.CodeMisconfigured, "rule "+rule.ID+" has an invalid time window")
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func (e *Engine) budgetSatisfied(ctx context.Context, rule *Rule, agentID id.AgentID, params map[string]any) (bool, error) {
	if e.usage == nil {
		return false, dErrors.Newf(dErrors.CodeMisconfigured, "rule %s declares a budget but no usage source is configured", rule.ID)
	}
	spent, err := e.usage.SpendInWindow(ctx, agentID, rule.Budget.Window)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "query budget usage")
	}
	total := spent
	if rule.Budget.CostParam != "" {
		if cost, ok := numericValue(params[rule.Budget.CostParam]); ok {
			total += cost
		}
	}
	return total <= rule.Budget.Limit, nil
}

func (e *Engine) rateSatisfied(ctx context.Context, rule *Rule, agentID id.AgentID) (bool, error) {
	if e.usage == nil {
		return false, dErrors.Newf(dErrors.CodeMisconfigured, "rule %s declares a rate limit but no usage source is configured", rule.ID)
	}
	count, err := e.usage.ActionCount(ctx, agentID, rule.Rate.Window)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "query action rate")
	}
	return count < rule.Rate.MaxActions, nil
}

// actionMatches applies the same exact-or-trailing-wildcard semantics the
// token scopes use. A rule without an action pattern applies to every action.
func actionMatches(pattern, action string) bool {
	if pattern == "" || pattern == action {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := strings.TrimSuffix(pattern, "*")
	return strings.HasPrefix(action, prefix) && len(action) > len(prefix)
}

func paramSatisfied(c *ParamConstraint, params map[string]any) bool {
	value, present := params[c.Key]
	if !present {
		return false
	}

	switch c.Op {
	case ParamEquals:
		return valuesEqual(value, c.Equals)
	case ParamRange:
		n, ok := numericValue(value)
		if !ok {
			return false
		}
		if c.Min != nil && n < *c.Min {
			return false
		}
		if c.Max != nil && n > *c.Max {
			return false
		}
		return true
	case ParamOneOf:
		for _, candidate := range c.OneOf {
			if valuesEqual(value, candidate) {
				return true
			}
		}
		return false
	default:
		// Unknown constraint kinds never match: fail-closed.
		return false
	}
}

func timeWindowSatisfied(w *TimeWindowConstraint, now time.Time) (bool, error) {
	loc := time.UTC
	if w.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(w.Timezone)
		if err != nil {
			return false, err
		}
	}
	local := now.In(loc)

	if len(w.Weekdays) > 0 {
		dayOK := false
		for _, d := range w.Weekdays {
			if local.Weekday() == d {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false, nil
		}
	}

	if w.HourFrom == w.HourTo {
		return true, nil
	}
	h := local.Hour()
	if w.HourFrom < w.HourTo {
		return h >= w.HourFrom && h < w.HourTo, nil
	}
	// Overnight window, e.g. 22..6.
	return h >= w.HourFrom || h < w.HourTo, nil
}

// valuesEqual compares request parameters with constraint values. JSON
// decoding yields float64 for every number, so numeric comparison goes
// through a common representation first.
func valuesEqual(a, b any) bool {
	if an, ok := numericValue(a); ok {
		if bn, ok := numericValue(b); ok {
			return an == bn
		}
		return false
	}
	return a == b
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
