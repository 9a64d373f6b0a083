// Package policy evaluates action requests against an organization's ordered
// rule set. Rules are data, not code: each constraint is a tagged variant
// evaluated by a small pure function, so rule sets stay storable and
// testable in isolation.
package policy

import (
	"time"

	id "agentgate/pkg/domain"
)

// DecisionKind is the outcome of evaluating an action request.
type DecisionKind string

const (
	DecisionAllow    DecisionKind = "allow"
	DecisionDeny     DecisionKind = "deny"
	DecisionEscalate DecisionKind = "escalate"
)

// Decision is the result of rule evaluation. RuleID is empty when no rule
// matched and the default-deny applied.
type Decision struct {
	Kind     DecisionKind
	RuleID   string
	RuleName string
	Reason   string
	// EscalateRole is the approver role for escalate decisions.
	EscalateRole string
}

// ReasonDefaultDeny marks the fail-closed outcome of an empty or exhausted
// rule set.
const ReasonDefaultDeny = "no matching rule (default deny)"

// reasonMisconfiguredPrefix distinguishes a broken-rule denial from a
// rule-matched denial in audit records.
const reasonMisconfiguredPrefix = "misconfigured_rule: "

// Rule is one ordered policy entry. Within an organization rules evaluate by
// (Priority ascending, Seq ascending); Seq is assigned by the store in
// registration order and never reordered.
type Rule struct {
	ID       string
	OrgID    id.OrgID
	Name     string
	Priority int
	Seq      int64
	Enabled  bool

	// ActionPattern matches the requested action name: exact, or a trailing
	// "*" segment for prefix matching ("payment:*").
	ActionPattern string

	// Constraints are ANDed; the rule matches only if every declared
	// constraint is satisfied.
	Params     []ParamConstraint
	Budget     *BudgetConstraint
	Rate       *RateConstraint
	TimeWindow *TimeWindowConstraint

	Decision DecisionKind
	// EscalateRole is required when Decision is escalate.
	EscalateRole string

	CreatedAt time.Time
}

// ParamOp tags the parameter constraint variant.
type ParamOp string

const (
	ParamEquals ParamOp = "eq"
	ParamRange  ParamOp = "range"
	ParamOneOf  ParamOp = "in"
)

// ParamConstraint restricts a single request parameter.
type ParamConstraint struct {
	Key string
	Op  ParamOp

	// Equals holds the expected value for ParamEquals.
	Equals any
	// Min/Max bound a numeric parameter for ParamRange; nil means unbounded
	// on that side.
	Min *float64
	Max *float64
	// OneOf lists the admissible values for ParamOneOf.
	OneOf []any
}

// BudgetConstraint caps cumulative approved-action cost inside a window. The
// running total is external state queried through the UsageSource; the
// engine never owns it.
type BudgetConstraint struct {
	Limit  float64
	Window time.Duration
	// CostParam names the request parameter carrying this action's cost.
	// When set, the prospective cost counts against the limit too.
	CostParam string
}

// RateConstraint caps actions per agent per window.
type RateConstraint struct {
	MaxActions int
	Window     time.Duration
}

// TimeWindowConstraint allows actions only within hour/day ranges evaluated
// in the configured timezone.
type TimeWindowConstraint struct {
	// Timezone is an IANA zone name; empty means UTC.
	Timezone string
	// HourFrom/HourTo bound the allowed local hours [HourFrom, HourTo).
	// HourFrom == HourTo means all hours.
	HourFrom int
	HourTo   int
	// Weekdays restricts allowed days; empty means every day.
	Weekdays []time.Weekday
}
