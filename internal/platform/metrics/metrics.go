package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	Decisions          *prometheus.CounterVec
	LedgerAppends      prometheus.Counter
	LedgerAppendErrors prometheus.Counter
	ChainVerifications *prometheus.CounterVec
	ApprovalsCreated   prometheus.Counter
	ApprovalOutcomes   *prometheus.CounterVec
	TokensIssued       prometheus.Counter
	ExecutionDuration  prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_decisions_total",
			Help: "Policy decisions by kind (allow, deny, escalate)",
		}, []string{"decision"}),
		LedgerAppends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_ledger_appends_total",
			Help: "Interaction records appended to the audit chain",
		}),
		LedgerAppendErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_ledger_append_errors_total",
			Help: "Failed audit chain appends (requests failed with audit_write_failed)",
		}),
		ChainVerifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_chain_verifications_total",
			Help: "Chain verification runs by outcome (valid, invalid)",
		}, []string{"outcome"}),
		ApprovalsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_approvals_created_total",
			Help: "Approval tasks created by escalated decisions",
		}),
		ApprovalOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_approval_outcomes_total",
			Help: "Terminal approval task states (approved, denied, expired)",
		}, []string{"outcome"}),
		TokensIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_tokens_issued_total",
			Help: "Capability tokens issued",
		}),
		ExecutionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentgate_execution_duration_seconds",
			Help:    "Duration of external action execution",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
