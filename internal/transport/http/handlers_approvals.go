package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agentgate/internal/approval"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
	"agentgate/pkg/platform/httputil"
	"agentgate/pkg/requestcontext"
)

// ApprovalDecider is the gateway surface the approval endpoints need.
type ApprovalDecider interface {
	DecideApproval(ctx context.Context, taskID id.TaskID, operatorID string, outcome approval.Outcome, reason string) (*approval.Task, error)
	ListPendingApprovals(ctx context.Context, orgID id.OrgID) ([]approval.Task, error)
}

// ApprovalHandler serves the operator approval surface.
type ApprovalHandler struct {
	gateway ApprovalDecider
	logger  *slog.Logger
}

func NewApprovalHandler(gw ApprovalDecider, logger *slog.Logger) *ApprovalHandler {
	return &ApprovalHandler{gateway: gw, logger: logger}
}

// Register mounts the approval endpoints.
func (h *ApprovalHandler) Register(r chi.Router) {
	r.Get("/orgs/{orgID}/approvals", h.HandleListPending)
	r.Post("/approvals/{taskID}/decision", h.HandleDecide)
}

type taskResponse struct {
	ID        string `json:"id"`
	RecordID  string `json:"record_id"`
	OrgID     string `json:"org_id"`
	Role      string `json:"role"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
	DecidedBy string `json:"decided_by,omitempty"`
	DecidedAt string `json:"decided_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func toTaskResponse(t approval.Task) taskResponse {
	resp := taskResponse{
		ID:        t.ID.String(),
		RecordID:  t.RecordID.String(),
		OrgID:     t.OrgID.String(),
		Role:      t.Role,
		State:     string(t.State),
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt: t.ExpiresAt.UTC().Format(time.RFC3339),
		Reason:    t.Reason,
		DecidedBy: t.DecidedBy,
	}
	if t.DecidedAt != nil {
		resp.DecidedAt = t.DecidedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// HandleListPending handles GET /v1/orgs/{orgID}/approvals.
func (h *ApprovalHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	orgID, err := id.ParseOrgID(chi.URLParam(r, "orgID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	tasks, err := h.gateway.ListPendingApprovals(r.Context(), orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

type decideRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// HandleDecide handles POST /v1/approvals/{taskID}/decision. The operator
// identity comes from the authenticated API key, never the body.
func (h *ApprovalHandler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	taskID, err := id.ParseTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	operator := requestcontext.Operator(r.Context())
	if operator == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "operator identity required"))
		return
	}

	req, ok := httputil.DecodeJSON[decideRequest](w, r)
	if !ok {
		return
	}

	var outcome approval.Outcome
	switch req.Decision {
	case "approve":
		outcome = approval.OutcomeApprove
	case "deny":
		outcome = approval.OutcomeDeny
	default:
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, `decision must be "approve" or "deny"`))
		return
	}

	task, err := h.gateway.DecideApproval(r.Context(), taskID, operator, outcome, req.Reason)
	if err != nil {
		h.logger.WarnContext(r.Context(), "approval decision rejected",
			"request_id", requestcontext.RequestID(r.Context()),
			"task_id", taskID.String(),
			"operator", operator,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toTaskResponse(*task))
}
