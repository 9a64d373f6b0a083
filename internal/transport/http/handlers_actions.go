package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"agentgate/internal/gateway"
	dErrors "agentgate/pkg/domain-errors"
	"agentgate/pkg/platform/httputil"
)

// ActionSubmitter is the gateway surface the action endpoint needs.
type ActionSubmitter interface {
	SubmitAction(ctx context.Context, token string, req gateway.ActionRequest) (*gateway.SubmitResult, error)
}

// ActionHandler serves action submission.
type ActionHandler struct {
	gateway ActionSubmitter
	logger  *slog.Logger
}

func NewActionHandler(gw ActionSubmitter, logger *slog.Logger) *ActionHandler {
	return &ActionHandler{gateway: gw, logger: logger}
}

// Register mounts the action endpoints.
func (h *ActionHandler) Register(r chi.Router) {
	r.Post("/actions", h.HandleSubmit)
}

type submitRequest struct {
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
	Context string         `json:"context,omitempty"`
}

type submitResponse struct {
	Decision string          `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
	RuleID   string          `json:"rule_id,omitempty"`
	RecordID string          `json:"record_id"`
	TaskID   string          `json:"approval_task_id,omitempty"`
	Result   *executedResult `json:"result,omitempty"`
}

type executedResult struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandleSubmit handles POST /v1/actions. The capability token rides in the
// Authorization header; the action itself in the body.
func (h *ActionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	token, ok := capabilityToken(r)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "capability token required"))
		return
	}

	req, ok := httputil.DecodeJSON[submitRequest](w, r)
	if !ok {
		return
	}
	if req.Action == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "action is required"))
		return
	}

	result, err := h.gateway.SubmitAction(r.Context(), token, gateway.ActionRequest{
		Action:  req.Action,
		Params:  req.Params,
		Context: req.Context,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := submitResponse{
		Decision: string(result.Decision),
		Reason:   result.Reason,
		RuleID:   result.RuleID,
		RecordID: result.RecordID.String(),
	}
	if !result.TaskID.IsNil() {
		resp.TaskID = result.TaskID.String()
	}
	if result.Result != nil {
		resp.Result = &executedResult{
			Status:  string(result.Result.Status),
			Payload: payloadJSON(result.Result.Payload),
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// payloadJSON passes JSON payloads through untouched and quotes everything
// else so the response stays valid JSON.
func payloadJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return payload
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return nil
	}
	return quoted
}

func capabilityToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
