package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agentgate/internal/token"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
	"agentgate/pkg/platform/httputil"
)

// TokenIssuer is the gateway surface the token endpoints need.
type TokenIssuer interface {
	IssueToken(ctx context.Context, agentID id.AgentID, orgID id.OrgID, scopes []string, ttl time.Duration) (*token.Identity, string, error)
	RevokeToken(ctx context.Context, tokenID id.TokenID, ttl time.Duration) error
	RevokeAgentTokens(ctx context.Context, agentID id.AgentID, ttl time.Duration) error
}

// TokenHandler serves capability token issuance and revocation for
// operators.
type TokenHandler struct {
	gateway TokenIssuer
	logger  *slog.Logger
}

func NewTokenHandler(gw TokenIssuer, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{gateway: gw, logger: logger}
}

// Register mounts the token endpoints.
func (h *TokenHandler) Register(r chi.Router) {
	r.Post("/tokens", h.HandleIssue)
	r.Delete("/tokens/{tokenID}", h.HandleRevoke)
	r.Delete("/agents/{agentID}/tokens", h.HandleRevokeAgent)
}

type issueTokenRequest struct {
	AgentID    string   `json:"agent_id"`
	OrgID      string   `json:"org_id"`
	Scopes     []string `json:"scopes"`
	TTLSeconds int64    `json:"ttl_seconds"`
}

type issueTokenResponse struct {
	TokenID string `json:"token_id"`
	Token   string `json:"token"`
}

// HandleIssue handles POST /v1/tokens.
func (h *TokenHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeJSON[issueTokenRequest](w, r)
	if !ok {
		return
	}

	orgID, err := id.ParseOrgID(req.OrgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	identity, signed, err := h.gateway.IssueToken(r.Context(),
		id.AgentID(req.AgentID), orgID, req.Scopes, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, issueTokenResponse{
		TokenID: string(identity.TokenID),
		Token:   signed,
	})
}

// revocationTTL keeps revoked token IDs on the list past any token's maximum
// lifetime.
const revocationTTL = 7 * 24 * time.Hour

// HandleRevoke handles DELETE /v1/tokens/{tokenID}.
func (h *TokenHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	tokenID := id.TokenID(chi.URLParam(r, "tokenID"))
	if tokenID.IsEmpty() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "token id is required"))
		return
	}

	if err := h.gateway.RevokeToken(r.Context(), tokenID, revocationTTL); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// HandleRevokeAgent handles DELETE /v1/agents/{agentID}/tokens, cutting off
// every token the agent currently holds.
func (h *TokenHandler) HandleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	agentID := id.AgentID(chi.URLParam(r, "agentID"))
	if agentID.IsEmpty() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "agent id is required"))
		return
	}

	if err := h.gateway.RevokeAgentTokens(r.Context(), agentID, revocationTTL); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
