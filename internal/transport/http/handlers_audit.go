package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agentgate/internal/ledger"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
	"agentgate/pkg/platform/httputil"
)

// AuditReader is the gateway surface the audit endpoints need.
type AuditReader interface {
	VerifyChain(ctx context.Context, orgID id.OrgID, fromSeq, toSeq uint64) (*ledger.VerificationResult, error)
	ReadRecords(ctx context.Context, orgID id.OrgID, filter ledger.ReadFilter) ([]ledger.Record, error)
	ExportChain(ctx context.Context, orgID id.OrgID, fromSeq, toSeq uint64) (*ledger.ExportBundle, error)
}

// AuditHandler serves the audit and reporting surface.
type AuditHandler struct {
	gateway AuditReader
	logger  *slog.Logger
}

func NewAuditHandler(gw AuditReader, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{gateway: gw, logger: logger}
}

// Register mounts the audit endpoints.
func (h *AuditHandler) Register(r chi.Router) {
	r.Get("/orgs/{orgID}/chain/verify", h.HandleVerify)
	r.Get("/orgs/{orgID}/records", h.HandleReadRecords)
	r.Get("/orgs/{orgID}/chain/export", h.HandleExport)
}

type verifyResponse struct {
	Valid      bool   `json:"valid"`
	Checked    int    `json:"checked"`
	FirstSeq   uint64 `json:"first_seq,omitempty"`
	LastSeq    uint64 `json:"last_seq,omitempty"`
	FailedSeq  uint64 `json:"failed_seq,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
	VerifiedAt string `json:"verified_at"`
}

// HandleVerify handles GET /v1/orgs/{orgID}/chain/verify.
func (h *AuditHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	orgID, err := id.ParseOrgID(chi.URLParam(r, "orgID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	fromSeq, toSeq, err := seqRange(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.gateway.VerifyChain(r.Context(), orgID, fromSeq, toSeq)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, verifyResponse{
		Valid:      result.Valid,
		Checked:    result.Checked,
		FirstSeq:   result.FirstSeq,
		LastSeq:    result.LastSeq,
		FailedSeq:  result.FailedSeq,
		FailReason: result.FailReason,
		VerifiedAt: result.VerifiedAt.UTC().Format(time.RFC3339),
	})
}

// HandleReadRecords handles GET /v1/orgs/{orgID}/records with cursor paging
// via after_seq.
func (h *AuditHandler) HandleReadRecords(w http.ResponseWriter, r *http.Request) {
	orgID, err := id.ParseOrgID(chi.URLParam(r, "orgID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	filter := ledger.ReadFilter{
		AgentID:  id.AgentID(r.URL.Query().Get("agent_id")),
		Decision: r.URL.Query().Get("decision"),
	}
	if filter.AfterSeq, err = seqParam(r, "after_seq"); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	records, err := h.gateway.ReadRecords(r.Context(), orgID, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	out := make([]ledger.ExportedRecord, 0, len(records))
	var nextCursor uint64
	for _, rec := range records {
		out = append(out, ledger.ExportRecord(rec))
		nextCursor = rec.Seq
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"records":     out,
		"next_cursor": nextCursor,
	})
}

// HandleExport handles GET /v1/orgs/{orgID}/chain/export, returning a bundle
// verifiable offline with the verifychain tool.
func (h *AuditHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	orgID, err := id.ParseOrgID(chi.URLParam(r, "orgID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	fromSeq, toSeq, err := seqRange(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	bundle, err := h.gateway.ExportChain(r.Context(), orgID, fromSeq, toSeq)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, bundle)
}

func seqRange(r *http.Request) (uint64, uint64, error) {
	fromSeq, err := seqParam(r, "from_seq")
	if err != nil {
		return 0, 0, err
	}
	toSeq, err := seqParam(r, "to_seq")
	if err != nil {
		return 0, 0, err
	}
	return fromSeq, toSeq, nil
}

func seqParam(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, dErrors.Newf(dErrors.CodeInvalidInput, "%s must be a non-negative integer", name)
	}
	return seq, nil
}
