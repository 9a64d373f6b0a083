// Package httptransport is the thin HTTP layer over the gateway. Handlers
// parse, delegate, and encode; all mediation logic stays in the services.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentgate/internal/platform/middleware"
)

// Deps are the handler groups mounted on the router.
type Deps struct {
	Actions   *ActionHandler
	Approvals *ApprovalHandler
	Audit     *AuditHandler
	Tokens    *TokenHandler
	Keys      middleware.KeyVerifier
	Logger    *slog.Logger
}

// NewRouter wires all public endpoints. Operator surfaces (approvals, audit,
// token issuance) sit behind API key auth; action submission authenticates
// with the capability token itself.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.ContentTypeJSON)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		deps.Actions.Register(v1)

		v1.Group(func(operator chi.Router) {
			operator.Use(middleware.OperatorAuth(deps.Keys, deps.Logger))
			deps.Approvals.Register(operator)
			deps.Audit.Register(operator)
			deps.Tokens.Register(operator)
		})
	})
	return r
}
