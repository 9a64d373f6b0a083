package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"agentgate/internal/apikey"
	dErrors "agentgate/pkg/domain-errors"
	"agentgate/pkg/platform/httputil"
	"agentgate/pkg/requestcontext"
)

// KeyVerifier authenticates operator API key secrets.
type KeyVerifier interface {
	Verify(ctx context.Context, secret string) (*apikey.Key, error)
}

// OperatorAuth requires a valid operator API key in the Authorization header
// and puts the operator identity on the context.
func OperatorAuth(keys KeyVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret, ok := bearerToken(r)
			if !ok {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "operator api key required"))
				return
			}

			key, err := keys.Verify(r.Context(), secret)
			if err != nil {
				logger.WarnContext(r.Context(), "operator auth rejected",
					"request_id", requestcontext.RequestID(r.Context()), "error", err)
				httputil.WriteError(w, err)
				return
			}

			ctx := requestcontext.WithOperator(r.Context(), key.Name, key.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
