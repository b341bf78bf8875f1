package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/agentauth/agentauth-go/internal/autherr"
	"github.com/agentauth/agentauth-go/internal/model"
)

// RequireAuth guards a protected resource: it validates the Authorization
// bearer token and exposes the decoded payload to downstream handlers via
// ClaimsFrom.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)

		raw := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(raw, prefix) {
			h.writeError(w, r, autherr.New(autherr.CodeInvalidToken, "missing bearer token"))
			return
		}
		payload, err := h.tokens.Validate(strings.TrimSpace(raw[len(prefix):]))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, payload)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFrom returns the token payload RequireAuth stored on the context,
// or nil outside a guarded handler.
func ClaimsFrom(ctx context.Context) *model.TokenPayload {
	if p, ok := ctx.Value(contextKeyClaims).(*model.TokenPayload); ok {
		return p
	}
	return nil
}
