package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/agentauth/agentauth-go/internal/autherr"
)

// readyHandler reports readiness for load balancers. When the store is
// database-backed, the database is pinged; the in-memory store is always
// ready.
func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if db, ok := h.store.(interface{ DB() *sql.DB }); ok {
		if err := db.DB().PingContext(ctx); err != nil {
			w.Header().Set(headerContentType, contentTypeJSON)
			h.writeJSON(w, r, http.StatusServiceUnavailable, errorEnvelope{Error: errorBody{
				Code:          autherr.CodeInternal,
				Message:       "database not ready",
				CorrelationID: correlationIDFrom(r.Context()),
			}})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
