package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Domain counters for the authentication flows.
var (
	challengesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_challenges_issued_total",
			Help: "Total number of challenges issued.",
		},
	)

	verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_verifications_total",
			Help: "Total number of verify attempts, by result.",
		},
		[]string{"result"}, // success, failure
	)

	registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_registrations_total",
			Help: "Total number of registration attempts, by result.",
		},
		[]string{"result"}, // accepted, duplicate, rejected
	)

	tokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Total number of bearer tokens issued.",
		},
	)

	revocationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_revocation_checks_total",
			Help: "Total number of revocation checks, by result.",
		},
		[]string{"result"}, // ok, revoked, error
	)
)

// metricsHandler exposes Prometheus metrics on the main mux.
func (h *Handler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// NewMetricsHandler creates a standalone metrics handler for a separate
// listener, keeping scrape traffic off the application port.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}
