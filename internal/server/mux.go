// Package server wires the authentication engine to HTTP: the three auth
// endpoints, the bearer guard, and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentauth/agentauth-go/internal/autherr"
	"github.com/agentauth/agentauth-go/internal/config"
	"github.com/agentauth/agentauth-go/internal/did"
	"github.com/agentauth/agentauth-go/internal/manifest"
	"github.com/agentauth/agentauth-go/internal/model"
	"github.com/agentauth/agentauth-go/internal/ratelimit"
	"github.com/agentauth/agentauth-go/internal/revocation"
	"github.com/agentauth/agentauth-go/internal/storage"
	"github.com/agentauth/agentauth-go/internal/token"
)

type contextKey string

const (
	contextKeyCorrelationID contextKey = "correlationId"
	contextKeyClaims        contextKey = "claims"

	headerContentType   = "Content-Type"
	headerCorrelationID = "X-Correlation-Id"

	contentTypeJSON = "application/json"
)

// Rate-limit endpoint keys.
const (
	endpointChallenge = "challenge"
	endpointVerify    = "verify"
	endpointRegister  = "register"
)

// ScopeFunc computes the scope string granted to an agent. The default
// returns the configured static scope.
type ScopeFunc func(didStr string, m *model.Manifest) string

// Options are the injected dependencies of the handler. Store, Resolver,
// Manifests, and Tokens are required; Limiter and Revocation are optional
// (absent means the feature is disabled).
type Options struct {
	Store          storage.Store
	Resolver       *did.Resolver
	Manifests      *manifest.Verifier
	ManifestCache  *manifest.Cache
	Tokens         *token.Signer
	Limiter        *ratelimit.Limiter
	Revocation     revocation.Checker
	Scope          ScopeFunc
	OnRegistration func(ctx context.Context, entry model.ACLEntry)
	Logger         *slog.Logger
	// RemoteClient performs the optional .well-known/agent-manifest.json
	// fetch for did:web agents. nil uses http.DefaultClient.
	RemoteClient *http.Client
}

// Handler orchestrates the challenge, verify, and register flows.
type Handler struct {
	cfg            config.Config
	store          storage.Store
	resolver       *did.Resolver
	manifests      *manifest.Verifier
	manifestCache  *manifest.Cache
	tokens         *token.Signer
	limiter        *ratelimit.Limiter
	revocation     revocation.Checker
	scope          ScopeFunc
	onRegistration func(ctx context.Context, entry model.ACLEntry)
	logger         *slog.Logger
	remoteClient   *http.Client
	clock          func() time.Time
	router         *http.ServeMux
}

// New creates a Handler from its dependencies.
func New(cfg config.Config, opts Options) (*Handler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scope := opts.Scope
	if scope == nil {
		scope = func(string, *model.Manifest) string { return cfg.Scope }
	}
	remoteClient := opts.RemoteClient
	if remoteClient == nil {
		remoteClient = http.DefaultClient
	}
	h := &Handler{
		cfg:            cfg,
		store:          opts.Store,
		resolver:       opts.Resolver,
		manifests:      opts.Manifests,
		manifestCache:  opts.ManifestCache,
		tokens:         opts.Tokens,
		limiter:        opts.Limiter,
		revocation:     opts.Revocation,
		scope:          scope,
		onRegistration: opts.OnRegistration,
		logger:         logger,
		remoteClient:   remoteClient,
		clock:          time.Now,
		router:         http.NewServeMux(),
	}
	h.registerRoutes()
	return h, nil
}

// Router returns the mux with all routes registered.
func (h *Handler) Router() *http.ServeMux { return h.router }

// Dispose releases the stores and caches the handler owns.
func (h *Handler) Dispose() {
	if h.store != nil {
		h.store.Dispose()
	}
	if h.manifestCache != nil {
		h.manifestCache.Dispose()
	}
	if h.limiter != nil {
		h.limiter.Dispose()
	}
	if h.revocation != nil {
		h.revocation.Dispose()
	}
}

func (h *Handler) registerRoutes() {
	prefix := strings.TrimSuffix(h.cfg.RoutePrefix, "/")

	h.router.Handle("/health", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.health))))
	h.router.Handle("/ready", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.readyHandler))))
	h.router.Handle("/metrics", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.metricsHandler))))
	h.router.Handle("/.well-known/did.json", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.wellKnownHandler))))

	h.router.Handle(prefix+"/challenge", h.loggingMiddleware(h.timeoutMiddleware(h.corsMiddleware(h.wrap(h.handleChallenge)))))
	h.router.Handle(prefix+"/verify", h.loggingMiddleware(h.timeoutMiddleware(h.corsMiddleware(h.wrap(h.handleVerify)))))
	h.router.Handle(prefix+"/register", h.loggingMiddleware(h.timeoutMiddleware(h.corsMiddleware(h.wrap(h.handleRegister)))))
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Details       any    `json:"details,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// wrap applies correlation-ID propagation, JSON content type, and panic
// recovery to an endpoint handler.
func (h *Handler) wrap(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := h.ensureCorrelationID(w, r)
		ctx := context.WithValue(r.Context(), contextKeyCorrelationID, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set(headerContentType, contentTypeJSON)

		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", "panic", rec, "correlationId", correlationID)
				h.writeError(w, r, autherr.New(autherr.CodeInternal, "internal server error"))
			}
		}()

		next(w, r)
	})
}

func (h *Handler) ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("marshal response failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write response failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

// writeError classifies err and emits the error envelope. The underlying
// cause is logged but never serialized.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := autherr.From(err)
	if ae.Code == autherr.CodeInternal {
		h.logger.Error("internal error", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
	h.writeJSON(w, r, ae.Status(), errorEnvelope{Error: errorBody{
		Code:          ae.Code,
		Message:       ae.Message,
		Details:       ae.Details,
		CorrelationID: correlationIDFrom(r.Context()),
	}})
}

func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}

// clientID keys rate limiting: the first X-Forwarded-For hop when present,
// otherwise the peer address without its port.
func clientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// checkRate applies the inspect-only half of rate limiting. Recording
// happens after schema validation so malformed traffic is rejected first.
func (h *Handler) checkRate(r *http.Request, endpoint string) error {
	if h.limiter == nil {
		return nil
	}
	if !h.limiter.Check(clientID(r), endpoint) {
		return autherr.New(autherr.CodeRateLimited, "rate limit exceeded").
			WithDetails(map[string]any{"retry_after": 60})
	}
	return nil
}

func (h *Handler) recordRate(r *http.Request, endpoint string) {
	if h.limiter != nil {
		h.limiter.Record(clientID(r), endpoint)
	}
}

func (h *Handler) requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		h.writeJSON(w, r, http.StatusMethodNotAllowed, errorEnvelope{Error: errorBody{
			Code:          autherr.CodeInvalidRequest,
			Message:       "method not allowed",
			CorrelationID: correlationIDFrom(r.Context()),
		}})
		return false
	}
	return true
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return autherr.Wrap(autherr.CodeInvalidRequest, "invalid JSON body", err)
	}
	return nil
}
