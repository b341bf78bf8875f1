package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentauth/agentauth-go/internal/autherr"
	"github.com/agentauth/agentauth-go/internal/cryptoutil"
	"github.com/agentauth/agentauth-go/internal/did"
	"github.com/agentauth/agentauth-go/internal/model"
	"github.com/agentauth/agentauth-go/internal/multibase"
	"github.com/agentauth/agentauth-go/internal/storage"
	"github.com/agentauth/agentauth-go/internal/token"
)

type verifyRequest struct {
	DID       string          `json:"did"`
	Challenge string          `json:"challenge"`
	Signature string          `json:"signature"`
	Manifest  json.RawMessage `json:"manifest"`
}

type verifyResponse struct {
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at"`
	Agent     verifyAgent `json:"agent"`
}

type verifyAgent struct {
	DID          string   `json:"did"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// handleVerify consumes a challenge: it checks the agent's signature over
// the challenge, verifies the presented manifest, enforces sequence
// monotonicity, and mints a bearer token. The challenge is marked used only
// after every check passes, so failed attempts do not burn it.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !h.requirePOST(w, r) {
		return
	}
	if err := h.checkRate(r, endpointVerify); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := validateVerifyRequest(&req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.recordRate(r, endpointVerify)

	result := "failure"
	defer func() { verifications.WithLabelValues(result).Inc() }()

	// Challenge state machine: found, unused, bound to this DID, unexpired.
	c, err := h.store.GetChallenge(r.Context(), req.Challenge)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			h.writeError(w, r, autherr.New(autherr.CodeChallengeNotFound, "challenge not found"))
		case errors.Is(err, storage.ErrExpired):
			h.writeError(w, r, autherr.New(autherr.CodeExpiredChallenge, "challenge has expired"))
		default:
			h.writeError(w, r, err)
		}
		return
	}
	if c.Used {
		h.writeError(w, r, autherr.New(autherr.CodeChallengeAlreadyUsed, "challenge was already used"))
		return
	}
	if c.DID != req.DID {
		h.writeError(w, r, autherr.New(autherr.CodeDIDMismatch, "challenge was issued to a different DID"))
		return
	}
	now := h.clock()
	if c.ExpiresAt.Add(h.cfg.ClockSkew).Before(now) {
		h.writeError(w, r, autherr.New(autherr.CodeExpiredChallenge, "challenge has expired"))
		return
	}

	// Prove key possession: the agent signed
	// SHA-256(challenge "." did "." expires_at) with the DID's key.
	pub, err := h.resolver.Resolve(r.Context(), req.DID, "")
	if err != nil {
		if errors.Is(err, did.ErrUnsupportedMethod) {
			h.writeError(w, r, autherr.Wrap(autherr.CodeUnsupportedDIDMethod, "DID method is not supported", err))
		} else {
			h.writeError(w, r, autherr.Wrap(autherr.CodeDIDResolutionFailed, "DID could not be resolved", err))
		}
		return
	}
	signingInput := req.Challenge + "." + c.DID + "." + c.ExpiresAt.UTC().Format(time.RFC3339)
	digest := cryptoutil.SHA256([]byte(signingInput))
	sig, err := multibase.Decode(req.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		h.writeError(w, r, autherr.New(autherr.CodeInvalidSignature, "signature must be a base58btc-encoded 64-byte Ed25519 signature"))
		return
	}
	ok, err := cryptoutil.Verify(pub, digest, sig)
	if err != nil || !ok {
		h.writeError(w, r, autherr.New(autherr.CodeInvalidSignature, "challenge signature verification failed"))
		return
	}

	m, err := h.verifyPresentedManifest(r.Context(), req.DID, req.Manifest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// Revocation is advisory: endpoint failures count as not revoked.
	if h.revocation != nil && m.Revocation != nil {
		status, err := h.revocation.Check(r.Context(), req.DID, m.Revocation)
		switch {
		case err != nil:
			revocationChecks.WithLabelValues("error").Inc()
			h.logger.Warn("revocation check failed, failing open", "did", req.DID, "error", err)
		case status.Revoked:
			revocationChecks.WithLabelValues("revoked").Inc()
			h.writeError(w, r, autherr.New(autherr.CodeManifestRevoked, "manifest has been revoked"))
			return
		default:
			revocationChecks.WithLabelValues("ok").Inc()
		}
	}

	if m.ID != req.DID {
		h.writeError(w, r, autherr.New(autherr.CodeDIDMismatch, "manifest id does not match the authenticating DID"))
		return
	}

	storedSeq, err := h.store.MaxSequence(r.Context(), req.DID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if m.Sequence <= storedSeq {
		h.writeError(w, r, autherr.Newf(autherr.CodeManifestRollback, "manifest sequence must exceed %d", storedSeq))
		return
	}
	if err := h.store.UpdateSequence(r.Context(), req.DID, m.Sequence); err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.manifestCache != nil {
		h.manifestCache.Put(req.DID, m, h.tokens.Lifetime())
	}

	// All checks passed; only now is the challenge consumed. The store's
	// compare-and-swap is the real guard against two in-flight verifies of
	// the same challenge: the one that loses the swap is a replay.
	if err := h.store.MarkChallengeUsed(r.Context(), req.Challenge); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			h.writeError(w, r, autherr.New(autherr.CodeChallengeAlreadyUsed, "challenge was already used"))
			return
		}
		h.writeError(w, r, err)
		return
	}

	scope := h.scope(req.DID, m)
	signed, expiresAt, err := h.tokens.Issue(token.IssueParams{
		DID:              req.DID,
		Scope:            scope,
		AgentName:        m.Metadata.Name,
		AgentVersion:     m.Metadata.AgentVersion,
		ManifestSequence: m.Sequence,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result = "success"
	tokensIssued.Inc()
	h.logger.Info("agent verified", "did", req.DID, "sequence", m.Sequence, "correlationId", correlationIDFrom(r.Context()))
	h.writeJSON(w, r, http.StatusOK, verifyResponse{
		Token:     signed,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
		Agent: verifyAgent{
			DID:          req.DID,
			Name:         m.Metadata.Name,
			Capabilities: strings.Fields(scope),
		},
	})
}

func validateVerifyRequest(req *verifyRequest) error {
	if !model.ValidDID(req.DID) {
		return autherr.New(autherr.CodeInvalidRequest, "did must be of the form did:<method>:<identifier>")
	}
	if !model.ValidChallengeValue(req.Challenge) {
		return autherr.New(autherr.CodeInvalidRequest, "challenge must be 64 lowercase hex characters")
	}
	if !model.ValidMultibase(req.Signature) {
		return autherr.New(autherr.CodeInvalidRequest, "signature must be a z-prefixed base58btc string")
	}
	if len(req.Manifest) == 0 {
		return autherr.New(autherr.CodeInvalidRequest, "manifest is required")
	}
	return nil
}

// verifyPresentedManifest verifies the manifest the agent presented. For
// did:web agents, a manifest published at the domain's well-known location
// takes precedence over the request body when it fetches and verifies;
// fetch failures fall back silently, and verification failures fall back
// unless strict mode is on.
func (h *Handler) verifyPresentedManifest(ctx context.Context, didStr string, body json.RawMessage) (*model.Manifest, error) {
	if h.cfg.FetchRemoteManifest && strings.HasPrefix(didStr, "did:web:") {
		if remote := h.fetchRemoteManifest(ctx, didStr); remote != nil {
			m, err := h.manifests.Verify(ctx, remote)
			if err == nil {
				return m, nil
			}
			if h.cfg.StrictRemoteManifest {
				return nil, err
			}
			h.logger.Warn("remote manifest failed verification, using request body", "did", didStr, "error", err)
		}
	}
	return h.manifests.Verify(ctx, body)
}

// fetchRemoteManifest loads https://<domain>/.well-known/agent-manifest.json
// under the did:web safety budget. Any failure returns nil.
func (h *Handler) fetchRemoteManifest(ctx context.Context, didStr string) json.RawMessage {
	d, err := did.Parse(didStr)
	if err != nil {
		return nil
	}
	docURL, err := did.DocumentURL(d.Identifier)
	if err != nil {
		return nil
	}
	manifestURL := strings.TrimSuffix(docURL, "did.json") + "agent-manifest.json"
	budget := did.FetchBudget{
		Timeout:      h.cfg.DIDWebTimeout,
		MaxBytes:     h.cfg.DIDWebMaxBytes,
		MaxRedirects: h.cfg.DIDWebMaxRedirects,
	}
	body, err := did.FetchJSON(ctx, h.remoteClient, manifestURL, budget)
	if err != nil {
		return nil
	}
	return body
}
