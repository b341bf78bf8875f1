package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/agentauth/agentauth-go/internal/autherr"
	"github.com/agentauth/agentauth-go/internal/cryptoutil"
	"github.com/agentauth/agentauth-go/internal/model"
	"github.com/agentauth/agentauth-go/internal/storage"
)

type challengeRequest struct {
	DID string `json:"did"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
	ExpiresAt string `json:"expires_at"`
}

type pendingResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// handleChallenge issues a single-use challenge to an approved DID.
func (h *Handler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if !h.requirePOST(w, r) {
		return
	}
	if err := h.checkRate(r, endpointChallenge); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req challengeRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !model.ValidDID(req.DID) {
		h.writeError(w, r, autherr.New(autherr.CodeInvalidRequest, "did must be of the form did:<method>:<identifier>"))
		return
	}
	h.recordRate(r, endpointChallenge)

	entry, err := h.store.GetEntry(r.Context(), req.DID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			msg := "DID is not registered"
			if h.cfg.EnableRegistration {
				msg = "DID is not registered; submit a manifest to the register endpoint"
			}
			h.writeError(w, r, autherr.New(autherr.CodeDIDNotFound, msg))
			return
		}
		h.writeError(w, r, err)
		return
	}

	switch entry.Status {
	case model.StatusApproved:
		// proceed
	case model.StatusPendingApproval:
		// Not an error semantically; a 202 tells the agent to come back.
		h.writeJSON(w, r, http.StatusAccepted, pendingResponse{
			Status:     model.StatusPendingApproval,
			Message:    "registration is awaiting approval",
			RetryAfter: 3600,
		})
		return
	case model.StatusRejected:
		h.writeError(w, r, autherr.New(autherr.CodeDIDRejected, "registration was rejected"))
		return
	case model.StatusBanned:
		h.writeError(w, r, autherr.New(autherr.CodeDIDBanned, "DID is banned"))
		return
	default:
		h.writeError(w, r, autherr.New(autherr.CodeInternal, "unknown ACL status"))
		return
	}

	value, err := cryptoutil.RandomHex(32)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// Second precision keeps the expiry string stable across storage
	// round-trips; the client signs this exact string.
	expiresAt := h.clock().UTC().Add(h.cfg.ChallengeLifetime).Truncate(time.Second)

	if err := h.store.PutChallenge(r.Context(), model.Challenge{
		Challenge: value,
		DID:       req.DID,
		ExpiresAt: expiresAt,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}

	challengesIssued.Inc()
	h.logger.Info("challenge issued", "did", req.DID, "correlationId", correlationIDFrom(r.Context()))
	h.writeJSON(w, r, http.StatusOK, challengeResponse{
		Challenge: value,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}
