package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentauth/agentauth-go/internal/autherr"
	"github.com/agentauth/agentauth-go/internal/model"
	"github.com/agentauth/agentauth-go/internal/storage"
)

type registerRequest struct {
	Manifest json.RawMessage `json:"manifest"`
	Reason   string          `json:"reason,omitempty"`
}

type registerResponse struct {
	DID        string `json:"did"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// handleRegister accepts a self-signed manifest from an unknown agent and
// files it for operator approval. The manifest signature is verified, but no
// ACL decision is made here; registration never grants access by itself.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.requirePOST(w, r) {
		return
	}
	if !h.cfg.EnableRegistration {
		h.writeError(w, r, autherr.New(autherr.CodeInvalidRequest, "registration is disabled"))
		return
	}
	if err := h.checkRate(r, endpointRegister); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Manifest) == 0 {
		h.writeError(w, r, autherr.New(autherr.CodeInvalidRequest, "manifest is required"))
		return
	}
	if len(req.Reason) > model.MaxReasonLen {
		h.writeError(w, r, autherr.Newf(autherr.CodeInvalidRequest, "reason must be at most %d characters", model.MaxReasonLen))
		return
	}
	h.recordRate(r, endpointRegister)

	m, err := h.manifests.Verify(r.Context(), req.Manifest)
	if err != nil {
		registrations.WithLabelValues("rejected").Inc()
		h.writeError(w, r, err)
		return
	}

	// An existing entry is reported as-is: no mutation, and nothing about
	// the stored record beyond its status leaks.
	if existing, err := h.store.GetEntry(r.Context(), m.ID); err == nil {
		registrations.WithLabelValues("duplicate").Inc()
		h.writeJSON(w, r, http.StatusOK, registerResponse{
			DID:     existing.DID,
			Status:  existing.Status,
			Message: "registration already on file",
		})
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, r, err)
		return
	}

	now := h.clock().UTC()
	entry := model.ACLEntry{
		DID:              m.ID,
		Status:           model.StatusPendingApproval,
		ManifestSequence: m.Sequence,
		RegisteredAt:     now,
		UpdatedAt:        now,
		Reason:           req.Reason,
		Metadata: map[string]any{
			"name":          m.Metadata.Name,
			"description":   m.Metadata.Description,
			"agent_version": m.Metadata.AgentVersion,
		},
	}
	if err := h.store.SetEntry(r.Context(), entry); err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.onRegistration != nil {
		h.onRegistration(r.Context(), entry)
	}

	registrations.WithLabelValues("accepted").Inc()
	h.logger.Info("agent registered", "did", m.ID, "name", m.Metadata.Name, "correlationId", correlationIDFrom(r.Context()))
	h.writeJSON(w, r, http.StatusCreated, registerResponse{
		DID:        m.ID,
		Status:     model.StatusPendingApproval,
		Message:    "registration received and awaiting approval",
		RetryAfter: 3600,
	})
}
