package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/agentauth/agentauth-go/internal/autherr"
	"github.com/agentauth/agentauth-go/internal/did"
	"github.com/agentauth/agentauth-go/internal/multibase"
)

// wellKnownHandler publishes the service's own DID document when the token
// signer is EdDSA, so resource servers can resolve the token verification
// key like any other did:web identity. HS256 deployments have no public key
// to publish.
func (h *Handler) wellKnownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeJSON(w, r, http.StatusMethodNotAllowed, errorEnvelope{Error: errorBody{
			Code:          autherr.CodeInvalidRequest,
			Message:       "method not allowed",
			CorrelationID: correlationIDFrom(r.Context()),
		}})
		return
	}

	pub := h.tokens.PublicKey()
	if pub == nil {
		h.writeError(w, r, autherr.New(autherr.CodeInvalidRequest, "no public verification key is configured"))
		return
	}

	serviceDID := "did:web:" + strings.ReplaceAll(r.Host, ":", "%3A")
	vmID := serviceDID + "#token-key"
	vmRef, _ := json.Marshal(vmID)
	doc := did.Document{
		Context: []string{"https://www.w3.org/ns/did/v1"},
		ID:      serviceDID,
		VerificationMethod: []did.VerificationMethod{{
			ID:                 vmID,
			Type:               "Ed25519VerificationKey2020",
			Controller:         serviceDID,
			PublicKeyMultibase: multibase.Encode(append([]byte{0xed, 0x01}, pub...)),
		}},
		AssertionMethod: []json.RawMessage{vmRef},
	}
	h.writeJSON(w, r, http.StatusOK, doc)
}
