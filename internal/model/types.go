// Package model defines the data shapes shared by the authentication engine:
// signed agent manifests, challenge records, ACL entries, and token payloads.
// Wire DTOs use snake_case JSON tags; validation lives in validate.go.
package model

import (
	"encoding/json"
	"time"
)

// ACL statuses. One entry per DID.
const (
	StatusPendingApproval = "pending_approval"
	StatusApproved        = "approved"
	StatusRejected        = "rejected"
	StatusBanned          = "banned"
)

// Proof constants required on every manifest.
const (
	ProofType    = "Ed25519Signature2020"
	ProofPurpose = "assertionMethod"
)

// Manifest is the agent's self-signed description. Immutable once signed;
// the signing input is the JCS canonicalization of the manifest with the
// proof member absent.
type Manifest struct {
	Version      string       `json:"version"`
	ID           string       `json:"id"`
	Sequence     int64        `json:"sequence"`
	CreatedAt    string       `json:"created_at"`
	UpdatedAt    string       `json:"updated_at"`
	ValidUntil   string       `json:"valid_until"`
	Revocation   *Revocation  `json:"revocation,omitempty"`
	Metadata     Metadata     `json:"metadata"`
	Capabilities Capabilities `json:"capabilities"`
	Proof        *Proof       `json:"proof,omitempty"`
}

// Revocation points at an HTTPS endpoint answering {revoked, reason?}.
type Revocation struct {
	Endpoint      string `json:"endpoint"`
	CheckInterval int64  `json:"check_interval,omitempty"`
}

// Metadata is the human-readable description of the agent.
type Metadata struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	AgentVersion string   `json:"agent_version"`
	Tags         []string `json:"tags,omitempty"`
	Homepage     string   `json:"homepage,omitempty"`
	Logo         string   `json:"logo,omitempty"`
	Operator     string   `json:"operator,omitempty"`
}

// Capabilities declares the agent's callable surfaces.
type Capabilities struct {
	Interfaces          []Interface `json:"interfaces"`
	Categories          []string    `json:"categories,omitempty"`
	PermissionsRequired []string    `json:"permissions_required,omitempty"`
}

// Interface is one protocol endpoint exposed by the agent.
type Interface struct {
	Protocol    string   `json:"protocol"`
	URL         string   `json:"url"`
	APIStandard string   `json:"api_standard,omitempty"`
	Methods     []string `json:"methods,omitempty"`
	SchemaRef   string   `json:"schema_ref,omitempty"`
}

// Proof is the detached Ed25519 signature over the manifest.
type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verification_method"`
	ProofPurpose       string `json:"proof_purpose"`
	ProofValue         string `json:"proof_value"`
}

// Challenge is a single-use nonce bound to a DID. The value is 64 lowercase
// hex characters (32 random bytes).
type Challenge struct {
	Challenge string    `json:"challenge"`
	DID       string    `json:"did"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

// ACLEntry records a DID's authorization status and the highest manifest
// sequence accepted for it.
type ACLEntry struct {
	DID              string         `json:"did"`
	Status           string         `json:"status"`
	ManifestSequence int64          `json:"manifest_sequence"`
	RegisteredAt     time.Time      `json:"registered_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Reason           string         `json:"reason,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// TokenPayload is the decoded claim set of an issued bearer token.
type TokenPayload struct {
	Issuer           string `json:"iss"`
	Subject          string `json:"sub"`
	IssuedAt         int64  `json:"iat"`
	ExpiresAt        int64  `json:"exp"`
	TokenID          string `json:"jti"`
	Scope            string `json:"scope"`
	AgentName        string `json:"agent_name"`
	AgentVersion     string `json:"agent_version"`
	ManifestSequence int64  `json:"manifest_sequence"`
}

// RevocationStatus is the response shape of a manifest revocation endpoint.
type RevocationStatus struct {
	Revoked bool   `json:"revoked"`
	Reason  string `json:"reason,omitempty"`
}

// ParseManifest decodes a raw manifest document into its typed form.
func ParseManifest(raw json.RawMessage) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
