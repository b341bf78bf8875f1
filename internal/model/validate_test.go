package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validManifest() *Manifest {
	now := time.Now().UTC()
	return &Manifest{
		Version:    "1.0.0",
		ID:         "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
		Sequence:   1,
		CreatedAt:  now.Format(time.RFC3339),
		UpdatedAt:  now.Format(time.RFC3339),
		ValidUntil: now.Add(24 * time.Hour).Format(time.RFC3339),
		Metadata: Metadata{
			Name:         "agent",
			Description:  "an agent",
			AgentVersion: "1.2.3",
		},
		Capabilities: Capabilities{
			Interfaces: []Interface{{Protocol: "https", URL: "https://api.example.com"}},
		},
		Proof: &Proof{
			Type:               ProofType,
			Created:            now.Format(time.RFC3339),
			VerificationMethod: "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
			ProofPurpose:       ProofPurpose,
			ProofValue:         "z3FXQjecWufY46yg5abdVZsXqLhxhueuSoZgNSARiKBsusgnSAPCVUFW56PNmtTCvmpCvmpCvmpCvmpCvmpCvmpCvmp",
		},
	}
}

func TestValidate_OK(t *testing.T) {
	assert.Empty(t, validManifest().Validate())
}

func TestValidate_FieldViolations(t *testing.T) {
	cases := map[string]func(*Manifest){
		"version":                   func(m *Manifest) { m.Version = "one" },
		"id":                        func(m *Manifest) { m.ID = "not-a-did" },
		"sequence":                  func(m *Manifest) { m.Sequence = 0 },
		"valid_until":               func(m *Manifest) { m.ValidUntil = "next tuesday" },
		"metadata.name":             func(m *Manifest) { m.Metadata.Name = strings.Repeat("x", MaxNameLen+1) },
		"metadata.description":      func(m *Manifest) { m.Metadata.Description = "" },
		"metadata.tags":             func(m *Manifest) { m.Metadata.Tags = make([]string, MaxTags+1) },
		"capabilities.interfaces":   func(m *Manifest) { m.Capabilities.Interfaces = nil },
		"capabilities.categories":   func(m *Manifest) { m.Capabilities.Categories = make([]string, MaxCategories+1) },
		"revocation.endpoint":       func(m *Manifest) { m.Revocation = &Revocation{Endpoint: "http://insecure.example.com"} },
		"revocation.check_interval": func(m *Manifest) { m.Revocation = &Revocation{Endpoint: "https://r.example.com", CheckInterval: 30} },
		"proof":                     func(m *Manifest) { m.Proof = nil },
		"proof.type":                func(m *Manifest) { m.Proof.Type = "JsonWebSignature2020" },
		"proof.proof_purpose":       func(m *Manifest) { m.Proof.ProofPurpose = "authentication" },
		"proof.proof_value":         func(m *Manifest) { m.Proof.ProofValue = "0notbase58" },
		"proof.verification_method": func(m *Manifest) { m.Proof.VerificationMethod = "did:key:zSomeoneElse" },
	}
	for path, mutate := range cases {
		m := validManifest()
		mutate(m)
		errs := m.Validate()
		assert.NotEmpty(t, errs, path)
		found := false
		for _, e := range errs {
			if strings.HasPrefix(e.Path, path) {
				found = true
			}
		}
		assert.True(t, found, "expected a violation at %s, got %v", path, errs)
	}
}

func TestValidate_InterfaceProtocols(t *testing.T) {
	m := validManifest()
	m.Capabilities.Interfaces = []Interface{{Protocol: "wss", URL: "wss://stream.example.com"}}
	assert.Empty(t, m.Validate())

	m.Capabilities.Interfaces = []Interface{{Protocol: "ftp", URL: "ftp://files.example.com"}}
	assert.NotEmpty(t, m.Validate())

	m.Capabilities.Interfaces = []Interface{{Protocol: "https", URL: "wss://stream.example.com"}}
	assert.NotEmpty(t, m.Validate())
}

func TestShapeHelpers(t *testing.T) {
	assert.True(t, ValidDID("did:web:example.com"))
	assert.False(t, ValidDID("did:"))
	assert.True(t, ValidChallengeValue(strings.Repeat("a1", 32)))
	assert.False(t, ValidChallengeValue("A1B2"))
	assert.True(t, ValidMultibase("zABC123"))
	assert.False(t, ValidMultibase("z0OIl"))
	assert.True(t, ValidStatus(StatusApproved))
	assert.False(t, ValidStatus("paused"))
}
