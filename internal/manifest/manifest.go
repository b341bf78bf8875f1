// Package manifest implements the verification pipeline for signed agent
// manifests and a TTL cache for manifests that already verified.
package manifest

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentauth/agentauth-go/internal/canonical"
	"github.com/agentauth/agentauth-go/internal/cryptoutil"
	"github.com/agentauth/agentauth-go/internal/model"
	"github.com/agentauth/agentauth-go/internal/multibase"
)

// SigningBytes produces the exact bytes an agent signs: the JCS
// canonicalization of the manifest document with the proof member absent
// (removed, not null). Operating on the raw document preserves members the
// typed model does not know about, so a byte-level mutation anywhere in the
// manifest invalidates the signature.
func SigningBytes(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	delete(doc, "proof")
	return canonical.Marshal(doc)
}

// Digest returns SHA-256 over the signing bytes of raw.
func Digest(raw json.RawMessage) ([]byte, error) {
	signing, err := SigningBytes(raw)
	if err != nil {
		return nil, err
	}
	return cryptoutil.SHA256(signing), nil
}

// Sign attaches an Ed25519Signature2020 proof to the manifest, signing
// SHA-256(JCS(manifest \ proof)) with priv. verificationMethod defaults to
// the manifest id when empty. Used by registration tooling and tests; the
// server itself only verifies.
func Sign(m *model.Manifest, priv ed25519.PrivateKey, verificationMethod string) error {
	if verificationMethod == "" {
		verificationMethod = m.ID
	}
	m.Proof = nil
	unsigned, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	digest, err := Digest(unsigned)
	if err != nil {
		return err
	}
	sig, err := cryptoutil.Sign(priv, digest)
	if err != nil {
		return fmt.Errorf("sign manifest digest: %w", err)
	}
	m.Proof = &model.Proof{
		Type:               model.ProofType,
		Created:            time.Now().UTC().Format(time.RFC3339),
		VerificationMethod: verificationMethod,
		ProofPurpose:       model.ProofPurpose,
		ProofValue:         multibase.Encode(sig),
	}
	return nil
}
