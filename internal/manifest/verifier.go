package manifest

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/agentauth/agentauth-go/internal/autherr"
	"github.com/agentauth/agentauth-go/internal/cryptoutil"
	"github.com/agentauth/agentauth-go/internal/did"
	"github.com/agentauth/agentauth-go/internal/model"
	"github.com/agentauth/agentauth-go/internal/multibase"
)

// MaxValidity caps valid_until at one year in the future.
const MaxValidity = 365 * 24 * time.Hour

// KeyResolver resolves a DID (optionally a specific verification method DID
// URL) to an Ed25519 public key. Satisfied by *did.Resolver.
type KeyResolver interface {
	Resolve(ctx context.Context, didStr, verificationMethod string) (ed25519.PublicKey, error)
}

// Verifier validates manifest structure, signature, and temporal bounds.
type Verifier struct {
	resolver KeyResolver
	clock    func() time.Time
	skew     time.Duration
}

// NewVerifier builds a Verifier. skew widens temporal checks in the "past"
// direction only.
func NewVerifier(resolver KeyResolver, skew time.Duration) *Verifier {
	return &Verifier{resolver: resolver, clock: time.Now, skew: skew}
}

// WithClock overrides the time source, for tests.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify runs the full pipeline on a raw manifest document: schema
// validation, proof extraction, key resolution, signature verification over
// SHA-256(JCS(manifest \ proof)), then temporal checks. On success the typed
// manifest is returned.
func (v *Verifier) Verify(ctx context.Context, raw json.RawMessage) (*model.Manifest, error) {
	m, err := model.ParseManifest(raw)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInvalidRequest, "manifest is not a valid JSON object", err)
	}
	if errs := m.Validate(); len(errs) > 0 {
		return nil, autherr.New(autherr.CodeInvalidRequest, "manifest failed schema validation").WithDetails(errs)
	}

	// The verification method names the signing key; it must belong to the
	// manifest's subject (checked by Validate) and resolves through the DID
	// layer. A bare fragment-less method equals the DID itself.
	vm := m.Proof.VerificationMethod
	vmDID := vm
	if i := strings.IndexByte(vm, '#'); i >= 0 {
		vmDID = vm[:i]
	}
	pub, err := v.resolver.Resolve(ctx, vmDID, vm)
	if err != nil {
		return nil, classifyResolution(err)
	}

	digest, err := Digest(raw)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInvalidRequest, "manifest cannot be canonicalized", err)
	}
	sig, err := multibase.Decode(m.Proof.ProofValue)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInvalidManifestSignature, "proof value is not valid base58btc", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, autherr.Newf(autherr.CodeInvalidManifestSignature, "proof value must decode to %d bytes", ed25519.SignatureSize)
	}
	ok, err := cryptoutil.Verify(pub, digest, sig)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInvalidManifestSignature, "manifest signature malformed", err)
	}
	if !ok {
		return nil, autherr.New(autherr.CodeInvalidManifestSignature, "manifest signature verification failed")
	}

	now := v.clock()
	validUntil, err := model.ParseTimestamp(m.ValidUntil)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInvalidRequest, "valid_until is not a valid timestamp", err)
	}
	if validUntil.Add(v.skew).Before(now) {
		return nil, autherr.New(autherr.CodeManifestExpired, "manifest validity window has passed")
	}
	if validUntil.After(now.Add(MaxValidity)) {
		return nil, autherr.New(autherr.CodeInvalidRequest, "valid_until is more than 365 days in the future")
	}

	return m, nil
}

func classifyResolution(err error) error {
	switch {
	case errors.Is(err, did.ErrUnsupportedMethod):
		return autherr.Wrap(autherr.CodeUnsupportedDIDMethod, "DID method is not supported", err)
	default:
		return autherr.Wrap(autherr.CodeDIDResolutionFailed, "DID could not be resolved", err)
	}
}
