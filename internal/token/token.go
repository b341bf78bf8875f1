// Package token issues and validates the bearer tokens handed out after a
// successful verify. Tokens are self-contained JWTs signed with either a
// symmetric secret (HS256) or an Ed25519 keypair (EdDSA); no server-side
// session state exists.
package token

import (
	"crypto/ed25519"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/agentauth/agentauth-go/internal/autherr"
	"github.com/agentauth/agentauth-go/internal/cryptoutil"
	"github.com/agentauth/agentauth-go/internal/model"
)

// Algorithms supported by the signer.
const (
	AlgHS256 = "HS256"
	AlgEdDSA = "EdDSA"
)

// Signer mints and validates bearer tokens. The signing material is injected
// at construction and held for the process lifetime; it is never logged or
// serialized.
type Signer struct {
	issuer   string
	lifetime time.Duration
	skew     time.Duration
	alg      string

	secret []byte
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey

	clock func() time.Time
}

// NewHS256 builds a Signer using a shared symmetric secret.
func NewHS256(issuer string, secret []byte, lifetime, skew time.Duration) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token: HS256 secret must not be empty")
	}
	return &Signer{
		issuer:   issuer,
		lifetime: lifetime,
		skew:     skew,
		alg:      AlgHS256,
		secret:   secret,
		clock:    time.Now,
	}, nil
}

// NewEdDSA builds a Signer using an Ed25519 keypair.
func NewEdDSA(issuer string, priv ed25519.PrivateKey, lifetime, skew time.Duration) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("token: signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	return &Signer{
		issuer:   issuer,
		lifetime: lifetime,
		skew:     skew,
		alg:      AlgEdDSA,
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
		clock:    time.Now,
	}, nil
}

// WithClock overrides the time source, for tests.
func (s *Signer) WithClock(clock func() time.Time) *Signer {
	s.clock = clock
	return s
}

// Lifetime returns the configured token lifetime.
func (s *Signer) Lifetime() time.Duration { return s.lifetime }

// PublicKey returns the EdDSA verification key, nil in HS256 mode.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// IssueParams carries the agent-specific claims of a new token.
type IssueParams struct {
	DID              string
	Scope            string
	AgentName        string
	AgentVersion     string
	ManifestSequence int64
}

// Issue mints a signed token. The jti is 16 random bytes hex-encoded.
func (s *Signer) Issue(p IssueParams) (string, time.Time, error) {
	jti, err := cryptoutil.RandomHex(16)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate jti: %w", err)
	}

	issuedAt := s.clock()
	expiresAt := issuedAt.Add(s.lifetime)
	claims := jwtlib.MapClaims{
		"iss":               s.issuer,
		"sub":               p.DID,
		"iat":               issuedAt.Unix(),
		"exp":               expiresAt.Unix(),
		"jti":               jti,
		"scope":             p.Scope,
		"agent_name":        p.AgentName,
		"agent_version":     p.AgentVersion,
		"manifest_sequence": p.ManifestSequence,
	}

	var tok *jwtlib.Token
	var signed string
	switch s.alg {
	case AlgHS256:
		tok = jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
		signed, err = tok.SignedString(s.secret)
	case AlgEdDSA:
		tok = jwtlib.NewWithClaims(jwtlib.SigningMethodEdDSA, claims)
		signed, err = tok.SignedString(s.priv)
	default:
		return "", time.Time{}, fmt.Errorf("unsupported algorithm %q", s.alg)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate checks signature and claims and returns the decoded payload.
// Every failure mode surfaces as AUTH_INVALID_TOKEN.
func (s *Signer) Validate(tokenString string) (*model.TokenPayload, error) {
	parser := jwtlib.NewParser(
		jwtlib.WithLeeway(s.skew),
		jwtlib.WithIssuer(s.issuer),
		jwtlib.WithExpirationRequired(),
	)
	tok, err := parser.Parse(tokenString, func(t *jwtlib.Token) (interface{}, error) {
		switch s.alg {
		case AlgHS256:
			if t.Method != jwtlib.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		case AlgEdDSA:
			if t.Method != jwtlib.SigningMethodEdDSA {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.pub, nil
		default:
			return nil, fmt.Errorf("unsupported algorithm %q", s.alg)
		}
	})
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInvalidToken, "token validation failed", err)
	}

	claims, ok := tok.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, autherr.New(autherr.CodeInvalidToken, "token claims malformed")
	}

	payload := &model.TokenPayload{}
	if iss, ok := claims["iss"].(string); ok {
		payload.Issuer = iss
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, autherr.New(autherr.CodeInvalidToken, "missing sub claim")
	}
	payload.Subject = sub
	scope, ok := claims["scope"].(string)
	if !ok || scope == "" {
		return nil, autherr.New(autherr.CodeInvalidToken, "missing scope claim")
	}
	payload.Scope = scope
	if iat, ok := claims["iat"].(float64); ok {
		payload.IssuedAt = int64(iat)
	}
	if exp, ok := claims["exp"].(float64); ok {
		payload.ExpiresAt = int64(exp)
	}
	if jti, ok := claims["jti"].(string); ok {
		payload.TokenID = jti
	}
	if name, ok := claims["agent_name"].(string); ok {
		payload.AgentName = name
	}
	if version, ok := claims["agent_version"].(string); ok {
		payload.AgentVersion = version
	}
	if seq, ok := claims["manifest_sequence"].(float64); ok {
		payload.ManifestSequence = int64(seq)
	}
	return payload, nil
}
