package did

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
)

// Resolver maps DIDs to 32-byte Ed25519 public keys, dispatching on method.
// did:key resolves offline; did:web fetches the DID document within the
// configured budget.
type Resolver struct {
	web *webResolver
}

// NewResolver builds a resolver. client may be nil (http.DefaultClient);
// a zero budget takes DefaultFetchBudget values.
func NewResolver(client *http.Client, budget FetchBudget) *Resolver {
	return &Resolver{web: newWebResolver(client, budget)}
}

// Resolve parses and resolves a DID string. verificationMethod optionally
// names a specific key entry (a DID URL from a manifest proof); it is only
// meaningful for did:web documents with multiple keys.
func (r *Resolver) Resolve(ctx context.Context, didStr, verificationMethod string) (ed25519.PublicKey, error) {
	d, err := Parse(didStr)
	if err != nil {
		return nil, err
	}
	switch d.Method {
	case MethodKey:
		return resolveKey(d.Identifier)
	case MethodWeb:
		return r.web.resolve(ctx, d, verificationMethod)
	default:
		return nil, fmt.Errorf("%w: did:%s", ErrUnsupportedMethod, d.Method)
	}
}
