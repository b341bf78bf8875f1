package did

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Document is the subset of a W3C DID document the resolver consumes.
type Document struct {
	Context            any                  `json:"@context,omitempty"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	AssertionMethod    []json.RawMessage    `json:"assertionMethod,omitempty"`
	Authentication     []json.RawMessage    `json:"authentication,omitempty"`
	Service            []Service            `json:"service,omitempty"`
}

// VerificationMethod is a keyed entry in a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Service is a service endpoint entry in a DID document.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// FetchBudget bounds every outbound document fetch: a deadline, a byte cap,
// and a redirect cap. Redirects must stay on https and carry a Location.
type FetchBudget struct {
	Timeout      time.Duration
	MaxBytes     int64
	MaxRedirects int
}

// DefaultFetchBudget matches the defaults for did:web resolution.
var DefaultFetchBudget = FetchBudget{
	Timeout:      2 * time.Second,
	MaxBytes:     100 * 1024,
	MaxRedirects: 3,
}

// webResolver fetches DID documents for the did:web method.
type webResolver struct {
	client *http.Client
	budget FetchBudget
}

func newWebResolver(client *http.Client, budget FetchBudget) *webResolver {
	if budget.Timeout <= 0 {
		budget.Timeout = DefaultFetchBudget.Timeout
	}
	if budget.MaxBytes <= 0 {
		budget.MaxBytes = DefaultFetchBudget.MaxBytes
	}
	base := http.DefaultClient
	if client != nil {
		base = client
	}
	// Clone so the redirect policy does not leak into the caller's client.
	c := *base
	maxRedirects := budget.MaxRedirects
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if req.URL.Scheme != "https" {
			return fmt.Errorf("redirect left https: %s", req.URL.Scheme)
		}
		if len(via) > maxRedirects {
			return fmt.Errorf("too many redirects (max %d)", maxRedirects)
		}
		return nil
	}
	return &webResolver{client: &c, budget: budget}
}

// DocumentURL maps a did:web identifier to its DID document URL: colons
// become path separators, percent escapes are decoded, and the document
// always lives under /.well-known/did.json.
func DocumentURL(identifier string) (string, error) {
	path := strings.ReplaceAll(identifier, ":", "/")
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("%w: invalid percent encoding: %v", ErrInvalidDID, err)
	}
	if decoded == "" || strings.HasPrefix(decoded, "/") {
		return "", fmt.Errorf("%w: empty did:web host", ErrInvalidDID)
	}
	return "https://" + decoded + "/.well-known/did.json", nil
}

// resolve fetches the DID document and extracts the Ed25519 key selected by
// verificationMethod (a DID URL, may be empty). All network, size, redirect,
// parse, and structural failures collapse into ErrResolutionFailed without
// surfacing transport detail.
func (r *webResolver) resolve(ctx context.Context, d DID, verificationMethod string) (ed25519.PublicKey, error) {
	docURL, err := DocumentURL(d.Identifier)
	if err != nil {
		return nil, err
	}
	body, err := FetchJSON(ctx, r.client, docURL, r.budget)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s", ErrResolutionFailed, docURL)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed DID document", ErrResolutionFailed)
	}
	vm, err := selectVerificationMethod(&doc, verificationMethod)
	if err != nil {
		return nil, err
	}
	// publicKeyMultibase carries the same multicodec framing as a did:key
	// identifier.
	return resolveKey(vm.PublicKeyMultibase)
}

// selectVerificationMethod picks the key entry to use: an exact id match when
// the caller supplied a DID URL, otherwise the first entry referenced by
// assertionMethod, otherwise the first verificationMethod.
func selectVerificationMethod(doc *Document, id string) (*VerificationMethod, error) {
	if len(doc.VerificationMethod) == 0 {
		return nil, fmt.Errorf("%w: document has no verification methods", ErrResolutionFailed)
	}
	if id != "" {
		for i := range doc.VerificationMethod {
			if doc.VerificationMethod[i].ID == id {
				return &doc.VerificationMethod[i], nil
			}
		}
		return nil, fmt.Errorf("%w: verification method %q not found", ErrResolutionFailed, id)
	}
	for _, raw := range doc.AssertionMethod {
		// assertionMethod entries are either reference strings or embedded
		// verification methods.
		var ref string
		if err := json.Unmarshal(raw, &ref); err == nil {
			for i := range doc.VerificationMethod {
				if doc.VerificationMethod[i].ID == ref {
					return &doc.VerificationMethod[i], nil
				}
			}
			continue
		}
		var embedded VerificationMethod
		if err := json.Unmarshal(raw, &embedded); err == nil && embedded.PublicKeyMultibase != "" {
			return &embedded, nil
		}
	}
	return &doc.VerificationMethod[0], nil
}

// FetchJSON performs a budgeted HTTPS GET: context deadline, byte cap via
// LimitReader, and the client's redirect policy. Shared by did:web
// resolution, remote manifest fetch, and the revocation checker.
func FetchJSON(ctx context.Context, client *http.Client, rawURL string, budget FetchBudget) ([]byte, error) {
	if budget.Timeout <= 0 {
		budget.Timeout = DefaultFetchBudget.Timeout
	}
	if budget.MaxBytes <= 0 {
		budget.MaxBytes = DefaultFetchBudget.MaxBytes
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be https, got %q", u.Scheme)
	}
	ctx, cancel := context.WithTimeout(ctx, budget.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, budget.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > budget.MaxBytes {
		return nil, fmt.Errorf("body exceeds %d byte budget", budget.MaxBytes)
	}
	return body, nil
}
