// Package revocation checks manifest revocation endpoints. The checker fails
// open: any network, timeout, or parse failure is reported as "not revoked",
// trading deny-by-default for availability. Deployments wanting the opposite
// wrap the Checker interface.
package revocation

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/agentauth/agentauth-go/internal/did"
	"github.com/agentauth/agentauth-go/internal/model"
)

// Checker answers whether a manifest has been revoked.
type Checker interface {
	// Check queries rev.Endpoint for didStr. The error is advisory; callers
	// treat any error as not revoked.
	Check(ctx context.Context, didStr string, rev *model.Revocation) (model.RevocationStatus, error)
	Dispose()
}

// HTTPChecker fetches revocation status over HTTPS with the same safety
// budget as did:web resolution and caches results per DID.
type HTTPChecker struct {
	client   *http.Client
	budget   did.FetchBudget
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	done  chan struct{}
	once  sync.Once
}

type cacheEntry struct {
	status    model.RevocationStatus
	expiresAt time.Time
}

// NewHTTPChecker builds a checker. cacheTTL defaults to 300s; the byte budget
// defaults to 10 KiB when the supplied budget has none.
func NewHTTPChecker(client *http.Client, budget did.FetchBudget, cacheTTL time.Duration) *HTTPChecker {
	if client == nil {
		client = http.DefaultClient
	}
	if budget.Timeout <= 0 {
		budget.Timeout = 2 * time.Second
	}
	if budget.MaxBytes <= 0 {
		budget.MaxBytes = 10 * 1024
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	c := &HTTPChecker{
		client:   client,
		budget:   budget,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
		done:     make(chan struct{}),
	}
	go c.reclaimLoop()
	return c
}

// Check returns the cached status when fresh, otherwise queries the
// endpoint. Successful lookups (revoked or not) are cached; failures are not,
// so a recovering endpoint is re-queried promptly.
func (c *HTTPChecker) Check(ctx context.Context, didStr string, rev *model.Revocation) (model.RevocationStatus, error) {
	if rev == nil || rev.Endpoint == "" {
		return model.RevocationStatus{}, nil
	}

	c.mu.Lock()
	if e, ok := c.cache[didStr]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.status, nil
	}
	c.mu.Unlock()

	body, err := did.FetchJSON(ctx, c.client, rev.Endpoint, c.budget)
	if err != nil {
		return model.RevocationStatus{}, err
	}
	var status model.RevocationStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return model.RevocationStatus{}, err
	}

	c.mu.Lock()
	c.cache[didStr] = cacheEntry{status: status, expiresAt: time.Now().Add(c.cacheTTL)}
	c.mu.Unlock()
	return status, nil
}

// Dispose stops the cache reclaim loop and clears the cache.
func (c *HTTPChecker) Dispose() {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

func (c *HTTPChecker) reclaimLoop() {
	ticker := time.NewTicker(c.cacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.cache {
				if now.After(e.expiresAt) {
					delete(c.cache, k)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}
