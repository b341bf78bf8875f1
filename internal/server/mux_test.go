// internal/server/mux_test.go
package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentauth/agentauth-go/internal/config"
	"github.com/agentauth/agentauth-go/internal/cryptoutil"
	"github.com/agentauth/agentauth-go/internal/did"
	"github.com/agentauth/agentauth-go/internal/manifest"
	"github.com/agentauth/agentauth-go/internal/model"
	"github.com/agentauth/agentauth-go/internal/multibase"
	"github.com/agentauth/agentauth-go/internal/ratelimit"
	"github.com/agentauth/agentauth-go/internal/storage"
	"github.com/agentauth/agentauth-go/internal/token"
)

func testConfig() config.Config {
	return config.Config{
		RoutePrefix:       "/auth",
		Issuer:            "agentauth-test",
		Scope:             "agent:read agent:write",
		ChallengeLifetime: 5 * time.Minute,
		ClockSkew:         time.Minute,
	}
}

type testEnv struct {
	ts     *httptest.Server
	h      *Handler
	store  *storage.Memory
	signer *token.Signer
}

func newTestEnv(t *testing.T, cfg config.Config, mutate func(*Options)) *testEnv {
	t.Helper()
	store := storage.NewMemory(storage.MemoryOptions{Grace: 2 * time.Minute, ReclaimInterval: time.Hour})
	signer, err := token.NewHS256(cfg.Issuer, []byte("test-secret-test-secret-test-1234"), time.Hour, cfg.ClockSkew)
	if err != nil {
		t.Fatalf("NewHS256: %v", err)
	}
	resolver := did.NewResolver(nil, did.FetchBudget{})
	opts := Options{
		Store:         store,
		Resolver:      resolver,
		Manifests:     manifest.NewVerifier(resolver, cfg.ClockSkew),
		ManifestCache: manifest.NewCache(time.Hour),
		Tokens:        signer,
		Logger:        slog.Default(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New handler: %v", err)
	}
	ts := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		ts.Close()
		h.Dispose()
	})
	return &testEnv{ts: ts, h: h, store: store, signer: signer}
}

type testAgent struct {
	did  string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newAgent(t *testing.T) *testAgent {
	t.Helper()
	pub, priv, err := cryptoutil.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return &testAgent{did: did.FromPublicKey(pub), pub: pub, priv: priv}
}

func (a *testAgent) manifest(t *testing.T, sequence int64) json.RawMessage {
	t.Helper()
	now := time.Now().UTC()
	m := &model.Manifest{
		Version:    "1.0.0",
		ID:         a.did,
		Sequence:   sequence,
		CreatedAt:  now.Format(time.RFC3339),
		UpdatedAt:  now.Format(time.RFC3339),
		ValidUntil: now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
		Metadata: model.Metadata{
			Name:         "weather-agent",
			Description:  "Answers weather queries.",
			AgentVersion: "0.3.1",
		},
		Capabilities: model.Capabilities{
			Interfaces: []model.Interface{{Protocol: "https", URL: "https://api.example.com"}},
		},
	}
	if err := manifest.Sign(m, a.priv, ""); err != nil {
		t.Fatalf("Sign manifest: %v", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return raw
}

// signChallenge reproduces the client side of the challenge proof:
// base58btc(Ed25519-sign(SHA-256(challenge "." did "." expires_at))).
func (a *testAgent) signChallenge(t *testing.T, challenge, expiresAt string) string {
	t.Helper()
	digest := cryptoutil.SHA256([]byte(challenge + "." + a.did + "." + expiresAt))
	sig, err := cryptoutil.Sign(a.priv, digest)
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}
	return multibase.Encode(sig)
}

func approve(t *testing.T, env *testEnv, didStr string) {
	t.Helper()
	now := time.Now().UTC()
	if err := env.store.SetEntry(context.Background(), model.ACLEntry{
		DID:          didStr,
		Status:       model.StatusApproved,
		RegisteredAt: now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	payload, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, payload
}

func errorCode(t *testing.T, payload []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, payload)
	}
	return env.Error.Code
}

func requestChallenge(t *testing.T, env *testEnv, didStr string) (challenge, expiresAt string) {
	t.Helper()
	resp, payload := postJSON(t, env.ts.URL+"/auth/challenge", map[string]string{"did": didStr})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("challenge status = %d body=%s", resp.StatusCode, payload)
	}
	var out challengeResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	return out.Challenge, out.ExpiresAt
}

func verifyBody(agent *testAgent, challenge, signature string, m json.RawMessage) map[string]any {
	return map[string]any{
		"did":       agent.did,
		"challenge": challenge,
		"signature": signature,
		"manifest":  m,
	}
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := newAgent(t)
	approve(t, env, agent.did)

	challenge, expiresAt := requestChallenge(t, env, agent.did)
	if len(challenge) != 64 {
		t.Fatalf("challenge length = %d want 64", len(challenge))
	}
	if !strings.ContainsAny(challenge, "0123456789abcdef") {
		t.Fatalf("challenge not hex: %s", challenge)
	}

	sig := agent.signChallenge(t, challenge, expiresAt)
	resp, payload := postJSON(t, env.ts.URL+"/auth/verify", verifyBody(agent, challenge, sig, agent.manifest(t, 1)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d body=%s", resp.StatusCode, payload)
	}

	var out verifyResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	if out.Agent.DID != agent.did {
		t.Fatalf("agent.did = %s want %s", out.Agent.DID, agent.did)
	}
	if len(out.Agent.Capabilities) != 2 {
		t.Fatalf("capabilities = %v want scope split in two", out.Agent.Capabilities)
	}

	decoded, err := env.signer.Validate(out.Token)
	if err != nil {
		t.Fatalf("token validation: %v", err)
	}
	if decoded.Subject != agent.did {
		t.Fatalf("sub = %s want %s", decoded.Subject, agent.did)
	}
	if decoded.ExpiresAt-decoded.IssuedAt != 3600 {
		t.Fatalf("exp-iat = %d want 3600", decoded.ExpiresAt-decoded.IssuedAt)
	}
	if decoded.ManifestSequence != 1 {
		t.Fatalf("manifest_sequence = %d want 1", decoded.ManifestSequence)
	}
}

func TestVerify_Replay(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := newAgent(t)
	approve(t, env, agent.did)

	challenge, expiresAt := requestChallenge(t, env, agent.did)
	sig := agent.signChallenge(t, challenge, expiresAt)
	body := verifyBody(agent, challenge, sig, agent.manifest(t, 1))

	resp, payload := postJSON(t, env.ts.URL+"/auth/verify", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first verify status = %d body=%s", resp.StatusCode, payload)
	}

	// Identical replay must fail on the consumed challenge. Keep the
	// sequence fresh so the single-use check is what trips.
	body = verifyBody(agent, challenge, sig, agent.manifest(t, 2))
	resp, payload = postJSON(t, env.ts.URL+"/auth/verify", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replay status = %d body=%s", resp.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != "AUTH_CHALLENGE_ALREADY_USED" {
		t.Fatalf("replay code = %s", code)
	}
}

func TestVerify_SequenceRollback(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := newAgent(t)
	approve(t, env, agent.did)

	challenge, expiresAt := requestChallenge(t, env, agent.did)
	sig := agent.signChallenge(t, challenge, expiresAt)
	resp, payload := postJSON(t, env.ts.URL+"/auth/verify", verifyBody(agent, challenge, sig, agent.manifest(t, 1)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initial verify status = %d body=%s", resp.StatusCode, payload)
	}

	// A fresh challenge with the same sequence is a rollback.
	challenge, expiresAt = requestChallenge(t, env, agent.did)
	sig = agent.signChallenge(t, challenge, expiresAt)
	resp, payload = postJSON(t, env.ts.URL+"/auth/verify", verifyBody(agent, challenge, sig, agent.manifest(t, 1)))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("rollback status = %d body=%s", resp.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != "AUTH_MANIFEST_ROLLBACK" {
		t.Fatalf("rollback code = %s", code)
	}

	// Sequence 2 moves forward and succeeds.
	challenge, expiresAt = requestChallenge(t, env, agent.did)
	sig = agent.signChallenge(t, challenge, expiresAt)
	resp, payload = postJSON(t, env.ts.URL+"/auth/verify", verifyBody(agent, challenge, sig, agent.manifest(t, 2)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sequence 2 status = %d body=%s", resp.StatusCode, payload)
	}
}

func TestVerify_ExpiredChallenge(t *testing.T) {
	cfg := testConfig()
	env := newTestEnv(t, cfg, nil)
	agent := newAgent(t)
	approve(t, env, agent.did)

	challenge, expiresAt := requestChallenge(t, env, agent.did)

	// Move the handler clock past lifetime + skew instead of sleeping.
	env.h.clock = func() time.Time {
		return time.Now().Add(cfg.ChallengeLifetime + cfg.ClockSkew + time.Minute)
	}

	sig := agent.signChallenge(t, challenge, expiresAt)
	resp, payload := postJSON(t, env.ts.URL+"/auth/verify", verifyBody(agent, challenge, sig, agent.manifest(t, 1)))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expired status = %d body=%s", resp.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != "AUTH_EXPIRED_CHALLENGE" {
		t.Fatalf("expired code = %s", code)
	}
}

func TestVerify_TamperedManifest(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := newAgent(t)
	approve(t, env, agent.did)

	challenge, expiresAt := requestChallenge(t, env, agent.did)
	sig := agent.signChallenge(t, challenge, expiresAt)

	var doc map[string]any
	if err := json.Unmarshal(agent.manifest(t, 1), &doc); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	doc["metadata"].(map[string]any)["name"] = "impostor"
	tampered, _ := json.Marshal(doc)

	resp, payload := postJSON(t, env.ts.URL+"/auth/verify", verifyBody(agent, challenge, sig, tampered))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("tampered status = %d body=%s", resp.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != "AUTH_INVALID_MANIFEST_SIGNATURE" {
		t.Fatalf("tampered code = %s", code)
	}

	// No sequence advance is observable after the failure.
	seq, err := env.store.MaxSequence(context.Background(), agent.did)
	if err != nil || seq != 0 {
		t.Fatalf("sequence after tamper = %d, %v", seq, err)
	}

	// The failed attempt did not burn the challenge.
	resp, payload = postJSON(t, env.ts.URL+"/auth/verify", verifyBody(agent, challenge, sig, agent.manifest(t, 1)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status = %d body=%s", resp.StatusCode, payload)
	}
}

func TestChallenge_ACLStatuses(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := newAgent(t)

	// Unknown DID.
	resp, payload := postJSON(t, env.ts.URL+"/auth/challenge", map[string]string{"did": agent.did})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unknown status = %d body=%s", resp.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != "AUTH_DID_NOT_FOUND" {
		t.Fatalf("unknown code = %s", code)
	}

	now := time.Now().UTC()
	set := func(status string) {
		if err := env.store.SetEntry(context.Background(), model.ACLEntry{DID: agent.did, Status: status, RegisteredAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("SetEntry: %v", err)
		}
	}

	set(model.StatusPendingApproval)
	resp, payload = postJSON(t, env.ts.URL+"/auth/challenge", map[string]string{"did": agent.did})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("pending status = %d body=%s", resp.StatusCode, payload)
	}
	var pending pendingResponse
	if err := json.Unmarshal(payload, &pending); err != nil || pending.RetryAfter != 3600 {
		t.Fatalf("pending body = %s (%v)", payload, err)
	}

	set(model.StatusRejected)
	resp, payload = postJSON(t, env.ts.URL+"/auth/challenge", map[string]string{"did": agent.did})
	if resp.StatusCode != http.StatusForbidden || errorCode(t, payload) != "AUTH_DID_REJECTED" {
		t.Fatalf("rejected = %d %s", resp.StatusCode, payload)
	}

	set(model.StatusBanned)
	resp, payload = postJSON(t, env.ts.URL+"/auth/challenge", map[string]string{"did": agent.did})
	if resp.StatusCode != http.StatusForbidden || errorCode(t, payload) != "AUTH_DID_BANNED" {
		t.Fatalf("banned = %d %s", resp.StatusCode, payload)
	}

	// No challenge was stored for any denied request.
	removed, err := env.store.CleanupChallenges(context.Background(), time.Now().Add(24*time.Hour))
	if err != nil || removed != 0 {
		t.Fatalf("stored challenges after denials = %d, %v", removed, err)
	}
}

func TestVerify_DIDMismatch(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	alice := newAgent(t)
	mallory := newAgent(t)
	approve(t, env, alice.did)
	approve(t, env, mallory.did)

	challenge, expiresAt := requestChallenge(t, env, alice.did)
	sig := mallory.signChallenge(t, challenge, expiresAt)
	resp, payload := postJSON(t, env.ts.URL+"/auth/verify", verifyBody(mallory, challenge, sig, mallory.manifest(t, 1)))
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, payload) != "AUTH_DID_MISMATCH" {
		t.Fatalf("mismatch = %d %s", resp.StatusCode, payload)
	}
}

func TestVerify_BadSignature(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := newAgent(t)
	approve(t, env, agent.did)

	challenge, _ := requestChallenge(t, env, agent.did)
	// Signature over the wrong expiry string.
	sig := agent.signChallenge(t, challenge, "2020-01-01T00:00:00Z")
	resp, payload := postJSON(t, env.ts.URL+"/auth/verify", verifyBody(agent, challenge, sig, agent.manifest(t, 1)))
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, payload) != "AUTH_INVALID_SIGNATURE" {
		t.Fatalf("bad signature = %d %s", resp.StatusCode, payload)
	}
}

func TestVerify_UnknownChallenge(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := newAgent(t)
	approve(t, env, agent.did)

	sig := agent.signChallenge(t, strings.Repeat("ab", 32), "2030-01-01T00:00:00Z")
	resp, payload := postJSON(t, env.ts.URL+"/auth/verify", verifyBody(agent, strings.Repeat("ab", 32), sig, agent.manifest(t, 1)))
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, payload) != "AUTH_CHALLENGE_NOT_FOUND" {
		t.Fatalf("unknown challenge = %d %s", resp.StatusCode, payload)
	}
}

func TestRegister_Flow(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRegistration = true
	var observed []model.ACLEntry
	env := newTestEnv(t, cfg, func(o *Options) {
		o.OnRegistration = func(_ context.Context, entry model.ACLEntry) {
			observed = append(observed, entry)
		}
	})
	agent := newAgent(t)

	resp, payload := postJSON(t, env.ts.URL+"/auth/register", map[string]any{
		"manifest": agent.manifest(t, 1),
		"reason":   "new deployment",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d body=%s", resp.StatusCode, payload)
	}
	var out registerResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	if out.Status != model.StatusPendingApproval || out.DID != agent.did {
		t.Fatalf("register body = %+v", out)
	}
	if len(observed) != 1 {
		t.Fatalf("observer calls = %d", len(observed))
	}

	// Re-registering reports the current status without mutation.
	resp, payload = postJSON(t, env.ts.URL+"/auth/register", map[string]any{"manifest": agent.manifest(t, 1)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-register status = %d body=%s", resp.StatusCode, payload)
	}
	if len(observed) != 1 {
		t.Fatalf("observer called on duplicate")
	}

	// Approval unlocks the challenge flow.
	approve(t, env, agent.did)
	challenge, expiresAt := requestChallenge(t, env, agent.did)
	sig := agent.signChallenge(t, challenge, expiresAt)
	resp, payload = postJSON(t, env.ts.URL+"/auth/verify", verifyBody(agent, challenge, sig, agent.manifest(t, 2)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post-approval verify = %d body=%s", resp.StatusCode, payload)
	}
}

func TestRegister_Disabled(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := newAgent(t)

	resp, payload := postJSON(t, env.ts.URL+"/auth/register", map[string]any{"manifest": agent.manifest(t, 1)})
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, payload) != "AUTH_INVALID_REQUEST" {
		t.Fatalf("disabled register = %d %s", resp.StatusCode, payload)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	env := newTestEnv(t, cfg, func(o *Options) {
		o.Limiter = ratelimit.New(2, time.Minute)
	})
	agent := newAgent(t)
	approve(t, env, agent.did)

	for i := 0; i < 2; i++ {
		resp, payload := postJSON(t, env.ts.URL+"/auth/challenge", map[string]string{"did": agent.did})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d body=%s", i, resp.StatusCode, payload)
		}
	}
	resp, payload := postJSON(t, env.ts.URL+"/auth/challenge", map[string]string{"did": agent.did})
	if resp.StatusCode != http.StatusTooManyRequests || errorCode(t, payload) != "AUTH_RATE_LIMITED" {
		t.Fatalf("limited = %d %s", resp.StatusCode, payload)
	}
}

func TestBearerGuard(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	agent := newAgent(t)
	approve(t, env, agent.did)

	challenge, expiresAt := requestChallenge(t, env, agent.did)
	sig := agent.signChallenge(t, challenge, expiresAt)
	resp, payload := postJSON(t, env.ts.URL+"/auth/verify", verifyBody(agent, challenge, sig, agent.manifest(t, 1)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d body=%s", resp.StatusCode, payload)
	}
	var out verifyResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode verify: %v", err)
	}

	protected := httptest.NewServer(env.h.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]any{"sub": claims.Subject, "scope": claims.Scope})
	})))
	defer protected.Close()

	req, _ := http.NewRequest(http.MethodGet, protected.URL, nil)
	req.Header.Set("Authorization", "Bearer "+out.Token)
	authResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("guarded request: %v", err)
	}
	defer authResp.Body.Close()
	if authResp.StatusCode != http.StatusOK {
		t.Fatalf("guarded status = %d", authResp.StatusCode)
	}
	var claims struct {
		Sub   string `json:"sub"`
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(authResp.Body).Decode(&claims); err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	if claims.Sub != agent.did {
		t.Fatalf("sub = %s want %s", claims.Sub, agent.did)
	}

	// Missing and garbage tokens are both 401s.
	for _, header := range []string{"", "Bearer not.a.token"} {
		req, _ := http.NewRequest(http.MethodGet, protected.URL, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("guarded request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("unauthenticated status = %d", resp.StatusCode)
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ok" {
		t.Fatalf("health body = %q", b)
	}
}
