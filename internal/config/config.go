// Package config provides environment-driven configuration for the agent
// authentication service. In development, .env files are loaded; system
// environment variables always take precedence.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func init() {
	// godotenv.Load never overrides already-set variables, preserving
	// OS env > .env > .env.local precedence.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures every tunable of the service.
type Config struct {
	Env            string // dev, staging, prod
	Address        string // HTTP server address
	MetricsAddress string // standalone metrics address ("" disables)
	RoutePrefix    string // auth endpoint prefix

	StorageBackend string // memory, postgres
	DatabaseDSN    string

	Issuer        string
	TokenAlg      string // HS256, EdDSA
	TokenSecret   []byte // HS256 secret
	TokenKey      []byte // EdDSA private key (64 bytes)
	TokenLifetime time.Duration
	ClockSkew     time.Duration

	ChallengeLifetime time.Duration

	EnableRegistration   bool
	FetchRemoteManifest  bool
	StrictRemoteManifest bool
	Scope                string

	RateLimitMax    int
	RateLimitWindow time.Duration

	DIDWebTimeout      time.Duration
	DIDWebMaxBytes     int64
	DIDWebMaxRedirects int

	RevocationCacheTTL time.Duration
}

// Defaults and allowed ranges.
const (
	defaultAddress           = ":8080"
	defaultMetricsAddress    = ":9090"
	defaultRoutePrefix       = "/auth"
	defaultIssuer            = "agentauth"
	defaultScope             = "agent"
	defaultTokenLifetime     = time.Hour
	minTokenLifetime         = 60 * time.Second
	maxTokenLifetime         = 43200 * time.Second
	defaultChallengeLifetime = 5 * time.Minute
	minChallengeLifetime     = 30 * time.Second
	maxChallengeLifetime     = 600 * time.Second
	defaultClockSkew         = time.Minute
	defaultRateLimitMax      = 10
	defaultRateLimitWindow   = time.Minute
	defaultDIDWebTimeout     = 2 * time.Second
	minDIDWebTimeout         = 500 * time.Millisecond
	maxDIDWebTimeout         = 10 * time.Second
	defaultDIDWebMaxBytes    = 100 * 1024
	defaultDIDWebRedirects   = 3
	maxDIDWebRedirects       = 5
	defaultRevocationTTL     = 5 * time.Minute
)

// Load reads environment variables into a Config. Out-of-range durations are
// clamped to their allowed window rather than rejected.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("AGENTAUTH_ENV", "dev"),
		Address:            getEnv("AGENTAUTH_HTTP_ADDR", defaultAddress),
		MetricsAddress:     getEnv("AGENTAUTH_METRICS_ADDR", defaultMetricsAddress),
		RoutePrefix:        getEnv("AGENTAUTH_ROUTE_PREFIX", defaultRoutePrefix),
		StorageBackend:     strings.ToLower(getEnv("AGENTAUTH_STORAGE_BACKEND", "memory")),
		DatabaseDSN:        os.Getenv("AGENTAUTH_DB_DSN"),
		Issuer:             getEnv("AGENTAUTH_ISSUER", defaultIssuer),
		TokenAlg:           getEnv("AGENTAUTH_TOKEN_ALG", "HS256"),
		Scope:              getEnv("AGENTAUTH_SCOPE", defaultScope),
		EnableRegistration: parseBool(os.Getenv("AGENTAUTH_ENABLE_REGISTRATION")),
		StrictRemoteManifest: parseBool(os.Getenv("AGENTAUTH_STRICT_REMOTE_MANIFEST")),
		DIDWebMaxBytes:     defaultDIDWebMaxBytes,
	}

	// Remote manifest preference for did:web agents defaults on.
	if v, exists := os.LookupEnv("AGENTAUTH_FETCH_REMOTE_MANIFEST"); exists {
		cfg.FetchRemoteManifest = parseBool(v)
	} else {
		cfg.FetchRemoteManifest = true
	}

	var err error
	if cfg.TokenLifetime, err = durationEnv("AGENTAUTH_TOKEN_TTL_SECONDS", defaultTokenLifetime); err != nil {
		return Config{}, err
	}
	cfg.TokenLifetime = clamp(cfg.TokenLifetime, minTokenLifetime, maxTokenLifetime)

	if cfg.ChallengeLifetime, err = durationEnv("AGENTAUTH_CHALLENGE_TTL_SECONDS", defaultChallengeLifetime); err != nil {
		return Config{}, err
	}
	cfg.ChallengeLifetime = clamp(cfg.ChallengeLifetime, minChallengeLifetime, maxChallengeLifetime)

	if cfg.ClockSkew, err = durationEnv("AGENTAUTH_CLOCK_SKEW_SECONDS", defaultClockSkew); err != nil {
		return Config{}, err
	}

	if cfg.RateLimitWindow, err = durationEnv("AGENTAUTH_RATE_LIMIT_WINDOW_SECONDS", defaultRateLimitWindow); err != nil {
		return Config{}, err
	}
	cfg.RateLimitMax = intEnv("AGENTAUTH_RATE_LIMIT_MAX", defaultRateLimitMax)

	didWebTimeoutMs := intEnv("AGENTAUTH_DIDWEB_TIMEOUT_MS", int(defaultDIDWebTimeout/time.Millisecond))
	cfg.DIDWebTimeout = clamp(time.Duration(didWebTimeoutMs)*time.Millisecond, minDIDWebTimeout, maxDIDWebTimeout)
	if v := intEnv("AGENTAUTH_DIDWEB_MAX_BYTES", 0); v > 0 {
		cfg.DIDWebMaxBytes = int64(v)
	}
	redirects := intEnv("AGENTAUTH_DIDWEB_MAX_REDIRECTS", defaultDIDWebRedirects)
	if redirects < 0 {
		redirects = 0
	}
	if redirects > maxDIDWebRedirects {
		redirects = maxDIDWebRedirects
	}
	cfg.DIDWebMaxRedirects = redirects

	if cfg.RevocationCacheTTL, err = durationEnv("AGENTAUTH_REVOCATION_CACHE_TTL_SECONDS", defaultRevocationTTL); err != nil {
		return Config{}, err
	}

	switch cfg.TokenAlg {
	case "HS256":
		secret := os.Getenv("AGENTAUTH_TOKEN_SECRET")
		if secret == "" {
			return Config{}, errors.New("AGENTAUTH_TOKEN_SECRET is required for HS256")
		}
		cfg.TokenSecret = []byte(secret)
	case "EdDSA":
		raw := os.Getenv("AGENTAUTH_TOKEN_SIGNING_KEY")
		if raw == "" {
			return Config{}, errors.New("AGENTAUTH_TOKEN_SIGNING_KEY is required for EdDSA")
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid AGENTAUTH_TOKEN_SIGNING_KEY base64: %w", err)
		}
		cfg.TokenKey = key
	default:
		return Config{}, fmt.Errorf("unsupported AGENTAUTH_TOKEN_ALG %q", cfg.TokenAlg)
	}

	if cfg.StorageBackend == "postgres" && cfg.DatabaseDSN == "" {
		return Config{}, errors.New("AGENTAUTH_DB_DSN is required for the postgres backend")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func intEnv(key string, fallback int) int {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("invalid %s: value must be > 0", key)
	}
	return time.Duration(seconds) * time.Second, nil
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
