// cmd/agentauthd/main.go
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentauth/agentauth-go/internal/config"
	"github.com/agentauth/agentauth-go/internal/did"
	"github.com/agentauth/agentauth-go/internal/manifest"
	"github.com/agentauth/agentauth-go/internal/ratelimit"
	"github.com/agentauth/agentauth-go/internal/revocation"
	"github.com/agentauth/agentauth-go/internal/server"
	"github.com/agentauth/agentauth-go/internal/storage"
	"github.com/agentauth/agentauth-go/internal/token"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	store, err := buildStore(cfg)
	if err != nil {
		logger.Error("storage error", "error", err)
		os.Exit(1)
	}

	signer, err := buildSigner(cfg)
	if err != nil {
		logger.Error("token signer error", "error", err)
		os.Exit(1)
	}

	budget := did.FetchBudget{
		Timeout:      cfg.DIDWebTimeout,
		MaxBytes:     cfg.DIDWebMaxBytes,
		MaxRedirects: cfg.DIDWebMaxRedirects,
	}
	resolver := did.NewResolver(nil, budget)

	h, err := server.New(cfg, server.Options{
		Store:         store,
		Resolver:      resolver,
		Manifests:     manifest.NewVerifier(resolver, cfg.ClockSkew),
		ManifestCache: manifest.NewCache(time.Minute),
		Tokens:        signer,
		Limiter:       ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		Revocation:    revocation.NewHTTPChecker(nil, budget, cfg.RevocationCacheTTL),
		Logger:        logger,
	})
	if err != nil {
		logger.Error("handler error", "error", err)
		os.Exit(1)
	}
	defer h.Dispose()

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("agentauthd starting", "addr", srv.Addr, "backend", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	if cfg.MetricsAddress != "" {
		go func() {
			logger.Info("metrics listener starting", "addr", cfg.MetricsAddress)
			if err := http.ListenAndServe(cfg.MetricsAddress, server.NewMetricsHandler()); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener error", "error", err)
			}
		}()
	}

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("shutdown complete")
	}
}

func buildStore(cfg config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "memory":
		return storage.NewMemory(storage.MemoryOptions{Grace: 2 * cfg.ClockSkew}), nil
	case "postgres":
		store, err := storage.NewPostgres(cfg.DatabaseDSN, 2*cfg.ClockSkew)
		if err != nil {
			return nil, err
		}
		if pg, ok := store.(interface{ DB() *sql.DB }); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := storage.MigratePostgres(ctx, pg.DB()); err != nil {
				store.Dispose()
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func buildSigner(cfg config.Config) (*token.Signer, error) {
	switch cfg.TokenAlg {
	case token.AlgHS256:
		return token.NewHS256(cfg.Issuer, cfg.TokenSecret, cfg.TokenLifetime, cfg.ClockSkew)
	case token.AlgEdDSA:
		if len(cfg.TokenKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("EdDSA signing key must be %d bytes", ed25519.PrivateKeySize)
		}
		return token.NewEdDSA(cfg.Issuer, ed25519.PrivateKey(cfg.TokenKey), cfg.TokenLifetime, cfg.ClockSkew)
	default:
		return nil, fmt.Errorf("unsupported token algorithm %q", cfg.TokenAlg)
	}
}
