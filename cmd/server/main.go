package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/geniustep/bridgecore/internal/auth"
	"github.com/geniustep/bridgecore/internal/cache"
	"github.com/geniustep/bridgecore/internal/config"
	"github.com/geniustep/bridgecore/internal/fanout"
	"github.com/geniustep/bridgecore/internal/gateway"
	"github.com/geniustep/bridgecore/internal/httpapi"
	syncengine "github.com/geniustep/bridgecore/internal/sync"
	"github.com/geniustep/bridgecore/internal/tenant"
)

const (
	exitConfigError         = 1
	exitUpstreamUnreachable = 2
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "bridgecore").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		os.Exit(exitConfigError)
	}

	// Pretty logging for local dev (only when explicitly set to "dev")
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx := context.Background()

	// Startup probe: the gateway is useless if the upstream is down.
	if err := probeUpstream(cfg.UpstreamURL); err != nil {
		log.Error().Err(err).Str("upstream", cfg.UpstreamURL).Msg("upstream unreachable at startup")
		os.Exit(exitUpstreamUnreachable)
	}

	// Cache (Redis-compatible)
	cacheStore, err := cache.Open(ctx, cfg.RedisURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to cache")
		os.Exit(exitConfigError)
	}
	defer cacheStore.Close()

	// Tenant store (PostgreSQL)
	if cfg.DatabaseURL == "" {
		log.Error().Msg("DATABASE_URL is required")
		os.Exit(exitConfigError)
	}
	store, err := tenant.OpenStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to tenant store")
		os.Exit(exitConfigError)
	}
	defer store.Close()

	// Core wiring: resolver -> gateway -> sync engines -> fan-out
	resolver := tenant.NewResolver(store, cfg.ReadTimeout)
	defer resolver.Shutdown()

	hub := fanout.NewHub()
	gw := gateway.New(resolver, cacheStore, hub)

	srv := &httpapi.Server{
		Gateway: gw,
		Pull:    syncengine.NewPullEngine(resolver),
		Offline: syncengine.NewOfflineProcessor(gw),
		Hub:     hub,
		Cache:   cacheStore,
		JWTCfg: auth.JWTCfg{
			HS256Secret: cfg.JWTSecret,
			DevMode:     cfg.Env == "dev",
		},
		RateLimitConfig: httpapi.RateLimitInfo{
			WindowSeconds: int(cfg.RateLimitWindow.Seconds()),
			MaxRequests:   cfg.RateLimitMax,
			Burst:         cfg.RateLimitBurst,
		},
		WebhookAPIKey:      cfg.WebhookAPIKey,
		WebhookBearerToken: cfg.WebhookBearerToken,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		// Must outlive the slowest upstream write operation.
		WriteTimeout: cfg.WriteTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

// probeUpstream checks the default upstream answers HTTP at all. Tenants may
// point elsewhere; this only guards against booting into a dead environment.
func probeUpstream(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
