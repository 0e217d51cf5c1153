package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/geniustep/bridgecore/internal/auth"
)

// Routes creates the HTTP router with all gateway and sync endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware) // Track X-Correlation-ID header for request tracing
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", promhttp.Handler())

	// Push receiver: authenticated by bearer token or X-API-Key, not by
	// tenant JWT; the upstream holds those credentials.
	r.Post("/webhooks/receive", s.ReceiveWebhook)

	// All tenant-scoped endpoints require a bearer token carrying
	// tenant_id and sub (the user id) claims.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.JWTCfg))
		r.Use(RateLimitMiddleware(s.Cache, s.RateLimitConfig))

		// Synchronous record operations
		r.Post("/rpc/batch", s.ExecuteBatch)
		r.Post("/rpc/{operation}", s.ExecuteRPC)

		// Delta pull plane
		r.Post("/sync/pull", s.SyncPull)
		r.Get("/sync/state", s.SyncState)
		r.Post("/sync/reset", s.SyncReset)

		// Change-log inspection and recovery
		r.Get("/sync/events", s.SyncEvents)
		r.Get("/sync/stats", s.SyncStats)
		r.Get("/sync/dead-letters", s.SyncDeadLetters)
		r.Post("/sync/events/{event_id}/retry", s.RetryEvent)

		// Offline sync plane
		r.Post("/offline-sync/push", s.OfflinePush)
		r.Post("/offline-sync/resolve-conflicts", s.ResolveConflicts)

		// Real-time fan-out
		r.Get("/ws/{user_id}", s.HandleWebSocket)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
