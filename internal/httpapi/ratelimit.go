package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/geniustep/bridgecore/internal/auth"
	"github.com/geniustep/bridgecore/internal/cache"
)

// RateLimitInfo configures per-tenant rate limiting.
//
// The limiter is a Redis-backed counting window: each tenant gets a counter
// keyed to the current window that every request increments, with the TTL set
// on first increment. Burst headroom on top of MaxRequests absorbs short
// spikes without raising the sustained rate. Shared cache state keeps the
// limit correct across processes.
type RateLimitInfo struct {
	WindowSeconds int `json:"window_seconds"`
	MaxRequests   int `json:"max_requests"`
	Burst         int `json:"burst"`
}

// RateLimitMiddleware enforces the per-tenant limit using the cache layer's
// increment + expiry primitives.
func RateLimitMiddleware(store *cache.Store, config RateLimitInfo) func(http.Handler) http.Handler {
	window := time.Duration(config.WindowSeconds) * time.Second
	capacity := int64(config.MaxRequests + config.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := auth.TenantID(r.Context())
			if tenantID == "" {
				// Unauthenticated requests never reach tenant work;
				// nothing to meter.
				next.ServeHTTP(w, r)
				return
			}

			windowStart := time.Now().Unix() / int64(config.WindowSeconds)
			key := fmt.Sprintf("ratelimit:%s:%d", tenantID, windowStart)

			count, err := store.Increment(r.Context(), key, 1)
			if err != nil {
				// A broken limiter must not take the API down.
				log.Warn().Err(err).Str("tenant_id", tenantID).Msg("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				if err := store.SetExpiry(r.Context(), key, window); err != nil {
					log.Warn().Err(err).Str("key", key).Msg("failed to set rate limit window expiry")
				}
			}

			remaining := capacity - count
			if remaining < 0 {
				remaining = 0
			}
			resetAt := (windowStart + 1) * int64(config.WindowSeconds)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(config.Burst))

			if count > capacity {
				retryAfter := resetAt - time.Now().Unix()
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))

				log.Warn().
					Str("tenant_id", tenantID).
					Str("path", r.URL.Path).
					Int64("retry_after", retryAfter).
					Msg("rate limit exceeded")

				writeError(w, r, http.StatusTooManyRequests, "RateLimited",
					"rate limit exceeded, retry after "+strconv.FormatInt(retryAfter, 10)+" seconds")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
