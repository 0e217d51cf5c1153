package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/geniustep/bridgecore/internal/auth"
	"github.com/geniustep/bridgecore/internal/cache"
	"github.com/geniustep/bridgecore/internal/fanout"
	"github.com/geniustep/bridgecore/internal/gateway"
	"github.com/geniustep/bridgecore/internal/sync"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Gateway *gateway.Gateway
	Pull    *sync.PullEngine
	Offline *sync.OfflineProcessor
	Hub     *fanout.Hub
	Cache   *cache.Store

	JWTCfg          auth.JWTCfg
	RateLimitConfig RateLimitInfo

	// Push receiver credentials: either is accepted.
	WebhookAPIKey      string
	WebhookBearerToken string
}

// DefaultRateLimitConfig provides the default per-tenant rate limiting
// configuration.
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// errorResponse is the stable error shape: kind, message, optional code and
// details, plus the correlation ID for tracing.
type errorResponse struct {
	Error         string         `json:"error"`
	Message       string         `json:"message"`
	Code          string         `json:"code,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// writeError writes an error response with correlation ID from context
func writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	writeJSON(w, status, errorResponse{
		Error:         kind,
		Message:       message,
		CorrelationID: GetCorrelationID(r.Context()),
	})
}

// decodeBody decodes a JSON request body, answering 400 on malformed input.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "invalid JSON body")
		return false
	}
	return true
}

// upstreamUserID parses the authenticated subject as the upstream's numeric
// user id, which the sync plane keys on.
func upstreamUserID(r *http.Request) (int, bool) {
	sub := auth.UserID(r.Context())
	if sub == "" {
		return 0, false
	}
	id, err := strconv.Atoi(sub)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// parseLimit parses a limit with default and max bounds.
func parseLimit(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}
