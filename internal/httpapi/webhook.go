package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// webhookBody is the push payload from the upstream for high-priority
// events. The change table is already authoritative; the receiver only fans
// the event out so subscribed clients see it before their next pull.
type webhookBody struct {
	TenantID  string `json:"tenant_id"`
	Model     string `json:"model"`
	RecordID  int    `json:"record_id"`
	Event     string `json:"event"`
	Priority  string `json:"priority,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	EventID   int64  `json:"event_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// ReceiveWebhook handles POST /webhooks/receive. Idempotent: a duplicate
// push produces a duplicate broadcast, which consumers deduplicate by
// event_id.
func (s *Server) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhookAuthorized(r) {
		writeError(w, r, http.StatusUnauthorized, "AuthInvalid", "invalid webhook credentials")
		return
	}

	var body webhookBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Model == "" || body.RecordID == 0 || body.Event == "" {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "model, record_id, and event are required")
		return
	}

	payload := body.Payload
	if payload == nil {
		payload = map[string]any{
			"event_id":  body.EventID,
			"priority":  body.Priority,
			"timestamp": body.Timestamp,
		}
	}

	s.Hub.BroadcastRecordUpdate(body.TenantID, body.Model, body.RecordID, body.Event, payload)

	log.Debug().
		Str("model", body.Model).
		Int("record_id", body.RecordID).
		Str("event", body.Event).
		Str("priority", body.Priority).
		Msg("webhook event fanned out")

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// webhookAuthorized accepts either the shared API key or the bearer token.
func (s *Server) webhookAuthorized(r *http.Request) bool {
	if s.WebhookAPIKey != "" {
		if key := r.Header.Get("X-API-Key"); key != "" &&
			subtle.ConstantTimeCompare([]byte(key), []byte(s.WebhookAPIKey)) == 1 {
			return true
		}
	}
	if s.WebhookBearerToken != "" {
		header := r.Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") &&
			subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(header, "Bearer ")), []byte(s.WebhookBearerToken)) == 1 {
			return true
		}
	}
	return false
}
