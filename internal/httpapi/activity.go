package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/geniustep/bridgecore/internal/auth"
)

// SyncEvents handles GET /sync/events: the recent-activity listing, newest
// first. Display surface only; watermarks are untouched.
func (s *Server) SyncEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var models []string
	if raw := q.Get("models"); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
	}

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = parseLimit(n, 100, 1000)
		}
	}

	summary, err := s.Pull.RecentActivity(r.Context(), auth.TenantID(r.Context()), models, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SyncStats handles GET /sync/stats: event counts by status, priority,
// category, and kind.
func (s *Server) SyncStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	stats, err := s.Pull.Stats(r.Context(), auth.TenantID(r.Context()), q.Get("since"), q.Get("model"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// SyncDeadLetters handles GET /sync/dead-letters.
func (s *Server) SyncDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = parseLimit(n, 100, 1000)
		}
	}

	events, err := s.Pull.DeadLetters(r.Context(), auth.TenantID(r.Context()), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

// RetryEvent handles POST /sync/events/{event_id}/retry.
func (s *Server) RetryEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseInt(chi.URLParam(r, "event_id"), 10, 64)
	if err != nil || eventID <= 0 {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "event_id must be a positive integer")
		return
	}

	var body struct {
		Force bool `json:"force"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}

	if err := s.Pull.RetryEvent(r.Context(), auth.TenantID(r.Context()), eventID, body.Force); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event_id": eventID})
}
