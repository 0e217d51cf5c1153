package httpapi

import (
	"net/http"

	"github.com/geniustep/bridgecore/internal/auth"
	"github.com/geniustep/bridgecore/internal/sync"
)

type pullBody struct {
	DeviceID       string   `json:"device_id"`
	AppProfile     string   `json:"app_profile"`
	Limit          int      `json:"limit"`
	ModelFilter    []string `json:"model_filter,omitempty"`
	PriorityFilter []string `json:"priority_filter,omitempty"`
}

// SyncPull handles POST /sync/pull: the delta pull.
func (s *Server) SyncPull(w http.ResponseWriter, r *http.Request) {
	userID, ok := upstreamUserID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "token subject is not an upstream user id")
		return
	}

	var body pullBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.DeviceID == "" {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "device_id is required")
		return
	}
	if body.AppProfile == "" {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "app_profile is required")
		return
	}

	resp, err := s.Pull.Pull(r.Context(), sync.PullRequest{
		TenantID:       auth.TenantID(r.Context()),
		UserID:         userID,
		DeviceID:       body.DeviceID,
		AppProfile:     body.AppProfile,
		ModelFilter:    body.ModelFilter,
		PriorityFilter: body.PriorityFilter,
		Limit:          parseLimit(body.Limit, 100, 1000),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// SyncState handles GET /sync/state?device_id=...
func (s *Server) SyncState(w http.ResponseWriter, r *http.Request) {
	userID, ok := upstreamUserID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "token subject is not an upstream user id")
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "device_id is required")
		return
	}

	state, found, err := s.Pull.State(r.Context(), auth.TenantID(r.Context()), userID, deviceID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, "NotFound", "no sync state for device "+deviceID)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

type resetBody struct {
	DeviceID string `json:"device_id"`
}

// SyncReset handles POST /sync/reset: force a full resync for one device.
func (s *Server) SyncReset(w http.ResponseWriter, r *http.Request) {
	userID, ok := upstreamUserID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "token subject is not an upstream user id")
		return
	}

	var body resetBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.DeviceID == "" {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "device_id is required")
		return
	}

	if err := s.Pull.Reset(r.Context(), auth.TenantID(r.Context()), userID, body.DeviceID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "sync state reset",
		"device_id": body.DeviceID,
	})
}
