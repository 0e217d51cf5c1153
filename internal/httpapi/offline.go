package httpapi

import (
	"net/http"

	"github.com/geniustep/bridgecore/internal/auth"
	"github.com/geniustep/bridgecore/internal/sync"
)

type offlinePushBody struct {
	DeviceID         string             `json:"device_id"`
	Changes          []sync.LocalChange `json:"changes"`
	ConflictStrategy string             `json:"conflict_strategy"`
	StopOnError      bool               `json:"stop_on_error"`
	BatchSize        int                `json:"batch_size"`
}

// OfflinePush handles POST /offline-sync/push.
func (s *Server) OfflinePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := upstreamUserID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "token subject is not an upstream user id")
		return
	}

	var body offlinePushBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.DeviceID == "" {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "device_id is required")
		return
	}
	if len(body.Changes) == 0 {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "changes are required")
		return
	}
	switch body.ConflictStrategy {
	case "", sync.StrategyServerWins, sync.StrategyClientWins, sync.StrategyManual, sync.StrategyNewestWins:
	default:
		writeError(w, r, http.StatusBadRequest, "BadRequest", "unknown conflict_strategy "+body.ConflictStrategy)
		return
	}
	for _, c := range body.Changes {
		if c.LocalID == "" {
			writeError(w, r, http.StatusBadRequest, "BadRequest", "every change needs a local_id")
			return
		}
		if (c.Action == sync.ActionUpdate || c.Action == sync.ActionDelete) && c.RecordID == 0 {
			writeError(w, r, http.StatusBadRequest, "BadRequest",
				"record_id is required for "+c.Action+" ("+c.LocalID+")")
			return
		}
	}

	resp, err := s.Offline.Push(r.Context(), sync.PushRequest{
		TenantID:         auth.TenantID(r.Context()),
		UserID:           userID,
		DeviceID:         body.DeviceID,
		Changes:          body.Changes,
		ConflictStrategy: body.ConflictStrategy,
		StopOnError:      body.StopOnError,
		BatchSize:        body.BatchSize,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type resolveConflictsBody struct {
	DeviceID    string                    `json:"device_id"`
	Conflicts   []map[string]any          `json:"conflicts"`
	Resolutions []sync.ConflictResolution `json:"resolutions"`
}

// ResolveConflicts handles POST /offline-sync/resolve-conflicts.
func (s *Server) ResolveConflicts(w http.ResponseWriter, r *http.Request) {
	var body resolveConflictsBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Resolutions) == 0 {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "resolutions are required")
		return
	}

	resp := s.Offline.ResolveConflicts(r.Context(), auth.TenantID(r.Context()), body.Conflicts, body.Resolutions)
	writeJSON(w, http.StatusOK, resp)
}
