package upstream

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// syncStateModel is the upstream model holding per-device watermarks.
const syncStateModel = "user.sync.state"

// SyncState is one (user, device, app-profile) watermark row.
type SyncState struct {
	ID                int    `json:"id"`
	UserID            int    `json:"user_id"`
	DeviceID          string `json:"device_id"`
	AppProfile        string `json:"app_profile"`
	LastEventID       int64  `json:"last_event_id"`
	LastSyncTime      string `json:"last_sync_time,omitempty"`
	SyncCount         int    `json:"sync_count"`
	TotalEventsSynced int64  `json:"total_events_synced"`
	IsActive          bool   `json:"is_active"`
}

// SyncStateStore manages watermark rows through the tenant's RPC client.
//
// Advance is atomic with respect to concurrent pulls for the same row in this
// process: a per-row mutex serializes the read-compare-write, and the monotone
// max rule means a concurrent pull that lost the race degrades to a no-op
// rather than regressing the watermark.
type SyncStateStore struct {
	caller Caller

	mu   sync.Mutex
	rows map[int]*sync.Mutex
}

// NewSyncStateStore wraps a Caller.
func NewSyncStateStore(c Caller) *SyncStateStore {
	return &SyncStateStore{caller: c, rows: make(map[int]*sync.Mutex)}
}

func (s *SyncStateStore) rowLock(rowID int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rows[rowID]
	if !ok {
		l = &sync.Mutex{}
		s.rows[rowID] = l
	}
	return l
}

var syncStateFields = []string{
	"user_id", "device_id", "app_type", "last_event_id",
	"last_sync_time", "sync_count", "total_events_synced", "is_active",
}

// GetOrCreate returns the row for (user, device, appProfile), creating it at
// watermark zero on first use. Idempotent.
func (s *SyncStateStore) GetOrCreate(ctx context.Context, userID int, deviceID, appProfile string) (SyncState, error) {
	row, found, err := s.find(ctx, userID, deviceID, appProfile)
	if err != nil {
		return SyncState{}, err
	}
	if found {
		return row, nil
	}

	id, err := Create(ctx, s.caller, syncStateModel, map[string]any{
		"user_id":             userID,
		"device_id":           deviceID,
		"app_type":            appProfile,
		"last_event_id":       0,
		"sync_count":          0,
		"total_events_synced": 0,
		"is_active":           true,
	})
	if err != nil {
		// A concurrent first pull may have created the row between our
		// search and create; re-read before giving up.
		if row, found, ferr := s.find(ctx, userID, deviceID, appProfile); ferr == nil && found {
			return row, nil
		}
		return SyncState{}, err
	}

	log.Info().Int("user_id", userID).Str("device_id", deviceID).Str("app_profile", appProfile).Msg("created sync state")
	return SyncState{
		ID:         id,
		UserID:     userID,
		DeviceID:   deviceID,
		AppProfile: appProfile,
		IsActive:   true,
	}, nil
}

func (s *SyncStateStore) find(ctx context.Context, userID int, deviceID, appProfile string) (SyncState, bool, error) {
	domain := []any{
		[]any{"user_id", "=", userID},
		[]any{"device_id", "=", deviceID},
	}
	if appProfile != "" {
		domain = append(domain, []any{"app_type", "=", appProfile})
	}

	rows, err := SearchRead(ctx, s.caller, syncStateModel, domain, syncStateFields, 1, 0, "")
	if err != nil {
		return SyncState{}, false, err
	}
	if len(rows) == 0 {
		return SyncState{}, false, nil
	}
	return decodeSyncState(rows[0]), true, nil
}

// Get returns the row for (user, device) without creating one.
func (s *SyncStateStore) Get(ctx context.Context, userID int, deviceID string) (SyncState, bool, error) {
	return s.find(ctx, userID, deviceID, "")
}

// Advance moves the watermark forward. Monotone: when newLastEventID is not
// greater than the stored watermark, only the bookkeeping fields move and the
// watermark stays put.
func (s *SyncStateStore) Advance(ctx context.Context, rowID int, newLastEventID int64, eventsAdded int) (SyncState, error) {
	l := s.rowLock(rowID)
	l.Lock()
	defer l.Unlock()

	rows, err := Read(ctx, s.caller, syncStateModel, []int{rowID}, syncStateFields)
	if err != nil {
		return SyncState{}, err
	}
	if len(rows) == 0 {
		return SyncState{}, &RecordNotFoundError{Model: syncStateModel}
	}

	current := decodeSyncState(rows[0])
	current.ID = rowID

	watermark := current.LastEventID
	if newLastEventID > watermark {
		watermark = newLastEventID
	}

	now := nowRFC3339()
	values := map[string]any{
		"last_event_id":       watermark,
		"last_sync_time":      now,
		"sync_count":          current.SyncCount + 1,
		"total_events_synced": current.TotalEventsSynced + int64(eventsAdded),
	}
	if err := Write(ctx, s.caller, syncStateModel, []int{rowID}, values); err != nil {
		return SyncState{}, err
	}

	current.LastEventID = watermark
	current.LastSyncTime = now
	current.SyncCount++
	current.TotalEventsSynced += int64(eventsAdded)
	return current, nil
}

// Reset zeroes the watermark so the device's next pull replays the log.
func (s *SyncStateStore) Reset(ctx context.Context, rowID int) error {
	l := s.rowLock(rowID)
	l.Lock()
	defer l.Unlock()

	return Write(ctx, s.caller, syncStateModel, []int{rowID}, map[string]any{
		"last_event_id": 0,
		"sync_count":    0,
	})
}

func decodeSyncState(row map[string]any) SyncState {
	st := SyncState{}
	if id, ok := asInt(row["id"]); ok {
		st.ID = id
	}
	// user_id decodes either as a plain id or as the upstream's [id, name]
	// relation pair.
	switch v := row["user_id"].(type) {
	case []any:
		if len(v) > 0 {
			if id, ok := asInt(v[0]); ok {
				st.UserID = id
			}
		}
	default:
		if id, ok := asInt(v); ok {
			st.UserID = id
		}
	}
	st.DeviceID, _ = row["device_id"].(string)
	st.AppProfile, _ = row["app_type"].(string)
	if v, ok := asInt(row["last_event_id"]); ok {
		st.LastEventID = int64(v)
	}
	st.LastSyncTime, _ = row["last_sync_time"].(string)
	if v, ok := asInt(row["sync_count"]); ok {
		st.SyncCount = v
	}
	if v, ok := asInt(row["total_events_synced"]); ok {
		st.TotalEventsSynced = int64(v)
	}
	if v, ok := row["is_active"].(bool); ok {
		st.IsActive = v
	}
	return st
}
