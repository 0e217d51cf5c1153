package sync

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/geniustep/bridgecore/internal/gateway"
	"github.com/geniustep/bridgecore/internal/metrics"
	"github.com/geniustep/bridgecore/internal/upstream"
)

// PullRequest identifies a client and bounds one delta pull.
type PullRequest struct {
	TenantID       string
	UserID         int
	DeviceID       string
	AppProfile     string
	ModelFilter    []string
	PriorityFilter []string
	Limit          int
}

// PullResponse carries the events strictly newer than the client's watermark
// plus the advanced watermark.
type PullResponse struct {
	HasUpdates      bool                   `json:"has_updates"`
	NewEventsCount  int                    `json:"new_events_count"`
	Events          []upstream.ChangeEvent `json:"events"`
	LastEventID     int64                  `json:"last_event_id"`
	NextSyncToken   string                 `json:"next_sync_token"`
	LastSyncTime    string                 `json:"last_sync_time,omitempty"`
	HasMore         bool                   `json:"has_more"`
	TotalAvailable  int                    `json:"total_available,omitempty"`
	ServerTimestamp string                 `json:"server_timestamp"`
}

// PullEngine combines the change-log reader and the sync-state store: it
// resolves a client's watermark, reads strictly newer events, and advances
// the watermark transactionally with respect to concurrent pulls for the
// same device.
type PullEngine struct {
	resolver gateway.Resolver

	mu     sync.Mutex
	planes map[string]*tenantPlane
}

// tenantPlane holds one tenant's reader and state store, rebuilt when the
// tenant's upstream adapter changes (credential rotation).
type tenantPlane struct {
	caller upstream.Caller
	reader *upstream.ChangeLogReader
	states *upstream.SyncStateStore
}

// NewPullEngine wires the engine onto the tenant resolver.
func NewPullEngine(resolver gateway.Resolver) *PullEngine {
	return &PullEngine{
		resolver: resolver,
		planes:   make(map[string]*tenantPlane),
	}
}

// plane returns the per-tenant reader and state store, building them on first
// use so per-row advance locks are shared across pulls.
func (e *PullEngine) plane(ctx context.Context, tenantID string) (*tenantPlane, error) {
	_, caller, err := e.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.planes[tenantID]
	if !ok || p.caller != caller {
		p = &tenantPlane{
			caller: caller,
			reader: upstream.NewChangeLogReader(caller),
			states: upstream.NewSyncStateStore(caller),
		}
		e.planes[tenantID] = p
	}
	return p, nil
}

// Pull executes one delta pull.
func (e *PullEngine) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	p, err := e.plane(ctx, req.TenantID)
	if err != nil {
		return PullResponse{}, err
	}
	reader, states := p.reader, p.states

	row, err := states.GetOrCreate(ctx, req.UserID, req.DeviceID, req.AppProfile)
	if err != nil {
		return PullResponse{}, err
	}

	models := req.ModelFilter
	if len(models) == 0 {
		models = ProfileModels(req.AppProfile)
	}

	query := upstream.ChangeQuery{
		AfterEventID: row.LastEventID,
		Models:       models,
		Priorities:   req.PriorityFilter,
		SkipArchived: true,
		Limit:        req.Limit,
	}

	events, err := reader.Query(ctx, query)
	if err != nil {
		return PullResponse{}, err
	}

	metrics.SyncPulls.WithLabelValues(req.AppProfile).Inc()
	now := time.Now().UTC().Format(time.RFC3339)

	if len(events) == 0 {
		return PullResponse{
			HasUpdates:      false,
			Events:          []upstream.ChangeEvent{},
			LastEventID:     row.LastEventID,
			NextSyncToken:   strconv.FormatInt(row.LastEventID, 10),
			LastSyncTime:    row.LastSyncTime,
			ServerTimestamp: now,
		}, nil
	}

	newLast := upstream.MaxEventID(events, row.LastEventID)

	advanced, err := states.Advance(ctx, row.ID, newLast, len(events))
	if err != nil {
		return PullResponse{}, err
	}

	// Best-effort bookkeeping upstream-side; failures never fail the pull
	// because the watermark already advanced.
	eventIDs := make([]int64, len(events))
	for i, ev := range events {
		eventIDs[i] = ev.EventID
	}
	if err := reader.Acknowledge(ctx, eventIDs); err != nil {
		log.Warn().Err(err).Int("events", len(eventIDs)).Msg("failed to acknowledge events")
	}
	if err := reader.MarkSyncedByUser(ctx, eventIDs, req.UserID); err != nil {
		log.Warn().Err(err).Int("user_id", req.UserID).Msg("failed to mark events synced")
	}

	hasMore := false
	totalAvailable := 0
	if len(events) >= req.Limit && req.Limit > 0 {
		if total, err := reader.Count(ctx, query); err == nil {
			totalAvailable = total
			hasMore = total > len(events)
		} else {
			log.Warn().Err(err).Msg("failed to count remaining events")
		}
	}

	metrics.SyncEventsDelivered.Add(float64(len(events)))

	return PullResponse{
		HasUpdates:      true,
		NewEventsCount:  len(events),
		Events:          events,
		LastEventID:     advanced.LastEventID,
		NextSyncToken:   strconv.FormatInt(advanced.LastEventID, 10),
		LastSyncTime:    advanced.LastSyncTime,
		HasMore:         hasMore,
		TotalAvailable:  totalAvailable,
		ServerTimestamp: now,
	}, nil
}

// State inspects a device's sync state without creating one.
func (e *PullEngine) State(ctx context.Context, tenantID string, userID int, deviceID string) (upstream.SyncState, bool, error) {
	p, err := e.plane(ctx, tenantID)
	if err != nil {
		return upstream.SyncState{}, false, err
	}
	return p.states.Get(ctx, userID, deviceID)
}

// Reset zeroes a device's watermark, forcing a full resync on its next pull.
func (e *PullEngine) Reset(ctx context.Context, tenantID string, userID int, deviceID string) error {
	p, err := e.plane(ctx, tenantID)
	if err != nil {
		return err
	}

	row, found, err := p.states.Get(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if !found {
		// Nothing to reset; the next pull starts from zero anyway.
		return nil
	}

	if err := p.states.Reset(ctx, row.ID); err != nil {
		return err
	}
	log.Info().Int("user_id", userID).Str("device_id", deviceID).Msg("sync state reset")
	return nil
}
