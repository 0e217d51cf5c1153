package sync

import (
	"context"

	"github.com/geniustep/bridgecore/internal/upstream"
)

// ModelCount is one entry of the per-model activity tally.
type ModelCount struct {
	Model string `json:"model"`
	Count int    `json:"count"`
}

// ActivitySummary describes recent change-log activity for dashboards.
type ActivitySummary struct {
	LastUpdateAt string                 `json:"last_update_at,omitempty"`
	Summary      []ModelCount           `json:"summary"`
	Events       []upstream.ChangeEvent `json:"events"`
}

// RecentActivity lists the newest change events with a per-model tally.
// Ordered by recency, not by event id: this is a display surface, not a
// sync cursor.
func (e *PullEngine) RecentActivity(ctx context.Context, tenantID string, models []string, limit int) (ActivitySummary, error) {
	p, err := e.plane(ctx, tenantID)
	if err != nil {
		return ActivitySummary{}, err
	}

	events, err := p.reader.Query(ctx, upstream.ChangeQuery{
		Models:    models,
		Limit:     limit,
		ByRecency: true,
	})
	if err != nil {
		return ActivitySummary{}, err
	}

	tally := make(map[string]int)
	order := make([]string, 0)
	for _, ev := range events {
		if _, seen := tally[ev.Model]; !seen {
			order = append(order, ev.Model)
		}
		tally[ev.Model]++
	}

	summary := make([]ModelCount, 0, len(order))
	for _, model := range order {
		summary = append(summary, ModelCount{Model: model, Count: tally[model]})
	}

	out := ActivitySummary{Summary: summary, Events: events}
	if len(events) > 0 {
		out.LastUpdateAt = events[0].Timestamp
	}
	return out, nil
}

// Stats aggregates change-log counts for a tenant.
func (e *PullEngine) Stats(ctx context.Context, tenantID, since, model string) (upstream.Statistics, error) {
	p, err := e.plane(ctx, tenantID)
	if err != nil {
		return upstream.Statistics{}, err
	}
	return p.reader.Stats(ctx, since, model)
}

// DeadLetters lists events whose delivery upstream has given up on.
func (e *PullEngine) DeadLetters(ctx context.Context, tenantID string, limit int) ([]upstream.ChangeEvent, error) {
	p, err := e.plane(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return p.reader.DeadLetters(ctx, limit)
}

// RetryEvent re-dispatches one failed event.
func (e *PullEngine) RetryEvent(ctx context.Context, tenantID string, eventID int64, force bool) error {
	p, err := e.plane(ctx, tenantID)
	if err != nil {
		return err
	}
	return p.reader.Retry(ctx, eventID, force)
}
