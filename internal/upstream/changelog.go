package upstream

import (
	"context"
	"time"
)

// changeLogModel is the upstream model backing the append-only change log.
const changeLogModel = "update.webhook"

// maxChangeBatch bounds one change-log read.
const maxChangeBatch = 1000

// Event kinds, normalized from the upstream's create/write/unlink verbs.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
	KindManual = "manual"
)

// Processing statuses an event moves through upstream-side.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusDead       = "dead"
)

// ChangeEvent is one row of the upstream's append-only change log. EventID is
// the sole ordering key: monotone, unique within one upstream.
type ChangeEvent struct {
	EventID       int64  `json:"event_id"`
	Model         string `json:"model"`
	RecordID      int    `json:"record_id"`
	Kind          string `json:"kind"`
	Timestamp     string `json:"timestamp,omitempty"`
	Priority      string `json:"priority,omitempty"`
	Category      string `json:"category,omitempty"`
	Payload       any    `json:"payload,omitempty"`
	ChangedFields any    `json:"changed_fields,omitempty"`
	Status        string `json:"status,omitempty"`
	RetryCount    int    `json:"retry_count,omitempty"`
	MaxRetries    int    `json:"max_retries,omitempty"`
	NextRetryAt   string `json:"next_retry_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// ChangeQuery selects events from the change log.
type ChangeQuery struct {
	AfterEventID  int64    // strict lower bound on event id
	Models        []string // optional model filter
	Priorities    []string // optional priority filter
	Status        string   // optional processing-status filter
	SkipArchived  bool
	Limit         int
	// ByRecency orders timestamp desc for activity displays; the default
	// event-id asc order is what watermark advancement requires.
	ByRecency bool
}

// ChangeLogReader reads the change log through the tenant's RPC client. It
// never mutates events; status transitions are driven by the upstream methods
// invoked from the pull engine.
type ChangeLogReader struct {
	caller Caller
}

// NewChangeLogReader wraps a Caller.
func NewChangeLogReader(c Caller) *ChangeLogReader {
	return &ChangeLogReader{caller: c}
}

var changeEventFields = []string{
	"id", "model", "record_id", "event", "timestamp",
	"payload", "changed_fields", "priority", "category", "status",
}

func (q ChangeQuery) domain() []any {
	domain := []any{
		[]any{"id", ">", q.AfterEventID},
	}
	if len(q.Models) > 0 {
		domain = append(domain, []any{"model", "in", q.Models})
	}
	if len(q.Priorities) > 0 {
		domain = append(domain, []any{"priority", "in", q.Priorities})
	}
	if q.Status != "" {
		domain = append(domain, []any{"status", "=", q.Status})
	}
	if q.SkipArchived {
		domain = append(domain, []any{"is_archived", "=", false})
	}
	return domain
}

// Query returns matching events in the order the query asks for.
func (r *ChangeLogReader) Query(ctx context.Context, q ChangeQuery) ([]ChangeEvent, error) {
	limit := q.Limit
	if limit <= 0 || limit > maxChangeBatch {
		limit = maxChangeBatch
	}

	order := "id asc"
	if q.ByRecency {
		order = "timestamp desc"
	}

	rows, err := SearchRead(ctx, r.caller, changeLogModel, q.domain(), changeEventFields, limit, 0, order)
	if err != nil {
		return nil, err
	}

	events := make([]ChangeEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, decodeChangeEvent(row))
	}
	return events, nil
}

// Count returns how many events match the query, for has_more computation.
func (r *ChangeLogReader) Count(ctx context.Context, q ChangeQuery) (int, error) {
	return SearchCount(ctx, r.caller, changeLogModel, q.domain())
}

// Acknowledge marks events processed upstream-side.
func (r *ChangeLogReader) Acknowledge(ctx context.Context, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := r.caller.Call(ctx, changeLogModel, "acknowledge", []any{int64sToAny(eventIDs)}, nil)
	return err
}

// MarkSyncedByUser records that a user's device has pulled these events.
// Analytics only; a failure never fails the pull.
func (r *ChangeLogReader) MarkSyncedByUser(ctx context.Context, eventIDs []int64, userID int) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := r.caller.Call(ctx, changeLogModel, "mark_as_synced_by_user", []any{int64sToAny(eventIDs), userID}, nil)
	return err
}

var deadLetterFields = []string{
	"id", "model", "record_id", "event", "timestamp", "priority", "category",
	"status", "retry_count", "max_retries", "next_retry_at", "error_message",
}

// DeadLetters lists events that exhausted their retries (status dead),
// newest first.
func (r *ChangeLogReader) DeadLetters(ctx context.Context, limit int) ([]ChangeEvent, error) {
	if limit <= 0 || limit > maxChangeBatch {
		limit = 100
	}
	domain := []any{[]any{"status", "=", StatusDead}}
	rows, err := SearchRead(ctx, r.caller, changeLogModel, domain, deadLetterFields, limit, 0, "timestamp desc")
	if err != nil {
		return nil, err
	}
	events := make([]ChangeEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, decodeChangeEvent(row))
	}
	return events, nil
}

// Retry asks the upstream to re-dispatch a failed event. force overrides the
// max-retry cutoff.
func (r *ChangeLogReader) Retry(ctx context.Context, eventID int64, force bool) error {
	_, err := r.caller.Call(ctx, changeLogModel, "retry_event",
		[]any{[]any{eventID}}, map[string]any{"force": force})
	return err
}

// Statistics tallies matching events by status, priority, category, and kind.
type Statistics struct {
	TotalEvents int            `json:"total_events"`
	ByStatus    map[string]int `json:"by_status"`
	ByPriority  map[string]int `json:"by_priority"`
	ByCategory  map[string]int `json:"by_category"`
	ByKind      map[string]int `json:"by_kind"`
}

// statsSampleLimit bounds the scan behind a statistics call.
const statsSampleLimit = 10000

// Stats aggregates event counts, optionally bounded to one model and a
// timestamp lower bound.
func (r *ChangeLogReader) Stats(ctx context.Context, since, model string) (Statistics, error) {
	domain := []any{}
	if since != "" {
		domain = append(domain, []any{"timestamp", ">=", since})
	}
	if model != "" {
		domain = append(domain, []any{"model", "=", model})
	}

	rows, err := SearchRead(ctx, r.caller, changeLogModel, domain,
		[]string{"status", "priority", "category", "event"}, statsSampleLimit, 0, "")
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
		ByCategory: make(map[string]int),
		ByKind:     make(map[string]int),
	}
	for _, row := range rows {
		stats.TotalEvents++
		stats.ByStatus[strOr(row["status"], "unknown")]++
		stats.ByPriority[strOr(row["priority"], "unknown")]++
		stats.ByCategory[strOr(row["category"], "unknown")]++
		if kind, ok := row["event"].(string); ok {
			stats.ByKind[NormalizeKind(kind)]++
		} else {
			stats.ByKind["unknown"]++
		}
	}
	return stats, nil
}

func strOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func decodeChangeEvent(row map[string]any) ChangeEvent {
	ev := ChangeEvent{}
	if id, ok := asInt(row["id"]); ok {
		ev.EventID = int64(id)
	}
	ev.Model, _ = row["model"].(string)
	if rid, ok := asInt(row["record_id"]); ok {
		ev.RecordID = rid
	}
	if kind, ok := row["event"].(string); ok {
		ev.Kind = NormalizeKind(kind)
	}
	ev.Timestamp, _ = row["timestamp"].(string)
	ev.Priority, _ = row["priority"].(string)
	ev.Category, _ = row["category"].(string)
	ev.Status, _ = row["status"].(string)
	ev.Payload = row["payload"]
	ev.ChangedFields = row["changed_fields"]
	if v, ok := asInt(row["retry_count"]); ok {
		ev.RetryCount = v
	}
	if v, ok := asInt(row["max_retries"]); ok {
		ev.MaxRetries = v
	}
	ev.NextRetryAt, _ = row["next_retry_at"].(string)
	ev.LastError, _ = row["error_message"].(string)
	return ev
}

// NormalizeKind maps upstream mutation verbs onto event kinds.
func NormalizeKind(verb string) string {
	switch verb {
	case KindCreate:
		return KindCreate
	case "write", KindUpdate:
		return KindUpdate
	case "unlink", KindDelete:
		return KindDelete
	case "", KindManual:
		return KindManual
	default:
		return verb
	}
}

func int64sToAny(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// MaxEventID returns the highest event id in a batch, or fallback when the
// batch is empty.
func MaxEventID(events []ChangeEvent, fallback int64) int64 {
	maxID := fallback
	for _, ev := range events {
		if ev.EventID > maxID {
			maxID = ev.EventID
		}
	}
	return maxID
}

// nowRFC3339 is the timestamp format the upstream stores.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
