package upstream

import (
	"context"
	"sync"
	"testing"
)

// stateBackend is an in-memory user.sync.state table behind Caller.
type stateBackend struct {
	mu     sync.Mutex
	rows   map[int]map[string]any
	nextID int
}

func newStateBackend() *stateBackend {
	return &stateBackend{rows: make(map[int]map[string]any), nextID: 1}
}

func (b *stateBackend) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if model != syncStateModel {
		return nil, &ModelNotFoundError{Model: model}
	}

	switch method {
	case "search_read":
		domain, _ := args[0].([]any)
		var userID int
		var deviceID string
		for _, leaf := range domain {
			l, _ := leaf.([]any)
			if len(l) < 3 {
				continue
			}
			switch l[0].(string) {
			case "user_id":
				if n, ok := asInt(l[2]); ok {
					userID = n
				}
			case "device_id":
				deviceID, _ = l[2].(string)
			}
		}
		var out []any
		for id, row := range b.rows {
			if u, _ := asInt(row["user_id"]); u == userID {
				if d, _ := row["device_id"].(string); d == deviceID {
					copied := map[string]any{"id": id}
					for k, v := range row {
						copied[k] = v
					}
					out = append(out, copied)
				}
			}
		}
		return out, nil

	case "create":
		values, _ := args[0].(map[string]any)
		id := b.nextID
		b.nextID++
		row := make(map[string]any, len(values))
		for k, v := range values {
			row[k] = v
		}
		b.rows[id] = row
		return id, nil

	case "read":
		ids, _ := args[0].([]any)
		var out []any
		for _, raw := range ids {
			id, _ := asInt(raw)
			if row, ok := b.rows[id]; ok {
				copied := map[string]any{"id": id}
				for k, v := range row {
					copied[k] = v
				}
				out = append(out, copied)
			}
		}
		return out, nil

	case "write":
		ids, _ := args[0].([]any)
		values, _ := args[1].(map[string]any)
		for _, raw := range ids {
			id, _ := asInt(raw)
			if row, ok := b.rows[id]; ok {
				for k, v := range values {
					row[k] = v
				}
			}
		}
		return true, nil
	}
	return nil, &MethodNotFoundError{Model: model, Method: method}
}

func TestSyncStateStore_GetOrCreateIsIdempotent(t *testing.T) {
	backend := newStateBackend()
	store := NewSyncStateStore(backend)
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, 1, "d-1", "sales_app")
	if err != nil {
		t.Fatalf("get_or_create failed: %v", err)
	}
	if first.LastEventID != 0 || first.SyncCount != 0 {
		t.Errorf("fresh row must start at zero: %+v", first)
	}

	second, err := store.GetOrCreate(ctx, 1, "d-1", "sales_app")
	if err != nil {
		t.Fatalf("second get_or_create failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected the same row, got %d and %d", first.ID, second.ID)
	}
	if len(backend.rows) != 1 {
		t.Errorf("expected one row, got %d", len(backend.rows))
	}
}

func TestSyncStateStore_AdvanceIsMonotone(t *testing.T) {
	backend := newStateBackend()
	store := NewSyncStateStore(backend)
	ctx := context.Background()

	row, err := store.GetOrCreate(ctx, 1, "d-1", "sales_app")
	if err != nil {
		t.Fatalf("get_or_create failed: %v", err)
	}

	advanced, err := store.Advance(ctx, row.ID, 100, 5)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if advanced.LastEventID != 100 || advanced.SyncCount != 1 || advanced.TotalEventsSynced != 5 {
		t.Errorf("unexpected state after advance: %+v", advanced)
	}

	// A smaller watermark never regresses; bookkeeping still moves.
	advanced, err = store.Advance(ctx, row.ID, 40, 2)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if advanced.LastEventID != 100 {
		t.Errorf("watermark regressed to %d", advanced.LastEventID)
	}
	if advanced.SyncCount != 2 || advanced.TotalEventsSynced != 7 {
		t.Errorf("bookkeeping must still advance: %+v", advanced)
	}
	if advanced.LastSyncTime == "" {
		t.Error("last_sync_time must be stamped on every advance")
	}
}

func TestSyncStateStore_ConcurrentAdvanceNeverRegresses(t *testing.T) {
	backend := newStateBackend()
	store := NewSyncStateStore(backend)
	ctx := context.Background()

	row, err := store.GetOrCreate(ctx, 1, "d-1", "sales_app")
	if err != nil {
		t.Fatalf("get_or_create failed: %v", err)
	}

	var wg sync.WaitGroup
	for _, watermark := range []int64{10, 50, 30, 90, 70, 20} {
		wg.Add(1)
		go func(w int64) {
			defer wg.Done()
			if _, err := store.Advance(ctx, row.ID, w, 1); err != nil {
				t.Errorf("advance(%d) failed: %v", w, err)
			}
		}(watermark)
	}
	wg.Wait()

	final, found, err := store.Get(ctx, 1, "d-1")
	if err != nil || !found {
		t.Fatalf("get failed: found=%v err=%v", found, err)
	}
	if final.LastEventID != 90 {
		t.Errorf("expected max watermark 90, got %d", final.LastEventID)
	}
	if final.SyncCount != 6 {
		t.Errorf("expected 6 advances, got %d", final.SyncCount)
	}
}

func TestSyncStateStore_Reset(t *testing.T) {
	backend := newStateBackend()
	store := NewSyncStateStore(backend)
	ctx := context.Background()

	row, err := store.GetOrCreate(ctx, 1, "d-1", "sales_app")
	if err != nil {
		t.Fatalf("get_or_create failed: %v", err)
	}
	if _, err := store.Advance(ctx, row.ID, 100, 5); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	if err := store.Reset(ctx, row.ID); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	after, found, err := store.Get(ctx, 1, "d-1")
	if err != nil || !found {
		t.Fatalf("get failed: found=%v err=%v", found, err)
	}
	if after.LastEventID != 0 || after.SyncCount != 0 {
		t.Errorf("reset must zero watermark and count: %+v", after)
	}
}
