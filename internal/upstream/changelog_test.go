package upstream

import (
	"context"
	"testing"
)

// recordingCaller captures the call it receives and replays a canned result.
type recordingCaller struct {
	model  string
	method string
	args   []any
	kwargs map[string]any
	result any
	err    error
}

func (r *recordingCaller) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	r.model = model
	r.method = method
	r.args = args
	r.kwargs = kwargs
	return r.result, r.err
}

func domainLeaves(t *testing.T, args []any) [][]any {
	t.Helper()
	domain, ok := args[0].([]any)
	if !ok {
		t.Fatalf("expected domain as first arg, got %T", args[0])
	}
	leaves := make([][]any, 0, len(domain))
	for _, l := range domain {
		leaf, ok := l.([]any)
		if !ok {
			t.Fatalf("unexpected domain element %v", l)
		}
		leaves = append(leaves, leaf)
	}
	return leaves
}

func TestChangeLogReader_QueryDomain(t *testing.T) {
	caller := &recordingCaller{result: []any{}}
	reader := NewChangeLogReader(caller)

	_, err := reader.Query(context.Background(), ChangeQuery{
		AfterEventID: 57,
		Models:       []string{"sale.order", "res.partner"},
		Priorities:   []string{"high"},
		SkipArchived: true,
		Limit:        10,
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if caller.model != "update.webhook" || caller.method != "search_read" {
		t.Errorf("unexpected call %s.%s", caller.model, caller.method)
	}

	leaves := domainLeaves(t, caller.args)
	if len(leaves) != 4 {
		t.Fatalf("expected 4 domain leaves, got %v", leaves)
	}
	if leaves[0][0] != "id" || leaves[0][1] != ">" || leaves[0][2] != int64(57) {
		t.Errorf("cursor leaf must come first: %v", leaves[0])
	}
	if leaves[1][0] != "model" || leaves[2][0] != "priority" || leaves[3][0] != "is_archived" {
		t.Errorf("unexpected leaf order: %v", leaves)
	}

	if caller.kwargs["order"] != "id asc" {
		t.Errorf("watermark reads must order id asc, got %v", caller.kwargs["order"])
	}
	if caller.kwargs["limit"] != 10 {
		t.Errorf("expected limit 10, got %v", caller.kwargs["limit"])
	}
}

func TestChangeLogReader_RecencyOrderAndBatchBound(t *testing.T) {
	caller := &recordingCaller{result: []any{}}
	reader := NewChangeLogReader(caller)

	_, err := reader.Query(context.Background(), ChangeQuery{ByRecency: true, Limit: 50000})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if caller.kwargs["order"] != "timestamp desc" {
		t.Errorf("recency reads must order timestamp desc, got %v", caller.kwargs["order"])
	}
	if caller.kwargs["limit"] != maxChangeBatch {
		t.Errorf("batch must be bounded at %d, got %v", maxChangeBatch, caller.kwargs["limit"])
	}
}

func TestChangeLogReader_DecodeNormalizesKinds(t *testing.T) {
	caller := &recordingCaller{result: []any{
		map[string]any{"id": float64(7), "model": "sale.order", "record_id": float64(3), "event": "write"},
		map[string]any{"id": float64(8), "model": "sale.order", "record_id": float64(4), "event": "unlink"},
		map[string]any{"id": float64(9), "model": "sale.order", "record_id": float64(5), "event": "create"},
	}}
	reader := NewChangeLogReader(caller)

	events, err := reader.Query(context.Background(), ChangeQuery{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != KindUpdate || events[1].Kind != KindDelete || events[2].Kind != KindCreate {
		t.Errorf("kinds not normalized: %v %v %v", events[0].Kind, events[1].Kind, events[2].Kind)
	}
	if events[0].EventID != 7 || events[0].RecordID != 3 {
		t.Errorf("ids not decoded: %+v", events[0])
	}
}

func TestChangeLogReader_AcknowledgeSkipsEmpty(t *testing.T) {
	caller := &recordingCaller{result: true}
	reader := NewChangeLogReader(caller)

	if err := reader.Acknowledge(context.Background(), nil); err != nil {
		t.Fatalf("empty acknowledge must be a no-op: %v", err)
	}
	if caller.method != "" {
		t.Error("no upstream call expected for empty id list")
	}

	if err := reader.Acknowledge(context.Background(), []int64{5, 6}); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if caller.method != "acknowledge" {
		t.Errorf("expected acknowledge call, got %q", caller.method)
	}
}

func TestMaxEventID(t *testing.T) {
	events := []ChangeEvent{{EventID: 3}, {EventID: 9}, {EventID: 7}}
	if got := MaxEventID(events, 0); got != 9 {
		t.Errorf("expected 9, got %d", got)
	}
	if got := MaxEventID(nil, 42); got != 42 {
		t.Errorf("empty batch must return fallback, got %d", got)
	}
}
