package upstream

import (
	"context"
	"fmt"
)

// High-level helpers over Caller for the handful of upstream methods the
// sync plane drives directly. The gateway pipeline goes through Call with the
// operation name from the request instead.

// SearchRead runs search_read and decodes the row list.
func SearchRead(ctx context.Context, c Caller, model string, domain []any, fields []string, limit, offset int, order string) ([]map[string]any, error) {
	kwargs := map[string]any{"offset": offset}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	if order != "" {
		kwargs["order"] = order
	}

	result, err := c.Call(ctx, model, "search_read", []any{domain}, kwargs)
	if err != nil {
		return nil, err
	}
	return decodeRows(result)
}

// SearchCount runs search_count and decodes the count.
func SearchCount(ctx context.Context, c Caller, model string, domain []any) (int, error) {
	result, err := c.Call(ctx, model, "search_count", []any{domain}, nil)
	if err != nil {
		return 0, err
	}
	n, ok := asInt(result)
	if !ok {
		return 0, fmt.Errorf("unexpected search_count result %T", result)
	}
	return n, nil
}

// Search runs search and decodes the id list.
func Search(ctx context.Context, c Caller, model string, domain []any) ([]int, error) {
	result, err := c.Call(ctx, model, "search", []any{domain}, nil)
	if err != nil {
		return nil, err
	}
	raw, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected search result %T", result)
	}
	ids := make([]int, 0, len(raw))
	for _, v := range raw {
		if id, ok := asInt(v); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Read reads records by id.
func Read(ctx context.Context, c Caller, model string, ids []int, fields []string) ([]map[string]any, error) {
	kwargs := map[string]any{}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	result, err := c.Call(ctx, model, "read", []any{intsToAny(ids)}, kwargs)
	if err != nil {
		return nil, err
	}
	return decodeRows(result)
}

// Create creates one record and returns the server id.
func Create(ctx context.Context, c Caller, model string, values map[string]any) (int, error) {
	result, err := c.Call(ctx, model, "create", []any{values}, nil)
	if err != nil {
		return 0, err
	}
	id, ok := asInt(result)
	if !ok {
		return 0, fmt.Errorf("unexpected create result %T", result)
	}
	return id, nil
}

// Write updates records by id.
func Write(ctx context.Context, c Caller, model string, ids []int, values map[string]any) error {
	_, err := c.Call(ctx, model, "write", []any{intsToAny(ids), values}, nil)
	return err
}

// Unlink deletes records by id.
func Unlink(ctx context.Context, c Caller, model string, ids []int) error {
	_, err := c.Call(ctx, model, "unlink", []any{intsToAny(ids)}, nil)
	return err
}

func decodeRows(result any) ([]map[string]any, error) {
	raw, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected row list %T", result)
	}
	rows := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return rows, nil
}

// asInt normalizes json-decoded numerics to int.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func intsToAny(ids []int) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
