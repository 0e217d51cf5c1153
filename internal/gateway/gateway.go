package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/geniustep/bridgecore/internal/cache"
	"github.com/geniustep/bridgecore/internal/metrics"
	"github.com/geniustep/bridgecore/internal/tenant"
	"github.com/geniustep/bridgecore/internal/upstream"
)

// Resolver supplies the validated tenant and its upstream client.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) (*tenant.Tenant, upstream.Caller, error)
}

// Broadcaster receives mutation events for real-time fan-out.
type Broadcaster interface {
	BroadcastRecordUpdate(tenantID, model string, recordID int, kind string, payload any)
}

// BadRequestError rejects malformed operations before any upstream contact.
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string { return e.Msg }

// ModelNotAllowedError rejects models outside the tenant's allowlist.
type ModelNotAllowedError struct {
	Model string
}

func (e *ModelNotAllowedError) Error() string {
	return fmt.Sprintf("model %s is not allowed for this tenant", e.Model)
}

// Request is one tenant-scoped operation. Exactly which fields matter depends
// on the operation; Values carries write payloads, Method/Args/Kwargs carry
// the call_kw passthrough.
type Request struct {
	TenantID string
	Op       string
	Model    string

	IDs    []int
	Domain []any
	Fields []string
	Order  string
	Limit  *int
	Offset int
	Values map[string]any
	Name   string

	Method string
	Args   []any
	Kwargs map[string]any
}

// Result carries the upstream data plus the pipeline annotations.
type Result struct {
	Data      any  `json:"data"`
	Cached    bool `json:"cached,omitempty"`
	Optimized bool `json:"optimized,omitempty"`
}

// Gateway orchestrates tenant resolution, caching, optimization, execution,
// and write-through invalidation for every RPC operation.
type Gateway struct {
	resolver Resolver
	cache    *cache.Store
	fanout   Broadcaster
	sf       singleflight.Group
}

// New wires the gateway. fanout may be nil in tools that have no realtime
// plane.
func New(resolver Resolver, cacheStore *cache.Store, fanout Broadcaster) *Gateway {
	return &Gateway{resolver: resolver, cache: cacheStore, fanout: fanout}
}

// Execute runs the full pipeline for one operation.
func (g *Gateway) Execute(ctx context.Context, req Request) (Result, error) {
	t, caller, err := g.resolver.Resolve(ctx, req.TenantID)
	if err != nil {
		return Result{}, err
	}

	if !ValidOp(req.Op) {
		return Result{}, &BadRequestError{Msg: fmt.Sprintf("unknown operation %q", req.Op)}
	}
	if req.Model == "" {
		return Result{}, &BadRequestError{Msg: "model is required"}
	}
	if !t.ModelAllowed(req.Model) {
		return Result{}, &ModelNotAllowedError{Model: req.Model}
	}
	if req.Op == OpCallKw && req.Method == "" {
		return Result{}, &BadRequestError{Msg: "method is required for call_kw"}
	}
	if (req.Op == OpWrite || req.Op == OpUnlink || req.Op == OpWebSave) && len(req.IDs) == 0 {
		return Result{}, &BadRequestError{Msg: "ids are required for " + req.Op}
	}

	metrics.RequestsTotal.WithLabelValues(req.TenantID, req.Op).Inc()

	cacheable := Cacheable(req.Op)
	var key string
	if cacheable {
		key = CacheKey(req.TenantID, req.Op, req.Model, req.fingerprint())
		if data, ok := g.cacheLookup(ctx, key); ok {
			metrics.CacheHits.WithLabelValues(req.Op).Inc()
			return Result{Data: data, Cached: true}, nil
		}
		metrics.CacheMisses.WithLabelValues(req.Op).Inc()
	}

	optimized := false
	if req.Op == OpSearchRead || req.Op == OpWebSearchRead {
		optimized = g.optimize(&req)
	}

	if cacheable {
		// Coalesce identical concurrent reads into one upstream call.
		v, err, _ := g.sf.Do(key, func() (any, error) {
			data, err := g.execute(ctx, caller, req)
			if err != nil {
				return nil, err
			}
			g.cacheStore(ctx, key, data, CacheTTL(req.Op))
			return data, nil
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Data: v, Optimized: optimized}, nil
	}

	data, err := g.execute(ctx, caller, req)
	if err != nil {
		return Result{}, err
	}

	if WriteOp(req.Op) {
		g.invalidate(ctx, req)
		g.broadcast(req, data)
	}

	return Result{Data: data, Optimized: optimized}, nil
}

// BatchItem is one operation inside a batch request.
type BatchItem struct {
	Request
}

// BatchItemResult reports one batch item's outcome.
type BatchItemResult struct {
	Success bool   `json:"success"`
	Op      string `json:"operation"`
	Model   string `json:"model"`
	Data    any    `json:"data,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchResult aggregates a batch execution.
type BatchResult struct {
	Success   bool              `json:"success"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []BatchItemResult `json:"results"`
}

// ExecuteBatch runs operations in order. Per-item failures never abort the
// batch unless stopOnError is set.
func (g *Gateway) ExecuteBatch(ctx context.Context, tenantID string, items []BatchItem, stopOnError bool) BatchResult {
	out := BatchResult{Results: make([]BatchItemResult, 0, len(items))}

	for _, item := range items {
		item.TenantID = tenantID
		res, err := g.Execute(ctx, item.Request)

		itemResult := BatchItemResult{Op: item.Op, Model: item.Model}
		if err != nil {
			itemResult.Error = err.Error()
			out.Failed++
		} else {
			itemResult.Success = true
			itemResult.Data = res.Data
			itemResult.Cached = res.Cached
			out.Succeeded++
		}
		out.Results = append(out.Results, itemResult)
		out.Total++

		if err != nil && stopOnError {
			break
		}
	}

	out.Success = out.Failed == 0
	return out
}

// optimize rewrites fields, domain, limit, and order in place and reports
// whether anything changed.
func (g *Gateway) optimize(req *Request) bool {
	changed := false

	if fields := OptimizeFields(req.Model, req.Fields); len(fields) != len(req.Fields) {
		req.Fields = fields
		changed = true
	}

	domain := OptimizeDomain(req.Domain)
	if !sameDomainOrder(domain, req.Domain) {
		changed = true
	}
	req.Domain = domain

	limit := ClampLimit(req.Op, req.Limit)
	if (req.Limit == nil) != (limit == nil) || (req.Limit != nil && limit != nil && *req.Limit != *limit) {
		changed = true
	}
	req.Limit = limit

	if order := DefaultOrder(req.Order); order != req.Order {
		req.Order = order
		changed = true
	}

	return changed
}

func sameDomainOrder(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fmt.Sprintf("%v", a[i]) != fmt.Sprintf("%v", b[i]) {
			return false
		}
	}
	return true
}

// execute forwards to the upstream with the op-specific argument shape.
func (g *Gateway) execute(ctx context.Context, caller upstream.Caller, req Request) (any, error) {
	method, args, kwargs := buildCall(req)

	start := time.Now()
	data, err := caller.Call(ctx, req.Model, method, args, kwargs)
	metrics.UpstreamLatency.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(errKind(err)).Inc()
		return nil, err
	}
	return data, nil
}

func errKind(err error) string {
	switch err.(type) {
	case *upstream.PermissionError:
		return "permission_denied"
	case *upstream.MethodNotFoundError:
		return "method_not_found"
	case *upstream.ModelNotFoundError:
		return "model_not_found"
	case *upstream.RecordNotFoundError:
		return "record_not_found"
	case *upstream.TimeoutError:
		return "timeout"
	case *upstream.ConnectionError:
		return "connection"
	default:
		return "upstream"
	}
}

// buildCall maps the structured request onto the upstream method signature.
func buildCall(req Request) (string, []any, map[string]any) {
	kwargs := make(map[string]any)
	var args []any
	method := req.Op

	domain := req.Domain
	if domain == nil {
		domain = []any{}
	}
	values := req.Values
	if values == nil {
		values = map[string]any{}
	}

	switch req.Op {
	case OpSearch, OpSearchRead, OpWebSearchRead:
		args = []any{domain}
		if len(req.Fields) > 0 {
			kwargs["fields"] = req.Fields
		}
		if req.Limit != nil {
			kwargs["limit"] = *req.Limit
		}
		kwargs["offset"] = req.Offset
		if req.Order != "" {
			kwargs["order"] = req.Order
		}
	case OpSearchCount:
		args = []any{domain}
	case OpRead, OpWebRead:
		args = []any{intsToAny(req.IDs)}
		if len(req.Fields) > 0 {
			kwargs["fields"] = req.Fields
		}
		if req.Op == OpWebRead {
			method = "read"
		}
	case OpNameSearch:
		kwargs["name"] = req.Name
		if len(domain) > 0 {
			kwargs["args"] = domain
		}
		if req.Limit != nil {
			kwargs["limit"] = *req.Limit
		}
	case OpNameGet:
		args = []any{intsToAny(req.IDs)}
	case OpFieldsGet:
		args = []any{}
	case OpCreate:
		args = []any{values}
	case OpWrite:
		args = []any{intsToAny(req.IDs), values}
	case OpUnlink:
		args = []any{intsToAny(req.IDs)}
	case OpWebSave:
		method = "write"
		args = []any{intsToAny(req.IDs), values}
	case OpCallKw:
		method = req.Method
		args = req.Args
		for k, v := range req.Kwargs {
			kwargs[k] = v
		}
		return method, args, kwargs
	}

	// Free-form kwargs override the computed shape for everything but the
	// passthrough (handled above).
	for k, v := range req.Kwargs {
		kwargs[k] = v
	}
	return method, args, kwargs
}

// fingerprint collects the inputs that make an operation's cache identity.
func (req Request) fingerprint() map[string]any {
	fp := make(map[string]any)
	if req.Domain != nil {
		fp["domain"] = req.Domain
	}
	if len(req.Fields) > 0 {
		fp["fields"] = req.Fields
	}
	if req.Limit != nil {
		fp["limit"] = *req.Limit
	}
	if req.Offset != 0 {
		fp["offset"] = req.Offset
	}
	if len(req.IDs) > 0 {
		fp["ids"] = req.IDs
	}
	if req.Name != "" {
		fp["name"] = req.Name
	}
	if req.Order != "" {
		fp["order"] = req.Order
	}
	if req.Method != "" {
		fp["method"] = req.Method
	}
	if len(req.Kwargs) > 0 {
		fp["kwargs"] = req.Kwargs
	}
	return fp
}

func (g *Gateway) cacheLookup(ctx context.Context, key string) (any, bool) {
	b, err := g.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache get failed")
		return nil, false
	}
	if b == nil {
		return nil, false
	}
	var data any
	if err := json.Unmarshal(b, &data); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache entry corrupt, dropping")
		_ = g.cache.Delete(ctx, key)
		return nil, false
	}
	return data, true
}

func (g *Gateway) cacheStore(ctx context.Context, key string, data any, ttl time.Duration) {
	b, err := json.Marshal(data)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	if err := g.cache.Set(ctx, key, b, ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// invalidate evicts every cached read for the written (tenant, model).
func (g *Gateway) invalidate(ctx context.Context, req Request) {
	for _, pattern := range InvalidationPatterns(req.TenantID, req.Model) {
		if n, err := g.cache.DeletePattern(ctx, pattern); err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("cache invalidation failed")
		} else if n > 0 {
			log.Debug().Str("pattern", pattern).Int("deleted", n).Msg("cache invalidated")
		}
	}
}

// broadcast emits one fan-out event per affected record. Subscribers see the
// raw mutation verb (create, write, unlink) in the operation field.
func (g *Gateway) broadcast(req Request, data any) {
	if g.fanout == nil {
		return
	}

	kind := req.Op
	ids := req.IDs
	if req.Op == OpCreate {
		if id, ok := resultID(data); ok {
			ids = []int{id}
		}
	}

	for _, id := range ids {
		g.fanout.BroadcastRecordUpdate(req.TenantID, req.Model, id, kind, req.Values)
	}
}

// resultID extracts the created record id from a create result, which the
// upstream returns as either an int or a single-element list.
func resultID(data any) (int, bool) {
	switch v := data.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case []any:
		if len(v) == 1 {
			return resultID(v[0])
		}
	}
	return 0, false
}

func intsToAny(ids []int) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
