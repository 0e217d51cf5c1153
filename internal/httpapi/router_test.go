package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/geniustep/bridgecore/internal/auth"
	"github.com/geniustep/bridgecore/internal/cache"
	"github.com/geniustep/bridgecore/internal/fanout"
	"github.com/geniustep/bridgecore/internal/gateway"
	syncengine "github.com/geniustep/bridgecore/internal/sync"
	"github.com/geniustep/bridgecore/internal/tenant"
	"github.com/geniustep/bridgecore/internal/upstream"
)

const testSecret = "test-secret"

// fakeBackend answers the handful of upstream models the endpoints touch.
type fakeBackend struct {
	mu     sync.Mutex
	calls  int32
	events []map[string]any
	states []map[string]any
	nextID int
}

func (f *fakeBackend) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()

	switch model {
	case "update.webhook":
		switch method {
		case "search_read":
			return f.filterEvents(args), nil
		case "search_count":
			return float64(len(f.filterEvents(args))), nil
		case "acknowledge", "mark_as_synced_by_user":
			return true, nil
		}
	case "user.sync.state":
		switch method {
		case "search_read":
			return f.matchStates(args), nil
		case "create":
			values, _ := args[0].(map[string]any)
			row := map[string]any{"id": float64(f.nextID + 1)}
			f.nextID++
			for k, v := range values {
				row[k] = v
			}
			f.states = append(f.states, row)
			return row["id"], nil
		case "read":
			var out []any
			for _, row := range f.states {
				out = append(out, row)
			}
			return out, nil
		case "write":
			values, _ := args[1].(map[string]any)
			for _, row := range f.states {
				for k, v := range values {
					row[k] = v
				}
			}
			return true, nil
		}
	default:
		switch method {
		case "search_read":
			return []any{map[string]any{"id": float64(5), "name": "Azure", "email": "a@x.io"}}, nil
		case "write", "unlink":
			return true, nil
		case "create":
			return float64(42), nil
		}
	}
	return nil, &upstream.MethodNotFoundError{Model: model, Method: method}
}

func (f *fakeBackend) filterEvents(args []any) []any {
	domain, _ := args[0].([]any)
	var after int
	for _, leaf := range domain {
		l, ok := leaf.([]any)
		if !ok || len(l) < 3 {
			continue
		}
		if field, _ := l[0].(string); field == "id" {
			if op, _ := l[1].(string); op == ">" {
				switch n := l[2].(type) {
				case float64:
					after = int(n)
				case int64:
					after = int(n)
				case int:
					after = n
				}
			}
		}
	}
	var out []any
	for _, ev := range f.events {
		if int(ev["id"].(float64)) > after {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeBackend) matchStates(args []any) []any {
	var out []any
	for _, row := range f.states {
		out = append(out, row)
	}
	return out
}

type stubResolver struct {
	tenant  *tenant.Tenant
	backend upstream.Caller
	err     error
}

func (s *stubResolver) Resolve(ctx context.Context, tenantID string) (*tenant.Tenant, upstream.Caller, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.tenant, s.backend, nil
}

type testEnv struct {
	router  http.Handler
	backend *fakeBackend
	hub     *fanout.Hub
	server  *Server
}

func newTestEnv(t *testing.T, resolver gateway.Resolver) *testEnv {
	t.Helper()

	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := cache.NewWithClient(rdb)

	hub := fanout.NewHub()
	gw := gateway.New(resolver, store, hub)

	s := &Server{
		Gateway:         gw,
		Pull:            syncengine.NewPullEngine(resolver),
		Offline:         syncengine.NewOfflineProcessor(gw),
		Hub:             hub,
		Cache:           store,
		JWTCfg:          auth.JWTCfg{HS256Secret: testSecret},
		RateLimitConfig: DefaultRateLimitConfig,
		WebhookAPIKey:   "hook-key",
	}

	return &testEnv{router: s.Routes(), hub: hub, server: s}
}

func newActiveEnv(t *testing.T) *testEnv {
	backend := &fakeBackend{}
	env := newTestEnv(t, &stubResolver{
		tenant:  &tenant.Tenant{ID: "t1", Status: tenant.StatusActive},
		backend: backend,
	})
	env.backend = backend
	return env
}

func bearerToken(t *testing.T, sub, tenantID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       sub,
		"tenant_id": tenantID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_RejectsMissingToken(t *testing.T) {
	env := newActiveEnv(t)

	rec := doJSON(t, env.router, "POST", "/rpc/search_read", "", map[string]any{"model": "res.partner"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestRouter_SuspendedTenantIs403(t *testing.T) {
	backend := &fakeBackend{}
	env := newTestEnv(t, &stubResolver{err: tenant.ErrSuspended})
	env.backend = backend

	token := bearerToken(t, "1", "t1")
	rec := doJSON(t, env.router, "POST", "/rpc/search_read", token, map[string]any{"model": "res.partner"})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "TenantSuspended") {
		t.Errorf("body must carry TenantSuspended: %s", rec.Body.String())
	}
	if atomic.LoadInt32(&backend.calls) != 0 {
		t.Error("no upstream RPC may be issued for a suspended tenant")
	}
}

func TestRouter_DeletedTenantIs410(t *testing.T) {
	env := newTestEnv(t, &stubResolver{err: tenant.ErrGone})

	token := bearerToken(t, "1", "t1")
	rec := doJSON(t, env.router, "POST", "/rpc/read", token, map[string]any{"model": "res.partner", "ids": []int{1}})

	if rec.Code != http.StatusGone {
		t.Errorf("expected 410, got %d", rec.Code)
	}
}

func TestRouter_UnknownOperationIs400WithoutUpstream(t *testing.T) {
	env := newActiveEnv(t)

	token := bearerToken(t, "1", "t1")
	rec := doJSON(t, env.router, "POST", "/rpc/execute_kw", token, map[string]any{"model": "res.partner"})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if atomic.LoadInt32(&env.backend.calls) != 0 {
		t.Error("closed-set rejection must not contact the upstream")
	}
}

func TestRouter_CacheHitOnRepeatedRead(t *testing.T) {
	env := newActiveEnv(t)
	token := bearerToken(t, "1", "t1")

	body := map[string]any{
		"model":  "res.partner",
		"domain": []any{[]any{"is_company", "=", true}},
		"fields": []string{"name", "email"},
		"limit":  10,
	}

	recA := doJSON(t, env.router, "POST", "/rpc/search_read", token, body)
	if recA.Code != http.StatusOK {
		t.Fatalf("first read failed: %d %s", recA.Code, recA.Body.String())
	}
	var respA struct {
		Cached bool `json:"cached"`
	}
	_ = json.Unmarshal(recA.Body.Bytes(), &respA)
	if respA.Cached {
		t.Error("first read must not be cached")
	}

	recB := doJSON(t, env.router, "POST", "/rpc/search_read", token, body)
	var respB struct {
		Cached bool `json:"cached"`
	}
	_ = json.Unmarshal(recB.Body.Bytes(), &respB)
	if !respB.Cached {
		t.Error("identical second read must be served from cache")
	}

	if n := atomic.LoadInt32(&env.backend.calls); n != 1 {
		t.Errorf("upstream must be invoked exactly once, got %d", n)
	}
}

// collectChannel gathers hub deliveries for websocket-less assertions.
type collectChannel struct {
	mu   sync.Mutex
	msgs []fanout.Message
}

func (c *collectChannel) Send(msg fanout.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collectChannel) Close() {}

func TestRouter_WriteInvalidatesCacheAndFansOut(t *testing.T) {
	env := newActiveEnv(t)
	token := bearerToken(t, "1", "t1")

	readBody := map[string]any{
		"model":  "res.partner",
		"domain": []any{[]any{"is_company", "=", true}},
		"fields": []string{"name", "email"},
		"limit":  10,
	}
	doJSON(t, env.router, "POST", "/rpc/search_read", token, readBody)

	// Subscribe a hub channel to record 5 like a websocket client would.
	ch := &collectChannel{}
	env.hub.Attach("1", ch)
	env.hub.SubscribeRecords("1", "t1", "res.partner", []int{5})

	writeRec := doJSON(t, env.router, "POST", "/rpc/write", token, map[string]any{
		"model":  "res.partner",
		"ids":    []int{5},
		"values": map[string]any{"name": "X"},
	})
	if writeRec.Code != http.StatusOK {
		t.Fatalf("write failed: %d %s", writeRec.Code, writeRec.Body.String())
	}

	rec := doJSON(t, env.router, "POST", "/rpc/search_read", token, readBody)
	var resp struct {
		Cached bool `json:"cached"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Cached {
		t.Error("read after write must miss the cache")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.msgs) != 1 {
		t.Fatalf("expected one fan-out message, got %d", len(ch.msgs))
	}
	msg := ch.msgs[0]
	if msg["type"] != "model_update" || msg["model"] != "res.partner" || msg["record_id"] != 5 || msg["operation"] != "write" {
		t.Errorf("unexpected fan-out message: %v", msg)
	}
	data, _ := msg["data"].(map[string]any)
	if data["name"] != "X" {
		t.Errorf("fan-out payload must carry written values: %v", msg["data"])
	}
}

func TestRouter_FirstSyncPull(t *testing.T) {
	env := newActiveEnv(t)
	env.backend.events = []map[string]any{
		{"id": float64(101), "model": "sale.order", "record_id": float64(1), "event": "create", "timestamp": "2024-03-01 10:00:00"},
		{"id": float64(102), "model": "res.partner", "record_id": float64(2), "event": "write", "timestamp": "2024-03-01 10:00:01"},
		{"id": float64(103), "model": "product.product", "record_id": float64(3), "event": "write", "timestamp": "2024-03-01 10:00:02"},
	}

	token := bearerToken(t, "1", "t1")
	rec := doJSON(t, env.router, "POST", "/sync/pull", token, map[string]any{
		"device_id": "d-1", "app_profile": "sales_app", "limit": 100,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("pull failed: %d %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		HasUpdates     bool  `json:"has_updates"`
		NewEventsCount int   `json:"new_events_count"`
		LastEventID    int64 `json:"last_event_id"`
		Events         []struct {
			EventID int64 `json:"event_id"`
		} `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if !resp.HasUpdates || resp.NewEventsCount != 3 || resp.LastEventID != 103 {
		t.Errorf("unexpected pull response: %+v", resp)
	}
	if resp.Events[0].EventID != 101 {
		t.Errorf("events must be ordered by event id: %+v", resp.Events)
	}

	// No new events: has_updates=false, watermark holds.
	rec2 := doJSON(t, env.router, "POST", "/sync/pull", token, map[string]any{
		"device_id": "d-1", "app_profile": "sales_app", "limit": 100,
	})
	var resp2 struct {
		HasUpdates     bool  `json:"has_updates"`
		NewEventsCount int   `json:"new_events_count"`
		LastEventID    int64 `json:"last_event_id"`
	}
	_ = json.Unmarshal(rec2.Body.Bytes(), &resp2)
	if resp2.HasUpdates || resp2.NewEventsCount != 0 || resp2.LastEventID != 103 {
		t.Errorf("unexpected second pull: %+v", resp2)
	}
}

func TestRouter_SyncPullRequiresNumericSubject(t *testing.T) {
	env := newActiveEnv(t)

	token := bearerToken(t, "user-abc", "t1")
	rec := doJSON(t, env.router, "POST", "/sync/pull", token, map[string]any{
		"device_id": "d-1", "app_profile": "sales_app",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric subject, got %d", rec.Code)
	}
}

func TestRouter_OfflinePushWithDependency(t *testing.T) {
	env := newActiveEnv(t)
	token := bearerToken(t, "1", "t1")

	rec := doJSON(t, env.router, "POST", "/offline-sync/push", token, map[string]any{
		"device_id": "d-1",
		"changes": []map[string]any{
			{
				"local_id": "L1", "action": "create", "model": "res.partner",
				"data": map[string]any{"name": "New Co"}, "local_timestamp": "2024-01-01T00:00:00Z",
			},
			{
				"local_id": "L2", "action": "create", "model": "sale.order",
				"data":            map[string]any{"partner_id": "local_L1"},
				"local_timestamp": "2024-01-01T00:00:01Z",
				"dependencies":    []string{"L1"},
			},
		},
		"conflict_strategy": "server_wins",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("push failed: %d %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Succeeded int            `json:"succeeded"`
		Failed    int            `json:"failed"`
		Conflicts int            `json:"conflicts"`
		IDMapping map[string]int `json:"id_mapping"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Succeeded != 2 || resp.Failed != 0 || resp.Conflicts != 0 {
		t.Errorf("unexpected counts: %+v", resp)
	}
	if len(resp.IDMapping) != 2 || resp.IDMapping["L1"] == 0 || resp.IDMapping["L2"] == 0 {
		t.Errorf("expected both local ids mapped: %v", resp.IDMapping)
	}
}

func TestRouter_WebhookAuth(t *testing.T) {
	env := newActiveEnv(t)

	body := map[string]any{
		"tenant_id": "t1", "model": "sale.order", "record_id": 7,
		"event": "update", "priority": "high", "timestamp": "2024-03-01T10:00:00Z",
	}

	// No credentials: rejected.
	rec := doJSON(t, env.router, "POST", "/webhooks/receive", "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", rec.Code)
	}

	// API key accepted, and the event reaches subscribers.
	ch := &collectChannel{}
	env.hub.Attach("9", ch)
	env.hub.SubscribeRecords("9", "t1", "sale.order", []int{7})

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest("POST", "/webhooks/receive", &buf)
	req.Header.Set("X-API-Key", "hook-key")
	rec2 := httptest.NewRecorder()
	env.router.ServeHTTP(rec2, req)

	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with API key, got %d: %s", rec2.Code, rec2.Body.String())
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.msgs) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(ch.msgs))
	}
	if ch.msgs[0]["record_id"] != 7 || ch.msgs[0]["operation"] != "update" {
		t.Errorf("unexpected broadcast: %v", ch.msgs[0])
	}
}

func TestRouter_RateLimit429(t *testing.T) {
	env := newActiveEnv(t)
	env.server.RateLimitConfig = RateLimitInfo{WindowSeconds: 60, MaxRequests: 2, Burst: 1}
	router := env.server.Routes()

	token := bearerToken(t, "1", "t1")
	body := map[string]any{"model": "res.partner", "ids": []int{1}}

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = doJSON(t, router, "POST", "/rpc/read", token, body)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exceeding limit+burst, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	if !strings.Contains(last.Body.String(), "RateLimited") {
		t.Errorf("body must carry RateLimited: %s", last.Body.String())
	}
}

func TestRouter_Healthz(t *testing.T) {
	env := newActiveEnv(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
