package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

const (
	authenticatePath = "/web/session/authenticate"
	callMethodPath   = "/web/dataset/call_kw"

	// Transport retry tuning for transient network errors.
	retryInitialInterval = 300 * time.Millisecond
	retryMultiplier      = 2
	maxTransportRetries  = 2
)

// Caller is the single-method surface the rest of the system consumes. The
// concrete Client speaks the JSON-RPC dialect of one upstream instance;
// alternative adapters live behind this interface.
type Caller interface {
	Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error)
}

// Config binds a client to one upstream instance.
type Config struct {
	URL      string
	Database string
	Login    string
	Secret   string

	// Timeout applies per HTTP request. Zero means 15s.
	Timeout time.Duration

	// BaseContext is injected into every call's kwargs context without
	// overwriting caller-supplied keys (lang, tz, ...).
	BaseContext map[string]any

	// HTTPClient overrides the transport; used by tests.
	HTTPClient *http.Client
}

// SessionInfo describes an authenticated upstream session.
type SessionInfo struct {
	UID       int
	SessionID string
	CreatedAt time.Time
}

// Client is a session-authenticated JSON-RPC client for one upstream
// instance. Authentication is single-flight: concurrent callers that find the
// session missing or expired await one shared authenticate round trip. After
// authentication, Call is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	sf         singleflight.Group

	mu      sync.RWMutex
	session SessionInfo
}

// NewClient creates a client bound to one (URL, database, login, secret).
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "upstream:" + cfg.URL,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("upstream breaker state change")
		},
	})

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		breaker:    breaker,
	}
}

// Session returns the current session info. A zero UID means unauthenticated.
func (c *Client) Session() SessionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.SessionID != "" && c.session.UID != 0
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.session = SessionInfo{}
	c.mu.Unlock()
}

// Authenticate establishes a session with the upstream. Concurrent callers
// coalesce into one in-flight authentication.
func (c *Client) Authenticate(ctx context.Context) (SessionInfo, error) {
	v, err, _ := c.sf.Do("authenticate", func() (any, error) {
		// A racing caller may have completed authentication while we
		// waited for the flight slot.
		if c.authenticated() {
			return c.Session(), nil
		}
		return c.doAuthenticate(ctx)
	})
	if err != nil {
		return SessionInfo{}, err
	}
	return v.(SessionInfo), nil
}

func (c *Client) doAuthenticate(ctx context.Context) (SessionInfo, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		ID:      1,
		Params: map[string]any{
			"db":       c.cfg.Database,
			"login":    c.cfg.Login,
			"password": c.cfg.Secret,
		},
	}

	env, cookies, err := c.post(ctx, authenticatePath, payload, "authenticate")
	if err != nil {
		return SessionInfo{}, err
	}

	if env.Error != nil {
		log.Warn().Str("login", c.cfg.Login).Str("url", c.cfg.URL).Msg("upstream rejected credentials")
		return SessionInfo{}, &AuthError{Login: c.cfg.Login}
	}

	var result struct {
		UID int `json:"uid"`
	}
	if env.Result != nil {
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return SessionInfo{}, &ConnectionError{URL: c.cfg.URL, Err: fmt.Errorf("malformed authenticate result: %w", err)}
		}
	}
	if result.UID == 0 {
		return SessionInfo{}, &AuthError{Login: c.cfg.Login}
	}

	var sessionID string
	for _, ck := range cookies {
		if ck.Name == "session_id" && ck.Value != "" {
			sessionID = ck.Value
		}
	}
	if sessionID == "" {
		return SessionInfo{}, &AuthError{Login: c.cfg.Login}
	}

	info := SessionInfo{UID: result.UID, SessionID: sessionID, CreatedAt: time.Now()}

	c.mu.Lock()
	c.session = info
	c.mu.Unlock()

	log.Info().Int("uid", info.UID).Str("database", c.cfg.Database).Msg("authenticated with upstream")
	return info, nil
}

// Call executes model.method on the upstream. It authenticates lazily,
// injects the base context, and retries exactly once on session expiry.
func (c *Client) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	if !c.authenticated() {
		if _, err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	result, err := c.call(ctx, model, method, args, kwargs)
	if errors.Is(err, ErrSessionExpired) {
		log.Warn().Str("model", model).Str("method", method).Msg("session expired, re-authenticating")
		c.clearSession()
		if _, err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		return c.call(ctx, model, method, args, kwargs)
	}
	return result, err
}

func (c *Client) call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	if args == nil {
		args = []any{}
	}

	merged := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		merged[k] = v
	}
	merged["context"] = c.mergeContext(merged["context"])

	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		ID:      1,
		Params: map[string]any{
			"model":  model,
			"method": method,
			"args":   args,
			"kwargs": merged,
		},
	}

	op := fmt.Sprintf("%s.%s", model, method)
	env, _, err := c.post(ctx, callMethodPath, payload, op)
	if err != nil {
		return nil, err
	}

	if env.Error != nil {
		return nil, classifyRPCError(env.Error, model, method)
	}

	var result any
	if env.Result != nil {
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return nil, &ConnectionError{URL: c.cfg.URL, Err: fmt.Errorf("malformed result for %s: %w", op, err)}
		}
	}
	return result, nil
}

// mergeContext layers the client's base context under any caller-supplied
// context keys, and fills in the session uid.
func (c *Client) mergeContext(callerCtx any) map[string]any {
	merged := make(map[string]any)
	for k, v := range c.cfg.BaseContext {
		merged[k] = v
	}
	if m, ok := callerCtx.(map[string]any); ok {
		for k, v := range m {
			merged[k] = v
		}
	}
	if uid := c.Session().UID; uid != 0 {
		if _, ok := merged["uid"]; !ok {
			merged["uid"] = uid
		}
	}
	return merged
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int            `json:"id"`
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
}

type rpcErrorBody struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// post sends one JSON-RPC envelope, retrying transient transport failures
// with exponential backoff behind the circuit breaker.
func (c *Client) post(ctx context.Context, path string, payload rpcRequest, op string) (*rpcEnvelope, []*http.Cookie, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode rpc request: %w", err)
	}

	type postResult struct {
		env     *rpcEnvelope
		cookies []*http.Cookie
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.Multiplier = retryMultiplier

	attempt := 0
	res, err := backoff.RetryWithData(func() (postResult, error) {
		attempt++
		v, err := c.breaker.Execute(func() (any, error) {
			return c.postOnce(ctx, path, body)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return postResult{}, backoff.Permanent(&ConnectionError{URL: c.cfg.URL, Err: err})
			}
			classified := classifyTransportError(err, c.cfg.URL, op)
			if errors.Is(err, context.Canceled) {
				return postResult{}, backoff.Permanent(classified)
			}
			log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("upstream transport error, retrying")
			return postResult{}, classified
		}
		r := v.(*postResponse)
		return postResult{env: r.env, cookies: r.cookies}, nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxTransportRetries), ctx))
	if err != nil {
		return nil, nil, err
	}
	return res.env, res.cookies, nil
}

type postResponse struct {
	env     *rpcEnvelope
	cookies []*http.Cookie
}

func (c *Client) postOnce(ctx context.Context, path string, body []byte) (*postResponse, error) {
	// The upstream has no cancel API: a request already sent runs to
	// completion (bounded by the HTTP client timeout) even when the caller's
	// context is cancelled, and the caller discards its result.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, c.cfg.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if session := c.Session(); session.SessionID != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: session.SessionID})
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("invalid json response: %w", err)
	}

	log.Debug().Str("path", path).Dur("duration", time.Since(start)).Msg("upstream rpc completed")
	return &postResponse{env: &env, cookies: resp.Cookies()}, nil
}

// classifyTransportError maps HTTP-level failures onto the typed taxonomy.
func classifyTransportError(err error, url, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Operation: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Operation: op, Err: err}
	}
	return &ConnectionError{URL: url, Err: err}
}

// classifyRPCError maps the upstream's JSON-RPC error envelope onto the typed
// taxonomy. The upstream reports most failures only through message text, so
// classification is pattern-based; method-not-found is checked before
// model-not-found because both mention "does not exist".
func classifyRPCError(e *rpcErrorBody, model, method string) error {
	if e.Code == sessionExpiredCode {
		return ErrSessionExpired
	}

	msg := e.Message
	if e.Data != nil {
		if specific, ok := e.Data["message"].(string); ok && specific != "" {
			msg = specific
		}
	}
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "access denied"), strings.Contains(lower, "permission"), strings.Contains(lower, "access error"):
		return &PermissionError{Model: model, Method: method}
	case strings.Contains(lower, "method") && strings.Contains(lower, "does not exist"):
		return &MethodNotFoundError{Model: model, Method: method}
	case strings.Contains(lower, "does not exist") && strings.Contains(lower, "model"):
		return &ModelNotFoundError{Model: model}
	case strings.Contains(lower, "record does not exist"), strings.Contains(lower, "missing record"):
		return &RecordNotFoundError{Model: model}
	default:
		return &Error{Code: e.Code, Message: msg, Data: e.Data}
	}
}
