package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/geniustep/bridgecore/internal/upstream"
)

// Loader is the read surface the resolver needs from the tenant store.
type Loader interface {
	GetByID(ctx context.Context, id string) (*Tenant, error)
	UpdateLastActive(ctx context.Context, id string)
}

// Resolver maps tenant ids to validated tenants and warm upstream clients.
// Client construction is single-flight per tenant so a burst of first
// requests builds one adapter.
type Resolver struct {
	loader  Loader
	timeout time.Duration

	mu       sync.RWMutex
	adapters map[string]*adapterEntry
	sf       singleflight.Group
}

type adapterEntry struct {
	client *upstream.Client
	// credential fingerprint; a mismatch after an admin update rebuilds
	// the adapter.
	url, database, login, secret string
}

// NewResolver creates a resolver. timeout applies to each tenant's upstream
// client.
func NewResolver(loader Loader, timeout time.Duration) *Resolver {
	return &Resolver{
		loader:   loader,
		timeout:  timeout,
		adapters: make(map[string]*adapterEntry),
	}
}

// Resolve validates the tenant and returns it with its upstream client.
// Suspended and deleted tenants fail with their typed errors before any
// adapter work happens.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*Tenant, upstream.Caller, error) {
	if tenantID == "" {
		return nil, nil, ErrNotFound
	}

	t, err := r.loader.GetByID(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	if err := t.Usable(); err != nil {
		return nil, nil, err
	}

	r.loader.UpdateLastActive(ctx, tenantID)

	client, err := r.adapter(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	return t, client, nil
}

func (r *Resolver) adapter(ctx context.Context, t *Tenant) (*upstream.Client, error) {
	r.mu.RLock()
	entry, ok := r.adapters[t.ID]
	r.mu.RUnlock()

	if ok && entry.matches(t) {
		return entry.client, nil
	}

	v, err, _ := r.sf.Do(t.ID, func() (any, error) {
		// Double-check under the flight: another caller may have built it.
		r.mu.RLock()
		entry, ok := r.adapters[t.ID]
		r.mu.RUnlock()
		if ok && entry.matches(t) {
			return entry.client, nil
		}

		client := upstream.NewClient(upstream.Config{
			URL:      t.UpstreamURL,
			Database: t.UpstreamDatabase,
			Login:    t.UpstreamLogin,
			Secret:   t.UpstreamSecret,
			Timeout:  r.timeout,
		})

		r.mu.Lock()
		r.adapters[t.ID] = &adapterEntry{
			client:   client,
			url:      t.UpstreamURL,
			database: t.UpstreamDatabase,
			login:    t.UpstreamLogin,
			secret:   t.UpstreamSecret,
		}
		r.mu.Unlock()

		log.Info().Str("tenant_id", t.ID).Str("upstream", t.UpstreamURL).Msg("built upstream adapter")
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*upstream.Client), nil
}

func (e *adapterEntry) matches(t *Tenant) bool {
	return e.url == t.UpstreamURL &&
		e.database == t.UpstreamDatabase &&
		e.login == t.UpstreamLogin &&
		e.secret == t.UpstreamSecret
}

// Evict drops a tenant's warm adapter, forcing a rebuild on next use.
func (r *Resolver) Evict(tenantID string) {
	r.mu.Lock()
	delete(r.adapters, tenantID)
	r.mu.Unlock()
}

// Shutdown drops all warm adapters.
func (r *Resolver) Shutdown() {
	r.mu.Lock()
	r.adapters = make(map[string]*adapterEntry)
	r.mu.Unlock()
}
