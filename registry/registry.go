// Package registry owns the provider lifecycle: create, update, delete,
// tenant-scoped reads, fallback chains and the adapter cache that hands
// ready invokers to the executor and the health prober.
//
// The registry is the only component that sees plaintext credentials, and
// only long enough to seal them or to construct an adapter. Records
// returned from Get and List always have the credential blanked and the
// live circuit state annotated.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/provider-gateway/adapter"
	"github.com/nulpointcorp/provider-gateway/breaker"
	"github.com/nulpointcorp/provider-gateway/events"
	"github.com/nulpointcorp/provider-gateway/kv"
	"github.com/nulpointcorp/provider-gateway/providers"
	"github.com/nulpointcorp/provider-gateway/ratelimit"
	"github.com/nulpointcorp/provider-gateway/store"
	"github.com/nulpointcorp/provider-gateway/vault"
)

const (
	defaultModelCacheTTL = 10 * time.Minute
	modelListTimeout     = 10 * time.Second
)

func modelsKey(id string) string { return "models:" + id }

// Deps are the collaborators the registry is wired with. Store and Vault
// are required; nil KV falls back to an in-process cache and nil Bus to a
// no-op publisher.
type Deps struct {
	Store   store.Store
	Vault   *vault.Vault
	Breaker breaker.Breaker
	Limiter ratelimit.Limiter
	KV      kv.KV
	Bus     events.Bus
	Logger  *slog.Logger
}

// Options holds registry tuning. Zero values keep the operational defaults.
type Options struct {
	// CallTimeout overrides the per-call deadline for hosted dialects.
	CallTimeout time.Duration

	// SelfHostedCallTimeout overrides the per-call deadline for ollama and
	// vllm.
	SelfHostedCallTimeout time.Duration

	// ModelCacheTTL bounds how long a cached model list is trusted.
	ModelCacheTTL time.Duration
}

func (o Options) modelCacheTTL() time.Duration {
	if o.ModelCacheTTL > 0 {
		return o.ModelCacheTTL
	}
	return defaultModelCacheTTL
}

// callTimeoutFor returns the configured override for the dialect, or zero
// to let the adapter defaults apply.
func (o Options) callTimeoutFor(d providers.Dialect) time.Duration {
	if d.SelfHosted() {
		return o.SelfHostedCallTimeout
	}
	return o.CallTimeout
}

// cached is one adapter cache entry. The entry is only trusted while the
// record's UpdatedAt matches: any observed mutation forces a rebuild, which
// also heals caches in other processes after an update elsewhere.
type cached struct {
	inv       providers.Invoker
	updatedAt time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	store   store.Store
	vault   *vault.Vault
	breaker breaker.Breaker
	limiter ratelimit.Limiter
	kv      kv.KV
	bus     events.Bus
	opts    Options
	log     *slog.Logger

	baseCtx context.Context

	mu       sync.RWMutex
	adapters map[string]cached

	inflightMu sync.Mutex
	inflight   map[string]bool
	wg         sync.WaitGroup

	// onMutate is called with the tenant ID after any provider or chain
	// mutation. Set during wiring, before traffic.
	onMutate func(tenantID string)
}

// New builds a Registry. ctx outlives requests and bounds background model
// refreshes.
func New(ctx context.Context, d Deps, opts Options) (*Registry, error) {
	if ctx == nil {
		panic("registry: context must not be nil")
	}
	if d.Store == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if d.Vault == nil {
		return nil, fmt.Errorf("registry: vault is required")
	}
	if d.Breaker == nil {
		return nil, fmt.Errorf("registry: breaker is required")
	}
	if d.Limiter == nil {
		return nil, fmt.Errorf("registry: limiter is required")
	}
	if d.KV == nil {
		d.KV = kv.NewMemory()
	}
	if d.Bus == nil {
		d.Bus = events.Tee{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Registry{
		store:    d.Store,
		vault:    d.Vault,
		breaker:  d.Breaker,
		limiter:  d.Limiter,
		kv:       d.KV,
		bus:      d.Bus,
		opts:     opts,
		log:      d.Logger,
		baseCtx:  ctx,
		adapters: make(map[string]cached),
		inflight: make(map[string]bool),
	}, nil
}

// SetOnMutate installs the routing-cache invalidation hook.
func (r *Registry) SetOnMutate(fn func(tenantID string)) { r.onMutate = fn }

// Close waits for background model refreshes to finish.
func (r *Registry) Close() { r.wg.Wait() }

func (r *Registry) mutated(tenantID string) {
	if r.onMutate != nil {
		r.onMutate(tenantID)
	}
}

// Draft is the creation input. Credential is plaintext and is sealed before
// the record is persisted.
type Draft struct {
	Name         string
	Dialect      providers.Dialect
	BaseURL      string
	Credential   string
	Config       map[string]any
	Capabilities []providers.Capability
	Priority     int
	RateLimit    int
	CostPerToken *float64
	OwnerID      string
	TenantID     string
}

// Create seals the credential, builds the adapter (surfacing configuration
// mistakes before anything is persisted), writes the record and publishes
// PROVIDER_CREATED. New providers start active with UNKNOWN health and a
// closed breaker.
func (r *Registry) Create(ctx context.Context, d Draft) (*providers.Provider, error) {
	if d.TenantID == "" {
		return nil, fmt.Errorf("registry: tenant id is required")
	}
	if d.Name == "" {
		return nil, fmt.Errorf("registry: name is required")
	}
	if !providers.KnownDialect(d.Dialect) {
		return nil, fmt.Errorf("registry: unknown dialect %q", d.Dialect)
	}

	inv, err := adapter.New(ctx, adapter.Settings{
		Dialect:     d.Dialect,
		BaseURL:     d.BaseURL,
		Credential:  d.Credential,
		Config:      d.Config,
		CallTimeout: r.opts.callTimeoutFor(d.Dialect),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: build adapter: %w", err)
	}

	sealed, err := r.vault.Seal(d.Credential)
	if err != nil {
		return nil, fmt.Errorf("registry: seal credential: %w", err)
	}

	now := time.Now().UTC()
	rec := &providers.Provider{
		ID:           uuid.NewString(),
		Name:         d.Name,
		Dialect:      d.Dialect,
		BaseURL:      d.BaseURL,
		Credential:   sealed,
		Config:       d.Config,
		Capabilities: d.Capabilities,
		Priority:     d.Priority,
		RateLimit:    d.RateLimit,
		CostPerToken: d.CostPerToken,
		OwnerID:      d.OwnerID,
		TenantID:     d.TenantID,
		Active:       true,
		Health:       providers.HealthUnknown,
		Circuit:      providers.CircuitClosed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateProvider(ctx, rec); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.adapters[rec.ID] = cached{inv: inv, updatedAt: rec.UpdatedAt}
	r.mu.Unlock()
	r.breaker.Reset(rec.ID)

	r.bus.Publish(ctx, events.Event{
		Type:       events.ProviderCreated,
		ProviderID: rec.ID,
		TenantID:   rec.TenantID,
		Payload:    map[string]any{"name": rec.Name, "dialect": string(rec.Dialect)},
	})
	r.mutated(rec.TenantID)

	r.log.InfoContext(ctx, "provider_created",
		slog.String("provider_id", rec.ID),
		slog.String("name", rec.Name),
		slog.String("dialect", string(rec.Dialect)),
	)
	return r.redact(rec), nil
}

// Update mutates selected fields. Nil fields stay as they are; the dialect
// is immutable. A changed credential, base URL or config rebuilds the
// adapter before the record is persisted.
type Update struct {
	Name         *string
	BaseURL      *string
	Credential   *string
	Config       map[string]any
	Capabilities []providers.Capability
	Priority     *int
	RateLimit    *int
	CostPerToken *float64
	Active       *bool
}

func (r *Registry) Update(ctx context.Context, tenantID, id string, u Update) (*providers.Provider, error) {
	cur, err := r.store.GetProvider(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	rebuild := false
	if u.Name != nil {
		cur.Name = *u.Name
	}
	if u.BaseURL != nil && *u.BaseURL != cur.BaseURL {
		cur.BaseURL = *u.BaseURL
		rebuild = true
	}
	plaintext := ""
	if u.Credential != nil {
		sealed, serr := r.vault.Seal(*u.Credential)
		if serr != nil {
			return nil, fmt.Errorf("registry: seal credential: %w", serr)
		}
		cur.Credential = sealed
		plaintext = *u.Credential
		rebuild = true
	}
	if u.Config != nil {
		cur.Config = u.Config
		rebuild = true
	}
	if u.Capabilities != nil {
		cur.Capabilities = u.Capabilities
	}
	if u.Priority != nil {
		cur.Priority = *u.Priority
	}
	if u.RateLimit != nil {
		cur.RateLimit = *u.RateLimit
	}
	if u.CostPerToken != nil {
		cur.CostPerToken = u.CostPerToken
	}
	deactivated := false
	if u.Active != nil {
		deactivated = cur.Active && !*u.Active
		cur.Active = *u.Active
	}
	cur.UpdatedAt = time.Now().UTC()

	var inv providers.Invoker
	if rebuild {
		if u.Credential == nil {
			plaintext, err = r.vault.Open(cur.Credential)
			if err != nil {
				return nil, fmt.Errorf("registry: open credential: %w", err)
			}
		}
		inv, err = adapter.New(ctx, adapter.Settings{
			Dialect:     cur.Dialect,
			BaseURL:     cur.BaseURL,
			Credential:  plaintext,
			Config:      cur.Config,
			CallTimeout: r.opts.callTimeoutFor(cur.Dialect),
		})
		if err != nil {
			return nil, fmt.Errorf("registry: rebuild adapter: %w", err)
		}
	}

	if err := r.store.UpdateProvider(ctx, cur); err != nil {
		return nil, err
	}

	if rebuild {
		r.mu.Lock()
		r.adapters[cur.ID] = cached{inv: inv, updatedAt: cur.UpdatedAt}
		r.mu.Unlock()
		// The cached model list may describe the old endpoint.
		if err := r.kv.Delete(ctx, modelsKey(cur.ID)); err != nil {
			r.log.WarnContext(ctx, "model_cache_evict_failed",
				slog.String("provider_id", cur.ID),
				slog.String("error", err.Error()),
			)
		}
	} else {
		// Metadata-only change: keep the adapter, advance its version so
		// the next Invoker call does not rebuild it.
		r.mu.Lock()
		if entry, ok := r.adapters[cur.ID]; ok {
			entry.updatedAt = cur.UpdatedAt
			r.adapters[cur.ID] = entry
		}
		r.mu.Unlock()
	}

	r.bus.Publish(ctx, events.Event{
		Type:       events.ProviderUpdated,
		ProviderID: cur.ID,
		TenantID:   cur.TenantID,
		Payload:    map[string]any{"name": cur.Name},
	})
	if deactivated {
		r.bus.Publish(ctx, events.Event{
			Type:       events.ProviderDisabled,
			ProviderID: cur.ID,
			TenantID:   cur.TenantID,
			Payload:    map[string]any{"reason": "deactivated"},
		})
	}
	r.mutated(cur.TenantID)

	return r.redact(cur), nil
}

// Delete removes the record and evicts every piece of runtime state tied to
// it: the cached adapter, breaker and limiter entries, the model cache and
// the tenant's routing cache.
func (r *Registry) Delete(ctx context.Context, tenantID, id string) error {
	if err := r.store.DeleteProvider(ctx, tenantID, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.adapters, id)
	r.mu.Unlock()
	r.breaker.Forget(id)
	r.limiter.Forget(ctx, id)
	if err := r.kv.Delete(ctx, modelsKey(id)); err != nil {
		r.log.WarnContext(ctx, "model_cache_evict_failed",
			slog.String("provider_id", id),
			slog.String("error", err.Error()),
		)
	}

	r.bus.Publish(ctx, events.Event{
		Type:       events.ProviderDeleted,
		ProviderID: id,
		TenantID:   tenantID,
	})
	r.mutated(tenantID)

	r.log.InfoContext(ctx, "provider_deleted",
		slog.String("provider_id", id),
	)
	return nil
}

// Get returns the tenant's provider with the credential blanked and the
// live circuit state annotated.
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*providers.Provider, error) {
	rec, err := r.store.GetProvider(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return r.redact(rec), nil
}

// List returns the tenant's providers, redacted like Get.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*providers.Provider, error) {
	recs, err := r.store.ListProviders(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]*providers.Provider, len(recs))
	for i, rec := range recs {
		out[i] = r.redact(rec)
	}
	return out, nil
}

// Invoker returns the cached adapter for a store record, rebuilding it when
// the cache is cold or the record mutated since the entry was built. p must
// be a store record: redacted views cannot open the credential.
func (r *Registry) Invoker(ctx context.Context, p *providers.Provider) (providers.Invoker, error) {
	r.mu.RLock()
	entry, ok := r.adapters[p.ID]
	r.mu.RUnlock()
	if ok && entry.updatedAt.Equal(p.UpdatedAt) {
		return entry.inv, nil
	}

	plaintext, err := r.vault.Open(p.Credential)
	if err != nil {
		return nil, providers.NotInitialized(p.ID, err)
	}
	inv, err := adapter.New(ctx, adapter.Settings{
		Dialect:     p.Dialect,
		BaseURL:     p.BaseURL,
		Credential:  plaintext,
		Config:      p.Config,
		CallTimeout: r.opts.callTimeoutFor(p.Dialect),
	})
	if err != nil {
		return nil, providers.NotInitialized(p.ID, err)
	}

	r.mu.Lock()
	r.adapters[p.ID] = cached{inv: inv, updatedAt: p.UpdatedAt}
	r.mu.Unlock()
	return inv, nil
}

// KnownModels returns the cached model list for the provider, or nil when
// the cache is cold. A cold read triggers one background refresh; the
// router's model bonus simply does not apply until the list is warm.
func (r *Registry) KnownModels(ctx context.Context, p *providers.Provider) []string {
	raw, ok := r.kv.Get(ctx, modelsKey(p.ID))
	if ok {
		var models []string
		if err := json.Unmarshal([]byte(raw), &models); err == nil {
			return models
		}
	}
	r.refreshModelsAsync(p)
	return nil
}

func (r *Registry) refreshModelsAsync(p *providers.Provider) {
	r.inflightMu.Lock()
	if r.inflight[p.ID] {
		r.inflightMu.Unlock()
		return
	}
	r.inflight[p.ID] = true
	r.inflightMu.Unlock()

	rec := p.Clone()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.inflightMu.Lock()
			delete(r.inflight, rec.ID)
			r.inflightMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(r.baseCtx, modelListTimeout)
		defer cancel()

		inv, err := r.Invoker(ctx, rec)
		if err != nil {
			r.log.Warn("model_refresh_failed",
				slog.String("provider_id", rec.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		models, err := inv.ListModels(ctx)
		if err != nil {
			r.log.Warn("model_refresh_failed",
				slog.String("provider_id", rec.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		raw, err := json.Marshal(models)
		if err != nil {
			return
		}
		if err := r.kv.Set(ctx, modelsKey(rec.ID), string(raw), r.opts.modelCacheTTL()); err != nil {
			r.log.Warn("model_cache_set_failed",
				slog.String("provider_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// CreateChain registers a fallback link after checking that both ends exist
// in the tenant.
func (r *Registry) CreateChain(ctx context.Context, tenantID, primaryID, fallbackID string, priority int, cond providers.ChainCondition) (*providers.FallbackChain, error) {
	if primaryID == fallbackID {
		return nil, fmt.Errorf("registry: chain cannot point at its own primary")
	}
	if _, err := r.store.GetProvider(ctx, tenantID, primaryID); err != nil {
		return nil, err
	}
	if _, err := r.store.GetProvider(ctx, tenantID, fallbackID); err != nil {
		return nil, err
	}

	chain := &providers.FallbackChain{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		PrimaryID:  primaryID,
		FallbackID: fallbackID,
		Priority:   priority,
		Condition:  cond,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateChain(ctx, chain); err != nil {
		return nil, err
	}
	r.mutated(tenantID)
	return chain, nil
}

// DeleteChain removes a fallback link.
func (r *Registry) DeleteChain(ctx context.Context, tenantID, id string) error {
	if err := r.store.DeleteChain(ctx, tenantID, id); err != nil {
		return err
	}
	r.mutated(tenantID)
	return nil
}

// ListChains returns the tenant's fallback links.
func (r *Registry) ListChains(ctx context.Context, tenantID string) ([]*providers.FallbackChain, error) {
	return r.store.ListChains(ctx, tenantID)
}

// redact strips the sealed credential and annotates the live breaker
// position.
func (r *Registry) redact(p *providers.Provider) *providers.Provider {
	c := p.Clone()
	c.Credential = ""
	c.Circuit = r.breaker.State(p.ID)
	return c
}
