package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/provider-gateway/breaker"
	"github.com/nulpointcorp/provider-gateway/metrics"
	"github.com/nulpointcorp/provider-gateway/providers"
	"github.com/nulpointcorp/provider-gateway/ratelimit"
	"github.com/nulpointcorp/provider-gateway/store"
)

// planJanitorInterval is how often expired plans are evicted. Lookups also
// expire lazily, so the janitor only bounds memory.
const planJanitorInterval = time.Minute

// ModelSource reports the cached model list for a provider. The registry
// implements it.
type ModelSource interface {
	KnownModels(ctx context.Context, p *providers.Provider) []string
}

// Plan is one scored candidate walk: providers in descending preference
// order plus the tenant's fallback chains.
type Plan struct {
	Candidates []*providers.Provider
	Chains     []*providers.FallbackChain
	Strategy   providers.Strategy
}

type cachedPlan struct {
	plan      *Plan
	tenantID  string
	expiresAt time.Time
}

// Router builds candidate plans: load, filter, score, sort, memoize.
type Router struct {
	store   store.Store
	breaker breaker.Breaker
	limiter ratelimit.Limiter
	models  ModelSource
	rec     *metrics.Recorder
	log     *slog.Logger
	ttl     time.Duration

	mu    sync.RWMutex
	plans map[string]cachedPlan

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRouter builds a Router and starts the plan-cache janitor. ttl <= 0
// uses the 30s default.
func NewRouter(st store.Store, brk breaker.Breaker, lim ratelimit.Limiter, models ModelSource, rec *metrics.Recorder, ttl time.Duration, slogger *slog.Logger) *Router {
	if ttl <= 0 {
		ttl = providers.RouteCacheTTL
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	r := &Router{
		store:   st,
		breaker: brk,
		limiter: lim,
		models:  models,
		rec:     rec,
		log:     slogger,
		ttl:     ttl,
		plans:   make(map[string]cachedPlan),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.janitor()
	return r
}

// Close stops the janitor. Idempotent.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Router) janitor() {
	defer r.wg.Done()
	ticker := time.NewTicker(planJanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for k, entry := range r.plans {
				if now.After(entry.expiresAt) {
					delete(r.plans, k)
				}
			}
			r.mu.Unlock()
		case <-r.done:
			return
		}
	}
}

// Invalidate drops every cached plan for the tenant. The registry calls it
// on any provider or chain mutation.
func (r *Router) Invalidate(tenantID string) {
	r.mu.Lock()
	for k, entry := range r.plans {
		if entry.tenantID == tenantID {
			delete(r.plans, k)
		}
	}
	r.mu.Unlock()
}

// Plan returns the candidate walk for one request. Plans are memoized per
// (tenant, request shape, preferences) for the cache TTL; the returned
// candidate slice is the caller's to reorder.
func (r *Router) Plan(ctx context.Context, tenantID string, req *providers.ChatRequest, prefs *providers.RoutePreferences) (*Plan, error) {
	key := planKey(tenantID, req, prefs)

	r.mu.RLock()
	entry, ok := r.plans[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		if r.rec != nil {
			r.rec.RecordRouteCache(true)
		}
		return copyPlan(entry.plan), nil
	}
	if r.rec != nil {
		r.rec.RecordRouteCache(false)
	}

	plan, err := r.build(ctx, tenantID, req, prefs)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.plans[key] = cachedPlan{plan: plan, tenantID: tenantID, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return copyPlan(plan), nil
}

func (r *Router) build(ctx context.Context, tenantID string, req *providers.ChatRequest, prefs *providers.RoutePreferences) (*Plan, error) {
	recs, err := r.store.ListProviders(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	pool := recs[:0:0]
	for _, p := range recs {
		if p.Active && p.Health != providers.HealthUnhealthy {
			pool = append(pool, p)
		}
	}

	// A pinned provider bypasses the preference filters; the executor's
	// gates still apply to it per attempt.
	var pinned *providers.Provider
	if prefs != nil && prefs.PreferredProviderID != "" {
		for i, p := range pool {
			if p.ID == prefs.PreferredProviderID {
				pinned = p
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}

	kept := pool[:0:0]
	for _, p := range pool {
		if !r.admits(ctx, p, prefs) {
			continue
		}
		kept = append(kept, p)
	}

	strategy := providers.StrategyBalanced
	if prefs != nil {
		strategy = prefs.Strategy.OrBalanced()
	}

	type scored struct {
		rec   *providers.Provider
		score float64
	}
	ranked := make([]scored, len(kept))
	for i, p := range kept {
		ranked[i] = scored{rec: p, score: r.score(ctx, p, req, strategy)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].rec.Priority != ranked[j].rec.Priority {
			return ranked[i].rec.Priority > ranked[j].rec.Priority
		}
		return ranked[i].rec.ID < ranked[j].rec.ID
	})

	candidates := make([]*providers.Provider, 0, len(ranked)+1)
	if pinned != nil {
		candidates = append(candidates, pinned)
	}
	for _, s := range ranked {
		candidates = append(candidates, s.rec)
	}

	chains, err := r.store.ListChains(ctx, tenantID)
	if err != nil {
		// Chains only reorder fallbacks; routing still works without them.
		r.log.WarnContext(ctx, "chain_load_failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		chains = nil
	}

	return &Plan{Candidates: candidates, Chains: chains, Strategy: strategy}, nil
}

// admits applies the preference filters and the double-gate prune: a
// candidate is dropped only when its breaker denies AND its window is
// saturated.
func (r *Router) admits(ctx context.Context, p *providers.Provider, prefs *providers.RoutePreferences) bool {
	if prefs != nil {
		for _, c := range prefs.RequireCapabilities {
			if !p.HasCapability(c) {
				return false
			}
		}
		if prefs.MaxCostPerToken != nil && p.CostPerToken != nil && *p.CostPerToken > *prefs.MaxCostPerToken {
			return false
		}
		if prefs.MaxLatencyMs > 0 && p.AvgResponseMs > 0 && p.AvgResponseMs > prefs.MaxLatencyMs {
			return false
		}
	}
	if !r.breaker.Allows(p.ID) && r.limiter.Saturated(ctx, p.ID, p.RateLimit) {
		return false
	}
	return true
}

func (r *Router) score(ctx context.Context, p *providers.Provider, req *providers.ChatRequest, strategy providers.Strategy) float64 {
	lat := latencyScore(p.AvgResponseMs)
	cost := costScore(p.CostPerToken)
	rel := reliabilityScore(p.SuccessRate)
	hlt := healthScore(p.Health)
	avail := availabilityScore(r.breaker.State(p.ID))

	var s float64
	switch strategy {
	case providers.StrategyCost:
		s = 0.6*cost + 0.2*rel + 0.1*hlt + 0.1*avail
	case providers.StrategyLatency:
		s = 0.6*lat + 0.2*rel + 0.1*hlt + 0.1*avail
	case providers.StrategyQuality:
		s = 0.5*rel + 0.3*hlt + 0.1*lat + 0.1*avail
	default: // balanced
		load := loadScore(r.limiter.InWindow(ctx, p.ID), p.RateLimit)
		s = 0.25*lat + 0.2*cost + 0.25*rel + 0.15*hlt + 0.1*avail + 0.05*load
	}

	s += float64(p.Priority) / 10
	if req != nil {
		if req.Model != "" && r.models != nil && containsString(r.models.KnownModels(ctx, p), req.Model) {
			s += 5
		}
		if len(req.Tools) > 0 && p.HasCapability(providers.CapFunctionCalling) {
			s += 3
		}
	}
	return s
}

func latencyScore(avgMs float64) float64 {
	switch {
	case avgMs <= 500:
		return 100
	case avgMs <= 1000:
		return 80
	case avgMs <= 2000:
		return 60
	case avgMs <= 5000:
		return 40
	case avgMs <= 10000:
		return 20
	default:
		return 10
	}
}

func costScore(costPerToken *float64) float64 {
	if costPerToken == nil {
		return 50
	}
	c := *costPerToken
	switch {
	case c <= 1e-4:
		return 100
	case c <= 5e-4:
		return 80
	case c <= 1e-3:
		return 60
	case c <= 5e-3:
		return 40
	case c <= 1e-2:
		return 20
	default:
		return 10
	}
}

func reliabilityScore(rate *float64) float64 {
	if rate == nil {
		return 50
	}
	return *rate * 100
}

func healthScore(h providers.HealthStatus) float64 {
	switch h {
	case providers.HealthHealthy:
		return 100
	case providers.HealthDegraded:
		return 60
	case providers.HealthUnhealthy:
		return 20
	default:
		return 50
	}
}

func availabilityScore(s providers.CircuitState) float64 {
	switch s {
	case providers.CircuitOpen:
		return 0
	case providers.CircuitHalfOpen:
		return 40
	default:
		return 100
	}
}

// loadScore rewards free window headroom; unlimited providers sit in the
// middle so limits neither help nor hurt by themselves.
func loadScore(inWindow, limit int) float64 {
	if limit <= 0 {
		return 50
	}
	s := (1 - float64(inWindow)/float64(limit)) * 100
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// planKey hashes the routing inputs: tenant, requested model, whether the
// request carries tools, and the full preference set.
func planKey(tenantID string, req *providers.ChatRequest, prefs *providers.RoutePreferences) string {
	h := sha256.New()
	io.WriteString(h, tenantID)
	h.Write([]byte{0})
	if req != nil {
		io.WriteString(h, req.Model)
		if len(req.Tools) > 0 {
			h.Write([]byte{1})
		}
	}
	h.Write([]byte{0})
	if prefs != nil {
		raw, err := json.Marshal(prefs)
		if err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// copyPlan hands each caller its own candidate slice; the records inside
// stay shared and read-only.
func copyPlan(p *Plan) *Plan {
	return &Plan{
		Candidates: append([]*providers.Provider(nil), p.Candidates...),
		Chains:     p.Chains,
		Strategy:   p.Strategy,
	}
}
