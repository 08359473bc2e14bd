package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// emaAlpha is the smoothing factor for rolling latency averages: each new
// observation contributes 10%.
const emaAlpha = 0.1

// Memory is a mutex-guarded Store. Records returned to callers are clones,
// so holding one across calls never observes concurrent mutation.
type Memory struct {
	mu        sync.RWMutex
	providers map[string]*providers.Provider
	usage     map[string]*providers.UsageMetric // providerID|day
	checks    map[string][]*providers.HealthCheck
	chains    map[string]*providers.FallbackChain
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		providers: make(map[string]*providers.Provider),
		usage:     make(map[string]*providers.UsageMetric),
		checks:    make(map[string][]*providers.HealthCheck),
		chains:    make(map[string]*providers.FallbackChain),
	}
}

// ── ProviderStore ────────────────────────────────────────────────────────────

func (m *Memory) CreateProvider(_ context.Context, p *providers.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[p.ID]; ok {
		return fmt.Errorf("store: provider %s already exists", p.ID)
	}
	m.providers[p.ID] = p.Clone()
	return nil
}

func (m *Memory) UpdateProvider(_ context.Context, p *providers.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.providers[p.ID]
	if !ok || cur.TenantID != p.TenantID {
		return providers.NotFound(p.ID)
	}
	m.providers[p.ID] = p.Clone()
	return nil
}

func (m *Memory) DeleteProvider(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.providers[id]
	if !ok || cur.TenantID != tenantID {
		return providers.NotFound(id)
	}
	delete(m.providers, id)
	return nil
}

func (m *Memory) GetProvider(_ context.Context, tenantID, id string) (*providers.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok || p.TenantID != tenantID {
		return nil, providers.NotFound(id)
	}
	return p.Clone(), nil
}

func (m *Memory) ListProviders(_ context.Context, tenantID string) ([]*providers.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*providers.Provider, 0, 8)
	for _, p := range m.providers {
		if p.TenantID == tenantID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListActiveProviders(_ context.Context) ([]*providers.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*providers.Provider, 0, 8)
	for _, p := range m.providers {
		if p.Active {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ApplyOutcome(_ context.Context, id string, d OutcomeDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return providers.NotFound(id)
	}
	p.TotalRequests++
	if !d.Success {
		p.TotalErrors++
	}
	rate := float64(p.TotalRequests-p.TotalErrors) / float64(p.TotalRequests)
	p.SuccessRate = &rate
	if d.DurationMs > 0 {
		if p.AvgResponseMs == 0 {
			p.AvgResponseMs = d.DurationMs
		} else {
			p.AvgResponseMs = (1-emaAlpha)*p.AvgResponseMs + emaAlpha*d.DurationMs
		}
	}
	now := time.Now().UTC()
	p.LastUsedAt = now
	p.UpdatedAt = now
	return nil
}

func (m *Memory) SetHealth(_ context.Context, id string, h providers.HealthStatus, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return providers.NotFound(id)
	}
	p.Health = h
	p.LastHealthCheckAt = checkedAt
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return providers.NotFound(id)
	}
	p.Active = active
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ── UsageStore ───────────────────────────────────────────────────────────────

func usageKey(providerID, day string) string { return providerID + "|" + day }

func (m *Memory) UpsertUsage(_ context.Context, d UsageDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey(d.ProviderID, d.Day)
	u, ok := m.usage[key]
	if !ok {
		u = &providers.UsageMetric{
			ID:         key,
			ProviderID: d.ProviderID,
			TenantID:   d.TenantID,
			Day:        d.Day,
		}
		m.usage[key] = u
	}
	u.Requests += d.Requests
	u.Errors += d.Errors
	u.Tokens += d.Tokens
	u.Cost += d.Cost
	if d.DurationMs > 0 {
		if u.AvgLatencyMs == 0 {
			u.AvgLatencyMs = d.DurationMs
		} else {
			u.AvgLatencyMs = (1-emaAlpha)*u.AvgLatencyMs + emaAlpha*d.DurationMs
		}
	}
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) GetUsage(_ context.Context, providerID, day string) (*providers.UsageMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.usage[usageKey(providerID, day)]
	if !ok {
		return nil, fmt.Errorf("store: no usage for provider %s on %s", providerID, day)
	}
	c := *u
	return &c, nil
}

func (m *Memory) ListUsage(_ context.Context, tenantID, fromDay, toDay string) ([]*providers.UsageMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*providers.UsageMetric, 0, 8)
	for _, u := range m.usage {
		if u.TenantID != tenantID {
			continue
		}
		if fromDay != "" && u.Day < fromDay {
			continue
		}
		if toDay != "" && u.Day > toDay {
			continue
		}
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

// ── HealthCheckStore ─────────────────────────────────────────────────────────

func (m *Memory) AppendHealthCheck(_ context.Context, hc *providers.HealthCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *hc
	m.checks[hc.ProviderID] = append(m.checks[hc.ProviderID], &c)
	return nil
}

func (m *Memory) ListHealthChecks(_ context.Context, providerID string, limit int) ([]*providers.HealthCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.checks[providerID]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	// Newest first.
	out := make([]*providers.HealthCheck, 0, limit)
	for i := len(history) - 1; i >= len(history)-limit; i-- {
		c := *history[i]
		out = append(out, &c)
	}
	return out, nil
}

// ── FallbackStore ────────────────────────────────────────────────────────────

func (m *Memory) CreateChain(_ context.Context, c *providers.FallbackChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chains[c.ID]; ok {
		return fmt.Errorf("store: chain %s already exists", c.ID)
	}
	cc := *c
	m.chains[c.ID] = &cc
	return nil
}

func (m *Memory) DeleteChain(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[id]
	if !ok || c.TenantID != tenantID {
		return fmt.Errorf("store: chain %s not found", id)
	}
	delete(m.chains, id)
	return nil
}

func (m *Memory) ListChains(_ context.Context, tenantID string) ([]*providers.FallbackChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*providers.FallbackChain, 0, 4)
	for _, c := range m.chains {
		if c.TenantID == tenantID {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
