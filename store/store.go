// Package store declares the persistence contracts the gateway depends on
// and ships an in-memory implementation suitable for tests and single-node
// embedding. Reads return copies the caller may mutate; numeric updates are
// atomic with respect to concurrent readers.
package store

import (
	"context"
	"time"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// OutcomeDelta is one request outcome applied to a provider's rolling
// aggregates. DurationMs <= 0 means the attempt never reached the upstream
// (breaker or rate-limit skip) and must not move the latency average.
type OutcomeDelta struct {
	Success    bool
	DurationMs float64
}

// UsageDelta is one request outcome applied to the per-day usage aggregate.
type UsageDelta struct {
	ProviderID string
	TenantID   string
	Day        string // providers.UTCDay
	Requests   int64
	Errors     int64
	Tokens     int64
	Cost       float64
	DurationMs float64
}

// ProviderStore persists provider records. Tenant-scoped methods must never
// return another tenant's rows.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *providers.Provider) error
	UpdateProvider(ctx context.Context, p *providers.Provider) error
	DeleteProvider(ctx context.Context, tenantID, id string) error
	GetProvider(ctx context.Context, tenantID, id string) (*providers.Provider, error)
	ListProviders(ctx context.Context, tenantID string) ([]*providers.Provider, error)

	// ListActiveProviders spans tenants; the health prober uses it.
	ListActiveProviders(ctx context.Context) ([]*providers.Provider, error)

	// ApplyOutcome atomically folds one request outcome into the record:
	// request and error counters, success rate, latency EMA and last-used.
	ApplyOutcome(ctx context.Context, id string, d OutcomeDelta) error

	// SetHealth records the probe verdict and check time.
	SetHealth(ctx context.Context, id string, h providers.HealthStatus, checkedAt time.Time) error

	// SetActive flips the activation flag without touching anything else.
	SetActive(ctx context.Context, id string, active bool) error
}

// UsageStore persists per-day usage aggregates keyed by (provider, day).
type UsageStore interface {
	UpsertUsage(ctx context.Context, d UsageDelta) error
	GetUsage(ctx context.Context, providerID, day string) (*providers.UsageMetric, error)
	ListUsage(ctx context.Context, tenantID, fromDay, toDay string) ([]*providers.UsageMetric, error)
}

// HealthCheckStore keeps the append-only probe history.
type HealthCheckStore interface {
	AppendHealthCheck(ctx context.Context, hc *providers.HealthCheck) error
	ListHealthChecks(ctx context.Context, providerID string, limit int) ([]*providers.HealthCheck, error)
}

// FallbackStore persists fallback chain links.
type FallbackStore interface {
	CreateChain(ctx context.Context, c *providers.FallbackChain) error
	DeleteChain(ctx context.Context, tenantID, id string) error
	ListChains(ctx context.Context, tenantID string) ([]*providers.FallbackChain, error)
}

// Store is the full persistence surface the gateway core wires against.
type Store interface {
	ProviderStore
	UsageStore
	HealthCheckStore
	FallbackStore
}
