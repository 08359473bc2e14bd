// Package health runs the background probe loop that keeps provider health
// statuses current. Probes call the adapter's cheapest endpoint, classify
// the result by latency, persist the verdict and publish transitions.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/provider-gateway/events"
	"github.com/nulpointcorp/provider-gateway/metrics"
	"github.com/nulpointcorp/provider-gateway/providers"
)

const defaultParallelism = 8

// recentSkew is subtracted from the interval when deciding whether a
// provider was probed recently enough to skip. Keeps multiple instances
// from stacking probes on the same upstream.
const recentSkew = time.Minute

// Store is the slice of the persistence surface the prober needs.
type Store interface {
	ListActiveProviders(ctx context.Context) ([]*providers.Provider, error)
	SetHealth(ctx context.Context, id string, h providers.HealthStatus, checkedAt time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
	AppendHealthCheck(ctx context.Context, hc *providers.HealthCheck) error
}

// InvokerSource yields a ready adapter for a provider record. The registry
// implements it; tests substitute stubs.
type InvokerSource interface {
	Invoker(ctx context.Context, p *providers.Provider) (providers.Invoker, error)
}

// Options holds probe tuning. Zero values fall back to the operational
// defaults in the providers package.
type Options struct {
	// Interval is the sweep cadence.
	Interval time.Duration

	// Timeout bounds one provider probe.
	Timeout time.Duration

	// DegradedAfter is the latency at which an otherwise healthy probe is
	// classified DEGRADED.
	DegradedAfter time.Duration

	// DisableThreshold is the number of consecutive UNHEALTHY probes after
	// which the provider is deactivated.
	DisableThreshold int

	// Parallelism bounds concurrent probes within one sweep.
	Parallelism int
}

func (o Options) interval() time.Duration {
	if o.Interval > 0 {
		return o.Interval
	}
	return providers.ProbeInterval
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return providers.ProbeTimeout
}

func (o Options) degradedAfter() time.Duration {
	if o.DegradedAfter > 0 {
		return o.DegradedAfter
	}
	return 2 * time.Second
}

func (o Options) disableThreshold() int {
	if o.DisableThreshold > 0 {
		return o.DisableThreshold
	}
	return providers.UnhealthyDisableThreshold
}

func (o Options) parallelism() int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	return defaultParallelism
}

// Prober sweeps active providers on a fixed cadence. Construct with New,
// begin the loop with Start, stop it with Close. Sweep may also be called
// directly for an on-demand pass.
type Prober struct {
	store   Store
	source  InvokerSource
	bus     events.Bus
	metrics *metrics.Registry
	opts    Options
	log     *slog.Logger

	baseCtx   context.Context
	cancel    context.CancelFunc
	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.Mutex
	streaks map[string]int // consecutive UNHEALTHY probes per provider ID
	last    map[string]providers.HealthStatus
}

// New builds a Prober. bus, met and slogger may be nil. The probe loop does
// not run until Start is called.
func New(ctx context.Context, st Store, src InvokerSource, bus events.Bus, met *metrics.Registry, opts Options, slogger *slog.Logger) *Prober {
	if ctx == nil {
		panic("health: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Prober{
		store:     st,
		source:    src,
		bus:       bus,
		metrics:   met,
		opts:      opts,
		log:       slogger,
		baseCtx:   ctx,
		cancel:    cancel,
		startTime: time.Now(),
		done:      make(chan struct{}),
		streaks:   make(map[string]int),
		last:      make(map[string]providers.HealthStatus),
	}
}

// Start launches the probe loop: one sweep immediately, then one per
// interval until Close.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.run()
}

// Close stops the loop, aborts any in-flight sweep and waits for it to
// return. Idempotent.
func (p *Prober) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Prober) run() {
	defer p.wg.Done()

	// First sweep right away so health is not UNKNOWN for a full interval.
	p.sweep()

	ticker := time.NewTicker(p.opts.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.done:
			return
		}
	}
}

func (p *Prober) sweep() {
	if err := p.Sweep(p.baseCtx); err != nil && p.baseCtx.Err() == nil {
		p.log.Warn("health_sweep_failed", slog.String("error", err.Error()))
	}
}

// Sweep probes every active provider whose last check is older than the
// interval minus a minute, bounded by the configured parallelism.
func (p *Prober) Sweep(ctx context.Context) error {
	provs, err := p.store.ListActiveProviders(ctx)
	if err != nil {
		return err
	}

	cutoff := p.opts.interval() - recentSkew
	now := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.parallelism())
	for _, rec := range provs {
		if cutoff > 0 && !rec.LastHealthCheckAt.IsZero() && now.Sub(rec.LastHealthCheckAt) < cutoff {
			continue
		}
		rec := rec
		g.Go(func() error {
			p.probeOne(gctx, rec)
			return nil
		})
	}
	return g.Wait()
}

func (p *Prober) probeOne(ctx context.Context, rec *providers.Provider) {
	start := time.Now()
	var probeErr error

	inv, err := p.source.Invoker(ctx, rec)
	if err != nil {
		probeErr = err
	} else {
		cctx, cancel := context.WithTimeout(ctx, p.opts.timeout())
		probeErr = inv.Probe(cctx)
		cancel()
	}
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		// Shutdown or sweep abort: the verdict says nothing about the
		// upstream, so don't record it.
		return
	}

	status := classify(probeErr, elapsed, p.opts.degradedAfter())
	now := time.Now()

	if err := p.store.SetHealth(ctx, rec.ID, status, now); err != nil {
		p.log.Warn("health_set_failed",
			slog.String("provider_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	hc := &providers.HealthCheck{
		ID:         uuid.NewString(),
		ProviderID: rec.ID,
		Status:     status,
		ResponseMs: elapsed.Milliseconds(),
		CheckedAt:  now,
	}
	if probeErr != nil {
		hc.Error = probeErr.Error()
	}
	if err := p.store.AppendHealthCheck(ctx, hc); err != nil {
		p.log.Warn("health_check_append_failed",
			slog.String("provider_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	if p.metrics != nil {
		p.metrics.ObserveProbe(rec.Name, status, elapsed)
		p.metrics.SetProviderHealth(rec.Name, status)
	}

	if rec.Health != status && p.bus != nil {
		p.bus.Publish(ctx, events.Event{
			Type:       events.ProviderHealthChanged,
			ProviderID: rec.ID,
			TenantID:   rec.TenantID,
			Payload: map[string]any{
				"from":        string(rec.Health),
				"to":          string(status),
				"response_ms": elapsed.Milliseconds(),
			},
		})
	}

	p.mu.Lock()
	p.last[rec.ID] = status
	var disable bool
	if status == providers.HealthUnhealthy {
		p.streaks[rec.ID]++
		if p.streaks[rec.ID] >= p.opts.disableThreshold() {
			disable = true
			delete(p.streaks, rec.ID)
		}
	} else {
		delete(p.streaks, rec.ID)
	}
	p.mu.Unlock()

	if !disable {
		return
	}

	if err := p.store.SetActive(ctx, rec.ID, false); err != nil {
		p.log.Warn("provider_disable_failed",
			slog.String("provider_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.log.Warn("provider_auto_disabled",
		slog.String("provider_id", rec.ID),
		slog.String("provider_name", rec.Name),
		slog.Int("threshold", p.opts.disableThreshold()),
	)
	if p.bus != nil {
		p.bus.Publish(ctx, events.Event{
			Type:       events.ProviderDisabled,
			ProviderID: rec.ID,
			TenantID:   rec.TenantID,
			Payload: map[string]any{
				"reason":    "unhealthy_streak",
				"threshold": p.opts.disableThreshold(),
			},
		})
	}
}

// classify maps a probe outcome to a health status: errors are UNHEALTHY,
// slow but successful probes are DEGRADED.
func classify(err error, elapsed, degradedAfter time.Duration) providers.HealthStatus {
	if err != nil {
		return providers.HealthUnhealthy
	}
	if elapsed >= degradedAfter {
		return providers.HealthDegraded
	}
	return providers.HealthHealthy
}

// Snapshot is the latest probe verdicts, served by the status endpoints.
type Snapshot struct {
	Status        string                             `json:"status"`
	UptimeSeconds int64                              `json:"uptime_seconds"`
	Providers     map[string]providers.HealthStatus `json:"providers"`
}

// Snapshot reports the most recent classification per probed provider,
// keyed by provider ID. Overall status is degraded when any provider is
// not HEALTHY.
func (p *Prober) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	overall := "ok"
	out := make(map[string]providers.HealthStatus, len(p.last))
	for id, st := range p.last {
		out[id] = st
		if st != providers.HealthHealthy {
			overall = "degraded"
		}
	}
	return Snapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(p.startTime).Seconds()),
		Providers:     out,
	}
}
