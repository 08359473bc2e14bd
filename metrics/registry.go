// Package metrics provides the Prometheus registry and the outcome
// recorder for the gateway runtime.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when the gateway is embedded
// in other applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_executions_total{provider,outcome}
	executionsTotal *prometheus.CounterVec

	// gateway_execution_duration_seconds{provider,outcome}
	executionDuration *prometheus.HistogramVec

	// gateway_attempts_total{provider,outcome} — per-candidate attempts,
	// including breaker and rate-limit skips that never reached the wire
	attemptsTotal *prometheus.CounterVec

	// provider_errors_total{provider,error_kind}
	providerErrors *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_estimated_cost_total{provider}
	costTotal *prometheus.CounterVec

	// gateway_fallback_events_total{primary,to,reason}
	fallbackEvents *prometheus.CounterVec

	// gateway_fallback_success_total{primary,to}
	fallbackSuccess *prometheus.CounterVec

	// gateway_fallback_exhausted_total{primary}
	fallbackExhausted *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_circuit_breaker_rejections_total{provider,state}
	cbRejections *prometheus.CounterVec

	// gateway_provider_health{provider} — 1=healthy, 0.5=degraded,
	// 0=unhealthy, -1=unknown
	providerHealth *prometheus.GaugeVec

	// gateway_probe_duration_seconds{provider,status}
	probeDuration *prometheus.HistogramVec

	// gateway_route_cache_total{result}
	routeCache *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]providers.CircuitState

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]providers.CircuitState),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_executions_total",
				Help: "Completed executions by final outcome",
			},
			[]string{"provider", "outcome"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_execution_duration_seconds",
				Help:    "End-to-end execution duration in seconds (includes retries and fallback)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_attempts_total",
				Help: "Per-candidate attempts, including gate skips that never reached the upstream",
			},
			[]string{"provider", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by classified kind",
			},
			[]string{"provider", "error_kind"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals from upstream usage fields or the estimator",
			},
			[]string{"provider", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_estimated_cost_total",
				Help: "Estimated cost total derived from tokens and cost_per_token",
			},
			[]string{"provider"},
		),

		fallbackEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_events_total",
				Help: "Fallback hops between providers (emitted when moving past a failed candidate)",
			},
			[]string{"primary", "to", "reason"},
		),

		fallbackSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_success_total",
				Help: "Executions served by a non-primary provider",
			},
			[]string{"primary", "to"},
		),

		fallbackExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_exhausted_total",
				Help: "Executions that ran out of candidates without success",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Attempts rejected by circuit breaker state",
			},
			[]string{"provider", "state"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=healthy,0.5=degraded,0=unhealthy,-1=unknown)",
			},
			[]string{"provider"},
		),

		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_probe_duration_seconds",
				Help:    "Health probe duration in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider", "status"},
		),

		routeCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_route_cache_total",
				Help: "Route plan cache lookups",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.executionsTotal,
		r.executionDuration,
		r.attemptsTotal,
		r.providerErrors,
		r.tokensTotal,
		r.costTotal,
		r.fallbackEvents,
		r.fallbackSuccess,
		r.fallbackExhausted,
		r.rateLimitTotal,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.providerHealth,
		r.probeDuration,
		r.routeCache,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// RecordExecution records one completed Execute call.
func (r *Registry) RecordExecution(provider, outcome string, dur time.Duration) {
	r.executionsTotal.WithLabelValues(provider, outcome).Inc()
	r.executionDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordAttempt records one candidate visit, wire-bound or gate-skipped.
func (r *Registry) RecordAttempt(provider, outcome string) {
	r.attemptsTotal.WithLabelValues(provider, outcome).Inc()
}

func (r *Registry) RecordError(provider, errorKind string) {
	r.providerErrors.WithLabelValues(provider, errorKind).Inc()
}

func (r *Registry) AddTokens(provider string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(completionTokens))
	}
	if promptTokens+completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "total").Add(float64(promptTokens + completionTokens))
	}
}

func (r *Registry) AddCost(provider string, cost float64) {
	if cost > 0 {
		r.costTotal.WithLabelValues(provider).Add(cost)
	}
}

func (r *Registry) RecordFallback(primary, to, reason string) {
	r.fallbackEvents.WithLabelValues(primary, to, reason).Inc()
}

func (r *Registry) RecordFallbackSuccess(primary, to string) {
	r.fallbackSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFallbackExhausted(primary string) {
	r.fallbackExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// SetCircuitBreaker sets the state gauge and increments a transition
// counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state providers.CircuitState) {
	r.circuitBreakerState.WithLabelValues(provider).Set(circuitStateValue(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != state {
		r.lastCBState[provider] = state
		r.cbTransitions.WithLabelValues(provider, string(state)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider string, state providers.CircuitState) {
	r.cbRejections.WithLabelValues(provider, string(state)).Inc()
}

func (r *Registry) SetProviderHealth(provider string, status providers.HealthStatus) {
	r.providerHealth.WithLabelValues(provider).Set(healthValue(status))
}

func (r *Registry) ObserveProbe(provider string, status providers.HealthStatus, dur time.Duration) {
	r.probeDuration.WithLabelValues(provider, string(status)).Observe(dur.Seconds())
}

func (r *Registry) RouteCacheHit()  { r.routeCache.WithLabelValues("hit").Inc() }
func (r *Registry) RouteCacheMiss() { r.routeCache.WithLabelValues("miss").Inc() }

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

func circuitStateValue(s providers.CircuitState) float64 {
	switch s {
	case providers.CircuitOpen:
		return 1
	case providers.CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}

func healthValue(s providers.HealthStatus) float64 {
	switch s {
	case providers.HealthHealthy:
		return 1
	case providers.HealthDegraded:
		return 0.5
	case providers.HealthUnhealthy:
		return 0
	default:
		return -1
	}
}
