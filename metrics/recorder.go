package metrics

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/nulpointcorp/provider-gateway/providers"
	"github.com/nulpointcorp/provider-gateway/store"
	"github.com/nulpointcorp/provider-gateway/usagelog"
)

// Attempt is one candidate visit during an execution. Gate skips (open
// breaker, saturated window) carry DurationMs 0 so the latency average
// stays untouched.
type Attempt struct {
	ProviderID   string
	ProviderName string
	TenantID     string

	Success    bool
	ErrorKind  providers.ErrorKind
	DurationMs float64

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
}

// Execution is the final verdict of one Execute call.
type Execution struct {
	TenantID     string
	ProviderID   string
	ProviderName string
	PrimaryName  string
	Model        string
	Strategy     providers.Strategy

	Success      bool
	ErrorKind    providers.ErrorKind
	Attempts     int
	FallbackUsed bool
	Streamed     bool
	DurationMs   int64

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
}

// Recorder fans request outcomes into the store aggregates, the Prometheus
// registry and the usage log. Recording never fails the request: storage
// errors are logged and swallowed.
type Recorder struct {
	store store.Store
	prom  *Registry
	usage *usagelog.Logger
	log   *slog.Logger
}

// NewRecorder builds the outcome fan-out. prom and usage may be nil.
func NewRecorder(st store.Store, prom *Registry, usage *usagelog.Logger, slogger *slog.Logger) *Recorder {
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &Recorder{store: st, prom: prom, usage: usage, log: slogger}
}

// RecordAttempt folds one candidate visit into the provider's rolling
// aggregates and the per-day usage row.
func (r *Recorder) RecordAttempt(ctx context.Context, a Attempt) {
	if r.prom != nil {
		r.prom.RecordAttempt(a.ProviderName, attemptOutcome(a))
		if !a.Success && a.ErrorKind != "" {
			r.prom.RecordError(a.ProviderName, string(a.ErrorKind))
		}
		if a.Success {
			r.prom.AddTokens(a.ProviderName, a.PromptTokens, a.CompletionTokens)
			r.prom.AddCost(a.ProviderName, a.Cost)
		}
	}

	if err := r.store.ApplyOutcome(ctx, a.ProviderID, store.OutcomeDelta{
		Success:    a.Success,
		DurationMs: a.DurationMs,
	}); err != nil {
		r.log.WarnContext(ctx, "outcome_apply_failed",
			slog.String("provider_id", a.ProviderID),
			slog.String("error", err.Error()),
		)
	}

	delta := store.UsageDelta{
		ProviderID: a.ProviderID,
		TenantID:   a.TenantID,
		Day:        providers.UTCDay(time.Now()),
		Requests:   1,
		DurationMs: a.DurationMs,
	}
	if a.Success {
		delta.Tokens = int64(a.TotalTokens)
		delta.Cost = a.Cost
	} else {
		delta.Errors = 1
	}
	if err := r.store.UpsertUsage(ctx, delta); err != nil {
		r.log.WarnContext(ctx, "usage_upsert_failed",
			slog.String("provider_id", a.ProviderID),
			slog.String("error", err.Error()),
		)
	}
}

// RecordExecution records the end-to-end verdict and appends the request
// log entry.
func (r *Recorder) RecordExecution(ctx context.Context, e Execution) {
	outcome := "success"
	if !e.Success {
		outcome = "error"
	}

	if r.prom != nil {
		name := e.ProviderName
		if name == "" {
			name = "none"
		}
		r.prom.RecordExecution(name, outcome, time.Duration(e.DurationMs)*time.Millisecond)

		if e.PrimaryName != "" {
			if e.Success && e.FallbackUsed && e.ProviderName != e.PrimaryName {
				r.prom.RecordFallbackSuccess(e.PrimaryName, e.ProviderName)
			}
			if !e.Success {
				r.prom.RecordFallbackExhausted(e.PrimaryName)
			}
		}
	}

	if r.usage != nil {
		r.usage.Log(usagelog.Entry{
			TenantID:         e.TenantID,
			ProviderID:       e.ProviderID,
			ProviderName:     e.ProviderName,
			Model:            e.Model,
			Success:          e.Success,
			ErrorKind:        string(e.ErrorKind),
			Attempts:         e.Attempts,
			FallbackUsed:     e.FallbackUsed,
			Streamed:         e.Streamed,
			Strategy:         string(e.Strategy),
			LatencyMs:        e.DurationMs,
			PromptTokens:     e.PromptTokens,
			CompletionTokens: e.CompletionTokens,
			TotalTokens:      e.TotalTokens,
			EstimatedCost:    e.Cost,
		})
	}
}

// RecordFallbackHop records one move past a failed candidate.
func (r *Recorder) RecordFallbackHop(primary, to, reason string) {
	if r.prom != nil {
		r.prom.RecordFallback(primary, to, reason)
	}
}

// RecordRateLimit records a limiter verdict.
func (r *Recorder) RecordRateLimit(result string) {
	if r.prom != nil {
		r.prom.RecordRateLimit(result)
	}
}

// RecordRouteCache counts a routing-cache lookup.
func (r *Recorder) RecordRouteCache(hit bool) {
	if r.prom == nil {
		return
	}
	if hit {
		r.prom.RouteCacheHit()
	} else {
		r.prom.RouteCacheMiss()
	}
}

// RecordCircuitState mirrors the breaker position into the state gauge.
func (r *Recorder) RecordCircuitState(providerName string, state providers.CircuitState) {
	if r.prom != nil {
		r.prom.SetCircuitBreaker(providerName, state)
	}
}

// RecordCircuitRejection counts an attempt turned away by the breaker.
func (r *Recorder) RecordCircuitRejection(providerName string, state providers.CircuitState) {
	if r.prom != nil {
		r.prom.RecordCircuitBreakerRejection(providerName, state)
	}
}

func attemptOutcome(a Attempt) string {
	if a.Success {
		return "success"
	}
	switch a.ErrorKind {
	case providers.KindCircuitOpen:
		return "circuit_open"
	case providers.KindRateLimited:
		return "rate_limited"
	default:
		return "error"
	}
}
