package gateway

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/nulpointcorp/provider-gateway/breaker"
	"github.com/nulpointcorp/provider-gateway/events"
	"github.com/nulpointcorp/provider-gateway/metrics"
	"github.com/nulpointcorp/provider-gateway/providers"
	"github.com/nulpointcorp/provider-gateway/ratelimit"
)

const (
	// triesPerCandidate bounds the retry burst against one provider;
	// only retryable kinds re-enter the burst.
	triesPerCandidate = 3
	backoffBase       = time.Second
	streamBuffer      = 64
)

// AdapterSource resolves live invokers and cached model lists. The registry
// implements it.
type AdapterSource interface {
	ModelSource
	Invoker(ctx context.Context, p *providers.Provider) (providers.Invoker, error)
}

// Result is the terminal accounting of one execution.
type Result struct {
	Response      *providers.ChatResult `json:"response,omitempty"`
	ProviderID    string                `json:"provider_id"`
	ProviderName  string                `json:"provider_name"`
	DurationMs    int64                 `json:"duration_ms"`
	TokensUsed    int64                 `json:"tokens_used"`
	EstimatedCost float64               `json:"estimated_cost"`
	Attempts      int                   `json:"attempts"`
	Strategy      providers.Strategy    `json:"strategy"`
	FallbackUsed  bool                  `json:"fallback_used"`
}

// StreamingResult wraps a live chunk stream. Accounting settles only after
// the stream closes; Done then yields exactly one terminal Result.
type StreamingResult struct {
	Chunks       <-chan providers.StreamChunk
	Degraded     bool
	ProviderID   string
	ProviderName string
	Attempts     int
	Strategy     providers.Strategy
	FallbackUsed bool
	Done         <-chan Result
}

// hop is one entry of the attempt trace attached to ALL_PROVIDERS_FAILED.
type hop struct {
	Provider  string `json:"provider"`
	ErrorKind string `json:"error_kind"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// Executor walks a routed candidate plan until one provider serves the
// request. It owns the breaker and limiter gates, the per-candidate retry
// burst, fallback-chain promotion, and all outcome accounting.
type Executor struct {
	router   *Router
	adapters AdapterSource
	breaker  breaker.Breaker
	limiter  ratelimit.Limiter
	rec      *metrics.Recorder
	bus      events.Bus
	log      *slog.Logger

	// maxRetries bounds the candidate walk when preferences leave it unset.
	maxRetries int

	// sleep is swappable so backoff can be observed without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor wires the execution path. bus may be nil.
func NewExecutor(router *Router, adapters AdapterSource, brk breaker.Breaker, lim ratelimit.Limiter, rec *metrics.Recorder, bus events.Bus, slogger *slog.Logger) *Executor {
	if bus == nil {
		bus = events.Tee{}
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	return &Executor{
		router:     router,
		adapters:   adapters,
		breaker:    brk,
		limiter:    lim,
		rec:        rec,
		bus:        bus,
		log:        slogger,
		maxRetries: providers.MaxRetries,
		sleep:      sleepCtx,
	}
}

// Execute routes and performs one non-streaming chat completion. prefs may
// be nil.
func (e *Executor) Execute(ctx context.Context, tenantID string, req *providers.ChatRequest, prefs *providers.RoutePreferences) (*Result, error) {
	var result *providers.ChatResult
	end, err := e.walk(ctx, tenantID, req, prefs, false, func(ctx context.Context, inv providers.Invoker) error {
		r, err := inv.Invoke(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	cand := end.cand
	total, prompt, completion := tokensOf(result, req)
	var cost float64
	if cand.CostPerToken != nil {
		cost = *cand.CostPerToken * float64(total)
	}

	e.breaker.RecordSuccess(cand.ID)
	if e.rec != nil {
		e.rec.RecordCircuitState(cand.Name, e.breaker.State(cand.ID))
		e.rec.RecordAttempt(ctx, metrics.Attempt{
			ProviderID:       cand.ID,
			ProviderName:     cand.Name,
			TenantID:         tenantID,
			Success:          true,
			DurationMs:       float64(end.callMs),
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      int(total),
			Cost:             cost,
		})
	}

	res := &Result{
		Response:      result,
		ProviderID:    cand.ID,
		ProviderName:  cand.Name,
		DurationMs:    time.Since(end.startedAt).Milliseconds(),
		TokensUsed:    total,
		EstimatedCost: cost,
		Attempts:      end.attempts,
		Strategy:      end.strategy,
		FallbackUsed:  end.attempts > 1,
	}

	if e.rec != nil {
		e.rec.RecordExecution(ctx, metrics.Execution{
			TenantID:         tenantID,
			ProviderID:       cand.ID,
			ProviderName:     cand.Name,
			PrimaryName:      end.primary.Name,
			Model:            req.Model,
			Strategy:         end.strategy,
			Success:          true,
			Attempts:         end.attempts,
			FallbackUsed:     res.FallbackUsed,
			DurationMs:       res.DurationMs,
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      int(total),
			Cost:             cost,
		})
	}

	e.bus.Publish(ctx, events.Event{
		Type:       events.ExecutionSuccess,
		ProviderID: cand.ID,
		TenantID:   tenantID,
		Payload: map[string]any{
			"provider_name": cand.Name,
			"attempts":      end.attempts,
			"duration_ms":   res.DurationMs,
			"tokens_used":   total,
			"fallback_used": res.FallbackUsed,
		},
	})

	return res, nil
}

// ExecuteStream routes and opens one streaming chat completion. The
// handshake walks candidates exactly like Execute; once a stream is open,
// chunks flow through StreamingResult.Chunks and the terminal accounting is
// settled when the upstream closes.
func (e *Executor) ExecuteStream(ctx context.Context, tenantID string, req *providers.ChatRequest, prefs *providers.RoutePreferences) (*StreamingResult, error) {
	var stream *providers.ChatStream
	end, err := e.walk(ctx, tenantID, req, prefs, true, func(ctx context.Context, inv providers.Invoker) error {
		s, err := inv.InvokeStream(ctx, req)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan providers.StreamChunk, streamBuffer)
	done := make(chan Result, 1)
	sr := &StreamingResult{
		Chunks:       out,
		Degraded:     stream.Degraded,
		ProviderID:   end.cand.ID,
		ProviderName: end.cand.Name,
		Attempts:     end.attempts,
		Strategy:     end.strategy,
		FallbackUsed: end.attempts > 1,
		Done:         done,
	}
	go e.pump(ctx, tenantID, req, end, stream, out, done)
	return sr, nil
}

// walkEnd captures the candidate that served the request and the walk
// accounting around it.
type walkEnd struct {
	cand      *providers.Provider
	primary   *providers.Provider
	attempts  int
	strategy  providers.Strategy
	callMs    int64
	startedAt time.Time
}

// walk runs the candidate loop. call performs the upstream exchange against
// one invoker and captures its typed result in the caller's scope; a nil
// return ends the walk successfully. On exhaustion walk settles the failure
// accounting itself and returns the terminal error.
func (e *Executor) walk(
	ctx context.Context,
	tenantID string,
	req *providers.ChatRequest,
	prefs *providers.RoutePreferences,
	streamed bool,
	call func(ctx context.Context, inv providers.Invoker) error,
) (*walkEnd, error) {
	start := time.Now()
	if prefs == nil {
		prefs = &providers.RoutePreferences{}
	}

	plan, err := e.router.Plan(ctx, tenantID, req, prefs)
	if err != nil {
		return nil, err
	}
	if len(plan.Candidates) == 0 {
		return nil, &providers.Error{
			Kind:    providers.KindProviderNotFound,
			Message: "no routable providers for tenant " + tenantID,
		}
	}

	maxWalk := prefs.MaxRetries
	if maxWalk <= 0 {
		maxWalk = e.maxRetries
	}
	if maxWalk <= 0 {
		maxWalk = providers.MaxRetries
	}

	queue := plan.Candidates
	primary := queue[0]

	var (
		attempts int
		walked   int
		lastKind providers.ErrorKind
		lastErr  error
		prevName string
		trace    []hop
	)

	fail := func(cand *providers.Provider, kind providers.ErrorKind, cause error, latencyMs int64) {
		lastKind, lastErr = kind, cause
		trace = append(trace, hop{Provider: cand.Name, ErrorKind: string(kind), LatencyMs: latencyMs})
		e.bus.Publish(ctx, events.Event{
			Type:       events.ExecutionFailed,
			ProviderID: cand.ID,
			TenantID:   tenantID,
			Payload: map[string]any{
				"provider_name": cand.Name,
				"error_kind":    string(kind),
				"attempt":       attempts,
			},
		})
	}

	for len(queue) > 0 && walked < maxWalk {
		if ctx.Err() != nil {
			break
		}
		cand := queue[0]
		queue = queue[1:]
		walked++

		// Breaker gate. Allow mutates: an OPEN circuit past its cooldown
		// flips to HALF_OPEN and lets this one probe through.
		if !e.breaker.Allow(cand.ID) {
			attempts++
			state := e.breaker.State(cand.ID)
			if e.rec != nil {
				e.rec.RecordCircuitRejection(cand.Name, state)
				e.rec.RecordCircuitState(cand.Name, state)
				e.rec.RecordAttempt(ctx, metrics.Attempt{
					ProviderID:   cand.ID,
					ProviderName: cand.Name,
					TenantID:     tenantID,
					ErrorKind:    providers.KindCircuitOpen,
				})
			}
			fail(cand, providers.KindCircuitOpen, &providers.Error{
				Kind:    providers.KindCircuitOpen,
				Message: "provider " + cand.ID + " circuit open",
			}, 0)
			e.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("tenant_id", tenantID),
				slog.String("provider", cand.Name),
				slog.String("state", string(state)),
			)
			prevName = cand.Name
			queue = promote(queue, plan.Chains, cand.ID, lastKind)
			continue
		}

		// Limiter gate: consumes a window slot only when admitted.
		if !e.limiter.Allow(ctx, cand.ID, cand.RateLimit) {
			attempts++
			if e.rec != nil {
				e.rec.RecordRateLimit("denied")
				e.rec.RecordAttempt(ctx, metrics.Attempt{
					ProviderID:   cand.ID,
					ProviderName: cand.Name,
					TenantID:     tenantID,
					ErrorKind:    providers.KindRateLimited,
				})
			}
			fail(cand, providers.KindRateLimited, &providers.Error{
				Kind:    providers.KindRateLimited,
				Message: "provider " + cand.ID + " rate limit exhausted",
			}, 0)
			e.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("tenant_id", tenantID),
				slog.String("provider", cand.Name),
				slog.Int("limit", cand.RateLimit),
			)
			prevName = cand.Name
			queue = promote(queue, plan.Chains, cand.ID, lastKind)
			continue
		}
		if e.rec != nil {
			e.rec.RecordRateLimit("allowed")
		}

		if prevName != "" && prevName != cand.Name && e.rec != nil {
			e.rec.RecordFallbackHop(primary.Name, cand.Name, string(lastKind))
		}

		inv, err := e.adapters.Invoker(ctx, cand)
		if err != nil {
			attempts++
			kind := providers.Classify(err)
			if e.rec != nil {
				e.rec.RecordAttempt(ctx, metrics.Attempt{
					ProviderID:   cand.ID,
					ProviderName: cand.Name,
					TenantID:     tenantID,
					ErrorKind:    kind,
				})
			}
			fail(cand, kind, err, 0)
			e.log.WarnContext(ctx, "provider_not_initialized",
				slog.String("tenant_id", tenantID),
				slog.String("provider", cand.Name),
				slog.String("error", err.Error()),
			)
			prevName = cand.Name
			queue = promote(queue, plan.Chains, cand.ID, lastKind)
			continue
		}

		for try := 0; try < triesPerCandidate; try++ {
			attempts++
			callStart := time.Now()
			err = call(ctx, inv)
			callMs := time.Since(callStart).Milliseconds()

			if err == nil {
				if cand.ID != primary.ID {
					e.log.InfoContext(ctx, "fallback_success",
						slog.String("tenant_id", tenantID),
						slog.String("from", primary.Name),
						slog.String("to", cand.Name),
						slog.Int64("latency_ms", callMs),
					)
				}
				return &walkEnd{
					cand:      cand,
					primary:   primary,
					attempts:  attempts,
					strategy:  plan.Strategy,
					callMs:    callMs,
					startedAt: start,
				}, nil
			}

			kind := providers.Classify(err)
			e.breaker.RecordFailure(cand.ID)
			if e.rec != nil {
				e.rec.RecordCircuitState(cand.Name, e.breaker.State(cand.ID))
				e.rec.RecordAttempt(ctx, metrics.Attempt{
					ProviderID:   cand.ID,
					ProviderName: cand.Name,
					TenantID:     tenantID,
					ErrorKind:    kind,
					DurationMs:   float64(callMs),
				})
			}
			fail(cand, kind, err, callMs)
			e.log.WarnContext(ctx, "provider_attempt_failed",
				slog.String("tenant_id", tenantID),
				slog.String("from", primary.Name),
				slog.String("to", cand.Name),
				slog.String("error_kind", string(kind)),
				slog.Int64("latency_ms", callMs),
				slog.String("error", err.Error()),
			)

			if !kind.Retryable() || try == triesPerCandidate-1 {
				break
			}
			if e.sleep(ctx, backoffBase<<try) != nil {
				break
			}
		}

		prevName = cand.Name
		queue = promote(queue, plan.Chains, cand.ID, lastKind)
		if !prefs.FallbackEnabled() {
			break
		}
	}

	if lastErr == nil {
		// Only a pre-attempt cancellation leaves no recorded failure.
		lastErr = ctx.Err()
		lastKind = providers.Classify(lastErr)
	}
	terminal := providers.AllFailed(attempts, lastErr)

	if e.rec != nil {
		e.rec.RecordExecution(ctx, metrics.Execution{
			TenantID:     tenantID,
			PrimaryName:  primary.Name,
			Model:        req.Model,
			Strategy:     plan.Strategy,
			Success:      false,
			ErrorKind:    providers.KindAllFailed,
			Attempts:     attempts,
			FallbackUsed: attempts > 1,
			Streamed:     streamed,
			DurationMs:   time.Since(start).Milliseconds(),
		})
	}
	e.bus.Publish(ctx, events.Event{
		Type:     events.AllProvidersFailed,
		TenantID: tenantID,
		Payload: map[string]any{
			"attempts":        attempts,
			"last_error_kind": string(lastKind),
			"trace":           trace,
		},
	})
	e.log.ErrorContext(ctx, "all_providers_failed",
		slog.String("tenant_id", tenantID),
		slog.String("primary", primary.Name),
		slog.Int("attempts", attempts),
		slog.String("last_error_kind", string(lastKind)),
	)

	return nil, terminal
}

// pump forwards chunks to the consumer and settles the stream's accounting
// once the upstream closes. A FinishError chunk marks the stream failed even
// though the handshake succeeded; a consumer cancellation stops forwarding
// without penalizing the provider.
func (e *Executor) pump(ctx context.Context, tenantID string, req *providers.ChatRequest, end *walkEnd, stream *providers.ChatStream, out chan<- providers.StreamChunk, done chan<- Result) {
	var broke, abandoned bool
	for chunk := range stream.Chunks {
		if chunk.FinishReason == providers.FinishError {
			broke = true
		}
		if abandoned {
			continue
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			abandoned = true
		}
	}
	close(out)

	cand := end.cand
	durMs := time.Since(end.startedAt).Milliseconds()
	success := !broke && !abandoned
	kind := providers.ErrorKind("")
	switch {
	case broke:
		kind = providers.KindTransport
		e.breaker.RecordFailure(cand.ID)
	case abandoned:
		kind = providers.Classify(ctx.Err())
	default:
		e.breaker.RecordSuccess(cand.ID)
	}

	var total int64
	var cost float64
	if success {
		total = providers.EstimateTokens(req)
		if cand.CostPerToken != nil {
			cost = *cand.CostPerToken * float64(total)
		}
	}

	// The consumer's context may already be gone; accounting still runs.
	sctx := context.WithoutCancel(ctx)
	if e.rec != nil {
		e.rec.RecordCircuitState(cand.Name, e.breaker.State(cand.ID))
		e.rec.RecordAttempt(sctx, metrics.Attempt{
			ProviderID:   cand.ID,
			ProviderName: cand.Name,
			TenantID:     tenantID,
			Success:      success,
			ErrorKind:    kind,
			DurationMs:   float64(durMs),
			TotalTokens:  int(total),
			Cost:         cost,
		})
		e.rec.RecordExecution(sctx, metrics.Execution{
			TenantID:     tenantID,
			ProviderID:   cand.ID,
			ProviderName: cand.Name,
			PrimaryName:  end.primary.Name,
			Model:        req.Model,
			Strategy:     end.strategy,
			Success:      success,
			ErrorKind:    kind,
			Attempts:     end.attempts,
			FallbackUsed: end.attempts > 1,
			Streamed:     true,
			DurationMs:   durMs,
			TotalTokens:  int(total),
			Cost:         cost,
		})
	}

	evType := events.ExecutionSuccess
	payload := map[string]any{
		"provider_name": cand.Name,
		"attempts":      end.attempts,
		"duration_ms":   durMs,
		"streamed":      true,
	}
	if !success {
		evType = events.ExecutionFailed
		payload["error_kind"] = string(kind)
	} else {
		payload["tokens_used"] = total
	}
	e.bus.Publish(sctx, events.Event{
		Type:       evType,
		ProviderID: cand.ID,
		TenantID:   tenantID,
		Payload:    payload,
	})

	done <- Result{
		ProviderID:    cand.ID,
		ProviderName:  cand.Name,
		DurationMs:    durMs,
		TokensUsed:    total,
		EstimatedCost: cost,
		Attempts:      end.attempts,
		Strategy:      end.strategy,
		FallbackUsed:  end.attempts > 1,
	}
	close(done)
}

// promote moves fallback targets of the failed provider to the front of the
// remaining queue when their chain condition matches the failure kind. The
// promoted block follows chain priority; the rest keeps its order.
func promote(queue []*providers.Provider, chains []*providers.FallbackChain, failedID string, kind providers.ErrorKind) []*providers.Provider {
	if len(queue) == 0 || len(chains) == 0 {
		return queue
	}
	matching := make([]*providers.FallbackChain, 0, len(chains))
	for _, c := range chains {
		if c.PrimaryID == failedID && c.Condition.Matches(kind) {
			matching = append(matching, c)
		}
	}
	if len(matching) == 0 {
		return queue
	}
	sort.SliceStable(matching, func(i, j int) bool { return matching[i].Priority < matching[j].Priority })

	taken := make(map[string]bool, len(matching))
	promoted := make([]*providers.Provider, 0, len(queue))
	for _, c := range matching {
		if taken[c.FallbackID] {
			continue
		}
		for _, p := range queue {
			if p.ID == c.FallbackID {
				promoted = append(promoted, p)
				taken[c.FallbackID] = true
				break
			}
		}
	}
	if len(promoted) == 0 {
		return queue
	}
	for _, p := range queue {
		if !taken[p.ID] {
			promoted = append(promoted, p)
		}
	}
	return promoted
}

// tokensOf prefers upstream-reported usage and falls back to the size
// estimate when the dialect does not report it.
func tokensOf(r *providers.ChatResult, req *providers.ChatRequest) (total int64, prompt, completion int) {
	if r != nil && r.Usage != nil {
		return int64(r.Usage.TotalTokens), r.Usage.PromptTokens, r.Usage.CompletionTokens
	}
	return providers.EstimateTokens(req), 0, 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
