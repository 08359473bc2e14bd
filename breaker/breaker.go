// Package breaker implements the per-provider circuit breaker that shields
// callers from upstreams in a failure spiral. Each provider gets an
// independent three-state machine: CLOSED passes traffic, OPEN rejects it
// for a cooldown, HALF_OPEN lets probe traffic decide which way to go.
package breaker

import (
	"sync"
	"time"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// Config holds breaker tuning. Zero values fall back to the operational
// defaults in the providers package.
type Config struct {
	// Threshold is the failure count that trips the breaker.
	Threshold int

	// Cooldown is how long an open breaker rejects calls before admitting
	// probe traffic in HALF_OPEN.
	Cooldown time.Duration
}

func (c Config) threshold() int {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return providers.BreakerThreshold
}

func (c Config) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return providers.BreakerCooldown
}

// Breaker is the gate contract the router and executor depend on.
type Breaker interface {
	// Allow reports whether the provider may receive the next call. It is
	// the mutating gate: an OPEN breaker past its cooldown transitions to
	// HALF_OPEN here.
	Allow(id string) bool

	// Allows is the non-mutating peek used while scoring candidates.
	Allows(id string) bool

	// RecordSuccess walks the failure count back toward zero and closes a
	// half-open breaker.
	RecordSuccess(id string)

	// RecordFailure counts one failure, opening the breaker at the
	// threshold and re-opening a half-open one with a fresh cooldown.
	RecordFailure(id string)

	// State returns the current position without transitioning it.
	State(id string) providers.CircuitState

	// Reset forces the breaker into CLOSED with a zero failure count.
	Reset(id string)

	// Forget drops all state for a deleted provider.
	Forget(id string)
}

// entry holds one provider's breaker state. Callers lock entry.mu, never
// the registry map lock, while reading or transitioning.
type entry struct {
	mu sync.Mutex

	state        providers.CircuitState
	failureCount int
	openedAt     time.Time
	nextRetryAt  time.Time
}

// Memory is the in-process Breaker. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cfg     Config
}

// NewMemory creates an empty breaker registry. Providers are tracked lazily
// from their first Allow/Record call, starting CLOSED.
func NewMemory(cfg Config) *Memory {
	return &Memory{entries: make(map[string]*entry), cfg: cfg}
}

// get returns the provider's entry, creating a CLOSED one on first contact.
func (b *Memory) get(id string) *entry {
	b.mu.RLock()
	e := b.entries[id]
	b.mu.RUnlock()
	if e != nil {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e = b.entries[id]; e == nil {
		e = &entry{state: providers.CircuitClosed}
		b.entries[id] = e
	}
	return e
}

// peek returns the entry without creating one.
func (b *Memory) peek(id string) *entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries[id]
}

func (b *Memory) Allow(id string) bool {
	e := b.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != providers.CircuitOpen {
		// CLOSED and HALF_OPEN both admit calls; in HALF_OPEN several
		// concurrent probes are acceptable and the first verdict decides
		// the next state.
		return true
	}
	if time.Now().Before(e.nextRetryAt) {
		return false
	}
	e.state = providers.CircuitHalfOpen
	return true
}

func (b *Memory) Allows(id string) bool {
	e := b.peek(id)
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == providers.CircuitOpen {
		return !time.Now().Before(e.nextRetryAt)
	}
	return true
}

func (b *Memory) RecordSuccess(id string) {
	e := b.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == providers.CircuitHalfOpen {
		e.state = providers.CircuitClosed
		e.failureCount = 0
		return
	}
	if e.failureCount > 0 {
		e.failureCount--
	}
}

func (b *Memory) RecordFailure(id string) {
	e := b.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	// A half-open probe always arrives with the count at or above the
	// threshold, so the uniform increment below re-opens it with a fresh
	// cooldown without a separate branch.
	e.failureCount++
	if e.failureCount >= b.cfg.threshold() {
		now := time.Now()
		e.state = providers.CircuitOpen
		e.openedAt = now
		e.nextRetryAt = now.Add(b.cfg.cooldown())
	}
}

func (b *Memory) State(id string) providers.CircuitState {
	e := b.peek(id)
	if e == nil {
		return providers.CircuitClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// FailureCount returns the live failure counter, for status surfaces.
func (b *Memory) FailureCount(id string) int {
	e := b.peek(id)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failureCount
}

func (b *Memory) Reset(id string) {
	e := b.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = providers.CircuitClosed
	e.failureCount = 0
	e.openedAt = time.Time{}
	e.nextRetryAt = time.Time{}
}

func (b *Memory) Forget(id string) {
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()
}

// Snapshot returns the current state of every tracked provider.
func (b *Memory) Snapshot() map[string]providers.CircuitState {
	b.mu.RLock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	out := make(map[string]providers.CircuitState, len(ids))
	for _, id := range ids {
		out[id] = b.State(id)
	}
	return out
}
