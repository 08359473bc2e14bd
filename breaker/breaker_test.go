package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// rewind moves a tripped breaker's retry deadline into the past so tests do
// not sleep through the real cooldown.
func rewind(t *testing.T, b *Memory, id string) {
	t.Helper()
	b.mu.RLock()
	e := b.entries[id]
	b.mu.RUnlock()
	if e == nil {
		t.Fatalf("no breaker entry for %q", id)
	}
	e.mu.Lock()
	e.nextRetryAt = time.Now().Add(-time.Second)
	e.mu.Unlock()
}

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	b := NewMemory(Config{Threshold: 5, Cooldown: time.Minute})

	for i := 0; i < 4; i++ {
		b.RecordFailure("p1")
		if got := b.State("p1"); got != providers.CircuitClosed {
			t.Fatalf("after %d failures state = %s, want CLOSED", i+1, got)
		}
	}

	b.RecordFailure("p1")
	if got := b.State("p1"); got != providers.CircuitOpen {
		t.Fatalf("after 5 failures state = %s, want OPEN", got)
	}
	if b.Allow("p1") {
		t.Fatal("open breaker allowed a call before the cooldown")
	}
	// Unrelated providers stay untouched.
	if !b.Allow("p2") {
		t.Fatal("unrelated provider was blocked")
	}
}

func TestBreaker_CooldownAdmitsProbeThenCloses(t *testing.T) {
	b := NewMemory(Config{Threshold: 5, Cooldown: time.Minute})
	for i := 0; i < 5; i++ {
		b.RecordFailure("p1")
	}

	if b.Allow("p1") {
		t.Fatal("breaker allowed a call while the cooldown was running")
	}

	rewind(t, b, "p1")

	if !b.Allow("p1") {
		t.Fatal("breaker rejected the probe after the cooldown elapsed")
	}
	if got := b.State("p1"); got != providers.CircuitHalfOpen {
		t.Fatalf("state after probe admission = %s, want HALF_OPEN", got)
	}

	b.RecordSuccess("p1")
	if got := b.State("p1"); got != providers.CircuitClosed {
		t.Fatalf("state after probe success = %s, want CLOSED", got)
	}
	if got := b.FailureCount("p1"); got != 0 {
		t.Fatalf("failure count after close = %d, want 0", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewMemory(Config{Threshold: 5, Cooldown: time.Minute})
	for i := 0; i < 5; i++ {
		b.RecordFailure("p1")
	}
	rewind(t, b, "p1")

	if !b.Allow("p1") {
		t.Fatal("probe was not admitted")
	}
	b.RecordFailure("p1")

	if got := b.State("p1"); got != providers.CircuitOpen {
		t.Fatalf("state after failed probe = %s, want OPEN", got)
	}
	if b.Allow("p1") {
		t.Fatal("breaker allowed a call right after re-opening")
	}
}

func TestBreaker_SuccessWalksCountDown(t *testing.T) {
	b := NewMemory(Config{Threshold: 5, Cooldown: time.Minute})

	b.RecordFailure("p1")
	b.RecordFailure("p1")
	b.RecordFailure("p1")
	b.RecordSuccess("p1")

	if got := b.FailureCount("p1"); got != 2 {
		t.Fatalf("failure count = %d, want 2", got)
	}
	if got := b.State("p1"); got != providers.CircuitClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}

	// Three more failures reach the threshold again.
	b.RecordFailure("p1")
	b.RecordFailure("p1")
	b.RecordFailure("p1")
	if got := b.State("p1"); got != providers.CircuitOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}
}

func TestBreaker_AllowsPeekDoesNotTransition(t *testing.T) {
	b := NewMemory(Config{Threshold: 1, Cooldown: time.Minute})
	b.RecordFailure("p1")

	if b.Allows("p1") {
		t.Fatal("peek permitted a freshly opened breaker")
	}

	rewind(t, b, "p1")

	if !b.Allows("p1") {
		t.Fatal("peek rejected a breaker past its cooldown")
	}
	if got := b.State("p1"); got != providers.CircuitOpen {
		t.Fatalf("peek transitioned the state to %s", got)
	}
}

func TestBreaker_HalfOpenAdmitsConcurrentProbes(t *testing.T) {
	b := NewMemory(Config{Threshold: 1, Cooldown: time.Minute})
	b.RecordFailure("p1")
	rewind(t, b, "p1")

	if !b.Allow("p1") {
		t.Fatal("first probe was not admitted")
	}

	var wg sync.WaitGroup
	denied := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.Allow("p1") {
				denied <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(denied)

	if n := len(denied); n != 0 {
		t.Fatalf("%d concurrent calls were denied in HALF_OPEN", n)
	}
}

func TestBreaker_ResetAndForget(t *testing.T) {
	b := NewMemory(Config{Threshold: 1, Cooldown: time.Minute})
	b.RecordFailure("p1")

	b.Reset("p1")
	if got := b.State("p1"); got != providers.CircuitClosed {
		t.Fatalf("state after reset = %s, want CLOSED", got)
	}
	if !b.Allow("p1") {
		t.Fatal("reset breaker rejected a call")
	}

	b.RecordFailure("p1")
	b.Forget("p1")
	if e := b.peek("p1"); e != nil {
		t.Fatal("entry survived Forget")
	}
	if got := b.State("p1"); got != providers.CircuitClosed {
		t.Fatalf("forgotten provider state = %s, want CLOSED", got)
	}
}

func TestBreaker_UnknownProvider(t *testing.T) {
	b := NewMemory(Config{})

	if !b.Allow("nope") {
		t.Fatal("unknown provider was denied")
	}
	if !b.Allows("nope2") {
		t.Fatal("unknown provider peek was denied")
	}
	if got := b.State("nope3"); got != providers.CircuitClosed {
		t.Fatalf("unknown provider state = %s, want CLOSED", got)
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b := NewMemory(Config{Threshold: 1, Cooldown: time.Minute})
	b.Reset("ok")
	b.RecordFailure("bad")

	snap := b.Snapshot()
	if snap["ok"] != providers.CircuitClosed {
		t.Fatalf("snapshot[ok] = %s, want CLOSED", snap["ok"])
	}
	if snap["bad"] != providers.CircuitOpen {
		t.Fatalf("snapshot[bad] = %s, want OPEN", snap["bad"])
	}
}
