// Package ratelimit enforces per-provider fixed-window request budgets.
// A provider's limit comes from its record; zero means unlimited. Both
// implementations fail open: limiter trouble must never take down traffic.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// Limiter is the window-budget contract the router and executor depend on.
type Limiter interface {
	// Allow consumes one slot from the provider's current window.
	Allow(ctx context.Context, id string, limit int) bool

	// Saturated reports whether the current window is exhausted, without
	// consuming a slot. The router peeks it when pruning candidates.
	Saturated(ctx context.Context, id string, limit int) bool

	// InWindow returns the number of requests counted against the current
	// window. Scoring input.
	InWindow(ctx context.Context, id string) int

	// Reset clears the provider's window.
	Reset(ctx context.Context, id string)

	// Forget drops all limiter state for a deleted provider.
	Forget(ctx context.Context, id string)
}

// window is one provider's fixed counting interval.
type window struct {
	count   int
	resetAt time.Time
}

// Window is the in-process fixed-window Limiter.
type Window struct {
	mu      sync.Mutex
	windows map[string]*window
	span    time.Duration
}

// NewWindow creates a Limiter counting against span-long windows. span <= 0
// uses the 60s default.
func NewWindow(span time.Duration) *Window {
	if span <= 0 {
		span = providers.RateLimitWindow
	}
	return &Window{windows: make(map[string]*window), span: span}
}

func (w *Window) Allow(_ context.Context, id string, limit int) bool {
	if limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	win := w.windows[id]
	if win == nil || !now.Before(win.resetAt) {
		w.windows[id] = &window{count: 1, resetAt: now.Add(w.span)}
		return true
	}
	if win.count < limit {
		win.count++
		return true
	}
	return false
}

func (w *Window) Saturated(_ context.Context, id string, limit int) bool {
	if limit <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	win := w.windows[id]
	if win == nil || !time.Now().Before(win.resetAt) {
		return false
	}
	return win.count >= limit
}

func (w *Window) InWindow(_ context.Context, id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	win := w.windows[id]
	if win == nil || !time.Now().Before(win.resetAt) {
		return 0
	}
	return win.count
}

func (w *Window) Reset(_ context.Context, id string) {
	w.mu.Lock()
	delete(w.windows, id)
	w.mu.Unlock()
}

func (w *Window) Forget(ctx context.Context, id string) { w.Reset(ctx, id) }
