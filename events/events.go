// Package events carries provider lifecycle and execution notifications.
// Publishing is fire-and-forget: a slow or absent consumer can never block
// a request, at the cost of dropped events under pressure.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type enumerates every event the gateway emits.
type Type string

const (
	ProviderCreated       Type = "PROVIDER_CREATED"
	ProviderUpdated       Type = "PROVIDER_UPDATED"
	ProviderDeleted       Type = "PROVIDER_DELETED"
	ProviderDisabled      Type = "PROVIDER_DISABLED"
	ProviderHealthChanged Type = "PROVIDER_HEALTH_CHANGED"
	ExecutionSuccess      Type = "PROVIDER_EXECUTION_SUCCESS"
	ExecutionFailed       Type = "PROVIDER_EXECUTION_FAILED"
	AllProvidersFailed    Type = "ALL_PROVIDERS_FAILED"
)

// Event is one notification. Payload holds event-specific fields and must
// already be redacted; it is handed to subscribers and external buses as-is.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	ProviderID string         `json:"provider_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Bus publishes events. Implementations must not block the caller.
type Bus interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// stamp fills the generated fields callers usually leave empty.
func stamp(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}

// Tee publishes every event to all wrapped buses and closes them in order.
type Tee []Bus

func (t Tee) Publish(ctx context.Context, ev Event) {
	ev = stamp(ev)
	for _, b := range t {
		b.Publish(ctx, ev)
	}
}

func (t Tee) Close() error {
	var first error
	for _, b := range t {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
