package providers

import (
	"context"
	"encoding/json"
)

// Message is a single conversation turn in the uniform request shape.
// Role is one of "system", "user" or "assistant"; adapters translate roles
// the upstream dialect does not accept natively.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the dialect-independent chat-completion request. Tools is
// carried opaquely and forwarded verbatim to dialects that accept it.
type ChatRequest struct {
	Messages    []Message         `json:"messages"`
	Model       string            `json:"model,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
}

// Usage is the upstream-reported token accounting. Adapters leave it nil
// when the vendor response carries no usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is the uniform non-streaming response.
type ChatResult struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Finish reasons every adapter normalizes to. FinishError marks a stream
// that broke after the handshake; the executor accounts it as a failure.
const (
	FinishStop  = "stop"
	FinishError = "error"
)

// StreamChunk is one delta of a streaming response. FinishReason is set on
// the final content-bearing chunk when the upstream reports one.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ChatStream is a finite, non-restartable chunk sequence. Chunks is closed
// when the upstream stream ends; cancelling the context passed to
// InvokeStream aborts the upstream call. Degraded is true when the dialect
// has no native streaming and the stream is a single chunk synthesized from
// a one-shot call.
type ChatStream struct {
	Chunks   <-chan StreamChunk
	Degraded bool
}

// Invoker is the adapter contract. Implementations translate the uniform
// request into one vendor dialect and classify failures into *Error values.
// Adapters never retry; retry and fallback policy lives in the executor.
type Invoker interface {
	// Invoke performs a non-streaming chat completion.
	Invoke(ctx context.Context, req *ChatRequest) (*ChatResult, error)
	// InvokeStream performs a streaming chat completion, degrading to a
	// single-chunk stream on dialects without native streaming.
	InvokeStream(ctx context.Context, req *ChatRequest) (*ChatStream, error)
	// ListModels returns the model identifiers the upstream advertises.
	ListModels(ctx context.Context) ([]string, error)
	// Probe performs the smallest possible live call against the upstream.
	Probe(ctx context.Context) error
}

// Strategy selects the scoring weights used by the router.
type Strategy string

const (
	StrategyCost     Strategy = "cost"
	StrategyLatency  Strategy = "latency"
	StrategyQuality  Strategy = "quality"
	StrategyBalanced Strategy = "balanced"
)

// OrBalanced normalizes the empty strategy to the default.
func (s Strategy) OrBalanced() Strategy {
	if s == "" {
		return StrategyBalanced
	}
	return s
}

// RoutePreferences narrows and reorders the candidate set for one request.
// Zero values mean "no constraint"; EnableFallback defaults to true.
type RoutePreferences struct {
	PreferredProviderID string       `json:"preferred_provider_id,omitempty"`
	MaxCostPerToken     *float64     `json:"max_cost_per_token,omitempty"`
	MaxLatencyMs        float64      `json:"max_latency_ms,omitempty"`
	RequireCapabilities []Capability `json:"require_capabilities,omitempty"`
	Strategy            Strategy     `json:"strategy,omitempty"`
	EnableFallback      *bool        `json:"enable_fallback,omitempty"`
	MaxRetries          int          `json:"max_retries,omitempty"`
}

// FallbackEnabled reports whether the executor may walk past the first
// candidate.
func (p *RoutePreferences) FallbackEnabled() bool {
	if p == nil || p.EnableFallback == nil {
		return true
	}
	return *p.EnableFallback
}

// EstimateTokens approximates the token footprint of req with the ~4
// characters per token heuristic plus the requested completion budget. The
// executor uses it for cost attribution when the upstream reports no usage.
func EstimateTokens(req *ChatRequest) int64 {
	if req == nil {
		return 0
	}
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	est := int64((chars + 3) / 4)
	return est + int64(req.MaxTokens)
}
