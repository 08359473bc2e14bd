// Package adapter builds the per-dialect upstream clients behind the
// uniform providers.Invoker contract. Construction is pure: no network
// traffic happens until the first call. Adapters classify every failure
// into a *providers.Error and never retry; retry and fallback policy
// belongs to the executor.
package adapter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// Settings carries everything needed to construct an adapter. Credential is
// plaintext here: the registry opens the sealed blob immediately before
// calling New and the secret lives only inside the vendor client afterwards.
type Settings struct {
	Dialect    providers.Dialect
	BaseURL    string
	Credential string
	Config     map[string]any

	// CallTimeout bounds a single upstream HTTP exchange. Zero picks the
	// default for the dialect (self-hosted ones get the larger budget).
	CallTimeout time.Duration
}

func (s Settings) timeout() time.Duration {
	if s.CallTimeout > 0 {
		return s.CallTimeout
	}
	if s.Dialect.SelfHosted() {
		return providers.SelfHostedCallTimeout
	}
	return providers.CallTimeout
}

func (s Settings) httpClient() *http.Client {
	return &http.Client{Timeout: s.timeout()}
}

// defaultBaseURLs maps every OpenAI-shaped dialect onto its vendor endpoint.
var defaultBaseURLs = map[providers.Dialect]string{
	providers.DialectOpenAI:     "https://api.openai.com/v1",
	providers.DialectMistral:    "https://api.mistral.ai/v1",
	providers.DialectXAI:        "https://api.x.ai/v1",
	providers.DialectGroq:       "https://api.groq.com/openai/v1",
	providers.DialectOpenRouter: "https://openrouter.ai/api/v1",
	providers.DialectVLLM:       "http://localhost:8000/v1",
}

const ollamaDefaultBaseURL = "http://localhost:11434"

// baseURL resolves the effective endpoint: the record's URL when set,
// otherwise the vendor default for the dialect.
func (s Settings) baseURL() string {
	if s.BaseURL != "" {
		return strings.TrimRight(s.BaseURL, "/")
	}
	return defaultBaseURLs[s.Dialect]
}

// New constructs the Invoker for one provider record.
func New(ctx context.Context, s Settings) (providers.Invoker, error) {
	if ctx == nil {
		panic("adapter: context must not be nil")
	}

	switch s.Dialect {
	case providers.DialectOpenAI, providers.DialectMistral, providers.DialectXAI,
		providers.DialectGroq, providers.DialectOpenRouter, providers.DialectVLLM:
		return newOpenAI(s), nil

	case providers.DialectOllama:
		// Ollama exposes an OpenAI-compatible surface under /v1; records
		// pointing there reuse the SDK path, everything else speaks the
		// native chat API.
		if strings.HasSuffix(s.baseURL(), "/v1") {
			return newOpenAI(s), nil
		}
		return newOllama(s), nil

	case providers.DialectAnthropic:
		return newAnthropic(s), nil

	case providers.DialectGemini:
		return newGemini(ctx, s)

	case providers.DialectCustom:
		return newCustom(s)

	default:
		return nil, fmt.Errorf("adapter: unknown dialect %q", s.Dialect)
	}
}

const (
	// streamBuffer absorbs bursts between the upstream reader and the
	// consumer without letting either side stall the other for long.
	streamBuffer = 64

	finishError = providers.FinishError
	finishStop  = providers.FinishStop
)

// push delivers one chunk unless the consumer went away.
func push(ctx context.Context, out chan<- providers.StreamChunk, c providers.StreamChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// oneShotStream wraps a completed result as a degraded single-chunk stream
// for dialects without native streaming.
func oneShotStream(res *providers.ChatResult) *providers.ChatStream {
	out := make(chan providers.StreamChunk, 1)
	out <- providers.StreamChunk{Content: res.Content, FinishReason: finishStop}
	close(out)
	return &providers.ChatStream{Chunks: out, Degraded: true}
}

// emptyStream is a closed, zero-chunk stream for upstreams that end cleanly
// before producing anything.
func emptyStream() *providers.ChatStream {
	out := make(chan providers.StreamChunk)
	close(out)
	return &providers.ChatStream{Chunks: out}
}
