// Package providers defines the domain model shared by every part of the
// gateway: provider records, chat requests and results, routing preferences,
// usage entities and the classified error type returned by adapters.
//
// The package has no dependencies on the rest of the module so that storage
// backends, adapters and the routing layer can all build on it without
// import cycles.
package providers

import "time"

// Dialect identifies the wire protocol an upstream speaks. Several vendors
// share the OpenAI chat-completions shape and differ only in base URL.
type Dialect string

const (
	DialectOpenAI     Dialect = "openai"
	DialectAnthropic  Dialect = "anthropic"
	DialectGemini     Dialect = "gemini"
	DialectMistral    Dialect = "mistral"
	DialectXAI        Dialect = "xai"
	DialectGroq       Dialect = "groq"
	DialectOpenRouter Dialect = "openrouter"
	DialectOllama     Dialect = "ollama"
	DialectVLLM       Dialect = "vllm"
	DialectCustom     Dialect = "custom"
)

var knownDialects = map[Dialect]bool{
	DialectOpenAI:     true,
	DialectAnthropic:  true,
	DialectGemini:     true,
	DialectMistral:    true,
	DialectXAI:        true,
	DialectGroq:       true,
	DialectOpenRouter: true,
	DialectOllama:     true,
	DialectVLLM:       true,
	DialectCustom:     true,
}

// KnownDialect reports whether d is one of the dialects the adapter factory
// can construct a client for.
func KnownDialect(d Dialect) bool { return knownDialects[d] }

// SelfHosted reports whether the dialect usually points at locally run
// inference (larger call timeouts, credentials optional).
func (d Dialect) SelfHosted() bool { return d == DialectOllama || d == DialectVLLM }

// Capability is a coarse feature flag declared on a provider record and
// matched against routing preferences.
type Capability string

const (
	CapChat            Capability = "chat"
	CapCompletion      Capability = "completion"
	CapEmbedding       Capability = "embedding"
	CapFunctionCalling Capability = "function_calling"
	CapVision          Capability = "vision"
)

// HealthStatus is the outcome of the most recent probe.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "UNKNOWN"
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// CircuitState is the circuit breaker position for one provider.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Operational defaults. Callers may override each of them through config;
// zero values in option structs fall back to these.
const (
	BreakerThreshold          = 5
	BreakerCooldown           = 60 * time.Second
	RateLimitWindow           = 60 * time.Second
	ProbeInterval             = 5 * time.Minute
	ProbeTimeout              = 10 * time.Second
	CallTimeout               = 30 * time.Second
	SelfHostedCallTimeout     = 60 * time.Second
	MaxRetries                = 3
	RouteCacheTTL             = 30 * time.Second
	UnhealthyDisableThreshold = 5
)

// Provider is a tenant-owned upstream registration. Credential holds the
// sealed (encrypted) secret; the registry blanks it on every read so the
// plaintext never leaves the vault path.
type Provider struct {
	ID           string
	Name         string
	Dialect      Dialect
	BaseURL      string
	Credential   string
	Config       map[string]any
	Capabilities []Capability

	// Routing inputs.
	Priority     int      // 0..100, higher wins ties
	RateLimit    int      // requests per window, 0 = unlimited
	CostPerToken *float64 // nil when the operator did not price the provider

	// Ownership.
	OwnerID  string
	TenantID string

	// Live state.
	Active  bool
	Health  HealthStatus
	Circuit CircuitState

	// Rolling aggregates maintained by the metrics recorder.
	TotalRequests int64
	TotalErrors   int64
	SuccessRate   *float64 // nil until the first recorded request
	AvgResponseMs float64

	LastUsedAt        time.Time
	LastHealthCheckAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep enough copy for handing records across goroutines:
// slices, the config map and optional scalars are duplicated.
func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	c := *p
	if p.Config != nil {
		c.Config = make(map[string]any, len(p.Config))
		for k, v := range p.Config {
			c.Config[k] = v
		}
	}
	if p.Capabilities != nil {
		c.Capabilities = append([]Capability(nil), p.Capabilities...)
	}
	if p.CostPerToken != nil {
		v := *p.CostPerToken
		c.CostPerToken = &v
	}
	if p.SuccessRate != nil {
		v := *p.SuccessRate
		c.SuccessRate = &v
	}
	return &c
}

// HasCapability reports whether the record declares c.
func (p *Provider) HasCapability(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// UsageMetric is a per-provider, per-UTC-day aggregate.
type UsageMetric struct {
	ID           string
	ProviderID   string
	TenantID     string
	Day          string // YYYY-MM-DD, UTC
	Requests     int64
	Errors       int64
	Tokens       int64
	Cost         float64
	AvgLatencyMs float64
	UpdatedAt    time.Time
}

// UTCDay formats t as the usage-metric day key.
func UTCDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

// HealthCheck is one probe observation, kept as an append-only history.
type HealthCheck struct {
	ID         string
	ProviderID string
	Status     HealthStatus
	ResponseMs int64
	Error      string
	CheckedAt  time.Time
}

// ChainCondition narrows when a fallback chain link applies. The empty
// condition matches any failure.
type ChainCondition string

const (
	ChainAlways      ChainCondition = ""
	ChainOnError     ChainCondition = "on_error"
	ChainOnRateLimit ChainCondition = "on_rate_limit"
	ChainOnTimeout   ChainCondition = "on_timeout"
)

// Matches reports whether a failure of the given kind triggers the chain.
func (c ChainCondition) Matches(kind ErrorKind) bool {
	switch c {
	case ChainAlways, ChainOnError:
		return true
	case ChainOnRateLimit:
		return kind == KindRateLimited || kind == KindUpstreamRateLimit
	case ChainOnTimeout:
		return kind == KindTimeout
	default:
		return false
	}
}

// FallbackChain declares that when PrimaryID fails, FallbackID should be
// tried ahead of the remaining scored candidates. Lower Priority runs first.
type FallbackChain struct {
	ID         string
	TenantID   string
	PrimaryID  string
	FallbackID string
	Priority   int
	Condition  ChainCondition
	CreatedAt  time.Time
}
