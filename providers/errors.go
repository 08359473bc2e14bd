package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind buckets every failure the gateway can observe. Kinds drive the
// retry decision, fallback-chain matching and the error label on metrics.
type ErrorKind string

const (
	KindProviderNotFound   ErrorKind = "provider_not_found"
	KindNotInitialized     ErrorKind = "not_initialized"
	KindCircuitOpen        ErrorKind = "circuit_open"
	KindRateLimited        ErrorKind = "rate_limited"
	KindUpstreamAuth       ErrorKind = "upstream_auth"
	KindUpstreamValidation ErrorKind = "upstream_validation"
	KindUpstreamQuota      ErrorKind = "upstream_quota"
	KindUpstreamRateLimit  ErrorKind = "upstream_rate_limit"
	KindUpstream5xx        ErrorKind = "upstream_5xx"
	KindTimeout            ErrorKind = "timeout"
	KindTransport          ErrorKind = "transport"
	KindDecode             ErrorKind = "decode"
	KindAllFailed          ErrorKind = "all_providers_failed"
)

// Retryable reports whether another attempt may succeed. Everything else is
// either a caller mistake (auth, validation), a hard budget (quota, local
// rate limit, open circuit) or a terminal condition.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindUpstreamRateLimit, KindUpstream5xx, KindTimeout, KindTransport:
		return true
	default:
		return false
	}
}

// Error is the classified failure adapters and gateway components return.
// Message must already be safe to surface: no credentials, no full URLs.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus lets callers embedding the gateway map failures onto their own
// HTTP surface without inspecting kinds.
func (e *Error) HTTPStatus() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindProviderNotFound:
		return http.StatusNotFound
	case KindRateLimited, KindUpstreamRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCircuitOpen, KindNotInitialized:
		return http.StatusServiceUnavailable
	case KindUpstreamValidation:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// Retryable reports whether the error kind permits another attempt.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// NotFound builds the registry's unknown-provider error.
func NotFound(id string) *Error {
	return &Error{Kind: KindProviderNotFound, StatusCode: http.StatusNotFound, Message: "provider " + id + " not found"}
}

// NotInitialized signals a known provider whose adapter could not be built,
// usually because the sealed credential cannot be opened anymore.
func NotInitialized(id string, cause error) *Error {
	msg := "provider " + id + " has no usable adapter"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &Error{Kind: KindNotInitialized, StatusCode: http.StatusServiceUnavailable, Message: msg}
}

// AllFailed is the terminal error after every routed candidate was tried or
// skipped without a success.
func AllFailed(attempts int, last error) *Error {
	msg := fmt.Sprintf("all providers failed after %d attempt(s)", attempts)
	if last != nil {
		msg += ": " + last.Error()
	}
	return &Error{Kind: KindAllFailed, StatusCode: http.StatusBadGateway, Message: msg}
}

// NewHTTPError classifies an upstream HTTP status into an *Error. The body
// or SDK message is kept verbatim; adapters are responsible for passing only
// response text, never request material.
func NewHTTPError(status int, message string) *Error {
	return &Error{Kind: ClassifyStatus(status, message), StatusCode: status, Message: message}
}

// ClassifyStatus maps an upstream HTTP status onto an ErrorKind. 403 and 429
// responses mentioning quota or billing are treated as quota exhaustion
// rather than auth or rate limiting.
func ClassifyStatus(status int, message string) ErrorKind {
	lower := strings.ToLower(message)
	quotaish := strings.Contains(lower, "quota") || strings.Contains(lower, "billing")
	switch {
	case status == http.StatusUnauthorized:
		return KindUpstreamAuth
	case status == http.StatusForbidden:
		if quotaish {
			return KindUpstreamQuota
		}
		return KindUpstreamAuth
	case status == http.StatusPaymentRequired:
		return KindUpstreamQuota
	case status == http.StatusTooManyRequests:
		if quotaish {
			return KindUpstreamQuota
		}
		return KindUpstreamRateLimit
	case status >= 500:
		return KindUpstream5xx
	case status >= 400:
		return KindUpstreamValidation
	default:
		return KindTransport
	}
}

// Classify reduces an arbitrary error to its kind. Unclassified errors are
// treated as transport failures, which keeps them retryable.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

// Retryable reports whether err permits another attempt against the same or
// a different provider.
func Retryable(err error) bool { return Classify(err).Retryable() }
