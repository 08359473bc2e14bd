package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status  int
		message string
		want    ErrorKind
	}{
		{401, "invalid api key", KindUpstreamAuth},
		{403, "forbidden", KindUpstreamAuth},
		{403, "monthly quota exceeded", KindUpstreamQuota},
		{402, "payment required", KindUpstreamQuota},
		{400, "bad request", KindUpstreamValidation},
		{404, "model not found", KindUpstreamValidation},
		{422, "unprocessable", KindUpstreamValidation},
		{418, "teapot", KindUpstreamValidation},
		{429, "slow down", KindUpstreamRateLimit},
		{429, "billing hard limit reached", KindUpstreamQuota},
		{500, "internal error", KindUpstream5xx},
		{503, "overloaded", KindUpstream5xx},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_%s", tc.status, tc.want), func(t *testing.T) {
			if got := ClassifyStatus(tc.status, tc.message); got != tc.want {
				t.Fatalf("ClassifyStatus(%d, %q) = %s, want %s", tc.status, tc.message, got, tc.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(NewHTTPError(503, "overloaded")); got != KindUpstream5xx {
		t.Fatalf("expected upstream_5xx, got %s", got)
	}
	wrapped := fmt.Errorf("call failed: %w", NewHTTPError(401, "nope"))
	if got := Classify(wrapped); got != KindUpstreamAuth {
		t.Fatalf("expected upstream_auth through wrapping, got %s", got)
	}
	if got := Classify(context.DeadlineExceeded); got != KindTimeout {
		t.Fatalf("expected timeout, got %s", got)
	}
	if got := Classify(errors.New("connection refused")); got != KindTransport {
		t.Fatalf("expected transport for unclassified errors, got %s", got)
	}
	if got := Classify(nil); got != "" {
		t.Fatalf("expected empty kind for nil error, got %s", got)
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	retryable := []ErrorKind{KindUpstreamRateLimit, KindUpstream5xx, KindTimeout, KindTransport}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	terminal := []ErrorKind{
		KindProviderNotFound, KindNotInitialized, KindCircuitOpen, KindRateLimited,
		KindUpstreamAuth, KindUpstreamValidation, KindUpstreamQuota, KindDecode, KindAllFailed,
	}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestError_HTTPStatus(t *testing.T) {
	if got := NewHTTPError(429, "x").HTTPStatus(); got != 429 {
		t.Fatalf("expected upstream status to pass through, got %d", got)
	}
	e := &Error{Kind: KindCircuitOpen, Message: "open"}
	if got := e.HTTPStatus(); got != 503 {
		t.Fatalf("expected 503 for circuit_open, got %d", got)
	}
	if got := NotFound("p1").HTTPStatus(); got != 404 {
		t.Fatalf("expected 404 for not found, got %d", got)
	}
}

func TestError_MessageDoesNotEcho(t *testing.T) {
	e := NotInitialized("p1", errors.New("cipher: message authentication failed"))
	msg := e.Error()
	if msg == "" {
		t.Fatal("expected non-empty message")
	}
	// The kind is part of the rendered error so callers can log it raw.
	if got := Classify(e); got != KindNotInitialized {
		t.Fatalf("expected not_initialized, got %s", got)
	}
}
