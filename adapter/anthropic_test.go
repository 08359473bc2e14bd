package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/provider-gateway/providers"
)

func newAnthropicTest(t *testing.T, srv *httptest.Server) providers.Invoker {
	t.Helper()
	inv, err := New(context.Background(), Settings{
		Dialect:    providers.DialectAnthropic,
		BaseURL:    srv.URL,
		Credential: "mock-api-key",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return inv
}

func anthropicMessage(w http.ResponseWriter, text string, inTok, outTok int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":    "msg_01",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-sonnet-4-20250514",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  inTok,
			"output_tokens": outTok,
		},
	})
}

func TestAnthropic_Invoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("expected messages path, got %q", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "mock-api-key" {
			t.Errorf("missing or wrong X-Api-Key header: %s", r.Header.Get("X-Api-Key"))
		}
		anthropicMessage(w, "Hello, world!", 10, 5)
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
	res, err := newAnthropicTest(t, srv).Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "Hello, world!" {
		t.Errorf("content = %q, want 'Hello, world!'", res.Content)
	}
	if res.Usage == nil || res.Usage.PromptTokens != 10 || res.Usage.CompletionTokens != 5 || res.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestAnthropic_Invoke_LiftsSystemTurns(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		anthropicMessage(w, "OK", 1, 1)
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model: "claude-sonnet-4-20250514",
		Messages: []providers.Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "Hello"},
			{Role: "assistant", Content: "Hi."},
			{Role: "user", Content: "Bye"},
		},
	}
	if _, err := newAnthropicTest(t, srv).Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	system, ok := captured["system"].([]any)
	if !ok || len(system) == 0 {
		t.Fatalf("expected system blocks, got %v", captured["system"])
	}
	if block, _ := system[0].(map[string]any); block["text"] != "You are terse." {
		t.Errorf("system text = %v", block["text"])
	}

	msgs, _ := captured["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 turns after lifting system, got %d", len(msgs))
	}
	second, _ := msgs[1].(map[string]any)
	if second["role"] != "assistant" {
		t.Errorf("second turn role = %v, want assistant", second["role"])
	}

	// The Messages API requires max_tokens; unset budgets get the default.
	if captured["max_tokens"] != float64(defaultAnthropicMaxTokens) {
		t.Errorf("max_tokens = %v, want %d", captured["max_tokens"], defaultAnthropicMaxTokens)
	}
}

func TestAnthropic_Invoke_ErrorClassification(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		errType string
		message string
		kind    providers.ErrorKind
	}{
		{"rate limit", 429, "rate_limit_error", "Number of request tokens has exceeded your per-minute rate limit", providers.KindUpstreamRateLimit},
		{"auth", 401, "authentication_error", "invalid x-api-key", providers.KindUpstreamAuth},
		{"overloaded", 529, "overloaded_error", "Overloaded", providers.KindUpstream5xx},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"type": "error",
					"error": map[string]any{
						"type":    tc.errType,
						"message": tc.message,
					},
				})
			}))
			defer srv.Close()

			req := &providers.ChatRequest{
				Model:    "claude-sonnet-4-20250514",
				Messages: []providers.Message{{Role: "user", Content: "Hello"}},
			}
			_, err := newAnthropicTest(t, srv).Invoke(context.Background(), req)
			var perr *providers.Error
			if !errors.As(err, &perr) {
				t.Fatalf("expected *providers.Error, got %T: %v", err, err)
			}
			if perr.Kind != tc.kind {
				t.Errorf("kind = %s, want %s", perr.Kind, tc.kind)
			}
			if perr.StatusCode != tc.status {
				t.Errorf("status = %d, want %d", perr.StatusCode, tc.status)
			}
			if strings.Contains(perr.Message, srv.URL) {
				t.Errorf("message leaks the request URL: %q", perr.Message)
			}
		})
	}
}

func TestAnthropic_InvokeStream_Success(t *testing.T) {
	events := []struct{ event, data string }{
		{"message_start", `{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"stop_reason":null,"usage":{"input_tokens":10,"output_tokens":0}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.event, ev.data)
			if ok {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
	stream, err := newAnthropicTest(t, srv).InvokeStream(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content, finish string
	for chunk := range stream.Chunks {
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if content != "Hello world" {
		t.Errorf("content = %q, want 'Hello world'", content)
	}
	if finish != finishStop {
		t.Errorf("finish reason = %q, want %q", finish, finishStop)
	}
}

func TestAnthropic_InvokeStream_HandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "rate_limit_error", "message": "rate limited"},
		})
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
	_, err := newAnthropicTest(t, srv).InvokeStream(context.Background(), req)
	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected classified handshake error, got %T: %v", err, err)
	}
	if perr.Kind != providers.KindUpstreamRateLimit {
		t.Errorf("kind = %s, want %s", perr.Kind, providers.KindUpstreamRateLimit)
	}
}

func TestAnthropic_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models") {
			t.Errorf("expected models path, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{
				map[string]any{"id": "claude-sonnet-4-20250514", "type": "model", "display_name": "Claude Sonnet 4", "created_at": "2025-05-14T00:00:00Z"},
			},
			"has_more": false,
			"first_id": "claude-sonnet-4-20250514",
			"last_id":  "claude-sonnet-4-20250514",
		})
	}))
	defer srv.Close()

	models, err := newAnthropicTest(t, srv).ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 1 || models[0] != "claude-sonnet-4-20250514" {
		t.Errorf("models = %v", models)
	}
}
