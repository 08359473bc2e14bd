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

// The base URL handed to the client keeps an API version segment so
// splitBaseURLAndVersion can extract it the way real records do.
func newGeminiTest(t *testing.T, srv *httptest.Server) providers.Invoker {
	t.Helper()
	inv, err := New(context.Background(), Settings{
		Dialect:    providers.DialectGemini,
		BaseURL:    srv.URL + "/v1beta",
		Credential: "mock-api-key",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return inv
}

func geminiGenerateResponse(text string) map[string]any {
	return map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     10,
			"candidatesTokenCount": 5,
		},
	}
}

func TestGemini_Invoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotKey := r.URL.Query().Get("key")
		if gotKey == "" {
			gotKey = r.Header.Get("X-Goog-Api-Key")
		}
		if gotKey != "mock-api-key" {
			t.Errorf("expected api key in query or header, got %q", gotKey)
		}
		if !strings.Contains(r.URL.Path, "gemini-2.0-flash") || !strings.Contains(r.URL.Path, "generateContent") {
			t.Errorf("expected model and action in path, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(geminiGenerateResponse("Hello, world!"))
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
	res, err := newGeminiTest(t, srv).Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "Hello, world!" {
		t.Errorf("content = %q, want 'Hello, world!'", res.Content)
	}
	if res.Usage == nil || res.Usage.PromptTokens != 10 || res.Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestGemini_Invoke_RoleAndSystemMapping(t *testing.T) {
	var captured struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(geminiGenerateResponse("OK"))
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []providers.Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "What is 2+2?"},
			{Role: "assistant", Content: "4"},
			{Role: "user", Content: "And 3+3?"},
		},
	}
	if _, err := newGeminiTest(t, srv).Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.SystemInstruction == nil || len(captured.SystemInstruction.Parts) == 0 {
		t.Fatal("expected systemInstruction to be set")
	}
	if captured.SystemInstruction.Parts[0].Text != "You are a helpful assistant." {
		t.Errorf("systemInstruction = %q", captured.SystemInstruction.Parts[0].Text)
	}

	if len(captured.Contents) != 3 {
		t.Fatalf("expected 3 contents after lifting system, got %d", len(captured.Contents))
	}
	if captured.Contents[1].Role != "model" {
		t.Errorf("assistant turn role = %q, want 'model'", captured.Contents[1].Role)
	}
	if captured.Contents[0].Role != "user" || captured.Contents[2].Role != "user" {
		t.Errorf("user turns mapped to %q / %q", captured.Contents[0].Role, captured.Contents[2].Role)
	}
}

func TestGemini_Invoke_ErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   providers.ErrorKind
	}{
		{
			"quota exhausted", 429,
			`{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`,
			providers.KindUpstreamQuota,
		},
		{
			"server error", 500,
			`{"error":{"code":500,"message":"Internal server error","status":"INTERNAL"}}`,
			providers.KindUpstream5xx,
		},
		{
			"bad key", 401,
			`{"error":{"code":401,"message":"API key not valid.","status":"UNAUTHENTICATED"}}`,
			providers.KindUpstreamAuth,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				fmt.Fprintln(w, tc.body)
			}))
			defer srv.Close()

			req := &providers.ChatRequest{
				Model:    "gemini-2.0-flash",
				Messages: []providers.Message{{Role: "user", Content: "Hello"}},
			}
			_, err := newGeminiTest(t, srv).Invoke(context.Background(), req)
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
		})
	}
}

func TestGemini_InvokeStream_Success(t *testing.T) {
	chunks := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"finishReason":"STOP"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "streamGenerateContent") {
			t.Errorf("expected streamGenerateContent in path, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
	stream, err := newGeminiTest(t, srv).InvokeStream(context.Background(), req)
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

func TestGemini_InvokeStream_HandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
	_, err := newGeminiTest(t, srv).InvokeStream(context.Background(), req)
	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected classified handshake error, got %T: %v", err, err)
	}
	if perr.Kind != providers.KindUpstreamQuota {
		t.Errorf("kind = %s, want %s", perr.Kind, providers.KindUpstreamQuota)
	}
}

func TestGemini_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "models") {
			t.Errorf("expected models path, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []any{
				map[string]any{"name": "models/gemini-2.0-flash"},
				map[string]any{"name": "models/gemini-2.5-pro"},
			},
		})
	}))
	defer srv.Close()

	models, err := newGeminiTest(t, srv).ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "gemini-2.0-flash" || models[1] != "gemini-2.5-pro" {
		t.Errorf("models = %v", models)
	}
}
