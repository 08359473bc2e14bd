package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/provider-gateway/providers"
)

func newOllamaTest(t *testing.T, srv *httptest.Server, credential string) providers.Invoker {
	t.Helper()
	inv, err := New(context.Background(), Settings{
		Dialect:    providers.DialectOllama,
		BaseURL:    srv.URL,
		Credential: credential,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return inv
}

func TestOllama_Invoke_Success(t *testing.T) {
	var captured ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("expected /api/chat, got %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("no credential configured, got Authorization %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           "llama3.2",
			Message:         providers.Message{Role: "assistant", Content: "Hello!"},
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       7,
		})
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model:       "llama3.2",
		Messages:    []providers.Message{{Role: "user", Content: "Hello"}},
		Temperature: 0.5,
		MaxTokens:   100,
	}
	res, err := newOllamaTest(t, srv, "").Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.Stream {
		t.Error("non-streaming call should send stream=false")
	}
	if captured.Options == nil || captured.Options.Temperature != 0.5 || captured.Options.NumPredict != 100 {
		t.Errorf("options = %+v", captured.Options)
	}
	if res.Content != "Hello!" {
		t.Errorf("content = %q, want 'Hello!'", res.Content)
	}
	if res.Usage == nil || res.Usage.PromptTokens != 12 || res.Usage.CompletionTokens != 7 || res.Usage.TotalTokens != 19 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestOllama_Invoke_BearerWhenCredentialSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Errorf("Authorization = %q, want 'Bearer token-1'", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:   "llama3.2",
			Message: providers.Message{Role: "assistant", Content: "ok"},
			Done:    true,
		})
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model:    "llama3.2",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
	res, err := newOllamaTest(t, srv, "token-1").Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Usage != nil {
		t.Errorf("usage should be nil without eval counts, got %+v", res.Usage)
	}
}

func TestOllama_Invoke_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "model 'nope' not found"})
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model:    "nope",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
	_, err := newOllamaTest(t, srv, "").Invoke(context.Background(), req)
	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if perr.Kind != providers.KindUpstreamValidation {
		t.Errorf("kind = %s, want %s", perr.Kind, providers.KindUpstreamValidation)
	}
	if perr.Message != "model 'nope' not found" {
		t.Errorf("message = %q", perr.Message)
	}
}

func TestOllama_InvokeStream_Degraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:   "llama3.2",
			Message: providers.Message{Role: "assistant", Content: "one shot"},
			Done:    true,
		})
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model:    "llama3.2",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
	stream, err := newOllamaTest(t, srv, "").InvokeStream(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stream.Degraded {
		t.Error("native API streaming is unsupported, stream should be degraded")
	}

	chunk := <-stream.Chunks
	if chunk.Content != "one shot" || chunk.FinishReason != finishStop {
		t.Errorf("chunk = %+v", chunk)
	}
	if _, ok := <-stream.Chunks; ok {
		t.Error("expected single-chunk stream")
	}
}

func TestOllama_ListModelsAndProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("expected /api/tags, got %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []any{
				map[string]any{"name": "llama3.2:latest"},
				map[string]any{"name": "qwen2.5:7b"},
			},
		})
	}))
	defer srv.Close()

	inv := newOllamaTest(t, srv, "")
	models, err := inv.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.2:latest" || models[1] != "qwen2.5:7b" {
		t.Errorf("models = %v", models)
	}

	if err := inv.Probe(context.Background()); err != nil {
		t.Errorf("probe: unexpected error: %v", err)
	}
}

func TestOllama_Probe_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newOllamaTest(t, srv, "").Probe(context.Background())
	if providers.Classify(err) != providers.KindUpstream5xx {
		t.Errorf("probe error kind = %s, want %s", providers.Classify(err), providers.KindUpstream5xx)
	}
}
