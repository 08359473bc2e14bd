package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// newOllamaHandler fakes a native Ollama server:
//
//	POST /api/chat  (non-streaming)
//	GET  /api/tags  (model list, hit by ListModels and the health prober)
//
// Records registered with a base URL ending in /v1 take the
// OpenAI-compatible path instead; point those at the OpenAI fake.
func newOllamaHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		model := req.Model
		if model == "" {
			model = "llama3.2"
		}
		content := fakeSentence(cfg.StreamWords)

		writeJSON(w, http.StatusOK, map[string]any{
			"model":      model,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"message": map[string]string{
				"role":    "assistant",
				"content": content,
			},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 10,
			"eval_count":        cfg.StreamWords,
		})
	})

	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "llama3.2", "modified_at": time.Now().UTC().Format(time.RFC3339Nano)},
				{"name": "qwen2.5-coder", "modified_at": time.Now().UTC().Format(time.RFC3339Nano)},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}
