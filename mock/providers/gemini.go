package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler fakes the Google Gemini API surface the genai SDK hits:
//
//	POST {base}/v1beta/models/{model}:generateContent
//	POST {base}/v1beta/models/{model}:streamGenerateContent?alt=sse
//	GET  {base}/v1beta/models
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		model := extractGeminiModel(path)

		switch {
		case strings.HasSuffix(path, ":generateContent"):
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGeminiGenerate(w, cfg, model, false)

		case strings.HasSuffix(path, ":streamGenerateContent"):
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGeminiGenerate(w, cfg, model, true)

		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
		}
	})

	// Model list, hit by ListModels and the health prober.
	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{
					"name":        "models/gemini-2.0-flash",
					"displayName": "Gemini 2.0 Flash",
					"description": "Mock Gemini 2.0 Flash",
				},
				{
					"name":        "models/gemini-1.5-pro",
					"displayName": "Gemini 1.5 Pro",
					"description": "Mock Gemini 1.5 Pro",
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func handleGeminiGenerate(w http.ResponseWriter, cfg Config, model string, stream bool) {
	id := fmt.Sprintf("gemini-%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens := 10
	outTokens := cfg.StreamWords

	response := func(text, finish string, withUsage bool) map[string]any {
		candidate := map[string]any{
			"content": map[string]any{
				"role": "model",
				"parts": []map[string]string{
					{"text": text},
				},
			},
			"index": 0,
		}
		if finish != "" {
			candidate["finishReason"] = finish
		}
		resp := map[string]any{
			"candidates":   []any{candidate},
			"responseId":   id,
			"modelVersion": model,
		}
		if withUsage {
			resp["usageMetadata"] = map[string]int{
				"promptTokenCount":     inTokens,
				"candidatesTokenCount": outTokens,
				"totalTokenCount":      inTokens + outTokens,
			}
		}
		return resp
	}

	if !stream {
		writeJSON(w, http.StatusOK, response(content, "STOP", true))
		return
	}

	// The SDK requests alt=sse and reads data lines, one
	// GenerateContentResponse each.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	words := strings.Fields(content)
	for i, word := range words {
		text := word + " "
		finish := ""
		withUsage := false
		if i == len(words)-1 {
			finish = "STOP"
			withUsage = true
		}
		data, _ := json.Marshal(response(text, finish, withUsage))
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}

// extractGeminiModel pulls the model name out of a path like
// /v1beta/models/gemini-2.0-flash:generateContent.
func extractGeminiModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.0-flash"
}
