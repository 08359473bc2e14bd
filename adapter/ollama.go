package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// ollama speaks the native Ollama chat API, used when a record does not
// point at the OpenAI-compatible /v1 surface. Streaming degrades to a
// one-shot call.
type ollama struct {
	baseURL    string
	credential string
	httpc      *http.Client
}

func newOllama(s Settings) *ollama {
	base := s.baseURL()
	if base == "" {
		base = ollamaDefaultBaseURL
	}
	return &ollama{baseURL: base, credential: s.Credential, httpc: s.httpClient()}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []providers.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaOptions      `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string            `json:"model"`
	Message         providers.Message `json:"message"`
	Done            bool              `json:"done"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (o *ollama) Invoke(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	cr := ollamaChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   false,
	}
	if req.Temperature != 0 || req.MaxTokens > 0 {
		cr.Options = &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		}
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return nil, transportError(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, transportError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	o.authorize(httpReq)

	resp, err := o.httpc.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, wireError(resp.StatusCode, raw)
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, decodeError("invalid JSON")
	}

	res := &providers.ChatResult{Content: out.Message.Content, Model: out.Model}
	if out.PromptEvalCount > 0 || out.EvalCount > 0 {
		res.Usage = &providers.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		}
	}
	return res, nil
}

func (o *ollama) InvokeStream(ctx context.Context, req *providers.ChatRequest) (*providers.ChatStream, error) {
	res, err := o.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	return oneShotStream(res), nil
}

func (o *ollama) ListModels(ctx context.Context) ([]string, error) {
	tags, err := o.tags(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (o *ollama) Probe(ctx context.Context) error {
	_, err := o.tags(ctx)
	return err
}

func (o *ollama) tags(ctx context.Context) (*ollamaTagsResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, transportError(err)
	}
	o.authorize(httpReq)

	resp, err := o.httpc.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, wireError(resp.StatusCode, raw)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, decodeError("invalid JSON")
	}
	return &tags, nil
}

// authorize attaches the bearer token when the record has one; self-hosted
// endpoints usually run without auth.
func (o *ollama) authorize(req *http.Request) {
	if o.credential != "" {
		req.Header.Set("Authorization", "Bearer "+o.credential)
	}
}
