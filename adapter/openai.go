package adapter

import (
	"context"
	"errors"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// openAI speaks the OpenAI chat-completions dialect. It also serves every
// vendor exposing a compatible surface: Mistral, xAI, Groq, OpenRouter,
// vLLM and Ollama's /v1 endpoint differ only in base URL.
type openAI struct {
	dialect providers.Dialect
	client  openaiSDK.Client
}

func newOpenAI(s Settings) *openAI {
	opts := []option.RequestOption{
		option.WithAPIKey(s.Credential),
		option.WithHTTPClient(s.httpClient()),
		// Attempt accounting lives in the executor.
		option.WithMaxRetries(0),
	}
	if base := s.baseURL(); base != "" {
		// The SDK resolves relative paths against the base; without the
		// trailing slash the last path segment (/v1) would be dropped.
		opts = append(opts, option.WithBaseURL(base+"/"))
	}
	return &openAI{dialect: s.Dialect, client: openaiSDK.NewClient(opts...)}
}

func (a *openAI) buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openaiSDK.SystemMessage(m.Content))
		case "developer":
			msgs = append(msgs, openaiSDK.DeveloperMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openaiSDK.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openaiSDK.UserMessage(m.Content))
		}
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

// requestOptions forwards the opaque tools array verbatim; the typed SDK
// params stay out of its way.
func requestOptions(req *providers.ChatRequest) []option.RequestOption {
	if len(req.Tools) == 0 {
		return nil
	}
	return []option.RequestOption{option.WithJSONSet("tools", req.Tools)}
}

func (a *openAI) Invoke(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(req), requestOptions(req)...)
	if err != nil {
		return nil, a.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, decodeError("no choices")
	}

	res := &providers.ChatResult{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
	}
	if resp.Usage.TotalTokens > 0 {
		res.Usage = &providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}
	}
	return res, nil
}

func (a *openAI) InvokeStream(ctx context.Context, req *providers.ChatRequest) (*providers.ChatStream, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.buildParams(req), requestOptions(req)...)

	// Pull the first event synchronously so handshake failures (bad key,
	// unknown model) surface as classified errors instead of dead streams.
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			return emptyStream(), nil
		}
		return nil, a.classify(err)
	}
	first := stream.Current()

	out := make(chan providers.StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()

		emit := func(chunk openaiSDK.ChatCompletionChunk) bool {
			if len(chunk.Choices) == 0 {
				return true
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				return true
			}
			return push(ctx, out, providers.StreamChunk{
				Content:      c.Delta.Content,
				FinishReason: c.FinishReason,
			})
		}

		if !emit(first) {
			return
		}
		for stream.Next() {
			if !emit(stream.Current()) {
				return
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			push(ctx, out, providers.StreamChunk{FinishReason: finishError})
		}
	}()

	return &providers.ChatStream{Chunks: out}, nil
}

func (a *openAI) ListModels(ctx context.Context) ([]string, error) {
	page, err := a.client.Models.List(ctx)
	if err != nil {
		return nil, a.classify(err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (a *openAI) Probe(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx); err != nil {
		return a.classify(err)
	}
	return nil
}

func (a *openAI) classify(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		msg := apierr.Message
		if msg == "" {
			msg = http.StatusText(apierr.StatusCode)
		}
		return providers.NewHTTPError(apierr.StatusCode, msg)
	}
	return transportError(err)
}
