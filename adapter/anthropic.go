package adapter

import (
	"context"
	"errors"
	"strings"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// defaultAnthropicMaxTokens caps completions when the caller sets no budget;
// the Messages API requires an explicit max_tokens.
const defaultAnthropicMaxTokens = 4096

// anthropic speaks the Anthropic Messages dialect.
type anthropic struct {
	client anthropicSDK.Client
}

func newAnthropic(s Settings) *anthropic {
	opts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(s.Credential),
		anthropicopt.WithHTTPClient(s.httpClient()),
		anthropicopt.WithMaxRetries(0),
	}
	if s.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(s.BaseURL))
	}
	return &anthropic{client: anthropicSDK.NewClient(opts...)}
}

// buildParams lifts system turns into the dedicated system prompt; the
// Messages API accepts only user and assistant roles in the turn list.
func (a *anthropic) buildParams(req *providers.ChatRequest) anthropicSDK.MessageNewParams {
	var system string
	msgs := make([]anthropicSDK.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if system != "" {
				system += "\n"
			}
			system += m.Content
		default:
			role := anthropicSDK.MessageParamRoleUser
			if m.Role == "assistant" {
				role = anthropicSDK.MessageParamRoleAssistant
			}
			msgs = append(msgs, anthropicSDK.MessageParam{
				Role: role,
				Content: []anthropicSDK.ContentBlockParamUnion{
					{OfText: &anthropicSDK.TextBlockParam{Text: m.Content}},
				},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropicSDK.Float(req.Temperature)
	}
	return params
}

func (a *anthropic) Invoke(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	msg, err := a.client.Messages.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, a.classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &providers.ChatResult{
		Content: sb.String(),
		Model:   string(msg.Model),
		Usage: &providers.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}, nil
}

func (a *anthropic) InvokeStream(ctx context.Context, req *providers.ChatRequest) (*providers.ChatStream, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(req))

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

		emit := func(ev anthropicSDK.MessageStreamEventUnion) bool {
			switch event := ev.AsAny().(type) {
			case anthropicSDK.ContentBlockDeltaEvent:
				switch delta := event.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					if delta.Text != "" {
						return push(ctx, out, providers.StreamChunk{Content: delta.Text})
					}
				case *anthropicSDK.TextDelta:
					if delta.Text != "" {
						return push(ctx, out, providers.StreamChunk{Content: delta.Text})
					}
				}
			case anthropicSDK.MessageStopEvent:
				return push(ctx, out, providers.StreamChunk{FinishReason: finishStop})
			}
			return true
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

func (a *anthropic) ListModels(ctx context.Context) ([]string, error) {
	page, err := a.client.Models.List(ctx, anthropicSDK.ModelListParams{})
	if err != nil {
		return nil, a.classify(err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (a *anthropic) Probe(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return a.classify(err)
	}
	return nil
}

func (a *anthropic) classify(err error) error {
	var apierr *anthropicSDK.Error
	if errors.As(err, &apierr) {
		return providers.NewHTTPError(apierr.StatusCode, sdkErrMessage(apierr.Error(), apierr.StatusCode))
	}
	return transportError(err)
}
