package adapter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// gemini speaks the Google GenAI dialect.
type gemini struct {
	client *genai.Client
}

func newGemini(ctx context.Context, s Settings) (*gemini, error) {
	cfg := &genai.ClientConfig{
		APIKey:     s.Credential,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: s.httpClient(),
	}
	if s.BaseURL != "" {
		base, version := splitBaseURLAndVersion(s.BaseURL)
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base, APIVersion: version}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("adapter: gemini client: %w", err)
	}
	return &gemini{client: client}, nil
}

// buildContents maps the uniform turns onto GenAI roles: assistant becomes
// model, system turns are lifted into the system instruction.
func (g *gemini) buildContents(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

func (g *gemini) Invoke(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	contents, cfg := g.buildContents(req)

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, classifyGemini(err)
	}
	if resp == nil {
		return nil, decodeError("an empty response")
	}

	res := &providers.ChatResult{Content: resp.Text(), Model: req.Model}
	if resp.UsageMetadata != nil {
		in, out := int(resp.UsageMetadata.PromptTokenCount), int(resp.UsageMetadata.CandidatesTokenCount)
		res.Usage = &providers.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		}
	}
	return res, nil
}

func (g *gemini) InvokeStream(ctx context.Context, req *providers.ChatRequest) (*providers.ChatStream, error) {
	contents, cfg := g.buildContents(req)

	// The SDK exposes the stream as a range-over-func sequence; pull it so
	// the first response (where handshake failures surface) can be checked
	// before a stream handle is handed back.
	next, stop := iter.Pull2(g.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg))

	resp, err, ok := next()
	if !ok {
		stop()
		return emptyStream(), nil
	}
	if err != nil {
		stop()
		return nil, classifyGemini(err)
	}

	out := make(chan providers.StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		defer stop()

		for {
			if text := candidateText(resp); text != "" {
				if !push(ctx, out, providers.StreamChunk{Content: text}) {
					return
				}
			}
			resp, err, ok = next()
			if !ok {
				push(ctx, out, providers.StreamChunk{FinishReason: finishStop})
				return
			}
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					push(ctx, out, providers.StreamChunk{FinishReason: finishError})
				}
				return
			}
		}
	}()

	return &providers.ChatStream{Chunks: out}, nil
}

func (g *gemini) ListModels(ctx context.Context) ([]string, error) {
	page, err := g.client.Models.List(ctx, &genai.ListModelsConfig{})
	if err != nil {
		return nil, classifyGemini(err)
	}
	ids := make([]string, 0, len(page.Items))
	for _, m := range page.Items {
		if m == nil {
			continue
		}
		ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
	}
	return ids, nil
}

func (g *gemini) Probe(ctx context.Context) error {
	if _, err := g.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return classifyGemini(err)
	}
	return nil
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	c := resp.Candidates[0].Content
	if c == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func classifyGemini(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		msg := apierr.Message
		if msg == "" {
			msg = apierr.Status
		}
		return providers.NewHTTPError(apierr.Code, msg)
	}
	return transportError(err)
}

// splitBaseURLAndVersion separates a trailing API-version path segment
// (v1, v1beta, ...) from the endpoint so the SDK does not double it.
func splitBaseURLAndVersion(raw string) (string, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ensureTrailingSlash(u.String()), ""
	}

	parts := strings.Split(path, "/")
	var version string
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		version = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}
	return ensureTrailingSlash(u.String()), version
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

func ensureTrailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
