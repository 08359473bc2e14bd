package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// custom speaks operator-described HTTP endpoints. The provider's config map
// may carry transform descriptors:
//
//	request_path   string            appended to the base URL (default "/chat/completions")
//	auth_header    string            default "Authorization"
//	auth_scheme    string            default "Bearer"; "" sends the raw credential
//	rename         map[string]string body key renames for model/messages/temperature/max_tokens/tools
//	static_fields  map[string]any    merged into every request body
//	content_path   string            dot path to the completion text in the response
//	models         []string          model ids advertised by ListModels
//
// Absent descriptors mean an OpenAI-ish JSON POST with best-effort content
// extraction. Streaming degrades to a one-shot call.
type custom struct {
	baseURL    string
	credential string
	httpc      *http.Client
	spec       transformSpec
}

type transformSpec struct {
	RequestPath  string            `json:"request_path"`
	AuthHeader   string            `json:"auth_header"`
	AuthScheme   *string           `json:"auth_scheme"`
	Rename       map[string]string `json:"rename"`
	StaticFields map[string]any    `json:"static_fields"`
	ContentPath  string            `json:"content_path"`
	Models       []string          `json:"models"`
}

func (t transformSpec) authScheme() string {
	if t.AuthScheme == nil {
		return "Bearer"
	}
	return *t.AuthScheme
}

func newCustom(s Settings) (*custom, error) {
	if s.BaseURL == "" {
		return nil, fmt.Errorf("adapter: custom dialect requires a base URL")
	}

	spec, err := parseTransformSpec(s.Config)
	if err != nil {
		return nil, err
	}
	return &custom{
		baseURL:    strings.TrimRight(s.BaseURL, "/"),
		credential: s.Credential,
		httpc:      s.httpClient(),
		spec:       spec,
	}, nil
}

func parseTransformSpec(cfg map[string]any) (transformSpec, error) {
	spec := transformSpec{
		RequestPath: "/chat/completions",
		AuthHeader:  "Authorization",
	}
	if len(cfg) == 0 {
		return spec, nil
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return spec, fmt.Errorf("adapter: custom config: %w", err)
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return spec, fmt.Errorf("adapter: custom config: %w", err)
	}
	if spec.RequestPath == "" {
		spec.RequestPath = "/chat/completions"
	}
	if !strings.HasPrefix(spec.RequestPath, "/") {
		spec.RequestPath = "/" + spec.RequestPath
	}
	if spec.AuthHeader == "" {
		spec.AuthHeader = "Authorization"
	}
	return spec, nil
}

func (c *custom) buildBody(req *providers.ChatRequest) map[string]any {
	body := make(map[string]any, len(c.spec.StaticFields)+5)
	for k, v := range c.spec.StaticFields {
		body[k] = v
	}

	set := func(key string, v any) {
		if renamed, ok := c.spec.Rename[key]; ok && renamed != "" {
			key = renamed
		}
		body[key] = v
	}

	set("messages", req.Messages)
	if req.Model != "" {
		set("model", req.Model)
	}
	if req.Temperature != 0 {
		set("temperature", req.Temperature)
	}
	if req.MaxTokens > 0 {
		set("max_tokens", req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		set("tools", req.Tools)
	}
	return body
}

func (c *custom) Invoke(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	payload, err := json.Marshal(c.buildBody(req))
	if err != nil {
		return nil, transportError(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.spec.RequestPath, bytes.NewReader(payload))
	if err != nil {
		return nil, transportError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, wireError(resp.StatusCode, raw)
	}

	return c.extract(raw, req.Model)
}

// extract pulls the completion text out of the response. With a configured
// content path the path must resolve; without one the common shapes are
// tried and an empty completion is the final fallback.
func (c *custom) extract(raw []byte, model string) (*providers.ChatResult, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, decodeError("invalid JSON")
	}

	res := &providers.ChatResult{Model: model, Usage: extractUsage(data)}
	if m, ok := data["model"].(string); ok && m != "" {
		res.Model = m
	}

	if c.spec.ContentPath != "" {
		text, ok := lookupPath(data, c.spec.ContentPath).(string)
		if !ok {
			return nil, decodeError("nothing at the configured content path")
		}
		res.Content = text
		return res, nil
	}

	for _, path := range []string{"content", "text", "choices.0.message.content"} {
		if text, ok := lookupPath(data, path).(string); ok {
			res.Content = text
			return res, nil
		}
	}
	return res, nil
}

func (c *custom) InvokeStream(ctx context.Context, req *providers.ChatRequest) (*providers.ChatStream, error) {
	res, err := c.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	return oneShotStream(res), nil
}

// ListModels returns the models declared in the adapter config; a custom
// endpoint has no discovery surface to ask.
func (c *custom) ListModels(_ context.Context) ([]string, error) {
	return append([]string(nil), c.spec.Models...), nil
}

// Probe sends the cheapest possible completion; custom endpoints expose no
// metadata route we could hit instead.
func (c *custom) Probe(ctx context.Context) error {
	_, err := c.Invoke(ctx, &providers.ChatRequest{
		Messages:  []providers.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

func (c *custom) authorize(req *http.Request) {
	if c.credential == "" {
		return
	}
	value := c.credential
	if scheme := c.spec.authScheme(); scheme != "" {
		value = scheme + " " + value
	}
	req.Header.Set(c.spec.AuthHeader, value)
}

// lookupPath walks a dot path through decoded JSON; numeric segments index
// into arrays.
func lookupPath(v any, path string) any {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[seg]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

func extractUsage(data map[string]any) *providers.Usage {
	u, ok := data["usage"].(map[string]any)
	if !ok {
		return nil
	}
	num := func(key string) int {
		if f, ok := u[key].(float64); ok {
			return int(f)
		}
		return 0
	}
	usage := &providers.Usage{
		PromptTokens:     num("prompt_tokens"),
		CompletionTokens: num("completion_tokens"),
		TotalTokens:      num("total_tokens"),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	if usage.TotalTokens == 0 {
		return nil
	}
	return usage
}
