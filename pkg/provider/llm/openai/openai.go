// Package openai provides the OpenAI-compatible LLM provider.
//
// It speaks the chat completions API through github.com/openai/openai-go and
// works against api.openai.com as well as any compatible gateway (OpenRouter,
// DeepSeek, local vLLM) selected with a base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// Priority is the router priority of this provider family.
const Priority = 0

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type config struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a new OpenAI LLM Provider.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries belong to the chat engine.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Applicable reports whether req should be served by this provider: a model
// from a known family, an API key, and none of the flags that select another
// provider.
func Applicable(req *llm.Request) bool {
	return !req.Free && !req.Gemini && !req.MakeRequest && req.APIKey != "" && KnownFamily(req.Model)
}

// NewGenerator returns the OpenAI-compatible [llm.Generator]. A provider is
// built per request from the request's credentials.
func NewGenerator(opts ...Option) *llm.Backend {
	return llm.NewBackend(llm.KindOpenAI, Priority, Applicable,
		func(_ context.Context, req *llm.Request) (llm.Provider, error) {
			o := slices.Clone(opts)
			if req.BaseURL != "" {
				o = append(o, WithBaseURL(req.BaseURL))
			}
			return New(req.APIKey, req.Model, o...)
		})
}

// knownFamilies are model name prefixes served by OpenAI-compatible APIs.
// Vendor-prefixed names ("openai/gpt-4o") are matched after the slash too.
var knownFamilies = []string{
	"gpt-", "chatgpt-", "o1", "o3", "o4",
	"deepseek", "claude", "gemini", "gemma", "llama", "meta-llama",
	"mistral", "mixtral", "qwen", "grok", "command", "phi-",
}

// KnownFamily reports whether model belongs to a known family.
func KnownFamily(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return false
	}
	if _, after, ok := strings.Cut(m, "/"); ok {
		m = after
	}
	for _, f := range knownFamilies {
		if strings.HasPrefix(m, f) {
			return true
		}
	}
	return false
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, extra, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, extra...)
	if err := stream.Err(); err != nil {
		return nil, wrapErr(err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		acc := toolCallAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			for _, tc := range choice.Delta.ToolCalls {
				acc.add(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)
			}

			out := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
			if choice.FinishReason != "" {
				out.ToolCalls = acc.calls()
			}
			if out.Text == "" && out.FinishReason == "" {
				continue
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: wrapErr(err).Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, extra, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params, extra...)
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.Error{Kind: llm.KindMalformed, Provider: llm.KindOpenAI, Err: errors.New("empty choices in response")}
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// wrapErr classifies SDK errors by HTTP status and logs the response body of
// non-2xx replies.
func wrapErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		slog.Warn("openai: request failed", "status", apiErr.StatusCode, "body", apiErr.Error())
		return llm.NewError(llm.KindOpenAI, apiErr.StatusCode, err)
	}
	return llm.NewError(llm.KindOpenAI, 0, err)
}

func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}

	lower := strings.ToLower(model)
	if _, after, ok := strings.Cut(lower, "/"); ok {
		lower = after
	}
	switch {
	case strings.HasPrefix(lower, "gpt-4o"), strings.HasPrefix(lower, "gpt-4.1"):
		caps.MaxOutputTokens = 16_384
		caps.SupportsVision = true
	case strings.HasPrefix(lower, "gpt-4-turbo"):
		caps.SupportsVision = true
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(lower, "o1-mini"):
		caps.MaxOutputTokens = 65_536
		caps.SupportsToolCalling = false
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
		caps.SupportsVision = !strings.Contains(lower, "mini")
	case strings.HasPrefix(lower, "gemini"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
		caps.SupportsVision = true
	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
		caps.SupportsVision = true
	case strings.HasPrefix(lower, "deepseek"):
		caps.ContextWindow = 64_000
		caps.MaxOutputTokens = 8_192
	}
	return caps
}

// buildParams converts a CompletionRequest into SDK params. Parameters the
// SDK has no field for are returned as request options.
func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, []option.RequestOption, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, nil, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}

	var extra []option.RequestOption
	pr := req.Params
	if pr.Temperature != nil {
		params.Temperature = param.NewOpt(*pr.Temperature)
	}
	if pr.TopP != nil {
		params.TopP = param.NewOpt(*pr.TopP)
	}
	if pr.PresencePenalty != nil {
		params.PresencePenalty = param.NewOpt(*pr.PresencePenalty)
	}
	if pr.FrequencyPenalty != nil {
		params.FrequencyPenalty = param.NewOpt(*pr.FrequencyPenalty)
	}
	if pr.MaxTokens != nil {
		params.MaxCompletionTokens = param.NewOpt(int64(*pr.MaxTokens))
	}
	if pr.TopK != nil {
		extra = append(extra, option.WithJSONSet("top_k", *pr.TopK))
	}
	if len(pr.Stop) > 0 {
		extra = append(extra, option.WithJSONSet("stop", pr.Stop))
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	return params, extra, nil
}

// convertMessage converts a types.Message to an OpenAI SDK message param.
// Multimodal user messages keep their image parts.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Text()), nil

	case types.RoleUser:
		if len(m.Images()) == 0 {
			return oai.UserMessage(m.Text()), nil
		}
		parts := make([]oai.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case types.PartText:
				parts = append(parts, oai.TextContentPart(p.Text))
			case types.PartImage:
				parts = append(parts, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: p.URL}))
			}
		}
		return oai.UserMessage(parts), nil

	case types.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if text := m.Text(); text != "" {
			asst.Content.OfString = oai.String(text)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case types.RoleTool:
		return oai.ToolMessage(m.Text(), m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

// toolCallAccumulator joins streamed tool-call fragments by index.
type toolCallAccumulator map[int]*types.ToolCall

func (a toolCallAccumulator) add(idx int, id, name, args string) {
	tc, ok := a[idx]
	if !ok {
		tc = &types.ToolCall{}
		a[idx] = tc
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += args
}

func (a toolCallAccumulator) calls() []types.ToolCall {
	if len(a) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(a))
	for i := range a {
		idxs = append(idxs, i)
	}
	slices.Sort(idxs)
	out := make([]types.ToolCall, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, *a[i])
	}
	return out
}
