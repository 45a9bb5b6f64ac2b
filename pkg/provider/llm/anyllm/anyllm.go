// Package anyllm provides the fallback "free" LLM provider backed by
// github.com/mozilla-ai/any-llm-go.
//
// It is selected only when a request explicitly asks for the free route and
// targets local or free-tier backends: Ollama by default, or llama.cpp,
// llamafile, Groq, Mistral, DeepSeek and the other any-llm-go providers.
//
// Usage:
//
//	p, err := anyllm.New("ollama", "llama3.1")
//	p, err := anyllm.New("groq", "llama-3.1-8b-instant", anyllmlib.WithAPIKey("gsk-..."))
package anyllm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// Priority is the router priority of this provider family.
const Priority = 3

// Defaults used when the generator is not configured otherwise.
const (
	DefaultBackend = "ollama"
	DefaultModel   = "llama3.1"
)

// Backends lists the supported any-llm-go backend names.
var Backends = []string{"ollama", "llamacpp", "llamafile", "groq", "mistral", "deepseek", "openai", "anthropic", "gemini"}

// Provider implements llm.Provider by wrapping an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider on the named any-llm-go backend. Without an API key
// option the backend reads its usual environment variable; local backends
// need none.
func New(backendName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backend name must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}
	return &Provider{backend: backend, name: strings.ToLower(backendName), model: model}, nil
}

func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "ollama":
		return ollama.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: %s", name, strings.Join(Backends, ", "))
	}
}

// Applicable reports whether req explicitly asks for the free route.
func Applicable(req *llm.Request) bool {
	return req.Free
}

type genConfig struct {
	backend string
	model   string
}

// GeneratorOption configures [NewGenerator].
type GeneratorOption func(*genConfig)

// WithBackend selects the any-llm-go backend.
func WithBackend(name string) GeneratorOption {
	return func(c *genConfig) { c.backend = name }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) GeneratorOption {
	return func(c *genConfig) { c.model = model }
}

// NewGenerator returns the free fallback [llm.Generator].
func NewGenerator(opts ...GeneratorOption) *llm.Backend {
	cfg := genConfig{backend: DefaultBackend, model: DefaultModel}
	for _, o := range opts {
		o(&cfg)
	}
	return llm.NewBackend(llm.KindFree, Priority, Applicable,
		func(_ context.Context, req *llm.Request) (llm.Provider, error) {
			var o []anyllmlib.Option
			if req.APIKey != "" {
				o = append(o, anyllmlib.WithAPIKey(req.APIKey))
			}
			if req.BaseURL != "" {
				o = append(o, anyllmlib.WithBaseURL(req.BaseURL))
			}
			model := req.Model
			if model == "" {
				model = cfg.model
			}
			return New(cfg.backend, model, o...)
		})
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params := p.buildParams(req)
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		acc := map[int]*types.ToolCall{}
		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			for i, tc := range choice.Delta.ToolCalls {
				a, ok := acc[i]
				if !ok {
					a = &types.ToolCall{}
					acc[i] = a
				}
				if tc.ID != "" {
					a.ID = tc.ID
				}
				if tc.Function.Name != "" {
					a.Name = tc.Function.Name
				}
				a.Arguments += tc.Function.Arguments
			}

			out := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
			if choice.FinishReason != "" {
				for i := 0; i < len(acc); i++ {
					if tc, ok := acc[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
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

		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: llm.NewError(llm.KindFree, 0, err).Error()}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, llm.NewError(llm.KindFree, 0, fmt.Errorf("%s: %w", p.name, err))
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.Error{Kind: llm.KindMalformed, Provider: llm.KindFree, Err: fmt.Errorf("%s: empty choices in response", p.name)}
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{Content: choice.Message.ContentString()}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
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

// Capabilities implements llm.Provider. Free backends are treated as
// text-only with a small context window.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{
		ContextWindow:       8_192,
		MaxOutputTokens:     2_048,
		SupportsToolCalling: p.name != "llamafile",
		SupportsStreaming:   true,
	}
}

// buildParams converts a CompletionRequest into anyllm CompletionParams.
// Images are dropped; only temperature and max tokens are forwarded.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	dropped := 0
	for _, m := range req.Messages {
		dropped += len(m.Images())
		messages = append(messages, convertMessage(m))
	}
	if dropped > 0 {
		slog.Debug("anyllm: images dropped for text-only backend", "backend", p.name, "images", dropped)
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: messages}
	if t := req.Params.Temperature; t != nil {
		v := *t
		params.Temperature = &v
	}
	if mt := req.Params.MaxTokens; mt != nil {
		v := *mt
		params.MaxTokens = &v
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}

func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Text(),
		ToolCallID: m.ToolCallID,
	}
	if m.Role == types.RoleTool {
		msg.Name = m.Name
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}
