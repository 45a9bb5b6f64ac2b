// Package gemini provides the native Gemini LLM provider built on
// google.golang.org/genai.
//
// Unlike the OpenAI-compatible gateway route, this provider speaks the Gemini
// "contents/parts" shape directly: images travel as inline data, tool calls
// as functionCall parts and tool results as functionResponse parts.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"slices"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// Priority is the router priority of this provider family.
const Priority = 1

const (
	roleUser  = "user"
	roleModel = "model"
)

// Provider implements llm.Provider on the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type config struct {
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Gemini provider for model.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("gemini: model must not be empty")
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	// Vendor prefixes ("google/gemini-2.0-flash") are gateway syntax.
	if _, after, ok := strings.Cut(model, "/"); ok {
		model = after
	}
	return &Provider{client: client, model: model}, nil
}

// Applicable reports whether req selects the native Gemini API.
func Applicable(req *llm.Request) bool {
	return req.Gemini && !req.Free && req.APIKey != ""
}

// NewGenerator returns the Gemini-native [llm.Generator].
func NewGenerator(opts ...Option) *llm.Backend {
	return llm.NewBackend(llm.KindGemini, Priority, Applicable,
		func(ctx context.Context, req *llm.Request) (llm.Provider, error) {
			o := slices.Clone(opts)
			if req.BaseURL != "" {
				o = append(o, WithBaseURL(req.BaseURL))
			}
			return New(ctx, req.APIKey, req.Model, o...)
		})
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	contents, cfg, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, wrapErr(err)
	}
	text, calls, _ := readResponse(resp)
	if text == "" && len(calls) == 0 {
		return nil, &llm.Error{Kind: llm.KindMalformed, Provider: llm.KindGemini, Err: errors.New("no candidate content")}
	}
	out := &llm.CompletionResponse{Content: text, ToolCalls: calls}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	contents, cfg, err := buildRequest(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var (
			calls  []types.ToolCall
			finish string
		)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
			if err != nil {
				send(llm.Chunk{FinishReason: "error", Text: wrapErr(err).Error()})
				return
			}
			text, c, reason := readResponse(resp)
			calls = append(calls, c...)
			if reason != "" {
				finish = reason
			}
			if text != "" && !send(llm.Chunk{Text: text}) {
				return
			}
		}
		if finish == "" && ctx.Err() == nil {
			// The SDK ends the iterator without a finish reason when the
			// server closes the stream early.
			return
		}
		send(llm.Chunk{FinishReason: strings.ToLower(finish), ToolCalls: calls})
	}()
	return ch, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	caps := types.ModelCapabilities{
		ContextWindow:       1_048_576,
		MaxOutputTokens:     8_192,
		SupportsToolCalling: true,
		SupportsVision:      true,
		SupportsStreaming:   true,
	}
	if strings.Contains(p.model, "2.5") {
		caps.MaxOutputTokens = 65_536
	}
	return caps
}

// readResponse extracts text, tool calls and the finish reason of the first
// candidate.
func readResponse(resp *genai.GenerateContentResponse) (string, []types.ToolCall, string) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", nil, ""
	}
	cand := resp.Candidates[0]
	reason := string(cand.FinishReason)
	if cand.Content == nil {
		return "", nil, reason
	}

	var (
		sb    strings.Builder
		calls []types.ToolCall
	)
	for _, part := range cand.Content.Parts {
		switch {
		case part == nil:
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				slog.Warn("gemini: unencodable function call args", "tool", part.FunctionCall.Name, "err", err)
				args = []byte("{}")
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			calls = append(calls, types.ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: string(args)})
		case part.Thought:
		case part.Text != "":
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), calls, reason
}

// buildRequest converts a CompletionRequest into Gemini contents and config.
// Leading system messages become the system instruction; later ones are sent
// as user turns marked with [llm.SystemInfoPrefix].
func buildRequest(req llm.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	cfg := buildConfig(req.Params)

	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}
	msgs := req.Messages
	for len(msgs) > 0 && msgs[0].Role == types.RoleSystem {
		system = append(system, msgs[0].Text())
		msgs = msgs[1:]
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Role:  roleUser,
			Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}},
		}
	}

	var contents []*genai.Content
	for _, m := range msgs {
		c, err := convertMessage(m)
		if err != nil {
			return nil, nil, err
		}
		// Consecutive tool results answer one model turn.
		if m.Role == types.RoleTool && len(contents) > 0 {
			prev := contents[len(contents)-1]
			if prev.Role == roleUser && len(prev.Parts) > 0 && prev.Parts[0].FunctionResponse != nil {
				prev.Parts = append(prev.Parts, c.Parts...)
				continue
			}
		}
		contents = append(contents, c)
	}
	if len(contents) == 0 {
		return nil, nil, errors.New("gemini: request has no conversation turns")
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, td := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 td.Name,
				Description:          td.Description,
				ParametersJsonSchema: td.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, cfg, nil
}

func buildConfig(pr llm.Params) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	cfg.Temperature = f32(pr.Temperature)
	cfg.TopP = f32(pr.TopP)
	cfg.PresencePenalty = f32(pr.PresencePenalty)
	cfg.FrequencyPenalty = f32(pr.FrequencyPenalty)
	if pr.TopK != nil {
		k := float32(*pr.TopK)
		cfg.TopK = &k
	}
	if pr.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*pr.MaxTokens)
	}
	if pr.ThinkingBudget != nil {
		b := int32(*pr.ThinkingBudget)
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &b}
	}
	if len(pr.Stop) > 0 {
		cfg.StopSequences = pr.Stop
	}
	return cfg
}

func f32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	f := float32(*v)
	return &f
}

// convertMessage converts one message to a Gemini content.
func convertMessage(m types.Message) (*genai.Content, error) {
	switch m.Role {
	case types.RoleSystem:
		return &genai.Content{Role: roleUser, Parts: []*genai.Part{{Text: llm.SystemInfoPrefix + m.Text()}}}, nil

	case types.RoleUser:
		c := &genai.Content{Role: roleUser}
		if len(m.Parts) == 0 {
			c.Parts = []*genai.Part{{Text: m.Content}}
			return c, nil
		}
		for _, part := range m.Parts {
			switch part.Type {
			case types.PartText:
				c.Parts = append(c.Parts, &genai.Part{Text: part.Text})
			case types.PartImage:
				ip, err := imagePart(part.URL)
				if err != nil {
					return nil, err
				}
				c.Parts = append(c.Parts, ip)
			}
		}
		return c, nil

	case types.RoleAssistant, roleModel:
		c := &genai.Content{Role: roleModel}
		if text := m.Text(); text != "" {
			c.Parts = append(c.Parts, &genai.Part{Text: text})
		}
		for _, tc := range m.ToolCalls {
			args := map[string]any{}
			if tc.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					return nil, fmt.Errorf("gemini: tool call %s: %w", tc.Name, err)
				}
			}
			c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
		}
		if len(c.Parts) == 0 {
			c.Parts = []*genai.Part{{Text: ""}}
		}
		return c, nil

	case types.RoleTool:
		return &genai.Content{Role: roleUser, Parts: []*genai.Part{{
			FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.Name,
				Response: toolResponse(m.Text()),
			},
		}}}, nil

	default:
		return nil, fmt.Errorf("gemini: unknown message role %q", m.Role)
	}
}

// toolResponse decodes a tool result into the object Gemini expects.
// Non-object results are wrapped under "result".
func toolResponse(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	var v any
	if err := json.Unmarshal([]byte(content), &v); err == nil {
		return map[string]any{"result": v}
	}
	return map[string]any{"result": content}
}

func imagePart(url string) (*genai.Part, error) {
	mimeType, data, err := types.DecodeDataURL(url)
	switch {
	case err == nil:
		return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}}, nil
	case errors.Is(err, types.ErrNotDataURL):
		mt := mime.TypeByExtension(path.Ext(url))
		if mt == "" {
			mt = "image/jpeg"
		}
		return &genai.Part{FileData: &genai.FileData{FileURI: url, MIMEType: mt}}, nil
	default:
		return nil, fmt.Errorf("gemini: %w", err)
	}
}

// wrapErr classifies genai API errors by HTTP status.
func wrapErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		slog.Warn("gemini: request failed", "status", apiErr.Code, "body", apiErr.Message)
		return llm.NewError(llm.KindGemini, apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		slog.Warn("gemini: request failed", "status", apiErrPtr.Code, "body", apiErrPtr.Message)
		return llm.NewError(llm.KindGemini, apiErrPtr.Code, err)
	}
	return llm.NewError(llm.KindGemini, 0, err)
}
