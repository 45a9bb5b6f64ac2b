package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/MrWong99/hearth/pkg/types"
)

// MaxToolDepth is the number of tool rounds a single generation may run.
// Together with the initial call this allows at most MaxToolDepth+1 model
// calls per turn.
const MaxToolDepth = 3

// SystemInfoPrefix marks a trailing system or assistant message that was
// rewritten as a user message for Gemini-family models.
const SystemInfoPrefix = "[SYSTEM INFO] "

// Provider kinds, also used as configuration names and metric labels.
const (
	KindOpenAI = "openai"
	KindGemini = "gemini"
	KindHTTP   = "http"
	KindFree   = "free"
)

// ToolRunner executes a tool by name. Failures are reported inside the
// result so the model can recover; Run never aborts the turn.
type ToolRunner interface {
	Run(ctx context.Context, name, args string) types.ToolResult
}

// Request is one generation as issued by the chat engine.
type Request struct {
	Model    string
	Messages []types.Message
	Params   Params

	// Stream delivers deltas to OnChunk while generating. The full text is
	// still returned by Generate.
	Stream  bool
	OnChunk func(text string)

	// ToolsOn offers Tools to the model and lets ToolRunner answer calls.
	ToolsOn    bool
	Tools      []types.ToolDefinition
	ToolRunner ToolRunner

	APIKey  string
	BaseURL string

	// Gemini selects the native Gemini API.
	Gemini bool
	// MakeRequest selects the generic HTTP provider.
	MakeRequest bool
	// Free selects the fallback free provider.
	Free bool
}

// Generator is the sealed capability set the chat engine selects from.
type Generator interface {
	// Kind names the provider family.
	Kind() string

	// Priority orders generators; lower is preferred.
	Priority() int

	// IsApplicable is a cheap check over model name, flags and credentials.
	IsApplicable(req *Request) bool

	// Generate returns the final assistant text. A non-nil error carries the
	// reason the generation produced nothing; see [Classify].
	Generate(ctx context.Context, req *Request) (string, error)
}

// Factory builds a Provider for a single request. Providers are created per
// call; no session state is shared between generations.
type Factory func(ctx context.Context, req *Request) (Provider, error)

// Backend implements [Generator] on top of a [Factory]. It owns the parts
// every provider shares: role adjustment, streaming fan-out and the bounded
// tool-call loop.
type Backend struct {
	kind       string
	priority   int
	applicable func(*Request) bool
	factory    Factory
}

var _ Generator = (*Backend)(nil)

// NewBackend wires a provider family into a Generator.
func NewBackend(kind string, priority int, applicable func(*Request) bool, factory Factory) *Backend {
	return &Backend{kind: kind, priority: priority, applicable: applicable, factory: factory}
}

func (b *Backend) Kind() string  { return b.kind }
func (b *Backend) Priority() int { return b.priority }

func (b *Backend) IsApplicable(req *Request) bool {
	return req != nil && b.applicable(req)
}

// Generate implements [Generator].
func (b *Backend) Generate(ctx context.Context, req *Request) (string, error) {
	if req == nil || len(req.Messages) == 0 {
		return "", fmt.Errorf("llm: %s: request has no messages", b.kind)
	}
	p, err := b.factory(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: %s: %w", b.kind, err)
	}

	msgs := slices.Clone(req.Messages)
	if req.Gemini || IsGeminiFamily(req.Model) {
		msgs = AdjustRoles(msgs)
	}
	var tools []types.ToolDefinition
	if req.ToolsOn && req.ToolRunner != nil {
		tools = req.Tools
	}

	for depth := 0; ; depth++ {
		creq := CompletionRequest{Messages: msgs, Tools: tools, Params: req.Params}
		text, calls, err := b.once(ctx, p, creq, req)
		if err != nil {
			return "", err
		}
		if len(calls) == 0 {
			if strings.TrimSpace(text) == "" {
				return "", &Error{Kind: KindMalformed, Provider: b.kind, Err: ErrEmptyResponse}
			}
			return text, nil
		}
		if len(tools) == 0 {
			// Tools were not offered; keep whatever text came with the calls.
			if strings.TrimSpace(text) == "" {
				return "", &Error{Kind: KindMalformed, Provider: b.kind, Err: ErrEmptyResponse}
			}
			return text, nil
		}
		if depth >= MaxToolDepth {
			return "", &Error{Kind: KindMalformed, Provider: b.kind, Err: ErrToolDepthExceeded}
		}

		msgs = append(msgs, types.Message{Role: types.RoleAssistant, Content: text, ToolCalls: calls})
		for _, call := range calls {
			res := req.ToolRunner.Run(ctx, call.Name, call.Arguments)
			slog.Debug("llm: tool call", "provider", b.kind, "tool", call.Name, "depth", depth+1, "is_error", res.IsError)
			msgs = append(msgs, types.Message{
				Role:       types.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    res.Content,
			})
		}
	}
}

// once performs a single model call and returns its text and tool calls.
func (b *Backend) once(ctx context.Context, p Provider, creq CompletionRequest, req *Request) (string, []types.ToolCall, error) {
	if !req.Stream {
		resp, err := p.Complete(ctx, creq)
		if err != nil {
			return "", nil, b.wrap(err)
		}
		if resp == nil {
			return "", nil, &Error{Kind: KindMalformed, Provider: b.kind, Err: ErrEmptyResponse}
		}
		if err := validateCalls(resp.ToolCalls); err != nil {
			return "", nil, &Error{Kind: KindMalformed, Provider: b.kind, Err: err}
		}
		return resp.Content, resp.ToolCalls, nil
	}

	ch, err := p.StreamCompletion(ctx, creq)
	if err != nil {
		return "", nil, b.wrap(err)
	}
	var (
		sb       strings.Builder
		calls    []types.ToolCall
		finished bool
	)
	for c := range ch {
		if c.FinishReason == "error" {
			// Drain so the producer can exit.
			for range ch {
			}
			return "", nil, b.wrap(errors.New(c.Text))
		}
		if c.Text != "" {
			sb.WriteString(c.Text)
			if req.OnChunk != nil {
				req.OnChunk(c.Text)
			}
		}
		if len(c.ToolCalls) > 0 {
			calls = append(calls, c.ToolCalls...)
		}
		if c.FinishReason != "" {
			finished = true
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if !finished {
		return "", nil, &Error{Kind: KindMalformed, Provider: b.kind, Err: errors.New("stream ended without finish reason")}
	}
	if err := validateCalls(calls); err != nil {
		return "", nil, &Error{Kind: KindMalformed, Provider: b.kind, Err: err}
	}
	return sb.String(), calls, nil
}

func (b *Backend) wrap(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var le *Error
	if errors.As(err, &le) {
		if le.Provider == "" {
			le.Provider = b.kind
		}
		return le
	}
	return NewError(b.kind, 0, err)
}

func validateCalls(calls []types.ToolCall) error {
	for _, c := range calls {
		if c.Name == "" {
			return errors.New("tool call without name")
		}
		if c.Arguments != "" && !json.Valid([]byte(c.Arguments)) {
			return fmt.Errorf("tool call %s: arguments are not valid JSON", c.Name)
		}
	}
	return nil
}

// IsGeminiFamily reports whether model names a Gemini model, including
// vendor-prefixed names such as "google/gemini-2.0-flash".
func IsGeminiFamily(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "gemini") || strings.Contains(m, "/gemini")
}

// AdjustRoles rewrites a trailing system or assistant message as a user
// message prefixed with [SystemInfoPrefix]. Gemini rejects conversations that
// do not end on a user turn. msgs is not modified.
func AdjustRoles(msgs []types.Message) []types.Message {
	if len(msgs) == 0 {
		return msgs
	}
	last := msgs[len(msgs)-1]
	switch last.Role {
	case types.RoleSystem, types.RoleAssistant, "model":
	default:
		return msgs
	}
	out := slices.Clone(msgs)
	last.Role = types.RoleUser
	if len(last.Parts) > 0 {
		parts := slices.Clone(last.Parts)
		for i := range parts {
			if parts[i].Type == types.PartText {
				parts[i].Text = SystemInfoPrefix + parts[i].Text
				break
			}
		}
		last.Parts = parts
	} else {
		last.Content = SystemInfoPrefix + last.Content
	}
	out[len(out)-1] = last
	return out
}
