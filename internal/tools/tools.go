// Package tools implements the tool manager: a registry of named tools that
// the model may call during a turn.
//
// Tools are either in-process Go functions ([Tool]) or tools imported from
// external MCP servers ([Manager.Connect]). Every call goes through
// [Manager.Run], which validates the arguments against the tool's JSON
// Schema, bounds the call with a timeout and always answers with a JSON
// document. Failures never surface as Go errors to the provider layer; they
// are reported as a [types.ToolResult] with IsError set so the model can
// react to them.
package tools

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// DefaultTimeout bounds a tool call whose definition declares no
// MaxDurationMs.
const DefaultTimeout = 10 * time.Second

var (
	// ErrUnknownTool is reported when the model calls a tool that is not
	// registered.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrInvalidArgs is reported when call arguments are not a JSON object
	// or fail schema validation.
	ErrInvalidArgs = errors.New("tools: invalid arguments")
)

// Handler executes a tool. args is a JSON object string; the returned string
// should be a JSON document. A non-nil error marks the result as failed.
// Handlers must be safe for concurrent use and respect ctx.
type Handler func(ctx context.Context, args string) (string, error)

// Tool is an in-process tool ready for registration.
type Tool struct {
	Definition types.ToolDefinition
	Handler    Handler
}

// entry is one registered tool. Exactly one of handler and server is set.
type entry struct {
	def     types.ToolDefinition
	schema  *jsonschema.Resolved
	handler Handler
	server  string
}

// Manager is the tool registry. The zero value is not usable; create
// instances with [New]. A Manager is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	tools   map[string]entry
	servers map[string]*mcpsdk.ClientSession

	client         *mcpsdk.Client
	defaultTimeout time.Duration
	metrics        *observe.Metrics
}

// Option configures a [Manager].
type Option func(*Manager)

// WithDefaultTimeout overrides [DefaultTimeout].
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithMetrics records every call on m's tool counter and histogram.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// New returns an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		tools:          make(map[string]entry),
		servers:        make(map[string]*mcpsdk.ClientSession),
		defaultTimeout: DefaultTimeout,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "hearth-tools", Version: "1.0.0"},
			nil,
		),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register adds an in-process tool, replacing any tool of the same name.
// The tool's Parameters must be a valid JSON Schema; a nil schema accepts
// any object.
func (m *Manager) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("tools: register: tool must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: register %q: handler must not be nil", t.Definition.Name)
	}
	e, err := newEntry(t.Definition)
	if err != nil {
		return err
	}
	e.handler = t.Handler

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[t.Definition.Name] = e
	return nil
}

// RegisterAll registers every tool in ts and joins the errors.
func (m *Manager) RegisterAll(ts ...Tool) error {
	var errs []error
	for _, t := range ts {
		errs = append(errs, m.Register(t))
	}
	return errors.Join(errs...)
}

func newEntry(def types.ToolDefinition) (entry, error) {
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object"}
	}
	schema, err := resolveSchema(def.Parameters)
	if err != nil {
		return entry{}, fmt.Errorf("tools: register %q: %w", def.Name, err)
	}
	return entry{def: def, schema: schema}, nil
}

// resolveSchema converts a JSON Schema held as a generic map into a
// resolved validator.
func resolveSchema(params map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return rs, nil
}

// Definitions returns every registered tool sorted by name, the form the
// provider layer offers to the model.
func (m *Manager) Definitions() []types.ToolDefinition {
	m.mu.RLock()
	defs := make([]types.ToolDefinition, 0, len(m.tools))
	for _, e := range m.tools {
		defs = append(defs, e.def)
	}
	m.mu.RUnlock()

	slices.SortFunc(defs, func(a, b types.ToolDefinition) int { return cmp.Compare(a.Name, b.Name) })
	return defs
}

// Has reports whether a tool called name is registered.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tools[name]
	return ok
}

// Run executes the named tool and always returns a JSON result.
func (m *Manager) Run(ctx context.Context, name, args string) types.ToolResult {
	start := time.Now()
	res := m.run(ctx, name, args)

	status := "ok"
	if res.IsError {
		status = "error"
	}
	if m.metrics != nil {
		m.metrics.RecordToolCall(ctx, name, status)
		m.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	}
	slog.Debug("tools: call finished", "tool", name, "status", status, "duration", time.Since(start))
	return res
}

func (m *Manager) run(ctx context.Context, name, args string) types.ToolResult {
	m.mu.RLock()
	e, ok := m.tools[name]
	m.mu.RUnlock()
	if !ok {
		return errorResult(fmt.Errorf("%w: %q", ErrUnknownTool, name))
	}

	if args == "" {
		args = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(args), &decoded); err != nil {
		return errorResult(fmt.Errorf("%w: %v", ErrInvalidArgs, err))
	}
	if _, isObject := decoded.(map[string]any); !isObject {
		return errorResult(fmt.Errorf("%w: arguments must be a JSON object", ErrInvalidArgs))
	}
	if err := e.schema.Validate(decoded); err != nil {
		return errorResult(fmt.Errorf("%w: %v", ErrInvalidArgs, err))
	}

	timeout := m.defaultTimeout
	if e.def.MaxDurationMs > 0 {
		timeout = time.Duration(e.def.MaxDurationMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if e.handler != nil {
		out, err := callHandler(ctx, e.handler, args)
		if err != nil {
			slog.Warn("tools: tool failed", "tool", name, "err", err)
			return errorResult(err)
		}
		return types.ToolResult{Content: asJSON(out)}
	}
	return m.callServer(ctx, e, decoded.(map[string]any))
}

// callHandler runs h and converts a panic into an error.
func callHandler(ctx context.Context, h Handler, args string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tools: handler panicked: %v", r)
		}
	}()
	out, err = h(ctx, args)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return out, err
}

// errorResult renders err as the JSON document {"error": "..."}.
func errorResult(err error) types.ToolResult {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return types.ToolResult{Content: string(data), IsError: true}
}

// asJSON wraps plain text output so every result is a JSON document.
func asJSON(out string) string {
	if json.Valid([]byte(out)) {
		return out
	}
	data, _ := json.Marshal(map[string]string{"result": out})
	return string(data)
}

// Close disconnects every MCP server and empties the registry.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, s := range m.servers {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tools: close server %q: %w", name, err))
		}
		delete(m.servers, name)
	}
	m.tools = make(map[string]entry)
	return errors.Join(errs...)
}

// Compile-time interface assertion.
var _ llm.ToolRunner = (*Manager)(nil)
