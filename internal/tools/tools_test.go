package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/pkg/types"
)

// ── Register ─────────────────────────────────────────────────────────────────

func TestRegister_Validation(t *testing.T) {
	t.Parallel()
	m := New()
	tests := []struct {
		name string
		tool Tool
	}{
		{"empty name", Tool{Handler: echo}},
		{"nil handler", Tool{Definition: types.ToolDefinition{Name: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := m.Register(tt.tool); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefinitions_SortedByName(t *testing.T) {
	t.Parallel()
	m := New()
	if err := m.RegisterAll(tool("zeta", echo), tool("alpha", echo), tool("mid", echo)); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	var names []string
	for _, d := range m.Definitions() {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "alpha,mid,zeta" {
		t.Errorf("names = %v", names)
	}
	if !m.Has("mid") || m.Has("nope") {
		t.Error("Has reports wrong membership")
	}
}

// ── Run ──────────────────────────────────────────────────────────────────────

func TestRun_Results(t *testing.T) {
	t.Parallel()
	m := New()
	must(t, m.RegisterAll(
		tool("echo", echo),
		tool("plain", func(context.Context, string) (string, error) { return "just text", nil }),
		tool("fails", func(context.Context, string) (string, error) { return "", errors.New("boom") }),
		tool("panics", func(context.Context, string) (string, error) { panic("bad") }),
	))

	tests := []struct {
		name      string
		tool      string
		args      string
		wantError bool
		wantField string
		wantValue string
	}{
		{"echo passes JSON through", "echo", `{"name":"Mita"}`, false, "name", "Mita"},
		{"empty args become object", "echo", "", false, "", ""},
		{"plain text is wrapped", "plain", `{}`, false, "result", "just text"},
		{"handler error", "fails", `{}`, true, "error", "boom"},
		{"handler panic", "panics", `{}`, true, "error", "tools: handler panicked: bad"},
		{"unknown tool", "missing", `{}`, true, "error", `tools: unknown tool: "missing"`},
		{"args not JSON", "echo", `{`, true, "", ""},
		{"args not an object", "echo", `[1,2]`, true, "error", "tools: invalid arguments: arguments must be a JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := m.Run(context.Background(), tt.tool, tt.args)
			if res.IsError != tt.wantError {
				t.Fatalf("IsError = %v, content %s", res.IsError, res.Content)
			}
			var doc map[string]any
			if err := json.Unmarshal([]byte(res.Content), &doc); err != nil {
				t.Fatalf("result is not a JSON object: %q", res.Content)
			}
			if tt.wantField != "" && doc[tt.wantField] != tt.wantValue {
				t.Errorf("%s = %v, want %q", tt.wantField, doc[tt.wantField], tt.wantValue)
			}
		})
	}
}

func TestRun_SchemaValidation(t *testing.T) {
	t.Parallel()
	m := New()
	must(t, m.Register(Tool{
		Definition: types.ToolDefinition{
			Name: "greet",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"name": map[string]any{"type": "string"}},
				"required":   []any{"name"},
			},
		},
		Handler: echo,
	}))

	if res := m.Run(context.Background(), "greet", `{"name":"Kind"}`); res.IsError {
		t.Errorf("valid args rejected: %s", res.Content)
	}
	for _, args := range []string{`{}`, `{"name":7}`} {
		res := m.Run(context.Background(), "greet", args)
		if !res.IsError || !strings.Contains(res.Content, "invalid arguments") {
			t.Errorf("args %s: expected invalid arguments, got %s", args, res.Content)
		}
	}
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()
	m := New()
	must(t, m.Register(Tool{
		Definition: types.ToolDefinition{Name: "slow", MaxDurationMs: 20},
		Handler: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}))
	res := m.Run(context.Background(), "slow", `{}`)
	if !res.IsError || !strings.Contains(res.Content, "deadline exceeded") {
		t.Errorf("expected timeout error, got %+v", res)
	}
}

func TestBind_AttachesScope(t *testing.T) {
	t.Parallel()
	m := New()
	must(t, m.Register(tool("who", func(ctx context.Context, _ string) (string, error) {
		s, ok := ScopeFrom(ctx)
		if !ok {
			return "", errors.New("no scope")
		}
		return `"` + s.Character.ID() + `"`, nil
	})))
	c := character.New(character.Definition{ID: "Crazy", Name: "Crazy Mita"}, t.TempDir())

	if res := m.Run(context.Background(), "who", `{}`); !res.IsError {
		t.Errorf("unbound call should fail, got %s", res.Content)
	}
	res := m.Bind(Scope{Character: c}).Run(context.Background(), "who", `{}`)
	if res.IsError || res.Content != `"Crazy"` {
		t.Errorf("bound call = %+v", res)
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m := New(WithMetrics(met))
	must(t, m.Register(tool("echo", echo)))
	m.Run(context.Background(), "echo", `{}`)
	m.Run(context.Background(), "missing", `{}`)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "hearth.tool.calls" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("tool calls recorded = %d, want 2", total)
	}
}

// ── MCP bridge ───────────────────────────────────────────────────────────────

type shoutArgs struct {
	Text string `json:"text"`
}

func TestConnect_InMemoryServer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "shouter", Version: "v1"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "shout", Description: "Upper-case text"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, in shoutArgs) (*mcpsdk.CallToolResult, any, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: strings.ToUpper(in.Text)}},
			}, nil, nil
		})
	clientT, serverT := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	m := New()
	if err := m.connect(ctx, ServerConfig{Name: "shouter"}, clientT); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	if !m.Has("shout") {
		t.Fatalf("server tool not registered: %+v", m.Definitions())
	}
	res := m.Run(ctx, "shout", `{"text":"hello"}`)
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	var doc map[string]string
	if err := json.Unmarshal([]byte(res.Content), &doc); err != nil || doc["result"] != "HELLO" {
		t.Errorf("content = %s", res.Content)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if m.Has("shout") {
		t.Error("Close should empty the registry")
	}
}

func TestConnect_ConfigValidation(t *testing.T) {
	t.Parallel()
	m := New()
	tests := []ServerConfig{
		{Transport: TransportStdio, Command: "x"},
		{Name: "a", Transport: TransportStdio},
		{Name: "b", Transport: TransportStreamableHTTP},
		{Name: "c", Transport: "carrier-pigeon"},
	}
	for _, cfg := range tests {
		if err := m.Connect(context.Background(), cfg); err == nil {
			t.Errorf("%+v: expected error", cfg)
		}
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()
	if got := schemaToMap(nil); got["type"] != "object" {
		t.Errorf("nil schema = %v", got)
	}
	got := schemaToMap(struct {
		Type string `json:"type"`
	}{Type: "object"})
	if got["type"] != "object" {
		t.Errorf("struct schema = %v", got)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func echo(_ context.Context, args string) (string, error) { return args, nil }

func tool(name string, h Handler) Tool {
	return Tool{Definition: types.ToolDefinition{Name: name}, Handler: h}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
