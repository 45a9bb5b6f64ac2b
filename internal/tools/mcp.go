package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/hearth/pkg/types"
)

// Transport selects how an MCP server is reached.
type Transport string

const (
	// TransportStdio spawns a subprocess and talks over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP uses the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one external MCP server.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport Transport         `yaml:"transport"`
	Command   string            `yaml:"command"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`

	// TimeoutMs bounds every call to the server's tools. Zero selects the
	// manager default.
	TimeoutMs int `yaml:"timeout_ms"`
}

// Connect opens a session to the server described by cfg and registers all
// of its tools. Tools of a previous connection with the same name are
// replaced. A server tool never shadows an in-process tool of the same name.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: connect: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		fields := strings.Fields(cfg.Command)
		if len(fields) == 0 {
			return fmt.Errorf("tools: connect %q: stdio transport requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: connect %q: streamable-http transport requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("tools: connect %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
	return m.connect(ctx, cfg, transport)
}

func (m *Manager) connect(ctx context.Context, cfg ServerConfig, transport mcpsdk.Transport) error {
	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect %q: %w", cfg.Name, err)
	}

	var entries []entry
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools of %q: %w", cfg.Name, err)
		}
		e, err := newEntry(types.ToolDefinition{
			Name:          tool.Name,
			Description:   tool.Description,
			Parameters:    schemaToMap(tool.InputSchema),
			MaxDurationMs: cfg.TimeoutMs,
		})
		if err != nil {
			slog.Warn("tools: skipping server tool with unusable schema", "server", cfg.Name, "tool", tool.Name, "err", err)
			continue
		}
		e.server = cfg.Name
		entries = append(entries, e)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, e := range m.tools {
			if e.server == cfg.Name {
				delete(m.tools, name)
			}
		}
	}
	m.servers[cfg.Name] = session
	for _, e := range entries {
		if cur, ok := m.tools[e.def.Name]; ok && cur.handler != nil {
			slog.Warn("tools: server tool shadowed by builtin", "server", cfg.Name, "tool", e.def.Name)
			continue
		}
		m.tools[e.def.Name] = e
	}
	slog.Info("tools: mcp server connected", "server", cfg.Name, "tools", len(entries))
	return nil
}

func (m *Manager) callServer(ctx context.Context, e entry, args map[string]any) types.ToolResult {
	m.mu.RLock()
	session, ok := m.servers[e.server]
	m.mu.RUnlock()
	if !ok {
		return errorResult(fmt.Errorf("tools: server %q for tool %q is not connected", e.server, e.def.Name))
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: e.def.Name, Arguments: args})
	if err != nil {
		slog.Warn("tools: server call failed", "server", e.server, "tool", e.def.Name, "err", err)
		return errorResult(fmt.Errorf("tools: call %q: %w", e.def.Name, err))
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		data, _ := json.Marshal(map[string]string{"error": sb.String()})
		return types.ToolResult{Content: string(data), IsError: true}
	}
	return types.ToolResult{Content: asJSON(sb.String())}
}

// schemaToMap converts an SDK input schema of any shape into a generic map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}
