package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/hearth/internal/memory"
	"github.com/MrWong99/hearth/internal/tools"
	"github.com/MrWong99/hearth/pkg/types"
)

type recallArgs struct {
	Query    string `json:"query,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type recallResult struct {
	Entries []memory.Entry `json:"entries"`
}

type rememberArgs struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
}

type rememberResult struct {
	Number   int             `json:"number"`
	Priority memory.Priority `json:"priority"`
}

var priorityEnum = []any{"low", "normal", "high", "critical"}

func recallTool() tools.Tool {
	return tools.Tool{
		Definition: types.ToolDefinition{
			Name:        "recall_memories",
			Description: "List the character's long-term memories, optionally filtered by a case-insensitive substring or a priority.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":    map[string]any{"type": "string", "description": "Substring to search for"},
					"priority": map[string]any{"type": "string", "enum": priorityEnum},
				},
			},
			MaxDurationMs: 500,
		},
		Handler: recallHandler,
	}
}

func recallHandler(ctx context.Context, args string) (string, error) {
	s, err := scope(ctx)
	if err != nil {
		return "", err
	}
	if s.Memory == nil {
		return "", errors.New("builtin: character has no memory store")
	}
	var a recallArgs
	if err := decode(args, &a); err != nil {
		return "", err
	}

	q := strings.ToLower(strings.TrimSpace(a.Query))
	out := recallResult{Entries: []memory.Entry{}}
	for _, e := range s.Memory.Entries() {
		if a.Priority != "" && string(e.Priority) != a.Priority {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(e.Content), q) {
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	return encode(out)
}

func rememberTool() tools.Tool {
	return tools.Tool{
		Definition: types.ToolDefinition{
			Name:        "remember",
			Description: "Store a fact in the character's long-term memory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content":  map[string]any{"type": "string", "minLength": 1},
					"priority": map[string]any{"type": "string", "enum": priorityEnum},
				},
				"required": []any{"content"},
			},
			MaxDurationMs: 500,
		},
		Handler: rememberHandler,
	}
}

func rememberHandler(ctx context.Context, args string) (string, error) {
	s, err := scope(ctx)
	if err != nil {
		return "", err
	}
	if s.Memory == nil {
		return "", errors.New("builtin: character has no memory store")
	}
	var a rememberArgs
	if err := decode(args, &a); err != nil {
		return "", err
	}
	p := memory.Normal
	if a.Priority != "" {
		var ok bool
		if p, ok = memory.ParsePriority(a.Priority); !ok {
			return "", fmt.Errorf("builtin: unknown priority %q", a.Priority)
		}
	}
	e, err := s.Memory.Add(p, strings.TrimSpace(a.Content))
	if err != nil {
		return "", err
	}
	return encode(rememberResult{Number: e.Number, Priority: e.Priority})
}
