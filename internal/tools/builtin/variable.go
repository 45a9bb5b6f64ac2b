package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/tools"
	"github.com/MrWong99/hearth/pkg/types"
)

type setVariableArgs struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type setVariableResult struct {
	Name     string `json:"name"`
	Value    any    `json:"value"`
	Previous any    `json:"previous,omitempty"`
}

func setVariableTool() tools.Tool {
	return tools.Tool{
		Definition: types.ToolDefinition{
			Name:        "set_variable",
			Description: "Set a free character variable used by the prompt templates. Behaviour attributes and their bounds cannot be changed this way.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
					"value": map[string]any{
						"type": []any{"string", "number", "integer", "boolean"},
					},
				},
				"required": []any{"name", "value"},
			},
			MaxDurationMs: 100,
		},
		Handler: setVariableHandler,
	}
}

// protected reports whether a variable is managed by dedicated tags or the
// engine and must not be written by the model through this tool.
func protected(name string) bool {
	for _, a := range character.Attributes {
		if name == string(a) || name == string(a)+"_min" || name == string(a)+"_max" {
			return true
		}
	}
	switch name {
	case character.VarPlayingGame, character.VarGameID, character.VarRememberCount,
		character.VarPendingSwitch, "character_id", "character_name":
		return true
	}
	return strings.HasPrefix(name, "SYSTEM_")
}

func setVariableHandler(ctx context.Context, args string) (string, error) {
	s, err := scope(ctx)
	if err != nil {
		return "", err
	}
	var a setVariableArgs
	if err := decode(args, &a); err != nil {
		return "", err
	}
	if protected(a.Name) {
		return "", fmt.Errorf("builtin: variable %q is read-only", a.Name)
	}

	prev, _ := s.Character.Var(a.Name)
	var raw any
	if err := json.Unmarshal(a.Value, &raw); err != nil {
		return "", fmt.Errorf("builtin: parse value: %w", err)
	}
	if str, ok := raw.(string); ok {
		s.Character.SetLiteral(a.Name, str)
	} else {
		// Whole JSON numbers are stored as integers like seeded values.
		if f, ok := raw.(float64); ok && f == float64(int64(f)) {
			raw = int64(f)
		}
		s.Character.Set(a.Name, raw)
	}
	cur, _ := s.Character.Var(a.Name)
	return encode(setVariableResult{Name: a.Name, Value: cur, Previous: prev})
}
