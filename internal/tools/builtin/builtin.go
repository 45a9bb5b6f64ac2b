// Package builtin provides the in-process tools registered with every tool
// manager:
//   - "get_datetime"    current local date and time.
//   - "roll_dice"       evaluates a dice expression such as "2d6+3".
//   - "recall_memories" lists the character's long-term memory entries.
//   - "remember"        adds a long-term memory entry.
//   - "set_variable"    sets a free character variable.
//
// The memory and variable tools act on the character bound to the call via
// [tools.WithScope]; without a scope they fail with [ErrNoScope].
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/hearth/internal/tools"
)

// ErrNoScope is returned by character tools called without a bound character.
var ErrNoScope = errors.New("builtin: no character bound to this call")

type config struct {
	now func() time.Time
}

// Option configures [Tools].
type Option func(*config)

// WithClock replaces time.Now for get_datetime.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Tools returns every builtin tool.
func Tools(opts ...Option) []tools.Tool {
	cfg := config{now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}
	return []tools.Tool{
		datetimeTool(cfg.now),
		diceTool(),
		recallTool(),
		rememberTool(),
		setVariableTool(),
	}
}

func scope(ctx context.Context) (tools.Scope, error) {
	s, ok := tools.ScopeFrom(ctx)
	if !ok || s.Character == nil {
		return tools.Scope{}, ErrNoScope
	}
	return s, nil
}

func decode(args string, v any) error {
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("builtin: parse arguments: %w", err)
	}
	return nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("builtin: encode result: %w", err)
	}
	return string(data), nil
}
