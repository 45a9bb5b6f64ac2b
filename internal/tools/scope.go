package tools

import (
	"context"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/memory"
	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// Scope carries the character a turn is generated for, so builtin tools can
// read and change its state.
type Scope struct {
	Character *character.Character
	Memory    *memory.Store
}

type scopeKey struct{}

// WithScope returns a context carrying s.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope stored by [WithScope].
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// Bind returns a runner that executes tools on m with s attached to every
// call's context.
func (m *Manager) Bind(s Scope) llm.ToolRunner {
	return boundRunner{m: m, scope: s}
}

type boundRunner struct {
	m     *Manager
	scope Scope
}

func (b boundRunner) Run(ctx context.Context, name, args string) types.ToolResult {
	return b.m.Run(WithScope(ctx, b.scope), name, args)
}
