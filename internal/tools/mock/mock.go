// Package mock provides a test double for the tool runner the provider layer
// calls during tool rounds.
//
// [Runner] records every call and answers from a per-tool result table:
//
//	r := &mock.Runner{Results: map[string]types.ToolResult{
//	    "roll_dice": {Content: `{"total":7}`},
//	}}
//	res := r.Run(ctx, "roll_dice", `{"expression":"2d6"}`)
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// Call records a single Run invocation.
type Call struct {
	Name string
	Args string
}

// Runner is a configurable [llm.ToolRunner]. It is safe for concurrent use.
type Runner struct {
	mu    sync.Mutex
	calls []Call

	// Results maps a tool name to its result. Unknown names yield an error
	// result.
	Results map[string]types.ToolResult
}

var _ llm.ToolRunner = (*Runner)(nil)

// Run records the call and returns the configured result.
func (r *Runner) Run(_ context.Context, name, args string) types.ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Name: name, Args: args})
	if res, ok := r.Results[name]; ok {
		return res
	}
	data, _ := json.Marshal(map[string]string{"error": "unknown tool " + name})
	return types.ToolResult{Content: string(data), IsError: true}
}

// Calls returns a copy of the recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Reset clears the recorded calls.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
