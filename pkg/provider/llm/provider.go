// Package llm defines the contracts for Large Language Model backends.
//
// Two layers live here. [Provider] is the thin, SDK-facing client: one model,
// one set of credentials, streaming and non-streaming completions. [Generator]
// is what the chat engine talks to: it decides whether it can serve a
// [Request] at all, builds a Provider for that request, and drives the
// tool-call loop until the model produces a final text answer.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/hearth/pkg/types"
)

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything a [Provider] needs for one model call.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation, system blocks first.
	Messages []types.Message

	// Tools is the set of function definitions offered to the model.
	Tools []types.ToolDefinition

	// Params holds the whitelisted sampling parameters. Nil fields are left to
	// the backend default.
	Params Params

	// SystemPrompt is an optional instruction placed before Messages.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// or "error" when the stream broke after it started. For "error" chunks
	// Text carries the error message.
	FinishReason string

	// ToolCalls is populated on the final chunk when the model requested tools.
	ToolCalls []types.ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the reply. Empty when the model responds
	// exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []types.ToolCall

	Usage Usage
}

// Provider is the abstraction over one configured model endpoint.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed when generation
	// finishes or ctx is cancelled. Failures after the stream started arrive as
	// a Chunk with FinishReason "error". The channel is never nil when the
	// error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the prompt size of messages. It should not
	// undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities describes the model behind this provider.
	Capabilities() types.ModelCapabilities
}
