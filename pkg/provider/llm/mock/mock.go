// Package mock provides test doubles for the llm package.
//
// [Provider] stands in for an SDK-backed llm.Provider and records every call.
// [Generator] stands in for a whole provider family as seen by the chat
// engine. All fields are safe to set before use; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is emitted on the channel returned by StreamCompletion.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned by StreamCompletion instead of a channel.
	StreamErr error

	// CompleteResponses, when non-empty, are returned by successive Complete
	// calls; the last one repeats. It takes precedence over CompleteResponse.
	CompleteResponses []*llm.CompletionResponse

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// StreamCompletion records the call and returns a channel that emits StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: cloneReq(req)})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: cloneReq(req)})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if len(p.CompleteResponses) > 0 {
		return p.CompleteResponses[min(n, len(p.CompleteResponses)-1)], nil
	}
	return p.CompleteResponse, nil
}

// CountTokens returns TokenCount.
func (p *Provider) CountTokens([]types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TokenCount, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns the number of Complete and StreamCompletion calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls) + len(p.StreamCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}

func cloneReq(req llm.CompletionRequest) llm.CompletionRequest {
	req.Messages = append([]types.Message(nil), req.Messages...)
	return req
}

var _ llm.Provider = (*Provider)(nil)

// ── Generator ────────────────────────────────────────────────────────────────

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	Req llm.Request
}

// Reply is one scripted outcome of Generate.
type Reply struct {
	Text string
	Err  error
	// Chunks are delivered to Request.OnChunk before returning when the
	// request streams.
	Chunks []string
}

// Generator is a mock llm.Generator.
type Generator struct {
	mu sync.Mutex

	// KindName is returned by Kind; defaults to "mock".
	KindName string

	// Prio is returned by Priority.
	Prio int

	// Applicable, when non-nil, decides IsApplicable. Nil means always.
	Applicable func(*llm.Request) bool

	// Replies are consumed in order; the last one repeats.
	Replies []Reply

	// Block, when non-nil, is received from before replying so tests can
	// hold a generation in flight. A closed channel releases all callers.
	Block chan struct{}

	// Started, when non-nil, receives one value per Generate call on entry.
	Started chan struct{}

	// Calls records every invocation in order.
	Calls []GenerateCall
}

func (g *Generator) Kind() string {
	if g.KindName == "" {
		return "mock"
	}
	return g.KindName
}

func (g *Generator) Priority() int { return g.Prio }

func (g *Generator) IsApplicable(req *llm.Request) bool {
	if g.Applicable == nil {
		return true
	}
	return g.Applicable(req)
}

// Generate records the call and returns the next scripted reply.
func (g *Generator) Generate(ctx context.Context, req *llm.Request) (string, error) {
	g.mu.Lock()
	n := len(g.Calls)
	r := *req
	r.Messages = append([]types.Message(nil), req.Messages...)
	g.Calls = append(g.Calls, GenerateCall{Req: r})
	var reply Reply
	if len(g.Replies) > 0 {
		reply = g.Replies[min(n, len(g.Replies)-1)]
	}
	block, started := g.Block, g.Started
	g.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if req.Stream && req.OnChunk != nil {
		for _, c := range reply.Chunks {
			req.OnChunk(c)
		}
	}
	return reply.Text, reply.Err
}

// CallCount returns the number of Generate calls so far.
func (g *Generator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Calls)
}

// LastRequest returns the most recent request. It panics when there was none.
func (g *Generator) LastRequest() llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Calls[len(g.Calls)-1].Req
}

var _ llm.Generator = (*Generator)(nil)
