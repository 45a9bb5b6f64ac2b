// Package httpsse implements the generic HTTP provider: OpenAI-shaped JSON
// posted to an arbitrary base URL, with server-sent events parsed by hand.
//
// It exists for self-hosted gateways that follow the chat completions shape
// loosely enough that a typed SDK rejects their replies.
package httpsse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// Priority is the router priority of this provider family.
const Priority = 2

// DefaultTimeout bounds a whole request including a streamed body.
const DefaultTimeout = 120 * time.Second

// maxErrorBody caps how much of a non-2xx body is read and logged.
const maxErrorBody = 4 << 10

// Provider implements llm.Provider against an OpenAI-shaped HTTP endpoint.
type Provider struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

var _ llm.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.client = hc }
}

// New returns a provider posting to baseURL + "/chat/completions". A baseURL
// that already names the endpoint is used as is. apiKey may be empty for
// unauthenticated local servers.
func New(baseURL, apiKey, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("httpsse: base URL must not be empty")
	}
	if model == "" {
		return nil, errors.New("httpsse: model must not be empty")
	}
	endpoint := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(endpoint, "/chat/completions") {
		endpoint += "/chat/completions"
	}
	p := &Provider{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Applicable reports whether req asks for the generic HTTP route.
func Applicable(req *llm.Request) bool {
	return req.MakeRequest && !req.Free && req.BaseURL != ""
}

// NewGenerator returns the generic HTTP [llm.Generator].
func NewGenerator(opts ...Option) *llm.Backend {
	return llm.NewBackend(llm.KindHTTP, Priority, Applicable,
		func(_ context.Context, req *llm.Request) (llm.Provider, error) {
			return New(req.BaseURL, req.APIKey, req.Model, slices.Clone(opts)...)
		})
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.post(ctx, buildRequest(p.model, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, &llm.Error{Kind: llm.KindMalformed, Provider: llm.KindHTTP, Status: resp.StatusCode,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(cr.Choices) == 0 {
		return nil, &llm.Error{Kind: llm.KindMalformed, Provider: llm.KindHTTP, Status: resp.StatusCode,
			Err: errors.New("empty choices in response")}
	}

	msg := cr.Choices[0].Message
	out := &llm.CompletionResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	if cr.Usage != nil {
		out.Usage = llm.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		}
	}
	return out, nil
}

// StreamCompletion implements llm.Provider. Lines other than "data:" lines
// (comments, event names, keep-alives) are ignored; "data: [DONE]" ends the
// stream.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	resp, err := p.post(ctx, buildRequest(p.model, req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			e := &llm.Error{Kind: llm.KindMalformed, Provider: llm.KindHTTP, Err: err}
			send(llm.Chunk{FinishReason: "error", Text: e.Error()})
		}

		acc := map[int]*types.ToolCall{}
		finish := ""
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			payload, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			payload = strings.TrimSpace(payload)
			if payload == "[DONE]" {
				if finish == "" {
					finish = "stop"
				}
				break
			}

			var chunk streamResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				fail(fmt.Errorf("decode stream chunk: %w", err))
				return
			}
			for _, choice := range chunk.Choices {
				for _, tc := range choice.Delta.ToolCalls {
					a, ok := acc[tc.Index]
					if !ok {
						a = &types.ToolCall{}
						acc[tc.Index] = a
					}
					if tc.ID != "" {
						a.ID = tc.ID
					}
					if tc.Function.Name != "" {
						a.Name = tc.Function.Name
					}
					a.Arguments += tc.Function.Arguments
				}
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					finish = *choice.FinishReason
				}
				if choice.Delta.Content != "" && !send(llm.Chunk{Text: choice.Delta.Content}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			send(llm.Chunk{FinishReason: "error", Text: llm.NewError(llm.KindHTTP, 0, fmt.Errorf("read stream: %w", err)).Error()})
			return
		}
		if finish == "" {
			// Truncated: no finish reason and no [DONE].
			return
		}
		send(llm.Chunk{FinishReason: finish, ToolCalls: collect(acc)})
	}()
	return ch, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider. Nothing is known about the remote
// model, so conservative defaults are reported.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{
		ContextWindow:       32_768,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
}

// post sends body and returns the response when the status is 2xx. Other
// statuses are logged with their body and returned as classified errors.
func (p *Provider) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("httpsse: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("httpsse: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &llm.Error{Kind: llm.KindTransient, Provider: llm.KindHTTP, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Warn("httpsse: request failed", "endpoint", p.endpoint, "status", resp.StatusCode, "body", string(msg))
		return nil, llm.NewError(llm.KindHTTP, resp.StatusCode, fmt.Errorf("%s", bytes.TrimSpace(msg)))
	}
	return resp, nil
}

func collect(acc map[int]*types.ToolCall) []types.ToolCall {
	if len(acc) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(acc))
	for i := range acc {
		idxs = append(idxs, i)
	}
	slices.Sort(idxs)
	out := make([]types.ToolCall, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, *acc[i])
	}
	return out
}
