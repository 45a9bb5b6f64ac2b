package httpsse

import (
	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// chatRequest is the OpenAI-shaped chat completions body.
type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Tools            []chatTool    `json:"tools,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	TopK             *int          `json:"top_k,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	ThinkingBudget   *int          `json:"thinking_budget,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"` // string or []contentPart
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func buildRequest(model string, req llm.CompletionRequest, stream bool) chatRequest {
	pr := req.Params
	body := chatRequest{
		Model:            model,
		Stream:           stream,
		Temperature:      pr.Temperature,
		TopP:             pr.TopP,
		TopK:             pr.TopK,
		PresencePenalty:  pr.PresencePenalty,
		FrequencyPenalty: pr.FrequencyPenalty,
		MaxTokens:        pr.MaxTokens,
		ThinkingBudget:   pr.ThinkingBudget,
		Stop:             pr.Stop,
	}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: types.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toWire(m))
	}
	for _, td := range req.Tools {
		body.Tools = append(body.Tools, chatTool{
			Type:     "function",
			Function: toolFunction{Name: td.Name, Description: td.Description, Parameters: td.Parameters},
		})
	}
	return body
}

func toWire(m types.Message) chatMessage {
	out := chatMessage{Role: m.Role, ToolCallID: m.ToolCallID}
	if m.Role == types.RoleTool {
		out.Name = m.Name
	}
	if len(m.Parts) > 0 {
		parts := make([]contentPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case types.PartImage:
				parts = append(parts, contentPart{Type: types.PartImage, ImageURL: &imageURL{URL: p.URL}})
			default:
				parts = append(parts, contentPart{Type: types.PartText, Text: p.Text})
			}
		}
		out.Content = parts
	} else {
		out.Content = m.Content
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, wireToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: functionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}
