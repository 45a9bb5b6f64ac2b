// Package types defines the shared types used across all Hearth packages.
//
// These types form the lingua franca between providers, stores, the tool
// manager and the orchestrator. Each package defines its own domain types;
// only cross-cutting data structures live here to avoid circular imports.
package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part kinds.
const (
	PartText  = "text"
	PartImage = "image_url"
)

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	// Type is PartText or PartImage.
	Type string

	// Text is set for text parts.
	Text string

	// URL is set for image parts. It is either an http(s) URL or a
	// base64 data URL ("data:image/jpeg;base64,...").
	URL string
}

// TextPart returns a text content part.
func TextPart(s string) ContentPart { return ContentPart{Type: PartText, Text: s} }

// ImagePart returns an image content part for the given URL or data URL.
func ImagePart(url string) ContentPart { return ContentPart{Type: PartImage, URL: url} }

// Message represents a single message in a conversation history.
//
// A message carries either plain text in Content or a multimodal body in
// Parts. When Parts is non-empty it takes precedence over Content.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Parts is the structured multimodal body (text and image parts).
	Parts []ContentPart

	// Name is an optional participant name. For tool messages it carries the
	// name of the tool that produced the result.
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string

	// Timestamp records when the message entered the history. Zero for
	// transient messages.
	Timestamp time.Time
}

// Text returns the textual content of m, concatenating text parts when the
// message is multimodal.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type != PartText {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Images returns the image URLs carried by m.
func (m Message) Images() []string {
	var out []string
	for _, p := range m.Parts {
		if p.Type == PartImage {
			out = append(out, p.URL)
		}
	}
	return out
}

// wireMessage is the persisted JSON shape of a [Message]. Content is a plain
// string or a list of structured parts.
type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
}

type wirePart struct {
	Type     string   `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL *wireURL `json:"image_url,omitempty"`
}

type wireURL struct {
	URL string `json:"url"`
}

// MarshalJSON encodes m in the history wire shape.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Role:       m.Role,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	if !m.Timestamp.IsZero() {
		ts := m.Timestamp
		w.Timestamp = &ts
	}

	var err error
	if len(m.Parts) == 0 {
		w.Content, err = json.Marshal(m.Content)
	} else {
		parts := make([]wirePart, len(m.Parts))
		for i, p := range m.Parts {
			switch p.Type {
			case PartImage:
				parts[i] = wirePart{Type: PartImage, ImageURL: &wireURL{URL: p.URL}}
			default:
				parts[i] = wirePart{Type: PartText, Text: p.Text}
			}
		}
		w.Content, err = json.Marshal(parts)
	}
	if err != nil {
		return nil, fmt.Errorf("types: marshal message content: %w", err)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the history wire shape produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		Role:       w.Role,
		Name:       w.Name,
		ToolCalls:  w.ToolCalls,
		ToolCallID: w.ToolCallID,
	}
	if w.Timestamp != nil {
		m.Timestamp = *w.Timestamp
	}

	raw := bytes.TrimSpace(w.Content)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return nil
	case raw[0] == '"':
		return json.Unmarshal(raw, &m.Content)
	case raw[0] == '[':
		var parts []wirePart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return fmt.Errorf("types: decode message parts: %w", err)
		}
		m.Parts = make([]ContentPart, 0, len(parts))
		for _, p := range parts {
			switch p.Type {
			case PartImage:
				if p.ImageURL == nil {
					return errors.New("types: image part without image_url")
				}
				m.Parts = append(m.Parts, ImagePart(p.ImageURL.URL))
			default:
				m.Parts = append(m.Parts, TextPart(p.Text))
			}
		}
		return nil
	default:
		return fmt.Errorf("types: unsupported message content %.20s", raw)
	}
}

// ToolCall represents a tool/function invocation requested by the model.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string `json:"id"`

	// Name is the tool/function name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments string.
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool that can be offered to a model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in model prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// MaxDurationMs bounds a single invocation. Zero selects the manager default.
	MaxDurationMs int
}

// ToolResult is the outcome of a tool invocation. Content is always a JSON
// document; failures are reported with IsError set rather than as Go errors
// so the model can react to them.
type ToolResult struct {
	Content string
	IsError bool
}

// VoiceProfile describes a TTS voice configuration for a character.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Name is the human-readable voice name.
	Name string `yaml:"name"`

	// Provider identifies which TTS provider this voice belongs to.
	Provider string `yaml:"provider"`

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64 `yaml:"speed_factor"`

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string `yaml:"metadata"`
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
