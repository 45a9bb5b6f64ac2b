package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// summarisationPrompt is the system prompt sent to the model when
// summarising a conversation prefix.
const summarisationPrompt = `Summarise the following conversation between the character and the player.
Preserve: facts the player revealed, promises made, the character's feelings towards the player,
events that happened in the game world, and anything the character was asked to remember.
Write in the third person, be concise, and do not invent details.`

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	Summarise(ctx context.Context, messages []types.Message) (string, error)
}

// LLMSummariser summarises through an [llm.Generator] using a copy of a base
// request, so it inherits the model, credentials and parameters of the turn
// that triggered compression.
type LLMSummariser struct {
	gen  llm.Generator
	base llm.Request
}

// NewLLMSummariser returns a summariser that calls gen with base. Streaming
// and tools are always disabled for summary calls.
func NewLLMSummariser(gen llm.Generator, base llm.Request) *LLMSummariser {
	base.Stream = false
	base.OnChunk = nil
	base.ToolsOn = false
	base.Tools = nil
	base.ToolRunner = nil
	base.Messages = nil
	return &LLMSummariser{gen: gen, base: base}
}

// Summarise formats messages into a transcript and asks the model for a
// summary. Empty input yields an empty summary without a model call.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []types.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		text := m.Text()
		if text == "" {
			continue
		}
		speaker := m.Role
		if m.Role == types.RoleTool && m.Name != "" {
			speaker = "tool " + m.Name
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, text)
	}

	req := s.base
	temp := 0.3
	req.Params.Temperature = &temp
	req.Messages = []types.Message{
		{Role: types.RoleSystem, Content: summarisationPrompt},
		{Role: types.RoleUser, Content: sb.String()},
	}
	out, err := s.gen.Generate(ctx, &req)
	if err != nil {
		return "", fmt.Errorf("compress: summarise: %w", err)
	}
	return strings.TrimSpace(out), nil
}
