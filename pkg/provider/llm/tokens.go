package llm

import "github.com/MrWong99/hearth/pkg/types"

// Heuristic token accounting shared by providers that have no tokenizer
// endpoint. English text averages roughly four characters per token.
const (
	charsPerToken  = 4
	perMessageCost = 4
	perImageCost   = 85
)

// EstimateTokens returns a rough prompt size for msgs.
func EstimateTokens(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		chars := len(m.Text()) + len(m.Name)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
		total += (chars+charsPerToken-1)/charsPerToken + perMessageCost
		total += perImageCost * len(m.Images())
	}
	return total
}
