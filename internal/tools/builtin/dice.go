package builtin

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/MrWong99/hearth/internal/tools"
	"github.com/MrWong99/hearth/pkg/types"
)

// Limits keep a single roll from producing absurd output.
const (
	maxDice  = 100
	maxSides = 1000
)

type rollArgs struct {
	Expression string `json:"expression"`
}

type rollResult struct {
	Expression string `json:"expression"`
	Rolls      []int  `json:"rolls"`
	Modifier   int    `json:"modifier,omitempty"`
	Total      int    `json:"total"`
}

func diceTool() tools.Tool {
	return tools.Tool{
		Definition: types.ToolDefinition{
			Name:        "roll_dice",
			Description: "Roll dice and return each die and the total. Accepts notation such as 1d20, 2d6+3 or d6-1.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "Dice expression, e.g. 2d6+3",
					},
				},
				"required": []any{"expression"},
			},
			MaxDurationMs: 100,
		},
		Handler: rollHandler(rand.IntN),
	}
}

// rollHandler returns the roll_dice handler using intN as the die source.
func rollHandler(intN func(int) int) tools.Handler {
	return func(_ context.Context, args string) (string, error) {
		var a rollArgs
		if err := decode(args, &a); err != nil {
			return "", err
		}
		count, sides, modifier, err := parseExpression(a.Expression)
		if err != nil {
			return "", err
		}
		rolls := make([]int, count)
		total := modifier
		for i := range count {
			rolls[i] = intN(sides) + 1
			total += rolls[i]
		}
		return encode(rollResult{Expression: a.Expression, Rolls: rolls, Modifier: modifier, Total: total})
	}
}

// parseExpression parses NdS, NdS+M or NdS-M. N defaults to 1.
func parseExpression(expr string) (count, sides, modifier int, err error) {
	expr = strings.ToLower(strings.ReplaceAll(expr, " ", ""))
	before, after, ok := strings.Cut(expr, "d")
	if !ok {
		return 0, 0, 0, fmt.Errorf("builtin: dice expression %q: missing 'd'", expr)
	}

	count = 1
	if before != "" {
		if count, err = strconv.Atoi(before); err != nil {
			return 0, 0, 0, fmt.Errorf("builtin: dice expression %q: bad count %q", expr, before)
		}
	}
	if count < 1 || count > maxDice {
		return 0, 0, 0, fmt.Errorf("builtin: dice expression %q: count must be between 1 and %d", expr, maxDice)
	}

	sidesStr, modStr, sign := after, "", 1
	if i := strings.IndexAny(after, "+-"); i >= 0 {
		sidesStr, modStr = after[:i], after[i+1:]
		if after[i] == '-' {
			sign = -1
		}
	}
	if sides, err = strconv.Atoi(sidesStr); err != nil {
		return 0, 0, 0, fmt.Errorf("builtin: dice expression %q: bad sides %q", expr, sidesStr)
	}
	if sides < 1 || sides > maxSides {
		return 0, 0, 0, fmt.Errorf("builtin: dice expression %q: sides must be between 1 and %d", expr, maxSides)
	}
	if modStr != "" {
		m, err := strconv.Atoi(modStr)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("builtin: dice expression %q: bad modifier %q", expr, modStr)
		}
		modifier = sign * m
	}
	return count, sides, modifier, nil
}
