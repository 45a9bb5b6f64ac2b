package builtin

import (
	"context"
	"time"

	"github.com/MrWong99/hearth/internal/tools"
	"github.com/MrWong99/hearth/pkg/types"
)

type datetimeResult struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Weekday  string `json:"weekday"`
	Timezone string `json:"timezone"`
	RFC3339  string `json:"rfc3339"`
}

func datetimeTool(now func() time.Time) tools.Tool {
	return tools.Tool{
		Definition: types.ToolDefinition{
			Name:          "get_datetime",
			Description:   "Return the player's current local date, time and weekday.",
			Parameters:    map[string]any{"type": "object", "properties": map[string]any{}},
			MaxDurationMs: 100,
		},
		Handler: func(context.Context, string) (string, error) {
			t := now()
			zone, _ := t.Zone()
			return encode(datetimeResult{
				Date:     t.Format(time.DateOnly),
				Time:     t.Format("15:04"),
				Weekday:  t.Weekday().String(),
				Timezone: zone,
				RFC3339:  t.Format(time.RFC3339),
			})
		},
	}
}
