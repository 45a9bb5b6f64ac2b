package socket

import (
	"fmt"
	"math"
	"strconv"

	"github.com/MrWong99/hearth/internal/task"
)

// Actions understood by the server.
const (
	ActionCreateTask    = "create_task"
	ActionGetTaskStatus = "get_task_status"
)

// Event types of a create_task request.
const (
	EventAnswer          = "answer"
	EventIdleTimeout     = "idle_timeout"
	EventSystemInfo      = "system_info"
	EventSystemInfoFlush = "system_info_flush"
	EventPositionMove    = "position_move"
)

// Request is one line sent by a game client.
type Request struct {
	Action    string       `json:"action"`
	Type      string       `json:"type,omitempty"`
	Character string       `json:"character,omitempty"`
	TaskUID   string       `json:"task_uid,omitempty"`
	Data      RequestData  `json:"data"`
	Context   *GameContext `json:"context,omitempty"`
}

// RequestData carries the player's input.
type RequestData struct {
	Message string   `json:"message,omitempty"`
	Images  []string `json:"image_base64_list,omitempty"`
}

// GameContext describes where the player is. Clients send numbers both as
// JSON numbers and as strings.
type GameContext struct {
	Distance    any    `json:"distance,omitempty"`
	RoomPlayer  any    `json:"roomPlayer,omitempty"`
	RoomMita    any    `json:"roomMita,omitempty"`
	Hierarchy   string `json:"hierarchy,omitempty"`
	CurrentInfo string `json:"currentInfo,omitempty"`
}

// Character variables holding the game context.
const (
	VarDistance    = "game_distance"
	VarRoomPlayer  = "game_room_player"
	VarRoomChar    = "game_room_character"
	VarHierarchy   = "game_hierarchy"
	VarCurrentInfo = "game_current_info"
)

// vars converts the context into character variables. Absent fields are
// left out.
func (g *GameContext) vars() map[string]any {
	out := map[string]any{}
	if g == nil {
		return out
	}
	if v, ok := numeric(g.Distance); ok {
		out[VarDistance] = v
	}
	if v, ok := numeric(g.RoomPlayer); ok {
		out[VarRoomPlayer] = v
	}
	if v, ok := numeric(g.RoomMita); ok {
		out[VarRoomChar] = v
	}
	if g.Hierarchy != "" {
		out[VarHierarchy] = g.Hierarchy
	}
	if g.CurrentInfo != "" {
		out[VarCurrentInfo] = g.CurrentInfo
	}
	return out
}

// numeric returns integral values as int64 and others as float64. Strings
// that do not parse to a finite number are kept as they are.
func numeric(v any) (any, bool) {
	switch n := v.(type) {
	case nil:
		return nil, false
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return n, true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
		return n, n != ""
	default:
		return fmt.Sprint(n), true
	}
}

// created answers create_task.
type created struct {
	TaskUID  string `json:"task_uid"`
	Buffered *int   `json:"buffered,omitempty"`
}

// update is pushed to the connection that created a task on every status
// change.
type update struct {
	Type   string    `json:"type"`
	UID    string    `json:"uid"`
	Status string    `json:"status"`
	Body   task.Wire `json:"body"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func errorf(format string, args ...any) errorFrame {
	return errorFrame{Type: "error", Error: fmt.Sprintf(format, args...)}
}
