package chat

import (
	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/memory"
	"github.com/MrWong99/hearth/internal/task"
)

// Request is the payload of [eventbus.TopicSendMessage] and the input of
// [Engine.Turn].
type Request struct {
	// TaskUID links the turn to a task in the registry. Empty for turns
	// that are not tracked.
	TaskUID string `json:"task_uid,omitempty"`

	Character string    `json:"character"`
	Type      task.Type `json:"type"`

	UserInput string `json:"user_input,omitempty"`

	// SystemInput is the drained system-info buffer, sent to the model as a
	// system message ahead of the user message.
	SystemInput string `json:"system_input,omitempty"`

	// Images are base64 payloads or data URLs attached to the user message.
	Images []string `json:"-"`
}

// TextReady is the payload of [eventbus.TopicTextReady].
type TextReady struct {
	Character string `json:"character"`
	Text      string `json:"text"`
	TaskUID   string `json:"task_uid,omitempty"`
}

// StreamChunk is the payload of [eventbus.TopicStreamChunk].
type StreamChunk struct {
	Character string `json:"character"`
	TaskUID   string `json:"task_uid,omitempty"`
	Text      string `json:"text"`
}

// StreamFinished is the payload of [eventbus.TopicStreamFinished].
type StreamFinished struct {
	Character string `json:"character"`
	TaskUID   string `json:"task_uid,omitempty"`
}

// StreamReset is the payload of [eventbus.TopicStreamReset]. Chunks
// received earlier for the task belong to a failed attempt and are void.
type StreamReset struct {
	Character string `json:"character"`
	TaskUID   string `json:"task_uid,omitempty"`
	Attempt   int    `json:"attempt"`
}

// TokenCount is the payload of [eventbus.TopicTokenCount].
type TokenCount struct {
	Character    string `json:"character"`
	PromptTokens int    `json:"prompt_tokens"`
}

// FailedAttempt is the payload of [eventbus.TopicFailedAttempt].
type FailedAttempt struct {
	Character string `json:"character"`
	TaskUID   string `json:"task_uid,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Attempt   int    `json:"attempt"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

// FailedResponse is the payload of [eventbus.TopicFailedResponse]. Error is
// the short reason: the error kind, "no_provider" or "cancelled".
type FailedResponse struct {
	Character string `json:"character"`
	TaskUID   string `json:"task_uid,omitempty"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

// SuccessfulResponse is the payload of [eventbus.TopicSuccessfulResponse].
type SuccessfulResponse struct {
	Character string `json:"character"`
	TaskUID   string `json:"task_uid,omitempty"`
	Provider  string `json:"provider"`
	Attempt   int    `json:"attempt"`
}

// Switched is the payload of [eventbus.TopicCharacterSwitched].
type Switched struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Snapshot answers [eventbus.TopicCharacterSnapshot].
type Snapshot struct {
	Character     character.Snapshot `json:"character"`
	Memories      []memory.Entry     `json:"memories"`
	HistoryLength int                `json:"history_length"`
}
