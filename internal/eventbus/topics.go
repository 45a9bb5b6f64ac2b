package eventbus

// Topic names. Payload types live with the package that emits them.
const (
	// Settings.
	TopicSettingChanged = "Settings.SettingChanged"
	TopicGetAppVars     = "Settings.GET_APP_VARS"

	// Chat pipeline.
	TopicSendMessage    = "Chat.SEND_MESSAGE"
	TopicTextReady      = "Chat.TEXT_READY"
	TopicStreamChunk    = "Chat.STREAM_CHUNK"
	TopicStreamFinished = "Chat.STREAM_FINISHED"
	TopicStreamReset    = "Chat.STREAM_RESET"
	TopicTokenCount     = "Chat.TOKEN_COUNT"
	TopicClearHistory   = "Chat.CLEAR_HISTORY"

	// Model outcomes.
	TopicFailedAttempt      = "Model.ON_FAILED_RESPONSE_ATTEMPT"
	TopicFailedResponse     = "Model.ON_FAILED_RESPONSE"
	TopicSuccessfulResponse = "Model.ON_SUCCESSFUL_RESPONSE"

	// Tasks.
	TopicTaskStatusChanged = "Task.TASK_STATUS_CHANGED"

	// Characters and game integration.
	TopicCharacterSnapshot = "Character.GET_SNAPSHOT"
	TopicCharacterSwitched = "Character.SWITCHED"
	TopicGameStart         = "Game.START"
	TopicGameEnd           = "Game.END"

	// Voiceover.
	TopicVoiceJob    = "Voice.JOB"
	TopicVoiceReady  = "Voice.READY"
	TopicVoiceFailed = "Voice.FAILED"
)
