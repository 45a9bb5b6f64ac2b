package task

// Flags are the runtime switches reported with every task on the socket.
type Flags struct {
	SileroConnected bool
	GMOn            bool
	GMRead          bool
	GMVoice         bool
}

// Wire is the task shape sent to socket clients.
type Wire struct {
	UID             string  `json:"uid"`
	Type            Type    `json:"type"`
	Status          Status  `json:"status"`
	Result          *Result `json:"result,omitempty"`
	PartialOutput   string  `json:"partial_output,omitempty"`
	Error           string  `json:"error,omitempty"`
	SileroConnected bool    `json:"silero_connected"`
	GMOn            bool    `json:"GM_ON"`
	GMRead          bool    `json:"GM_READ"`
	GMVoice         bool    `json:"GM_VOICE"`
}

// Wire renders t for the socket protocol.
func (t Task) Wire(f Flags) Wire {
	return Wire{
		UID:             t.UID,
		Type:            t.Type,
		Status:          t.Status,
		Result:          t.Result,
		PartialOutput:   t.PartialOutput,
		Error:           t.Error,
		SileroConnected: f.SileroConnected,
		GMOn:            f.GMOn,
		GMRead:          f.GMRead,
		GMVoice:         f.GMVoice,
	}
}
