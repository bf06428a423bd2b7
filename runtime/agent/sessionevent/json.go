package sessionevent

import "encoding/json"

// MarshalJSON encodes TriggerAccepted with its Type discriminator and the
// common envelope fields (SessionID/Seq/Timestamp), which live on the
// unexported base and would otherwise be dropped by the default encoder.
func (e TriggerAccepted) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		TriggerID   string `json:"trigger_id"`
		TriggerKind string `json:"trigger_kind"`
	}{envelope: envelopeOf(e), TriggerID: e.TriggerID, TriggerKind: e.TriggerKind})
}

// MarshalJSON encodes TurnStarted with its envelope.
func (e TurnStarted) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		TurnSeq    uint64   `json:"turn_seq"`
		TriggerIDs []string `json:"trigger_ids"`
	}{envelope: envelopeOf(e), TurnSeq: e.TurnSeq, TriggerIDs: e.TriggerIDs})
}

// MarshalJSON encodes TurnEnded with its envelope.
func (e TurnEnded) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		TurnSeq      uint64 `json:"turn_seq"`
		HistoryIndex int    `json:"history_index"`
	}{envelope: envelopeOf(e), TurnSeq: e.TurnSeq, HistoryIndex: e.HistoryIndex})
}

// MarshalJSON encodes AssistantOutput with its envelope. Exactly one of Text
// or ToolCall is populated depending on whether the fragment was free text
// or a dispatched tool-call intent.
func (e AssistantOutput) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		TurnSeq  uint64             `json:"turn_seq"`
		Text     string             `json:"text,omitempty"`
		ToolCall *toolCallJSON      `json:"tool_call,omitempty"`
	}{envelope: envelopeOf(e), TurnSeq: e.TurnSeq, Text: e.Text, ToolCall: toolCallJSONOf(e.ToolCall)})
}

type toolCallJSON struct {
	TaskID   string          `json:"task_id"`
	ToolName string          `json:"tool_name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func toolCallJSONOf(c *AssistantToolCall) *toolCallJSON {
	if c == nil {
		return nil
	}
	return &toolCallJSON{TaskID: c.TaskID, ToolName: string(c.ToolName), Payload: c.Payload}
}

// MarshalJSON encodes TaskStateChanged with its envelope.
func (e TaskStateChanged) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		TaskID   string `json:"task_id"`
		ToolName string `json:"tool_name"`
		From     string `json:"from"`
		To       string `json:"to"`
	}{envelope: envelopeOf(e), TaskID: e.TaskID, ToolName: string(e.ToolName), From: e.From, To: e.To})
}

// MarshalJSON encodes ProfileRefreshed with its envelope.
func (e ProfileRefreshed) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		ProfileKind string `json:"profile_kind"`
		ProfileID   string `json:"profile_id"`
	}{envelope: envelopeOf(e), ProfileKind: e.ProfileKind, ProfileID: e.ProfileID})
}

// MarshalJSON encodes AgentStream with its envelope.
func (e AgentStream) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		TurnSeq    uint64 `json:"turn_seq"`
		Kind       string `json:"kind"`
		ToolCallID string `json:"tool_call_id"`
		Fragment   string `json:"fragment"`
	}{envelope: envelopeOf(e), TurnSeq: e.TurnSeq, Kind: e.Kind, ToolCallID: e.ToolCallID, Fragment: e.Fragment})
}

// MarshalJSON encodes TurnFailure with its envelope.
func (e TurnFailure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		TurnSeq uint64 `json:"turn_seq"`
		Reason  string `json:"reason"`
	}{envelope: envelopeOf(e), TurnSeq: e.TurnSeq, Reason: e.Reason})
}

// envelope carries the fields common to every session event's wire form.
type envelope struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"timestamp"`
}

func envelopeOf(e Event) envelope {
	return envelope{
		Type:      e.Type(),
		SessionID: e.SessionID(),
		Seq:       e.Seq(),
		Timestamp: e.Timestamp().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}
