// Package sessionevent defines the typed events published on a session's
// event stream. Every state transition a Session Actor makes is represented
// as exactly one of these variants and handed to the event bus in
// turn_seq/event_seq order.
package sessionevent

import (
	"encoding/json"
	"time"

	"github.com/acrylicshrimp/fathom/runtime/agent/tools"
)

// Type identifies the concrete kind of a session event.
type Type string

const (
	// TypeTriggerAccepted fires when a trigger is admitted into a session's
	// queue, before any turn consumes it.
	TypeTriggerAccepted Type = "trigger_accepted"
	// TypeTurnStarted fires when the Session Actor cuts a snapshot and begins
	// a new turn.
	TypeTurnStarted Type = "turn_started"
	// TypeTurnEnded fires once a turn's history entry has been committed.
	TypeTurnEnded Type = "turn_ended"
	// TypeAssistantOutput fires for each assistant-visible fragment produced
	// during a turn (streamed text or a completed message).
	TypeAssistantOutput Type = "assistant_output"
	// TypeTaskStateChanged fires on every Task state machine transition.
	TypeTaskStateChanged Type = "task_state_changed"
	// TypeProfileRefreshed fires after a profile upsert has been folded into
	// a session's next snapshot.
	TypeProfileRefreshed Type = "profile_refreshed"
	// TypeAgentStream fires for low-level model streaming fragments (text
	// deltas and done/error markers) forwarded for live UX.
	TypeAgentStream Type = "agent_stream"
	// TypeTurnFailure fires when a turn terminates abnormally.
	TypeTurnFailure Type = "turn_failure"
)

// Event is implemented by every concrete session event. SessionID and Seq
// identify its position on the per-session ordered log; Seq is assigned by
// the event bus at publish time and is monotonically increasing per session.
type Event interface {
	Type() Type
	SessionID() string
	Seq() uint64
	Timestamp() time.Time

	// WithSeq returns a copy of the event stamped with the given sequence
	// number. Called by eventbus.Bus.Publish; callers should not need to call
	// this directly.
	WithSeq(seq uint64) Event
}

type base struct {
	sessionID string
	seq       uint64
	ts        time.Time
}

func (b base) SessionID() string    { return b.sessionID }
func (b base) Seq() uint64          { return b.seq }
func (b base) Timestamp() time.Time { return b.ts }

// newBase constructs the embeddable base for a concrete event. Seq is left
// zero; the event bus assigns it via WithSeq immediately before publishing.
func newBase(sessionID string, ts time.Time) base {
	return base{sessionID: sessionID, ts: ts}
}

type (
	// TriggerAccepted reports that a trigger was admitted to a session's
	// queue.
	TriggerAccepted struct {
		base
		TriggerID   string
		TriggerKind string
	}

	// TurnStarted reports that a turn began executing against a snapshot cut
	// at TurnSeq. TriggerIDs lists every trigger folded into the snapshot, in
	// arrival order.
	TurnStarted struct {
		base
		TurnSeq    uint64
		TriggerIDs []string
	}

	// TurnEnded reports that a turn committed a history entry.
	TurnEnded struct {
		base
		TurnSeq      uint64
		HistoryIndex int
	}

	// AssistantOutput carries a completed assistant fragment produced during
	// a turn: either free text (Text set, ToolCall nil) or a dispatched
	// tool-call intent (ToolCall set, Text empty).
	AssistantOutput struct {
		base
		TurnSeq  uint64
		Text     string
		ToolCall *AssistantToolCall
	}

	// AssistantToolCall is the structured payload of a tool-call
	// AssistantOutput event.
	AssistantToolCall struct {
		TaskID   string
		ToolName tools.Ident
		Payload  json.RawMessage
	}

	// TaskStateChanged reports a Task state machine transition.
	TaskStateChanged struct {
		base
		TaskID   string
		ToolName tools.Ident
		From     string
		To       string
	}

	// ProfileRefreshed reports that an agent or user profile upsert has been
	// folded into the session's next snapshot.
	ProfileRefreshed struct {
		base
		ProfileKind string // "agent" or "user"
		ProfileID   string
	}

	// AgentStream carries a single streamed fragment from the Model
	// Orchestrator (a text delta, or a "done"/"error" marker) for
	// low-latency client UX. It is advisory; the canonical record of what
	// happened is TurnEnded's history entry.
	AgentStream struct {
		base
		TurnSeq    uint64
		Kind       string // "text_delta" | "done" | "error"
		ToolCallID string
		Fragment   string
	}

	// TurnFailure reports that a turn terminated abnormally.
	TurnFailure struct {
		base
		TurnSeq uint64
		Reason  string
	}
)

func (TriggerAccepted) Type() Type    { return TypeTriggerAccepted }
func (TurnStarted) Type() Type        { return TypeTurnStarted }
func (TurnEnded) Type() Type          { return TypeTurnEnded }
func (AssistantOutput) Type() Type    { return TypeAssistantOutput }
func (TaskStateChanged) Type() Type   { return TypeTaskStateChanged }
func (ProfileRefreshed) Type() Type   { return TypeProfileRefreshed }
func (AgentStream) Type() Type        { return TypeAgentStream }
func (TurnFailure) Type() Type        { return TypeTurnFailure }

func (e TriggerAccepted) WithSeq(seq uint64) Event  { e.seq = seq; return e }
func (e TurnStarted) WithSeq(seq uint64) Event      { e.seq = seq; return e }
func (e TurnEnded) WithSeq(seq uint64) Event        { e.seq = seq; return e }
func (e AssistantOutput) WithSeq(seq uint64) Event  { e.seq = seq; return e }
func (e TaskStateChanged) WithSeq(seq uint64) Event { e.seq = seq; return e }
func (e ProfileRefreshed) WithSeq(seq uint64) Event { e.seq = seq; return e }
func (e AgentStream) WithSeq(seq uint64) Event      { e.seq = seq; return e }
func (e TurnFailure) WithSeq(seq uint64) Event      { e.seq = seq; return e }

// NewTriggerAccepted constructs a TriggerAccepted event.
func NewTriggerAccepted(sessionID, triggerID, triggerKind string, ts time.Time) TriggerAccepted {
	return TriggerAccepted{base: newBase(sessionID, ts), TriggerID: triggerID, TriggerKind: triggerKind}
}

// NewTurnStarted constructs a TurnStarted event for a snapshot consisting of
// triggerIDs, in arrival order.
func NewTurnStarted(sessionID string, turnSeq uint64, triggerIDs []string, ts time.Time) TurnStarted {
	return TurnStarted{base: newBase(sessionID, ts), TurnSeq: turnSeq, TriggerIDs: triggerIDs}
}

// NewTurnEnded constructs a TurnEnded event.
func NewTurnEnded(sessionID string, turnSeq uint64, historyIndex int, ts time.Time) TurnEnded {
	return TurnEnded{base: newBase(sessionID, ts), TurnSeq: turnSeq, HistoryIndex: historyIndex}
}

// NewAssistantOutput constructs a text-bearing AssistantOutput event.
func NewAssistantOutput(sessionID string, turnSeq uint64, text string, ts time.Time) AssistantOutput {
	return AssistantOutput{base: newBase(sessionID, ts), TurnSeq: turnSeq, Text: text}
}

// NewAssistantToolCallOutput constructs a tool-call AssistantOutput event.
func NewAssistantToolCallOutput(sessionID string, turnSeq uint64, call AssistantToolCall, ts time.Time) AssistantOutput {
	return AssistantOutput{base: newBase(sessionID, ts), TurnSeq: turnSeq, ToolCall: &call}
}

// NewTaskStateChanged constructs a TaskStateChanged event.
func NewTaskStateChanged(sessionID, taskID string, toolName tools.Ident, from, to string, ts time.Time) TaskStateChanged {
	return TaskStateChanged{base: newBase(sessionID, ts), TaskID: taskID, ToolName: toolName, From: from, To: to}
}

// NewProfileRefreshed constructs a ProfileRefreshed event.
func NewProfileRefreshed(sessionID, profileKind, profileID string, ts time.Time) ProfileRefreshed {
	return ProfileRefreshed{base: newBase(sessionID, ts), ProfileKind: profileKind, ProfileID: profileID}
}

// NewAgentStream constructs an AgentStream event.
func NewAgentStream(sessionID string, turnSeq uint64, kind, toolCallID, fragment string, ts time.Time) AgentStream {
	return AgentStream{base: newBase(sessionID, ts), TurnSeq: turnSeq, Kind: kind, ToolCallID: toolCallID, Fragment: fragment}
}

// NewTurnFailure constructs a TurnFailure event.
func NewTurnFailure(sessionID string, turnSeq uint64, reason string, ts time.Time) TurnFailure {
	return TurnFailure{base: newBase(sessionID, ts), TurnSeq: turnSeq, Reason: reason}
}
