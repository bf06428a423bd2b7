// Package trigger defines the Trigger and HistoryEntry tagged unions from
// spec §3: the heterogeneous inputs a Session Actor ingests (user messages,
// task completions, heartbeats, cron ticks, profile refreshes) and the
// append-only record a committed turn leaves in a session's history.
package trigger

import (
	"encoding/json"
	"time"

	"github.com/acrylicshrimp/fathom/runtime/agent/tools"
)

// Kind discriminates the concrete Trigger variant.
type Kind string

const (
	// KindUserMessage carries a message from a participant user.
	KindUserMessage Kind = "user_message"
	// KindTaskDone reports that a background Task reached a terminal state.
	KindTaskDone Kind = "task_done"
	// KindHeartbeat is a periodic liveness tick with no payload.
	KindHeartbeat Kind = "heartbeat"
	// KindCron reports that a scheduled cron rule fired.
	KindCron Kind = "cron"
	// KindRefreshProfile requests that the session re-copy one or more
	// canonical profiles at the next turn boundary.
	KindRefreshProfile Kind = "refresh_profile"
)

// RefreshWhich selects which profile copies a RefreshProfile trigger
// replaces.
type RefreshWhich string

const (
	// RefreshAgent replaces only the session's agent profile copy.
	RefreshAgent RefreshWhich = "agent"
	// RefreshUser replaces only the named participant user's profile copy.
	RefreshUser RefreshWhich = "user"
	// RefreshAll replaces the agent copy and every participant user copy.
	RefreshAll RefreshWhich = "all"
)

// Outcome is the structured result or error description carried by a
// TaskDone trigger, mirroring Task.Outcome (spec §3).
type Outcome struct {
	// OK reports whether the task succeeded.
	OK bool
	// Result is the canonical JSON result payload when OK is true.
	Result json.RawMessage
	// ErrorMessage is a human-readable failure description when OK is
	// false.
	ErrorMessage string
	// ErrorKind classifies the failure (e.g. "ToolExecFailed", "Exists",
	// "NotFound", "PathEscape") per spec §7.
	ErrorKind string
}

// Trigger is implemented by every concrete trigger variant. ID is an opaque,
// process-unique identifier assigned at creation; it is referenced by
// TriggerAccepted events and by HistoryEntry.TriggerRecord.
type Trigger interface {
	Kind() Kind
	ID() string
	CreatedAt() time.Time
}

type base struct {
	id        string
	createdAt time.Time
}

func (b base) ID() string           { return b.id }
func (b base) CreatedAt() time.Time { return b.createdAt }

type (
	// UserMessage is a message sent by a participant user.
	UserMessage struct {
		base
		UserID string
		Text   string
	}

	// TaskDone reports the terminal outcome of a background Task spawned by
	// a prior turn's tool call.
	TaskDone struct {
		base
		TaskID  string
		Outcome Outcome
	}

	// Heartbeat is a periodic liveness tick. It carries no payload and
	// exists so idle sessions can still be driven through a turn (e.g. for
	// ambient housekeeping) without an external trigger.
	Heartbeat struct {
		base
	}

	// Cron reports that the schedule identified by RuleID fired.
	Cron struct {
		base
		RuleID string
	}

	// RefreshProfile requests that canonical profiles be re-read from the
	// Profile Store and folded into the session's copies at the next turn
	// boundary (spec §4.2 step 2). UserID is set only when Which is
	// RefreshUser.
	RefreshProfile struct {
		base
		Which  RefreshWhich
		UserID string
	}
)

func (UserMessage) Kind() Kind    { return KindUserMessage }
func (TaskDone) Kind() Kind       { return KindTaskDone }
func (Heartbeat) Kind() Kind      { return KindHeartbeat }
func (Cron) Kind() Kind           { return KindCron }
func (RefreshProfile) Kind() Kind { return KindRefreshProfile }

// NewUserMessage constructs a UserMessage trigger with a fresh id.
func NewUserMessage(id, userID, text string, createdAt time.Time) UserMessage {
	return UserMessage{base: base{id: id, createdAt: createdAt}, UserID: userID, Text: text}
}

// NewTaskDone constructs a TaskDone trigger with a fresh id.
func NewTaskDone(id, taskID string, outcome Outcome, createdAt time.Time) TaskDone {
	return TaskDone{base: base{id: id, createdAt: createdAt}, TaskID: taskID, Outcome: outcome}
}

// NewHeartbeat constructs a Heartbeat trigger with a fresh id.
func NewHeartbeat(id string, createdAt time.Time) Heartbeat {
	return Heartbeat{base: base{id: id, createdAt: createdAt}}
}

// NewCron constructs a Cron trigger with a fresh id.
func NewCron(id, ruleID string, createdAt time.Time) Cron {
	return Cron{base: base{id: id, createdAt: createdAt}, RuleID: ruleID}
}

// NewRefreshProfile constructs a RefreshProfile trigger with a fresh id.
func NewRefreshProfile(id string, which RefreshWhich, userID string, createdAt time.Time) RefreshProfile {
	return RefreshProfile{base: base{id: id, createdAt: createdAt}, Which: which, UserID: userID}
}

// HistoryEntryKind discriminates the concrete HistoryEntry variant.
type HistoryEntryKind string

const (
	// HistoryKindTriggerRecord records a trigger consumed by the turn.
	HistoryKindTriggerRecord HistoryEntryKind = "trigger_record"
	// HistoryKindAssistantOutput records a completed assistant fragment
	// (text or a structured tool-call record).
	HistoryKindAssistantOutput HistoryEntryKind = "assistant_output"
	// HistoryKindToolResult records the outcome of a dispatched tool call.
	HistoryKindToolResult HistoryEntryKind = "tool_result"
)

// HistoryEntry is a single immutable entry appended to a session's history at
// turn commit (spec §3, §4.2 step 7). Entries are append-only and grouped
// atomically per turn.
type HistoryEntry struct {
	Kind    HistoryEntryKind
	TurnSeq uint64

	// TriggerRecord is populated when Kind is HistoryKindTriggerRecord.
	TriggerRecord Trigger

	// AssistantText is populated when Kind is HistoryKindAssistantOutput
	// and the output was free-form text.
	AssistantText string
	// AssistantToolCall is populated when Kind is HistoryKindAssistantOutput
	// and the output was a structured tool-call record.
	AssistantToolCall *AssistantToolCallRecord

	// ToolResultTaskID and ToolResultOutcome are populated when Kind is
	// HistoryKindToolResult.
	ToolResultTaskID   string
	ToolResultOutcome  Outcome
}

// AssistantToolCallRecord captures a tool invocation emitted by the model
// during a turn, recorded verbatim in history alongside its dispatched
// TaskID.
type AssistantToolCallRecord struct {
	TaskID   string
	ToolName tools.Ident
	Payload  json.RawMessage
}
