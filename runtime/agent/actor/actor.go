// Package actor implements the Session Actor (spec §4.2): the
// single-consumer state machine that owns one session's trigger inbox,
// profile copies, and append-only history. Exactly one turn executes at a
// time per session; triggers queued while a turn runs are served strictly in
// arrival order once it ends.
package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/acrylicshrimp/fathom/modelorchestrator"
	"github.com/acrylicshrimp/fathom/runtime/agent/eventbus"
	"github.com/acrylicshrimp/fathom/runtime/agent/model"
	"github.com/acrylicshrimp/fathom/runtime/agent/profile"
	"github.com/acrylicshrimp/fathom/runtime/agent/runlog"
	"github.com/acrylicshrimp/fathom/runtime/agent/scheduler"
	"github.com/acrylicshrimp/fathom/runtime/agent/sessionevent"
	"github.com/acrylicshrimp/fathom/runtime/agent/telemetry"
	"github.com/acrylicshrimp/fathom/runtime/agent/toolregistry"
	"github.com/acrylicshrimp/fathom/runtime/agent/tools"
	"github.com/acrylicshrimp/fathom/runtime/agent/trigger"

	"github.com/google/uuid"
)

const inboxBufferSize = 64

type (
	// Config bundles the collaborators a Session Actor needs. Every field is
	// shared across every session the process hosts except AgentID/UserIDs,
	// which name the profiles this particular session copies.
	Config struct {
		SessionID string
		AgentID   string
		// UserIDs lists the participant users whose profile copies this
		// session carries (spec §3's participant_user_profile_copies).
		// Populated once at session creation by the Facade, which has
		// already validated every id exists; RefreshAll also iterates this
		// list to decide which user profiles to re-copy.
		UserIDs []string

		Profiles     profile.Store
		Bus          *eventbus.Bus
		RunLog       runlog.Store
		Scheduler    *scheduler.Scheduler
		Registry     *toolregistry.Registry
		Orchestrator *modelorchestrator.Orchestrator
		Logger       telemetry.Logger

		ModelClass model.ModelClass
	}

	// Actor is the Session Actor for one session. It must be driven by a
	// single Run goroutine; all mutation of its in-memory state happens on
	// that goroutine, so the turn loop itself needs no locking. A mutex
	// guards only the small surface (profile copies, history) that
	// SubscribeEvents-adjacent readers may inspect concurrently.
	Actor struct {
		cfg Config

		inbox chan trigger.Trigger

		mu           sync.Mutex
		agentProfile profile.AgentProfile
		userProfiles map[string]profile.UserProfile
		history      []trigger.HistoryEntry
		turnSeq      uint64

		done chan struct{}
		stop context.CancelFunc
	}
)

// New constructs an Actor for cfg.SessionID. Call Run to start its loop.
func New(cfg Config) *Actor {
	return &Actor{
		cfg:          cfg,
		inbox:        make(chan trigger.Trigger, inboxBufferSize),
		userProfiles: make(map[string]profile.UserProfile),
		done:         make(chan struct{}),
	}
}

// EnqueueTrigger admits t into the session's inbox and publishes
// TriggerAccepted. It never blocks the caller on turn execution: triggers
// queue and are served in order by the Run loop.
func (a *Actor) EnqueueTrigger(t trigger.Trigger) error {
	select {
	case a.inbox <- t:
	case <-a.done:
		return fmt.Errorf("actor: session %s is shut down", a.cfg.SessionID)
	default:
		return fmt.Errorf("actor: session %s inbox full", a.cfg.SessionID)
	}
	a.publish(sessionevent.NewTriggerAccepted(a.cfg.SessionID, t.ID(), string(t.Kind()), time.Now().UTC()))
	return nil
}

// Run drives the session's trigger loop until ctx is canceled or Shutdown is
// called. It must run on its own goroutine; only one Run call per Actor is
// valid at a time, matching the "exactly one turn running per session"
// invariant (spec invariant P1) by construction — there is only ever one
// loop to run a turn.
func (a *Actor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.stop = cancel
	defer close(a.done)
	defer a.cfg.Scheduler.CancelSession(a.cfg.SessionID)

	a.loadInitialProfiles(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-a.inbox:
			// Snapshot cut (spec §4.2 step 1): fold in every trigger already
			// queued at this instant, not just t, so triggers that arrived
			// before the turn started land in the same turn. Anything that
			// arrives later, including while this turn's model call is
			// streaming, waits in a fresh queue for the next snapshot.
			snapshot := []trigger.Trigger{t}
		drain:
			for {
				select {
				case next := <-a.inbox:
					snapshot = append(snapshot, next)
				default:
					break drain
				}
			}
			a.handleSnapshot(ctx, snapshot)
		}
	}
}

// Shutdown stops the Run loop and cancels every non-terminal task the
// session owns, per spec §4.3's teardown semantics.
func (a *Actor) Shutdown() {
	if a.stop != nil {
		a.stop()
	}
}

// History returns a snapshot copy of the session's committed history so far.
// Safe to call concurrently with the Run loop.
func (a *Actor) History() []trigger.HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]trigger.HistoryEntry, len(a.history))
	copy(out, a.history)
	return out
}

// TaskStateChanged implements scheduler.Sink. It republishes the transition
// as a session event; it never advances the turn loop directly. publish logs
// the transition at debug level, so no separate logging is done here.
func (a *Actor) TaskStateChanged(task scheduler.Task, from, to scheduler.State) {
	a.publish(sessionevent.NewTaskStateChanged(a.cfg.SessionID, task.TaskID, task.ToolName, string(from), string(to), time.Now().UTC()))
}

// TaskDone implements scheduler.Sink. It enqueues a TaskDone trigger so the
// outcome is folded into history by a future turn, preserving the ordering
// guarantee that TaskStateChanged(...,Succeeded|Failed) is observed before
// the corresponding TaskDone trigger (spec §4.3).
func (a *Actor) TaskDone(taskID string, outcome trigger.Outcome) {
	t := trigger.NewTaskDone(newTriggerID(), taskID, outcome, time.Now().UTC())
	if err := a.EnqueueTrigger(t); err != nil {
		a.cfg.Logger.Error(context.Background(), "actor: failed to enqueue task_done trigger", "session_id", a.cfg.SessionID, "task_id", taskID, "error", err)
	}
}

// handleSnapshot processes one turn's worth of triggers, cut together by Run.
// Any RefreshProfile triggers in the snapshot are applied first (spec §4.2
// step 2) so that a UserMessage folded into the same snapshot composes its
// prompt against the freshly refreshed profile copies (spec §8 scenario 6).
// If the snapshot is refreshes only, the turn commits its trigger records
// without invoking the Model Orchestrator (Open Question decision — see
// DESIGN.md); otherwise every trigger in the snapshot, refreshes included,
// drives one combined turn.
func (a *Actor) handleSnapshot(ctx context.Context, snapshot []trigger.Trigger) {
	onlyRefreshes := true
	for _, t := range snapshot {
		if rp, ok := t.(trigger.RefreshProfile); ok {
			a.applyRefresh(ctx, rp)
		} else {
			onlyRefreshes = false
		}
	}
	a.runTurn(ctx, snapshot, onlyRefreshes)
}

// loadInitialProfiles copies the session's agent and participant user
// profiles from the canonical Profile Store once, before the turn loop
// starts (spec §3: "agent_profile_copy ... taken at creation / refresh").
// The Facade has already validated these ids exist at CreateSession time, so
// a failure here (a profile deleted out from under a just-created session,
// in a hypothetical future revision) is logged rather than treated as fatal
// — the session still starts with whatever copies it could load, and a
// later RefreshProfile can retry.
func (a *Actor) loadInitialProfiles(ctx context.Context) {
	if canonical, err := a.cfg.Profiles.GetAgent(ctx, a.cfg.AgentID); err != nil {
		a.cfg.Logger.Error(ctx, "actor: initial agent profile load failed", "session_id", a.cfg.SessionID, "error", err)
	} else {
		a.mu.Lock()
		a.agentProfile = profile.CloneAgent(canonical)
		a.mu.Unlock()
	}
	for _, userID := range a.cfg.UserIDs {
		canonical, err := a.cfg.Profiles.GetUser(ctx, userID)
		if err != nil {
			a.cfg.Logger.Error(ctx, "actor: initial user profile load failed", "session_id", a.cfg.SessionID, "user_id", userID, "error", err)
			continue
		}
		a.mu.Lock()
		a.userProfiles[userID] = profile.CloneUser(canonical)
		a.mu.Unlock()
	}
}

func (a *Actor) applyRefresh(ctx context.Context, rp trigger.RefreshProfile) {
	refreshAgent := rp.Which == trigger.RefreshAgent || rp.Which == trigger.RefreshAll

	if refreshAgent {
		canonical, err := a.cfg.Profiles.GetAgent(ctx, a.cfg.AgentID)
		if err != nil {
			a.cfg.Logger.Error(ctx, "actor: refresh agent profile failed", "session_id", a.cfg.SessionID, "error", err)
		} else {
			a.mu.Lock()
			a.agentProfile = profile.CloneAgent(canonical)
			a.mu.Unlock()
			a.publish(sessionevent.NewProfileRefreshed(a.cfg.SessionID, string(profile.KindAgent), a.cfg.AgentID, time.Now().UTC()))
		}
	}

	// RefreshAll re-copies every participant user profile this session
	// carries, not just the trigger's own UserID (which is typically empty
	// for an "all" refresh); RefreshUser re-copies exactly the named user.
	var userIDs []string
	switch {
	case rp.Which == trigger.RefreshAll:
		userIDs = a.cfg.UserIDs
	case rp.Which == trigger.RefreshUser && rp.UserID != "":
		userIDs = []string{rp.UserID}
	}
	for _, userID := range userIDs {
		canonical, err := a.cfg.Profiles.GetUser(ctx, userID)
		if err != nil {
			a.cfg.Logger.Error(ctx, "actor: refresh user profile failed", "session_id", a.cfg.SessionID, "user_id", userID, "error", err)
			continue
		}
		a.mu.Lock()
		a.userProfiles[userID] = profile.CloneUser(canonical)
		a.mu.Unlock()
		a.publish(sessionevent.NewProfileRefreshed(a.cfg.SessionID, string(profile.KindUser), userID, time.Now().UTC()))
	}
}

// runTurn executes one full turn for snapshot: snapshot cut, prompt
// composition, model invocation, immediate tool dispatch, and atomic history
// commit (spec §4.2 steps 1-7). skipModelCall is set when snapshot consists
// entirely of RefreshProfile triggers (Open Question decision): the turn
// still cuts, emits TurnStarted/TurnEnded, and commits the snapshot's trigger
// records, but never calls the Model Orchestrator.
func (a *Actor) runTurn(ctx context.Context, snapshot []trigger.Trigger, skipModelCall bool) {
	a.mu.Lock()
	a.turnSeq++
	turnSeq := a.turnSeq
	a.mu.Unlock()

	triggerIDs := make([]string, len(snapshot))
	for i, t := range snapshot {
		triggerIDs[i] = t.ID()
	}
	a.publish(sessionevent.NewTurnStarted(a.cfg.SessionID, turnSeq, triggerIDs, time.Now().UTC()))

	// Entries are buffered and committed atomically at the end of the turn,
	// never partially: a turn that ends in TurnFailure appends nothing to
	// history (spec invariant P5), even though any tool call the model
	// already emitted was genuinely dispatched to the scheduler and keeps
	// running to completion (spec §8 scenario 4). Every trigger in the
	// snapshot is recorded, in snapshot order (spec invariant P1).
	pending := make([]trigger.HistoryEntry, 0, len(snapshot)+1)
	for _, t := range snapshot {
		pending = append(pending, trigger.HistoryEntry{Kind: trigger.HistoryKindTriggerRecord, TurnSeq: turnSeq, TriggerRecord: t})
	}

	if skipModelCall {
		historyIndex := a.commitHistory(pending)
		a.publish(sessionevent.NewTurnEnded(a.cfg.SessionID, turnSeq, historyIndex, time.Now().UTC()))
		return
	}

	req := a.composeRequest(snapshot, turnSeq)

	var (
		toolDispatched bool
		finalText      string
		turnErr        error
	)
	emit := func(evt modelorchestrator.ModelEvent) error {
		switch evt.Kind {
		case modelorchestrator.EventText:
			finalText += evt.TextFragment
			a.publish(sessionevent.NewAgentStream(a.cfg.SessionID, turnSeq, "text_delta", "", evt.TextFragment, time.Now().UTC()))
		case modelorchestrator.EventToolCall:
			if evt.ToolCall != nil {
				toolDispatched = true
				var (
					entry       trigger.HistoryEntry
					resultEntry *trigger.HistoryEntry
				)
				if outcome, ok := a.findIdempotentReuse(evt.ToolCall); ok {
					entry, resultEntry = a.reuseIdempotentCall(turnSeq, evt.ToolCall, outcome)
				} else {
					entry = a.dispatchToolCall(ctx, turnSeq, evt.ToolCall)
				}
				pending = append(pending, entry)
				if rec := entry.AssistantToolCall; rec != nil {
					a.publish(sessionevent.NewAssistantToolCallOutput(a.cfg.SessionID, turnSeq, sessionevent.AssistantToolCall{
						TaskID:   rec.TaskID,
						ToolName: rec.ToolName,
						Payload:  rec.Payload,
					}, time.Now().UTC()))
				}
				if resultEntry != nil {
					pending = append(pending, *resultEntry)
				}
			}
		case modelorchestrator.EventDone:
			a.publish(sessionevent.NewAgentStream(a.cfg.SessionID, turnSeq, "done", "", "", time.Now().UTC()))
		case modelorchestrator.EventError:
			turnErr = evt.Err
			a.publish(sessionevent.NewAgentStream(a.cfg.SessionID, turnSeq, "error", "", evt.Err.Error(), time.Now().UTC()))
		}
		return nil
	}

	if err := a.cfg.Orchestrator.Invoke(ctx, req, emit); err != nil {
		turnErr = err
	}

	if turnErr != nil {
		a.publish(sessionevent.NewTurnFailure(a.cfg.SessionID, turnSeq, turnErr.Error(), time.Now().UTC()))
		return
	}

	if !toolDispatched && finalText != "" {
		pending = append(pending, trigger.HistoryEntry{Kind: trigger.HistoryKindAssistantOutput, TurnSeq: turnSeq, AssistantText: finalText})
	}

	historyIndex := a.commitHistory(pending)
	if !toolDispatched && finalText != "" {
		a.publish(sessionevent.NewAssistantOutput(a.cfg.SessionID, turnSeq, finalText, time.Now().UTC()))
	}
	a.publish(sessionevent.NewTurnEnded(a.cfg.SessionID, turnSeq, historyIndex, time.Now().UTC()))
}

// dispatchToolCall admits call as a background Task and returns the history
// entry recording the assistant's tool-call intent. Dispatch to the
// scheduler happens synchronously within the turn (spec §4.2 step 5) and is
// irreversible regardless of how the turn ultimately ends; the returned
// entry itself is only durable once the caller commits the turn's buffered
// entries.
func (a *Actor) dispatchToolCall(ctx context.Context, turnSeq uint64, call *model.ToolCall) trigger.HistoryEntry {
	if call == nil {
		return trigger.HistoryEntry{}
	}
	task := a.cfg.Scheduler.Submit(ctx, a, scheduler.TaskSpec{
		SessionID:      a.cfg.SessionID,
		TurnSeqSpawned: turnSeq,
		ToolName:       call.Name,
		ToolArgs:       call.Payload,
	})
	return trigger.HistoryEntry{
		Kind:    trigger.HistoryKindAssistantOutput,
		TurnSeq: turnSeq,
		AssistantToolCall: &trigger.AssistantToolCallRecord{
			TaskID:   task.TaskID,
			ToolName: call.Name,
			Payload:  call.Payload,
		},
	}
}

// findIdempotentReuse reports whether call names a tool tagged
// tools.IdempotencyScopeTranscript (runtime/agent/tools/idempotency.go) and,
// if so, whether an identical call (same tool name, byte-identical canonical
// arguments) already succeeded earlier in this session's committed history.
// A match lets the turn engine skip a redundant re-dispatch of a call whose
// result is already known, per SPEC_FULL.md's idempotent-tool-tagging
// supplement.
func (a *Actor) findIdempotentReuse(call *model.ToolCall) (trigger.Outcome, bool) {
	if call == nil || a.cfg.Registry == nil {
		return trigger.Outcome{}, false
	}
	reg, ok := a.cfg.Registry.Lookup(call.Name)
	if !ok {
		return trigger.Outcome{}, false
	}
	if scope, found, err := tools.IdempotencyScopeFromTags(reg.Spec.Tags); err != nil || !found || scope != tools.IdempotencyScopeTranscript {
		return trigger.Outcome{}, false
	}

	a.mu.Lock()
	historyCopy := make([]trigger.HistoryEntry, len(a.history))
	copy(historyCopy, a.history)
	a.mu.Unlock()

	// Map each prior call's TaskID to whether its arguments match, then scan
	// forward for the TaskDone trigger record carrying that TaskID's outcome.
	matchingTaskIDs := make(map[string]bool)
	for _, h := range historyCopy {
		if h.Kind == trigger.HistoryKindAssistantOutput && h.AssistantToolCall != nil {
			rec := h.AssistantToolCall
			if rec.ToolName == call.Name && bytes.Equal([]byte(rec.Payload), []byte(call.Payload)) {
				matchingTaskIDs[rec.TaskID] = true
			}
		}
	}
	if len(matchingTaskIDs) == 0 {
		return trigger.Outcome{}, false
	}
	for _, h := range historyCopy {
		if h.Kind != trigger.HistoryKindTriggerRecord {
			continue
		}
		td, ok := h.TriggerRecord.(trigger.TaskDone)
		if !ok || !matchingTaskIDs[td.TaskID] {
			continue
		}
		if td.Outcome.OK {
			return td.Outcome, true
		}
	}
	return trigger.Outcome{}, false
}

// reuseIdempotentCall synthesizes the pair of history entries that a real
// dispatch-then-TaskDone round trip would have produced, without submitting a
// new Task to the Scheduler: the assistant's tool-call record (so the
// transcript still shows the call was made) and a trigger-record entry
// wrapping a synthetic TaskDone carrying the reused outcome, folded into the
// same turn rather than waiting for a future snapshot — there is no
// background work left to observe, since outcome is already known.
func (a *Actor) reuseIdempotentCall(turnSeq uint64, call *model.ToolCall, outcome trigger.Outcome) (trigger.HistoryEntry, *trigger.HistoryEntry) {
	taskID := newTriggerID()
	a.publish(sessionevent.NewTaskStateChanged(a.cfg.SessionID, taskID, call.Name, string(scheduler.StateRunning), string(scheduler.StateSucceeded), time.Now().UTC()))

	callEntry := trigger.HistoryEntry{
		Kind:    trigger.HistoryKindAssistantOutput,
		TurnSeq: turnSeq,
		AssistantToolCall: &trigger.AssistantToolCallRecord{
			TaskID:   taskID,
			ToolName: call.Name,
			Payload:  call.Payload,
		},
	}
	resultEntry := trigger.HistoryEntry{
		Kind:          trigger.HistoryKindTriggerRecord,
		TurnSeq:       turnSeq,
		TriggerRecord: trigger.NewTaskDone(newTriggerID(), taskID, outcome, time.Now().UTC()),
	}
	return callEntry, &resultEntry
}

// composeRequest builds the model.Request for turnSeq: a system message
// derived from the session's agent profile copy, the committed history
// rendered as transcript messages, and the turn's trigger snapshot rendered
// as structured turn input (spec §4.2 step 4), followed by the tool
// definitions from the Tool Registry.
func (a *Actor) composeRequest(snapshot []trigger.Trigger, turnSeq uint64) *model.Request {
	a.mu.Lock()
	agentProfile := profile.CloneAgent(a.agentProfile)
	userProfiles := make([]profile.UserProfile, 0, len(a.cfg.UserIDs))
	for _, userID := range a.cfg.UserIDs {
		if p, ok := a.userProfiles[userID]; ok {
			userProfiles = append(userProfiles, profile.CloneUser(p))
		}
	}
	historyCopy := make([]trigger.HistoryEntry, len(a.history))
	copy(historyCopy, a.history)
	a.mu.Unlock()

	entries := []model.TranscriptEntry{
		{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: composeSystemPrompt(agentProfile)}}},
	}
	for _, up := range userProfiles {
		entries = append(entries, model.TranscriptEntry{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: composeUserSection(up)}}})
	}
	for _, h := range historyCopy {
		entries = append(entries, historyEntryToTranscript(h)...)
	}
	for _, t := range snapshot {
		entries = append(entries, triggerToTranscript(t)...)
	}

	return &model.Request{
		RunID:      a.cfg.SessionID,
		ModelClass: a.cfg.ModelClass,
		Messages:   model.BuildMessagesFromTranscript(entries),
		Tools:      a.toolDefinitions(),
		Stream:     true,
	}
}

func (a *Actor) toolDefinitions() []*model.ToolDefinition {
	specs := a.cfg.Registry.Specs()
	defs := make([]*model.ToolDefinition, 0, len(specs))
	for _, s := range specs {
		var schema any
		if len(s.Payload.Schema) > 0 {
			_ = json.Unmarshal(s.Payload.Schema, &schema)
		}
		defs = append(defs, &model.ToolDefinition{
			Name:        string(s.Name),
			Description: s.Description,
			InputSchema: schema,
		})
	}
	return defs
}

func composeSystemPrompt(p profile.AgentProfile) string {
	prompt := "You are " + p.Name + ".\n"
	for _, field := range profile.AgentManagedFields {
		if content, ok := p.ManagedFields[field]; ok && content != "" {
			prompt += "\n## " + field + "\n" + content + "\n"
		}
	}
	if p.Memory != "" {
		prompt += "\n## Memory\n" + p.Memory + "\n"
	}
	return prompt
}

// composeUserSection renders one participant user profile copy's managed
// fields, memory, and preferences (spec §4.2 step 4b) as a system-role
// transcript entry, rendered alongside the agent's own system prompt.
func composeUserSection(p profile.UserProfile) string {
	prompt := "## Participant: " + p.Name + "\n"
	for _, field := range profile.UserManagedFields {
		if content, ok := p.ManagedFields[field]; ok && content != "" {
			prompt += "\n### " + field + "\n" + content + "\n"
		}
	}
	if p.Memory != "" {
		prompt += "\n### Memory\n" + p.Memory + "\n"
	}
	if len(p.Preferences) > 0 {
		keys := make([]string, 0, len(p.Preferences))
		for k := range p.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		prompt += "\n### Preferences\n"
		for _, k := range keys {
			prompt += "- " + k + ": " + p.Preferences[k] + "\n"
		}
	}
	return prompt
}

func historyEntryToTranscript(h trigger.HistoryEntry) []model.TranscriptEntry {
	switch h.Kind {
	case trigger.HistoryKindTriggerRecord:
		return triggerToTranscript(h.TriggerRecord)
	case trigger.HistoryKindAssistantOutput:
		if h.AssistantToolCall != nil {
			return []model.TranscriptEntry{{
				Role: model.ConversationRoleAssistant,
				Parts: []model.Part{model.ToolUsePart{
					ID:    h.AssistantToolCall.TaskID,
					Name:  string(h.AssistantToolCall.ToolName),
					Input: rawMessageToAny(h.AssistantToolCall.Payload),
				}},
			}}
		}
		if h.AssistantText != "" {
			return []model.TranscriptEntry{{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: h.AssistantText}}}}
		}
	case trigger.HistoryKindToolResult:
		content := any(h.ToolResultOutcome.ErrorMessage)
		if h.ToolResultOutcome.OK {
			content = rawMessageToAny(h.ToolResultOutcome.Result)
		}
		return []model.TranscriptEntry{{
			Role: model.ConversationRoleUser,
			Parts: []model.Part{model.ToolResultPart{
				ToolUseID: h.ToolResultTaskID,
				Content:   content,
				IsError:   !h.ToolResultOutcome.OK,
			}},
		}}
	}
	return nil
}

func triggerToTranscript(t trigger.Trigger) []model.TranscriptEntry {
	switch v := t.(type) {
	case trigger.UserMessage:
		return []model.TranscriptEntry{{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: v.Text}}}}
	case trigger.TaskDone:
		content := any(v.Outcome.ErrorMessage)
		if v.Outcome.OK {
			content = rawMessageToAny(v.Outcome.Result)
		}
		return []model.TranscriptEntry{{
			Role: model.ConversationRoleUser,
			Parts: []model.Part{model.ToolResultPart{
				ToolUseID: v.TaskID,
				Content:   content,
				IsError:   !v.Outcome.OK,
			}},
		}}
	case trigger.Heartbeat, trigger.Cron:
		return nil
	default:
		return nil
	}
}

func rawMessageToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// commitHistory appends entries to history as a single atomic batch and
// returns the index of the last appended entry. Entries are durably logged
// to the run log in the same order they were appended to history.
func (a *Actor) commitHistory(entries []trigger.HistoryEntry) int {
	a.mu.Lock()
	a.history = append(a.history, entries...)
	historyIndex := len(a.history) - 1
	a.mu.Unlock()

	if a.cfg.RunLog == nil {
		return historyIndex
	}
	for _, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_ = a.cfg.RunLog.Append(context.Background(), &runlog.Event{
			RunID:     a.cfg.SessionID,
			SessionID: a.cfg.SessionID,
			Type:      sessionevent.TypeTurnEnded,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		})
	}
	return historyIndex
}

// publish forwards evt to the session's event bus and logs it at debug level
// with session_id (and task_id, for TaskStateChanged) fields, per the ambient
// logging contract every emitted SessionEvent carries.
func (a *Actor) publish(evt sessionevent.Event) {
	fields := []any{"session_id", evt.SessionID(), "type", string(evt.Type())}
	if tsc, ok := evt.(sessionevent.TaskStateChanged); ok {
		fields = append(fields, "task_id", tsc.TaskID)
	}
	a.cfg.Logger.Debug(context.Background(), "session event published", fields...)

	if a.cfg.Bus == nil {
		return
	}
	a.cfg.Bus.Publish(evt)
}

func newTriggerID() string {
	return uuid.NewString()
}
