// Package scheduler implements the Task Registry & Scheduler (spec §4.3):
// process-wide admission, lifecycle, and capacity control for background
// tool jobs. Capacity W bounds the number of concurrently Running tasks
// across every session in the process; a single FIFO of Pending tasks is
// drained as Running tasks complete. Task failures are reported, never
// retried — retry, if any, is the agent's responsibility via a new tool
// call in a later turn.
//
// Grounded on the teacher's scheduled-task runner shape
// (haasonsaas/nexus's internal/tasks package), simplified to the spec's
// single FIFO + fixed worker-pool-size admission model instead of
// cron-driven, distributed-lock scheduling.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acrylicshrimp/fathom/runtime/agent/telemetry"
	"github.com/acrylicshrimp/fathom/runtime/agent/tools"
	"github.com/acrylicshrimp/fathom/runtime/agent/trigger"
)

// State is a Task's position in the lifecycle state machine described in
// spec §4.3: Pending -> Running (admission); Running -> Succeeded | Failed
// (handler return); Pending | Running -> Canceled (session teardown or
// explicit cancel). Terminal states are final.
type State string

const (
	// StatePending means the task is admitted but waiting for a free
	// capacity slot.
	StatePending State = "pending"
	// StateRunning means the task has been dispatched to the executor.
	StateRunning State = "running"
	// StateSucceeded is a terminal state: the handler returned a
	// successful outcome.
	StateSucceeded State = "succeeded"
	// StateFailed is a terminal state: the handler returned an error
	// outcome.
	StateFailed State = "failed"
	// StateCanceled is a terminal state: the task was canceled before or
	// during execution.
	StateCanceled State = "canceled"
)

// IsTerminal reports whether s is one of the state machine's terminal
// states.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

type (
	// TaskSpec describes a tool call to admit as a background Task.
	TaskSpec struct {
		SessionID      string
		TurnSeqSpawned uint64
		ToolName       tools.Ident
		ToolArgs       []byte
	}

	// Task is the scheduler's record for one background tool invocation
	// (spec §3). A Task's SessionID back-reference matches the session
	// that owns it; Tasks are never shared across sessions and are
	// referenced by id, not by owning pointer, so teardown can cancel them
	// without the scheduler holding a reference back into session state.
	Task struct {
		TaskID         string
		SessionID      string
		TurnSeqSpawned uint64
		ToolName       tools.Ident
		ToolArgs       []byte
		State          State
		StartedAt      time.Time
		FinishedAt     time.Time
		Outcome        trigger.Outcome
	}

	// Executor runs the tool handler for a Task and returns its outcome.
	// Execute must honor ctx cancellation: when the owning session is
	// destroyed, the scheduler cancels the task's context, and Execute is
	// expected to return promptly rather than block indefinitely.
	Executor interface {
		Execute(ctx context.Context, task Task) trigger.Outcome
	}

	// Sink receives lifecycle notifications for tasks belonging to one
	// session. The Session Actor implements Sink and is responsible for
	// turning TaskStateChanged into a SessionEvent and TaskDone into a
	// trigger enqueued on its own inbox (spec §4.3's ordering guarantee:
	// for a given session, TaskStateChanged and the subsequent TaskDone
	// trigger are observed in that order).
	Sink interface {
		TaskStateChanged(task Task, from, to State)
		TaskDone(taskID string, outcome trigger.Outcome)
	}

	// Scheduler is the process-wide Task Registry & Scheduler. One
	// Scheduler instance serves every session in the process; capacity is
	// shared, not per-session (spec §4.3).
	Scheduler struct {
		executor Executor
		logger   telemetry.Logger

		mu           sync.Mutex
		capacity     int
		runningCount int
		pending      []*entry
		tasks        map[string]*entry
	}

	entry struct {
		task     Task
		sink     Sink
		cancel   context.CancelFunc
		canceled bool
	}
)

// New constructs a Scheduler with the given executor and concurrent-Running
// capacity W. capacity <= 0 is treated as 1.
func New(executor Executor, capacity int) *Scheduler {
	if capacity <= 0 {
		capacity = 1
	}
	return &Scheduler{
		executor: executor,
		logger:   telemetry.NewNoopLogger(),
		capacity: capacity,
		tasks:    make(map[string]*entry),
	}
}

// SetLogger wires a telemetry.Logger for admission/completion diagnostics. A
// nil logger is ignored, leaving the no-op default in place.
func (s *Scheduler) SetLogger(logger telemetry.Logger) {
	if logger == nil {
		return
	}
	s.logger = logger
}

// Submit admits spec as a new Task owned by sink's session. If the
// scheduler has spare Running capacity the task starts immediately
// (Pending -> Running happens synchronously before Submit returns, matching
// spec §4.2 step 5's "dispatch is not delayed until end-of-stream");
// otherwise it joins the Pending FIFO. sink.TaskStateChanged is invoked
// synchronously with the task's initial state before Submit returns.
func (s *Scheduler) Submit(ctx context.Context, sink Sink, spec TaskSpec) Task {
	task := Task{
		TaskID:         uuid.NewString(),
		SessionID:      spec.SessionID,
		TurnSeqSpawned: spec.TurnSeqSpawned,
		ToolName:       spec.ToolName,
		ToolArgs:       spec.ToolArgs,
		State:          StatePending,
	}
	e := &entry{task: task, sink: sink}

	s.mu.Lock()
	s.tasks[task.TaskID] = e
	admit := s.runningCount < s.capacity
	if admit {
		s.runningCount++
		e.task.State = StateRunning
		e.task.StartedAt = time.Now().UTC()
	} else {
		s.pending = append(s.pending, e)
	}
	snapshot := e.task
	s.mu.Unlock()

	s.logger.Debug(ctx, "task admitted", "session_id", snapshot.SessionID, "task_id", snapshot.TaskID, "tool_name", string(snapshot.ToolName), "state", string(snapshot.State))

	// The initial announcement reports the task's starting state (Pending
	// or, when admitted synchronously, Running) rather than a transition;
	// an empty "from" distinguishes it from later genuine transitions.
	sink.TaskStateChanged(snapshot, "", snapshot.State)
	if admit {
		s.run(ctx, e)
	}
	return snapshot
}

// run executes e's task on its own goroutine and drives the scheduler's
// completion/admission cycle once it returns.
func (s *Scheduler) run(parent context.Context, e *entry) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	e.cancel = cancel
	s.mu.Unlock()

	go func() {
		outcome := s.executor.Execute(ctx, e.task)
		cancel()
		s.complete(e, outcome)
	}()
}

// complete transitions a Running task to its terminal state, notifies the
// owning sink, frees a capacity slot, and admits the next Pending task (if
// any) in FIFO order.
func (s *Scheduler) complete(e *entry, outcome trigger.Outcome) {
	s.mu.Lock()
	wasCanceled := e.canceled
	from := e.task.State
	to := StateSucceeded
	if !outcome.OK {
		to = StateFailed
	}
	if wasCanceled {
		to = StateCanceled
	}
	e.task.State = to
	e.task.FinishedAt = time.Now().UTC()
	e.task.Outcome = outcome
	snapshot := e.task
	s.runningCount--

	var next *entry
	if len(s.pending) > 0 && s.runningCount < s.capacity {
		next = s.pending[0]
		s.pending = s.pending[1:]
		s.runningCount++
		next.task.State = StateRunning
		next.task.StartedAt = time.Now().UTC()
	}
	nextSnapshot := Task{}
	if next != nil {
		nextSnapshot = next.task
	}
	s.mu.Unlock()

	s.logger.Debug(context.Background(), "task completed", "session_id", snapshot.SessionID, "task_id", snapshot.TaskID, "from", string(from), "to", string(to))

	e.sink.TaskStateChanged(snapshot, from, to)
	if !wasCanceled {
		e.sink.TaskDone(snapshot.TaskID, outcome)
	}

	if next != nil {
		next.sink.TaskStateChanged(nextSnapshot, StatePending, StateRunning)
		s.run(context.Background(), next)
	}
}

// Cancel transitions taskID to Canceled (removing it from the Pending FIFO,
// or cancelling its running context). Like CancelSession, it never enqueues
// TaskDone: spec §4.3 only specifies TaskDone delivery for Succeeded/Failed
// outcomes, and treating every Canceled transition uniformly (teardown or
// explicit) keeps the state machine's terminal-notification rule simple and
// unambiguous. The synchronous TaskStateChanged(Canceled) is the
// authoritative signal for callers that need to observe the cancellation.
func (s *Scheduler) Cancel(taskID string) {
	s.cancelOne(taskID)
}

// CancelSession cancels every non-terminal task owned by sessionID, matching
// spec §4.3: "A task cancellation due to session teardown does not enqueue
// TaskDone."
func (s *Scheduler) CancelSession(sessionID string) {
	s.mu.Lock()
	var ids []string
	for id, e := range s.tasks {
		if e.task.SessionID == sessionID && !e.task.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.cancelOne(id)
	}
}

func (s *Scheduler) cancelOne(taskID string) {
	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if !ok || e.task.State.IsTerminal() {
		s.mu.Unlock()
		return
	}
	from := e.task.State
	switch from {
	case StatePending:
		for i, p := range s.pending {
			if p.task.TaskID == taskID {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		e.task.State = StateCanceled
		e.task.FinishedAt = time.Now().UTC()
		snapshot := e.task
		s.mu.Unlock()
		e.sink.TaskStateChanged(snapshot, from, StateCanceled)
		return
	case StateRunning:
		e.canceled = true
		cancel := e.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		// The running goroutine's Execute returns (possibly with a
		// context-canceled error) and complete() observes e.canceled,
		// finalizing the Running -> Canceled transition there so "from"
		// reflects the task's actual prior state.
		return
	default:
		s.mu.Unlock()
	}
}

// Get returns the current snapshot of taskID and whether it exists.
func (s *Scheduler) Get(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return e.task, true
}

// RunningCount returns the current number of Running tasks across the whole
// process, bounded by capacity (spec invariant P4).
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningCount
}
