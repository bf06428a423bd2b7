package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acrylicshrimp/fathom/runtime/agent/scheduler"
	"github.com/acrylicshrimp/fathom/runtime/agent/trigger"
)

// gatedExecutor blocks every task's Execute call until its release channel is
// closed, so tests can control exactly when a Running task completes and
// observe the scheduler's admission behavior in between.
type gatedExecutor struct {
	mu      sync.Mutex
	release map[string]chan struct{}
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{release: make(map[string]chan struct{})}
}

func (g *gatedExecutor) gateFor(taskID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.release[taskID]
	if !ok {
		ch = make(chan struct{})
		g.release[taskID] = ch
	}
	return ch
}

func (g *gatedExecutor) Release(taskID string) {
	close(g.gateFor(taskID))
}

func (g *gatedExecutor) Execute(ctx context.Context, task scheduler.Task) trigger.Outcome {
	select {
	case <-g.gateFor(task.TaskID):
	case <-ctx.Done():
		return trigger.Outcome{OK: false, ErrorKind: "Canceled", ErrorMessage: ctx.Err().Error()}
	}
	return trigger.Outcome{OK: true}
}

// recordingSink collects every TaskStateChanged/TaskDone callback it
// receives, in arrival order, guarded by a mutex since the scheduler may
// invoke it from more than one goroutine.
type recordingSink struct {
	mu         sync.Mutex
	transition []string
	done       []string
}

func (s *recordingSink) TaskStateChanged(task scheduler.Task, from, to scheduler.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transition = append(s.transition, string(from)+"->"+string(to))
}

func (s *recordingSink) TaskDone(taskID string, outcome trigger.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, taskID)
}

func (s *recordingSink) snapshot() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transition...), append([]string(nil), s.done...)
}

func TestSubmitAdmitsImmediatelyWithinCapacity(t *testing.T) {
	exec := newGatedExecutor()
	sched := scheduler.New(exec, 2)
	sink := &recordingSink{}

	task := sched.Submit(context.Background(), sink, scheduler.TaskSpec{SessionID: "s1", ToolName: "fs.read"})
	assert.Equal(t, scheduler.StateRunning, task.State)
	assert.Equal(t, 1, sched.RunningCount())

	exec.Release(task.TaskID)
	require.Eventually(t, func() bool { return sched.RunningCount() == 0 }, time.Second, time.Millisecond)

	transitions, done := sink.snapshot()
	assert.Equal(t, []string{"->running", "running->succeeded"}, transitions)
	assert.Equal(t, []string{task.TaskID}, done)
}

func TestSubmitQueuesBeyondCapacity(t *testing.T) {
	exec := newGatedExecutor()
	sched := scheduler.New(exec, 1)
	sink := &recordingSink{}

	first := sched.Submit(context.Background(), sink, scheduler.TaskSpec{SessionID: "s1", ToolName: "fs.read"})
	second := sched.Submit(context.Background(), sink, scheduler.TaskSpec{SessionID: "s1", ToolName: "fs.write"})

	assert.Equal(t, scheduler.StateRunning, first.State)
	assert.Equal(t, scheduler.StatePending, second.State)
	assert.Equal(t, 1, sched.RunningCount())

	exec.Release(first.TaskID)
	require.Eventually(t, func() bool {
		task, ok := sched.Get(second.TaskID)
		return ok && task.State == scheduler.StateRunning
	}, time.Second, time.Millisecond)

	exec.Release(second.TaskID)
	require.Eventually(t, func() bool { return sched.RunningCount() == 0 }, time.Second, time.Millisecond)
}

func TestCancelPendingDoesNotEnqueueTaskDone(t *testing.T) {
	exec := newGatedExecutor()
	sched := scheduler.New(exec, 1)
	sink := &recordingSink{}

	first := sched.Submit(context.Background(), sink, scheduler.TaskSpec{SessionID: "s1", ToolName: "fs.read"})
	second := sched.Submit(context.Background(), sink, scheduler.TaskSpec{SessionID: "s1", ToolName: "fs.write"})
	require.Equal(t, scheduler.StatePending, second.State)

	sched.Cancel(second.TaskID)
	task, ok := sched.Get(second.TaskID)
	require.True(t, ok)
	assert.Equal(t, scheduler.StateCanceled, task.State)

	_, done := sink.snapshot()
	assert.NotContains(t, done, second.TaskID)

	exec.Release(first.TaskID)
	require.Eventually(t, func() bool { return sched.RunningCount() == 0 }, time.Second, time.Millisecond)
}

func TestCancelSessionCancelsOnlyThatSessionsNonTerminalTasks(t *testing.T) {
	exec := newGatedExecutor()
	sched := scheduler.New(exec, 1)
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}

	taskA := sched.Submit(context.Background(), sinkA, scheduler.TaskSpec{SessionID: "a", ToolName: "fs.read"})
	taskB := sched.Submit(context.Background(), sinkB, scheduler.TaskSpec{SessionID: "b", ToolName: "fs.read"})
	require.Equal(t, scheduler.StateRunning, taskA.State)
	require.Equal(t, scheduler.StatePending, taskB.State)

	sched.CancelSession("b")
	got, ok := sched.Get(taskB.TaskID)
	require.True(t, ok)
	assert.Equal(t, scheduler.StateCanceled, got.State)

	stillRunning, ok := sched.Get(taskA.TaskID)
	require.True(t, ok)
	assert.Equal(t, scheduler.StateRunning, stillRunning.State)

	exec.Release(taskA.TaskID)
	require.Eventually(t, func() bool { return sched.RunningCount() == 0 }, time.Second, time.Millisecond)
}

func TestCapacityNeverExceeded(t *testing.T) {
	const capacity = 3
	exec := newGatedExecutor()
	sched := scheduler.New(exec, capacity)
	sink := &recordingSink{}

	var taskIDs []string
	for i := 0; i < capacity*3; i++ {
		task := sched.Submit(context.Background(), sink, scheduler.TaskSpec{SessionID: "s1", ToolName: "fs.read"})
		taskIDs = append(taskIDs, task.TaskID)
		assert.LessOrEqual(t, sched.RunningCount(), capacity)
	}

	for _, id := range taskIDs {
		exec.Release(id)
	}
	require.Eventually(t, func() bool { return sched.RunningCount() == 0 }, time.Second, time.Millisecond)
}

func TestFailedOutcomeReportsFailedStateAndTaskDone(t *testing.T) {
	sched := scheduler.New(failingExecutor{}, 1)
	sink := &recordingSink{}

	task := sched.Submit(context.Background(), sink, scheduler.TaskSpec{SessionID: "s1", ToolName: "fs.read"})
	require.Eventually(t, func() bool {
		got, ok := sched.Get(task.TaskID)
		return ok && got.State.IsTerminal()
	}, time.Second, time.Millisecond)

	got, _ := sched.Get(task.TaskID)
	assert.Equal(t, scheduler.StateFailed, got.State)
	assert.False(t, got.Outcome.OK)

	_, done := sink.snapshot()
	assert.Contains(t, done, task.TaskID)
}

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, task scheduler.Task) trigger.Outcome {
	return trigger.Outcome{OK: false, ErrorKind: "ToolExecFailed", ErrorMessage: "boom"}
}
