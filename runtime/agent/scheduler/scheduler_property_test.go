package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/acrylicshrimp/fathom/runtime/agent/scheduler"
	"github.com/acrylicshrimp/fathom/runtime/agent/trigger"
)

// peakTrackingExecutor records the highest scheduler.RunningCount observed by
// any in-flight Execute call, so the property below can assert invariant P4
// (at any instant, Running tasks across the process are <= W) against an
// executor that genuinely overlaps work on separate goroutines rather than
// running everything sequentially.
type peakTrackingExecutor struct {
	sched *scheduler.Scheduler

	mu   sync.Mutex
	peak int
}

func (p *peakTrackingExecutor) Execute(ctx context.Context, task scheduler.Task) trigger.Outcome {
	p.mu.Lock()
	if n := p.sched.RunningCount(); n > p.peak {
		p.peak = n
	}
	p.mu.Unlock()

	time.Sleep(time.Millisecond)

	return trigger.Outcome{OK: true}
}

func (p *peakTrackingExecutor) observedPeak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

type noopSink struct{}

func (noopSink) TaskStateChanged(scheduler.Task, scheduler.State, scheduler.State) {}
func (noopSink) TaskDone(string, trigger.Outcome)                                  {}

// TestRunningCountNeverExceedsCapacityProperty exercises spec invariant P4:
// "At any instant, the number of tasks in state Running across all sessions
// is <= W." capacity and submission count are generated independently across
// each run, and every Submit call is followed by an immediate RunningCount
// check in addition to the executor's own concurrent high-water mark.
func TestRunningCountNeverExceedsCapacityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("RunningCount never exceeds capacity under any submission volume", prop.ForAll(
		func(capacity, submissions int) bool {
			exec := &peakTrackingExecutor{}
			sched := scheduler.New(exec, capacity)
			exec.sched = sched
			sink := noopSink{}

			var taskIDs []string
			for i := 0; i < submissions; i++ {
				task := sched.Submit(context.Background(), sink, scheduler.TaskSpec{
					SessionID: "prop-session",
					ToolName:  "fs.read",
				})
				taskIDs = append(taskIDs, task.TaskID)
				if sched.RunningCount() > capacity {
					return false
				}
			}

			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if sched.RunningCount() == 0 {
					break
				}
				time.Sleep(time.Millisecond)
			}

			return exec.observedPeak() <= capacity
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}
