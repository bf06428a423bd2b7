// Package modelorchestrator drives a single model invocation for a turn: it
// retries transient provider failures with exponential backoff and jitter,
// enforces Fathom's tool-only policy (model text is cosmetic; a tool call is
// the only actionable output), and normalizes provider streaming output into
// a small ModelEvent contract the Session Actor consumes.
//
// The retry policy is grounded in the same shape as the teacher's A2A client
// retry helper: a capped exponential backoff with jitter, reused here for
// model-provider transient failures instead of A2A RPC failures.
package modelorchestrator

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/acrylicshrimp/fathom/runtime/agent/model"
	"github.com/acrylicshrimp/fathom/runtime/agent/telemetry"
)

type (
	// RetryPolicy configures the orchestrator's backoff behavior for
	// transient provider failures. Only errors wrapping model.ErrRateLimited
	// or *RateLimitError, and context.DeadlineExceeded, are retried; 5xx
	// responses and network errors that an adapter returns without such a
	// wrapper are not retried.
	RetryPolicy struct {
		MaxAttempts       int
		InitialBackoff    time.Duration
		MaxBackoff        time.Duration
		BackoffMultiplier float64
		Jitter            float64
	}

	// RateLimitError is returned by provider adapters (wrapping
	// model.ErrRateLimited) when the provider communicated a specific
	// retry-after duration (for example, an HTTP Retry-After header). The
	// orchestrator honors RetryAfter instead of computing its own backoff
	// when this error is observed.
	RateLimitError struct {
		RetryAfter time.Duration
		Cause      error
	}

	// EventKind classifies a ModelEvent.
	EventKind string

	// ModelEvent is the normalized streaming contract the Session Actor
	// consumes. Exactly one of the typed fields is populated, selected by
	// Kind.
	ModelEvent struct {
		Kind EventKind

		// TextFragment carries assistant text when Kind is EventText. Text is
		// cosmetic: the turn engine may surface it for streaming UX but never
		// treats it as an actionable instruction.
		TextFragment string

		// ToolCall carries a requested tool invocation when Kind is
		// EventToolCall. A single turn may emit more than one ToolCall event
		// (parallel tool calls); the orchestrator keeps draining the stream
		// after each one and emits every tool call the model requests.
		ToolCall *model.ToolCall

		// Err carries the terminal error when Kind is EventError.
		Err error

		// Usage carries token accounting when Kind is EventDone.
		Usage model.TokenUsage
	}

	// Orchestrator drives Invoke against an underlying model.Client.
	Orchestrator struct {
		client model.Client
		policy RetryPolicy
		logger telemetry.Logger
		tracer telemetry.Tracer
		metric telemetry.Metrics
	}
)

const (
	// EventText carries a streamed assistant text fragment.
	EventText EventKind = "text"
	// EventToolCall carries one tool call dispatched this turn; a turn may
	// emit several.
	EventToolCall EventKind = "tool_call"
	// EventDone marks a clean end of stream. It is also emitted mid-stream,
	// with Usage set, for each usage report the provider streams.
	EventDone EventKind = "done"
	// EventError marks a terminal, non-retryable failure.
	EventError EventKind = "error"
)

// DefaultRetryPolicy mirrors the A2A client's default backoff shape.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

func (e *RateLimitError) Error() string { return e.Cause.Error() }
func (e *RateLimitError) Unwrap() error { return e.Cause }

// New constructs an Orchestrator wrapping client with the given retry
// policy and telemetry. A zero-value policy falls back to
// DefaultRetryPolicy.
func New(client model.Client, policy RetryPolicy, logger telemetry.Logger, tracer telemetry.Tracer, metric telemetry.Metrics) *Orchestrator {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Orchestrator{client: client, policy: policy, logger: logger, tracer: tracer, metric: metric}
}

// Invoke streams a single model turn, retrying transient failures and
// collapsing the provider's chunk stream into ModelEvents. It drains the
// full turn, emitting every EventToolCall the model requests (a turn may
// request several tool calls in parallel), then an EventDone, or an
// EventError if the stream fails. Once any tool call has been dispatched a
// later stream failure is surfaced as a terminal EventError rather than
// retried, since the dispatched call's side effects may already be running.
//
// emit is called synchronously from Invoke's goroutine; it must not block
// indefinitely.
func (o *Orchestrator) Invoke(ctx context.Context, req *model.Request, emit func(ModelEvent) error) error {
	ctx, span := o.tracer.Start(ctx, "fathom.model_invoke")
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= o.policy.MaxAttempts; attempt++ {
		o.metric.IncCounter("fathom.model.attempts", 1)
		start := time.Now()
		err := o.invokeOnce(ctx, req, emit)
		o.metric.RecordTimer("fathom.model.attempt_duration", time.Since(start))
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			span.RecordError(err)
			return emit(ModelEvent{Kind: EventError, Err: err})
		}
		if attempt >= o.policy.MaxAttempts {
			break
		}

		wait := o.backoff(attempt, err)
		o.logger.Warn(ctx, "model invocation retrying", "attempt", attempt, "wait_ms", wait.Milliseconds())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return emit(ModelEvent{Kind: EventError, Err: lastErr})
}

func (o *Orchestrator) invokeOnce(ctx context.Context, req *model.Request, emit func(ModelEvent) error) error {
	stream, err := o.client.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	// toolCallDispatched tracks whether we have already emitted at least one
	// ToolCall event this invocation. Once a tool call has been dispatched,
	// its side effects may already be in flight (the Session Actor hands it
	// to the Scheduler as soon as emit returns), so a later stream error must
	// not be retried by Invoke's outer loop: that would risk the same turn
	// dispatching the tool call a second time. Instead it is surfaced as a
	// terminal EventError directly from here.
	var toolCallDispatched bool

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if isEOF(err) {
				return emit(ModelEvent{Kind: EventDone})
			}
			if toolCallDispatched {
				return emit(ModelEvent{Kind: EventError, Err: err})
			}
			return err
		}
		switch chunk.Type {
		case model.ChunkTypeToolCall:
			// A model may request several tool calls in one turn (parallel
			// tool calls); keep draining the stream after each so none are
			// silently dropped.
			toolCallDispatched = true
			if err := emit(ModelEvent{Kind: EventToolCall, ToolCall: chunk.ToolCall}); err != nil {
				return err
			}
		case model.ChunkTypeText:
			if chunk.Message == nil {
				continue
			}
			for _, part := range chunk.Message.Parts {
				if tp, ok := part.(model.TextPart); ok && tp.Text != "" {
					if err := emit(ModelEvent{Kind: EventText, TextFragment: tp.Text}); err != nil {
						return err
					}
				}
			}
		case model.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				if err := emit(ModelEvent{Kind: EventDone, Usage: *chunk.UsageDelta}); err != nil {
					return err
				}
			}
		case model.ChunkTypeStop:
			return emit(ModelEvent{Kind: EventDone})
		}
	}
}

func (o *Orchestrator) backoff(attempt int, err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter
	}

	backoff := float64(o.policy.InitialBackoff) * math.Pow(o.policy.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(o.policy.MaxBackoff) {
		backoff = float64(o.policy.MaxBackoff)
	}
	if o.policy.Jitter > 0 {
		backoff += backoff * o.policy.Jitter * (rand.Float64()*2 - 1)
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var rle *RateLimitError
	return errors.As(err, &rle)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
