package modelorchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/acrylicshrimp/fathom/runtime/agent/model"
	"github.com/acrylicshrimp/fathom/runtime/agent/telemetry"
)

type fakeStreamer struct {
	chunks []model.Chunk
	idx    int
	err    error
}

func (f *fakeStreamer) Recv() (model.Chunk, error) {
	if f.idx >= len(f.chunks) {
		if f.err != nil {
			return model.Chunk{}, f.err
		}
		return model.Chunk{}, io.EOF
	}
	c := f.chunks[f.idx]
	f.idx++
	return c, nil
}

func (f *fakeStreamer) Close() error            { return nil }
func (f *fakeStreamer) Metadata() map[string]any { return nil }

type fakeClient struct {
	streams []*fakeStreamer
	call    int
}

func (f *fakeClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	if f.call >= len(f.streams) {
		return nil, errors.New("no more fake streams")
	}
	s := f.streams[f.call]
	f.call++
	return s, nil
}

func newTestOrchestrator(client model.Client, policy RetryPolicy) *Orchestrator {
	return New(client, policy, telemetry.NewNoopLogger(), telemetry.NewNoopTracer(), telemetry.NewNoopMetrics())
}

func TestInvoke_DrainsStreamAfterToolCall(t *testing.T) {
	client := &fakeClient{
		streams: []*fakeStreamer{
			{chunks: []model.Chunk{
				{Type: model.ChunkTypeText, Message: &model.Message{Parts: []model.Part{model.TextPart{Text: "thinking..."}}}},
				{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{Name: "fs_read", ID: "call-1"}},
				{Type: model.ChunkTypeText, Message: &model.Message{Parts: []model.Part{model.TextPart{Text: "still streaming"}}}},
			}},
		},
	}
	orch := newTestOrchestrator(client, DefaultRetryPolicy())

	var events []ModelEvent
	err := orch.Invoke(context.Background(), &model.Request{}, func(e ModelEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events (text, tool_call, text, done), got %d: %+v", len(events), events)
	}
	if events[0].Kind != EventText || events[0].TextFragment != "thinking..." {
		t.Fatalf("expected first event to be text fragment, got %+v", events[0])
	}
	if events[1].Kind != EventToolCall || events[1].ToolCall == nil || events[1].ToolCall.ID != "call-1" {
		t.Fatalf("expected second event to be the dispatched tool call, got %+v", events[1])
	}
	if events[2].Kind != EventText || events[2].TextFragment != "still streaming" {
		t.Fatalf("expected the stream to keep draining after the tool call, got %+v", events[2])
	}
}

func TestInvoke_DispatchesParallelToolCalls(t *testing.T) {
	client := &fakeClient{
		streams: []*fakeStreamer{
			{chunks: []model.Chunk{
				{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{Name: "fs_read", ID: "call-1"}},
				{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{Name: "fs_write", ID: "call-2"}},
			}},
		},
	}
	orch := newTestOrchestrator(client, DefaultRetryPolicy())

	var events []ModelEvent
	err := orch.Invoke(context.Background(), &model.Request{}, func(e ModelEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected both tool calls to be dispatched, then done, got %d events: %+v", len(events), events)
	}
	if events[0].Kind != EventToolCall || events[0].ToolCall == nil || events[0].ToolCall.ID != "call-1" {
		t.Fatalf("expected first event to be the first tool call, got %+v", events[0])
	}
	if events[1].Kind != EventToolCall || events[1].ToolCall == nil || events[1].ToolCall.ID != "call-2" {
		t.Fatalf("expected second event to be the second tool call, got %+v", events[1])
	}
}

func TestInvoke_StreamErrorAfterToolCallIsTerminal(t *testing.T) {
	client := &fakeClient{
		streams: []*fakeStreamer{
			{
				chunks: []model.Chunk{
					{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{Name: "fs_read", ID: "call-1"}},
				},
				err: model.ErrRateLimited,
			},
		},
	}
	orch := newTestOrchestrator(client, DefaultRetryPolicy())

	var events []ModelEvent
	err := orch.Invoke(context.Background(), &model.Request{}, func(e ModelEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error from Invoke: %v", err)
	}
	if client.call != 1 {
		t.Fatalf("expected no retry once a tool call had already been dispatched, made %d attempts", client.call)
	}
	if len(events) != 2 {
		t.Fatalf("expected tool_call then error events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != EventToolCall {
		t.Fatalf("expected first event to be the dispatched tool call, got %+v", events[0])
	}
	if events[1].Kind != EventError || !errors.Is(events[1].Err, model.ErrRateLimited) {
		t.Fatalf("expected second event to be a terminal error, got %+v", events[1])
	}
}

func TestInvoke_DoneWhenNoToolCall(t *testing.T) {
	client := &fakeClient{
		streams: []*fakeStreamer{
			{chunks: []model.Chunk{
				{Type: model.ChunkTypeStop, StopReason: "end_turn"},
			}},
		},
	}
	orch := newTestOrchestrator(client, DefaultRetryPolicy())

	var events []ModelEvent
	err := orch.Invoke(context.Background(), &model.Request{}, func(e ModelEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventDone {
		t.Fatalf("expected a single done event, got %+v", events)
	}
}

func TestInvoke_RetriesRateLimitedThenSucceeds(t *testing.T) {
	client := &fakeClient{
		streams: []*fakeStreamer{
			{err: model.ErrRateLimited},
			{chunks: []model.Chunk{{Type: model.ChunkTypeStop}}},
		},
	}
	policy := DefaultRetryPolicy()
	policy.InitialBackoff = time.Millisecond
	policy.MaxBackoff = 2 * time.Millisecond
	orch := newTestOrchestrator(client, policy)

	var events []ModelEvent
	err := orch.Invoke(context.Background(), &model.Request{}, func(e ModelEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.call != 2 {
		t.Fatalf("expected 2 stream attempts, got %d", client.call)
	}
	if len(events) != 1 || events[0].Kind != EventDone {
		t.Fatalf("expected a single done event after retry, got %+v", events)
	}
}

func TestInvoke_RetryAfterHonored(t *testing.T) {
	rle := &RateLimitError{RetryAfter: 5 * time.Millisecond, Cause: model.ErrRateLimited}
	client := &fakeClient{
		streams: []*fakeStreamer{
			{err: rle},
			{chunks: []model.Chunk{{Type: model.ChunkTypeStop}}},
		},
	}
	policy := DefaultRetryPolicy()
	orch := newTestOrchestrator(client, policy)

	start := time.Now()
	err := orch.Invoke(context.Background(), &model.Request{}, func(ModelEvent) error { return nil })
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed < 5*time.Millisecond {
		t.Fatalf("expected orchestrator to wait at least RetryAfter, waited %v", elapsed)
	}
}

func TestInvoke_NonRetryableErrorSurfacesImmediately(t *testing.T) {
	client := &fakeClient{
		streams: []*fakeStreamer{
			{err: errors.New("boom")},
			{chunks: []model.Chunk{{Type: model.ChunkTypeStop}}},
		},
	}
	orch := newTestOrchestrator(client, DefaultRetryPolicy())

	var events []ModelEvent
	err := orch.Invoke(context.Background(), &model.Request{}, func(e ModelEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error from Invoke: %v", err)
	}
	if client.call != 1 {
		t.Fatalf("expected orchestrator to give up after a non-retryable error, made %d attempts", client.call)
	}
	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
}

func TestInvoke_ExhaustsRetriesAndReportsError(t *testing.T) {
	client := &fakeClient{
		streams: []*fakeStreamer{
			{err: model.ErrRateLimited},
			{err: model.ErrRateLimited},
			{err: model.ErrRateLimited},
		},
	}
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2, Jitter: 0}
	orch := newTestOrchestrator(client, policy)

	var events []ModelEvent
	err := orch.Invoke(context.Background(), &model.Request{}, func(e ModelEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error from Invoke: %v", err)
	}
	if client.call != 3 {
		t.Fatalf("expected exactly MaxAttempts stream attempts, got %d", client.call)
	}
	if len(events) != 1 || events[0].Kind != EventError || !errors.Is(events[0].Err, model.ErrRateLimited) {
		t.Fatalf("expected a single error event wrapping ErrRateLimited, got %+v", events)
	}
}
