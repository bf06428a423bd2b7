package openai

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/acrylicshrimp/fathom/runtime/agent/model"
	"github.com/acrylicshrimp/fathom/runtime/agent/tools"
)

// openaiStreamer adapts an OpenAI Chat Completions streaming response to the
// model.Streamer interface.
type openaiStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any

	toolNameMap map[string]string
}

func newOpenAIStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk], nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &openaiStreamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		chunks:      make(chan model.Chunk, 32),
		toolNameMap: nameMap,
	}
	go s.run()
	return s
}

func (s *openaiStreamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return model.Chunk{}, err
			}
			s.setErr(err)
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *openaiStreamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *openaiStreamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// run drains the SSE stream, accumulating tool-call argument fragments by
// index (OpenAI streams each tool call's arguments across many deltas keyed
// by Delta.ToolCalls[i].Index rather than closing a block like Anthropic
// does) until the chunk carrying FinishReason "tool_calls" arrives.
func (s *openaiStreamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	calls := make(map[int64]*toolCallAccumulator)
	order := make([]int64, 0, 4)

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			} else {
				s.setErr(nil)
			}
			return
		}
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			if chunk.Usage.TotalTokens != 0 {
				s.recordAndEmitUsage(chunk.Usage)
			}
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if err := s.emit(model.Chunk{
				Type: model.ChunkTypeText,
				Message: &model.Message{
					Role:  model.ConversationRoleAssistant,
					Parts: []model.Part{model.TextPart{Text: choice.Delta.Content}},
				},
			}); err != nil {
				s.setErr(err)
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := calls[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{id: tc.ID, name: tc.Function.Name}
				calls[tc.Index] = acc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.args.WriteString(tc.Function.Arguments)
				if acc.id != "" {
					if err := s.emit(model.Chunk{
						Type: model.ChunkTypeToolCallDelta,
						ToolCallDelta: &model.ToolCallDelta{
							Name:  tools.Ident(s.canonicalName(acc.name)),
							ID:    acc.id,
							Delta: tc.Function.Arguments,
						},
					}); err != nil {
						s.setErr(err)
						return
					}
				}
			}
		}

		if chunk.Usage.TotalTokens != 0 {
			s.recordAndEmitUsage(chunk.Usage)
		}

		switch choice.FinishReason {
		case "":
			continue
		case "tool_calls":
			for _, idx := range order {
				acc := calls[idx]
				if err := s.emit(model.Chunk{
					Type: model.ChunkTypeToolCall,
					ToolCall: &model.ToolCall{
						Name:    tools.Ident(s.canonicalName(acc.name)),
						Payload: decodeToolPayload(acc.args.String()),
						ID:      acc.id,
					},
				}); err != nil {
					s.setErr(err)
					return
				}
			}
			if err := s.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: string(choice.FinishReason)}); err != nil {
				s.setErr(err)
				return
			}
			return
		default:
			if err := s.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: string(choice.FinishReason)}); err != nil {
				s.setErr(err)
				return
			}
			return
		}
	}
}

func (s *openaiStreamer) canonicalName(raw string) string {
	if canonical, ok := s.toolNameMap[raw]; ok {
		return canonical
	}
	return raw
}

func (s *openaiStreamer) recordAndEmitUsage(u sdk.CompletionUsage) {
	usage := model.TokenUsage{
		InputTokens:     int(u.PromptTokens),
		OutputTokens:    int(u.CompletionTokens),
		TotalTokens:     int(u.TotalTokens),
		CacheReadTokens: int(u.PromptTokensDetails.CachedTokens),
	}
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = usage
	s.metaMu.Unlock()
	_ = s.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
}

func (s *openaiStreamer) emit(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *openaiStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *openaiStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}
