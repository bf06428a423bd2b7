package bedrock

import (
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/acrylicshrimp/fathom/runtime/agent/model"
	"github.com/acrylicshrimp/fathom/runtime/agent/tools"
)

// streamer adapts a bedrockruntime ConverseStream event channel into the
// generic model.Streamer contract.
type streamer struct {
	out *bedrockruntime.ConverseStreamOutput

	toolName string
	toolID   string
	meta     map[string]any
}

func newStream(out *bedrockruntime.ConverseStreamOutput) model.Streamer {
	return &streamer{out: out, meta: map[string]any{}}
}

// Recv returns the next streaming chunk, translating Bedrock's event-stream
// union into the provider-agnostic model.Chunk shape.
func (s *streamer) Recv() (model.Chunk, error) {
	for event := range s.out.GetStream().Events() {
		switch e := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			switch d := e.Value.Delta.(type) {
			case *brtypes.ContentBlockDeltaMemberText:
				return model.Chunk{
					Type:    model.ChunkTypeText,
					Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: d.Value}}},
				}, nil
			case *brtypes.ContentBlockDeltaMemberToolUse:
				return model.Chunk{
					Type: model.ChunkTypeToolCallDelta,
					ToolCallDelta: &model.ToolCallDelta{
						Name:  tools.Ident(s.toolName),
						ID:    s.toolID,
						Delta: aws.ToString(d.Value.Input),
					},
				}, nil
			}
		case *brtypes.ConverseStreamOutputMemberContentBlockStart:
			if su, ok := e.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
				s.toolName = aws.ToString(su.Value.Name)
				s.toolID = aws.ToString(su.Value.ToolUseId)
			}
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if e.Value.Usage != nil {
				return model.Chunk{
					Type: model.ChunkTypeUsage,
					UsageDelta: &model.TokenUsage{
						InputTokens:  int(aws.ToInt32(e.Value.Usage.InputTokens)),
						OutputTokens: int(aws.ToInt32(e.Value.Usage.OutputTokens)),
						TotalTokens:  int(aws.ToInt32(e.Value.Usage.TotalTokens)),
					},
				}, nil
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			return model.Chunk{Type: model.ChunkTypeStop, StopReason: string(e.Value.StopReason)}, nil
		}
	}
	if err := s.out.GetStream().Err(); err != nil {
		return model.Chunk{}, classifyError(err)
	}
	return model.Chunk{}, io.EOF
}

// Close releases the underlying event stream.
func (s *streamer) Close() error {
	return s.out.GetStream().Close()
}

// Metadata returns provider-specific metadata collected during the call.
func (s *streamer) Metadata() map[string]any {
	return s.meta
}
