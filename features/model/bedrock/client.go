// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It translates provider-agnostic requests into
// bedrockruntime.Converse/ConverseStream calls and maps responses (text,
// tool_use blocks, usage) back into the generic model types.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/acrylicshrimp/fathom/modelorchestrator"
	"github.com/acrylicshrimp/fathom/runtime/agent/model"
	"github.com/acrylicshrimp/fathom/runtime/agent/tools"
)

type (
	// ConverseClient captures the subset of the Bedrock runtime SDK client used
	// by the adapter, satisfied by *bedrockruntime.Client.
	ConverseClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures optional Bedrock adapter behavior.
	Options struct {
		// DefaultModel is the Bedrock model identifier used when
		// model.Request.Model is empty.
		DefaultModel string

		// HighModel is used when model.Request.ModelClass is
		// ModelClassHighReasoning and Model is empty.
		HighModel string

		// SmallModel is used when model.Request.ModelClass is ModelClassSmall
		// and Model is empty.
		SmallModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens.
		MaxTokens int
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		rt           ConverseClient
		defaultModel string
		highModel    string
		smallModel   string
		maxTok       int
	}
)

// New builds a Bedrock-backed model client from the provided runtime client
// and configuration options.
func New(rt ConverseClient, opts Options) *Client {
	return &Client{
		rt:           rt,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
	}
}

func (c *Client) resolveModel(req *model.Request) (string, error) {
	if req.Model != "" {
		return req.Model, nil
	}
	switch req.ModelClass {
	case model.ModelClassHighReasoning:
		if c.highModel != "" {
			return c.highModel, nil
		}
	case model.ModelClassSmall:
		if c.smallModel != "" {
			return c.smallModel, nil
		}
	}
	if c.defaultModel != "" {
		return c.defaultModel, nil
	}
	return "", errors.New("bedrock: no model configured")
}

// Complete performs a non-streaming Converse invocation.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	modelID, err := c.resolveModel(req)
	if err != nil {
		return nil, err
	}
	input, err := buildConverseInput(modelID, req, c.maxTok)
	if err != nil {
		return nil, err
	}
	out, err := c.rt.Converse(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}
	return decodeConverseOutput(out)
}

// Stream performs a streaming ConverseStream invocation.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	modelID, err := c.resolveModel(req)
	if err != nil {
		return nil, err
	}
	input, err := buildConverseInput(modelID, req, c.maxTok)
	if err != nil {
		return nil, err
	}
	streamInput := &bedrockruntime.ConverseStreamInput{
		ModelId:         input.ModelId,
		Messages:        input.Messages,
		System:          input.System,
		InferenceConfig: input.InferenceConfig,
		ToolConfig:      input.ToolConfig,
	}
	out, err := c.rt.ConverseStream(ctx, streamInput)
	if err != nil {
		return nil, classifyError(err)
	}
	return newStream(out), nil
}

func buildConverseInput(modelID string, req *model.Request, defaultMaxTok int) (*bedrockruntime.ConverseInput, error) {
	var system []brtypes.SystemContentBlock
	var messages []brtypes.Message

	for _, msg := range req.Messages {
		if msg.Role == model.ConversationRoleSystem {
			for _, p := range msg.Parts {
				if tp, ok := p.(model.TextPart); ok {
					system = append(system, &brtypes.SystemContentBlockMemberText{Value: tp.Text})
				}
			}
			continue
		}
		blocks, err := encodeParts(msg.Parts)
		if err != nil {
			return nil, err
		}
		messages = append(messages, brtypes.Message{
			Role:    encodeRole(msg.Role),
			Content: blocks,
		})
	}

	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTok
	}
	var infCfg *brtypes.InferenceConfiguration
	if maxTok > 0 || req.Temperature != 0 {
		infCfg = &brtypes.InferenceConfiguration{}
		if maxTok > 0 {
			v := int32(maxTok)
			infCfg.MaxTokens = &v
		}
		if req.Temperature != 0 {
			v := req.Temperature
			infCfg.Temperature = &v
		}
	}

	var toolCfg *brtypes.ToolConfiguration
	if len(req.Tools) > 0 {
		tools := make([]brtypes.Tool, 0, len(req.Tools))
		for _, td := range req.Tools {
			tools = append(tools, &brtypes.ToolMemberToolSpec{
				Value: brtypes.ToolSpecification{
					Name:        aws.String(td.Name),
					Description: aws.String(td.Description),
					InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(td.InputSchema)},
				},
			})
		}
		toolCfg = &brtypes.ToolConfiguration{Tools: tools}
		if req.ToolChoice != nil {
			switch req.ToolChoice.Mode {
			case model.ToolChoiceModeAny:
				toolCfg.ToolChoice = &brtypes.ToolChoiceMemberAny{}
			case model.ToolChoiceModeTool:
				toolCfg.ToolChoice = &brtypes.ToolChoiceMemberTool{
					Value: brtypes.SpecificToolChoice{Name: aws.String(req.ToolChoice.Name)},
				}
			}
		}
	}

	return &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        messages,
		System:          system,
		InferenceConfig: infCfg,
		ToolConfig:      toolCfg,
	}, nil
}

func encodeRole(role model.ConversationRole) brtypes.ConversationRole {
	if role == model.ConversationRoleAssistant {
		return brtypes.ConversationRoleAssistant
	}
	return brtypes.ConversationRoleUser
}

func encodeParts(parts []model.Part) ([]brtypes.ContentBlock, error) {
	blocks := make([]brtypes.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case model.TextPart:
			if v.Text != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
			}
		case model.ToolUsePart:
			blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
				Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(v.ID),
					Name:      aws.String(v.Name),
					Input:     toDocument(v.Input),
				},
			})
		case model.ToolResultPart:
			status := brtypes.ToolResultStatusSuccess
			if v.IsError {
				status = brtypes.ToolResultStatusError
			}
			var content []brtypes.ToolResultContentBlock
			switch cv := v.Content.(type) {
			case string:
				content = append(content, &brtypes.ToolResultContentBlockMemberText{Value: cv})
			default:
				content = append(content, &brtypes.ToolResultContentBlockMemberJson{Value: toDocument(cv)})
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(v.ToolUseID),
					Content:   content,
					Status:    status,
				},
			})
		}
	}
	return blocks, nil
}

func toDocument(v any) document.Interface {
	if v == nil {
		return document.NewLazyDocument(map[string]any{"type": "object"})
	}
	if raw, ok := v.(json.RawMessage); ok {
		var decoded any
		if len(raw) == 0 {
			return document.NewLazyDocument(map[string]any{"type": "object"})
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return document.NewLazyDocument(map[string]any{"type": "object"})
		}
		return document.NewLazyDocument(decoded)
	}
	return document.NewLazyDocument(v)
}

func decodeConverseOutput(out *bedrockruntime.ConverseOutput) (*model.Response, error) {
	resp := &model.Response{}
	if out.Usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	resp.StopReason = string(out.StopReason)

	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return resp, nil
	}
	msg := model.Message{Role: model.ConversationRoleAssistant}
	for _, block := range msgOut.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			msg.Parts = append(msg.Parts, model.TextPart{Text: b.Value})
		case *brtypes.ContentBlockMemberToolUse:
			payload, err := documentToRawMessage(b.Value.Input)
			if err != nil {
				return nil, err
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				Name:    tools.Ident(aws.ToString(b.Value.Name)),
				Payload: payload,
				ID:      aws.ToString(b.Value.ToolUseId),
			})
		}
	}
	resp.Content = append(resp.Content, msg)
	return resp, nil
}

func documentToRawMessage(d document.Interface) (json.RawMessage, error) {
	if d == nil {
		return json.RawMessage("{}"), nil
	}
	var v any
	if err := d.UnmarshalSmithyDocument(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// classifyError maps AWS Bedrock runtime errors that indicate throttling or
// transient unavailability into a modelorchestrator.RateLimitError wrapping
// model.ErrRateLimited, carrying the Retry-After hint from the HTTP response
// when the SDK exposes one. Other errors are returned unchanged.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ServiceUnavailableException", "ModelNotReadyException":
		cause := fmt.Errorf("%w: %s", model.ErrRateLimited, apiErr.ErrorMessage())
		return &modelorchestrator.RateLimitError{
			RetryAfter: bedrockRetryAfter(err),
			Cause:      cause,
		}
	}
	return err
}

func bedrockRetryAfter(err error) time.Duration {
	var respErr *smithyhttp.ResponseError
	if !errors.As(err, &respErr) || respErr.Response == nil {
		return 0
	}
	v := respErr.Response.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
