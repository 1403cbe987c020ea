// Package bedrock adapts the AWS Bedrock Converse API to the
// provider.Adapter capability set: splitting system vs. conversational
// messages, encoding tool schemas into Bedrock's ToolConfiguration, and
// translating Converse responses (text + tool_use + reasoning blocks) back
// into the gateway's canonical shapes.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/tool"
	"goa.design/inferencegate/types"
)

// RuntimeClient captures the subset of the AWS Bedrock runtime client the
// adapter uses, so tests can substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Adapter implements provider.Adapter over AWS Bedrock Converse. Batch
// inference is unsupported: Bedrock's Converse surface has no batch-submit
// API comparable to OpenAI/Anthropic batch endpoints.
type Adapter struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int
}

// New builds a Bedrock adapter over an existing RuntimeClient.
func New(runtime RuntimeClient, defaultModel string, maxTokens int) *Adapter {
	return &Adapter{runtime: runtime, defaultModel: defaultModel, maxTokens: maxTokens}
}

var _ provider.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string { return "bedrock" }

type requestParts struct {
	modelID    string
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
	provToCanon map[string]string
}

// Infer ignores cred: Bedrock authenticates via AWS SIGv4 (access key +
// secret + session token), not a single bearer key, so per-request
// credential override happens through the RuntimeClient's own AWS config,
// not the Credentials{Static,Dynamic} string-key shape spec.md §6's
// credentials map targets. The fixed-env-var adapters (openai, anthropic)
// are where that override is wired.
func (a *Adapter) Infer(ctx context.Context, req *provider.Request, cred provider.Credentials) (*provider.Response, error) {
	parts, err := a.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	input := a.buildConverseInput(parts, req)
	rawReq, _ := json.Marshal(requestSummary{Model: parts.modelID, Messages: len(parts.messages)})
	out, err := a.runtime.Converse(ctx, input)
	if err != nil {
		return nil, classifyErr(err)
	}
	resp, err := translateResponse(out, parts.provToCanon)
	if err != nil {
		return nil, err
	}
	resp.RawRequest = rawReq
	raw, _ := json.Marshal(out.Output)
	resp.RawResponse = raw
	return resp, nil
}

func (a *Adapter) InferStream(ctx context.Context, req *provider.Request, cred provider.Credentials) (provider.ChunkSource, []byte, error) {
	parts, err := a.prepareRequest(req)
	if err != nil {
		return nil, nil, err
	}
	input := a.buildConverseStreamInput(parts, req)
	rawReq, _ := json.Marshal(requestSummary{Model: parts.modelID, Messages: len(parts.messages)})
	out, err := a.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, nil, classifyErr(err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, nil, gatewayerr.New(gatewayerr.InferenceServer, "bedrock: stream output missing event stream").WithProvider("bedrock")
	}
	return newStreamer(ctx, stream, parts.provToCanon), rawReq, nil
}

func (a *Adapter) StartBatch(ctx context.Context, reqs []*provider.Request, cred provider.Credentials) (*provider.StartBatchResult, error) {
	return nil, provider.ErrUnsupportedForBatch
}

func (a *Adapter) PollBatch(ctx context.Context, row provider.ModelInferenceRow, cred provider.Credentials) (*provider.PollResult, error) {
	return nil, provider.ErrUnsupportedForBatch
}

func (a *Adapter) prepareRequest(req *provider.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "bedrock: at least one message is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = a.defaultModel
	}
	if modelID == "" {
		return nil, gatewayerr.New(gatewayerr.InvalidModelProvider, "bedrock: model identifier is required")
	}

	toolConfig, canonToSan, sanToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}

	messages, system, err := encodeMessages(req.Messages, canonToSan)
	if err != nil {
		return nil, err
	}
	if req.System != "" {
		system = append([]brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}, system...)
	}

	return &requestParts{
		modelID:     modelID,
		messages:    messages,
		system:      system,
		toolConfig:  toolConfig,
		provToCanon: sanToCanon,
	}, nil
}

func (a *Adapter) buildConverseInput(parts *requestParts, req *provider.Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := a.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (a *Adapter) buildConverseStreamInput(parts *requestParts, req *provider.Request) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := a.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (a *Adapter) inferenceConfig(req *provider.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := a.maxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		tokens = *req.MaxTokens
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec
	}
	if req.Temperature != nil && *req.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(*req.Temperature))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []types.Message, canonToSan map[string]string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]brtypes.ContentBlock, 0, len(m.Content))
		for _, part := range m.Content {
			switch v := part.(type) {
			case types.Text:
				if v.Value != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Value})
				}
			case types.RawText:
				if v.Value != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Value})
				}
			case types.Thought:
				blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
					Value: &brtypes.ReasoningContentBlockMemberReasoningText{
						Value: brtypes.ReasoningTextBlock{Text: aws.String(v.Text), Signature: aws.String(v.Signature)},
					},
				})
			case types.ToolCallBlock:
				sanitized := v.Name
				if s, ok := canonToSan[v.Name]; ok {
					sanitized = s
				}
				var doc any
				if err := json.Unmarshal([]byte(v.ArgumentsJSON), &doc); err != nil {
					doc = v.ArgumentsJSON
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(v.ID),
					Name:      aws.String(sanitized),
					Input:     document.NewLazyDocument(doc),
				}})
			case types.ToolResult:
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(v.ID),
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: v.Result}},
				}})
			case types.Unknown:
				// no Bedrock encoding for forward-compatible blocks.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case types.RoleUser:
			role = brtypes.ConversationRoleUser
		case types.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		}
		conversation = mergeOrAppend(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, gatewayerr.New(gatewayerr.InvalidRequest, "bedrock: at least one user/assistant message is required")
	}
	return conversation, nil, nil
}

// mergeOrAppend merges consecutive same-role messages, required by Bedrock's
// Converse API, which rejects alternations of identical roles.
func mergeOrAppend(msgs []brtypes.Message, next brtypes.Message) []brtypes.Message {
	if len(msgs) > 0 && msgs[len(msgs)-1].Role == next.Role {
		msgs[len(msgs)-1].Content = append(msgs[len(msgs)-1].Content, next.Content...)
		return msgs
	}
	return append(msgs, next)
}

func encodeTools(cc *tool.CallConfig) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	canonToSan := map[string]string{}
	sanToCanon := map[string]string{}
	if cc == nil || len(cc.ToolsAvailable) == 0 {
		return nil, canonToSan, sanToCanon, nil
	}
	toolList := make([]brtypes.Tool, 0, len(cc.ToolsAvailable))
	for _, t := range cc.ToolsAvailable {
		canonical := t.Name()
		sanitized := sanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, gatewayerr.New(gatewayerr.Config, fmt.Sprintf("bedrock: tool name %q sanitizes to %q which collides with %q", canonical, sanitized, prev))
		}
		canonToSan[canonical] = sanitized
		sanToCanon[sanitized] = canonical

		var schemaDoc any
		raw, err := json.Marshal(t.Parameters())
		if err != nil {
			return nil, nil, nil, gatewayerr.Wrap(gatewayerr.Serialization, err, "marshal tool schema "+canonical)
		}
		if err := json.Unmarshal(raw, &schemaDoc); err != nil {
			return nil, nil, nil, gatewayerr.Wrap(gatewayerr.Serialization, err, "unmarshal tool schema "+canonical)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(t.Description()),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaDoc)},
		}})
	}
	cfg := &brtypes.ToolConfiguration{Tools: toolList}
	switch cc.ToolChoice.Mode {
	case tool.ChoiceRequired:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	case tool.ChoiceSpecific:
		if cc.ByName(cc.ToolChoice.Name) == nil {
			return nil, nil, nil, gatewayerr.New(gatewayerr.ToolNotFound, "bedrock: tool choice references unknown tool: "+cc.ToolChoice.Name)
		}
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(canonToSan[cc.ToolChoice.Name])}}
	}
	return cfg, canonToSan, sanToCanon, nil
}

// sanitizeToolName maps a canonical tool name onto Bedrock's allowed
// character set ([a-zA-Z0-9_-]{1,64}).
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 64 {
		out = out[:64]
	}
	if len(out) == 0 {
		return "tool"
	}
	return string(out)
}

func translateResponse(out *bedrockruntime.ConverseOutput, provToCanon map[string]string) (*provider.Response, error) {
	if out == nil || out.Output == nil {
		return nil, gatewayerr.New(gatewayerr.InferenceServer, "bedrock: response output is nil").WithProvider("bedrock")
	}
	msgMember, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.InferenceServer, "bedrock: unexpected output shape").WithProvider("bedrock")
	}
	resp := &provider.Response{}
	for _, block := range msgMember.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			if b.Value != "" {
				resp.Content = append(resp.Content, types.Text{Value: b.Value})
			}
		case *brtypes.ContentBlockMemberReasoningContent:
			if rt, ok := b.Value.(*brtypes.ReasoningContentBlockMemberReasoningText); ok {
				resp.Content = append(resp.Content, types.Thought{
					Text:         aws.ToString(rt.Value.Text),
					Signature:    aws.ToString(rt.Value.Signature),
					ProviderType: "bedrock",
				})
			}
		case *brtypes.ContentBlockMemberToolUse:
			argsJSON, err := json.Marshal(b.Value.Input)
			if err != nil {
				return nil, gatewayerr.Wrap(gatewayerr.Serialization, err, "marshal tool_use input")
			}
			name := aws.ToString(b.Value.Name)
			if canon, ok := provToCanon[name]; ok {
				name = canon
			}
			resp.Content = append(resp.Content, types.ToolCallBlock{
				ID:            aws.ToString(b.Value.ToolUseId),
				Name:          name,
				ArgumentsJSON: string(argsJSON),
			})
		}
	}
	if out.Usage != nil {
		resp.Usage = types.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	resp.FinishReason = string(out.StopReason)
	return resp, nil
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if isRateLimited(err) {
		return gatewayerr.Wrap(gatewayerr.InferenceClient, err, "rate limited").WithProvider("bedrock")
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException":
			return gatewayerr.Wrap(gatewayerr.InvalidRequest, err, apiErr.ErrorMessage()).WithProvider("bedrock")
		case "AccessDeniedException":
			return gatewayerr.Wrap(gatewayerr.ApiKeyMissing, err, apiErr.ErrorMessage()).WithProvider("bedrock")
		case "ModelTimeoutException":
			return gatewayerr.Wrap(gatewayerr.InferenceTimeout, err, apiErr.ErrorMessage()).WithProvider("bedrock")
		case "ModelErrorException", "InternalServerException":
			return gatewayerr.Wrap(gatewayerr.InferenceServer, err, apiErr.ErrorMessage()).WithProvider("bedrock")
		}
	}
	return gatewayerr.Wrap(gatewayerr.InferenceClient, err, "request failed").WithProvider("bedrock")
}

func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}

// requestSummary is a compact, redaction-safe stand-in for the raw request
// persisted alongside an inference row; the full Converse input carries AWS
// SDK document.Interface values that do not marshal informatively.
type requestSummary struct {
	Model    string `json:"model"`
	Messages int    `json:"message_count"`
}
