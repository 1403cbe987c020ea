// Package anthropic adapts the Anthropic Claude Messages API to the
// provider.Adapter capability set. It owns Claude-specific request
// encoding (tool-name sanitization, thinking-block signatures, message
// merging) and response decoding; no Anthropic concept leaks past this
// package's boundary.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/tool"
	"goa.design/inferencegate/types"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Adapter implements provider.Adapter over the Anthropic Messages API,
// including the Message Batches API for asynchronous batch inference.
type Adapter struct {
	msg          MessagesClient
	batch        BatchClient
	defaultModel string
	maxTokens    int
}

// New builds an Anthropic adapter over an existing MessagesClient and
// BatchClient. batch may be nil, in which case StartBatch and PollBatch
// return provider.ErrUnsupportedForBatch.
func New(msg MessagesClient, batch BatchClient, defaultModel string, maxTokens int) *Adapter {
	return &Adapter{msg: msg, batch: batch, defaultModel: defaultModel, maxTokens: maxTokens}
}

// NewFromAPIKey constructs an adapter using the default Anthropic HTTP
// client, resolving credentials against the given API key.
func NewFromAPIKey(apiKey, defaultModel string, maxTokens int) *Adapter {
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, sdkBatchClient{client: &ac}, defaultModel, maxTokens)
}

var _ provider.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Infer(ctx context.Context, req *provider.Request, cred provider.Credentials) (*provider.Response, error) {
	params, toolNames, err := a.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	rawReq, _ := json.Marshal(params)
	msg, err := a.msg.New(ctx, *params, a.requestOptions(cred)...)
	if err != nil {
		return nil, classifyErr(err)
	}
	resp, err := translateResponse(msg, toolNames)
	if err != nil {
		return nil, err
	}
	resp.RawRequest = rawReq
	raw, _ := json.Marshal(msg)
	resp.RawResponse = raw
	return resp, nil
}

func (a *Adapter) InferStream(ctx context.Context, req *provider.Request, cred provider.Credentials) (provider.ChunkSource, []byte, error) {
	params, toolNames, err := a.prepareRequest(req)
	if err != nil {
		return nil, nil, err
	}
	rawReq, _ := json.Marshal(params)
	stream := a.msg.NewStreaming(ctx, *params, a.requestOptions(cred)...)
	if err := stream.Err(); err != nil {
		return nil, nil, classifyErr(err)
	}
	return newStreamer(ctx, stream, toolNames), rawReq, nil
}

// requestOptions resolves cred against ANTHROPIC_API_KEY (or the caller's
// per-request override) and, when a key is found, overrides the client
// constructed at startup for this single call — the same per-call override
// openai.Adapter.requestOptions performs, per spec.md §6.
func (a *Adapter) requestOptions(cred provider.Credentials) []option.RequestOption {
	key, err := cred.Resolve(os.Getenv, "ANTHROPIC_API_KEY")
	if err != nil || key == "" {
		return nil
	}
	return []option.RequestOption{option.WithAPIKey(key)}
}

// toolNameMap is the bidirectional canonical <-> provider-sanitized tool
// name mapping every Anthropic request/response pair needs, since Claude
// restricts tool names to [A-Za-z0-9_-]{1,64}.
type toolNameMap struct {
	canonToSan map[string]string
	sanToCanon map[string]string
}

func (a *Adapter) prepareRequest(req *provider.Request) (*sdk.MessageNewParams, *toolNameMap, error) {
	if len(req.Messages) == 0 {
		return nil, nil, gatewayerr.New(gatewayerr.InvalidRequest, "anthropic: at least one message is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = a.defaultModel
	}
	if modelID == "" {
		return nil, nil, gatewayerr.New(gatewayerr.InvalidModelProvider, "anthropic: model identifier is required")
	}

	toolList, names, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}

	sysText := req.System
	msgs, leadingSystem, err := encodeMessages(req.Messages, names)
	if err != nil {
		return nil, nil, err
	}
	if sysText == "" {
		sysText = leadingSystem
	} else if leadingSystem != "" {
		sysText = sysText + "\n\n" + leadingSystem
	}

	maxTokens := a.maxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	if maxTokens <= 0 {
		return nil, nil, gatewayerr.New(gatewayerr.InvalidRequest, "anthropic: max_tokens must be positive")
	}

	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if sysText != "" {
		params.System = []sdk.TextBlockParam{{Text: sysText}}
	}
	if len(toolList) > 0 {
		params.Tools = toolList
	}
	if req.Temperature != nil && *req.Temperature > 0 {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	if req.Tools != nil {
		tc, err := encodeToolChoice(req.Tools, names)
		if err != nil {
			return nil, nil, err
		}
		if tc != nil {
			params.ToolChoice = *tc
		}
	}

	// Strict JSON mode has no Anthropic equivalent beyond tool-enforced
	// structured output; downgrade Strict -> On per spec.md §4.E and let
	// the orchestrator's implicit "respond" tool + tool_choice=Specific
	// already compel the shape. Anthropic has no separate response_format.
	if req.JSONMode == registry.JSONModeStrict {
		// downgrade is a no-op here: tool_choice already enforces structure.
		_ = req.JSONMode
	}

	return params, names, nil
}

// encodeMessages translates canonical messages into Anthropic message
// params. types.Message has no system role (system text lives on
// provider.Request.System), so the returned leading-system string is
// always empty; it remains part of the signature so future Template-
// derived system content has a home without changing callers.
func encodeMessages(msgs []types.Message, names *toolNameMap) ([]sdk.MessageParam, string, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))

	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, part := range m.Content {
			switch v := part.(type) {
			case types.Text:
				if v.Value != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Value))
				}
			case types.RawText:
				if v.Value != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Value))
				}
			case types.ToolCallBlock:
				sanitized := names.toSanitized(v.Name)
				var args any
				if err := json.Unmarshal([]byte(v.ArgumentsJSON), &args); err != nil {
					args = v.ArgumentsJSON
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, args, sanitized))
			case types.ToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ID, v.Result, false))
			case types.Thought:
				// Thinking blocks must round-trip their signature verbatim;
				// a corrupted signature is rejected upstream by Anthropic.
				blocks = append(blocks, sdk.NewThinkingBlock(v.Signature, v.Text))
			case types.Unknown:
				// Forward-compatible blocks carry no Anthropic encoding; drop
				// them rather than guess at a shape Claude would reject.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case types.RoleUser:
			conversation = mergeOrAppend(conversation, sdk.NewUserMessage(blocks...))
		case types.RoleAssistant:
			conversation = mergeOrAppend(conversation, sdk.NewAssistantMessage(blocks...))
		}
	}
	if len(conversation) == 0 {
		return nil, "", gatewayerr.New(gatewayerr.InvalidRequest, "anthropic: at least one user/assistant message is required")
	}
	return conversation, "", nil
}

// mergeOrAppend merges consecutive same-role messages, required by
// providers that reject alternations of identical roles (spec.md §4.E).
func mergeOrAppend(msgs []sdk.MessageParam, next sdk.MessageParam) []sdk.MessageParam {
	if len(msgs) > 0 && msgs[len(msgs)-1].Role == next.Role {
		msgs[len(msgs)-1].Content = append(msgs[len(msgs)-1].Content, next.Content...)
		return msgs
	}
	return append(msgs, next)
}

func encodeTools(cc *tool.CallConfig) ([]sdk.ToolUnionParam, *toolNameMap, error) {
	names := &toolNameMap{canonToSan: map[string]string{}, sanToCanon: map[string]string{}}
	if cc == nil || len(cc.ToolsAvailable) == 0 {
		return nil, names, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(cc.ToolsAvailable))
	for _, t := range cc.ToolsAvailable {
		canonical := t.Name()
		sanitized := sanitizeToolName(canonical)
		if prev, ok := names.sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, gatewayerr.New(gatewayerr.Config, fmt.Sprintf("anthropic: tool name %q sanitizes to %q which collides with %q", canonical, sanitized, prev))
		}
		names.canonToSan[canonical] = sanitized
		names.sanToCanon[sanitized] = canonical

		var params map[string]any
		raw, err := json.Marshal(t.Parameters())
		if err != nil {
			return nil, nil, gatewayerr.Wrap(gatewayerr.Serialization, err, "marshal tool schema "+canonical)
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, nil, gatewayerr.Wrap(gatewayerr.Serialization, err, "unmarshal tool schema "+canonical)
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: params}, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description())
		}
		toolList = append(toolList, u)
	}
	return toolList, names, nil
}

func encodeToolChoice(cc *tool.CallConfig, names *toolNameMap) (*sdk.ToolChoiceUnionParam, error) {
	if cc == nil {
		return nil, nil
	}
	switch cc.ToolChoice.Mode {
	case tool.ChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return &sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case tool.ChoiceRequired:
		return &sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case tool.ChoiceSpecific:
		if cc.ByName(cc.ToolChoice.Name) == nil {
			return nil, gatewayerr.New(gatewayerr.ToolNotFound, "anthropic: tool choice references unknown tool: "+cc.ToolChoice.Name)
		}
		sanitized := names.toSanitized(cc.ToolChoice.Name)
		tc := sdk.ToolChoiceParamOfTool(sanitized)
		return &tc, nil
	default:
		return nil, nil // Auto: let Anthropic default.
	}
}

func (m *toolNameMap) toSanitized(canonical string) string {
	if m == nil {
		return canonical
	}
	if s, ok := m.canonToSan[canonical]; ok {
		return s
	}
	return canonical
}

func (m *toolNameMap) toCanonical(sanitized string) string {
	if m == nil {
		return sanitized
	}
	if c, ok := m.sanToCanon[sanitized]; ok {
		return c
	}
	return sanitized
}

// sanitizeToolName maps a canonical tool name onto Anthropic's allowed
// character set ([A-Za-z0-9_-]{1,64}), replacing any other rune with '_'.
func sanitizeToolName(in string) string {
	if in == "" {
		return in
	}
	if isProviderSafeToolName(in) {
		return in
	}
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
	return string(out)
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return gatewayerr.Wrap(gatewayerr.InferenceClient, err, "rate limited").WithProvider("anthropic")
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return gatewayerr.Wrap(gatewayerr.InferenceTimeout, err, "request timed out").WithProvider("anthropic")
	case strings.Contains(lower, "401") || strings.Contains(lower, "403") || strings.Contains(lower, "unauthorized"):
		return gatewayerr.Wrap(gatewayerr.ApiKeyMissing, err, "authentication failed").WithProvider("anthropic")
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503"):
		return gatewayerr.Wrap(gatewayerr.InferenceServer, err, "provider server error").WithProvider("anthropic")
	default:
		return gatewayerr.Wrap(gatewayerr.InferenceClient, err, "request failed").WithProvider("anthropic")
	}
}

func translateResponse(msg *sdk.Message, names *toolNameMap) (*provider.Response, error) {
	if msg == nil {
		return nil, gatewayerr.New(gatewayerr.InferenceServer, "anthropic: response message is nil").WithProvider("anthropic")
	}
	resp := &provider.Response{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				resp.Content = append(resp.Content, types.Text{Value: block.Text})
			}
		case "thinking":
			resp.Content = append(resp.Content, types.Thought{
				Text:         block.Thinking,
				Signature:    block.Signature,
				ProviderType: "anthropic",
			})
		case "tool_use":
			argsJSON, err := json.Marshal(block.Input)
			if err != nil {
				return nil, gatewayerr.Wrap(gatewayerr.Serialization, err, "marshal tool_use input")
			}
			resp.Content = append(resp.Content, types.ToolCallBlock{
				ID:            block.ID,
				Name:          names.toCanonical(block.Name),
				ArgumentsJSON: string(argsJSON),
			})
		}
	}
	resp.Usage = types.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	resp.FinishReason = string(msg.StopReason)
	return resp, nil
}
