// Package openai adapts the OpenAI Chat Completions API to the
// provider.Adapter capability set. The same adapter backs DeepSeek and
// Together, whose APIs are OpenAI-compatible: callers construct it with a
// different BaseURL and API key, per spec.md §3.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"goa.design/clue/log"
	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/tool"
	"goa.design/inferencegate/types"
)

// ChatClient captures the subset of the OpenAI SDK's chat completions
// surface the adapter depends on, so tests can substitute a fake.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Adapter implements provider.Adapter over the OpenAI Chat Completions API.
// name distinguishes the OpenAI-compatible dialects (openai, deepseek,
// together) for error reporting and telemetry without changing wire
// behavior, per spec.md §7.E.
type Adapter struct {
	chat         ChatClient
	batch        BatchClient // nil for dialects with no Batch API (e.g. together)
	name         string
	defaultModel string
}

// New builds an adapter over an existing ChatClient. batch may be nil for
// OpenAI-compatible dialects that offer no batch surface; StartBatch and
// PollBatch then return provider.ErrUnsupportedForBatch.
func New(chat ChatClient, batch BatchClient, name, defaultModel string) *Adapter {
	if name == "" {
		name = "openai"
	}
	return &Adapter{chat: chat, batch: batch, name: name, defaultModel: defaultModel}
}

// NewFromAPIKey builds a default client pointed at baseURL (empty uses
// OpenAI's own endpoint), tagged with name for dialect-specific errors.
// withBatch controls whether the Batch API is wired in: OpenAI itself
// supports it, but not every OpenAI-compatible dialect does.
func NewFromAPIKey(apiKey, baseURL, name, defaultModel string, withBatch bool) *Adapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	var batch BatchClient
	if withBatch {
		batch = sdkBatchClient{client: &client}
	}
	return New(&client.Chat.Completions, batch, name, defaultModel)
}

// sdkBatchClient adapts the generated client's Batches/Files resources to
// the BatchClient interface.
type sdkBatchClient struct{ client *openai.Client }

func (c sdkBatchClient) NewBatch(ctx context.Context, params openai.BatchNewParams, opts ...option.RequestOption) (*openai.Batch, error) {
	return c.client.Batches.New(ctx, params, opts...)
}

func (c sdkBatchClient) GetBatch(ctx context.Context, batchID string, opts ...option.RequestOption) (*openai.Batch, error) {
	return c.client.Batches.Get(ctx, batchID, opts...)
}

func (c sdkBatchClient) NewFile(ctx context.Context, params openai.FileNewParams, opts ...option.RequestOption) (*openai.FileObject, error) {
	return c.client.Files.New(ctx, params, opts...)
}

func (c sdkBatchClient) FileContent(ctx context.Context, fileID string, opts ...option.RequestOption) (*http.Response, error) {
	return c.client.Files.Content(ctx, fileID, opts...)
}

var _ provider.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Infer(ctx context.Context, req *provider.Request, cred provider.Credentials) (*provider.Response, error) {
	params, err := a.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	rawReq, _ := json.Marshal(params)
	resp, err := a.chat.New(ctx, params, a.requestOptions(cred)...)
	if err != nil {
		return nil, classifyErr(a.name, err)
	}
	out, err := translateResponse(resp)
	if err != nil {
		return nil, err
	}
	out.RawRequest = rawReq
	raw, _ := json.Marshal(resp)
	out.RawResponse = raw
	return out, nil
}

func (a *Adapter) InferStream(ctx context.Context, req *provider.Request, cred provider.Credentials) (provider.ChunkSource, []byte, error) {
	params, err := a.prepareRequest(req)
	if err != nil {
		return nil, nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: param.NewOpt(true)}
	rawReq, _ := json.Marshal(params)
	stream := a.chat.NewStreaming(ctx, params, a.requestOptions(cred)...)
	return newStreamer(ctx, stream), rawReq, nil
}

func (a *Adapter) requestOptions(cred provider.Credentials) []option.RequestOption {
	key, err := cred.Resolve(os.Getenv, defaultEnvVar(a.name))
	if err != nil || key == "" {
		return nil
	}
	return []option.RequestOption{option.WithAPIKey(key)}
}

func defaultEnvVar(name string) string {
	switch name {
	case "deepseek":
		return "DEEPSEEK_API_KEY"
	case "together":
		return "TOGETHER_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

func (a *Adapter) prepareRequest(req *provider.Request) (openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, gatewayerr.New(gatewayerr.InvalidRequest, "openai: at least one message is required")
	}
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	if model == "" {
		return openai.ChatCompletionNewParams{}, gatewayerr.New(gatewayerr.InvalidModelProvider, "openai: model identifier is required")
	}

	messages, err := encodeMessages(req.System, req.Messages, req.ReasonerProfile)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = param.NewOpt(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.Seed != nil {
		params.Seed = param.NewOpt(*req.Seed)
	}

	switch req.JSONMode {
	case registry.JSONModeOn:
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	case registry.JSONModeStrict:
		// Chat Completions has no universal strict structured-output mode
		// across every OpenAI-compatible dialect this adapter serves
		// (deepseek/together); downgrade to plain JSON mode.
		log.Printf(context.Background(), "openai: JSONModeStrict downgraded to JSONModeOn for provider %q", a.name)
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	if req.Tools != nil && len(req.Tools.ToolsAvailable) > 0 {
		params.Tools = encodeTools(req.Tools.ToolsAvailable)
		params.ToolChoice = encodeToolChoice(req.Tools.ToolChoice)
		if req.Tools.ParallelToolCalls != nil {
			params.ParallelToolCalls = param.NewOpt(*req.Tools.ParallelToolCalls)
		}
	}

	return params, nil
}

// encodeMessages translates the gateway's canonical messages into Chat
// Completions message params. When reasonerProfile is set (OpenAI "o-series"
// style reasoning models), system text is folded into a leading user turn
// instead of a system role, mirroring this family's documented requirement.
func encodeMessages(system string, msgs []types.Message, reasonerProfile bool) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		if reasonerProfile {
			out = append(out, openai.UserMessage(system))
		} else {
			out = append(out, openai.SystemMessage(system))
		}
	}
	for _, m := range msgs {
		var text strings.Builder
		var toolCalls []openai.ChatCompletionMessageToolCallUnionParam
		var toolResults []openai.ChatCompletionMessageParamUnion
		for _, part := range m.Content {
			switch v := part.(type) {
			case types.Text:
				text.WriteString(v.Value)
			case types.RawText:
				text.WriteString(v.Value)
			case types.Thought:
				// Chat Completions has no reasoning-content slot; thoughts are
				// dropped on the way back to the provider, matching this
				// family's documented statelessness around reasoning tokens.
			case types.ToolCallBlock:
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: v.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      v.Name,
							Arguments: v.ArgumentsJSON,
						},
					},
				})
			case types.ToolResult:
				toolResults = append(toolResults, openai.ToolMessage(v.Result, v.ID))
			case types.Unknown:
				// no Chat Completions encoding for forward-compatible blocks.
			}
		}
		switch m.Role {
		case types.RoleUser:
			if text.Len() > 0 {
				out = append(out, openai.UserMessage(text.String()))
			}
		case types.RoleAssistant:
			if text.Len() > 0 || len(toolCalls) > 0 {
				msg := openai.ChatCompletionAssistantMessageParam{}
				if text.Len() > 0 {
					msg.Content.OfString = param.NewOpt(text.String())
				}
				msg.ToolCalls = toolCalls
				out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
			}
		}
		out = append(out, toolResults...)
	}
	if len(out) == 0 {
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "openai: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeTools(tools []*tool.Config) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name(),
					Description: param.NewOpt(t.Description()),
					Parameters:  shared.FunctionParameters(toMap(t.Parameters())),
					Strict:      param.NewOpt(t.Strict()),
				},
			},
		})
	}
	return out
}

func toMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func encodeToolChoice(choice tool.Choice) openai.ChatCompletionToolChoiceOptionUnionParam {
	switch choice.Mode {
	case tool.ChoiceNone:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("none")}
	case tool.ChoiceRequired:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("required")}
	case tool.ChoiceSpecific:
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("auto")}
	}
}

func translateResponse(resp *openai.ChatCompletion) (*provider.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, gatewayerr.New(gatewayerr.InferenceServer, "openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := &provider.Response{
		Usage: types.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		FinishReason: string(choice.FinishReason),
	}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, types.Text{Value: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Content = append(out.Content, types.ToolCallBlock{
			ID:            tc.ID,
			Name:          tc.Function.Name,
			ArgumentsJSON: tc.Function.Arguments,
		})
	}
	return out, nil
}

func classifyErr(providerName string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return gatewayerr.Wrap(gatewayerr.ApiKeyMissing, err, apiErr.Message).WithProvider(providerName)
		case 400, 404, 422:
			return gatewayerr.Wrap(gatewayerr.InvalidRequest, err, apiErr.Message).WithProvider(providerName)
		case 408:
			return gatewayerr.Wrap(gatewayerr.InferenceTimeout, err, apiErr.Message).WithProvider(providerName)
		case 429:
			return gatewayerr.Wrap(gatewayerr.InferenceClient, err, "rate limited: "+apiErr.Message).WithProvider(providerName)
		default:
			if apiErr.StatusCode >= 500 {
				return gatewayerr.Wrap(gatewayerr.InferenceServer, err, apiErr.Message).WithProvider(providerName)
			}
		}
	}
	return gatewayerr.Wrap(gatewayerr.InferenceClient, err, "request failed").WithProvider(providerName)
}
