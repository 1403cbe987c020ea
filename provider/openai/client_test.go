package openai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/tool"
	"goa.design/inferencegate/types"
)

func TestNewDefaultsNameToOpenAI(t *testing.T) {
	a := New(nil, nil, "", "gpt-4o-mini")
	require.Equal(t, "openai", a.Name())
}

func TestNewHonorsExplicitDialectName(t *testing.T) {
	a := New(nil, nil, "deepseek", "deepseek-chat")
	require.Equal(t, "deepseek", a.Name())
}

func TestPrepareRequestRequiresMessages(t *testing.T) {
	a := New(nil, nil, "openai", "gpt-4o-mini")
	_, err := a.prepareRequest(&provider.Request{Model: "gpt-4o-mini"})
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.InvalidRequest, ge.Kind)
}

func TestPrepareRequestRequiresModelIdentifier(t *testing.T) {
	a := New(nil, nil, "openai", "")
	req := &provider.Request{Messages: []types.Message{
		{Role: types.RoleUser, Content: []types.ContentBlock{types.Text{Value: "hi"}}},
	}}
	_, err := a.prepareRequest(req)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.InvalidModelProvider, ge.Kind)
}

func TestPrepareRequestUsesDefaultModelWhenRequestOmitsIt(t *testing.T) {
	a := New(nil, nil, "openai", "gpt-4o-mini")
	req := &provider.Request{Messages: []types.Message{
		{Role: types.RoleUser, Content: []types.ContentBlock{types.Text{Value: "hi"}}},
	}}
	params, err := a.prepareRequest(req)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", string(params.Model))
}

func TestPrepareRequestAppliesJSONModeOn(t *testing.T) {
	a := New(nil, nil, "openai", "gpt-4o-mini")
	req := &provider.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: []types.ContentBlock{types.Text{Value: "hi"}}}},
		JSONMode: registry.JSONModeOn,
	}
	params, err := a.prepareRequest(req)
	require.NoError(t, err)
	require.NotNil(t, params.ResponseFormat.OfJSONObject)
}

func TestPrepareRequestDowngradesStrictJSONMode(t *testing.T) {
	a := New(nil, nil, "openai", "gpt-4o-mini")
	req := &provider.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: []types.ContentBlock{types.Text{Value: "hi"}}}},
		JSONMode: registry.JSONModeStrict,
	}
	params, err := a.prepareRequest(req)
	require.NoError(t, err)
	require.NotNil(t, params.ResponseFormat.OfJSONObject)
}

func TestPrepareRequestReasonerProfileFoldsSystemIntoUserTurn(t *testing.T) {
	a := New(nil, nil, "openai", "o1-mini")
	req := &provider.Request{
		System:          "be terse",
		ReasonerProfile: true,
		Messages:        []types.Message{{Role: types.RoleUser, Content: []types.ContentBlock{types.Text{Value: "hi"}}}},
	}
	params, err := a.prepareRequest(req)
	require.NoError(t, err)
	require.Len(t, params.Messages, 2)
	require.NotNil(t, params.Messages[0].OfUser, "system text must be folded into a leading user turn for reasoner models")
}

func TestPrepareRequestEncodesToolsAndChoice(t *testing.T) {
	cfg, err := tool.NewStatic("get_weather", "d", map[string]any{"type": "object"}, true)
	require.NoError(t, err)
	cc := &tool.CallConfig{ToolsAvailable: []*tool.Config{cfg}, ToolChoice: tool.Choice{Mode: tool.ChoiceSpecific, Name: "get_weather"}}

	a := New(nil, nil, "openai", "gpt-4o-mini")
	req := &provider.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: []types.ContentBlock{types.Text{Value: "hi"}}}},
		Tools:    cc,
	}
	params, err := a.prepareRequest(req)
	require.NoError(t, err)
	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.ToolChoice.OfChatCompletionNamedToolChoice)
}

func TestEncodeMessagesRequiresAtLeastOneTurn(t *testing.T) {
	_, err := encodeMessages("", nil, false)
	require.Error(t, err)
}

func TestToMapHandlesRawValueAndStructuredMap(t *testing.T) {
	m := toMap(map[string]any{"type": "object"})
	require.Equal(t, "object", m["type"])

	m2 := toMap(struct {
		Type string `json:"type"`
	}{Type: "object"})
	require.Equal(t, "object", m2["type"])
}

func TestClassifyErrFallsBackToInferenceClientForNonAPIError(t *testing.T) {
	err := classifyErr("openai", context.DeadlineExceeded)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.InferenceClient, ge.Kind)
	require.Equal(t, "openai", ge.Provider)
}

func TestStartBatchUnsupportedWithoutBatchClient(t *testing.T) {
	a := New(nil, nil, "openai", "gpt-4o-mini")
	_, err := a.StartBatch(context.Background(), nil, provider.Credentials{})
	require.ErrorIs(t, err, provider.ErrUnsupportedForBatch)
}
