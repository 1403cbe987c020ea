package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/orchestrate"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/store"
	"goa.design/inferencegate/store/cache"
	"goa.design/inferencegate/store/memory"
	"goa.design/inferencegate/tool"
	"goa.design/inferencegate/types"
)

// fakeBatchAdapter scripts StartBatch/PollBatch so a test can drive a batch
// through pending -> completed without a real provider.
type fakeBatchAdapter struct {
	name        string
	startResult *provider.StartBatchResult
	startErr    error
	pollResults []*provider.PollResult
	pollErrs    []error
	pollCalls   int
}

func (f *fakeBatchAdapter) Name() string { return f.name }

func (f *fakeBatchAdapter) Infer(ctx context.Context, req *provider.Request, cred provider.Credentials) (*provider.Response, error) {
	return nil, provider.ErrUnsupportedForBatch
}

func (f *fakeBatchAdapter) InferStream(ctx context.Context, req *provider.Request, cred provider.Credentials) (provider.ChunkSource, []byte, error) {
	return nil, nil, provider.ErrUnsupportedForBatch
}

func (f *fakeBatchAdapter) StartBatch(ctx context.Context, reqs []*provider.Request, cred provider.Credentials) (*provider.StartBatchResult, error) {
	return f.startResult, f.startErr
}

func (f *fakeBatchAdapter) PollBatch(ctx context.Context, row provider.ModelInferenceRow, cred provider.Credentials) (*provider.PollResult, error) {
	i := f.pollCalls
	f.pollCalls++
	if i < len(f.pollErrs) && f.pollErrs[i] != nil {
		return nil, f.pollErrs[i]
	}
	return f.pollResults[i], nil
}

func batchFunction() map[string]*registry.Function {
	return map[string]*registry.Function{
		"greet": {
			Name: "greet", Kind: registry.FunctionChat,
			Variants: map[string]*registry.Variant{
				"v1": {Name: "v1", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::claude-3-haiku"},
			},
		},
	}
}

func jsonBatchFunction() map[string]*registry.Function {
	implicit, err := tool.NewImplicit(map[string]any{"type": "object"}, false)
	if err != nil {
		panic(err)
	}
	return map[string]*registry.Function{
		"extract": {
			Name: "extract", Kind: registry.FunctionJSON,
			OutputSchema: map[string]any{"type": "object"},
			ImplicitTool: implicit,
			Variants: map[string]*registry.Variant{
				"v1": {Name: "v1", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::claude-3-haiku"},
			},
		},
	}
}

func twoInputs() []types.Input {
	msg := func(text string) types.Input {
		return types.Input{Messages: []types.Message{{Role: types.RoleUser, Content: []types.ContentBlock{types.Text{Value: text}}}}}
	}
	return []types.Input{msg("first"), msg("second")}
}

func TestStartRejectsUnknownFunction(t *testing.T) {
	c := &Coordinator{Config: &registry.StaticConfig{Functions: map[string]*registry.Function{}}}
	_, err := c.Start(context.Background(), &StartRequest{FunctionName: "ghost", Inputs: twoInputs()})
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.UnknownFunction, ge.Kind)
}

func TestStartRejectsEmptyInputs(t *testing.T) {
	c := &Coordinator{Config: &registry.StaticConfig{Functions: batchFunction()}}
	_, err := c.Start(context.Background(), &StartRequest{FunctionName: "greet"})
	require.Error(t, err)
}

func TestStartSubmitsOneRowPerInputAndPendingRequestRow(t *testing.T) {
	adapter := &fakeBatchAdapter{name: "anthropic", startResult: &provider.StartBatchResult{ProviderBatchID: "batch-1"}}
	st := memory.New()
	c := &Coordinator{
		Config: &registry.StaticConfig{Functions: batchFunction()},
		Routes: orchestrate.ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}},
		Store:  st,
	}

	result, err := c.Start(context.Background(), &StartRequest{FunctionName: "greet", Inputs: twoInputs()})
	require.NoError(t, err)
	require.Equal(t, "batch-1", result.BatchID)
	require.Len(t, result.InferenceIDs, 2)
	require.Len(t, result.EpisodeIDs, 2)

	rows, err := st.ListBatchModelInferences(context.Background(), "batch-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	reqs, err := st.ListBatchRequests(context.Background(), "batch-1")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
}

func TestPollUnknownBatchIDErrors(t *testing.T) {
	c := &Coordinator{Store: memory.New()}
	_, err := c.Poll(context.Background(), &PollRequest{BatchID: "nope"})
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.BatchNotFound, ge.Kind)
}

func TestPollTerminalBatchDoesNotContactProvider(t *testing.T) {
	adapter := &fakeBatchAdapter{name: "anthropic", startResult: &provider.StartBatchResult{ProviderBatchID: "batch-2"}}
	st := memory.New()
	c := &Coordinator{
		Config: &registry.StaticConfig{Functions: batchFunction()},
		Routes: orchestrate.ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}},
		Store:  st,
	}
	_, err := c.Start(context.Background(), &StartRequest{FunctionName: "greet", Inputs: twoInputs()})
	require.NoError(t, err)

	adapter.pollResults = []*provider.PollResult{{Status: provider.PollFailed}}
	res, err := c.Poll(context.Background(), &PollRequest{BatchID: "batch-2"})
	require.NoError(t, err)
	require.Equal(t, store.BatchFailed, res.Status)
	require.Equal(t, 1, adapter.pollCalls)

	res2, err := c.Poll(context.Background(), &PollRequest{BatchID: "batch-2"})
	require.NoError(t, err)
	require.Equal(t, store.BatchFailed, res2.Status)
	require.Equal(t, 1, adapter.pollCalls, "terminal batch must not re-poll the provider")
}

func TestPollCompletedResolvesResponsesAndPersistsRows(t *testing.T) {
	adapter := &fakeBatchAdapter{name: "anthropic", startResult: &provider.StartBatchResult{ProviderBatchID: "batch-3"}}
	st := memory.New()
	c := &Coordinator{
		Config: &registry.StaticConfig{Functions: batchFunction()},
		Routes: orchestrate.ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}},
		Store:  st,
	}
	start, err := c.Start(context.Background(), &StartRequest{FunctionName: "greet", Inputs: twoInputs()})
	require.NoError(t, err)

	outputs := make([]provider.BatchOutput, len(start.InferenceIDs))
	for i, id := range start.InferenceIDs {
		outputs[i] = provider.BatchOutput{
			ProviderRequestID: id,
			Response:          provider.Response{Content: []types.ContentBlockOutput{types.Text{Value: "reply"}}, FinishReason: "stop"},
		}
	}
	adapter.pollResults = []*provider.PollResult{{Status: provider.PollCompleted, Outputs: outputs}}

	res, err := c.Poll(context.Background(), &PollRequest{BatchID: "batch-3"})
	require.NoError(t, err)
	require.Equal(t, store.BatchCompleted, res.Status)
	require.Len(t, res.Responses, 2)

	filtered, err := c.Poll(context.Background(), &PollRequest{BatchID: "batch-3", InferenceID: start.InferenceIDs[0]})
	require.NoError(t, err)
	require.Len(t, filtered.Responses, 1)
	require.Equal(t, start.InferenceIDs[0], filtered.Responses[0].InferenceID)
}

func TestStartWithDynamicOutputSchemaStoresCompileVerdict(t *testing.T) {
	adapter := &fakeBatchAdapter{name: "anthropic", startResult: &provider.StartBatchResult{ProviderBatchID: "batch-4"}}
	schemaCache := cache.NewSchemaCache(nil, 0)
	c := &Coordinator{
		Config:      &registry.StaticConfig{Functions: jsonBatchFunction()},
		Routes:      orchestrate.ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}},
		Store:       memory.New(),
		SchemaCache: schemaCache,
	}

	outputSchema := map[string]any{"type": "object", "properties": map[string]any{"answer": map[string]any{"type": "string"}}}
	_, err := c.Start(context.Background(), &StartRequest{FunctionName: "extract", Inputs: twoInputs(), OutputSchema: outputSchema})
	require.NoError(t, err)

	failed, _, found := schemaCache.CompileVerdict(context.Background(), cache.SchemaKey(outputSchema))
	require.True(t, found)
	require.False(t, failed)
}

func TestStartWithMalformedDynamicOutputSchemaFailsAndCachesVerdict(t *testing.T) {
	adapter := &fakeBatchAdapter{name: "anthropic", startResult: &provider.StartBatchResult{ProviderBatchID: "batch-5"}}
	schemaCache := cache.NewSchemaCache(nil, 0)
	c := &Coordinator{
		Config:      &registry.StaticConfig{Functions: jsonBatchFunction()},
		Routes:      orchestrate.ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}},
		Store:       memory.New(),
		SchemaCache: schemaCache,
	}

	malformed := map[string]any{"type": 12345}
	_, err := c.Start(context.Background(), &StartRequest{FunctionName: "extract", Inputs: twoInputs(), OutputSchema: malformed})
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.JsonSchema, ge.Kind)

	key := cache.SchemaKey(malformed)
	failed, cause, found := schemaCache.CompileVerdict(context.Background(), key)
	require.True(t, found)
	require.True(t, failed)
	require.NotEmpty(t, cause)

	// A second Start call for the same malformed schema must short-circuit
	// from the cached verdict rather than recompiling.
	_, err = c.Start(context.Background(), &StartRequest{FunctionName: "extract", Inputs: twoInputs(), OutputSchema: malformed})
	require.Error(t, err)
	ge, ok = gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.JsonSchema, ge.Kind)
}
