package orchestrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/store/cache"
	"goa.design/inferencegate/store/memory"
	"goa.design/inferencegate/types"
)

// fakeAdapter is a scripted provider.Adapter: each call to Infer consumes
// the next entry in responses (or errs), so a test can simulate a failing
// first variant followed by a succeeding retry.
type fakeAdapter struct {
	name      string
	responses []*provider.Response
	errs      []error
	calls     int

	streamErrs  []error
	streamCalls int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Infer(ctx context.Context, req *provider.Request, cred provider.Credentials) (*provider.Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.responses[i], nil
}

// fakeChunkSource is an empty stream: Recv reports clean end-of-stream
// immediately, enough to exercise InferStream's dispatch/backpressure
// logic without a real provider connection.
type fakeChunkSource struct{}

func (f *fakeChunkSource) Recv(ctx context.Context) (provider.Chunk, bool, error) {
	return provider.Chunk{}, false, nil
}

func (f *fakeChunkSource) Close() error { return nil }

func (f *fakeAdapter) InferStream(ctx context.Context, req *provider.Request, cred provider.Credentials) (provider.ChunkSource, []byte, error) {
	i := f.streamCalls
	f.streamCalls++
	if i < len(f.streamErrs) && f.streamErrs[i] != nil {
		return nil, nil, f.streamErrs[i]
	}
	return &fakeChunkSource{}, nil, nil
}

func (f *fakeAdapter) StartBatch(ctx context.Context, reqs []*provider.Request, cred provider.Credentials) (*provider.StartBatchResult, error) {
	return nil, provider.ErrUnsupportedForBatch
}

func (f *fakeAdapter) PollBatch(ctx context.Context, row provider.ModelInferenceRow, cred provider.Credentials) (*provider.PollResult, error) {
	return nil, provider.ErrUnsupportedForBatch
}

func chatFunction(variants map[string]*registry.Variant) *registry.Function {
	return &registry.Function{Name: "greet", Kind: registry.FunctionChat, Variants: variants}
}

func simpleInput() types.Input {
	return types.Input{Messages: []types.Message{
		{Role: types.RoleUser, Content: []types.ContentBlock{types.Text{Value: "hi"}}},
	}}
}

func TestInferHappyPath(t *testing.T) {
	adapter := &fakeAdapter{name: "anthropic", responses: []*provider.Response{
		{Content: []types.ContentBlockOutput{types.Text{Value: "hello there"}}, FinishReason: "stop"},
	}}
	o := &Orchestrator{
		Config: &registry.StaticConfig{Functions: map[string]*registry.Function{
			"greet": chatFunction(map[string]*registry.Variant{
				"v1": {Name: "v1", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::claude-3-haiku"},
			}),
		}},
		Routes: ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}},
	}

	result, err := o.Infer(context.Background(), &Request{FunctionName: "greet", Input: simpleInput()})
	require.NoError(t, err)
	require.Equal(t, "v1", result.VariantName)
	require.Equal(t, types.ResponseChat, result.Response.Kind)
	require.NotEmpty(t, result.Response.InferenceID)
	require.NotEmpty(t, result.Response.EpisodeID)
}

func TestInferRetriesOnRetryableProviderErrorThenSucceeds(t *testing.T) {
	failing := &fakeAdapter{name: "openai", errs: []error{gatewayerr.New(gatewayerr.InferenceServer, "upstream 500")}}
	succeeding := &fakeAdapter{name: "anthropic", responses: []*provider.Response{
		{Content: []types.ContentBlockOutput{types.Text{Value: "ok"}}},
	}}
	o := &Orchestrator{
		Config: &registry.StaticConfig{Functions: map[string]*registry.Function{
			"greet": chatFunction(map[string]*registry.Variant{
				"bad":  {Name: "bad", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "openai::gpt-4o-mini"},
				"good": {Name: "good", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::claude-3-haiku"},
			}),
		}},
		Routes: ModelRoute{Adapters: map[string]provider.Adapter{"openai": failing, "anthropic": succeeding}},
	}

	result, err := o.Infer(context.Background(), &Request{FunctionName: "greet", Input: simpleInput(), EpisodeID: "fixed-episode"})
	require.NoError(t, err)
	require.Equal(t, "good", result.VariantName)
}

func TestInferNonRetryableErrorAbortsImmediately(t *testing.T) {
	adapter := &fakeAdapter{name: "anthropic", errs: []error{gatewayerr.New(gatewayerr.InvalidRequest, "bad request")}}
	o := &Orchestrator{
		Config: &registry.StaticConfig{Functions: map[string]*registry.Function{
			"greet": chatFunction(map[string]*registry.Variant{
				"v1": {Name: "v1", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::claude-3-haiku"},
			}),
		}},
		Routes: ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}},
	}

	_, err := o.Infer(context.Background(), &Request{FunctionName: "greet", Input: simpleInput()})
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.InvalidRequest, ge.Kind)
	require.Equal(t, 1, adapter.calls)
}

func TestInferAllVariantsFailedWhenEveryRetryExhausted(t *testing.T) {
	adapter := &fakeAdapter{name: "anthropic", errs: []error{
		gatewayerr.New(gatewayerr.InferenceServer, "fail 1"),
		gatewayerr.New(gatewayerr.InferenceServer, "fail 2"),
	}}
	o := &Orchestrator{
		Config: &registry.StaticConfig{Functions: map[string]*registry.Function{
			"greet": chatFunction(map[string]*registry.Variant{
				"v1": {Name: "v1", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::claude-3-haiku"},
				"v2": {Name: "v2", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::claude-3-haiku"},
			}),
		}},
		Routes: ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}},
	}

	_, err := o.Infer(context.Background(), &Request{FunctionName: "greet", Input: simpleInput()})
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.AllVariantsFailed, ge.Kind)
}

func TestInferUnknownFunctionErrors(t *testing.T) {
	o := &Orchestrator{Config: &registry.StaticConfig{Functions: map[string]*registry.Function{}}}
	_, err := o.Infer(context.Background(), &Request{FunctionName: "nope", Input: simpleInput()})
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.UnknownFunction, ge.Kind)
}

func TestInferPinnedVariantSkipsSampling(t *testing.T) {
	adapter := &fakeAdapter{name: "anthropic", responses: []*provider.Response{
		{Content: []types.ContentBlockOutput{types.Text{Value: "pinned"}}},
	}}
	o := &Orchestrator{
		Config: &registry.StaticConfig{Functions: map[string]*registry.Function{
			"greet": chatFunction(map[string]*registry.Variant{
				"a": {Name: "a", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::m-a"},
				"b": {Name: "b", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::m-b"},
			}),
		}},
		Routes: ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}},
	}

	result, err := o.Infer(context.Background(), &Request{FunctionName: "greet", Input: simpleInput(), VariantName: "b"})
	require.NoError(t, err)
	require.Equal(t, "b", result.VariantName)
}

func TestInferDryrunSkipsPersistence(t *testing.T) {
	adapter := &fakeAdapter{name: "anthropic", responses: []*provider.Response{
		{Content: []types.ContentBlockOutput{types.Text{Value: "hi"}}},
	}}
	st := memory.New()
	o := &Orchestrator{
		Config: &registry.StaticConfig{Functions: map[string]*registry.Function{
			"greet": chatFunction(map[string]*registry.Variant{
				"v1": {Name: "v1", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::claude-3-haiku"},
			}),
		}},
		Routes: ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}},
		Store:  st,
	}

	result, err := o.Infer(context.Background(), &Request{FunctionName: "greet", Input: simpleInput(), Dryrun: true})
	require.NoError(t, err)
	require.NotEmpty(t, result.Response.InferenceID)
}

func TestInferStreamAcquiresAndReleasesBackpressureSlot(t *testing.T) {
	adapter := &fakeAdapter{name: "anthropic"}
	bucket := cache.NewTokenBucket(nil, 1)
	o := &Orchestrator{
		Config: &registry.StaticConfig{Functions: map[string]*registry.Function{"greet": chatFunction(map[string]*registry.Variant{
			"v1": {Name: "v1", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::claude-3-haiku"},
		})}},
		Routes:       ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}},
		Store:        memory.New(),
		Backpressure: bucket,
	}

	start, err := o.InferStream(context.Background(), &Request{FunctionName: "greet", Input: simpleInput()})
	require.NoError(t, err)
	require.Equal(t, 1, adapter.streamCalls)

	// An unconfigured (nil-rdb) TokenBucket never actually blocks, but
	// Release must still be safe to call and idempotent-by-contract (once).
	start.Release()
}

func TestInferStreamRetriesOtherVariantWhenAdapterFailsThenSucceeds(t *testing.T) {
	failing := &fakeAdapter{name: "openai", streamErrs: []error{gatewayerr.New(gatewayerr.InferenceServer, "upstream 500")}}
	succeeding := &fakeAdapter{name: "anthropic"}
	o := &Orchestrator{
		Config: &registry.StaticConfig{Functions: map[string]*registry.Function{"greet": chatFunction(map[string]*registry.Variant{
			"bad":  {Name: "bad", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "openai::gpt-4o-mini"},
			"good": {Name: "good", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: "anthropic::claude-3-haiku"},
		})}},
		Routes: ModelRoute{Adapters: map[string]provider.Adapter{"openai": failing, "anthropic": succeeding}},
		Store:  memory.New(),
	}

	start, err := o.InferStream(context.Background(), &Request{FunctionName: "greet", Input: simpleInput(), EpisodeID: "fixed-episode"})
	require.NoError(t, err)
	require.Equal(t, "good", start.VariantName)
	require.Equal(t, 1, failing.streamCalls)
	require.Equal(t, 1, succeeding.streamCalls)
	start.Release()
}

func TestModelRouteResolveRejectsMissingSeparator(t *testing.T) {
	r := ModelRoute{Adapters: map[string]provider.Adapter{}}
	_, _, err := r.Resolve("not-namespaced")
	require.Error(t, err)
}

func TestModelRouteResolveUnknownProvider(t *testing.T) {
	r := ModelRoute{Adapters: map[string]provider.Adapter{}}
	_, _, err := r.Resolve("ghost::model")
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.InvalidModelProvider, ge.Kind)
}

func TestModelRouteResolveSplitsProviderAndModel(t *testing.T) {
	adapter := &fakeAdapter{name: "anthropic"}
	r := ModelRoute{Adapters: map[string]provider.Adapter{"anthropic": adapter}}
	a, model, err := r.Resolve("anthropic::claude-3-haiku-20240307")
	require.NoError(t, err)
	require.Same(t, adapter, a)
	require.Equal(t, "claude-3-haiku-20240307", model)
}
