// Package gateway is the transport-agnostic callable surface of spec.md
// §6: one method per external operation (inference, feedback, batch
// start/poll), plus the OpenAI-compatible chat/completions mapping. It
// wires package orchestrate, batch, and feedback together; no HTTP
// decoding happens here, matching spec.md §1's explicit exclusion of
// transport concerns from this core.
package gateway

import (
	"context"
	"strings"

	"goa.design/inferencegate/batch"
	"goa.design/inferencegate/feedback"
	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/orchestrate"
	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/stream"
	"goa.design/inferencegate/types"
)

// Gateway composes the three request-handling collaborators behind one
// callable surface. All three are optional so a deployment that only needs
// inference (say) can construct a Gateway without batch/feedback wired.
type Gateway struct {
	Orchestrate *orchestrate.Orchestrator
	Batch       *batch.Coordinator
	Feedback    *feedback.Writer
}

// Inference runs spec.md §4.F's full request algorithm for a single,
// non-streamed response.
func (g *Gateway) Inference(ctx context.Context, req *orchestrate.Request) (*orchestrate.Result, error) {
	if g.Orchestrate == nil {
		return nil, gatewayerr.New(gatewayerr.Config, "gateway: inference is not configured")
	}
	return g.Orchestrate.Infer(ctx, req)
}

// StreamHandle is the caller-facing handle on an in-flight streamed
// inference: drive it with Next until done, then call Close to persist the
// accumulated result exactly as the non-streamed path would.
type StreamHandle struct {
	g      *Gateway
	req    *orchestrate.Request
	start  *orchestrate.StreamStart
	closed bool
}

// Next pulls the next normalized event from the stream. See
// stream.Assembler.Next for the exact end-of-stream/error contract.
func (h *StreamHandle) Next(ctx context.Context) (stream.Event, bool, error) {
	return h.start.Assembler.Next(ctx)
}

// EpisodeID is the episode id assigned to this stream (generated if the
// caller did not supply one).
func (h *StreamHandle) EpisodeID() string { return h.start.EpisodeID }

// InferenceID is the id assigned to this stream's eventual Inference row.
func (h *StreamHandle) InferenceID() string { return h.start.InferenceID }

// VariantName is the variant that served this stream.
func (h *StreamHandle) VariantName() string { return h.start.VariantName }

// Close finalizes the stream, persisting the accumulated content exactly
// as PersistStream does. Safe to call once the caller has drained Next to
// completion (ok == false); calling it twice is a no-op.
func (h *StreamHandle) Close(ctx context.Context) {
	if h.closed {
		return
	}
	h.closed = true
	h.start.Release()
	h.g.Orchestrate.PersistStream(ctx, h.req, h.start)
}

// InferenceStream starts a streamed inference and returns a handle driven
// by the caller via Next/Close.
func (g *Gateway) InferenceStream(ctx context.Context, req *orchestrate.Request) (*StreamHandle, error) {
	if g.Orchestrate == nil {
		return nil, gatewayerr.New(gatewayerr.Config, "gateway: inference is not configured")
	}
	start, err := g.Orchestrate.InferStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &StreamHandle{g: g, req: req, start: start}, nil
}

// StartBatch implements spec.md §6's batch/start.
func (g *Gateway) StartBatch(ctx context.Context, req *batch.StartRequest) (*batch.StartResult, error) {
	if g.Batch == nil {
		return nil, gatewayerr.New(gatewayerr.Config, "gateway: batch is not configured")
	}
	return g.Batch.Start(ctx, req)
}

// PollBatch implements spec.md §6's batch/poll(batch_id, inference_id?).
func (g *Gateway) PollBatch(ctx context.Context, req *batch.PollRequest) (*batch.PollResult, error) {
	if g.Batch == nil {
		return nil, gatewayerr.New(gatewayerr.Config, "gateway: batch is not configured")
	}
	return g.Batch.Poll(ctx, req)
}

// SubmitFeedback implements spec.md §6's feedback(...).
func (g *Gateway) SubmitFeedback(ctx context.Context, p feedback.Params) (string, error) {
	if g.Feedback == nil {
		return "", gatewayerr.New(gatewayerr.Config, "gateway: feedback is not configured")
	}
	return g.Feedback.Write(ctx, p)
}

// defaultFunctionName is the sentinel function name attached to the
// OpenAI-compatible surface's "tensorzero::model_name::<M>" shorthand, per
// original_source/tensorzero-core/tests/e2e/openai_compatible.rs's
// "tensorzero::default" function-name assertion on that dispatch path.
const defaultFunctionName = "tensorzero::default"

const (
	prefixFunctionName = "tensorzero::function_name::"
	prefixModelName    = "tensorzero::model_name::"
	infixVariantName   = "::variant_name::"
)

// ResolveModel implements SPEC_FULL.md §6 item 5: parses the
// chat/completions "model" field's tensorzero:: prefixes into a dispatch
// target the caller feeds to Inference. A bare model string with neither
// prefix is rejected, matching the original's dedicated "new format" route.
func ResolveModel(cfg *registry.StaticConfig, model string) (*orchestrate.Request, error) {
	switch {
	case strings.HasPrefix(model, prefixFunctionName):
		rest := strings.TrimPrefix(model, prefixFunctionName)
		functionName, variantName, _ := strings.Cut(rest, infixVariantName)
		if _, ok := cfg.Function(functionName); !ok {
			return nil, gatewayerr.New(gatewayerr.UnknownFunction, "unknown function: "+functionName)
		}
		return &orchestrate.Request{FunctionName: functionName, VariantName: variantName}, nil

	case strings.HasPrefix(model, prefixModelName):
		rest := strings.TrimPrefix(model, prefixModelName)
		if rest == "" {
			return nil, gatewayerr.New(gatewayerr.InvalidModelProvider, "tensorzero::model_name:: requires a model identifier")
		}
		fn := &registry.Function{
			Name: defaultFunctionName,
			Kind: registry.FunctionChat,
			Variants: map[string]*registry.Variant{
				"default": {Name: "default", Kind: registry.VariantChatCompletion, Weight: 1, ModelName: rest},
			},
		}
		return &orchestrate.Request{FunctionName: defaultFunctionName, Function: fn, VariantName: "default"}, nil

	default:
		return nil, gatewayerr.New(gatewayerr.InvalidRequest,
			"model must use the tensorzero::function_name::<F> or tensorzero::model_name::<M> prefix: "+model)
	}
}

// ChatCompletionsExtras are the "tensorzero::"-prefixed top-level fields
// the OpenAI-compatible surface recognizes alongside the standard
// chat/completions body, per spec.md §6. Decoding the wire JSON into these
// (and into the standard fields) is the caller's job; ChatCompletions is a
// pure function over the already-decoded result.
type ChatCompletionsExtras struct {
	EpisodeID         string
	Tags              map[string]string
	VariantName       string
	Dryrun            bool
	DenyUnknownFields bool
	// UnknownFields lists any top-level keys the caller's decoder observed
	// that neither the standard chat/completions body nor this struct
	// recognizes. Non-empty only when the caller's decoder populates it.
	UnknownFields []string
}

// ChatCompletions implements SPEC_FULL.md §6 item 5: resolves the model
// field's dispatch target, applies the tensorzero:: extras, and returns the
// orchestrate.Request ready for Gateway.Inference/InferenceStream. input is
// the caller's already-decoded chat/completions messages translated to the
// canonical shape; mapping the wire JSON (including each OpenAI message
// role/content variant) into it is the caller's job, per spec.md §6.
// Unknown top-level fields are a hard InvalidRequest error when
// extras.DenyUnknownFields is set; otherwise the caller is expected to have
// already logged them as a warning during decode.
func ChatCompletions(cfg *registry.StaticConfig, model string, input types.Input, extras ChatCompletionsExtras) (*orchestrate.Request, error) {
	if extras.DenyUnknownFields && len(extras.UnknownFields) > 0 {
		return nil, gatewayerr.New(gatewayerr.InvalidRequest,
			"tensorzero::deny_unknown_fields is set to true, but found unknown fields in the request: "+strings.Join(extras.UnknownFields, ", "))
	}

	req, err := ResolveModel(cfg, model)
	if err != nil {
		return nil, err
	}
	req.Input = input
	req.EpisodeID = extras.EpisodeID
	req.Tags = extras.Tags
	req.Dryrun = extras.Dryrun
	if extras.VariantName != "" {
		req.VariantName = extras.VariantName
	}
	return req, nil
}
