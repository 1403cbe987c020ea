// Package batch implements the asynchronous batch-inference lifecycle of
// spec.md §4.H: submit many inputs as one provider-side job, persist the
// per-request state, and later poll the job to completion. BatchRequest
// status rows are strictly append-only — a second terminal row for the
// same batch id is refused — per spec.md §9 and
// original_source/tensorzero-internal/src/endpoints/batch_inference.rs's
// write_batch_request_status_update.
package batch

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/ids"
	"goa.design/inferencegate/orchestrate"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/store"
	"goa.design/inferencegate/store/cache"
	"goa.design/inferencegate/tool"
	"goa.design/inferencegate/types"
)

// StartRequest is the caller-facing request to start_batch_inference.
type StartRequest struct {
	FunctionName string
	Inputs       []types.Input
	EpisodeIDs   []string // optional; generated per-input when empty
	ToolParams   tool.DynamicToolParams
	OutputSchema any
	Tags         []map[string]string
	Credentials  map[string]string
}

// StartResult is returned from Start: the provider-side batch id plus the
// inference/episode ids assigned to each input, in request order.
type StartResult struct {
	BatchID     string
	InferenceIDs []string
	EpisodeIDs   []string
}

// InputValidationError reports a per-index input validation failure, per
// spec.md §4.H step 1 / the BatchInputValidation error kind.
type InputValidationError struct {
	Index int
	Err   error
}

func (e *InputValidationError) Error() string { return e.Err.Error() }
func (e *InputValidationError) Unwrap() error { return e.Err }

// Coordinator drives the batch lifecycle, sharing the orchestrator's
// registry, tool assembler, and provider routing. Unlike the
// single-inference path, a batch request carries the input's system text
// and messages as given: the variant's templates are not rendered and URL
// file parts are not fetched.
type Coordinator struct {
	Config *registry.StaticConfig
	Routes orchestrate.ModelRoute
	Store  store.AnalyticalStore
	// SchemaCache memoizes dynamic output-schema compile verdicts across
	// batch workers sharing a pool, per SPEC_FULL.md §3. Optional: nil
	// means every Start call precompiles its own dynamic schema, exactly
	// as before this field existed.
	SchemaCache *cache.SchemaCache
}

// Start implements spec.md §4.H's start_batch: validates every input,
// samples a single variant for the whole batch using the first episode
// id, builds one provider request per input, submits them as a single
// provider-side job, and persists one BatchModelInference row per intended
// inference plus one Pending BatchRequest row.
func (c *Coordinator) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	fn, ok := c.Config.Function(req.FunctionName)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.UnknownFunction, "unknown function: "+req.FunctionName)
	}
	if len(req.Inputs) == 0 {
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "batch requires at least one input")
	}

	for i, in := range req.Inputs {
		if err := validateBatchInput(fn, in); err != nil {
			return nil, &InputValidationError{Index: i, Err: err}
		}
	}

	episodeIDs := make([]string, len(req.Inputs))
	for i := range req.Inputs {
		if i < len(req.EpisodeIDs) && req.EpisodeIDs[i] != "" {
			episodeIDs[i] = req.EpisodeIDs[i]
		} else {
			episodeIDs[i] = ids.New()
		}
	}

	// spec.md §4.H step 2: a single variant serves the entire batch,
	// sampled using the first episode id.
	variantName, variant, err := registry.SampleVariant(fn.Variants, episodeIDs[0], nil)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.AllVariantsFailed, err, "no variant available for batch")
	}

	adapter, modelID, err := c.Routes.Resolve(variant.ModelName)
	if err != nil {
		return nil, err
	}

	toolCfg, err := c.resolveTools(ctx, fn, req.ToolParams, req.OutputSchema)
	if err != nil {
		return nil, err
	}

	inferenceIDs := make([]string, len(req.Inputs))
	providerReqs := make([]*provider.Request, len(req.Inputs))
	for i, in := range req.Inputs {
		inferenceIDs[i] = ids.New()
		providerReqs[i] = &provider.Request{
			Model:           modelID,
			System:          systemText(in),
			Messages:        in.Messages,
			Tools:           toolCfg,
			Temperature:     variant.Temperature,
			MaxTokens:       variant.MaxTokens,
			JSONMode:        variant.JSONMode,
			ImplicitRespond: fn.Kind == registry.FunctionJSON,
		}
	}

	cred := provider.CredentialsForVariant(variant, req.Credentials)
	result, err := adapter.StartBatch(ctx, providerReqs, cred)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.InferenceClient, err, "start batch inference").WithProvider(adapter.Name())
	}

	now := time.Now().UTC()
	rows := make([]any, len(req.Inputs))
	for i, in := range req.Inputs {
		var tags map[string]string
		if i < len(req.Tags) {
			tags = req.Tags[i]
		}
		rows[i] = store.BatchModelInferenceRow{
			InferenceID: inferenceIDs[i], BatchID: result.ProviderBatchID,
			EpisodeID: episodeIDs[i], FunctionName: fn.Name, VariantName: variantName,
			ModelName: modelID, ModelProvider: adapter.Name(), Input: in, Tags: tags,
			Timestamp: now,
		}
	}
	if c.Store != nil {
		if err := c.Store.Write(ctx, rows, store.TableBatchModelInference); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.AnalyticalStore, err, "persist batch model inference rows")
		}
		requestRow := store.BatchRequestRow{
			BatchID: result.ProviderBatchID, ModelName: modelID, ModelProvider: adapter.Name(),
			Status: store.BatchPending, RawRequest: result.RawRequest, RawResponse: result.RawResponse,
			Timestamp: now,
		}
		// Batch rows are written before returning the batch id to the
		// caller, per spec.md §5's ordering guarantee.
		if err := c.Store.Write(ctx, []any{requestRow}, store.TableBatchRequest); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.AnalyticalStore, err, "persist batch request row")
		}
	}

	return &StartResult{BatchID: result.ProviderBatchID, InferenceIDs: inferenceIDs, EpisodeIDs: episodeIDs}, nil
}

func (c *Coordinator) resolveTools(ctx context.Context, fn *registry.Function, params tool.DynamicToolParams, outputSchema any) (*tool.CallConfig, error) {
	if fn.Kind == registry.FunctionJSON {
		implicit := fn.ImplicitTool
		if outputSchema != nil {
			var cacheKey string
			if c.SchemaCache != nil {
				cacheKey = cache.SchemaKey(outputSchema)
				if failed, cause, found := c.SchemaCache.CompileVerdict(ctx, cacheKey); found && failed {
					return nil, gatewayerr.New(gatewayerr.JsonSchema, "dynamic output schema previously failed to compile: "+cause)
				}
			}
			implicit = tool.NewDynamicImplicit(outputSchema, false)
			if err := implicit.Precompile(); err != nil {
				if c.SchemaCache != nil {
					_ = c.SchemaCache.Store(ctx, cacheKey, err)
				}
				return nil, err
			}
			if c.SchemaCache != nil {
				_ = c.SchemaCache.Store(ctx, cacheKey, nil)
			}
		}
		return &tool.CallConfig{ToolsAvailable: []*tool.Config{implicit}, ToolChoice: tool.Choice{Mode: tool.ChoiceSpecific, Name: tool.ImplicitToolName}}, nil
	}
	return tool.Assemble(fn.Tools, fn.ToolChoice, fn.ParallelToolCalls, c.Config.StaticTools, params, c.Config.ProviderScoped)
}

func systemText(in types.Input) string {
	if in.System == nil {
		return ""
	}
	return in.System.Text
}

func validateBatchInput(fn *registry.Function, in types.Input) error {
	// Reuses the same schema checks the single-inference path performs;
	// batch inputs follow identical shape rules, per spec.md §4.H step 1.
	if fn.UserSchema == nil && fn.AssistantSchema == nil && fn.SystemSchema == nil {
		return nil
	}
	if fn.SystemSchema != nil && in.System != nil && in.System.IsTemplate() {
		if err := fn.SystemSchema.Validate(map[string]any(in.System.Args)); err != nil {
			return err
		}
	}
	for _, m := range in.Messages {
		var s interface{ Validate(any) error }
		switch m.Role {
		case types.RoleUser:
			if fn.UserSchema != nil {
				s = fn.UserSchema
			}
		case types.RoleAssistant:
			if fn.AssistantSchema != nil {
				s = fn.AssistantSchema
			}
		}
		if s == nil {
			continue
		}
		for _, part := range m.Content {
			tmpl, ok := part.(types.Template)
			if !ok {
				continue
			}
			if err := s.Validate(tmpl.Arguments); err != nil {
				return err
			}
		}
	}
	return nil
}

// PollRequest identifies a batch poll either by the provider batch id or by
// a single inference id within it, per spec.md §6.
type PollRequest struct {
	BatchID     string
	InferenceID string // if set, the response is filtered to this inference
	// Credentials overrides the per-request credentials map for this poll
	// call, per spec.md §6; only consulted when the batch's variant uses
	// CredentialDynamic.
	Credentials map[string]string
}

// PollResult is the outcome of a poll: the batch's current status plus any
// responses resolved on this call (only non-empty when Status transitions
// to Completed on this call, or when replaying an already-Completed batch
// filtered to a single inference id).
type PollResult struct {
	Status    store.BatchStatus
	Responses []types.InferenceResponse
}

// Poll implements spec.md §4.H's poll_batch: loads the latest BatchRequest
// row; if already terminal, returns without contacting the provider; if
// Pending, asks the adapter and appends a new row reflecting the outcome,
// persisting resolved Inference + ModelInference rows on completion.
func (c *Coordinator) Poll(ctx context.Context, req *PollRequest) (*PollResult, error) {
	latest, modelRows, err := c.loadLatest(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, gatewayerr.New(gatewayerr.BatchNotFound, "unknown batch id: "+req.BatchID)
	}

	if latest.Status != store.BatchPending {
		// Terminal already; re-derive responses only by re-reading what was
		// persisted, since we do not contact the provider again.
		return &PollResult{Status: latest.Status}, nil
	}

	adapter, ok := c.adapterFor(latest.ModelProvider)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.InvalidModelProvider, "unknown provider: "+latest.ModelProvider)
	}

	cred := provider.CredentialsForVariant(c.batchVariant(modelRows), req.Credentials)
	row := provider.ModelInferenceRow{ProviderRequestID: req.BatchID}
	pollResult, err := adapter.PollBatch(ctx, row, cred)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.InferenceClient, err, "poll batch inference").WithProvider(adapter.Name())
	}

	now := time.Now().UTC()
	switch pollResult.Status {
	case provider.PollPending:
		if c.Store != nil {
			_ = c.Store.Write(ctx, []any{store.BatchRequestRow{
				BatchID: req.BatchID, ModelName: latest.ModelName, ModelProvider: latest.ModelProvider,
				Status: store.BatchPending, RawRequest: pollResult.RawRequest, RawResponse: pollResult.RawResponse,
				Timestamp: now,
			}}, store.TableBatchRequest)
		}
		return &PollResult{Status: store.BatchPending}, nil

	case provider.PollFailed:
		if c.Store != nil {
			_ = c.Store.Write(ctx, []any{store.BatchRequestRow{
				BatchID: req.BatchID, ModelName: latest.ModelName, ModelProvider: latest.ModelProvider,
				Status: store.BatchFailed, RawRequest: pollResult.RawRequest, RawResponse: pollResult.RawResponse,
				Timestamp: now,
			}}, store.TableBatchRequest)
		}
		return &PollResult{Status: store.BatchFailed}, nil

	default: // Completed
		responses, err := c.resolveCompleted(ctx, modelRows, pollResult.Outputs, now)
		if err != nil {
			return nil, err
		}
		if c.Store != nil {
			_ = c.Store.Write(ctx, []any{store.BatchRequestRow{
				BatchID: req.BatchID, ModelName: latest.ModelName, ModelProvider: latest.ModelProvider,
				Status: store.BatchCompleted, RawRequest: pollResult.RawRequest, RawResponse: pollResult.RawResponse,
				Timestamp: now,
			}}, store.TableBatchRequest)
		}
		if req.InferenceID != "" {
			responses = filterByInference(responses, req.InferenceID)
		}
		return &PollResult{Status: store.BatchCompleted, Responses: responses}, nil
	}
}

// resolveCompleted maps each provider output back to its
// BatchModelInference row, builds the canonical InferenceResponse, and
// persists Inference + ModelInference rows exactly as the single-inference
// path would, per spec.md §4.H.
func (c *Coordinator) resolveCompleted(ctx context.Context, modelRows []store.BatchModelInferenceRow, outputs []provider.BatchOutput, now time.Time) ([]types.InferenceResponse, error) {
	byID := make(map[string]store.BatchModelInferenceRow, len(modelRows))
	for _, r := range modelRows {
		byID[r.InferenceID] = r
	}

	responses := make([]types.InferenceResponse, 0, len(outputs))
	for _, out := range outputs {
		row, ok := byID[out.ProviderRequestID]
		if !ok {
			continue
		}
		fn, _ := c.Config.Function(row.FunctionName)

		infResp := types.InferenceResponse{
			InferenceID: row.InferenceID, EpisodeID: row.EpisodeID, VariantName: row.VariantName,
			Usage: out.Response.Usage, FinishReason: out.Response.FinishReason,
		}
		if fn != nil && fn.Kind == registry.FunctionJSON {
			infResp.Kind = types.ResponseJSON
			infResp.Output = extractJSONOutput(out.Response.Content)
		} else {
			infResp.Kind = types.ResponseChat
			infResp.Content = out.Response.Content
		}
		responses = append(responses, infResp)

		modelRow := store.ModelInferenceRow{
			ID: ids.New(), InferenceID: row.InferenceID,
			ModelName: row.ModelName, ModelProvider: row.ModelProvider,
			RawRequest: out.Response.RawRequest, RawResponse: out.Response.RawResponse,
			InputTokens: out.Response.Usage.InputTokens, OutputTokens: out.Response.Usage.OutputTokens,
			Timestamp: now,
		}
		if c.Store != nil {
			_ = c.Store.Write(ctx, []any{modelRow}, store.TableModelInference)
			contentJSON, _ := json.Marshal(infResp.Content)
			if infResp.Kind == types.ResponseJSON {
				_ = c.Store.Write(ctx, []any{store.JSONInferenceRow{
					ID: row.InferenceID, EpisodeID: row.EpisodeID, FunctionName: row.FunctionName,
					VariantName: row.VariantName, Input: row.Input, Output: *infResp.Output,
					Tags: row.Tags, Timestamp: now,
				}}, store.TableJSONInference)
			} else {
				_ = c.Store.Write(ctx, []any{store.ChatInferenceRow{
					ID: row.InferenceID, EpisodeID: row.EpisodeID, FunctionName: row.FunctionName,
					VariantName: row.VariantName, Input: row.Input, Output: contentJSON,
					Tags: row.Tags, Timestamp: now,
				}}, store.TableChatInference)
			}
			_ = c.Store.Write(ctx, []any{store.InferenceByIDRow{
				ID: row.InferenceID, EpisodeID: row.EpisodeID, FunctionName: row.FunctionName,
				VariantName: row.VariantName, Kind: infResp.Kind, Timestamp: now,
			}}, store.TableInferenceByID)
			_ = c.Store.Write(ctx, []any{store.InferenceByEpisodeIDRow{
				EpisodeID: row.EpisodeID, ID: row.InferenceID, FunctionName: row.FunctionName,
				VariantName: row.VariantName, Kind: infResp.Kind, Timestamp: now,
			}}, store.TableInferenceByEpisodeID)
		}
	}
	return responses, nil
}

func extractJSONOutput(content []types.ContentBlockOutput) *types.JSONOutput {
	for _, block := range content {
		tc, ok := block.(types.ToolCallBlock)
		if !ok || tc.Name != tool.ImplicitToolName {
			continue
		}
		out := &types.JSONOutput{Raw: tc.ArgumentsJSON}
		var parsed any
		if json.Unmarshal([]byte(tc.ArgumentsJSON), &parsed) == nil {
			out.Parsed = json.RawMessage(tc.ArgumentsJSON)
		}
		return out
	}
	return &types.JSONOutput{}
}

func filterByInference(responses []types.InferenceResponse, inferenceID string) []types.InferenceResponse {
	for _, r := range responses {
		if r.InferenceID == inferenceID {
			return []types.InferenceResponse{r}
		}
	}
	return nil
}

func (c *Coordinator) adapterFor(providerName string) (provider.Adapter, bool) {
	a, ok := c.Routes.Adapters[providerName]
	return a, ok
}

// batchVariant recovers the variant a batch was submitted under from its
// persisted BatchModelInference rows (every row in a batch shares the same
// function/variant, per Start's single-variant-per-batch rule), so Poll can
// honor that variant's credential policy. Falls back to the zero-value
// variant (CredentialProviderDefault) when the rows or the lookup are
// unavailable, matching the behavior before per-variant credentials existed.
func (c *Coordinator) batchVariant(modelRows []store.BatchModelInferenceRow) *registry.Variant {
	if len(modelRows) == 0 || c.Config == nil {
		return &registry.Variant{}
	}
	fn, ok := c.Config.Function(modelRows[0].FunctionName)
	if !ok {
		return &registry.Variant{}
	}
	v, ok := fn.Variants[modelRows[0].VariantName]
	if !ok {
		return &registry.Variant{}
	}
	return v
}

// loadLatest reads every BatchRequest row for batchID from the store and
// returns the one with the latest Timestamp (the current status, since
// rows are append-only), along with every BatchModelInference row for that
// batch.
func (c *Coordinator) loadLatest(ctx context.Context, batchID string) (*store.BatchRequestRow, []store.BatchModelInferenceRow, error) {
	if c.Store == nil {
		return nil, nil, nil
	}
	type lister interface {
		ListBatchRequests(ctx context.Context, batchID string) ([]store.BatchRequestRow, error)
		ListBatchModelInferences(ctx context.Context, batchID string) ([]store.BatchModelInferenceRow, error)
	}
	l, ok := c.Store.(lister)
	if !ok {
		return nil, nil, gatewayerr.New(gatewayerr.Config, "configured store does not support batch listing")
	}
	requests, err := l.ListBatchRequests(ctx, batchID)
	if err != nil {
		return nil, nil, gatewayerr.Wrap(gatewayerr.AnalyticalStore, err, "list batch request rows")
	}
	if len(requests) == 0 {
		return nil, nil, nil
	}
	latest := requests[0]
	for _, r := range requests[1:] {
		if r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	modelRows, err := l.ListBatchModelInferences(ctx, batchID)
	if err != nil {
		return nil, nil, gatewayerr.Wrap(gatewayerr.AnalyticalStore, err, "list batch model inference rows")
	}
	return &latest, modelRows, nil
}
