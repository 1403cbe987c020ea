// Package orchestrate implements the end-to-end inference request path:
// input validation, tool-config resolution, variant sampling with
// retry-on-failure, provider dispatch, tool-call/output validation, and
// persistence, per spec.md §4.F. It is the one package that wires every
// other component (schema, tool, registry, provider, stream, store)
// together into a single request/response flow, grounded on this
// codebase's runtime/agent/runtime package's templated-prompt dispatch
// generalized from a single-agent loop to a variant try-loop across many
// provider adapters.
package orchestrate

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"text/template"
	"time"

	"goa.design/clue/log"
	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/ids"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/schema"
	"goa.design/inferencegate/store"
	"goa.design/inferencegate/store/cache"
	"goa.design/inferencegate/stream"
	"goa.design/inferencegate/tool"
	"goa.design/inferencegate/types"
)

// URLFetcher eagerly resolves a File(Url) block into inline bytes when the
// deployment does not pass URLs through to the provider, per spec.md §4.E.
type URLFetcher interface {
	Fetch(ctx context.Context, url string) (base64Data, mimeType string, err error)
}

// ModelRoute resolves a variant's model name to the adapter that serves it
// plus the model identifier to send that adapter, e.g.
// "anthropic::claude-3-haiku-20240307" -> (adapter "anthropic", model
// "claude-3-haiku-20240307").
type ModelRoute struct {
	Adapters map[string]provider.Adapter
}

func (r ModelRoute) Resolve(modelName string) (provider.Adapter, string, error) {
	name, model, ok := strings.Cut(modelName, "::")
	if !ok {
		return nil, "", gatewayerr.New(gatewayerr.InvalidModelProvider, "model name must be \"provider::model\": "+modelName)
	}
	a, ok := r.Adapters[name]
	if !ok {
		return nil, "", gatewayerr.New(gatewayerr.InvalidModelProvider, "unknown provider: "+name)
	}
	return a, model, nil
}

// Orchestrator holds the process-wide, read-mostly collaborators every
// request is dispatched against, threaded in explicitly at construction
// rather than read from an ambient global, per spec.md §9.
type Orchestrator struct {
	Config      *registry.StaticConfig
	Routes      ModelRoute
	Store       store.AnalyticalStore
	URLFetch    URLFetcher
	URLPassthrough bool
	// Backpressure bounds how many concurrent streams a given adapter may
	// serve across the whole deployment, per spec.md §5's bounded
	// streaming channel, generalized fleet-wide. Optional: nil imposes no
	// bound, matching the bounded-local-channel-only behavior before this
	// field existed.
	Backpressure *cache.TokenBucket
}

// Request is the fully-resolved caller request the orchestrator executes.
// Transport-level field parsing (the OpenAI-compatible surface, the
// "tensorzero::" prefixes) lives in package gateway; this is its target
// shape.
type Request struct {
	FunctionName string
	// Function, when set, is used in place of looking FunctionName up in
	// Config: the ad hoc single-variant dispatch the OpenAI-compatible
	// surface's "tensorzero::model_name::<M>" form needs, per spec.md §6.
	Function     *registry.Function
	EpisodeID    string // generated if empty
	VariantName  string // pins a single variant, skipping sampling
	Input        types.Input
	ToolParams   tool.DynamicToolParams
	OutputSchema any // Json functions only: overrides the function's static schema
	Credentials  map[string]string
	Tags         map[string]string
	ExtraBody    map[string]any
	ExtraHeaders map[string]string
	Dryrun       bool
}

// Result is the orchestrator's resolved, non-streamed outcome.
type Result struct {
	Response    types.InferenceResponse
	VariantName string
}

// Infer executes spec.md §4.F's 8-step algorithm for a single, non-streamed
// response.
func (o *Orchestrator) Infer(ctx context.Context, req *Request) (*Result, error) {
	fn, toolCfg, episodeID, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	excluded := map[string]struct{}{}
	if req.VariantName != "" {
		for name := range fn.Variants {
			if name != req.VariantName {
				excluded[name] = struct{}{}
			}
		}
	}

	errs := map[string]error{}
	for {
		name, variant, sampleErr := registry.SampleVariant(fn.Variants, episodeID, excluded)
		if sampleErr != nil {
			return nil, gatewayerr.New(gatewayerr.AllVariantsFailed, "no variants left to try").WithDetail("errors", errs)
		}

		pr, adapter, buildErr := o.buildProviderRequest(ctx, fn, variant, toolCfg, req)
		if buildErr != nil {
			return nil, buildErr
		}

		inferenceID := ids.New()
		start := time.Now()
		resp, callErr := adapter.Infer(ctx, pr, provider.CredentialsForVariant(variant, req.Credentials))
		if callErr != nil {
			ge, _ := gatewayerr.As(callErr)
			if ge != nil && ge.Retryable() {
				errs[name] = callErr
				excluded[name] = struct{}{}
				continue
			}
			return nil, callErr
		}

		out, validationNotes := o.translateResponse(fn, toolCfg, resp)
		infResp := types.InferenceResponse{
			Kind:         responseKind(fn),
			InferenceID:  inferenceID,
			EpisodeID:    episodeID,
			VariantName:  name,
			Usage:        resp.Usage,
			FinishReason: resp.FinishReason,
		}
		switch fn.Kind {
		case registry.FunctionJSON:
			infResp.Output = out.json
		default:
			infResp.Content = out.chat
		}

		if !req.Dryrun {
			o.persist(ctx, fn, name, req, toolCfg, inferenceID, episodeID, resp, infResp, time.Since(start), validationNotes)
		}

		return &Result{Response: infResp, VariantName: name}, nil
	}
}

// StreamStart is everything InferStream resolves before forwarding to the
// caller: the assembler plus the request context PersistStream later needs
// to finalize and persist the stream without re-deriving any of it.
type StreamStart struct {
	Assembler   *stream.Assembler
	Function    *registry.Function
	ToolConfig  *tool.CallConfig
	InferenceID string
	EpisodeID   string
	VariantName string

	release func()
}

// Release returns any bounded-streaming backpressure slot InferStream
// acquired for this stream (a no-op when the orchestrator has no
// Backpressure configured). Callers must invoke this exactly once after
// the stream ends, whether it ran to completion or was abandoned early.
func (s *StreamStart) Release() {
	if s.release != nil {
		s.release()
	}
}

// InferStream executes the same algorithm as Infer but dispatches through
// the provider's streaming surface at step 4, forwarding normalized chunks
// to the caller while accumulating the final content for persistence at
// stream termination, per spec.md §4.F.
func (o *Orchestrator) InferStream(ctx context.Context, req *Request) (*StreamStart, error) {
	fn, toolCfg, episodeID, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	excluded := map[string]struct{}{}
	if req.VariantName != "" {
		for name := range fn.Variants {
			if name != req.VariantName {
				excluded[name] = struct{}{}
			}
		}
	}

	for {
		name, variant, sampleErr := registry.SampleVariant(fn.Variants, episodeID, excluded)
		if sampleErr != nil {
			return nil, gatewayerr.New(gatewayerr.AllVariantsFailed, "no variants left to try")
		}
		pr, adapter, buildErr := o.buildProviderRequest(ctx, fn, variant, toolCfg, req)
		if buildErr != nil {
			return nil, buildErr
		}

		var release func()
		if o.Backpressure != nil {
			ok, acqErr := o.Backpressure.Acquire(ctx, adapter.Name())
			if acqErr != nil {
				log.Error(ctx, acqErr, log.KV{K: "component", V: "orchestrate"}, log.KV{K: "subsystem", V: "backpressure"})
				ok = true // best-effort: a cache outage must not block streaming
			}
			if !ok {
				excluded[name] = struct{}{}
				continue
			}
			adapterName := adapter.Name()
			release = func() { _ = o.Backpressure.Release(context.Background(), adapterName) }
		}

		src, _, callErr := adapter.InferStream(ctx, pr, provider.CredentialsForVariant(variant, req.Credentials))
		if callErr != nil {
			if release != nil {
				release()
			}
			ge, _ := gatewayerr.As(callErr)
			if ge != nil && ge.Retryable() {
				excluded[name] = struct{}{}
				continue
			}
			return nil, callErr
		}
		return &StreamStart{
			Assembler: stream.NewAssembler(src), Function: fn, ToolConfig: toolCfg,
			InferenceID: ids.New(), EpisodeID: episodeID, VariantName: name,
			release: release,
		}, nil
	}
}

// PersistStream finalizes a streamed inference once the assembler has
// reached end of stream, persisting exactly as the non-streamed path would.
func (o *Orchestrator) PersistStream(ctx context.Context, req *Request, start *StreamStart) {
	if req.Dryrun {
		return
	}
	content, usage, finishReason := start.Assembler.Final()
	resp := &provider.Response{Content: content, Usage: usage, FinishReason: finishReason}
	out, notes := o.translateResponse(start.Function, start.ToolConfig, resp)
	infResp := types.InferenceResponse{
		Kind: responseKind(start.Function), InferenceID: start.InferenceID, EpisodeID: start.EpisodeID,
		VariantName: start.VariantName, Usage: usage, FinishReason: finishReason,
	}
	switch start.Function.Kind {
	case registry.FunctionJSON:
		infResp.Output = out.json
	default:
		infResp.Content = out.chat
	}
	o.persist(ctx, start.Function, start.VariantName, req, start.ToolConfig, start.InferenceID, start.EpisodeID, resp, infResp, 0, notes)
}

// prepare implements steps 1-3: schema validation, tool-config resolution,
// and episode id assignment. URL-file eager fetch is applied in-place on
// req.Input when the deployment requires it.
func (o *Orchestrator) prepare(ctx context.Context, req *Request) (*registry.Function, *tool.CallConfig, string, error) {
	fn := req.Function
	if fn == nil {
		var ok bool
		fn, ok = o.Config.Function(req.FunctionName)
		if !ok {
			return nil, nil, "", gatewayerr.New(gatewayerr.UnknownFunction, "unknown function: "+req.FunctionName)
		}
	}

	if err := validateInput(fn, req.Input); err != nil {
		return nil, nil, "", err
	}

	if !o.URLPassthrough {
		if err := o.fetchURLFiles(ctx, req.Input); err != nil {
			return nil, nil, "", err
		}
	}

	toolCfg, err := o.resolveTools(fn, req.ToolParams)
	if err != nil {
		return nil, nil, "", err
	}

	episodeID := req.EpisodeID
	if episodeID == "" {
		episodeID = ids.New()
	}
	return fn, toolCfg, episodeID, nil
}

// validateInput checks the caller's system/user/assistant content against
// the function's declared schemas, accumulating errors by message index
// per spec.md §4.F step 1.
func validateInput(fn *registry.Function, input types.Input) error {
	if fn.SystemSchema != nil && input.System != nil && input.System.IsTemplate() {
		if err := fn.SystemSchema.Validate(map[string]any(input.System.Args)); err != nil {
			return gatewayerr.Wrap(gatewayerr.InvalidRequest, err, "system input failed schema validation")
		}
	}
	errsByIndex := map[int]string{}
	for i, m := range input.Messages {
		var s *schema.Static
		switch m.Role {
		case types.RoleUser:
			s = fn.UserSchema
		case types.RoleAssistant:
			s = fn.AssistantSchema
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
				errsByIndex[i] = err.Error()
			}
		}
	}
	if len(errsByIndex) > 0 {
		return gatewayerr.New(gatewayerr.InvalidRequest, "input failed schema validation").WithDetail("messages", errsByIndex)
	}
	return nil
}

func (o *Orchestrator) fetchURLFiles(ctx context.Context, input types.Input) error {
	if o.URLFetch == nil {
		return nil
	}
	for mi, m := range input.Messages {
		for ci, part := range m.Content {
			f, ok := part.(types.File)
			if !ok || f.FileKind != types.FileURL {
				continue
			}
			data, mime, err := o.URLFetch.Fetch(ctx, f.URL)
			if err != nil {
				return gatewayerr.Wrap(gatewayerr.InvalidRequest, err, "fetch url file")
			}
			if mime == "" {
				mime = f.MimeType
			}
			input.Messages[mi].Content[ci] = types.File{FileKind: types.FileBase64, Base64Data: data, MimeType: mime, Filename: f.Filename}
		}
	}
	return nil
}

// resolveTools implements spec.md §4.F step 2: Json functions always use
// their implicit "respond" tool (a per-request OutputSchema override, if
// supplied, is applied later in buildProviderRequest); Chat functions go
// through the full §4.C assembler.
func (o *Orchestrator) resolveTools(fn *registry.Function, params tool.DynamicToolParams) (*tool.CallConfig, error) {
	if fn.Kind == registry.FunctionJSON {
		return &tool.CallConfig{ToolsAvailable: []*tool.Config{fn.ImplicitTool}, ToolChoice: tool.Choice{Mode: tool.ChoiceSpecific, Name: tool.ImplicitToolName}}, nil
	}
	return tool.Assemble(fn.Tools, fn.ToolChoice, fn.ParallelToolCalls, o.Config.StaticTools, params, o.Config.ProviderScoped)
}

func (o *Orchestrator) buildProviderRequest(ctx context.Context, fn *registry.Function, variant *registry.Variant, toolCfg *tool.CallConfig, req *Request) (*provider.Request, provider.Adapter, error) {
	adapter, modelID, err := o.Routes.Resolve(variant.ModelName)
	if err != nil {
		return nil, nil, err
	}

	systemText, err := renderTemplate(variant.SystemTemplate, req.Input.System)
	if err != nil {
		return nil, nil, err
	}

	msgs, err := renderMessages(req.Input.Messages, variant)
	if err != nil {
		return nil, nil, err
	}

	effectiveTools := toolCfg
	if fn.Kind == registry.FunctionJSON && req.OutputSchema != nil {
		implicit := tool.NewDynamicImplicit(req.OutputSchema, variant.JSONMode == registry.JSONModeStrict)
		effectiveTools = &tool.CallConfig{ToolsAvailable: []*tool.Config{implicit}, ToolChoice: tool.Choice{Mode: tool.ChoiceSpecific, Name: tool.ImplicitToolName}}
	}

	pr := &provider.Request{
		Model:           modelID,
		System:          systemText,
		Messages:        msgs,
		Tools:           effectiveTools,
		Temperature:     variant.Temperature,
		MaxTokens:       variant.MaxTokens,
		JSONMode:        variant.JSONMode,
		ImplicitRespond: fn.Kind == registry.FunctionJSON,
		ExtraBody:       mergeMaps(variant.ExtraBody, req.ExtraBody),
		ExtraHeaders:    mergeStringMaps(variant.ExtraHeaders, req.ExtraHeaders),
		URLPassthrough:  o.URLPassthrough,
	}
	return pr, adapter, nil
}

func renderTemplate(tmpl string, system *types.SystemInput) (string, error) {
	if system != nil && !system.IsTemplate() {
		if tmpl == "" {
			return system.Text, nil
		}
	}
	if tmpl == "" {
		if system != nil {
			return system.Text, nil
		}
		return "", nil
	}
	args := map[string]any{}
	if system != nil {
		args = system.Args
	}
	return execTemplate(tmpl, args)
}

func renderMessages(msgs []types.Message, variant *registry.Variant) ([]types.Message, error) {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		tmplSrc := variant.UserTemplate
		if m.Role == types.RoleAssistant {
			tmplSrc = variant.AssistantTemplate
		}
		content := make([]types.ContentBlock, 0, len(m.Content))
		for _, part := range m.Content {
			tmpl, ok := part.(types.Template)
			if !ok {
				content = append(content, part)
				continue
			}
			src := tmplSrc
			rendered, err := execTemplate(src, tmpl.Arguments)
			if err != nil {
				return nil, err
			}
			content = append(content, types.Text{Value: rendered})
		}
		out = append(out, types.Message{Role: m.Role, Content: content})
	}
	return out, nil
}

func execTemplate(src string, args map[string]any) (string, error) {
	if src == "" {
		raw, err := json.Marshal(args)
		if err != nil {
			return "", gatewayerr.Wrap(gatewayerr.Serialization, err, "marshal template args")
		}
		return string(raw), nil
	}
	t, err := template.New("prompt").Parse(src)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Config, err, "parse prompt template")
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, args); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Config, err, "render prompt template")
	}
	return buf.String(), nil
}

func mergeMaps(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func mergeStringMaps(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func responseKind(fn *registry.Function) types.ResponseKind {
	if fn.Kind == registry.FunctionJSON {
		return types.ResponseJSON
	}
	return types.ResponseChat
}

type translated struct {
	chat []types.ContentBlockOutput
	json *types.JSONOutput
}

// translateResponse implements spec.md §4.F steps 5-6: for Chat functions,
// each tool call is validated against its matched tool (failures are
// recorded in notes but never drop the block, preserving the provider's
// raw content for the caller); for Json functions, the "respond" tool
// call's arguments are parsed into {raw, parsed}.
func (o *Orchestrator) translateResponse(fn *registry.Function, toolCfg *tool.CallConfig, resp *provider.Response) (translated, map[string]string) {
	notes := map[string]string{}
	if fn.Kind == registry.FunctionJSON {
		for _, block := range resp.Content {
			tc, ok := block.(types.ToolCallBlock)
			if !ok || tc.Name != tool.ImplicitToolName {
				continue
			}
			out := &types.JSONOutput{Raw: tc.ArgumentsJSON}
			var parsed any
			if err := json.Unmarshal([]byte(tc.ArgumentsJSON), &parsed); err == nil {
				out.Parsed = json.RawMessage(tc.ArgumentsJSON)
			} else {
				notes["respond"] = "output failed to parse as JSON"
			}
			return translated{json: out}, notes
		}
		return translated{json: &types.JSONOutput{Raw: ""}}, notes
	}

	for _, block := range resp.Content {
		tc, ok := block.(types.ToolCallBlock)
		if !ok {
			continue
		}
		matched := toolCfg.ByName(tc.Name)
		if matched == nil {
			notes[tc.ID] = "unknown tool: " + tc.Name
			continue
		}
		if err := matched.ValidateArguments(tc.ArgumentsJSON); err != nil {
			notes[tc.ID] = err.Error()
		}
	}
	return translated{chat: resp.Content}, notes
}

// persist writes the Inference + ModelInference rows (§4.F step 7), never
// blocking the response on store failures: a persistence error is logged
// and swallowed, matching spec.md §7's non-fatal AnalyticalStore policy
// for the inference path.
func (o *Orchestrator) persist(ctx context.Context, fn *registry.Function, variantName string, req *Request, toolCfg *tool.CallConfig, inferenceID, episodeID string, resp *provider.Response, infResp types.InferenceResponse, elapsed time.Duration, notes map[string]string) {
	if o.Store == nil {
		return
	}
	now := time.Now().UTC()

	modelRow := store.ModelInferenceRow{
		ID: ids.New(), InferenceID: inferenceID,
		RawRequest: resp.RawRequest, RawResponse: resp.RawResponse,
		InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens,
		ResponseTimeMs: elapsed.Milliseconds(), Timestamp: now,
	}
	if err := o.Store.Write(ctx, []any{modelRow}, store.TableModelInference); err != nil {
		log.Error(ctx, err, log.KV{K: "component", V: "orchestrate"}, log.KV{K: "table", V: "ModelInference"})
	}

	switch fn.Kind {
	case registry.FunctionJSON:
		row := store.JSONInferenceRow{
			ID: inferenceID, EpisodeID: episodeID, FunctionName: fn.Name, VariantName: variantName,
			Input: req.Input, Output: *infResp.Output, ProcessingTimeMs: elapsed.Milliseconds(),
			Tags: req.Tags, Timestamp: now,
		}
		if err := o.Store.Write(ctx, []any{row}, store.TableJSONInference); err != nil {
			log.Error(ctx, err, log.KV{K: "component", V: "orchestrate"}, log.KV{K: "table", V: "JsonInference"})
		}
	default:
		contentJSON, _ := json.Marshal(infResp.Content)
		row := store.ChatInferenceRow{
			ID: inferenceID, EpisodeID: episodeID, FunctionName: fn.Name, VariantName: variantName,
			Input: req.Input, Output: contentJSON, ToolParams: tool.Capture(toolCfg),
			ProcessingTimeMs: elapsed.Milliseconds(), Tags: req.Tags, Timestamp: now,
		}
		if err := o.Store.Write(ctx, []any{row}, store.TableChatInference); err != nil {
			log.Error(ctx, err, log.KV{K: "component", V: "orchestrate"}, log.KV{K: "table", V: "ChatInference"})
		}
	}

	idxRow := store.InferenceByIDRow{ID: inferenceID, EpisodeID: episodeID, FunctionName: fn.Name, VariantName: variantName, Kind: infResp.Kind, Timestamp: now}
	if err := o.Store.Write(ctx, []any{idxRow}, store.TableInferenceByID); err != nil {
		log.Error(ctx, err, log.KV{K: "component", V: "orchestrate"}, log.KV{K: "table", V: "InferenceById"})
	}
	epRow := store.InferenceByEpisodeIDRow{EpisodeID: episodeID, ID: inferenceID, FunctionName: fn.Name, VariantName: variantName, Kind: infResp.Kind, Timestamp: now}
	if err := o.Store.Write(ctx, []any{epRow}, store.TableInferenceByEpisodeID); err != nil {
		log.Error(ctx, err, log.KV{K: "component", V: "orchestrate"}, log.KV{K: "table", V: "InferenceByEpisodeId"})
	}
}
