// Package feedback implements the four feedback write paths (Comment,
// Demonstration, FloatMetric, BooleanMetric) of spec.md §3/§4.I: metric
// name/target-id resolution, the throttled existence check that tolerates
// an inference that has not yet landed in the analytical store, and
// demonstration validation pinned to the tool/schema configuration
// captured at inference time rather than the function's current
// definition. Grounded on
// original_source/tensorzero-internal/src/endpoints/feedback.rs, whose
// throttle constants and target-id resolution rules this package follows
// verbatim (§6 item 1-2 of SPEC_FULL.md).
package feedback

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/clue/log"
	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/ids"
	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/schema"
	"goa.design/inferencegate/store"
	"goa.design/inferencegate/tool"
)

// Cooldown/minimum-wait/poll-interval constants from spec.md §4.I and
// SPEC_FULL.md §6 item 2, reproduced verbatim from the original
// implementation's FEEDBACK_COOLDOWN_PERIOD / FEEDBACK_MINIMUM_WAIT_TIME.
const (
	Cooldown    = 5 * time.Second
	MinWait     = 1200 * time.Millisecond
	pollInterval = 500 * time.Millisecond
)

// Kind tags which of the four feedback shapes a request resolves to.
type Kind string

const (
	KindComment       Kind = "comment"
	KindDemonstration Kind = "demonstration"
	KindFloat         Kind = "float"
	KindBoolean       Kind = "boolean"
)

// Params is the caller-facing feedback request, transport-agnostic.
type Params struct {
	MetricName  string
	EpisodeID   string
	InferenceID string
	Value       json.RawMessage
	Tags        map[string]string
	Dryrun      bool
}

// Metadata is the resolved target of a feedback write: its kind, the
// metric level it targets, and the specific id that level resolves to.
type Metadata struct {
	Kind     Kind
	Level    store.TargetLevel
	TargetID string
}

// Resolve implements SPEC_FULL.md §6 item 1 (get_feedback_metadata):
// exactly one of episode_id/inference_id may be set; a registered metric's
// level decides which is required, and "comment"/"demonstration" fall back
// to Episode/Inference respectively when the id is not explicit.
func Resolve(cfg *registry.StaticConfig, metricName, episodeID, inferenceID string) (*Metadata, error) {
	if episodeID != "" && inferenceID != "" {
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "both episode_id and inference_id cannot be provided")
	}

	metric, isMetric := cfg.Metric(metricName)

	var kind Kind
	if isMetric {
		switch metric.Type {
		case registry.MetricFloat:
			kind = KindFloat
		case registry.MetricBoolean:
			kind = KindBoolean
		}
	} else {
		switch metricName {
		case string(KindComment):
			kind = KindComment
		case string(KindDemonstration):
			kind = KindDemonstration
		default:
			return nil, gatewayerr.New(gatewayerr.UnknownMetric, "unknown metric: "+metricName)
		}
	}

	var level registry.MetricLevel
	switch {
	case isMetric:
		level = metric.Level
	case kind == KindDemonstration:
		level = registry.MetricLevelInference
	case inferenceID != "":
		level = registry.MetricLevelInference
	case episodeID != "":
		level = registry.MetricLevelEpisode
	default:
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "exactly one of inference_id or episode_id must be provided")
	}

	storeLevel := store.TargetInference
	var targetID string
	if level == registry.MetricLevelInference {
		storeLevel = store.TargetInference
		targetID = inferenceID
	} else {
		storeLevel = store.TargetEpisode
		targetID = episodeID
	}
	if targetID == "" {
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "correct id was not provided for feedback level "+string(level))
	}

	return &Metadata{Kind: kind, Level: storeLevel, TargetID: targetID}, nil
}

// DemonstrationSource answers the queries demonstration validation needs:
// the exact tool configuration (Chat) or output schema (Json) captured at
// inference time, per SPEC_FULL.md §6 item 3 ("ToolCallConfigDatabaseInsert").
type DemonstrationSource interface {
	ChatToolSnapshot(ctx context.Context, inferenceID string) (tool.Snapshot, bool, error)
	JSONOutputSchema(ctx context.Context, inferenceID string) (any, bool, error)
	FunctionKind(ctx context.Context, inferenceID string) (registry.FunctionKind, bool, error)
}

// Writer persists feedback, enforcing the throttled existence check and
// demonstration-snapshot validation.
type Writer struct {
	Store        store.AnalyticalStore
	Lookup       store.Lookup
	Demonstration DemonstrationSource
	Config       *registry.StaticConfig
	Now          func() time.Time // overridable for tests; defaults to time.Now
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Write resolves, validates, and persists one feedback record, returning
// its freshly generated id. Writes never block the response beyond the
// throttle window in spec.md §4.I; dryrun requests skip persistence
// entirely but still perform resolution and validation so caller-visible
// errors surface identically in either mode.
func (w *Writer) Write(ctx context.Context, p Params) (string, error) {
	meta, err := Resolve(w.Config, p.MetricName, p.EpisodeID, p.InferenceID)
	if err != nil {
		return "", err
	}

	if err := w.throttledExists(ctx, meta.Level, meta.TargetID); err != nil {
		return "", err
	}

	feedbackID := ids.New()
	now := w.now().UTC()

	switch meta.Kind {
	case KindComment:
		var s string
		if err := json.Unmarshal(p.Value, &s); err != nil {
			return "", gatewayerr.New(gatewayerr.InvalidRequest, "feedback value for a comment must be a string")
		}
		row := store.CommentFeedbackRow{ID: feedbackID, TargetID: meta.TargetID, TargetLevel: meta.Level, Value: s, Tags: p.Tags, Timestamp: now}
		return feedbackID, w.writeRow(ctx, p.Dryrun, []any{row}, store.TableCommentFeedback)

	case KindFloat:
		var v float64
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return "", gatewayerr.New(gatewayerr.InvalidRequest, "feedback value for metric "+p.MetricName+" must be a number")
		}
		row := store.FloatMetricFeedbackRow{ID: feedbackID, TargetID: meta.TargetID, TargetLevel: meta.Level, MetricName: p.MetricName, Value: v, Tags: p.Tags, Timestamp: now}
		return feedbackID, w.writeRow(ctx, p.Dryrun, []any{row}, store.TableFloatMetricFeedback)

	case KindBoolean:
		var v bool
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return "", gatewayerr.New(gatewayerr.InvalidRequest, "feedback value for metric "+p.MetricName+" must be a boolean")
		}
		row := store.BooleanMetricFeedbackRow{ID: feedbackID, TargetID: meta.TargetID, TargetLevel: meta.Level, MetricName: p.MetricName, Value: v, Tags: p.Tags, Timestamp: now}
		return feedbackID, w.writeRow(ctx, p.Dryrun, []any{row}, store.TableBooleanMetricFeedback)

	case KindDemonstration:
		validated, err := w.validateDemonstration(ctx, meta.TargetID, p.Value)
		if err != nil {
			return "", err
		}
		row := store.DemonstrationFeedbackRow{ID: feedbackID, InferenceID: meta.TargetID, Value: validated, Tags: p.Tags, Timestamp: now}
		return feedbackID, w.writeRow(ctx, p.Dryrun, []any{row}, store.TableDemonstrationFeedback)
	}
	return "", gatewayerr.New(gatewayerr.InvalidRequest, "unhandled feedback kind")
}

func (w *Writer) writeRow(ctx context.Context, dryrun bool, rows []any, table store.Table) error {
	if dryrun || w.Store == nil {
		return nil
	}
	return w.Store.Write(ctx, rows, table)
}

// validateDemonstration implements SPEC_FULL.md §6 item 3: the
// demonstration's value is validated against the exact tool config (Chat)
// or output schema (Json) captured when the inference ran, never against
// the function's current definition.
func (w *Writer) validateDemonstration(ctx context.Context, inferenceID string, value json.RawMessage) (json.RawMessage, error) {
	if w.Demonstration == nil {
		return value, nil
	}
	kind, ok, err := w.Demonstration.FunctionKind(ctx, inferenceID)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.AnalyticalStore, err, "look up demonstration target function")
	}
	if !ok {
		return nil, gatewayerr.New(gatewayerr.InferenceNotFound, "inference id does not exist: "+inferenceID)
	}

	switch kind {
	case registry.FunctionJSON:
		schemaDoc, ok, err := w.Demonstration.JSONOutputSchema(ctx, inferenceID)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.AnalyticalStore, err, "load demonstration output schema")
		}
		if !ok {
			schemaDoc = map[string]any{}
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.InvalidRequest, err, "demonstration value must be valid json")
		}
		validator := schema.NewDynamic("demonstration:"+inferenceID, schemaDoc)
		if err := validator.Validate(v); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.InvalidRequest, err, "demonstration does not fit function output schema")
		}
		return value, nil

	default: // FunctionChat
		snap, ok, err := w.Demonstration.ChatToolSnapshot(ctx, inferenceID)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.AnalyticalStore, err, "load demonstration tool snapshot")
		}
		if !ok {
			snap = tool.Snapshot{}
		}
		var calls []demonstrationToolCall
		if err := json.Unmarshal(value, &calls); err != nil {
			// A bare string demonstration is accepted as a single text turn
			// and needs no tool validation, per the original's "value should
			// either be a string or a list of valid content blocks".
			var s string
			if err2 := json.Unmarshal(value, &s); err2 == nil {
				return value, nil
			}
			return nil, gatewayerr.Wrap(gatewayerr.InvalidRequest, err, "demonstration must be a string or an array of content blocks")
		}
		for _, c := range calls {
			if c.Type != "tool_call" {
				continue
			}
			if c.Name == "" {
				return nil, gatewayerr.New(gatewayerr.InvalidRequest, "demonstration contains invalid tool name")
			}
			if err := snap.ValidateAgainst(c.Name, c.Arguments); err != nil {
				return nil, err
			}
		}
		return value, nil
	}
}

type demonstrationToolCall struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// throttledExists implements SPEC_FULL.md §6 item 2 / spec.md §4.I
// verbatim: wait_time = max(Cooldown - elapsed_since(target_id), MinWait);
// poll every 500ms until the target exists or the deadline passes.
func (w *Writer) throttledExists(ctx context.Context, level store.TargetLevel, targetID string) error {
	if w.Lookup == nil {
		return nil
	}
	elapsed, err := ids.ElapsedSince(targetID, w.now())
	if err != nil {
		// Not a time-ordered id this gateway minted; fall through to a
		// single existence check with the minimum wait budget only.
		elapsed = 0
	}
	wait := Cooldown - elapsed
	if wait < MinWait {
		wait = MinWait
	}
	deadline := w.now().Add(wait)

	for {
		exists, err := w.exists(ctx, level, targetID)
		if err == nil && exists {
			return nil
		}
		if !w.now().Before(deadline) {
			return gatewayerr.New(gatewayerr.InvalidRequest, string(level)+" id does not exist: "+targetID)
		}
		log.Print(ctx, log.KV{K: "component", V: "feedback"}, log.KV{K: "msg", V: "target id not yet visible, retrying"}, log.KV{K: "target_id", V: targetID})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (w *Writer) exists(ctx context.Context, level store.TargetLevel, targetID string) (bool, error) {
	if level == store.TargetEpisode {
		return w.Lookup.EpisodeExists(ctx, targetID)
	}
	return w.Lookup.InferenceExists(ctx, targetID)
}
