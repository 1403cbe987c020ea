package feedback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/ids"
	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/store"
	"goa.design/inferencegate/tool"
)

func configWithMetric() *registry.StaticConfig {
	return &registry.StaticConfig{
		Metrics: map[string]*registry.Metric{
			"task_success": {Name: "task_success", Type: registry.MetricBoolean, Level: registry.MetricLevelInference},
			"quality":      {Name: "quality", Type: registry.MetricFloat, Level: registry.MetricLevelEpisode},
		},
	}
}

func TestResolveRejectsBothIDsSet(t *testing.T) {
	_, err := Resolve(configWithMetric(), "task_success", "ep", "inf")
	require.Error(t, err)
	ge, _ := gatewayerr.As(err)
	require.Equal(t, gatewayerr.InvalidRequest, ge.Kind)
}

func TestResolveUnknownMetricErrors(t *testing.T) {
	_, err := Resolve(configWithMetric(), "not_registered", "", "inf")
	require.Error(t, err)
	ge, _ := gatewayerr.As(err)
	require.Equal(t, gatewayerr.UnknownMetric, ge.Kind)
}

func TestResolveRegisteredMetricUsesItsLevel(t *testing.T) {
	meta, err := Resolve(configWithMetric(), "task_success", "", "inf-1")
	require.NoError(t, err)
	require.Equal(t, KindBoolean, meta.Kind)
	require.Equal(t, store.TargetInference, meta.Level)
	require.Equal(t, "inf-1", meta.TargetID)
}

func TestResolveCommentFallsBackToEpisode(t *testing.T) {
	meta, err := Resolve(configWithMetric(), "comment", "ep-1", "")
	require.NoError(t, err)
	require.Equal(t, KindComment, meta.Kind)
	require.Equal(t, store.TargetEpisode, meta.Level)
}

func TestResolveDemonstrationAlwaysTargetsInference(t *testing.T) {
	meta, err := Resolve(configWithMetric(), "demonstration", "", "inf-2")
	require.NoError(t, err)
	require.Equal(t, KindDemonstration, meta.Kind)
	require.Equal(t, store.TargetInference, meta.Level)
}

func TestResolveMissingTargetIDErrors(t *testing.T) {
	_, err := Resolve(configWithMetric(), "task_success", "", "")
	require.Error(t, err)
}

// fakeLookup reports a target as non-existent until a configured delay has
// elapsed from a fixed reference time, modeling a not-yet-landed inference.
type fakeLookup struct {
	existsAt map[string]time.Time
	now      func() time.Time
}

func (f *fakeLookup) InferenceExists(ctx context.Context, id string) (bool, error) {
	return f.exists(id), nil
}

func (f *fakeLookup) EpisodeExists(ctx context.Context, id string) (bool, error) {
	return f.exists(id), nil
}

func (f *fakeLookup) exists(id string) bool {
	at, ok := f.existsAt[id]
	if !ok {
		return false
	}
	return !f.now().Before(at)
}

type fakeStore struct {
	written []any
	table   store.Table
}

func (f *fakeStore) Write(ctx context.Context, rows []any, table store.Table) error {
	f.written = append(f.written, rows...)
	f.table = table
	return nil
}

func (f *fakeStore) Query(ctx context.Context, sqlQuery string, params map[string]any) (string, error) {
	return "", nil
}

func TestWriteCommentSucceedsOnceTargetExists(t *testing.T) {
	episodeID := ids.New()
	clock := time.Now().UTC()
	lk := &fakeLookup{existsAt: map[string]time.Time{episodeID: clock}, now: func() time.Time { return clock }}
	st := &fakeStore{}
	w := &Writer{Store: st, Lookup: lk, Config: configWithMetric(), Now: func() time.Time { return clock }}

	val, _ := json.Marshal("nice answer")
	id, err := w.Write(context.Background(), Params{MetricName: "comment", EpisodeID: episodeID, Value: val})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, st.written, 1)
	require.Equal(t, store.TableCommentFeedback, st.table)
}

func TestWriteDryrunSkipsPersistence(t *testing.T) {
	inferenceID := ids.New()
	clock := time.Now().UTC()
	lk := &fakeLookup{existsAt: map[string]time.Time{inferenceID: clock}, now: func() time.Time { return clock }}
	st := &fakeStore{}
	w := &Writer{Store: st, Lookup: lk, Config: configWithMetric(), Now: func() time.Time { return clock }}

	val, _ := json.Marshal(true)
	_, err := w.Write(context.Background(), Params{MetricName: "task_success", InferenceID: inferenceID, Dryrun: true, Value: val})
	require.NoError(t, err)
	require.Empty(t, st.written)
}

func TestWriteFloatMetricRejectsNonNumericValue(t *testing.T) {
	clock := time.Now().UTC()
	lk := &fakeLookup{existsAt: map[string]time.Time{"ep-1": clock}, now: func() time.Time { return clock }}
	w := &Writer{Store: &fakeStore{}, Lookup: lk, Config: configWithMetric(), Now: func() time.Time { return clock }}

	val, _ := json.Marshal("not a number")
	_, err := w.Write(context.Background(), Params{MetricName: "quality", EpisodeID: "ep-1", Value: val})
	require.Error(t, err)
	ge, _ := gatewayerr.As(err)
	require.Equal(t, gatewayerr.InvalidRequest, ge.Kind)
}

func TestThrottledExistsTimesOutAsInvalidRequest(t *testing.T) {
	clock := time.Now().UTC()
	lk := &fakeLookup{existsAt: map[string]time.Time{}, now: func() time.Time { return clock }}
	w := &Writer{Lookup: lk, Now: func() time.Time { clock = clock.Add(5 * time.Second); return clock }}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := w.throttledExists(ctx, store.TargetEpisode, "never-exists")
	require.Error(t, err)
	ge, _ := gatewayerr.As(err)
	require.Equal(t, gatewayerr.InvalidRequest, ge.Kind)
}

func TestThrottledExistsNilLookupIsNoop(t *testing.T) {
	w := &Writer{}
	require.NoError(t, w.throttledExists(context.Background(), store.TargetEpisode, "whatever"))
}

// fakeDemonstrationSource answers demonstration validation queries for a
// single fixed inference id.
type fakeDemonstrationSource struct {
	kind       registry.FunctionKind
	snapshot   tool.Snapshot
	outSchema  any
}

func (f *fakeDemonstrationSource) FunctionKind(ctx context.Context, inferenceID string) (registry.FunctionKind, bool, error) {
	return f.kind, true, nil
}

func (f *fakeDemonstrationSource) ChatToolSnapshot(ctx context.Context, inferenceID string) (tool.Snapshot, bool, error) {
	return f.snapshot, true, nil
}

func (f *fakeDemonstrationSource) JSONOutputSchema(ctx context.Context, inferenceID string) (any, bool, error) {
	return f.outSchema, true, nil
}

func TestWriteDemonstrationValidatesAgainstPinnedToolSnapshot(t *testing.T) {
	cfg, err := tool.NewStatic("get_weather", "d", map[string]any{
		"type": "object", "properties": map[string]any{"location": map[string]any{"type": "string"}}, "required": []any{"location"},
	}, false)
	require.NoError(t, err)
	cc, err := tool.Assemble([]string{"get_weather"}, tool.Choice{Mode: tool.ChoiceAuto}, nil, map[string]*tool.Config{"get_weather": cfg}, tool.DynamicToolParams{}, nil)
	require.NoError(t, err)
	snap := tool.Capture(cc)

	clock := time.Now().UTC()
	lk := &fakeLookup{existsAt: map[string]time.Time{"inf-demo": clock}, now: func() time.Time { return clock }}
	w := &Writer{
		Store:         &fakeStore{},
		Lookup:        lk,
		Config:        configWithMetric(),
		Demonstration: &fakeDemonstrationSource{kind: registry.FunctionChat, snapshot: snap},
		Now:           func() time.Time { return clock },
	}

	good, _ := json.Marshal([]map[string]string{{"type": "tool_call", "name": "get_weather", "arguments": `{"location":"Tokyo"}`}})
	_, err = w.Write(context.Background(), Params{MetricName: "demonstration", InferenceID: "inf-demo", Value: good})
	require.NoError(t, err)

	bad, _ := json.Marshal([]map[string]string{{"type": "tool_call", "name": "get_weather", "arguments": `{}`}})
	_, err = w.Write(context.Background(), Params{MetricName: "demonstration", InferenceID: "inf-demo", Value: bad})
	require.Error(t, err)
}

func TestWriteDemonstrationAcceptsBareStringValue(t *testing.T) {
	clock := time.Now().UTC()
	lk := &fakeLookup{existsAt: map[string]time.Time{"inf-str": clock}, now: func() time.Time { return clock }}
	w := &Writer{
		Store:         &fakeStore{},
		Lookup:        lk,
		Config:        configWithMetric(),
		Demonstration: &fakeDemonstrationSource{kind: registry.FunctionChat},
		Now:           func() time.Time { return clock },
	}

	val, _ := json.Marshal("a plain text demonstration")
	_, err := w.Write(context.Background(), Params{MetricName: "demonstration", InferenceID: "inf-str", Value: val})
	require.NoError(t, err)
}
