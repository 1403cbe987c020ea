package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopImplementationsDoNotPanic(t *testing.T) {
	ctx := context.Background()
	logger := NewNoopLogger()
	logger.Info(ctx, "hello", "k", "v")
	logger.Error(ctx, "bad")

	metrics := NewNoopMetrics()
	metrics.IncCounter("calls", 1, "provider", "anthropic")
	metrics.RecordTimer("latency", 0)

	tracer := NewNoopTracer()
	newCtx, span := tracer.Start(ctx, "op")
	require.Equal(t, ctx, newCtx)
	span.AddEvent("evt")
	span.End()
}

func TestKVFieldersSkipsOddTrailingKey(t *testing.T) {
	out := kvFielders([]any{"a", 1, "dangling"})
	require.Len(t, out, 1)
}

func TestKVFieldersSkipsNonStringKeys(t *testing.T) {
	out := kvFielders([]any{42, "value", "ok", "v"})
	require.Len(t, out, 1)
}
