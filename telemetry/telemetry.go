// Package telemetry abstracts OpenTelemetry tracing and metrics behind a
// small interface set, grounded on this codebase's runtime/agent/telemetry
// package: a Logger/Metrics/Tracer/Span seam backed by goa.design/clue/log
// and go.opentelemetry.io/otel, generalized from the agent runtime's model
// client instrumentation to this gateway's provider-adapter calls, per
// SPEC_FULL.md §3 ("span per provider call, counter per retry/variant-
// failure").
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// Logger is the structured logging surface telemetry-instrumented code
// depends on, small enough for tests to stub.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes the counter/histogram helpers provider instrumentation
// needs: a counter per retry/variant-failure, a timer per provider call.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
}

// Tracer abstracts span creation so instrumented code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// NewNoopLogger, NewNoopMetrics, and NewNoopTracer return do-nothing
// implementations. No other package in this module takes or calls a
// telemetry value.
func NewNoopLogger() Logger   { return noopLogger{} }
func NewNoopMetrics() Metrics { return noopMetrics{} }
func NewNoopTracer() Tracer   { return noopTracer{} }

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, ...string)          {}
func (noopMetrics) RecordTimer(string, time.Duration, ...string) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(...trace.SpanEndOption)              {}
func (noopSpan) AddEvent(string, ...any)                 {}
func (noopSpan) SetStatus(codes.Code, string)            {}
func (noopSpan) RecordError(error, ...trace.EventOption) {}

// ClueLogger delegates to goa.design/clue/log, matching the rest of this
// codebase's logging (orchestrate, feedback already call log.* directly).
type ClueLogger struct{}

func NewClueLogger() Logger { return ClueLogger{} }

func (ClueLogger) Debug(ctx context.Context, msg string, kv ...any) {
	log.Debug(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvFielders(kv)...)...)
}
func (ClueLogger) Info(ctx context.Context, msg string, kv ...any) {
	log.Info(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvFielders(kv)...)...)
}
func (ClueLogger) Warn(ctx context.Context, msg string, kv ...any) {
	log.Print(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}, kvFielders(kv)...)...)
}
func (ClueLogger) Error(ctx context.Context, msg string, kv ...any) {
	log.Error(ctx, nil, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvFielders(kv)...)...)
}

func kvFielders(kv []any) []log.Fielder {
	var out []log.Fielder
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, log.KV{K: k, V: kv[i+1]})
	}
	return out
}

// ClueMetrics delegates to the global OTEL MeterProvider, configured
// separately (typically via clue.ConfigureOpenTelemetry).
type ClueMetrics struct {
	meter metric.Meter
}

// NewClueMetrics builds a Metrics recorder scoped to this module's
// instrumentation name.
func NewClueMetrics() Metrics {
	return &ClueMetrics{meter: otel.Meter("goa.design/inferencegate")}
}

func (m *ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *ClueMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	hist, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	hist.Record(context.Background(), d.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

func tagAttrs(tags []string) []attribute.KeyValue {
	var out []attribute.KeyValue
	for i := 0; i+1 < len(tags); i += 2 {
		out = append(out, attribute.String(tags[i], tags[i+1]))
	}
	return out
}

// ClueTracer delegates to the global OTEL TracerProvider.
type ClueTracer struct {
	tracer trace.Tracer
}

func NewClueTracer() Tracer {
	return &ClueTracer{tracer: otel.Tracer("goa.design/inferencegate")}
}

func (t *ClueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, clueSpan{span: span}
}

type clueSpan struct{ span trace.Span }

func (s clueSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }
func (s clueSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(eventAttrs(attrs)...))
}
func (s clueSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }
func (s clueSpan) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }

func eventAttrs(kv []any) []attribute.KeyValue {
	var out []attribute.KeyValue
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		switch v := kv[i+1].(type) {
		case string:
			out = append(out, attribute.String(k, v))
		case int:
			out = append(out, attribute.Int(k, v))
		case int64:
			out = append(out, attribute.Int64(k, v))
		case float64:
			out = append(out, attribute.Float64(k, v))
		case bool:
			out = append(out, attribute.Bool(k, v))
		default:
			out = append(out, attribute.String(k, ""))
		}
	}
	return out
}
