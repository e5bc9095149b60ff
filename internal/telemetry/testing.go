package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fyrsmithlabs/phased/internal/logging"
)

// TestTelemetry records spans and metrics in memory. It is installed as the
// otel globals for the duration of the test, so package-level tracers and
// instruments report into it.
type TestTelemetry struct {
	*Telemetry

	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

// NewTestTelemetry installs in-memory providers and restores the previous
// globals when tb finishes.
func NewTestTelemetry(tb testing.TB) *TestTelemetry {
	tb.Helper()

	cfg := NewDefaultConfig()
	cfg.Enabled = true

	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	tt := &TestTelemetry{
		Telemetry: &Telemetry{
			config:         cfg,
			logger:         logging.NewNop(),
			tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		spans:  spans,
		reader: reader,
	}

	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	otel.SetTracerProvider(tt.tracerProvider)
	otel.SetMeterProvider(tt.meterProvider)
	tb.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
		_ = tt.Shutdown(context.Background())
	})
	return tt
}

// Spans returns every ended span.
func (tt *TestTelemetry) Spans() []sdktrace.ReadOnlySpan {
	return tt.spans.Ended()
}

// SpansNamed returns the ended spans with the given name.
func (tt *TestTelemetry) SpansNamed(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range tt.Spans() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// SpanCounts returns how many spans ended under each name.
func (tt *TestTelemetry) SpanCounts() map[string]int {
	counts := make(map[string]int)
	for _, s := range tt.Spans() {
		counts[s.Name()]++
	}
	return counts
}

// AssertSpanAttribute checks the first span named spanName for key.
func (tt *TestTelemetry) AssertSpanAttribute(tb testing.TB, spanName, key string, expected interface{}) {
	tb.Helper()
	spans := tt.SpansNamed(spanName)
	if len(spans) == 0 {
		tb.Fatalf("span %q not found, have %v", spanName, tt.SpanCounts())
	}
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) != key {
			continue
		}
		if got := attrValue(kv.Value); got != expected {
			tb.Errorf("span %q attribute %q = %v, want %v", spanName, key, got, expected)
		}
		return
	}
	tb.Errorf("span %q has no attribute %q", spanName, key)
}

// Metric collects the current state of the named instrument.
func (tt *TestTelemetry) Metric(ctx context.Context, name string) (metricdata.Metrics, bool) {
	var rm metricdata.ResourceMetrics
	if err := tt.reader.Collect(ctx, &rm); err != nil {
		return metricdata.Metrics{}, false
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// CounterTotal sums every data point of an int64 counter.
func (tt *TestTelemetry) CounterTotal(ctx context.Context, name string) int64 {
	m, ok := tt.Metric(ctx, name)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func attrValue(v attribute.Value) interface{} {
	switch v.Type() {
	case attribute.STRING:
		return v.AsString()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.BOOL:
		return v.AsBool()
	default:
		return v.AsInterface()
	}
}
