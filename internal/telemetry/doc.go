// Package telemetry sets up OpenTelemetry tracing and metrics for phased.
//
// New installs OTLP-backed providers (gRPC or HTTP) as the otel globals.
// The orchestrator and the HTTP server create their tracers and instruments
// from those globals and need no other wiring:
//
//	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry),
//	    telemetry.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// A provider that cannot start is logged and skipped. The run continues
// with the no-op global in its place and Degraded reports true.
//
// Tests use TestTelemetry, which records into memory for one test:
//
//	tt := telemetry.NewTestTelemetry(t)
//	exec.Execute(ctx, "wf", orchestrator.RunOptions{})
//	assert.Equal(t, 2, tt.SpanCounts()["orchestrator.phase"])
package telemetry
