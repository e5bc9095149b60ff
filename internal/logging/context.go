package logging

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	workflowKey ctxKey = iota
	phaseKey
	taskKey
	requestKey
	loggerKey
)

// correlation lists the context ids copied onto every entry, in output
// order.
var correlation = []struct {
	key   ctxKey
	field string
}{
	{workflowKey, "workflow.id"},
	{phaseKey, "phase.id"},
	{taskKey, "task.id"},
	{requestKey, "request.id"},
}

// ContextFields returns the correlation fields held by ctx: the OTel trace
// and span ids of a valid span, then the run ids set by the With* helpers.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3+len(correlation))

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	for _, c := range correlation {
		if id := idFrom(ctx, c.key); id != "" {
			fields = append(fields, zap.String(c.field, id))
		}
	}
	return fields
}

func idFrom(ctx context.Context, key ctxKey) string {
	id, _ := ctx.Value(key).(string)
	return id
}

func withID(ctx context.Context, key ctxKey, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

// WithWorkflowID tags ctx with the id of the current run. An empty id
// leaves ctx unchanged.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return withID(ctx, workflowKey, id)
}

// WorkflowIDFromContext returns the run id, or "".
func WorkflowIDFromContext(ctx context.Context) string { return idFrom(ctx, workflowKey) }

// WithPhaseID tags ctx with the running phase. An empty id leaves ctx
// unchanged.
func WithPhaseID(ctx context.Context, id string) context.Context {
	return withID(ctx, phaseKey, id)
}

// PhaseIDFromContext returns the phase id, or "".
func PhaseIDFromContext(ctx context.Context) string { return idFrom(ctx, phaseKey) }

// WithTaskID tags ctx with the running task instance. An empty id leaves
// ctx unchanged.
func WithTaskID(ctx context.Context, id string) context.Context {
	return withID(ctx, taskKey, id)
}

// TaskIDFromContext returns the task id, or "".
func TaskIDFromContext(ctx context.Context) string { return idFrom(ctx, taskKey) }

const maxRequestIDLen = 128

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateRequestID reports why id cannot be used as a request id. Request
// ids arrive from clients, so they are limited to a short run of letters,
// digits, hyphens and underscores.
func ValidateRequestID(id string) error {
	switch {
	case id == "":
		return errors.New("request id is empty")
	case len(id) > maxRequestIDLen:
		return fmt.Errorf("request id longer than %d bytes", maxRequestIDLen)
	case !requestIDPattern.MatchString(id):
		return errors.New("request id may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// WithRequestID tags ctx with an HTTP request id. An id that fails
// ValidateRequestID leaves ctx unchanged.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ValidateRequestID(id) != nil {
		return ctx
	}
	return context.WithValue(ctx, requestKey, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string { return idFrom(ctx, requestKey) }

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored by WithLogger, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
