package orchestrator

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/phased/internal/orchestrator"

var tracer = otel.Tracer(instrumentationName)

// Metrics for phase runs
var (
	runCounter         metric.Int64Counter
	phaseAttemptCount  metric.Int64Counter
	phaseDuration      metric.Float64Histogram
	taskCounter        metric.Int64Counter
	taskDuration       metric.Float64Histogram
	unreachableCounter metric.Int64Counter
)

// initMetrics initializes OpenTelemetry instruments for the orchestrator.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	runCounter, err = meter.Int64Counter(
		"phased.orchestrator.runs",
		metric.WithDescription("Methodology runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create run counter: %v", err))
	}

	phaseAttemptCount, err = meter.Int64Counter(
		"phased.orchestrator.phase.attempts",
		metric.WithDescription("Phase attempts by phase and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create phase attempt counter: %v", err))
	}

	phaseDuration, err = meter.Float64Histogram(
		"phased.orchestrator.phase.duration",
		metric.WithDescription("Duration of phase attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create phase duration: %v", err))
	}

	taskCounter, err = meter.Int64Counter(
		"phased.orchestrator.task.executions",
		metric.WithDescription("Task executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create task counter: %v", err))
	}

	taskDuration, err = meter.Float64Histogram(
		"phased.orchestrator.task.duration",
		metric.WithDescription("Duration of task executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create task duration: %v", err))
	}

	unreachableCounter, err = meter.Int64Counter(
		"phased.orchestrator.task.unreachable",
		metric.WithDescription("Tasks failed because of missing or circular dependencies"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create unreachable counter: %v", err))
	}
}

func init() {
	initMetrics()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
