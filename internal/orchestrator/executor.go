package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/methodology"
)

// State is a position in the executor's state machine.
type State string

const (
	StateBeforePhase State = "before_phase"
	StateEntryCheck  State = "entry_check"
	StateExecuting   State = "executing"
	StateExitCheck   State = "exit_check"
	StateAdvance     State = "advance"
	StateRepeat      State = "repeat"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Failure reasons reported in RunResult.Error.
const (
	ReasonEntryCriteria = "entry criteria not met"
	ReasonExitCriteria  = "exit criteria not met"
	ReasonMaxIterations = "max iterations reached"
	ReasonTasksFailed   = "tasks failed"
	ReasonCancelled     = "run cancelled"
)

// Errors returned by NewExecutor.
var (
	ErrNilMethodology = errors.New("methodology cannot be nil")
	ErrNilAccessor    = errors.New("context accessor cannot be nil")
	ErrNilTaskFunc    = errors.New("task func cannot be nil")
)

// PhaseExecutionResult describes one phase attempt.
type PhaseExecutionResult struct {
	PhaseID             string            `json:"phase_id"`
	Iteration           int               `json:"iteration"`
	Success             bool              `json:"success"`
	TasksCompleted      int               `json:"tasks_completed"`
	TasksFailed         int               `json:"tasks_failed"`
	ExitCriteriaResults []CriterionResult `json:"exit_criteria_results"`
	ShouldContinue      bool              `json:"should_continue"`
	// NextPhaseID is the phase the run moves to, empty when it stops or
	// finishes. It equals PhaseID when the phase repeats.
	NextPhaseID string        `json:"next_phase_id,omitempty"`
	Rounds      [][]string    `json:"rounds,omitempty"`
	Tasks       []TaskResult  `json:"tasks,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// RunOptions adjusts a single run.
type RunOptions struct {
	// MaxIterations overrides the methodology and engine limits when positive.
	MaxIterations int
	// StartPhaseID starts the run at a later phase. Skipped phases are not
	// recorded as completed.
	StartPhaseID string
}

// RunResult is the outcome of Execute.
type RunResult struct {
	WorkflowID      string                 `json:"workflow_id"`
	MethodologyID   string                 `json:"methodology_id"`
	Success         bool                   `json:"success"`
	CompletedPhases []string               `json:"completed_phases"`
	FailedPhase     string                 `json:"failed_phase,omitempty"`
	Error           string                 `json:"error,omitempty"`
	FinalState      State                  `json:"final_state"`
	Attempts        map[string]int         `json:"attempts"`
	History         []PhaseExecutionResult `json:"history"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at"`
}

// Hooks are notified as phases run. Any field may be nil. Panics are
// recovered and logged.
type Hooks struct {
	OnPhaseStart    func(ctx context.Context, workflowID string, phase *methodology.Phase, iteration int)
	OnPhaseComplete func(ctx context.Context, workflowID string, phase *methodology.Phase, result PhaseExecutionResult)
	OnRunComplete   func(ctx context.Context, result *RunResult)
}

// Executor walks a methodology's phases in declared order.
//
// For each phase it checks entry criteria, runs the instantiated tasks through
// the Scheduler, then checks exit criteria. A phase whose exit criteria fail is
// repeated when it is repeatable, up to the effective iteration limit. Every
// other failure ends the run.
type Executor struct {
	methodology *methodology.Methodology
	accessor    ContextAccessor
	exec        TaskFunc

	evaluator  *Evaluator
	scheduler  *Scheduler
	validators *ValidatorRegistry
	hooks      Hooks
	logger     *logging.Logger

	// maxIterations applies when neither RunOptions nor the methodology set one
	maxIterations int

	now func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHooks sets the lifecycle hooks.
func WithHooks(h Hooks) ExecutorOption {
	return func(e *Executor) {
		e.hooks = h
	}
}

// WithLogger sets the logger used by the executor and its evaluator.
func WithLogger(l *logging.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithScheduler replaces the default unbounded scheduler.
func WithScheduler(s *Scheduler) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.scheduler = s
		}
	}
}

// WithValidators supplies validators for snapshots that carry none.
func WithValidators(r *ValidatorRegistry) ExecutorOption {
	return func(e *Executor) {
		e.validators = r
	}
}

// WithMaxIterations sets the engine-wide iteration limit.
// Values below 1 keep methodology.DefaultMaxIterations.
func WithMaxIterations(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor creates an executor for m.
func NewExecutor(m *methodology.Methodology, accessor ContextAccessor, exec TaskFunc, opts ...ExecutorOption) (*Executor, error) {
	if m == nil {
		return nil, ErrNilMethodology
	}
	if accessor == nil {
		return nil, ErrNilAccessor
	}
	if exec == nil {
		return nil, ErrNilTaskFunc
	}

	e := &Executor{
		methodology:   m,
		accessor:      accessor,
		exec:          exec,
		logger:        logging.NewNop(),
		maxIterations: methodology.DefaultMaxIterations,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.scheduler == nil {
		e.scheduler = NewScheduler(WithSchedulerLogger(e.logger))
	}
	e.evaluator = NewEvaluator(e.logger)

	return e, nil
}

// MaxIterations returns the limit a run with opts would use.
func (e *Executor) MaxIterations(opts RunOptions) int {
	switch {
	case opts.MaxIterations > 0:
		return opts.MaxIterations
	case e.methodology.Configuration.MaxIterations > 0:
		return e.methodology.Configuration.MaxIterations
	default:
		return e.maxIterations
	}
}

// run holds the bookkeeping of one Execute call.
type run struct {
	result    *RunResult
	state     State
	index     int
	counter   int
	completed map[string]bool
	maxIter   int
}

// Execute runs the methodology to completion. Domain failures are reported
// in the result; Execute itself never fails.
func (e *Executor) Execute(ctx context.Context, workflowID string, opts RunOptions) *RunResult {
	m := e.methodology
	ctx = logging.WithWorkflowID(ctx, workflowID)

	ctx, span := tracer.Start(ctx, "orchestrator.run")
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("methodology.id", m.ID),
	)
	defer span.End()

	r := &run{
		result: &RunResult{
			WorkflowID:      workflowID,
			MethodologyID:   m.ID,
			CompletedPhases: []string{},
			Attempts:        make(map[string]int),
			History:         []PhaseExecutionResult{},
			StartedAt:       e.now(),
		},
		state:     StateBeforePhase,
		completed: make(map[string]bool),
		maxIter:   e.MaxIterations(opts),
	}

	e.logger.Info(ctx, "run started",
		zap.String("methodology", m.ID),
		zap.Int("phases", len(m.Phases)),
		zap.Int("max_iterations", r.maxIter))

	if opts.StartPhaseID != "" {
		r.index = m.PhaseIndex(opts.StartPhaseID)
		if r.index < 0 {
			e.fail(ctx, r, opts.StartPhaseID, fmt.Sprintf("unknown start phase %q", opts.StartPhaseID))
		}
	}

	for !r.state.Terminal() {
		switch r.state {
		case StateBeforePhase:
			if r.index >= len(m.Phases) {
				e.transition(ctx, r, StateSucceeded)
				continue
			}
			if err := ctx.Err(); err != nil {
				e.fail(ctx, r, m.Phases[r.index].ID, fmt.Sprintf("%s: %v", ReasonCancelled, err))
				continue
			}
			e.attempt(ctx, r)

		case StateAdvance:
			phaseID := m.Phases[r.index].ID
			r.completed[phaseID] = true
			r.result.CompletedPhases = append(r.result.CompletedPhases, phaseID)
			r.index++
			r.counter = 0
			e.transition(ctx, r, StateBeforePhase)

		case StateRepeat:
			e.transition(ctx, r, StateBeforePhase)

		default:
			e.fail(ctx, r, "", fmt.Sprintf("unexpected state %s", r.state))
		}
	}

	res := r.result
	res.Success = r.state == StateSucceeded
	res.FinalState = r.state
	res.FinishedAt = e.now()

	runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(res.Success))))
	span.SetAttributes(attribute.Bool("run.success", res.Success))
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
		e.logger.Warn(ctx, "run failed",
			zap.String("phase", res.FailedPhase),
			zap.String("reason", res.Error))
	} else {
		e.logger.Info(ctx, "run succeeded",
			zap.Strings("completed_phases", res.CompletedPhases))
	}

	e.safeHook(ctx, "OnRunComplete", func() {
		if e.hooks.OnRunComplete != nil {
			e.hooks.OnRunComplete(ctx, res)
		}
	})

	return res
}

// attempt runs one attempt of the current phase, from entry check to the
// decision that follows the exit check.
func (e *Executor) attempt(ctx context.Context, r *run) {
	phase := &e.methodology.Phases[r.index]
	iteration := r.counter + 1
	ctx = logging.WithPhaseID(ctx, phase.ID)

	ctx, span := tracer.Start(ctx, "orchestrator.phase")
	span.SetAttributes(
		attribute.String("phase.id", phase.ID),
		attribute.Int("phase.iteration", iteration),
	)
	defer span.End()

	e.transition(ctx, r, StateEntryCheck)
	if len(phase.EntryCriteria) > 0 {
		entry := e.evaluator.EvaluateAll(ctx, phase.EntryCriteria, e.snapshot(ctx, r))
		if !entry.Satisfied {
			span.SetStatus(codes.Error, ReasonEntryCriteria)
			e.fail(ctx, r, phase.ID, fmt.Sprintf("%s: %s", ReasonEntryCriteria, entry.Reason()))
			return
		}
	}

	e.transition(ctx, r, StateExecuting)
	r.result.Attempts[phase.ID]++
	started := e.now()

	e.safeHook(ctx, "OnPhaseStart", func() {
		if e.hooks.OnPhaseStart != nil {
			e.hooks.OnPhaseStart(ctx, r.result.WorkflowID, phase, iteration)
		}
	})

	tasks := Instantiate(e.methodology, phase, r.result.WorkflowID, started)
	out := e.scheduler.RunPhase(ctx, tasks, e.exec)

	e.transition(ctx, r, StateExitCheck)
	exit := e.evaluator.EvaluateAll(ctx, phase.ExitCriteria, e.snapshot(ctx, r))

	result := PhaseExecutionResult{
		PhaseID:             phase.ID,
		Iteration:           iteration,
		Success:             out.Failed == 0 && exit.Satisfied,
		TasksCompleted:      out.Completed,
		TasksFailed:         out.Failed,
		ExitCriteriaResults: exit.Results,
		Rounds:              out.Rounds,
		Tasks:               orderedResults(tasks, out),
		StartedAt:           started,
		Duration:            e.now().Sub(started),
	}

	next, reason := e.decide(ctx, r, phase, out, exit)
	switch next {
	case StateAdvance:
		result.ShouldContinue = true
		if r.index+1 < len(e.methodology.Phases) {
			result.NextPhaseID = e.methodology.Phases[r.index+1].ID
		}
	case StateRepeat:
		result.ShouldContinue = true
		result.NextPhaseID = phase.ID
	}

	r.result.History = append(r.result.History, result)

	attrs := metric.WithAttributes(
		attribute.String("phase", phase.ID),
		attribute.String("outcome", outcome(result.Success)),
	)
	phaseAttemptCount.Add(ctx, 1, attrs)
	phaseDuration.Record(ctx, result.Duration.Seconds(), attrs)
	span.SetAttributes(
		attribute.Int("tasks.completed", out.Completed),
		attribute.Int("tasks.failed", out.Failed),
		attribute.Bool("exit.satisfied", exit.Satisfied),
	)

	e.logger.Info(ctx, "phase attempt finished",
		zap.Int("iteration", iteration),
		zap.Int("tasks_completed", out.Completed),
		zap.Int("tasks_failed", out.Failed),
		zap.Bool("exit_satisfied", exit.Satisfied),
		zap.String("next", string(next)))

	e.safeHook(ctx, "OnPhaseComplete", func() {
		if e.hooks.OnPhaseComplete != nil {
			e.hooks.OnPhaseComplete(ctx, r.result.WorkflowID, phase, result)
		}
	})

	if next == StateFailed {
		span.SetStatus(codes.Error, reason)
		e.fail(ctx, r, phase.ID, reason)
		return
	}
	e.transition(ctx, r, next)
}

// decide picks the state following an exit check. Repeating increments the
// iteration counter.
func (e *Executor) decide(ctx context.Context, r *run, phase *methodology.Phase, out PhaseOutcome, exit Evaluation) (State, string) {
	if err := ctx.Err(); err != nil {
		return StateFailed, fmt.Sprintf("%s: %v", ReasonCancelled, err)
	}
	if out.Failed > 0 {
		return StateFailed, fmt.Sprintf("%s: %d of %d", ReasonTasksFailed, out.Failed, out.Failed+out.Completed)
	}
	if exit.Satisfied {
		return StateAdvance, ""
	}
	if !phase.Repeatable {
		return StateFailed, fmt.Sprintf("%s: %s", ReasonExitCriteria, exit.Reason())
	}
	r.counter++
	if r.counter >= r.maxIter {
		return StateFailed, ReasonMaxIterations
	}
	return StateRepeat, ""
}

// snapshot fetches a fresh context and merges in the phases this run has
// completed. The caller's context is never modified.
func (e *Executor) snapshot(ctx context.Context, r *run) *ExecutionContext {
	ec := e.accessor.Snapshot(ctx).Clone()
	if ec == nil {
		ec = NewExecutionContext(nil)
	}
	if ec.Validators == nil {
		ec.Validators = e.validators
	}
	for id := range r.completed {
		ec.CompletedPhases[id] = true
	}
	return ec
}

func (e *Executor) transition(ctx context.Context, r *run, to State) {
	e.logger.Debug(ctx, "state transition",
		zap.String("from", string(r.state)),
		zap.String("to", string(to)),
		zap.Int("phase_index", r.index))
	r.state = to
}

func (e *Executor) fail(ctx context.Context, r *run, phaseID, reason string) {
	r.result.FailedPhase = phaseID
	r.result.Error = reason
	e.transition(ctx, r, StateFailed)
}

// safeHook runs fn, recovering and logging any panic.
func (e *Executor) safeHook(ctx context.Context, name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error(ctx, "hook panicked",
				zap.String("hook", name),
				zap.Any("panic", p))
		}
	}()
	fn()
}

// orderedResults lists task results in declared task order.
func orderedResults(tasks []*Task, out PhaseOutcome) []TaskResult {
	results := make([]TaskResult, 0, len(tasks))
	for _, t := range tasks {
		if r, ok := out.Results[t.TemplateID]; ok {
			results = append(results, r)
		}
	}
	return results
}
