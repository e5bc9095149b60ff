package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/logging"
)

// ReasonUnreachable is recorded for tasks whose dependencies can never run.
const ReasonUnreachable = "unreachable: missing or circular dependency"

// TaskFunc performs a task. A nil error means the task succeeded.
type TaskFunc func(ctx context.Context, task *Task) error

// TaskResult is the outcome of one task attempt.
type TaskResult struct {
	TaskID     string        `json:"task_id"`
	TemplateID string        `json:"template_id"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Round      int           `json:"round"`
	Duration   time.Duration `json:"duration"`
}

// PhaseOutcome summarizes a scheduled phase.
type PhaseOutcome struct {
	Completed int
	Failed    int
	// Rounds lists the template ids of each ready batch in execution order.
	Rounds [][]string
	// Results is keyed by template id.
	Results map[string]TaskResult
}

// Scheduler runs a phase's tasks in dependency order.
//
// Each round it collects the tasks whose dependencies have all been attempted
// and runs them concurrently, waiting for the whole batch before computing the
// next one. Every task is attempted at most once; a failed task still counts
// as attempted for its dependents. When no task is ready but some remain,
// those tasks are failed with ReasonUnreachable.
type Scheduler struct {
	// maxParallel bounds concurrent tasks per batch; 0 means unbounded
	maxParallel int

	// taskTimeout is applied to each task's context when positive
	taskTimeout time.Duration

	logger *logging.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithMaxParallel bounds the number of tasks running at once.
func WithMaxParallel(n int) SchedulerOption {
	return func(s *Scheduler) {
		s.maxParallel = n
	}
}

// WithTaskTimeout sets a deadline on each task's context.
func WithTaskTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.taskTimeout = d
	}
}

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(l *logging.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler creates a scheduler with unbounded parallelism and no timeout.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunPhase attempts every task and reports the outcome.
//
// Errors and panics from exec fail the task. If ctx is cancelled between
// rounds, the remaining tasks are failed without being started.
func (s *Scheduler) RunPhase(ctx context.Context, tasks []*Task, exec TaskFunc) PhaseOutcome {
	out := PhaseOutcome{Results: make(map[string]TaskResult, len(tasks))}

	attempted := make([]bool, len(tasks))
	executed := make(map[string]bool, len(tasks))
	remaining := len(tasks)

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			s.failRemaining(&out, tasks, attempted, "cancelled: "+err.Error())
			break
		}

		var ready []int
		for i, t := range tasks {
			if !attempted[i] && dependenciesMet(t, executed) {
				ready = append(ready, i)
			}
		}

		if len(ready) == 0 {
			n := s.failRemaining(&out, tasks, attempted, ReasonUnreachable)
			unreachableCounter.Add(ctx, int64(n))
			s.logger.Warn(ctx, "tasks unreachable",
				zap.Int("count", n),
				zap.Int("round", len(out.Rounds)))
			break
		}

		round := len(out.Rounds)
		batch := make([]*Task, len(ready))
		for j, i := range ready {
			batch[j] = tasks[i]
		}

		s.logger.Debug(ctx, "running batch",
			zap.Int("round", round),
			zap.Int("size", len(batch)))

		results := s.runBatch(ctx, round, batch, exec)

		ids := make([]string, len(batch))
		for j, i := range ready {
			t := tasks[i]
			ids[j] = t.TemplateID
			attempted[i] = true
			executed[t.TemplateID] = true
			remaining--

			r := results[j]
			out.Results[t.TemplateID] = r
			if r.Success {
				out.Completed++
			} else {
				out.Failed++
			}
		}
		out.Rounds = append(out.Rounds, ids)
	}

	return out
}

func dependenciesMet(t *Task, executed map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !executed[dep] {
			return false
		}
	}
	return true
}

// failRemaining fails every task not yet attempted and returns how many.
func (s *Scheduler) failRemaining(out *PhaseOutcome, tasks []*Task, attempted []bool, reason string) int {
	n := 0
	for i, t := range tasks {
		if attempted[i] {
			continue
		}
		attempted[i] = true
		out.Results[t.TemplateID] = TaskResult{
			TaskID:     t.ID,
			TemplateID: t.TemplateID,
			Error:      reason,
			Round:      -1,
		}
		out.Failed++
		n++
	}
	return n
}

// runBatch runs a ready batch and waits for all of it.
func (s *Scheduler) runBatch(ctx context.Context, round int, batch []*Task, exec TaskFunc) []TaskResult {
	results := make([]TaskResult, len(batch))

	var sem chan struct{}
	if s.maxParallel > 0 {
		sem = make(chan struct{}, s.maxParallel)
	}

	var wg sync.WaitGroup
	for i, t := range batch {
		wg.Add(1)
		go func(i int, t *Task) {
			defer wg.Done()

			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results[i] = TaskResult{
						TaskID:     t.ID,
						TemplateID: t.TemplateID,
						Error:      "not started: " + ctx.Err().Error(),
						Round:      round,
					}
					return
				}
			}

			results[i] = s.runTask(ctx, round, t, exec)
		}(i, t)
	}
	wg.Wait()

	return results
}

func (s *Scheduler) runTask(ctx context.Context, round int, t *Task, exec TaskFunc) (result TaskResult) {
	taskCtx, span := tracer.Start(ctx, "orchestrator.task")
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.template_id", t.TemplateID),
		attribute.String("phase.id", t.PhaseID),
		attribute.Int("round", round),
	)
	defer span.End()
	taskCtx = logging.WithTaskID(taskCtx, t.ID)

	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, s.taskTimeout)
		defer cancel()
	}

	result = TaskResult{TaskID: t.ID, TemplateID: t.TemplateID, Round: round}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("panic: %v", r)
		}
		result.Duration = time.Since(start)

		attrs := metric.WithAttributes(
			attribute.String("phase", t.PhaseID),
			attribute.String("outcome", outcome(result.Success)),
		)
		taskCounter.Add(ctx, 1, attrs)
		taskDuration.Record(ctx, result.Duration.Seconds(), attrs)

		if result.Success {
			s.logger.Debug(taskCtx, "task completed",
				zap.String("template", t.TemplateID),
				zap.Duration("duration", result.Duration))
			return
		}
		span.SetStatus(codes.Error, result.Error)
		s.logger.Warn(taskCtx, "task failed",
			zap.String("template", t.TemplateID),
			zap.String("error", result.Error),
			zap.Duration("duration", result.Duration))
	}()

	if err := exec(taskCtx, t); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}
