package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/events"
	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/methodology"
	"github.com/fyrsmithlabs/phased/internal/orchestrator"
)

type runFlags struct {
	workflowID    string
	maxIterations int
	startPhase    string
	execCmd       string
	metrics       []string
	satisfied     []string
	completed     []string
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Drive a workflow through a methodology",
		Long: `Run every phase of a methodology in order and print the run result as JSON.

Without --exec every task succeeds immediately, which shows how a methodology
unfolds. With --exec the command runs once per task through sh -c with the
task described in the environment:

  PHASED_WORKFLOW_ID, PHASED_METHODOLOGY_ID, PHASED_PHASE_ID,
  PHASED_TASK_ID, PHASED_TASK_TEMPLATE_ID, PHASED_TASK_TITLE

A task that exits zero satisfies its requirements. Lines the command prints on
stdout may update the execution context that criteria are checked against:

  ::metric <name>=<value>
  ::artifact <type> [path]
  ::satisfy <requirement-id>

Examples:
  phased run research-sprint
  phased run research-sprint --exec ./scripts/task.sh --metric quality=0.4
  phased run research-sprint --start-phase synthesize --completed discover`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, flags, rf, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVar(&rf.workflowID, "workflow-id", "", "workflow id (default: random UUID)")
	f.IntVar(&rf.maxIterations, "max-iterations", 0, "iteration limit for repeatable phases (default: methodology or engine setting)")
	f.StringVar(&rf.startPhase, "start-phase", "", "start at this phase instead of the first")
	f.StringVar(&rf.execCmd, "exec", "", "shell command run for each task")
	f.StringArrayVar(&rf.metrics, "metric", nil, "initial metric as name=value (repeatable)")
	f.StringSliceVar(&rf.satisfied, "satisfied", nil, "requirement ids already satisfied")
	f.StringSliceVar(&rf.completed, "completed", nil, "phase ids already completed")
	return cmd
}

func runWorkflow(cmd *cobra.Command, flags *globalFlags, rf *runFlags, id string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, flags, appOptions{telemetry: true})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	m, err := a.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if rf.startPhase != "" && m.PhaseIndex(rf.startPhase) < 0 {
		return fmt.Errorf("methodology %s has no phase %q", m.ID, rf.startPhase)
	}

	store := orchestrator.NewContextStore(orchestrator.NewValidatorRegistry())
	if err := seedStore(store, rf); err != nil {
		return err
	}

	workflowID := rf.workflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	errOut := &lockedWriter{w: cmd.ErrOrStderr()}
	hooks := []orchestrator.Hooks{progressHooks(errOut)}
	if a.cfg.Events.Enabled {
		pub, closeEvents, err := connectEvents(a)
		if err != nil {
			return err
		}
		defer closeEvents(ctx)
		hooks = append(hooks, pub.Hooks())
	}

	runner := &taskRunner{
		command: rf.execCmd,
		store:   store,
		out:     errOut,
		logger:  a.logger.Named("runner"),
	}

	engine := a.cfg.Engine
	executor, err := orchestrator.NewExecutor(m, store, runner.Run,
		orchestrator.WithLogger(a.logger.Named("executor")),
		orchestrator.WithHooks(chainHooks(hooks...)),
		orchestrator.WithMaxIterations(engine.MaxIterations),
		orchestrator.WithScheduler(orchestrator.NewScheduler(
			orchestrator.WithMaxParallel(engine.MaxParallel),
			orchestrator.WithTaskTimeout(engine.TaskTimeout.Duration()),
			orchestrator.WithSchedulerLogger(a.logger.Named("scheduler")),
		)),
	)
	if err != nil {
		return err
	}

	result := executor.Execute(ctx, workflowID, orchestrator.RunOptions{
		MaxIterations: rf.maxIterations,
		StartPhaseID:  rf.startPhase,
	})
	if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("workflow %s failed in phase %s: %s", workflowID, result.FailedPhase, result.Error)
	}
	return nil
}

// seedStore applies the --metric, --satisfied and --completed flags.
func seedStore(store *orchestrator.ContextStore, rf *runFlags) error {
	for _, kv := range rf.metrics {
		name, value, err := parseMetric(kv)
		if err != nil {
			return err
		}
		store.SetMetric(name, value)
	}
	for _, id := range rf.satisfied {
		store.SatisfyRequirement(id)
	}
	for _, id := range rf.completed {
		store.CompletePhase(id)
	}
	return nil
}

func connectEvents(a *app) (*events.Publisher, func(context.Context), error) {
	cfg := a.cfg.Events
	nc, err := events.Connect(cfg.NATSURL, a.logger)
	if err != nil {
		return nil, nil, err
	}
	pub, err := events.NewPublisher(nc,
		events.WithPrefix(cfg.SubjectPrefix),
		events.WithLogger(a.logger.Named("events")),
	)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	closeFn := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := pub.Flush(ctx); err != nil {
			a.logger.Warn(ctx, "flushing events", zap.Error(err))
		}
		nc.Close()
	}
	return pub, closeFn, nil
}

// progressHooks prints one line per phase transition.
func progressHooks(w io.Writer) orchestrator.Hooks {
	return orchestrator.Hooks{
		OnPhaseStart: func(_ context.Context, _ string, phase *methodology.Phase, iteration int) {
			fmt.Fprintf(w, "==> phase %s (iteration %d)\n", phase.ID, iteration)
		},
		OnPhaseComplete: func(_ context.Context, _ string, phase *methodology.Phase, r orchestrator.PhaseExecutionResult) {
			status := "passed"
			if !r.Success {
				status = "not passed"
			}
			fmt.Fprintf(w, "<== phase %s %s: %d tasks completed, %d failed\n",
				phase.ID, status, r.TasksCompleted, r.TasksFailed)
		},
	}
}

// chainHooks calls every non-nil hook in order.
func chainHooks(hs ...orchestrator.Hooks) orchestrator.Hooks {
	return orchestrator.Hooks{
		OnPhaseStart: func(ctx context.Context, workflowID string, phase *methodology.Phase, iteration int) {
			for _, h := range hs {
				if h.OnPhaseStart != nil {
					h.OnPhaseStart(ctx, workflowID, phase, iteration)
				}
			}
		},
		OnPhaseComplete: func(ctx context.Context, workflowID string, phase *methodology.Phase, r orchestrator.PhaseExecutionResult) {
			for _, h := range hs {
				if h.OnPhaseComplete != nil {
					h.OnPhaseComplete(ctx, workflowID, phase, r)
				}
			}
		},
		OnRunComplete: func(ctx context.Context, r *orchestrator.RunResult) {
			for _, h := range hs {
				if h.OnRunComplete != nil {
					h.OnRunComplete(ctx, r)
				}
			}
		},
	}
}

// taskRunner runs one shell command per task. An empty command succeeds
// without doing anything.
type taskRunner struct {
	command string
	store   *orchestrator.ContextStore
	out     io.Writer
	logger  *logging.Logger
}

// Run implements orchestrator.TaskFunc.
func (r *taskRunner) Run(ctx context.Context, task *orchestrator.Task) error {
	if r.command != "" {
		if err := r.runCommand(ctx, task); err != nil {
			return err
		}
	}
	for _, req := range task.Requirements {
		r.store.SatisfyRequirement(req.ID)
	}
	return nil
}

func (r *taskRunner) runCommand(ctx context.Context, task *orchestrator.Task) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", r.command)
	cmd.Env = append(os.Environ(),
		"PHASED_WORKFLOW_ID="+task.WorkflowID,
		"PHASED_METHODOLOGY_ID="+task.MethodologyID,
		"PHASED_PHASE_ID="+task.PhaseID,
		"PHASED_TASK_ID="+task.ID,
		"PHASED_TASK_TEMPLATE_ID="+task.TemplateID,
		"PHASED_TASK_TITLE="+task.Title,
	)
	cmd.Stderr = r.out

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("task %s: %w", task.TemplateID, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("task %s: starting command: %w", task.TemplateID, err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		handled, err := r.directive(line)
		if err != nil {
			r.logger.Warn(ctx, "ignoring malformed directive",
				zap.String("task", task.TemplateID),
				zap.String("line", line),
				zap.Error(err),
			)
			continue
		}
		if !handled {
			fmt.Fprintf(r.out, "[%s] %s\n", task.TemplateID, line)
		}
	}
	// Drain so the command never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("task %s: %w", task.TemplateID, err)
	}
	return nil
}

// directive applies a "::" line to the context store. It reports false for
// ordinary output.
func (r *taskRunner) directive(line string) (bool, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "::")
	if !ok {
		return false, nil
	}
	kind, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)

	switch kind {
	case "metric":
		name, value, err := parseMetric(arg)
		if err != nil {
			return true, err
		}
		r.store.SetMetric(name, value)
	case "artifact":
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			return true, fmt.Errorf("artifact type is required")
		}
		a := orchestrator.Artifact{Type: fields[0]}
		if len(fields) > 1 {
			a.Path = fields[1]
		}
		r.store.AddArtifact(a)
	case "satisfy":
		if arg == "" {
			return true, fmt.Errorf("requirement id is required")
		}
		r.store.SatisfyRequirement(arg)
	default:
		return false, nil
	}
	return true, nil
}

func parseMetric(kv string) (string, float64, error) {
	name, raw, ok := strings.Cut(kv, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", 0, fmt.Errorf("metric %q: want name=value", kv)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return "", 0, fmt.Errorf("metric %q: %w", kv, err)
	}
	return name, value, nil
}

// lockedWriter serializes writes from concurrently running tasks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
