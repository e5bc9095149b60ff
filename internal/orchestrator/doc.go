// Package orchestrator runs methodologies: it gates phases with criteria,
// instantiates their task templates and schedules the resulting tasks.
//
// # Overview
//
// A run walks the methodology's phases strictly in declared order:
//
//	BeforePhase → EntryCheck → Executing → ExitCheck → Advance | Repeat | Failed
//
// After the last phase is advanced the run is Succeeded.
//
// # Key Components
//
// ## Evaluator
//
// Evaluator checks criteria against an ExecutionContext. Evaluation never
// returns an error: missing artifacts, metrics, requirements, phases or
// validators produce an unsatisfied CriterionResult with a reason.
//
// ## Instantiate
//
// Instantiate turns a phase's task templates into Tasks with fresh ids,
// materialized requirements and due dates.
//
// ## Scheduler
//
// Scheduler runs tasks in ready batches. A batch holds every task whose
// dependencies have all been attempted. Batches run concurrently and are
// separated by a barrier. Tasks that can never become ready are failed.
//
// ## Executor
//
// Executor drives the state machine. Any task failure fails the phase and the
// run. Unsatisfied exit criteria repeat a repeatable phase until the iteration
// limit is reached:
//
//	limit = RunOptions.MaxIterations
//	     || methodology configuration maxIterations
//	     || engine default (10)
//
// # Usage
//
//	store := orchestrator.NewContextStore(validators)
//	exec, err := orchestrator.NewExecutor(m, store, func(ctx context.Context, t *orchestrator.Task) error {
//	    // perform the task, then record results
//	    store.AddArtifact(orchestrator.Artifact{Type: "report"})
//	    return nil
//	}, orchestrator.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	result := exec.Execute(ctx, workflowID, orchestrator.RunOptions{})
//
// # Concurrency Safety
//
// The executor reads the caller's context through a ContextAccessor at each
// evaluation point and never mutates it. Task functions of one batch run
// concurrently; ContextStore is safe for that use.
package orchestrator
