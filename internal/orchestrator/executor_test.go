package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/methodology"
	"github.com/fyrsmithlabs/phased/internal/telemetry"
)

const twoPhaseDoc = `{
  "id": "two-phase",
  "name": "Two Phase",
  "phases": [
    {"id": "phase1", "tasks": [{"id": "a"}, {"id": "b", "dependencies": ["a"]}]},
    {"id": "phase2",
     "entryCriteria": [{"type": "phase-completed", "phaseId": "phase1"}],
     "tasks": [{"id": "c"}]}
  ]
}`

const repeatableDoc = `{
  "id": "loop",
  "configuration": {"maxIterations": 3},
  "phases": [
    {"id": "refine", "repeatable": true,
     "tasks": [{"id": "draft"}],
     "exitCriteria": [{"type": "metric-threshold", "metric": "quality", "operator": ">=", "threshold": 0.9}]}
  ]
}`

func mustParse(t *testing.T, doc string) *methodology.Methodology {
	t.Helper()
	m, err := methodology.Parse([]byte(doc))
	require.NoError(t, err)
	return m
}

func succeed(context.Context, *Task) error { return nil }

// MockHooks records lifecycle notifications.
type MockHooks struct {
	mock.Mock
}

func (m *MockHooks) Hooks() Hooks {
	return Hooks{
		OnPhaseStart: func(ctx context.Context, workflowID string, phase *methodology.Phase, iteration int) {
			m.MethodCalled("OnPhaseStart", workflowID, phase.ID, iteration)
		},
		OnPhaseComplete: func(ctx context.Context, workflowID string, phase *methodology.Phase, result PhaseExecutionResult) {
			m.MethodCalled("OnPhaseComplete", workflowID, phase.ID, result.Success)
		},
		OnRunComplete: func(ctx context.Context, result *RunResult) {
			m.MethodCalled("OnRunComplete", result.WorkflowID, result.Success)
		},
	}
}

func TestNewExecutor_Validation(t *testing.T) {
	m := mustParse(t, twoPhaseDoc)
	store := NewContextStore(nil)

	_, err := NewExecutor(nil, store, succeed)
	assert.ErrorIs(t, err, ErrNilMethodology)
	_, err = NewExecutor(m, nil, succeed)
	assert.ErrorIs(t, err, ErrNilAccessor)
	_, err = NewExecutor(m, store, nil)
	assert.ErrorIs(t, err, ErrNilTaskFunc)
}

func TestExecutor_TwoPhaseSuccess(t *testing.T) {
	m := mustParse(t, twoPhaseDoc)
	store := NewContextStore(nil)

	hooks := &MockHooks{}
	hooks.On("OnPhaseStart", "wf-1", "phase1", 1).Once()
	hooks.On("OnPhaseComplete", "wf-1", "phase1", true).Once()
	hooks.On("OnPhaseStart", "wf-1", "phase2", 1).Once()
	hooks.On("OnPhaseComplete", "wf-1", "phase2", true).Once()
	hooks.On("OnRunComplete", "wf-1", true).Once()

	exec, err := NewExecutor(m, store, succeed, WithHooks(hooks.Hooks()))
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "wf-1", RunOptions{})

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, StateSucceeded, res.FinalState)
	assert.Equal(t, []string{"phase1", "phase2"}, res.CompletedPhases)
	assert.Empty(t, res.FailedPhase)
	assert.Empty(t, res.Error)
	assert.Equal(t, map[string]int{"phase1": 1, "phase2": 1}, res.Attempts)
	require.Len(t, res.History, 2)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, res.History[0].Rounds)
	assert.Equal(t, 2, res.History[0].TasksCompleted)
	assert.True(t, res.History[0].ShouldContinue)
	assert.Equal(t, "phase2", res.History[0].NextPhaseID)
	assert.Empty(t, res.History[1].NextPhaseID)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
	hooks.AssertExpectations(t)

	// The executor's completed-phase record never leaks into the caller's context.
	assert.Empty(t, store.Snapshot(context.Background()).CompletedPhases)
}

func TestExecutor_SkippedPhaseFailsEntryCheck(t *testing.T) {
	m := mustParse(t, twoPhaseDoc)

	var ran []string
	var mu sync.Mutex
	exec, err := NewExecutor(m, NewContextStore(nil), func(_ context.Context, task *Task) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, task.TemplateID)
		return nil
	})
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "wf-1", RunOptions{StartPhaseID: "phase2"})

	assert.False(t, res.Success)
	assert.Equal(t, StateFailed, res.FinalState)
	assert.Equal(t, "phase2", res.FailedPhase)
	assert.True(t, strings.HasPrefix(res.Error, ReasonEntryCriteria), res.Error)
	assert.Contains(t, res.Error, `phase "phase1" not completed`)
	assert.Empty(t, res.CompletedPhases)
	assert.Empty(t, ran, "no task runs when entry criteria fail")
	assert.Zero(t, res.Attempts["phase2"])
}

func TestExecutor_CallerCompletedPhasesSatisfyEntry(t *testing.T) {
	m := mustParse(t, twoPhaseDoc)
	store := NewContextStore(nil)
	store.CompletePhase("phase1")

	exec, err := NewExecutor(m, store, succeed)
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "wf-resume", RunOptions{StartPhaseID: "phase2"})
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"phase2"}, res.CompletedPhases)
}

func TestExecutor_UnknownStartPhase(t *testing.T) {
	exec, err := NewExecutor(mustParse(t, twoPhaseDoc), NewContextStore(nil), succeed)
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "wf", RunOptions{StartPhaseID: "nope"})
	assert.False(t, res.Success)
	assert.Equal(t, "nope", res.FailedPhase)
	assert.Contains(t, res.Error, "unknown start phase")
}

func TestExecutor_MaxIterations(t *testing.T) {
	m := mustParse(t, repeatableDoc)

	hooks := &MockHooks{}
	hooks.On("OnPhaseStart", "wf", "refine", mock.Anything).Times(3)
	hooks.On("OnPhaseComplete", "wf", "refine", false).Times(3)
	hooks.On("OnRunComplete", "wf", false).Once()

	var calls int
	exec, err := NewExecutor(m, NewContextStore(nil), func(context.Context, *Task) error {
		calls++
		return nil
	}, WithHooks(hooks.Hooks()))
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "wf", RunOptions{})

	assert.False(t, res.Success)
	assert.Equal(t, "refine", res.FailedPhase)
	assert.Equal(t, ReasonMaxIterations, res.Error)
	assert.Equal(t, 3, res.Attempts["refine"])
	assert.Equal(t, 3, calls, "tasks are re-instantiated and rerun on every attempt")
	require.Len(t, res.History, 3)
	for i, h := range res.History {
		assert.Equal(t, i+1, h.Iteration)
	}
	assert.True(t, res.History[0].ShouldContinue)
	assert.Equal(t, "refine", res.History[0].NextPhaseID)
	assert.False(t, res.History[2].ShouldContinue)
	hooks.AssertExpectations(t)
}

func TestExecutor_MaxIterationsPrecedence(t *testing.T) {
	m := mustParse(t, repeatableDoc)
	exec, err := NewExecutor(m, NewContextStore(nil), succeed, WithMaxIterations(7))
	require.NoError(t, err)

	assert.Equal(t, 5, exec.MaxIterations(RunOptions{MaxIterations: 5}))
	assert.Equal(t, 3, exec.MaxIterations(RunOptions{}))

	m.Configuration.MaxIterations = 0
	assert.Equal(t, 7, exec.MaxIterations(RunOptions{}))

	plain, err := NewExecutor(m, NewContextStore(nil), succeed)
	require.NoError(t, err)
	assert.Equal(t, methodology.DefaultMaxIterations, plain.MaxIterations(RunOptions{}))

	res := exec.Execute(context.Background(), "wf", RunOptions{MaxIterations: 2})
	assert.Equal(t, 2, res.Attempts["refine"])
}

func TestExecutor_RepeatUntilSatisfied(t *testing.T) {
	m := mustParse(t, repeatableDoc)
	store := NewContextStore(nil)

	attempt := 0
	exec, err := NewExecutor(m, store, func(context.Context, *Task) error {
		attempt++
		store.SetMetric("quality", 0.5*float64(attempt))
		return nil
	})
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "wf", RunOptions{})

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Attempts["refine"])
	assert.Equal(t, []string{"refine"}, res.CompletedPhases)
}

func TestExecutor_TaskFailureFailsRun(t *testing.T) {
	m := mustParse(t, twoPhaseDoc)
	exec, err := NewExecutor(m, NewContextStore(nil), func(_ context.Context, task *Task) error {
		if task.TemplateID == "a" {
			return errors.New("model timed out")
		}
		return nil
	})
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "wf", RunOptions{})

	assert.False(t, res.Success)
	assert.Equal(t, "phase1", res.FailedPhase)
	assert.Equal(t, ReasonTasksFailed+": 1 of 2", res.Error)
	require.Len(t, res.History, 1)
	assert.Equal(t, 1, res.History[0].TasksCompleted, "dependents still run after a failure")
	assert.Equal(t, 1, res.History[0].TasksFailed)
	assert.False(t, res.History[0].ShouldContinue)
}

func TestExecutor_ExitCriteriaNotMet(t *testing.T) {
	m := mustParse(t, `{"id": "m", "phases": [{"id": "write", "tasks": [{"id": "t"}],
		"exitCriteria": [{"type": "artifact-exists", "artifactType": "draft"}]}]}`)

	exec, err := NewExecutor(m, NewContextStore(nil), succeed)
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "wf", RunOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, "write", res.FailedPhase)
	assert.Equal(t, ReasonExitCriteria+`: no artifact of type "draft"`, res.Error)
	assert.Equal(t, 1, res.Attempts["write"])
}

func TestExecutor_ExitCriteriaSeeFreshContext(t *testing.T) {
	m := mustParse(t, `{"id": "m", "phases": [{"id": "write", "tasks": [{"id": "t"}],
		"exitCriteria": [
			{"type": "artifact-exists", "artifactType": "draft"},
			{"type": "requirement-satisfied", "requirementId": "t-req-0"},
			{"type": "custom", "customValidator": "reviewed"}
		]}]}`)

	validators := NewValidatorRegistry()
	require.NoError(t, validators.Register("reviewed", ValidatorFunc(func(_ context.Context, ec *ExecutionContext) (bool, error) {
		return len(ec.Artifacts) == 1, nil
	})))

	store := NewContextStore(nil)
	exec, err := NewExecutor(m, store, func(_ context.Context, task *Task) error {
		store.AddArtifact(Artifact{Type: "draft", Name: task.Title})
		store.SatisfyRequirement(task.TemplateID + "-req-0")
		return nil
	}, WithValidators(validators))
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "wf", RunOptions{})
	assert.True(t, res.Success, res.Error)
	require.Len(t, res.History[0].ExitCriteriaResults, 3)
	for _, r := range res.History[0].ExitCriteriaResults {
		assert.True(t, r.Satisfied, r.Reason)
	}
}

func TestExecutor_HookPanicsAreRecovered(t *testing.T) {
	tl := logging.NewTestLogger()
	exec, err := NewExecutor(mustParse(t, twoPhaseDoc), NewContextStore(nil), succeed,
		WithLogger(tl.Logger),
		WithHooks(Hooks{
			OnPhaseStart: func(context.Context, string, *methodology.Phase, int) {
				panic("hook exploded")
			},
		}))
	require.NoError(t, err)

	var res *RunResult
	require.NotPanics(t, func() {
		res = exec.Execute(context.Background(), "wf", RunOptions{})
	})
	assert.True(t, res.Success)
	tl.AssertLogged(t, zapcore.ErrorLevel, "hook panicked")
}

func TestExecutor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec, err := NewExecutor(mustParse(t, twoPhaseDoc), NewContextStore(nil), func(context.Context, *Task) error {
		cancel()
		return nil
	})
	require.NoError(t, err)

	res := exec.Execute(ctx, "wf", RunOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, "phase1", res.FailedPhase)
	assert.True(t, strings.HasPrefix(res.Error, ReasonCancelled), res.Error)
}

func TestExecutor_NilSnapshot(t *testing.T) {
	m := mustParse(t, twoPhaseDoc)
	accessor := ContextAccessorFunc(func(context.Context) *ExecutionContext { return nil })

	exec, err := NewExecutor(m, accessor, succeed)
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "wf", RunOptions{})
	assert.True(t, res.Success, "the executor's own record satisfies phase-completed")
}

// Package-level instruments bind to the first provider installed, so this
// is the only test in the package that installs one.
func TestExecutor_Telemetry(t *testing.T) {
	tt := telemetry.NewTestTelemetry(t)
	ctx := context.Background()

	exec, err := NewExecutor(mustParse(t, twoPhaseDoc), NewContextStore(nil), succeed)
	require.NoError(t, err)
	exec.Execute(ctx, "wf", RunOptions{})

	counts := tt.SpanCounts()
	assert.Equal(t, 1, counts["orchestrator.run"])
	assert.Equal(t, 2, counts["orchestrator.phase"])
	assert.Equal(t, 3, counts["orchestrator.task"])
	tt.AssertSpanAttribute(t, "orchestrator.run", "workflow.id", "wf")

	assert.Equal(t, int64(1), tt.CounterTotal(ctx, "phased.orchestrator.runs"))
	assert.Equal(t, int64(2), tt.CounterTotal(ctx, "phased.orchestrator.phase.attempts"))
	assert.Equal(t, int64(3), tt.CounterTotal(ctx, "phased.orchestrator.task.executions"))
}

func TestExecutor_LogsCarryWorkflowID(t *testing.T) {
	tl := logging.NewTestLogger()
	exec, err := NewExecutor(mustParse(t, twoPhaseDoc), NewContextStore(nil), succeed, WithLogger(tl.Logger))
	require.NoError(t, err)

	exec.Execute(context.Background(), "wf-logs", RunOptions{})

	tl.AssertLogged(t, zapcore.InfoLevel, "run succeeded")
	tl.AssertField(t, "run succeeded", "workflow.id", "wf-logs")
	tl.AssertField(t, "phase attempt finished", "phase.id", "phase1")
}
