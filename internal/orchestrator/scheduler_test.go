package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTasks(deps map[string][]string, order ...string) []*Task {
	tasks := make([]*Task, 0, len(order))
	for _, id := range order {
		tasks = append(tasks, &Task{ID: "task-" + id, TemplateID: id, PhaseID: "p", Dependencies: deps[id]})
	}
	return tasks
}

// recorder collects the template ids passed to a TaskFunc.
type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) exec(fail ...string) TaskFunc {
	failing := make(map[string]bool)
	for _, id := range fail {
		failing[id] = true
	}
	return func(_ context.Context, t *Task) error {
		r.mu.Lock()
		r.seen = append(r.seen, t.TemplateID)
		r.mu.Unlock()
		if failing[t.TemplateID] {
			return errors.New("failed " + t.TemplateID)
		}
		return nil
	}
}

func TestScheduler_Chain(t *testing.T) {
	tasks := newTasks(map[string][]string{"B": {"A"}, "C": {"B"}}, "A", "B", "C")
	rec := &recorder{}

	out := NewScheduler().RunPhase(context.Background(), tasks, rec.exec())

	assert.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, out.Rounds)
	assert.Equal(t, []string{"A", "B", "C"}, rec.seen)
	assert.Equal(t, 3, out.Completed)
	assert.Equal(t, 0, out.Failed)
}

func TestScheduler_Cycle(t *testing.T) {
	tasks := newTasks(map[string][]string{"A": {"B"}, "B": {"A"}}, "A", "B")
	rec := &recorder{}

	done := make(chan PhaseOutcome)
	go func() {
		done <- NewScheduler().RunPhase(context.Background(), tasks, rec.exec())
	}()

	var out PhaseOutcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not terminate on a cycle")
	}

	assert.Equal(t, 2, out.Failed)
	assert.Equal(t, 0, out.Completed)
	assert.Empty(t, out.Rounds)
	assert.Empty(t, rec.seen)
	assert.Equal(t, ReasonUnreachable, out.Results["A"].Error)
	assert.Equal(t, ReasonUnreachable, out.Results["B"].Error)
}

func TestScheduler_MissingDependency(t *testing.T) {
	tasks := newTasks(map[string][]string{"B": {"ghost"}}, "A", "B")
	rec := &recorder{}

	out := NewScheduler().RunPhase(context.Background(), tasks, rec.exec())

	assert.Equal(t, [][]string{{"A"}}, out.Rounds)
	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, ReasonUnreachable, out.Results["B"].Error)
}

func TestScheduler_FailureDoesNotBlockDependents(t *testing.T) {
	tasks := newTasks(map[string][]string{"C": {"A", "B"}}, "A", "B", "C")
	rec := &recorder{}

	out := NewScheduler().RunPhase(context.Background(), tasks, rec.exec("A"))

	require.Len(t, out.Rounds, 2)
	assert.ElementsMatch(t, []string{"A", "B"}, out.Rounds[0])
	assert.Equal(t, []string{"C"}, out.Rounds[1])
	assert.Equal(t, 2, out.Completed)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, "failed A", out.Results["A"].Error)
	assert.Len(t, rec.seen, 3, "every task is attempted exactly once")
}

func TestScheduler_PanicFailsTask(t *testing.T) {
	tasks := newTasks(nil, "A", "B")

	out := NewScheduler().RunPhase(context.Background(), tasks, func(_ context.Context, t *Task) error {
		if t.TemplateID == "A" {
			panic("kaboom")
		}
		return nil
	})

	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, 1, out.Failed)
	assert.Contains(t, out.Results["A"].Error, "kaboom")
}

func TestScheduler_BatchRunsConcurrently(t *testing.T) {
	tasks := newTasks(nil, "A", "B", "C")

	// Each task waits for all three to have started.
	var wg sync.WaitGroup
	wg.Add(3)
	out := NewScheduler().RunPhase(context.Background(), tasks, func(ctx context.Context, _ *Task) error {
		wg.Done()
		waited := make(chan struct{})
		go func() {
			wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("batch was not run concurrently")
		}
	})

	assert.Equal(t, 3, out.Completed)
	assert.Equal(t, [][]string{{"A", "B", "C"}}, out.Rounds)
}

func TestScheduler_MaxParallel(t *testing.T) {
	tasks := newTasks(nil, "A", "B", "C", "D", "E", "F")

	var running, peak int32
	out := NewScheduler(WithMaxParallel(2)).RunPhase(context.Background(), tasks, func(context.Context, *Task) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	assert.Equal(t, 6, out.Completed)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestScheduler_TaskTimeout(t *testing.T) {
	tasks := newTasks(nil, "slow")

	out := NewScheduler(WithTaskTimeout(20*time.Millisecond)).RunPhase(context.Background(), tasks, func(ctx context.Context, _ *Task) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.Equal(t, 1, out.Failed)
	assert.Contains(t, out.Results["slow"].Error, context.DeadlineExceeded.Error())
}

func TestScheduler_CancelledBetweenRounds(t *testing.T) {
	tasks := newTasks(map[string][]string{"B": {"A"}}, "A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	exec := rec.exec()
	out := NewScheduler().RunPhase(ctx, tasks, func(ctx context.Context, t *Task) error {
		defer cancel()
		return exec(ctx, t)
	})

	assert.Equal(t, []string{"A"}, rec.seen)
	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, 1, out.Failed)
	assert.Contains(t, out.Results["B"].Error, "cancelled")
}

func TestScheduler_EmptyPhase(t *testing.T) {
	out := NewScheduler().RunPhase(context.Background(), nil, func(context.Context, *Task) error {
		t.Fatal("no task should run")
		return nil
	})
	assert.Zero(t, out.Completed)
	assert.Zero(t, out.Failed)
	assert.Empty(t, out.Rounds)
}
