// Package monitor tracks workflow runs seen on the lifecycle event bus.
//
// A Board folds phase.started, phase.completed and run.completed events
// into one row per workflow. Follow feeds a board from NATS; the HTTP API
// serves its rows.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/phased/internal/events"
	"github.com/fyrsmithlabs/phased/internal/logging"
)

const (
	// DefaultMaxRuns is how many workflow runs a Board keeps.
	DefaultMaxRuns = 20

	historySize = 30
)

// Status is the last known state of a workflow run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is what the board knows about one workflow run.
type Run struct {
	WorkflowID    string `json:"workflowId"`
	MethodologyID string `json:"methodologyId,omitempty"`
	Status        Status `json:"status"`
	PhaseID       string `json:"phaseId,omitempty"`
	PhaseName     string `json:"phaseName,omitempty"`
	Iteration     int    `json:"iteration"`
	// Passed and Failed count completed phase attempts.
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	// Durations holds seconds per completed attempt, oldest first, capped
	// at the last 30.
	Durations []float64 `json:"durations,omitempty"`
	Error     string    `json:"error,omitempty"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// PassRate returns the share of completed phase attempts that passed.
func (r Run) PassRate() float64 {
	total := r.Passed + r.Failed
	if total == 0 {
		return 0
	}
	return float64(r.Passed) / float64(total)
}

// Finished reports whether a run.completed event was seen.
func (r Run) Finished() bool {
	return r.Status != StatusRunning
}

// Board folds lifecycle events into per-workflow state. It is safe for
// concurrent use.
type Board struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	maxRuns int
}

// NewBoard creates a board holding at most maxRuns runs. Non-positive
// values mean DefaultMaxRuns.
func NewBoard(maxRuns int) *Board {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &Board{runs: make(map[string]*Run), maxRuns: maxRuns}
}

// Apply records ev. Events without a workflow id are ignored.
func (b *Board) Apply(ev events.Event) {
	if ev.WorkflowID == "" {
		return
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[ev.WorkflowID]
	if !ok {
		run = &Run{WorkflowID: ev.WorkflowID, Status: StatusRunning, FirstSeen: at, LastSeen: at}
		b.runs[ev.WorkflowID] = run
		b.evict(ev.WorkflowID)
	}
	run.LastSeen = at

	switch ev.Type {
	case events.TypePhaseStarted:
		run.Status = StatusRunning
		run.PhaseID = ev.PhaseID
		run.PhaseName = ev.PhaseName
		run.Iteration = ev.Iteration
	case events.TypePhaseCompleted:
		run.PhaseID = ev.PhaseID
		run.PhaseName = ev.PhaseName
		run.Iteration = ev.Iteration
		if ev.Phase == nil {
			return
		}
		if ev.Phase.Success {
			run.Passed++
		} else {
			run.Failed++
		}
		run.Durations = appendToHistory(run.Durations, ev.Phase.Duration.Seconds())
	case events.TypeRunCompleted:
		if ev.Run == nil {
			return
		}
		run.MethodologyID = ev.Run.MethodologyID
		run.Error = ev.Run.Error
		run.Status = StatusFailed
		if ev.Run.Success {
			run.Status = StatusSucceeded
		}
	}
}

// Runs returns a copy of every run, most recently active first.
func (b *Board) Runs() []Run {
	b.mu.RLock()
	out := make([]Run, 0, len(b.runs))
	for _, r := range b.runs {
		out = append(out, copyRun(r))
	}
	b.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].WorkflowID < out[j].WorkflowID
	})
	return out
}

// Run returns a copy of one run.
func (b *Board) Run(workflowID string) (Run, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.runs[workflowID]
	if !ok {
		return Run{}, false
	}
	return copyRun(r), true
}

// ClearFinished drops finished runs and returns how many were dropped.
func (b *Board) ClearFinished() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, r := range b.runs {
		if r.Finished() {
			delete(b.runs, id)
			n++
		}
	}
	return n
}

func copyRun(r *Run) Run {
	cp := *r
	cp.Durations = append([]float64(nil), r.Durations...)
	return cp
}

// evict drops the least recently active run while over capacity, preferring
// finished runs. The run named keep is never dropped. Callers hold mu.
func (b *Board) evict(keep string) {
	for len(b.runs) > b.maxRuns {
		var victim *Run
		for id, r := range b.runs {
			if id == keep {
				continue
			}
			if victim == nil || older(r, victim) {
				victim = r
			}
		}
		delete(b.runs, victim.WorkflowID)
	}
}

func older(a, b *Run) bool {
	if a.Finished() != b.Finished() {
		return a.Finished()
	}
	return a.LastSeen.Before(b.LastSeen)
}

// appendToHistory appends value and keeps the newest historySize entries.
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// Follow applies every lifecycle event published under prefix to board.
// Unsubscribe or drain the returned subscription to stop.
func Follow(nc *nats.Conn, prefix string, board *Board, logger *logging.Logger) (*nats.Subscription, error) {
	return events.Subscribe(nc, prefix, logger, func(_ string, ev events.Event) {
		board.Apply(ev)
	})
}
