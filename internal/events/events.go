// Package events publishes executor lifecycle events to NATS.
//
// Subjects follow the pattern
//
//	{prefix}.{workflow_id}.{phase_id}.started
//	{prefix}.{workflow_id}.{phase_id}.completed
//	{prefix}.{workflow_id}.run.completed
//
// Payloads are JSON encoded Event values. Publishing is fire and forget:
// failures are logged and never affect the run.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/methodology"
	"github.com/fyrsmithlabs/phased/internal/orchestrator"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "phased"

// Event types.
const (
	TypePhaseStarted   = "phase.started"
	TypePhaseCompleted = "phase.completed"
	TypeRunCompleted   = "run.completed"
)

// ErrNilConn is returned by NewPublisher when no connection is supplied.
var ErrNilConn = errors.New("nats connection cannot be nil")

// Event is the payload of every published message.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	PhaseID    string    `json:"phase_id,omitempty"`
	PhaseName  string    `json:"phase_name,omitempty"`
	Iteration  int       `json:"iteration,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Set on phase.completed.
	Phase *orchestrator.PhaseExecutionResult `json:"phase,omitempty"`

	// Set on run.completed.
	Run *RunSummary `json:"run,omitempty"`
}

// RunSummary is the part of a RunResult carried by run.completed. Per-phase
// history is omitted; subscribers already saw it as phase.completed events.
type RunSummary struct {
	MethodologyID   string             `json:"methodology_id"`
	Success         bool               `json:"success"`
	CompletedPhases []string           `json:"completed_phases"`
	FailedPhase     string             `json:"failed_phase,omitempty"`
	Error           string             `json:"error,omitempty"`
	FinalState      orchestrator.State `json:"final_state"`
	Attempts        map[string]int     `json:"attempts"`
	Duration        time.Duration      `json:"duration"`
}

// Publisher sends lifecycle events over a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(p *Publisher) {
		if prefix = strings.Trim(prefix, "."); prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithLogger sets the logger used for publish failures.
func WithLogger(l *logging.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPublisher creates a publisher on nc. The caller owns the connection.
func NewPublisher(nc *nats.Conn, opts ...Option) (*Publisher, error) {
	if nc == nil {
		return nil, ErrNilConn
	}
	p := &Publisher{
		nc:     nc,
		prefix: DefaultPrefix,
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Connect dials a NATS server with reconnects enabled.
func Connect(url string, logger *logging.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("phased"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return nc, nil
}

// Subject builds the subject for a workflow, a phase (or "run") and an action.
func (p *Publisher) Subject(workflowID, scope, action string) string {
	return strings.Join([]string{p.prefix, token(workflowID), token(scope), action}, ".")
}

// Publish encodes ev and publishes it on subject.
func (p *Publisher) Publish(ctx context.Context, subject string, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.logger.Debug(ctx, "event published",
		zap.String("subject", subject),
		zap.String("event_type", ev.Type),
	)
	return nil
}

// Flush waits until the server has processed all published events.
func (p *Publisher) Flush(ctx context.Context) error {
	return p.nc.FlushWithContext(ctx)
}

// Hooks returns executor hooks that publish phase and run events.
func (p *Publisher) Hooks() orchestrator.Hooks {
	return orchestrator.Hooks{
		OnPhaseStart: func(ctx context.Context, workflowID string, phase *methodology.Phase, iteration int) {
			p.emit(ctx, p.Subject(workflowID, phase.ID, "started"), Event{
				Type:       TypePhaseStarted,
				WorkflowID: workflowID,
				PhaseID:    phase.ID,
				PhaseName:  phase.Name,
				Iteration:  iteration,
			})
		},
		OnPhaseComplete: func(ctx context.Context, workflowID string, phase *methodology.Phase, result orchestrator.PhaseExecutionResult) {
			p.emit(ctx, p.Subject(workflowID, phase.ID, "completed"), Event{
				Type:       TypePhaseCompleted,
				WorkflowID: workflowID,
				PhaseID:    phase.ID,
				PhaseName:  phase.Name,
				Iteration:  result.Iteration,
				Phase:      &result,
			})
		},
		OnRunComplete: func(ctx context.Context, result *orchestrator.RunResult) {
			if result == nil {
				return
			}
			p.emit(ctx, p.Subject(result.WorkflowID, "run", "completed"), Event{
				Type:       TypeRunCompleted,
				WorkflowID: result.WorkflowID,
				Run:        summarize(result),
			})
		},
	}
}

// Subscribe delivers every event published under prefix to handle, in the
// order the connection receives them. Messages that do not decode are logged
// and dropped. An empty prefix means DefaultPrefix.
func Subscribe(nc *nats.Conn, prefix string, logger *logging.Logger, handle func(subject string, ev Event)) (*nats.Subscription, error) {
	if nc == nil {
		return nil, ErrNilConn
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	sub, err := nc.Subscribe(prefix+".>", func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn(context.Background(), "dropping undecodable event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		handle(msg.Subject, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s.>: %w", prefix, err)
	}
	return sub, nil
}

func (p *Publisher) emit(ctx context.Context, subject string, ev Event) {
	if err := p.Publish(ctx, subject, ev); err != nil {
		p.logger.Warn(ctx, "event publish failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

func summarize(r *orchestrator.RunResult) *RunSummary {
	return &RunSummary{
		MethodologyID:   r.MethodologyID,
		Success:         r.Success,
		CompletedPhases: r.CompletedPhases,
		FailedPhase:     r.FailedPhase,
		Error:           r.Error,
		FinalState:      r.FinalState,
		Attempts:        r.Attempts,
		Duration:        r.FinishedAt.Sub(r.StartedAt),
	}
}

// token makes s safe as a single subject token. Empty values become "_".
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
