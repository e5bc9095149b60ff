package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/methodology"
	"github.com/fyrsmithlabs/phased/internal/orchestrator"
)

const twoPhaseDoc = `{
  "id": "two-phase",
  "phases": [
    {"id": "plan", "name": "Plan", "tasks": [{"id": "outline"}]},
    {"id": "build",
     "entryCriteria": [{"type": "phase-completed", "phaseId": "plan"}],
     "tasks": [{"id": "write"}]}
  ]
}`

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := Connect(server.ClientURL(), nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func nextEvent(t *testing.T, sub *nats.Subscription) (string, Event) {
	t.Helper()
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	return msg.Subject, ev
}

func TestNewPublisher_NilConn(t *testing.T) {
	_, err := NewPublisher(nil)
	assert.ErrorIs(t, err, ErrNilConn)
}

func TestPublisher_Subject(t *testing.T) {
	server := startTestNATSServer(t)
	p, err := NewPublisher(connect(t, server), WithPrefix("acme.phased."))
	require.NoError(t, err)

	assert.Equal(t, "acme.phased.wf-1.plan.started", p.Subject("wf-1", "plan", "started"))
	assert.Equal(t, "acme.phased.wf_1_x.run.completed", p.Subject("wf.1*x", "run", "completed"))
	assert.Equal(t, "acme.phased._.plan.started", p.Subject("", "plan", "started"))
}

func TestPublisher_HooksPublishLifecycle(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	sub, err := nc.SubscribeSync("phased.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	p, err := NewPublisher(nc)
	require.NoError(t, err)

	m, err := methodology.Parse([]byte(twoPhaseDoc))
	require.NoError(t, err)

	exec, err := orchestrator.NewExecutor(m, orchestrator.NewContextStore(nil),
		func(context.Context, *orchestrator.Task) error { return nil },
		orchestrator.WithHooks(p.Hooks()),
	)
	require.NoError(t, err)

	result := exec.Execute(context.Background(), "wf-42", orchestrator.RunOptions{})
	require.True(t, result.Success)
	require.NoError(t, p.Flush(context.Background()))

	want := []struct {
		subject string
		typ     string
		phase   string
	}{
		{"phased.wf-42.plan.started", TypePhaseStarted, "plan"},
		{"phased.wf-42.plan.completed", TypePhaseCompleted, "plan"},
		{"phased.wf-42.build.started", TypePhaseStarted, "build"},
		{"phased.wf-42.build.completed", TypePhaseCompleted, "build"},
		{"phased.wf-42.run.completed", TypeRunCompleted, ""},
	}
	for _, w := range want {
		subject, ev := nextEvent(t, sub)
		assert.Equal(t, w.subject, subject)
		assert.Equal(t, w.typ, ev.Type)
		assert.Equal(t, w.phase, ev.PhaseID)
		assert.Equal(t, "wf-42", ev.WorkflowID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())

		switch ev.Type {
		case TypePhaseStarted:
			assert.Equal(t, 1, ev.Iteration)
		case TypePhaseCompleted:
			require.NotNil(t, ev.Phase)
			assert.True(t, ev.Phase.Success)
			assert.Equal(t, 1, ev.Phase.TasksCompleted)
		case TypeRunCompleted:
			require.NotNil(t, ev.Run)
			assert.True(t, ev.Run.Success)
			assert.Equal(t, "two-phase", ev.Run.MethodologyID)
			assert.Equal(t, []string{"plan", "build"}, ev.Run.CompletedPhases)
			assert.Equal(t, orchestrator.StateSucceeded, ev.Run.FinalState)
		}
	}
}

func TestPublisher_FailedRunEvent(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	sub, err := nc.SubscribeSync("phased.*.run.completed")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	p, err := NewPublisher(nc)
	require.NoError(t, err)

	p.Hooks().OnRunComplete(context.Background(), &orchestrator.RunResult{
		WorkflowID:    "wf-7",
		MethodologyID: "two-phase",
		FailedPhase:   "build",
		Error:         orchestrator.ReasonEntryCriteria,
		FinalState:    orchestrator.StateFailed,
	})
	require.NoError(t, p.Flush(context.Background()))

	_, ev := nextEvent(t, sub)
	require.NotNil(t, ev.Run)
	assert.False(t, ev.Run.Success)
	assert.Equal(t, "build", ev.Run.FailedPhase)
	assert.Equal(t, orchestrator.ReasonEntryCriteria, ev.Run.Error)
}

func TestPublisher_PublishFailureIsLogged(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	tl := logging.NewTestLogger()
	p, err := NewPublisher(nc, WithLogger(tl.Logger))
	require.NoError(t, err)

	nc.Close()
	p.Hooks().OnPhaseStart(context.Background(), "wf-1", &methodology.Phase{ID: "plan"}, 1)

	tl.AssertLogged(t, zapcore.WarnLevel, "event publish failed")
}

func TestPublisher_NilRunResult(t *testing.T) {
	server := startTestNATSServer(t)
	p, err := NewPublisher(connect(t, server))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		p.Hooks().OnRunComplete(context.Background(), nil)
	})
}

func TestSubscribe_DecodesEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	tl := logging.NewTestLogger()

	got := make(chan Event, 4)
	sub, err := Subscribe(nc, "acme.", tl.Logger, func(_ string, ev Event) { got <- ev })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	require.NoError(t, nc.Publish("acme.wf-1.plan.started", []byte("not json")))
	p, err := NewPublisher(nc, WithPrefix("acme"))
	require.NoError(t, err)
	p.Hooks().OnPhaseStart(context.Background(), "wf-1", &methodology.Phase{ID: "plan", Name: "Plan"}, 2)
	require.NoError(t, p.Flush(context.Background()))

	select {
	case ev := <-got:
		assert.Equal(t, TypePhaseStarted, ev.Type)
		assert.Equal(t, "Plan", ev.PhaseName)
		assert.Equal(t, 2, ev.Iteration)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
	tl.AssertLogged(t, zapcore.WarnLevel, "dropping undecodable event")
}

func TestSubscribe_NilConn(t *testing.T) {
	_, err := Subscribe(nil, "", nil, func(string, Event) {})
	assert.ErrorIs(t, err, ErrNilConn)
}
