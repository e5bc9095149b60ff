package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/monitor"
)

func TestFollowRuns_TracksRunCommand(t *testing.T) {
	dir := setupCatalog(t)
	server := startNATS(t)

	cfg := config.Default()
	cfg.Events.Enabled = true
	cfg.Events.NATSURL = server.ClientURL()
	cfg.Events.SubjectPrefix = "acme"
	a := &app{cfg: cfg, logger: logging.NewNop()}

	board, stop, err := followRuns(context.Background(), a)
	require.NoError(t, err)
	defer stop()

	t.Setenv("PHASED_EVENTS_ENABLED", "true")
	t.Setenv("PHASED_EVENTS_NATS_URL", server.ClientURL())
	t.Setenv("PHASED_EVENTS_SUBJECT_PREFIX", "acme")

	_, _, err = executeCmd(t, "run", "research-sprint", "--methodologies", dir, "--workflow-id", "wf-serve")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, ok := board.Run("wf-serve")
		return ok && r.Finished()
	}, 5*time.Second, 20*time.Millisecond)

	r, _ := board.Run("wf-serve")
	assert.Equal(t, monitor.StatusSucceeded, r.Status)
	assert.Equal(t, "research-sprint", r.MethodologyID)
	assert.Equal(t, 2, r.Passed)
}

func TestFollowRuns_ConnectError(t *testing.T) {
	cfg := config.Default()
	cfg.Events.NATSURL = "nats://127.0.0.1:1"
	a := &app{cfg: cfg, logger: logging.NewNop()}

	_, _, err := followRuns(context.Background(), a)
	assert.Error(t, err)
}
