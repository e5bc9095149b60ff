package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/events"
	httpserver "github.com/fyrsmithlabs/phased/internal/http"
	"github.com/fyrsmithlabs/phased/internal/monitor"
	"github.com/fyrsmithlabs/phased/internal/source"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the methodology catalog over HTTP",
		Long: `Serve the methodology catalog over HTTP.

Endpoints:
  GET  /health
  GET  /metrics
  GET  /api/v1/methodologies
  GET  /api/v1/methodologies/:id
  GET  /api/v1/suggest?domain=&tag=&complexity=&limit=
  POST /api/v1/cache/clear
  POST /api/v1/validate

With events enabled, workflow runs published on NATS are tracked as well:
  GET    /api/v1/runs?status=running|succeeded|failed
  GET    /api/v1/runs/:workflow_id
  DELETE /api/v1/runs

With a file source and repository.watch enabled, edits to the methodology
directory clear the cache.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{telemetry: true, metrics: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			cfg := a.cfg.Server
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return serve(ctx, a, cfg.Host, cfg.Port)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}

// serve runs the HTTP server until ctx is cancelled.
func serve(ctx context.Context, a *app, host string, port int) error {
	if err := watchSource(ctx, a); err != nil {
		return err
	}

	var opts []httpserver.Option
	if a.cfg.Events.Enabled {
		board, stop, err := followRuns(ctx, a)
		if err != nil {
			return err
		}
		defer stop()
		opts = append(opts, httpserver.WithRuns(board))
	}

	srv, err := httpserver.NewServer(a.repo, a.logger.Named("http"), &httpserver.Config{
		Host: host,
		Port: port,
	}, opts...)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// watchSource clears the repository cache when a watched file source changes.
func watchSource(ctx context.Context, a *app) error {
	if !a.cfg.Repository.Watch {
		return nil
	}
	fs, ok := a.source.(*source.FileSource)
	if !ok {
		a.logger.Warn(ctx, "repository.watch only applies to file sources",
			zap.String("source", a.cfg.Repository.Source))
		return nil
	}

	err := fs.Watch(ctx, func(name string) {
		a.repo.Clear()
		a.logger.Info(ctx, "methodology cache cleared",
			zap.String("document", name))
	})
	if err != nil {
		return fmt.Errorf("watching %s: %w", fs.Dir(), err)
	}
	a.logger.Info(ctx, "watching methodology directory", zap.String("dir", fs.Dir()))
	return nil
}

// followRuns subscribes a run board to the lifecycle events published by
// `phased run` processes.
func followRuns(ctx context.Context, a *app) (*monitor.Board, func(), error) {
	cfg := a.cfg.Events
	nc, err := events.Connect(cfg.NATSURL, a.logger)
	if err != nil {
		return nil, nil, err
	}
	board := monitor.NewBoard(cfg.TrackRuns)
	sub, err := monitor.Follow(nc, cfg.SubjectPrefix, board, a.logger.Named("monitor"))
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("subscribing to run events: %w", err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("subscribing to run events: %w", err)
	}
	a.logger.Info(ctx, "tracking workflow runs",
		zap.String("nats_url", cfg.NATSURL),
		zap.String("subject", sub.Subject))

	stop := func() {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn(ctx, "unsubscribing from run events", zap.Error(err))
		}
		nc.Close()
	}
	return board, stop, nil
}
