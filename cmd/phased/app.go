package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/repository"
	"github.com/fyrsmithlabs/phased/internal/source"
	"github.com/fyrsmithlabs/phased/internal/telemetry"
)

// app holds the dependencies shared by subcommands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	source    source.Source
	repo      *repository.Repository
	telemetry *telemetry.Telemetry
}

// appOptions selects the optional parts of the bootstrap.
type appOptions struct {
	telemetry bool
	metrics   bool
}

// newApp loads configuration and builds the logger, source and repository.
func newApp(ctx context.Context, flags *globalFlags, opts appOptions) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flags.methodologies != "" {
		cfg.Repository.Source = config.SourceFile
		cfg.Repository.Path = flags.methodologies
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	if opts.telemetry {
		a.telemetry, err = telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry), telemetry.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("initializing telemetry: %w", err)
		}
	}

	a.source, err = source.FromConfig(ctx, cfg.Repository, logger.Named("source"))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("methodology source: %w", err), a.close(ctx))
	}

	repoOpts := []repository.Option{repository.WithLogger(logger.Named("repository"))}
	if opts.metrics {
		repoOpts = append(repoOpts, repository.WithMetrics(repository.NewMetrics()))
	}
	a.repo = repository.New(a.source, repoOpts...)

	logger.Debug(ctx, "phased initialized",
		zap.String("source", cfg.Repository.Source),
		logging.Secret("github_token", cfg.Repository.GitHub.Token),
		zap.Bool("telemetry", a.telemetry.IsEnabled()),
	)
	return a, nil
}

// close flushes telemetry and the logger.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if a.logger != nil {
		if err := a.logger.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("logger sync: %w", err))
		}
	}
	return errors.Join(errs...)
}

// newLogger builds a stderr logger so stdout carries command output only.
func newLogger(c config.LoggingConfig) (*logging.Logger, error) {
	lc, err := logging.FromConfig(c)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(lc)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return logger, nil
}
