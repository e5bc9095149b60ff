// Package source provides the document fetchers behind the methodology
// repository: a local directory, a plain HTTP endpoint and a GitHub
// repository.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/logging"
)

// maxDocumentSize bounds every fetched document.
const maxDocumentSize = 4 * 1024 * 1024 // 4MB

var (
	// ErrNotExist indicates the source has no document with the given name.
	ErrNotExist = errors.New("document does not exist")

	// ErrInvalidName indicates a document name that could escape the source root.
	ErrInvalidName = errors.New("invalid document name")

	// ErrTooLarge indicates a document over the size limit.
	ErrTooLarge = errors.New("document too large")
)

// Source fetches raw documents by name.
type Source interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// RetryConfig configures retry behavior for remote sources.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts. Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration. Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 10s
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff. Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// retryableError marks a failure worth another attempt. wait overrides the
// computed backoff when the server asked for a specific delay.
type retryableError struct {
	err  error
	wait time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// withRetry runs op until it succeeds, fails with a non-retryable error or
// the attempts are exhausted.
func withRetry(ctx context.Context, cfg RetryConfig, logger *logging.Logger, name string, op func(context.Context) ([]byte, error)) ([]byte, error) {
	cfg.ApplyDefaults()
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		data, err := op(ctx)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var re *retryableError
		if !errors.As(err, &re) {
			return nil, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		wait := backoff
		if re.wait > 0 {
			wait = min(re.wait, cfg.MaxBackoff)
		}
		logger.Debug(ctx, "retrying fetch",
			zap.String("document", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch %s canceled: %w", name, ctx.Err())
		case <-time.After(wait):
		}
		backoff = min(time.Duration(float64(backoff)*cfg.BackoffMultiplier), cfg.MaxBackoff)
	}

	logger.Warn(ctx, "fetch failed after retries",
		zap.String("document", name),
		zap.Int("attempts", cfg.MaxRetries+1),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("fetch %s failed after %d retries: %w", name, cfg.MaxRetries, lastErr)
}

// checkName rejects names that are empty or carry path components.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// FromConfig builds the source selected by cfg.Source.
func FromConfig(ctx context.Context, cfg config.RepositoryConfig, logger *logging.Logger) (Source, error) {
	retry := DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries

	var (
		src Source
		err error
	)
	switch cfg.Source {
	case config.SourceFile:
		src, err = NewFileSource(cfg.Path, WithFileLogger(logger))
	case config.SourceHTTP:
		src, err = NewHTTPSource(cfg.BaseURL,
			WithRateLimit(cfg.RateLimit, cfg.Burst),
			WithHTTPRetry(retry),
			WithHTTPTimeout(cfg.Timeout.Duration()),
			WithHTTPLogger(logger),
		)
	case config.SourceGitHub:
		gh := cfg.GitHub
		src, err = NewGitHubSource(ctx, gh.Owner, gh.Repo,
			WithGitHubRef(gh.Ref),
			WithGitHubPath(gh.Path),
			WithGitHubToken(gh.Token),
			WithGitHubRetry(retry),
			WithGitHubLogger(logger),
		)
	case config.SourceGit:
		g := cfg.Git
		src, err = NewGitSource(g.URL,
			WithGitRef(g.Ref),
			WithGitPath(g.Path),
			WithGitToken(g.Token),
			WithGitLogger(logger),
		)
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}
