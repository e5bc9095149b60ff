package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/logging"
)

// GitHubSource reads documents from a directory of a GitHub repository.
type GitHubSource struct {
	client *github.Client
	owner  string
	repo   string
	ref    string
	dir    string
	token  config.Secret
	retry  RetryConfig
	logger *logging.Logger
}

// GitHubOption configures a GitHubSource.
type GitHubOption func(*GitHubSource)

// WithGitHubClient replaces the API client.
func WithGitHubClient(c *github.Client) GitHubOption {
	return func(s *GitHubSource) {
		s.client = c
	}
}

// WithGitHubRef selects the branch, tag or commit to read from.
func WithGitHubRef(ref string) GitHubOption {
	return func(s *GitHubSource) {
		s.ref = ref
	}
}

// WithGitHubPath sets the directory holding the documents.
func WithGitHubPath(dir string) GitHubOption {
	return func(s *GitHubSource) {
		s.dir = dir
	}
}

// WithGitHubToken authenticates requests. Ignored when a client is supplied.
func WithGitHubToken(token config.Secret) GitHubOption {
	return func(s *GitHubSource) {
		s.token = token
	}
}

// WithGitHubRetry sets the retry policy.
func WithGitHubRetry(cfg RetryConfig) GitHubOption {
	return func(s *GitHubSource) {
		s.retry = cfg
	}
}

// WithGitHubLogger sets the source logger.
func WithGitHubLogger(l *logging.Logger) GitHubOption {
	return func(s *GitHubSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewGitHubSource creates a source for owner/repo. Without a token the
// client is unauthenticated and subject to the anonymous rate limit.
func NewGitHubSource(ctx context.Context, owner, repo string, opts ...GitHubOption) (*GitHubSource, error) {
	if owner == "" || repo == "" {
		return nil, errors.New("github owner and repo are required")
	}

	s := &GitHubSource{
		owner:  owner,
		repo:   repo,
		retry:  DefaultRetryConfig(),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		s.client = newGitHubClient(ctx, s.token)
	}
	return s, nil
}

// newGitHubClient creates a GitHub client, authenticated when token is set.
func newGitHubClient(ctx context.Context, token config.Secret) *github.Client {
	if !token.IsSet() {
		return github.NewClient(nil)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// Fetch reads dir/name at the configured ref.
func (s *GitHubSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	filePath := path.Join(s.dir, name)

	return withRetry(ctx, s.retry, s.logger, name, func(ctx context.Context) ([]byte, error) {
		var opts *github.RepositoryContentGetOptions
		if s.ref != "" {
			opts = &github.RepositoryContentGetOptions{Ref: s.ref}
		}

		file, _, resp, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, filePath, opts)
		if err != nil {
			return nil, classifyGitHubError(name, err, resp)
		}
		if file == nil {
			return nil, fmt.Errorf("%s is a directory", filePath)
		}
		if file.GetSize() > maxDocumentSize {
			return nil, fmt.Errorf("%w: %s", ErrTooLarge, name)
		}

		content, err := file.GetContent()
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", filePath, err)
		}
		return []byte(content), nil
	})
}

// classifyGitHubError maps API failures onto ErrNotExist, retryable and
// permanent errors.
func classifyGitHubError(name string, err error, resp *github.Response) error {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotExist, name)
	case isRateLimited(resp):
		return &retryableError{err: err, wait: rateLimitWait(resp)}
	case status >= 500 || status == 0:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &retryableError{err: err}
	default:
		return err
	}
}

// isRateLimited reports a 429, or a 403 carrying rate limit headers.
func isRateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	}
	return false
}

// rateLimitWait returns the time until the rate limit resets, if known.
func rateLimitWait(resp *github.Response) time.Duration {
	if resp == nil || resp.Rate.Reset.Time.IsZero() {
		return 0
	}
	wait := time.Until(resp.Rate.Reset.Time) + time.Second
	if wait < 0 {
		return 0
	}
	return wait
}
