package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/phased/internal/logging"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultRateLimit   = 5 // requests per second
	defaultBurst       = 5
)

// HTTPSource fetches documents from baseURL/name.
type HTTPSource struct {
	baseURL *url.URL
	client  *http.Client
	limiter *rate.Limiter
	retry   RetryConfig
	logger  *logging.Logger
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		if c != nil {
			s.client = c
		}
	}
}

// WithHTTPTimeout sets the per-request timeout of the default client.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		if d > 0 {
			s.client.Timeout = d
		}
	}
}

// WithRateLimit limits requests to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(s *HTTPSource) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHTTPRetry sets the retry policy.
func WithHTTPRetry(cfg RetryConfig) HTTPOption {
	return func(s *HTTPSource) {
		s.retry = cfg
	}
}

// WithHTTPLogger sets the source logger.
func WithHTTPLogger(l *logging.Logger) HTTPOption {
	return func(s *HTTPSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewHTTPSource creates a source for the given base URL.
func NewHTTPSource(baseURL string, opts ...HTTPOption) (*HTTPSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", baseURL)
	}

	s := &HTTPSource{
		baseURL: u,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		retry:   DefaultRetryConfig(),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Fetch GETs baseURL/name. Server errors, 429s and transport failures are
// retried with exponential backoff; a 404 maps to ErrNotExist.
func (s *HTTPSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	target := s.baseURL.JoinPath(name).String()

	return withRetry(ctx, s.retry, s.logger, name, func(ctx context.Context) ([]byte, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		return s.get(ctx, target, name)
	})
}

func (s *HTTPSource) get(ctx context.Context, target, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retryableError{err: fmt.Errorf("GET %s: %w", name, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &retryableError{
			err:  fmt.Errorf("GET %s: status %d", name, resp.StatusCode),
			wait: retryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		return nil, fmt.Errorf("GET %s: status %d", name, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("reading %s: %w", name, err)}
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, name)
	}
	return data, nil
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// IsNotExist reports whether err means the document does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}
