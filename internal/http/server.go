// Package http serves the methodology catalog over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/methodology"
	"github.com/fyrsmithlabs/phased/internal/monitor"
	"github.com/fyrsmithlabs/phased/internal/repository"
)

const (
	// maxSuggestionLimit caps the limit query parameter of /api/v1/suggest.
	maxSuggestionLimit = 100

	maxBodySize = 1 << 20 // 1MB
)

// Catalog is the methodology store behind the API.
type Catalog interface {
	Manifest(ctx context.Context) []methodology.ManifestEntry
	Get(ctx context.Context, id string) (*methodology.Methodology, error)
	Clear()
	Cached() int
}

// RunTracker reports workflow runs observed on the event bus.
type RunTracker interface {
	Runs() []monitor.Run
	Run(workflowID string) (monitor.Run, bool)
	ClearFinished() int
}

// Server provides HTTP endpoints for phased.
type Server struct {
	echo      *echo.Echo
	catalog   Catalog
	suggester *repository.Suggester
	runs      RunTracker
	logger    *logging.Logger
	config    *Config
}

// Option configures a Server.
type Option func(*Server)

// WithRuns serves the runs known to tracker under /api/v1/runs.
func WithRuns(tracker RunTracker) Option {
	return func(s *Server) {
		s.runs = tracker
	}
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(catalog Catalog, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics, err := newRequestMetrics(otel.Meter(instrumentationName))
	if err != nil {
		logger.Warn(context.Background(), "some http metrics are unavailable", zap.Error(err))
	}
	e.Use(metrics.middleware())
	e.Use(requestLogger(logger))

	s := &Server{
		echo:      e,
		catalog:   catalog,
		suggester: repository.NewSuggester(catalog),
		logger:    logger,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	return s, nil
}

// requestLogger logs every request and puts the request id on the context.
func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			ctx := req.Context()
			if rid := c.Response().Header().Get(echo.HeaderXRequestID); logging.ValidateRequestID(rid) == nil {
				ctx = logging.WithRequestID(ctx, rid)
				c.SetRequest(req.WithContext(ctx))
			}

			err := next(c)
			if err != nil {
				// Let echo write the error so the logged status is final.
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/methodologies", s.handleList)
	v1.GET("/methodologies/:id", s.handleGet)
	v1.GET("/suggest", s.handleSuggest)
	v1.POST("/cache/clear", s.handleClear)
	v1.POST("/validate", s.handleValidate)

	if s.runs != nil {
		v1.GET("/runs", s.handleRuns)
		v1.GET("/runs/:workflow_id", s.handleRun)
		v1.DELETE("/runs", s.handleClearRuns)
	}
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Cached: s.catalog.Cached()})
}

// handleList returns the manifest with domain and tag counts.
func (s *Server) handleList(c echo.Context) error {
	entries := s.catalog.Manifest(c.Request().Context())
	domains, tags := CountFacets(entries)
	return c.JSON(http.StatusOK, ListResponse{
		Methodologies: entries,
		Count:         len(entries),
		Domains:       domains,
		Tags:          tags,
	})
}

// handleGet returns one full methodology.
func (s *Server) handleGet(c echo.Context) error {
	id := c.Param("id")
	m, err := s.catalog.Get(c.Request().Context(), id)
	if err != nil {
		return s.catalogError(c, id, err)
	}
	return c.JSON(http.StatusOK, m)
}

// handleSuggest ranks methodologies for the query parameters domain, tag,
// complexity and limit. domain and tag may repeat or hold comma separated lists.
func (s *Server) handleSuggest(c echo.Context) error {
	q := repository.Query{
		Domains:    splitParam(c.QueryParams()["domain"]),
		Tags:       splitParam(c.QueryParams()["tag"]),
		Complexity: c.QueryParam("complexity"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxSuggestionLimit {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("limit must be between 1 and %d", maxSuggestionLimit))
		}
		q.Limit = limit
	}

	suggestions := s.suggester.Suggest(c.Request().Context(), q)
	return c.JSON(http.StatusOK, SuggestResponse{
		Suggestions: suggestions,
		Count:       len(suggestions),
	})
}

// handleClear drops every cached document.
func (s *Server) handleClear(c echo.Context) error {
	s.catalog.Clear()
	s.logger.Info(c.Request().Context(), "methodology cache cleared")
	return c.JSON(http.StatusOK, ClearResponse{Cleared: true})
}

// handleValidate checks a methodology document without storing it.
func (s *Server) handleValidate(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}

	m, err := methodology.Parse(body)
	if err != nil {
		resp := ValidateResponse{Valid: false, Error: err.Error()}
		var ve *methodology.ValidationError
		if errors.As(err, &ve) {
			resp.Field = ve.Field
		}
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}

	return c.JSON(http.StatusOK, ValidateResponse{
		Valid:  true,
		ID:     m.ID,
		Phases: len(m.Phases),
	})
}

// handleRuns lists tracked runs, most recently active first. status filters
// on running, succeeded or failed.
func (s *Server) handleRuns(c echo.Context) error {
	runs := s.runs.Runs()
	if status := monitor.Status(c.QueryParam("status")); status != "" {
		kept := runs[:0]
		for _, r := range runs {
			if r.Status == status {
				kept = append(kept, r)
			}
		}
		runs = kept
	}
	return c.JSON(http.StatusOK, RunsResponse{Runs: runs, Count: len(runs)})
}

// handleRun returns one tracked run.
func (s *Server) handleRun(c echo.Context) error {
	id := c.Param("workflow_id")
	r, ok := s.runs.Run(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("run %q not tracked", id))
	}
	return c.JSON(http.StatusOK, r)
}

// handleClearRuns forgets finished runs.
func (s *Server) handleClearRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, ClearRunsResponse{Removed: s.runs.ClearFinished()})
}

// catalogError maps repository errors onto HTTP statuses.
func (s *Server) catalogError(c echo.Context, id string, err error) error {
	switch {
	case errors.Is(err, repository.ErrInvalidID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("methodology %q not found", id))
	case methodology.IsValidationError(err), errors.Is(err, methodology.ErrInvalidMethodology):
		s.logger.Warn(c.Request().Context(), "invalid methodology document",
			zap.String("methodology_id", id),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error(c.Request().Context(), "methodology lookup failed",
			zap.String("methodology_id", id),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusBadGateway, "methodology source unavailable")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

func splitParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	if len(body) > maxBodySize {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if len(body) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is required")
	}
	return body, nil
}
