package http

import (
	"github.com/fyrsmithlabs/phased/internal/methodology"
	"github.com/fyrsmithlabs/phased/internal/monitor"
	"github.com/fyrsmithlabs/phased/internal/repository"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Cached int    `json:"cached"` // methodologies held in the cache
}

// ListResponse is the response body for GET /api/v1/methodologies.
type ListResponse struct {
	Methodologies []methodology.ManifestEntry `json:"methodologies"`
	Count         int                         `json:"count"`
	Domains       map[string]int              `json:"domains"`
	Tags          map[string]int              `json:"tags"`
}

// SuggestResponse is the response body for GET /api/v1/suggest.
type SuggestResponse struct {
	Suggestions []repository.Suggestion `json:"suggestions"`
	Count       int                     `json:"count"`
}

// ClearResponse is the response body for POST /api/v1/cache/clear.
type ClearResponse struct {
	Cleared bool `json:"cleared"`
}

// ValidateResponse is the response body for POST /api/v1/validate.
type ValidateResponse struct {
	Valid  bool   `json:"valid"`
	ID     string `json:"id,omitempty"`
	Phases int    `json:"phases,omitempty"`
	Field  string `json:"field,omitempty"` // offending field when invalid
	Error  string `json:"error,omitempty"`
}

// RunsResponse is the response body for GET /api/v1/runs.
type RunsResponse struct {
	Runs  []monitor.Run `json:"runs"`
	Count int           `json:"count"`
}

// ClearRunsResponse is the response body for DELETE /api/v1/runs.
type ClearRunsResponse struct {
	Removed int `json:"removed"`
}
