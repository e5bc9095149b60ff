// Package config provides configuration loading for phased.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file
// and PHASED_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Repository source kinds.
const (
	SourceFile   = "file"
	SourceHTTP   = "http"
	SourceGitHub = "github"
	SourceGit    = "git"
)

// Config holds the complete phased configuration.
type Config struct {
	Engine     EngineConfig     `koanf:"engine"`
	Repository RepositoryConfig `koanf:"repository"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Events     EventsConfig     `koanf:"events"`
	Server     ServerConfig     `koanf:"server"`
}

// EngineConfig holds executor and scheduler settings.
type EngineConfig struct {
	MaxIterations int      `koanf:"max_iterations"`
	MaxParallel   int      `koanf:"max_parallel"` // 0 means unbounded
	TaskTimeout   Duration `koanf:"task_timeout"` // 0 means no timeout
}

// RepositoryConfig selects where methodology documents come from.
type RepositoryConfig struct {
	Source     string       `koanf:"source"` // file, http, github or git
	Path       string       `koanf:"path"`
	BaseURL    string       `koanf:"base_url"`
	RateLimit  float64      `koanf:"rate_limit"` // requests per second
	Burst      int          `koanf:"burst"`
	MaxRetries int          `koanf:"max_retries"`
	Timeout    Duration     `koanf:"timeout"`
	Watch      bool         `koanf:"watch"`
	GitHub     GitHubConfig `koanf:"github"`
	Git        GitConfig    `koanf:"git"`
}

// GitHubConfig locates methodology documents inside a GitHub repository.
type GitHubConfig struct {
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
	Ref   string `koanf:"ref"`
	Path  string `koanf:"path"`
	Token Secret `koanf:"token"`
}

// GitConfig locates methodology documents in any git remote. The remote is
// shallow-cloned into memory.
type GitConfig struct {
	URL   string `koanf:"url"`
	Ref   string `koanf:"ref"` // branch; empty means the remote HEAD
	Path  string `koanf:"path"`
	Token Secret `koanf:"token"` // HTTPS basic auth password
}

// LoggingConfig holds the subset of logging settings exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Endpoint       string  `koanf:"endpoint"`
	Protocol       string  `koanf:"protocol"` // grpc or http
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
	Insecure       bool    `koanf:"insecure"`
	SamplingRate   float64 `koanf:"sampling_rate"`
}

// EventsConfig holds NATS lifecycle event settings.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	// TrackRuns caps how many workflow runs `phased serve` keeps.
	TrackRuns int `koanf:"track_runs"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxIterations: 10,
			MaxParallel:   4,
		},
		Repository: RepositoryConfig{
			Source:     SourceFile,
			Path:       "methodologies",
			RateLimit:  5,
			Burst:      5,
			MaxRetries: 3,
			Timeout:    Duration(10 * time.Second),
			GitHub: GitHubConfig{
				Ref:  "main",
				Path: "methodologies",
			},
			Git: GitConfig{
				Path: "methodologies",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			ServiceName:    "phased",
			ServiceVersion: "0.1.0",
			Insecure:       true,
			SamplingRate:   1.0,
		},
		Events: EventsConfig{
			NATSURL:       "nats://127.0.0.1:4222",
			SubjectPrefix: "phased",
			TrackRuns:     20,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine.max_iterations must be >= 1, got %d", c.Engine.MaxIterations)
	}
	if c.Engine.MaxParallel < 0 {
		return fmt.Errorf("engine.max_parallel must be >= 0, got %d", c.Engine.MaxParallel)
	}

	switch c.Repository.Source {
	case SourceFile:
		if c.Repository.Path == "" {
			return errors.New("repository.path is required for the file source")
		}
	case SourceHTTP:
		if c.Repository.BaseURL == "" {
			return errors.New("repository.base_url is required for the http source")
		}
		if c.Repository.RateLimit <= 0 {
			return fmt.Errorf("repository.rate_limit must be positive, got %v", c.Repository.RateLimit)
		}
	case SourceGitHub:
		if c.Repository.GitHub.Owner == "" || c.Repository.GitHub.Repo == "" {
			return errors.New("repository.github.owner and repository.github.repo are required for the github source")
		}
	case SourceGit:
		if c.Repository.Git.URL == "" {
			return errors.New("repository.git.url is required for the git source")
		}
	default:
		return fmt.Errorf("unknown repository.source %q (want file, http, github or git)", c.Repository.Source)
	}
	if c.Repository.MaxRetries < 0 {
		return fmt.Errorf("repository.max_retries must be >= 0, got %d", c.Repository.MaxRetries)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
		}
	}

	if c.Events.Enabled && c.Events.NATSURL == "" {
		return errors.New("events.nats_url is required when events are enabled")
	}
	if c.Events.TrackRuns < 0 {
		return errors.New("events.track_runs must not be negative")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	return nil
}
