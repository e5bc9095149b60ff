// internal/logging/core.go
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
)

// sinks are the writers behind Output.Stdout and Output.Stderr.
type sinks struct {
	stdout zapcore.WriteSyncer
	stderr zapcore.WriteSyncer
}

func stdSinks() sinks {
	return sinks{stdout: zapcore.Lock(os.Stdout), stderr: zapcore.Lock(os.Stderr)}
}

// newCore builds the redacting, sampled core for cfg.
func newCore(cfg *Config, out sinks) (zapcore.Core, error) {
	encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
	}

	cores := make([]zapcore.Core, 0, 2)
	if cfg.Output.Stdout {
		cores = append(cores, zapcore.NewCore(encoder, out.stdout, cfg.Level))
	}
	if cfg.Output.Stderr {
		cores = append(cores, zapcore.NewCore(encoder.Clone(), out.stderr, cfg.Level))
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}
	return newSampledCore(core, cfg.Sampling), nil
}
