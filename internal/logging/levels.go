// internal/logging/levels.go
package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug for per-criterion and per-round detail.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name. It accepts "trace" and "warning" in
// addition to zap's names, ignoring case and surrounding space.
func LevelFromString(level string) (zapcore.Level, error) {
	switch name := strings.ToLower(strings.TrimSpace(level)); name {
	case "trace":
		return TraceLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	default:
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(name)); err != nil {
			return zapcore.InfoLevel, err
		}
		return l, nil
	}
}

// levelName returns the name of lvl, including "trace".
func levelName(lvl zapcore.Level) string {
	if lvl == TraceLevel {
		return "trace"
	}
	return lvl.String()
}

// encodeLevel writes TraceLevel as "trace" instead of zap's "Level(-2)".
func encodeLevel(lvl zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(levelName(lvl))
}
