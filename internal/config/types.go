package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration decodes "90s"-style values from YAML and the environment. A bare
// integer is read as seconds, so PHASED_SERVER_SHUTDOWN_TIMEOUT=30 works.
type Duration time.Duration

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return d.Duration().String() }

// MarshalText renders d in time.Duration notation. encoding/json uses it
// too.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText rejects negative values.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	var parsed time.Duration
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		parsed = time.Duration(secs) * time.Second
	} else if parsed, err = time.ParseDuration(s); err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	*d = Duration(parsed)
	return nil
}

const redactedSecret = "[REDACTED]"

// Secret holds a credential such as a GitHub token. Every rendering of it
// (fmt verbs, JSON, text) is masked. Value is the only way to read it.
type Secret string

// Value returns the raw credential.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) masked() string {
	if s == "" {
		return ""
	}
	return redactedSecret
}

func (s Secret) String() string   { return s.masked() }
func (s Secret) GoString() string { return "config.Secret(" + strconv.Quote(s.masked()) + ")" }

// MarshalText masks the credential. encoding/json uses it too.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.masked()), nil
}

// UnmarshalText stores the raw credential.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
