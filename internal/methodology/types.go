// Package methodology defines methodology definitions: ordered phases, the task
// templates that populate them and the criteria that gate them.
//
// Definitions are immutable once decoded. Decoding validates the whole document,
// so a Methodology obtained from Parse (or json.Unmarshal) is structurally sound.
package methodology

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxIterations bounds repeatable phases when neither the caller nor the
// methodology configuration provides a value.
const DefaultMaxIterations = 10

// Complexity is the difficulty level of a methodology or task template.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// NormalizeComplexity maps any unrecognized level to ComplexitySimple.
func NormalizeComplexity(c Complexity) Complexity {
	switch Complexity(strings.ToLower(string(c))) {
	case ComplexityModerate:
		return ComplexityModerate
	case ComplexityComplex:
		return ComplexityComplex
	default:
		return ComplexitySimple
	}
}

// Methodology is an ordered sequence of phases plus run configuration.
type Methodology struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Version       string        `json:"version,omitempty"`
	Domains       []string      `json:"domains,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	Complexity    Complexity    `json:"complexity,omitempty"`
	Phases        []Phase       `json:"phases"`
	Configuration Configuration `json:"configuration"`
}

// Configuration holds per-methodology execution settings.
type Configuration struct {
	// MaxIterations caps re-entry of repeatable phases. Zero means unset.
	MaxIterations int `json:"maxIterations,omitempty"`
}

// Phase is one stage of a methodology.
type Phase struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Description   string         `json:"description,omitempty"`
	Tasks         []TaskTemplate `json:"tasks"`
	EntryCriteria Criteria       `json:"entryCriteria,omitempty"`
	ExitCriteria  Criteria       `json:"exitCriteria,omitempty"`
	Repeatable    bool           `json:"repeatable,omitempty"`
}

// PhaseIndex returns the position of the phase with the given id, or -1.
func (m *Methodology) PhaseIndex(id string) int {
	for i := range m.Phases {
		if m.Phases[i].ID == id {
			return i
		}
	}
	return -1
}

// TaskTemplate is a reusable blueprint instantiated once per phase attempt.
type TaskTemplate struct {
	ID                string                `json:"id"`
	Title             string                `json:"title"`
	Description       string                `json:"description,omitempty"`
	Complexity        Complexity            `json:"complexity,omitempty"`
	EstimatedDuration Duration              `json:"estimatedDuration,omitempty"`
	Requirements      []RequirementTemplate `json:"requirements,omitempty"`
	// Dependencies are template ids within the same phase.
	Dependencies []string `json:"dependencies,omitempty"`
	AssignedRole string   `json:"assignedRole,omitempty"`
}

// RequirementTemplate is the template-level descriptor of a requirement.
type RequirementTemplate struct {
	Description string `json:"description"`
	Type        string `json:"type,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// UnmarshalJSON accepts either a bare string (the description) or an object.
func (r *RequirementTemplate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = RequirementTemplate{Description: s}
		return nil
	}
	type plain RequirementTemplate
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = RequirementTemplate(p)
	return nil
}

// Duration is an estimated duration. In JSON it is either a Go duration
// string ("90m", "2h") or a number of hours.
type Duration time.Duration

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON encodes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = 0
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			// Bare numbers in strings are hours too.
			hours, numErr := strconv.ParseFloat(s, 64)
			if numErr != nil {
				return fmt.Errorf("invalid duration %q: %w", s, err)
			}
			if parsed, err = hoursDuration(hours); err != nil {
				return err
			}
		}
		if parsed < 0 {
			return fmt.Errorf("duration cannot be negative: %s", s)
		}
		*d = Duration(parsed)
		return nil
	}
	var hours float64
	if err := json.Unmarshal(data, &hours); err != nil {
		return fmt.Errorf("duration must be a string or number of hours: %w", err)
	}
	if hours < 0 {
		return fmt.Errorf("duration cannot be negative: %v", hours)
	}
	parsed, err := hoursDuration(hours)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// hoursDuration converts hours, rejecting values time.Duration cannot hold.
func hoursDuration(hours float64) (time.Duration, error) {
	ns := hours * float64(time.Hour)
	if math.IsNaN(ns) || ns >= math.MaxInt64 || ns <= math.MinInt64 {
		return 0, fmt.Errorf("duration out of range: %v hours", hours)
	}
	return time.Duration(ns), nil
}
