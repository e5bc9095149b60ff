package methodology

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperator_Compare(t *testing.T) {
	tests := []struct {
		op        Operator
		value     float64
		threshold float64
		want      bool
	}{
		{OpGreaterEqual, 0.82, 0.8, true},
		{OpGreaterEqual, 0.8, 0.8, true},
		{OpGreater, 0.8, 0.8, false},
		{OpLess, 0.82, 0.9, true},
		{OpLessEqual, 0.9, 0.9, true},
		{OpEqual, 0.82, 0.82, true},
		{OpEqual, 0.82, 0.8, false},
		{OpNotEqual, 0.82, 0.8, true},
		{Operator("~"), 1, 1, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.op.Compare(tt.value, tt.threshold))
		})
	}
}

func TestParseOperator(t *testing.T) {
	aliases := map[string]Operator{
		"<": OpLess, "lt": OpLess,
		"<=": OpLessEqual, "≤": OpLessEqual, "LTE": OpLessEqual,
		">": OpGreater, " gt ": OpGreater,
		">=": OpGreaterEqual, "≥": OpGreaterEqual,
		"==": OpEqual, "=": OpEqual, "eq": OpEqual,
		"!=": OpNotEqual, "≠": OpNotEqual, "neq": OpNotEqual,
	}
	for in, want := range aliases {
		got, err := ParseOperator(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseOperator("approximately")
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(ArtifactExists{ArtifactType: "report"}))
	assert.NoError(t, Validate(MetricThreshold{Metric: "coverage", Operator: OpGreater, Threshold: 0}))

	assert.ErrorIs(t, Validate(nil), ErrMissingField)
	assert.ErrorIs(t, Validate(ArtifactExists{}), ErrMissingField)
	assert.ErrorIs(t, Validate(RequirementSatisfied{}), ErrMissingField)
	assert.ErrorIs(t, Validate(PhaseCompleted{}), ErrMissingField)
	assert.ErrorIs(t, Validate(Custom{}), ErrMissingField)
	assert.ErrorIs(t, Validate(MetricThreshold{Metric: "coverage"}), ErrUnknownOperator)
}

func TestCriteria_JSON(t *testing.T) {
	in := Criteria{
		ArtifactExists{ArtifactType: "report"},
		RequirementSatisfied{RequirementID: "REQ-1"},
		MetricThreshold{Metric: "coverage", Operator: OpLessEqual, Threshold: 0},
		PhaseCompleted{PhaseID: "design"},
		Custom{Validator: "signed-off"},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"threshold":0`, "zero thresholds must survive encoding")

	var out Criteria
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestCriterion_String(t *testing.T) {
	assert.Equal(t, "metric-threshold(coverage >= 0.8)",
		MetricThreshold{Metric: "coverage", Operator: OpGreaterEqual, Threshold: 0.8}.String())
	assert.Equal(t, "phase-completed(design)", PhaseCompleted{PhaseID: "design"}.String())
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{`"90m"`, 90 * time.Minute, false},
		{`"2h"`, 2 * time.Hour, false},
		{`1.5`, 90 * time.Minute, false},
		{`"4"`, 4 * time.Hour, false},
		{`null`, 0, false},
		{`""`, 0, false},
		{`"-1h"`, 0, true},
		{`-2`, 0, true},
		{`"soon"`, 0, true},
		{`true`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}
}
