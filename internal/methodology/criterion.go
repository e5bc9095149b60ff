package methodology

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates criterion variants.
type Kind string

const (
	KindArtifactExists       Kind = "artifact-exists"
	KindRequirementSatisfied Kind = "requirement-satisfied"
	KindMetricThreshold      Kind = "metric-threshold"
	KindPhaseCompleted       Kind = "phase-completed"
	KindCustom               Kind = "custom"
)

// Criterion is a predicate gating phase entry or exit.
//
// The set of implementations is closed: ArtifactExists, RequirementSatisfied,
// MetricThreshold, PhaseCompleted and Custom.
type Criterion interface {
	Kind() Kind
	String() string
	validate() error
}

// ArtifactExists holds when some artifact of ArtifactType is present.
type ArtifactExists struct {
	ArtifactType string
}

func (ArtifactExists) Kind() Kind { return KindArtifactExists }

func (c ArtifactExists) String() string {
	return fmt.Sprintf("artifact-exists(%s)", c.ArtifactType)
}

func (c ArtifactExists) validate() error {
	if c.ArtifactType == "" {
		return missing("artifactType")
	}
	return nil
}

// RequirementSatisfied holds when RequirementID has been satisfied.
type RequirementSatisfied struct {
	RequirementID string
}

func (RequirementSatisfied) Kind() Kind { return KindRequirementSatisfied }

func (c RequirementSatisfied) String() string {
	return fmt.Sprintf("requirement-satisfied(%s)", c.RequirementID)
}

func (c RequirementSatisfied) validate() error {
	if c.RequirementID == "" {
		return missing("requirementId")
	}
	return nil
}

// MetricThreshold compares a named metric against Threshold.
type MetricThreshold struct {
	Metric    string
	Operator  Operator
	Threshold float64
}

func (MetricThreshold) Kind() Kind { return KindMetricThreshold }

func (c MetricThreshold) String() string {
	return fmt.Sprintf("metric-threshold(%s %s %s)", c.Metric, c.Operator, formatFloat(c.Threshold))
}

func (c MetricThreshold) validate() error {
	if c.Metric == "" {
		return missing("metric")
	}
	if !c.Operator.Valid() {
		return &ValidationError{Field: "operator", Err: fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)}
	}
	return nil
}

// PhaseCompleted holds when PhaseID is among the completed phases.
type PhaseCompleted struct {
	PhaseID string
}

func (PhaseCompleted) Kind() Kind { return KindPhaseCompleted }

func (c PhaseCompleted) String() string {
	return fmt.Sprintf("phase-completed(%s)", c.PhaseID)
}

func (c PhaseCompleted) validate() error {
	if c.PhaseID == "" {
		return missing("phaseId")
	}
	return nil
}

// Custom delegates to a validator registered under Validator.
type Custom struct {
	Validator string
}

func (Custom) Kind() Kind { return KindCustom }

func (c Custom) String() string {
	return fmt.Sprintf("custom(%s)", c.Validator)
}

func (c Custom) validate() error {
	if c.Validator == "" {
		return missing("customValidator")
	}
	return nil
}

// Validate reports whether a criterion is complete.
func Validate(c Criterion) error {
	if c == nil {
		return &ValidationError{Field: "criterion", Err: ErrMissingField}
	}
	return c.validate()
}

// Operator is a metric comparison operator.
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

var operatorAliases = map[string]Operator{
	"<": OpLess, "lt": OpLess,
	"<=": OpLessEqual, "≤": OpLessEqual, "lte": OpLessEqual,
	">": OpGreater, "gt": OpGreater,
	">=": OpGreaterEqual, "≥": OpGreaterEqual, "gte": OpGreaterEqual,
	"==": OpEqual, "=": OpEqual, "eq": OpEqual,
	"!=": OpNotEqual, "≠": OpNotEqual, "ne": OpNotEqual, "neq": OpNotEqual,
}

// ParseOperator normalizes an operator spelling.
func ParseOperator(s string) (Operator, error) {
	if op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperator, s)
}

// Valid reports whether o is one of the six canonical operators.
func (o Operator) Valid() bool {
	switch o {
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// Compare applies the operator as "value o threshold".
// An invalid operator never holds.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpLess:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpGreater:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	}
	return false
}

// Criteria is an ordered list of criteria with a tagged JSON encoding.
type Criteria []Criterion

type criterionDoc struct {
	Type            string   `json:"type"`
	ArtifactType    string   `json:"artifactType,omitempty"`
	RequirementID   string   `json:"requirementId,omitempty"`
	Metric          string   `json:"metric,omitempty"`
	Operator        string   `json:"operator,omitempty"`
	Threshold       *float64 `json:"threshold,omitempty"`
	PhaseID         string   `json:"phaseId,omitempty"`
	CustomValidator string   `json:"customValidator,omitempty"`
}

// MarshalJSON encodes each criterion with its "type" tag.
func (cs Criteria) MarshalJSON() ([]byte, error) {
	docs := make([]criterionDoc, 0, len(cs))
	for _, c := range cs {
		doc, err := encodeCriterion(c)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return json.Marshal(docs)
}

// UnmarshalJSON decodes and validates tagged criteria.
func (cs *Criteria) UnmarshalJSON(data []byte) error {
	var docs []criterionDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return err
	}
	out := make(Criteria, 0, len(docs))
	for i, doc := range docs {
		c, err := decodeCriterion(doc)
		if err != nil {
			return prefixField(fmt.Sprintf("[%d]", i), err)
		}
		out = append(out, c)
	}
	*cs = out
	return nil
}

func encodeCriterion(c Criterion) (criterionDoc, error) {
	switch v := c.(type) {
	case ArtifactExists:
		return criterionDoc{Type: string(KindArtifactExists), ArtifactType: v.ArtifactType}, nil
	case RequirementSatisfied:
		return criterionDoc{Type: string(KindRequirementSatisfied), RequirementID: v.RequirementID}, nil
	case MetricThreshold:
		t := v.Threshold
		return criterionDoc{Type: string(KindMetricThreshold), Metric: v.Metric, Operator: string(v.Operator), Threshold: &t}, nil
	case PhaseCompleted:
		return criterionDoc{Type: string(KindPhaseCompleted), PhaseID: v.PhaseID}, nil
	case Custom:
		return criterionDoc{Type: string(KindCustom), CustomValidator: v.Validator}, nil
	}
	return criterionDoc{}, fmt.Errorf("%w: %T", ErrUnknownCriterion, c)
}

func decodeCriterion(doc criterionDoc) (Criterion, error) {
	var c Criterion
	switch Kind(doc.Type) {
	case KindArtifactExists:
		c = ArtifactExists{ArtifactType: doc.ArtifactType}
	case KindRequirementSatisfied:
		c = RequirementSatisfied{RequirementID: doc.RequirementID}
	case KindMetricThreshold:
		if doc.Threshold == nil {
			return nil, missing("threshold")
		}
		if doc.Operator == "" {
			return nil, missing("operator")
		}
		op, err := ParseOperator(doc.Operator)
		if err != nil {
			return nil, &ValidationError{Field: "operator", Err: err}
		}
		c = MetricThreshold{Metric: doc.Metric, Operator: op, Threshold: *doc.Threshold}
	case KindPhaseCompleted:
		c = PhaseCompleted{PhaseID: doc.PhaseID}
	case KindCustom:
		c = Custom{Validator: doc.CustomValidator}
	default:
		return nil, &ValidationError{Field: "type", Err: fmt.Errorf("%w: %q", ErrUnknownCriterion, doc.Type)}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
