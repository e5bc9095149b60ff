package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/methodology"
)

// CriterionResult is the outcome of evaluating one criterion.
type CriterionResult struct {
	Criterion methodology.Criterion `json:"-"`
	Satisfied bool                  `json:"satisfied"`
	Reason    string                `json:"reason"`
}

// MarshalJSON includes a readable form of the criterion.
func (r CriterionResult) MarshalJSON() ([]byte, error) {
	var name string
	if r.Criterion != nil {
		name = r.Criterion.String()
	}
	return json.Marshal(struct {
		Criterion string `json:"criterion"`
		Satisfied bool   `json:"satisfied"`
		Reason    string `json:"reason"`
	}{name, r.Satisfied, r.Reason})
}

// Evaluation is the outcome of evaluating a list of criteria.
type Evaluation struct {
	Results   []CriterionResult
	Satisfied bool
}

// Reason joins the reasons of the unsatisfied criteria.
func (e Evaluation) Reason() string {
	var parts []string
	for _, r := range e.Results {
		if !r.Satisfied {
			parts = append(parts, r.Reason)
		}
	}
	return strings.Join(parts, "; ")
}

// Evaluator checks criteria against an execution context.
//
// Evaluation never fails: incomplete criteria, missing context entries,
// missing validators and validator errors or panics all produce an
// unsatisfied result with a reason.
type Evaluator struct {
	logger *logging.Logger
}

// NewEvaluator creates an evaluator. logger may be nil.
func NewEvaluator(logger *logging.Logger) *Evaluator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Evaluator{logger: logger}
}

// Evaluate checks a single criterion.
func (e *Evaluator) Evaluate(ctx context.Context, c methodology.Criterion, ec *ExecutionContext) CriterionResult {
	if c == nil {
		return unsatisfied(nil, "missing criterion")
	}
	if err := methodology.Validate(c); err != nil {
		return unsatisfied(c, fmt.Sprintf("incomplete criterion %s: %v", c, err))
	}
	if ec == nil {
		return unsatisfied(c, "no execution context")
	}

	switch v := c.(type) {
	case methodology.ArtifactExists:
		if ec.HasArtifactType(v.ArtifactType) {
			return satisfied(c, fmt.Sprintf("artifact of type %q present", v.ArtifactType))
		}
		return unsatisfied(c, fmt.Sprintf("no artifact of type %q", v.ArtifactType))

	case methodology.RequirementSatisfied:
		if ec.SatisfiedRequirements[v.RequirementID] {
			return satisfied(c, fmt.Sprintf("requirement %q satisfied", v.RequirementID))
		}
		return unsatisfied(c, fmt.Sprintf("requirement %q not satisfied", v.RequirementID))

	case methodology.MetricThreshold:
		value, ok := ec.Metrics[v.Metric]
		if !ok {
			return unsatisfied(c, fmt.Sprintf("metric %q not recorded", v.Metric))
		}
		reason := fmt.Sprintf("metric %q is %s, want %s %s",
			v.Metric, strconv.FormatFloat(value, 'g', -1, 64), v.Operator, strconv.FormatFloat(v.Threshold, 'g', -1, 64))
		if v.Operator.Compare(value, v.Threshold) {
			return satisfied(c, reason)
		}
		return unsatisfied(c, reason)

	case methodology.PhaseCompleted:
		if ec.CompletedPhases[v.PhaseID] {
			return satisfied(c, fmt.Sprintf("phase %q completed", v.PhaseID))
		}
		return unsatisfied(c, fmt.Sprintf("phase %q not completed", v.PhaseID))

	case methodology.Custom:
		return e.evaluateCustom(ctx, v, ec)
	}

	return unsatisfied(c, fmt.Sprintf("unsupported criterion %s", c.Kind()))
}

func (e *Evaluator) evaluateCustom(ctx context.Context, c methodology.Custom, ec *ExecutionContext) (result CriterionResult) {
	validator, ok := ec.Validators.Lookup(c.Validator)
	if !ok {
		return unsatisfied(c, fmt.Sprintf("validator not found: %s", c.Validator))
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn(ctx, "custom validator panicked",
				zap.String("validator", c.Validator),
				zap.Any("panic", r))
			result = unsatisfied(c, fmt.Sprintf("validator %s panicked: %v", c.Validator, r))
		}
	}()

	ok, err := validator.Validate(ctx, ec)
	if err != nil {
		e.logger.Debug(ctx, "custom validator failed",
			zap.String("validator", c.Validator),
			zap.Error(err))
		return unsatisfied(c, err.Error())
	}
	if !ok {
		return unsatisfied(c, fmt.Sprintf("validator %s not satisfied", c.Validator))
	}
	return satisfied(c, fmt.Sprintf("validator %s satisfied", c.Validator))
}

// EvaluateAll checks criteria in declared order. An empty list is satisfied.
func (e *Evaluator) EvaluateAll(ctx context.Context, cs methodology.Criteria, ec *ExecutionContext) Evaluation {
	eval := Evaluation{
		Results:   make([]CriterionResult, 0, len(cs)),
		Satisfied: true,
	}
	for _, c := range cs {
		r := e.Evaluate(ctx, c, ec)
		if !r.Satisfied {
			eval.Satisfied = false
		}
		eval.Results = append(eval.Results, r)
	}
	return eval
}

func satisfied(c methodology.Criterion, reason string) CriterionResult {
	return CriterionResult{Criterion: c, Satisfied: true, Reason: reason}
}

func unsatisfied(c methodology.Criterion, reason string) CriterionResult {
	return CriterionResult{Criterion: c, Reason: reason}
}
