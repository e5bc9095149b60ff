package methodology

import (
	"errors"
	"strings"
)

// Errors returned while decoding methodology documents.
var (
	ErrInvalidMethodology = errors.New("invalid methodology")
	ErrMissingField       = errors.New("missing required field")
	ErrUnknownCriterion   = errors.New("unknown criterion type")
	ErrUnknownOperator    = errors.New("unknown operator")
	ErrDuplicateID        = errors.New("duplicate id")
)

// ValidationError locates a structural problem in a methodology document.
type ValidationError struct {
	// Field is a dotted path such as "phases[1].exitCriteria[0].metric".
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func missing(field string) error {
	return &ValidationError{Field: field, Err: ErrMissingField}
}

// prefixField nests err under prefix, keeping the innermost cause.
func prefixField(prefix string, err error) error {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Field: prefix, Err: err}
	}
	field := ve.Field
	switch {
	case field == "":
		field = prefix
	case strings.HasPrefix(field, "["):
		field = prefix + field
	default:
		field = prefix + "." + field
	}
	return &ValidationError{Field: field, Err: ve.Err}
}
