package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrInvalidValidator is returned when registering a validator without a name
// or implementation.
var ErrInvalidValidator = errors.New("invalid validator")

// Validator backs a custom criterion.
//
// Validate reports whether the criterion holds. A returned error means the
// check itself could not run; the criterion is then unsatisfied and the error
// message becomes the reason.
type Validator interface {
	Validate(ctx context.Context, ec *ExecutionContext) (bool, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, ec *ExecutionContext) (bool, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, ec *ExecutionContext) (bool, error) {
	return f(ctx, ec)
}

// ValidatorRegistry maps names used by custom criteria to validators.
// Validators are registered by the caller before a run starts.
type ValidatorRegistry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewValidatorRegistry creates an empty registry.
func NewValidatorRegistry() *ValidatorRegistry {
	return &ValidatorRegistry{validators: make(map[string]Validator)}
}

// Register adds or replaces the validator for name.
func (r *ValidatorRegistry) Register(name string, v Validator) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidValidator)
	}
	if v == nil {
		return fmt.Errorf("%w: nil validator for %q", ErrInvalidValidator, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = v
	return nil
}

// Lookup returns the validator registered under name.
func (r *ValidatorRegistry) Lookup(name string) (Validator, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	return v, ok
}

// Names returns the registered names in sorted order.
func (r *ValidatorRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.validators))
	for name := range r.validators {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
