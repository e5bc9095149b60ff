package orchestrator

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"
)

// Artifact is a work product recorded by the caller.
type Artifact struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name,omitempty"`
	Path     string            `json:"path,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExecutionContext is the caller-owned state criteria are evaluated against.
//
// The engine only reads it. Each evaluation point asks the ContextAccessor for
// a fresh snapshot, so the caller may advance the context between evaluations.
type ExecutionContext struct {
	Artifacts             map[string]Artifact `json:"artifacts"`
	SatisfiedRequirements map[string]bool     `json:"satisfied_requirements"`
	CompletedPhases       map[string]bool     `json:"completed_phases"`
	Metrics               map[string]float64  `json:"metrics"`
	Validators            *ValidatorRegistry  `json:"-"`
}

// NewExecutionContext returns an empty context using validators for custom criteria.
func NewExecutionContext(validators *ValidatorRegistry) *ExecutionContext {
	return &ExecutionContext{
		Artifacts:             make(map[string]Artifact),
		SatisfiedRequirements: make(map[string]bool),
		CompletedPhases:       make(map[string]bool),
		Metrics:               make(map[string]float64),
		Validators:            validators,
	}
}

// Clone copies the maps so the clone can be modified independently.
// The validator registry is shared.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	clone := &ExecutionContext{
		Artifacts:             maps.Clone(c.Artifacts),
		SatisfiedRequirements: maps.Clone(c.SatisfiedRequirements),
		CompletedPhases:       maps.Clone(c.CompletedPhases),
		Metrics:               maps.Clone(c.Metrics),
		Validators:            c.Validators,
	}
	if clone.Artifacts == nil {
		clone.Artifacts = make(map[string]Artifact)
	}
	if clone.SatisfiedRequirements == nil {
		clone.SatisfiedRequirements = make(map[string]bool)
	}
	if clone.CompletedPhases == nil {
		clone.CompletedPhases = make(map[string]bool)
	}
	if clone.Metrics == nil {
		clone.Metrics = make(map[string]float64)
	}
	return clone
}

// HasArtifactType reports whether any artifact has the given type.
func (c *ExecutionContext) HasArtifactType(artifactType string) bool {
	for _, a := range c.Artifacts {
		if a.Type == artifactType {
			return true
		}
	}
	return false
}

// ContextAccessor supplies the current execution context.
type ContextAccessor interface {
	Snapshot(ctx context.Context) *ExecutionContext
}

// ContextAccessorFunc adapts a function to ContextAccessor.
type ContextAccessorFunc func(ctx context.Context) *ExecutionContext

// Snapshot implements ContextAccessor.
func (f ContextAccessorFunc) Snapshot(ctx context.Context) *ExecutionContext {
	return f(ctx)
}

// ContextStore is a ContextAccessor backed by an in-memory context.
//
// It is safe for concurrent use, so task functions running in the same ready
// batch may record results at the same time.
type ContextStore struct {
	mu sync.RWMutex
	ec *ExecutionContext
}

// NewContextStore creates an empty store.
func NewContextStore(validators *ValidatorRegistry) *ContextStore {
	return &ContextStore{ec: NewExecutionContext(validators)}
}

// Snapshot returns a copy of the current context.
func (s *ContextStore) Snapshot(_ context.Context) *ExecutionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ec.Clone()
}

// AddArtifact records an artifact and returns its id. An id is generated
// when the artifact has none.
func (s *ContextStore) AddArtifact(a Artifact) string {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ec.Artifacts[a.ID] = a
	return a.ID
}

// SatisfyRequirement marks a requirement id as satisfied.
func (s *ContextStore) SatisfyRequirement(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ec.SatisfiedRequirements[id] = true
}

// SetMetric records a metric value, replacing any previous one.
func (s *ContextStore) SetMetric(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ec.Metrics[name] = value
}

// CompletePhase records a phase as completed.
func (s *ContextStore) CompletePhase(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ec.CompletedPhases[id] = true
}
