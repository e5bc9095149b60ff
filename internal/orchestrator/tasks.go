package orchestrator

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/phased/internal/methodology"
)

// TaskStatus is the lifecycle state of a task or requirement.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// RequirementSourceExplicit marks requirements copied from a task template.
const RequirementSourceExplicit = "explicit"

// Requirement is a requirement materialized for one task.
type Requirement struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Type        string     `json:"type,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Status      TaskStatus `json:"status"`
	Source      string     `json:"source"`
}

// Task is a task instantiated from a template for one workflow run.
type Task struct {
	ID                string                 `json:"id"`
	WorkflowID        string                 `json:"workflow_id"`
	MethodologyID     string                 `json:"methodology_id"`
	PhaseID           string                 `json:"phase_id"`
	TemplateID        string                 `json:"template_id"`
	Title             string                 `json:"title"`
	Description       string                 `json:"description,omitempty"`
	Complexity        methodology.Complexity `json:"complexity"`
	EstimatedDuration time.Duration          `json:"estimated_duration,omitempty"`
	DueDate           *time.Time             `json:"due_date,omitempty"`
	Requirements      []Requirement          `json:"requirements"`
	// Dependencies are template ids within the same phase.
	Dependencies []string   `json:"dependencies,omitempty"`
	AssignedRole string     `json:"assigned_role,omitempty"`
	Status       TaskStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Instantiate creates one task per template of phase, in declared order.
//
// Each task gets a fresh id. Requirement ids are "{templateId}-req-{index}".
// Due dates are now plus the template's estimated duration, when one is set.
func Instantiate(m *methodology.Methodology, phase *methodology.Phase, workflowID string, now time.Time) []*Task {
	var methodologyID string
	if m != nil {
		methodologyID = m.ID
	}

	tasks := make([]*Task, 0, len(phase.Tasks))
	for _, tmpl := range phase.Tasks {
		task := &Task{
			ID:                uuid.New().String(),
			WorkflowID:        workflowID,
			MethodologyID:     methodologyID,
			PhaseID:           phase.ID,
			TemplateID:        tmpl.ID,
			Title:             tmpl.Title,
			Description:       tmpl.Description,
			Complexity:        methodology.NormalizeComplexity(tmpl.Complexity),
			EstimatedDuration: tmpl.EstimatedDuration.Duration(),
			Requirements:      make([]Requirement, 0, len(tmpl.Requirements)),
			Dependencies:      slices.Clone(tmpl.Dependencies),
			AssignedRole:      tmpl.AssignedRole,
			Status:            StatusPending,
			CreatedAt:         now,
		}
		if d := tmpl.EstimatedDuration.Duration(); d > 0 {
			due := now.Add(d)
			task.DueDate = &due
		}
		for i, req := range tmpl.Requirements {
			task.Requirements = append(task.Requirements, Requirement{
				ID:          fmt.Sprintf("%s-req-%d", tmpl.ID, i),
				Description: req.Description,
				Type:        req.Type,
				Priority:    req.Priority,
				Status:      StatusPending,
				Source:      RequirementSourceExplicit,
			})
		}
		tasks = append(tasks, task)
	}
	return tasks
}
