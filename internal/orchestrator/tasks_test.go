package orchestrator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phased/internal/methodology"
)

func TestInstantiate(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	m := &methodology.Methodology{ID: "research-sprint"}
	phase := &methodology.Phase{
		ID: "discover",
		Tasks: []methodology.TaskTemplate{
			{
				ID:                "survey",
				Title:             "Survey sources",
				Complexity:        "complex",
				EstimatedDuration: methodology.Duration(2 * time.Hour),
				Requirements: []methodology.RequirementTemplate{
					{Description: "list ten sources"},
					{Description: "rank sources", Priority: "high"},
				},
				AssignedRole: "researcher",
			},
			{
				ID:           "summarize",
				Title:        "Summarize",
				Complexity:   "heroic",
				Dependencies: []string{"survey"},
			},
		},
	}

	tasks := Instantiate(m, phase, "wf-1", now)
	require.Len(t, tasks, 2)

	survey := tasks[0]
	assert.Equal(t, "survey", survey.TemplateID)
	assert.Equal(t, "wf-1", survey.WorkflowID)
	assert.Equal(t, "research-sprint", survey.MethodologyID)
	assert.Equal(t, "discover", survey.PhaseID)
	assert.Equal(t, methodology.ComplexityComplex, survey.Complexity)
	assert.Equal(t, StatusPending, survey.Status)
	assert.Equal(t, "researcher", survey.AssignedRole)
	require.NotNil(t, survey.DueDate)
	assert.Equal(t, now.Add(2*time.Hour), *survey.DueDate)
	require.Len(t, survey.Requirements, 2)
	assert.Equal(t, Requirement{
		ID:          "survey-req-0",
		Description: "list ten sources",
		Status:      StatusPending,
		Source:      RequirementSourceExplicit,
	}, survey.Requirements[0])
	assert.Equal(t, "survey-req-1", survey.Requirements[1].ID)
	assert.Equal(t, "high", survey.Requirements[1].Priority)

	summarize := tasks[1]
	assert.Equal(t, methodology.ComplexitySimple, summarize.Complexity, "unknown complexity collapses to simple")
	assert.Nil(t, summarize.DueDate)
	assert.Empty(t, summarize.Requirements)
	assert.Equal(t, []string{"survey"}, summarize.Dependencies)
}

func TestInstantiate_RoundTrip(t *testing.T) {
	phase := &methodology.Phase{ID: "p"}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		phase.Tasks = append(phase.Tasks, methodology.TaskTemplate{ID: id})
	}

	first := Instantiate(&methodology.Methodology{ID: "m"}, phase, "wf", time.Now())
	second := Instantiate(&methodology.Methodology{ID: "m"}, phase, "wf", time.Now())
	require.Len(t, first, len(phase.Tasks))

	seen := make(map[string]bool)
	for i, task := range first {
		assert.Equal(t, phase.Tasks[i].ID, task.TemplateID)
		assert.NotEqual(t, task.TemplateID, task.ID)
		_, err := uuid.Parse(task.ID)
		assert.NoError(t, err)
		assert.False(t, seen[task.ID], "task ids must be unique")
		seen[task.ID] = true
		assert.NotEqual(t, task.ID, second[i].ID, "each instantiation gets fresh ids")
	}
}

func TestInstantiate_DependenciesAreCopied(t *testing.T) {
	deps := []string{"a"}
	phase := &methodology.Phase{ID: "p", Tasks: []methodology.TaskTemplate{{ID: "b", Dependencies: deps}}}

	tasks := Instantiate(nil, phase, "wf", time.Now())
	tasks[0].Dependencies[0] = "changed"

	assert.Equal(t, "a", deps[0])
	assert.Empty(t, tasks[0].MethodologyID)
}
