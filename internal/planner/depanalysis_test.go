package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orchestrator/coderunner/internal/plan"
)

func newPlan(descriptions ...string) *plan.Plan {
	p := &plan.Plan{}
	for i, d := range descriptions {
		p.Steps = append(p.Steps, &plan.Step{
			Number:      itoa(i + 1),
			Description: d,
			Complexity:  plan.ComplexitySimple,
			Status:      plan.StatusPending,
		})
	}
	return p
}

func TestAnalyzeDependencies_TestingStepDependsOnCreationStep(t *testing.T) {
	p := newPlan(
		"Create the handler function for requests",
		"Write tests to verify the handler function works",
	)
	AnalyzeDependencies(p)

	assert.Equal(t, []string{"1"}, p.Steps[1].Dependencies)
	assert.Equal(t, []string{"2"}, p.Steps[0].Dependents)
}

func TestAnalyzeDependencies_SetupStepIsADependencyOfEverything(t *testing.T) {
	p := newPlan(
		"Set up the project configuration",
		"Implement the feature logic",
	)
	AnalyzeDependencies(p)
	assert.Contains(t, p.Steps[1].Dependencies, "1")
}

func TestAnalyzeDependencies_IndependentStepsGetNoDependency(t *testing.T) {
	p := newPlan(
		"Create the frontend component",
		"Create the backend handler",
	)
	AnalyzeDependencies(p)
	assert.Empty(t, p.Steps[1].Dependencies)
}

func TestExtractLabels_QuotedEntityBecomesArtifactAndRequirement(t *testing.T) {
	artifacts, requirements := extractLabels(`Create the "users" database table`)
	var gotArtifact, gotRequirement bool
	for _, a := range artifacts {
		if a.Word == "users" {
			gotArtifact = true
		}
	}
	for _, r := range requirements {
		if r.Word == "users" {
			gotRequirement = true
		}
	}
	assert.True(t, gotArtifact)
	assert.True(t, gotRequirement)
}

func TestClassifyBucket(t *testing.T) {
	assert.Equal(t, plan.BucketDatabase, classifyBucket("migration"))
	assert.Equal(t, plan.BucketAPI, classifyBucket("endpoint"))
	assert.Equal(t, plan.BucketUI, classifyBucket("component"))
	assert.Equal(t, plan.BucketFiles, classifyBucket("whatever.go"))
}

// TestAssignParallelGroups_SharedArtifactBlocksParallelism covers the same
// exclusion rule NextExecutableBatch enforces at runtime (internal/plan
// property 5), but asserted at plan-construction time via CanParallelize.
func TestAssignParallelGroups_SharedArtifactBlocksParallelism(t *testing.T) {
	p := newPlan(
		`Create the "handler.go" file for requests`,
		`Create the "handler.go" file for responses`,
	)
	AnalyzeDependencies(p)
	assert.False(t, p.Steps[0].CanParallelize)
	assert.False(t, p.Steps[1].CanParallelize)
}

func TestAssignParallelGroups_IndependentFrontierStepsCanParallelize(t *testing.T) {
	// Distinct creation verbs and nouns, so the two steps share no artifact
	// label (extractLabels labels every content word in a creation-verb
	// description, including the verb itself).
	p := newPlan(
		"Build the frontend component",
		"Write the backend handler",
	)
	AnalyzeDependencies(p)
	assert.True(t, p.Steps[0].CanParallelize)
	assert.True(t, p.Steps[1].CanParallelize)
	assert.Equal(t, p.Steps[0].ParallelGroup, p.Steps[1].ParallelGroup)
}
