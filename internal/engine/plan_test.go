package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/store"
)

func testGoal(goalType store.GoalType) *store.Goal {
	return &store.Goal{
		ID:             "g1",
		Title:          "investigate adhesion",
		GoalType:       goalType,
		Status:         store.GoalIdentified,
		BudgetLimitUSD: decimal.RequireFromString("10.00"),
	}
}

func TestBuildPlanResearchChain(t *testing.T) {
	now := time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)
	plan, err := BuildPlan(testGoal(store.GoalResearch), now)
	require.NoError(t, err)

	require.Len(t, plan.Tasks, 4)
	assert.Equal(t, store.ProjectProposed, plan.Project.Status)
	assert.Equal(t, "10", plan.Project.AllocatedBudgetUSD.String())

	types := make([]string, len(plan.Tasks))
	for i, task := range plan.Tasks {
		types[i] = task.TaskType
	}
	assert.Equal(t, []string{"research_gather", "research_synthesize", "kb_create", "review_commit"}, types)

	// Linear chain: each task depends on the previous one; only the first
	// starts ready.
	assert.Empty(t, plan.Tasks[0].DependsOn)
	assert.Equal(t, store.TaskReady, plan.Tasks[0].Status)
	for i := 1; i < 4; i++ {
		assert.Equal(t, []string{plan.Tasks[i-1].ID}, plan.Tasks[i].DependsOn)
		assert.Equal(t, store.TaskPending, plan.Tasks[i].Status)
	}

	// Dispatch order is preserved through CreatedAt even within one tick.
	for i := 1; i < 4; i++ {
		assert.True(t, plan.Tasks[i].CreatedAt.After(plan.Tasks[i-1].CreatedAt))
	}
}

func TestBuildPlanImprovementTestPrintIsOptional(t *testing.T) {
	now := time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)
	plan, err := BuildPlan(testGoal(store.GoalImprovement), now)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 5)

	var testPrint, kbCreate *store.Task
	for _, task := range plan.Tasks {
		switch task.TaskType {
		case "test_print":
			testPrint = task
		case "kb_create":
			kbCreate = task
		}
	}
	require.NotNil(t, testPrint)
	require.NotNil(t, kbCreate)

	assert.False(t, testPrint.Critical, "a failed test print must not sink the project")
	assert.False(t, kbCreate.StrictDeps, "kb_create proceeds when test_print is skipped")
	assert.Contains(t, kbCreate.DependsOn, testPrint.ID)
}

func TestBuildPlanCostSharesSumToBudget(t *testing.T) {
	now := time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)
	for _, goalType := range []store.GoalType{
		store.GoalResearch, store.GoalImprovement, store.GoalOptimization,
		store.GoalLearning, store.GoalExploration,
	} {
		plan, err := BuildPlan(testGoal(goalType), now)
		require.NoError(t, err)

		sum := decimal.Zero
		for _, task := range plan.Tasks {
			sum = sum.Add(task.EstimatedCostUSD)
		}
		assert.True(t, sum.Equal(decimal.RequireFromString("10.00")),
			"%s estimates sum to %s", goalType, sum)
	}
}

func TestValidatePlanRejectsCycle(t *testing.T) {
	p := &store.ProjectPlan{
		Project: &store.Project{ID: "p1"},
		Tasks: []*store.Task{
			{ID: "a", ProjectID: "p1", DependsOn: []string{"c"}},
			{ID: "b", ProjectID: "p1", DependsOn: []string{"a"}},
			{ID: "c", ProjectID: "p1", DependsOn: []string{"b"}},
		},
	}
	err := ValidatePlan(p)
	assert.True(t, errcode.HasCode(err, errcode.DependencyCycle))
}

func TestValidatePlanRejectsSelfAndForeignDeps(t *testing.T) {
	self := &store.ProjectPlan{
		Project: &store.Project{ID: "p1"},
		Tasks:   []*store.Task{{ID: "a", ProjectID: "p1", DependsOn: []string{"a"}}},
	}
	assert.True(t, errcode.HasCode(ValidatePlan(self), errcode.DependencyCycle))

	foreign := &store.ProjectPlan{
		Project: &store.Project{ID: "p1"},
		Tasks:   []*store.Task{{ID: "a", ProjectID: "p1", DependsOn: []string{"elsewhere"}}},
	}
	assert.True(t, errcode.HasCode(ValidatePlan(foreign), errcode.InvalidState))
}

func TestBuildPlanUnknownGoalType(t *testing.T) {
	_, err := BuildPlan(testGoal(store.GoalType("bogus")), time.Now())
	assert.True(t, errcode.HasCode(err, errcode.InvalidState))
}
