// Package engine builds execution plans for approved goals and validates
// their dependency DAGs.
package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/store"
)

// taskSpec is one template slot. Deps index into the template by position.
type taskSpec struct {
	Type      string
	Priority  store.TaskPriority
	Deps      []int
	Strict    bool
	Critical  bool
	CostShare float64 // fraction of the goal's budget estimated for this task
}

// templates maps goal types to their task chains. The research chain is the
// canonical four-step pipeline; improvement inserts a non-critical test
// print whose downstream article does not require it to succeed.
var templates = map[store.GoalType][]taskSpec{
	store.GoalResearch: {
		{Type: "research_gather", Priority: store.PriorityHigh, Critical: false, CostShare: 0.40},
		{Type: "research_synthesize", Priority: store.PriorityHigh, Deps: []int{0}, Critical: true, CostShare: 0.35},
		{Type: "kb_create", Priority: store.PriorityMedium, Deps: []int{1}, Critical: true, CostShare: 0.15},
		{Type: "review_commit", Priority: store.PriorityMedium, Deps: []int{2}, Critical: false, CostShare: 0.10},
	},
	store.GoalImprovement: {
		{Type: "research_gather", Priority: store.PriorityHigh, Critical: false, CostShare: 0.30},
		{Type: "research_synthesize", Priority: store.PriorityHigh, Deps: []int{0}, Critical: true, CostShare: 0.25},
		{Type: "test_print", Priority: store.PriorityLow, Deps: []int{1}, Critical: false, CostShare: 0.25},
		{Type: "kb_create", Priority: store.PriorityMedium, Deps: []int{1, 2}, Strict: false, Critical: true, CostShare: 0.12},
		{Type: "review_commit", Priority: store.PriorityMedium, Deps: []int{3}, Critical: false, CostShare: 0.08},
	},
	store.GoalOptimization: {
		{Type: "research_synthesize", Priority: store.PriorityHigh, Critical: true, CostShare: 0.75},
		{Type: "review_commit", Priority: store.PriorityMedium, Deps: []int{0}, Critical: false, CostShare: 0.25},
	},
	store.GoalLearning: {
		{Type: "research_gather", Priority: store.PriorityMedium, Critical: false, CostShare: 0.70},
		{Type: "kb_create", Priority: store.PriorityMedium, Deps: []int{0}, Critical: true, CostShare: 0.30},
	},
	store.GoalExploration: {
		{Type: "research_gather", Priority: store.PriorityLow, Critical: false, CostShare: 0.70},
		{Type: "kb_create", Priority: store.PriorityLow, Deps: []int{0}, Critical: true, CostShare: 0.30},
	},
}

// BuildPlan instantiates the goal type's template into a project plus task
// DAG. Tasks with no dependencies start ready; the rest start pending.
// CreatedAt advances one nanosecond per slot so dispatch order follows the
// template even inside a single clock tick.
func BuildPlan(g *store.Goal, now time.Time) (*store.ProjectPlan, error) {
	tmpl, ok := templates[g.GoalType]
	if !ok {
		return nil, errcode.New(errcode.InvalidState, "no template for goal type %s", g.GoalType)
	}

	projectID := uuid.NewString()
	ids := make([]string, len(tmpl))
	for i := range tmpl {
		ids[i] = uuid.NewString()
	}

	tasks := make([]*store.Task, 0, len(tmpl))
	for i, spec := range tmpl {
		deps := make([]string, 0, len(spec.Deps))
		for _, d := range spec.Deps {
			deps = append(deps, ids[d])
		}
		status := store.TaskPending
		if len(deps) == 0 {
			status = store.TaskReady
		}
		tasks = append(tasks, &store.Task{
			ID:               ids[i],
			ProjectID:        projectID,
			TaskType:         spec.Type,
			Status:           status,
			Priority:         spec.Priority,
			DependsOn:        deps,
			StrictDeps:       spec.Strict,
			Critical:         spec.Critical,
			EstimatedCostUSD: g.BudgetLimitUSD.Mul(decimal.NewFromFloat(spec.CostShare)).Round(4),
			Payload: store.Metadata{
				"goal_id":    g.ID,
				"goal_title": g.Title,
				"goal_type":  string(g.GoalType),
			},
			CreatedAt: now.Add(time.Duration(i) * time.Nanosecond),
		})
	}

	plan := &store.ProjectPlan{
		Project: &store.Project{
			ID:                 projectID,
			GoalID:             g.ID,
			Status:             store.ProjectProposed,
			AllocatedBudgetUSD: g.BudgetLimitUSD,
			CreatedAt:          now,
		},
		Tasks: tasks,
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ValidatePlan rejects self or foreign dependencies and cycles. Cycle
// detection is Kahn's algorithm: if peeling zero-in-degree tasks cannot
// consume the whole set, what remains is cyclic.
func ValidatePlan(p *store.ProjectPlan) error {
	inPlan := make(map[string]*store.Task, len(p.Tasks))
	for _, t := range p.Tasks {
		inPlan[t.ID] = t
	}

	indegree := make(map[string]int, len(p.Tasks))
	dependents := make(map[string][]string)
	for _, t := range p.Tasks {
		if t.ProjectID != p.Project.ID {
			return errcode.New(errcode.InvalidState, "task %s belongs to project %s", t.ID, t.ProjectID)
		}
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return errcode.New(errcode.DependencyCycle, "task %s depends on itself", t.ID)
			}
			if _, ok := inPlan[dep]; !ok {
				return errcode.New(errcode.InvalidState, "task %s depends on %s outside the plan", t.ID, dep)
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []string
	for _, t := range p.Tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if seen != len(p.Tasks) {
		return errcode.New(errcode.DependencyCycle, "plan for project %s contains a cycle", p.Project.ID)
	}
	return nil
}
