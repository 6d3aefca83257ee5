package api

import (
	"github.com/openfab-lab/autonomy/internal/store"
)

// JSON views. Money renders as fixed-point strings; the store types stay
// free of transport tags.

func goalView(g *store.Goal) map[string]any {
	v := map[string]any{
		"id":                    g.ID,
		"title":                 g.Title,
		"description":           g.Description,
		"goal_type":             string(g.GoalType),
		"status":                string(g.Status),
		"base_impact_score":     g.BaseImpactScore,
		"adjustment_factor":     g.AdjustmentFactor,
		"adjusted_impact_score": g.AdjustedImpactScore,
		"estimated_cost_usd":    g.EstimatedCostUSD.StringFixed(4),
		"budget_limit_usd":      g.BudgetLimitUSD.StringFixed(4),
		"learn_from":            g.LearnFrom,
		"created_at":            g.CreatedAt,
		"updated_at":            g.UpdatedAt,
	}
	if g.ApprovedBy != "" {
		v["approved_by"] = g.ApprovedBy
		v["approved_at"] = g.ApprovedAt
		v["approval_notes"] = g.ApprovalNotes
	}
	if g.OutcomeMeasuredAt != nil {
		v["outcome_measured_at"] = g.OutcomeMeasuredAt
		v["effectiveness_score"] = g.EffectivenessScore
	}
	if g.LastError != "" {
		v["last_error"] = g.LastError
	}
	if len(g.Metadata) > 0 {
		v["metadata"] = g.Metadata
	}
	return v
}

func projectView(p *store.Project) map[string]any {
	v := map[string]any{
		"id":                   p.ID,
		"goal_id":              p.GoalID,
		"status":               string(p.Status),
		"allocated_budget_usd": p.AllocatedBudgetUSD.StringFixed(4),
		"spent_budget_usd":     p.SpentBudgetUSD.StringFixed(4),
		"created_at":           p.CreatedAt,
	}
	if p.StartedAt != nil {
		v["started_at"] = p.StartedAt
	}
	if p.CompletedAt != nil {
		v["completed_at"] = p.CompletedAt
		v["actual_cost_usd"] = p.ActualCostUSD.StringFixed(4)
		v["actual_duration_hours"] = p.ActualDurationHours
	}
	if p.LastError != "" {
		v["last_error"] = p.LastError
	}
	return v
}

func taskView(t *store.Task) map[string]any {
	v := map[string]any{
		"id":                 t.ID,
		"project_id":         t.ProjectID,
		"task_type":          t.TaskType,
		"status":             string(t.Status),
		"priority":           string(t.Priority),
		"depends_on":         t.DependsOn,
		"strict_deps":        t.StrictDeps,
		"critical":           t.Critical,
		"estimated_cost_usd": t.EstimatedCostUSD.StringFixed(4),
		"attempt_count":      t.AttemptCount,
		"created_at":         t.CreatedAt,
	}
	if t.Status.Terminal() {
		v["actual_cost_usd"] = t.ActualCostUSD.StringFixed(4)
		v["completed_at"] = t.CompletedAt
	}
	if len(t.Result) > 0 {
		v["result"] = t.Result
	}
	if t.LastError != "" {
		v["last_error"] = t.LastError
	}
	if t.NotBefore != nil {
		v["not_before"] = t.NotBefore
	}
	return v
}

func outcomeView(o *store.GoalOutcome) map[string]any {
	v := map[string]any{
		"goal_id":          o.GoalID,
		"baseline_date":    o.BaselineDate,
		"baseline_metrics": o.BaselineMetrics,
	}
	if o.MeasurementDate != nil {
		v["measurement_date"] = o.MeasurementDate
		v["outcome_metrics"] = o.OutcomeMetrics
		v["impact_component"] = o.ImpactComponent
		v["roi_component"] = o.ROIComponent
		v["adoption_component"] = o.AdoptionComponent
		v["quality_component"] = o.QualityComponent
		v["effectiveness_score"] = o.EffectivenessScore
	}
	return v
}

func ledgerView(e *store.LedgerEntry) map[string]any {
	return map[string]any{
		"id":         e.ID,
		"when":       e.When,
		"category":   string(e.Category),
		"amount_usd": e.AmountUSD.StringFixed(4),
		"task_id":    e.TaskID,
	}
}
