package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/collab"
	"github.com/openfab-lab/autonomy/internal/events"
	"github.com/openfab-lab/autonomy/internal/store"
)

var trkNow = time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)

// shiftingProbe returns baseline values until Shift is called, then the
// improved values, imitating the world changing between approval and
// measurement.
type shiftingProbe struct {
	shifted bool

	materialsBefore, materialsAfter int
	failuresBefore, failuresAfter   int
	fractionBefore, fractionAfter   float64
}

func (p *shiftingProbe) Shift() { p.shifted = true }

func (p *shiftingProbe) MaterialsCountForSlug(ctx context.Context, slug string) (int, error) {
	if p.shifted {
		return p.materialsAfter, nil
	}
	return p.materialsBefore, nil
}

func (p *shiftingProbe) FailuresByReason(ctx context.Context, since, until time.Time) (map[string]int, error) {
	n := p.failuresBefore
	if p.shifted {
		n = p.failuresAfter
	}
	return map[string]int{"bed_adhesion": n}, nil
}

func (p *shiftingProbe) FailureCostStats(ctx context.Context, since, until time.Time) (*collab.FailureCostStats, error) {
	return &collab.FailureCostStats{
		TotalPrints:     40,
		MeanFailureCost: decimal.RequireFromString("4.00"),
	}, nil
}

func (p *shiftingProbe) TierSpendFraction(ctx context.Context, since, until time.Time) (float64, error) {
	if p.shifted {
		return p.fractionAfter, nil
	}
	return p.fractionBefore, nil
}

func (p *shiftingProbe) TotalSpend(ctx context.Context, since, until time.Time) (decimal.Decimal, error) {
	return decimal.RequireFromString("20.00"), nil
}

// completeGoal drives a one-task project from approval to completion with
// the given spend, using the tracker for the baseline.
func completeGoal(t *testing.T, st *store.MemoryStore, trk *Tracker, g *store.Goal, completedAt time.Time, cost string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InsertGoal(ctx, g))

	baseline, err := trk.CaptureBaseline(ctx, g, completedAt)
	require.NoError(t, err)

	taskID := g.ID + "-t1"
	_, err = st.ApproveGoal(ctx, store.ApproveGoalParams{
		GoalID: g.ID, Approver: "operator", Now: completedAt,
		Plan: &store.ProjectPlan{
			Project: &store.Project{
				ID: g.ID + "-proj", GoalID: g.ID, Status: store.ProjectProposed,
				AllocatedBudgetUSD: decimal.RequireFromString("10.00"), CreatedAt: completedAt,
			},
			Tasks: []*store.Task{{
				ID: taskID, ProjectID: g.ID + "-proj", TaskType: "research_gather",
				Status: store.TaskReady, Priority: store.PriorityMedium, CreatedAt: completedAt,
			}},
		},
		BaselineMetrics: baseline,
		OutcomeID:       g.ID + "-outcome",
	})
	require.NoError(t, err)

	_, err = st.StartTask(ctx, taskID, completedAt)
	require.NoError(t, err)
	_, err = st.FinishTask(ctx, store.FinishTaskParams{
		TaskID: taskID, Status: store.TaskCompleted, Now: completedAt,
		CostUSD: decimal.RequireFromString(cost), CostCategory: store.CategoryAutonomous,
		IdempotencyKey: taskID + "-a1", LedgerEntryID: taskID + "-le",
	})
	require.NoError(t, err)
}

func TestMeasurementIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	probe := &shiftingProbe{materialsBefore: 0, materialsAfter: 2}
	trk := NewTracker(st, probe, events.Discard{}, zap.NewNop(), 30)

	g := &store.Goal{
		ID: "g1", Title: "research tpu", GoalType: store.GoalResearch,
		Status: store.GoalIdentified, LearnFrom: true,
		Metadata:  store.Metadata{"missing_slug": "tpu"},
		CreatedAt: trkNow.AddDate(0, 0, -31), UpdatedAt: trkNow.AddDate(0, 0, -31),
	}
	completeGoal(t, st, trk, g, trkNow.AddDate(0, 0, -31), "2.00")
	probe.Shift()

	n, err := trk.MeasureDue(ctx, trkNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second run in the same hour writes nothing.
	n, err = trk.MeasureDue(ctx, trkNow.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err := st.GetGoal(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, stored.EffectivenessScore)
	require.NotNil(t, stored.OutcomeMeasuredAt)

	o, err := st.GetOutcomeByGoal(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, o.MeasurementDate)
	assert.Equal(t, 2, o.OutcomeMetrics["kb_article_count_for_slug"])
}

func TestMeasurementNotDueBeforeWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	probe := &shiftingProbe{}
	trk := NewTracker(st, probe, events.Discard{}, zap.NewNop(), 30)

	g := &store.Goal{
		ID: "g1", Title: "research tpu", GoalType: store.GoalResearch,
		Status: store.GoalIdentified, LearnFrom: true,
		Metadata:  store.Metadata{"missing_slug": "tpu"},
		CreatedAt: trkNow.AddDate(0, 0, -10), UpdatedAt: trkNow.AddDate(0, 0, -10),
	}
	completeGoal(t, st, trk, g, trkNow.AddDate(0, 0, -10), "1.00")

	n, err := trk.MeasureDue(ctx, trkNow)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "ten days old is inside a thirty day window")
}

func TestImprovementEffectivenessComponents(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	// Failures drop from 8 to 2 after the fix.
	probe := &shiftingProbe{failuresBefore: 8, failuresAfter: 2}
	trk := NewTracker(st, probe, events.Discard{}, zap.NewNop(), 30)

	g := &store.Goal{
		ID: "g1", Title: "fix bed adhesion", GoalType: store.GoalImprovement,
		Status: store.GoalIdentified, LearnFrom: true,
		Metadata:  store.Metadata{"failure_reason": "bed_adhesion"},
		CreatedAt: trkNow.AddDate(0, 0, -31), UpdatedAt: trkNow.AddDate(0, 0, -31),
	}
	completeGoal(t, st, trk, g, trkNow.AddDate(0, 0, -31), "3.00")
	probe.Shift()

	n, err := trk.MeasureDue(ctx, trkNow)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	o, err := st.GetOutcomeByGoal(ctx, "g1")
	require.NoError(t, err)

	// impact: (8-2)/8 = 0.75
	assert.InDelta(t, 0.75, o.ImpactComponent, 1e-9)
	// roi: value 6*4.00=24 over cost 3.00 -> ratio 8 -> 8/9
	assert.InDelta(t, 8.0/9.0, o.ROIComponent, 1e-9)
	// adoption: 6 avoided failures through x/(x+3) -> 2/3
	assert.InDelta(t, 2.0/3.0, o.AdoptionComponent, 1e-9)
	assert.InDelta(t, 0.5, o.QualityComponent, 1e-9)

	want := 100 * (0.4*0.75 + 0.3*(8.0/9.0) + 0.2*(2.0/3.0) + 0.1*0.5)
	require.NotNil(t, o.EffectivenessScore)
	assert.InDelta(t, want, *o.EffectivenessScore, 1e-9)
}

func TestOptimizationRegressionScoresZeroImpact(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	// Spend mix got worse, not better.
	probe := &shiftingProbe{fractionBefore: 0.4, fractionAfter: 0.6}
	trk := NewTracker(st, probe, events.Discard{}, zap.NewNop(), 30)

	g := &store.Goal{
		ID: "g1", Title: "rebalance tiers", GoalType: store.GoalOptimization,
		Status: store.GoalIdentified, LearnFrom: true,
		CreatedAt: trkNow.AddDate(0, 0, -31), UpdatedAt: trkNow.AddDate(0, 0, -31),
	}
	completeGoal(t, st, trk, g, trkNow.AddDate(0, 0, -31), "1.00")
	probe.Shift()

	n, err := trk.MeasureDue(ctx, trkNow)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	o, err := st.GetOutcomeByGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Zero(t, o.ImpactComponent)
	assert.Zero(t, o.ROIComponent)
	assert.Zero(t, o.AdoptionComponent)
	// Only the default quality survives: 100 * 0.1 * 0.5 = 5.
	require.NotNil(t, o.EffectivenessScore)
	assert.InDelta(t, 5.0, *o.EffectivenessScore, 1e-9)
}
