package approval

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/clock"
	"github.com/openfab-lab/autonomy/internal/collab"
	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/events"
	"github.com/openfab-lab/autonomy/internal/outcome"
	"github.com/openfab-lab/autonomy/internal/store"
)

var apprNow = time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)

// flatProbe answers every metric query with a constant.
type flatProbe struct{}

func (flatProbe) MaterialsCountForSlug(ctx context.Context, slug string) (int, error) {
	return 3, nil
}
func (flatProbe) FailuresByReason(ctx context.Context, since, until time.Time) (map[string]int, error) {
	return map[string]int{"bed_adhesion": 5}, nil
}
func (flatProbe) FailureCostStats(ctx context.Context, since, until time.Time) (*collab.FailureCostStats, error) {
	return &collab.FailureCostStats{TotalPrints: 20, MeanFailureCost: decimal.RequireFromString("4.00")}, nil
}
func (flatProbe) TierSpendFraction(ctx context.Context, since, until time.Time) (float64, error) {
	return 0.4, nil
}
func (flatProbe) TotalSpend(ctx context.Context, since, until time.Time) (decimal.Decimal, error) {
	return decimal.RequireFromString("20.00"), nil
}

// recorder captures published events.
type recorder struct{ got []events.Event }

func (r *recorder) Publish(e events.Event) { r.got = append(r.got, e) }

func newWorkflow(st *store.MemoryStore, rec *recorder) *Workflow {
	trk := outcome.NewTracker(st, flatProbe{}, events.Discard{}, zap.NewNop(), 30)
	return New(st, trk, rec, &clock.Fixed{Instant: apprNow}, zap.NewNop())
}

func seedGoal(t *testing.T, st *store.MemoryStore, id string) *store.Goal {
	t.Helper()
	g := &store.Goal{
		ID:             id,
		Title:          "research tpu printing",
		GoalType:       store.GoalResearch,
		Status:         store.GoalIdentified,
		BudgetLimitUSD: decimal.RequireFromString("8.00"),
		LearnFrom:      true,
		Metadata:       store.Metadata{"missing_slug": "tpu"},
		CreatedAt:      apprNow.Add(-time.Hour),
		UpdatedAt:      apprNow.Add(-time.Hour),
	}
	require.NoError(t, st.InsertGoal(context.Background(), g))
	return g
}

func TestApproveCreatesProjectWithTaskChain(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := &recorder{}
	w := newWorkflow(st, rec)

	seedGoal(t, st, "g1")

	p, err := w.Approve(ctx, "g1", "operator", "looks useful")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, store.ProjectProposed, p.Status)
	assert.True(t, p.AllocatedBudgetUSD.Equal(decimal.RequireFromString("8.00")),
		"allocated budget equals the goal budget limit")

	g, err := st.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, store.GoalApproved, g.Status)
	assert.Equal(t, "operator", g.ApprovedBy)
	assert.True(t, g.BaselineCaptured)

	tasks, err := st.ListTasksByProject(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	// Only the dependency-free head starts ready.
	ready := 0
	for _, task := range tasks {
		if task.Status == store.TaskReady {
			ready++
		}
	}
	assert.Equal(t, 1, ready)

	// Baseline lands in the outcome row at approval time.
	o, err := st.GetOutcomeByGoal(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, 3, o.BaselineMetrics["kb_article_count_for_slug"])
	assert.Nil(t, o.MeasurementDate)

	require.Len(t, rec.got, 1)
	assert.Equal(t, events.GoalApproved, rec.got[0].Kind)
	assert.Equal(t, p.ID, rec.got[0].ProjectID)
}

func TestApproveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := &recorder{}
	w := newWorkflow(st, rec)

	seedGoal(t, st, "g1")

	first, err := w.Approve(ctx, "g1", "operator", "")
	require.NoError(t, err)
	second, err := w.Approve(ctx, "g1", "someone-else", "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "replay returns the existing project")
	tasks, err := st.ListTasksByProject(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 4, "replay creates no new tasks")

	// The original decision stands.
	g, err := st.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "operator", g.ApprovedBy)

	assert.Len(t, rec.got, 1, "only the first approval publishes an event")
}

func TestRejectRecordsDecision(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := &recorder{}
	w := newWorkflow(st, rec)

	seedGoal(t, st, "g1")

	require.NoError(t, w.Reject(ctx, "g1", "operator", "too speculative"))

	g, err := st.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, store.GoalRejected, g.Status)
	assert.Equal(t, "too speculative", g.ApprovalNotes)

	require.Len(t, rec.got, 1)
	assert.Equal(t, events.GoalRejected, rec.got[0].Kind)
}

func TestRejectAfterApproveFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	w := newWorkflow(st, &recorder{})

	seedGoal(t, st, "g1")
	_, err := w.Approve(ctx, "g1", "operator", "")
	require.NoError(t, err)

	err = w.Reject(ctx, "g1", "operator", "changed my mind")
	assert.True(t, errcode.HasCode(err, errcode.InvalidState))
}

func TestApproveUnknownGoal(t *testing.T) {
	w := newWorkflow(store.NewMemoryStore(), &recorder{})
	_, err := w.Approve(context.Background(), "missing", "operator", "")
	assert.True(t, errcode.HasCode(err, errcode.NotFound))
}

func TestApproveRequiresApprover(t *testing.T) {
	st := store.NewMemoryStore()
	w := newWorkflow(st, &recorder{})
	seedGoal(t, st, "g1")

	_, err := w.Approve(context.Background(), "g1", "", "")
	assert.True(t, errcode.HasCode(err, errcode.InvalidState))
}

func TestListPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	w := newWorkflow(st, &recorder{})

	seedGoal(t, st, "g1")
	seedGoal(t, st, "g2")
	_, err := w.Approve(ctx, "g1", "operator", "")
	require.NoError(t, err)

	pending, err := w.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "g2", pending[0].ID)
}
