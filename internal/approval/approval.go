// Package approval is the human checkpoint: no goal advances past
// identified without a recorded decision.
package approval

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/clock"
	"github.com/openfab-lab/autonomy/internal/engine"
	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/events"
	"github.com/openfab-lab/autonomy/internal/observability"
	"github.com/openfab-lab/autonomy/internal/outcome"
	"github.com/openfab-lab/autonomy/internal/store"
)

// Workflow approves and rejects goals. Approval builds the project plan,
// captures the baseline, and commits all of it in one store transaction.
type Workflow struct {
	st      store.Store
	tracker *outcome.Tracker
	pub     events.Publisher
	clk     clock.Clock
	log     *zap.Logger
}

func New(st store.Store, tracker *outcome.Tracker, pub events.Publisher, clk clock.Clock, log *zap.Logger) *Workflow {
	return &Workflow{st: st, tracker: tracker, pub: pub, clk: clk, log: log}
}

// ListPending returns goals awaiting a decision, oldest first.
func (w *Workflow) ListPending(ctx context.Context) ([]*store.Goal, error) {
	return w.st.ListGoalsByStatus(ctx, store.GoalIdentified)
}

// Approve transitions an identified goal to approved, creating its project,
// tasks, and baseline outcome row. Approving an approved goal returns the
// existing project without writing anything.
func (w *Workflow) Approve(ctx context.Context, goalID, approver, notes string) (*store.Project, error) {
	if approver == "" {
		return nil, errcode.New(errcode.InvalidState, "approver is required")
	}

	g, err := w.st.GetGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, errcode.New(errcode.NotFound, "goal %s", goalID)
	}

	now := w.clk.Now()

	// Replays skip plan building entirely; the store would refuse the
	// duplicate anyway, but there is no reason to sample a new baseline.
	if g.Status == store.GoalApproved {
		res, err := w.st.ApproveGoal(ctx, store.ApproveGoalParams{GoalID: goalID})
		if err != nil {
			return nil, err
		}
		observability.Approvals.WithLabelValues("idempotent_replay").Inc()
		return res.Project, nil
	}

	plan, err := engine.BuildPlan(g, now)
	if err != nil {
		return nil, err
	}

	baseline, err := w.tracker.CaptureBaseline(ctx, g, now)
	if err != nil {
		return nil, err
	}

	res, err := w.st.ApproveGoal(ctx, store.ApproveGoalParams{
		GoalID:          goalID,
		Approver:        approver,
		Notes:           notes,
		Now:             now,
		Plan:            plan,
		BaselineMetrics: baseline,
		OutcomeID:       uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	if res.Created {
		observability.Approvals.WithLabelValues("approved").Inc()
		w.pub.Publish(events.Event{
			Kind:      events.GoalApproved,
			At:        now,
			GoalID:    goalID,
			ProjectID: res.Project.ID,
			Detail:    store.Metadata{"approver": approver},
		})
		w.log.Info("goal approved",
			zap.String("goal_id", goalID),
			zap.String("project_id", res.Project.ID),
			zap.String("approver", approver),
			zap.Int("tasks", len(plan.Tasks)))
	}
	return res.Project, nil
}

// Reject records a rejection. Terminal goals fail with invalid_state; the
// row is kept so rejection patterns stay observable.
func (w *Workflow) Reject(ctx context.Context, goalID, approver, notes string) error {
	if approver == "" {
		return errcode.New(errcode.InvalidState, "approver is required")
	}

	now := w.clk.Now()
	if err := w.st.RejectGoal(ctx, goalID, approver, notes, now); err != nil {
		return err
	}

	observability.Approvals.WithLabelValues("rejected").Inc()
	w.pub.Publish(events.Event{
		Kind:   events.GoalRejected,
		At:     now,
		GoalID: goalID,
		Detail: store.Metadata{"approver": approver},
	})
	w.log.Info("goal rejected",
		zap.String("goal_id", goalID),
		zap.String("approver", approver))
	return nil
}
