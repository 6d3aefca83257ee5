package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/clock"
	"github.com/openfab-lab/autonomy/internal/collab"
	"github.com/openfab-lab/autonomy/internal/engine"
	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/events"
	"github.com/openfab-lab/autonomy/internal/gate"
	"github.com/openfab-lab/autonomy/internal/lock"
	"github.com/openfab-lab/autonomy/internal/store"
)

var execNow = time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)

func newExecutor(st store.Store, locker lock.Locker, clk clock.Clock, opts Options) *Executor {
	opts.Concurrency = 1 // deterministic ordering in tests
	return New(st, locker, nil, events.Discard{}, clk, zap.NewNop(), opts)
}

// seedChain approves a goal with a two-task chain: head (type headType,
// ready) feeding tail (kb_create-like dependent).
func seedChain(t *testing.T, st *store.MemoryStore, headType string, critical bool, allocated string) (headID, tailID string) {
	t.Helper()
	ctx := context.Background()

	g := &store.Goal{
		ID: "g1", Title: "test goal", GoalType: store.GoalResearch,
		Status: store.GoalIdentified, BudgetLimitUSD: decimal.RequireFromString(allocated),
		CreatedAt: execNow, UpdatedAt: execNow,
	}
	require.NoError(t, st.InsertGoal(ctx, g))

	headID, tailID = "t-head", "t-tail"
	payload := store.Metadata{"goal_id": g.ID, "goal_title": g.Title}
	_, err := st.ApproveGoal(ctx, store.ApproveGoalParams{
		GoalID: g.ID, Approver: "operator", Now: execNow,
		Plan: &store.ProjectPlan{
			Project: &store.Project{
				ID: "p1", GoalID: g.ID, Status: store.ProjectProposed,
				AllocatedBudgetUSD: decimal.RequireFromString(allocated), CreatedAt: execNow,
			},
			Tasks: []*store.Task{
				{
					ID: headID, ProjectID: "p1", TaskType: headType,
					Status: store.TaskReady, Priority: store.PriorityHigh,
					Critical: critical, Payload: payload, CreatedAt: execNow,
				},
				{
					ID: tailID, ProjectID: "p1", TaskType: "tail_step",
					Status: store.TaskPending, Priority: store.PriorityMedium,
					DependsOn: []string{headID}, StrictDeps: true,
					Payload: payload, CreatedAt: execNow.Add(time.Nanosecond),
				},
			},
		},
		OutcomeID: "o1",
	})
	require.NoError(t, err)
	return headID, tailID
}

func TestRetryThenSuccessRecordsSingleLedgerRow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock.Fixed{Instant: execNow}
	ex := newExecutor(st, lock.NewMemoryLocker(), clk, Options{
		MaxRetries: 3, BackoffBase: 30 * time.Second,
	})

	calls := 0
	ex.Register("flaky", func(ctx context.Context, task *store.Task) (*Outcome, error) {
		calls++
		if calls < 3 {
			return nil, errcode.New(errcode.ExternalUnavailable, "collaborator down")
		}
		return &Outcome{
			Status:  Completed,
			Result:  store.Metadata{"ok": true},
			CostUSD: decimal.RequireFromString("0.42"),
		}, nil
	})

	headID, tailID := seedChain(t, st, "flaky", true, "5.00")

	// Attempt 1 fails; the task backs off 30s.
	ran, err := ex.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	// Still inside the backoff window: nothing to dispatch.
	ran, err = ex.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ran)

	// Attempt 2 fails with a doubled backoff.
	clk.Advance(31 * time.Second)
	ran, err = ex.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	// Attempt 3 succeeds.
	clk.Advance(61 * time.Second)
	ran, err = ex.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	head, err := st.GetTask(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, head.Status)
	assert.Equal(t, 3, head.AttemptCount)

	// Only the successful attempt hit the ledger.
	entries, err := st.ListLedger(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].AmountUSD.Equal(decimal.RequireFromString("0.42")))

	tail, err := st.GetTask(ctx, tailID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, tail.Status, "completion promotes the dependent")
}

func TestRetryableFailureCostStillDebited(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock.Fixed{Instant: execNow}
	ex := newExecutor(st, lock.NewMemoryLocker(), clk, Options{
		MaxRetries: 3, BackoffBase: 30 * time.Second,
	})

	calls := 0
	ex.Register("flaky", func(ctx context.Context, task *store.Task) (*Outcome, error) {
		calls++
		if calls == 1 {
			// The collaborator died mid-call but the partial work was billed.
			return &Outcome{
				Status:  FailedRetryable,
				CostUSD: decimal.RequireFromString("0.10"),
				Err:     errcode.New(errcode.ExternalUnavailable, "connection reset"),
			}, nil
		}
		return &Outcome{Status: Completed, CostUSD: decimal.RequireFromString("0.42")}, nil
	})

	headID, _ := seedChain(t, st, "flaky", true, "5.00")

	ran, err := ex.Pump(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ran)

	// The failed attempt's spend is already on the ledger.
	entries, err := st.ListLedger(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].AmountUSD.Equal(decimal.RequireFromString("0.10")))

	clk.Advance(31 * time.Second)
	_, err = ex.Pump(ctx)
	require.NoError(t, err)

	head, err := st.GetTask(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, head.Status)

	entries, err = st.ListLedger(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 2, "each attempt posts its own row")
	p, err := st.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.SpentBudgetUSD.Equal(decimal.RequireFromString("0.52")),
		"spent %s", p.SpentBudgetUSD)
}

func TestStuckRunningTaskIsReclaimed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock.Fixed{Instant: execNow}
	ex := newExecutor(st, lock.NewMemoryLocker(), clk, Options{})
	ex.Register("flaky", func(ctx context.Context, task *store.Task) (*Outcome, error) {
		return &Outcome{Status: Completed}, nil
	})

	headID, _ := seedChain(t, st, "flaky", true, "5.00")

	// Another replica claims the task, then dies before finishing it. Its
	// lock expires on its own; the row stays running.
	_, err := st.StartTask(ctx, headID, clk.Now())
	require.NoError(t, err)

	// Inside the reclaim horizon the task is untouchable.
	ran, err := ex.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ran)

	clk.Advance(6 * time.Hour)
	ran, err = ex.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran, "the stale running task returns to the pool")

	head, err := st.GetTask(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, head.Status)
	assert.Equal(t, 2, head.AttemptCount, "the reclaimed run is a fresh attempt")
}

func TestMaxRetriesExhaustedFailsTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock.Fixed{Instant: execNow}
	ex := newExecutor(st, lock.NewMemoryLocker(), clk, Options{
		MaxRetries: 2, BackoffBase: time.Second,
	})
	ex.Register("flaky", func(ctx context.Context, task *store.Task) (*Outcome, error) {
		return nil, errcode.New(errcode.ExternalTimeout, "deadline exceeded")
	})

	headID, tailID := seedChain(t, st, "flaky", true, "5.00")

	for i := 0; i < 2; i++ {
		_, err := ex.Pump(ctx)
		require.NoError(t, err)
		clk.Advance(5 * time.Second)
	}

	head, err := st.GetTask(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, head.Status)
	assert.Equal(t, 2, head.AttemptCount)
	assert.Contains(t, head.LastError, "deadline exceeded")

	// Critical failure cascades.
	tail, err := st.GetTask(ctx, tailID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskSkipped, tail.Status)
	p, err := st.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, store.ProjectFailed, p.Status)
}

func TestFatalErrorFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ex := newExecutor(st, lock.NewMemoryLocker(), &clock.Fixed{Instant: execNow}, Options{})
	ex.Register("broken", func(ctx context.Context, task *store.Task) (*Outcome, error) {
		return nil, errcode.New(errcode.ExternalInvalidResponse, "garbage payload")
	})

	headID, _ := seedChain(t, st, "broken", false, "5.00")

	_, err := ex.Pump(ctx)
	require.NoError(t, err)

	head, err := st.GetTask(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, head.Status)
	assert.Equal(t, 1, head.AttemptCount, "invalid responses do not retry")
}

func TestUnknownTaskTypeFailsFatally(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ex := newExecutor(st, lock.NewMemoryLocker(), &clock.Fixed{Instant: execNow}, Options{})

	headID, _ := seedChain(t, st, "unregistered", false, "5.00")

	_, err := ex.Pump(ctx)
	require.NoError(t, err)

	head, err := st.GetTask(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, head.Status)
	assert.Contains(t, head.LastError, "no handler")
}

func TestHeldLockSkipsTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	locker := lock.NewMemoryLocker()
	ex := newExecutor(st, locker, &clock.Fixed{Instant: execNow}, Options{})
	handlerRan := false
	ex.Register("flaky", func(ctx context.Context, task *store.Task) (*Outcome, error) {
		handlerRan = true
		return &Outcome{Status: Completed}, nil
	})

	headID, _ := seedChain(t, st, "flaky", true, "5.00")

	_, err := locker.Acquire(ctx, "task:"+headID, time.Minute)
	require.NoError(t, err)

	ran, err := ex.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ran)
	assert.False(t, handlerRan, "the handler must not run while another executor holds the task")

	head, err := st.GetTask(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, head.Status)
	assert.Zero(t, head.AttemptCount)
}

type closedAdmission struct{}

func (closedAdmission) Allows(ctx context.Context, class store.WorkloadClass) gate.Decision {
	return gate.Decision{Allowed: false, Reason: errcode.ResourcePressure}
}

func TestAdmissionDenialLeavesTaskReady(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ex := New(st, lock.NewMemoryLocker(), closedAdmission{}, events.Discard{},
		&clock.Fixed{Instant: execNow}, zap.NewNop(), Options{Concurrency: 1})
	handlerRan := false
	ex.Register("flaky", func(ctx context.Context, task *store.Task) (*Outcome, error) {
		handlerRan = true
		return &Outcome{Status: Completed}, nil
	})

	headID, _ := seedChain(t, st, "flaky", true, "5.00")

	ran, err := ex.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ran)
	assert.False(t, handlerRan)

	head, err := st.GetTask(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, head.Status, "a deferred task waits for the next pump")
	assert.Zero(t, head.AttemptCount, "deferral costs no attempt")
}

func TestBudgetExceededFailsTaskWithoutDebit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ex := newExecutor(st, lock.NewMemoryLocker(), &clock.Fixed{Instant: execNow}, Options{})
	ex.Register("pricey", func(ctx context.Context, task *store.Task) (*Outcome, error) {
		return &Outcome{Status: Completed, CostUSD: decimal.RequireFromString("9.99")}, nil
	})

	headID, _ := seedChain(t, st, "pricey", false, "1.00")

	_, err := ex.Pump(ctx)
	require.NoError(t, err)

	head, err := st.GetTask(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, head.Status)

	p, err := st.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.SpentBudgetUSD.IsZero(), "the unaffordable debit is not recorded")

	entries, err := st.ListLedger(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// Collaborator stubs for the full pipeline test.

type pipelineResearch struct{}

func (pipelineResearch) Gather(ctx context.Context, query string, budget decimal.Decimal) (*collab.GatherResult, error) {
	return &collab.GatherResult{
		Citations: []string{"https://example.org/tpu"},
		RawText:   "notes about " + query,
		CostUSD:   decimal.RequireFromString("0.50"),
	}, nil
}

func (pipelineResearch) Synthesize(ctx context.Context, inputs []string, modelHint string) (*collab.SynthesizeResult, error) {
	return &collab.SynthesizeResult{
		ArticleMarkdown: fmt.Sprintf("# Article\n\n%s\n", inputs[0]),
		CostUSD:         decimal.RequireFromString("0.80"),
	}, nil
}

type pipelineKB struct {
	createdSlug string
	committed   bool
}

func (k *pipelineKB) CreateArticle(ctx context.Context, slug, markdown string, frontmatter map[string]any) (*collab.ArticleRef, error) {
	k.createdSlug = slug
	return &collab.ArticleRef{Path: "kb/" + slug + ".md", VersionTag: "v1"}, nil
}

func (k *pipelineKB) AppendCommit(ctx context.Context, message string) (string, error) {
	k.committed = true
	return "abc123", nil
}

type pipelineFab struct{}

func (pipelineFab) QueuePrint(ctx context.Context, spec map[string]any) (string, error) {
	return "job-1", nil
}

func (pipelineFab) PrintOutcome(ctx context.Context, jobID string) (*collab.PrintOutcome, error) {
	return &collab.PrintOutcome{Success: true, DurationH: 2, MaterialG: 30,
		CostUSD: decimal.RequireFromString("0.30")}, nil
}

type cappedResearch struct{ gotBudget decimal.Decimal }

func (c *cappedResearch) Gather(ctx context.Context, query string, budget decimal.Decimal) (*collab.GatherResult, error) {
	c.gotBudget = budget
	return &collab.GatherResult{RawText: "notes"}, nil
}

func (c *cappedResearch) Synthesize(ctx context.Context, inputs []string, modelHint string) (*collab.SynthesizeResult, error) {
	return &collab.SynthesizeResult{ArticleMarkdown: "# x"}, nil
}

func TestResearchGatherClampsQueryBudget(t *testing.T) {
	ctx := context.Background()
	r := &cappedResearch{}
	h := ResearchGather(r, decimal.RequireFromString("0.50"))

	task := &store.Task{
		ID: "t1", TaskType: "research_gather",
		EstimatedCostUSD: decimal.RequireFromString("2.00"),
		Payload:          store.Metadata{"goal_title": "tpu"},
	}
	_, err := h(ctx, task)
	require.NoError(t, err)
	assert.True(t, r.gotBudget.Equal(decimal.RequireFromString("0.50")),
		"an estimate above the cap is clamped, got %s", r.gotBudget)

	task.EstimatedCostUSD = decimal.RequireFromString("0.20")
	_, err = h(ctx, task)
	require.NoError(t, err)
	assert.True(t, r.gotBudget.Equal(decimal.RequireFromString("0.20")),
		"estimates under the cap pass through, got %s", r.gotBudget)
}

func TestResearchPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock.Fixed{Instant: execNow}
	ex := newExecutor(st, lock.NewMemoryLocker(), clk, Options{})

	kb := &pipelineKB{}
	ex.RegisterBuiltins(pipelineResearch{}, kb, pipelineFab{}, decimal.RequireFromString("5.00"))

	g := &store.Goal{
		ID: "g1", Title: "TPU flexibles", GoalType: store.GoalResearch,
		Status: store.GoalIdentified, BudgetLimitUSD: decimal.RequireFromString("8.00"),
		Metadata:  store.Metadata{"missing_slug": "tpu"},
		CreatedAt: execNow, UpdatedAt: execNow,
	}
	require.NoError(t, st.InsertGoal(ctx, g))
	plan, err := engine.BuildPlan(g, execNow)
	require.NoError(t, err)
	_, err = st.ApproveGoal(ctx, store.ApproveGoalParams{
		GoalID: g.ID, Approver: "operator", Now: execNow,
		Plan: plan, OutcomeID: "o1",
	})
	require.NoError(t, err)

	// One pump per chain link.
	for i := 0; i < 4; i++ {
		ran, err := ex.Pump(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, ran, "pump %d", i)
	}

	assert.Equal(t, "tpu", kb.createdSlug, "slug comes from the goal metadata")
	assert.True(t, kb.committed)

	p, err := st.GetProject(ctx, plan.Project.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectCompleted, p.Status)
	// Gather 0.50 plus synthesize 0.80; the kb steps are free.
	assert.True(t, p.SpentBudgetUSD.Equal(decimal.RequireFromString("1.30")),
		"spent %s", p.SpentBudgetUSD)

	stored, err := st.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, store.GoalCompleted, stored.Status)
}
