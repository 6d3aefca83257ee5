package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/clock"
	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/events"
	"github.com/openfab-lab/autonomy/internal/gate"
	"github.com/openfab-lab/autonomy/internal/lock"
	"github.com/openfab-lab/autonomy/internal/store"
)

var schedNow = time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)

// openAdmission allows everything; denyAdmission refuses with a fixed code.
type openAdmission struct{}

func (openAdmission) Allows(ctx context.Context, class store.WorkloadClass) gate.Decision {
	return gate.Decision{Allowed: true}
}

type denyAdmission struct{ reason errcode.Code }

func (d denyAdmission) Allows(ctx context.Context, class store.WorkloadClass) gate.Decision {
	return gate.Decision{Allowed: false, Reason: d.reason, Detail: "denied for test"}
}

type recorder struct{ got []events.Event }

func (r *recorder) Publish(e events.Event) { r.got = append(r.got, e) }

func newScheduler(st store.Store, locker lock.Locker, adm Admission, clk clock.Clock, rec events.Publisher) *Scheduler {
	if rec == nil {
		rec = events.Discard{}
	}
	return New(st, locker, adm, rec, clk, zap.NewNop(), Options{})
}

func TestIntervalJobFiresAndAdvances(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock.Fixed{Instant: schedNow}
	s := newScheduler(st, lock.NewMemoryLocker(), openAdmission{}, clk, nil)

	fires := 0
	require.NoError(t, s.Register(JobSpec{
		Name: "pump", Class: store.ClassScheduled,
		Trigger: store.TriggerInterval, Period: time.Minute,
	}, func(ctx context.Context) error { fires++; return nil }))
	require.NoError(t, s.Reconcile(ctx))

	// First fire is immediate.
	s.Tick(ctx)
	assert.Equal(t, 1, fires)

	// Within the period nothing fires.
	clk.Advance(30 * time.Second)
	s.Tick(ctx)
	assert.Equal(t, 1, fires)

	clk.Advance(31 * time.Second)
	s.Tick(ctx)
	assert.Equal(t, 2, fires)

	jobs, err := st.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "ok", jobs[0].LastStatus)
	require.NotNil(t, jobs[0].NextRunAt)
	assert.Equal(t, clk.Now().Add(time.Minute), *jobs[0].NextRunAt)
}

func TestIntervalJobSkipsMissedFires(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock.Fixed{Instant: schedNow}
	s := newScheduler(st, lock.NewMemoryLocker(), openAdmission{}, clk, nil)

	fires := 0
	require.NoError(t, s.Register(JobSpec{
		Name: "pump", Class: store.ClassScheduled,
		Trigger: store.TriggerInterval, Period: time.Minute,
	}, func(ctx context.Context) error { fires++; return nil }))
	require.NoError(t, s.Reconcile(ctx))
	s.Tick(ctx)
	require.Equal(t, 1, fires)

	// Ten missed periods collapse into a single catch-up fire.
	clk.Advance(10 * time.Minute)
	s.Tick(ctx)
	s.Tick(ctx)
	assert.Equal(t, 2, fires)

	jobs, err := st.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.NotNil(t, jobs[0].NextRunAt)
	assert.True(t, jobs[0].NextRunAt.After(clk.Now()), "next fire is in the future, not a backlog")
}

func TestCronJobFiresInConfiguredZone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 02:00 UTC is 22:00 the previous evening in New York.
	clk := &clock.Fixed{Instant: schedNow}
	s := New(st, lock.NewMemoryLocker(), openAdmission{}, events.Discard{}, clk, zap.NewNop(), Options{Location: loc})

	fires := 0
	require.NoError(t, s.Register(JobSpec{
		Name: "weekly", Class: store.ClassScheduled,
		Trigger: store.TriggerCron, Expression: "0 23 * * *",
	}, func(ctx context.Context) error { fires++; return nil }))
	require.NoError(t, s.Reconcile(ctx))

	jobs, err := st.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.NotNil(t, jobs[0].NextRunAt)
	want := time.Date(2026, 8, 24, 23, 0, 0, 0, loc)
	assert.True(t, jobs[0].NextRunAt.Equal(want), "next %v want %v", jobs[0].NextRunAt, want)

	s.Tick(ctx)
	assert.Equal(t, 0, fires, "an hour early")
	clk.Advance(61 * time.Minute)
	s.Tick(ctx)
	assert.Equal(t, 1, fires)
}

func TestCronDSTTransitions(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	t.Run("spring forward rolls past the gap", func(t *testing.T) {
		// On 2026-03-08 the clock jumps from 02:00 to 03:00, so 02:30
		// never occurs on the wall.
		sched, err := cronParser.Parse("30 2 * * *")
		require.NoError(t, err)
		now := time.Date(2026, 3, 8, 1, 0, 0, 0, loc)

		got := cronNext(sched, now, loc).In(loc)
		assert.Equal(t, 8, got.Day(), "the fire is not dropped to the next day")
		assert.Equal(t, 3, got.Hour(), "the skipped civil time maps to the next valid instant")
	})

	t.Run("fall back fires once", func(t *testing.T) {
		// On 2026-11-01 the wall clock shows 01:30 twice.
		sched, err := cronParser.Parse("30 1 * * *")
		require.NoError(t, err)
		now := time.Date(2026, 11, 1, 0, 0, 0, 0, loc)

		first := cronNext(sched, now, loc)
		assert.Equal(t, 1, first.In(loc).Day())
		second := cronNext(sched, first, loc)
		assert.Equal(t, 2, second.In(loc).Day(), "the repeated hour does not double-fire")
	})
}

func TestGateDenialRecordsSkip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock.Fixed{Instant: schedNow}
	rec := &recorder{}
	s := newScheduler(st, lock.NewMemoryLocker(), denyAdmission{reason: errcode.BudgetExhausted}, clk, rec)

	fires := 0
	require.NoError(t, s.Register(JobSpec{
		Name: "goal_generation", Class: store.ClassScheduled,
		Trigger: store.TriggerInterval, Period: time.Hour,
	}, func(ctx context.Context) error { fires++; return nil }))
	require.NoError(t, s.Reconcile(ctx))

	s.Tick(ctx)
	assert.Zero(t, fires, "a denied job does not run")

	jobs, err := st.ListScheduledJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "skipped: budget_exhausted", jobs[0].LastStatus)
	require.NotNil(t, jobs[0].NextRunAt)
	assert.True(t, jobs[0].NextRunAt.After(clk.Now()), "the skip still advances the schedule")

	require.Len(t, rec.got, 1)
	assert.Equal(t, events.JobSkipped, rec.got[0].Kind)
	assert.Equal(t, "goal_generation", rec.got[0].Handler)
}

func TestHeldLockYieldsFireToOtherNode(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	locker := lock.NewMemoryLocker()
	clk := &clock.Fixed{Instant: schedNow}

	fires := 0
	handler := func(ctx context.Context) error { fires++; return nil }
	spec := JobSpec{Name: "measure", Class: store.ClassScheduled, Trigger: store.TriggerInterval, Period: time.Hour}

	a := newScheduler(st, locker, openAdmission{}, clk, nil)
	require.NoError(t, a.Register(spec, handler))
	require.NoError(t, a.Reconcile(ctx))

	b := newScheduler(st, locker, openAdmission{}, clk, nil)
	require.NoError(t, b.Register(spec, handler))
	require.NoError(t, b.Reconcile(ctx))

	// Node b holds the fire lock; node a must not run the job or touch
	// its bookkeeping.
	lease, err := locker.Acquire(ctx, "job:measure", time.Minute)
	require.NoError(t, err)
	a.Tick(ctx)
	assert.Zero(t, fires)

	jobs, err := st.ListScheduledJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs[0].LastStatus, "the blocked node leaves bookkeeping to the lock holder")

	require.NoError(t, locker.Release(ctx, lease))
	b.Tick(ctx)
	assert.Equal(t, 1, fires)

	// After b records the run, a sees the future next-run and stays quiet.
	a.Tick(ctx)
	assert.Equal(t, 1, fires)
}

func TestPanickingHandlerIsContained(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock.Fixed{Instant: schedNow}
	s := newScheduler(st, lock.NewMemoryLocker(), openAdmission{}, clk, nil)

	require.NoError(t, s.Register(JobSpec{
		Name: "crashy", Class: store.ClassScheduled,
		Trigger: store.TriggerInterval, Period: time.Minute,
	}, func(ctx context.Context) error { panic("boom") }))
	require.NoError(t, s.Reconcile(ctx))

	require.NotPanics(t, func() { s.Tick(ctx) })

	jobs, err := st.ListScheduledJobs(ctx)
	require.NoError(t, err)
	assert.Contains(t, jobs[0].LastStatus, "panicked")
}

func TestReconcileDisablesUnregisteredJobs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock.Fixed{Instant: schedNow}

	require.NoError(t, st.UpsertScheduledJob(ctx, &store.ScheduledJob{
		ID: "old", HandlerName: "old", Trigger: store.TriggerInterval,
		Period: time.Minute, Enabled: true, Class: store.ClassScheduled,
		CreatedAt: schedNow, UpdatedAt: schedNow,
	}))

	s := newScheduler(st, lock.NewMemoryLocker(), openAdmission{}, clk, nil)
	require.NoError(t, s.Register(JobSpec{
		Name: "new", Class: store.ClassScheduled,
		Trigger: store.TriggerInterval, Period: time.Minute,
	}, func(ctx context.Context) error { return nil }))
	require.NoError(t, s.Reconcile(ctx))

	jobs, err := st.ListScheduledJobs(ctx)
	require.NoError(t, err)
	byName := map[string]*store.ScheduledJob{}
	for _, j := range jobs {
		byName[j.HandlerName] = j
	}
	assert.False(t, byName["old"].Enabled)
	assert.True(t, byName["new"].Enabled)
}

func TestRegisterRejectsBadDefinitions(t *testing.T) {
	s := newScheduler(store.NewMemoryStore(), lock.NewMemoryLocker(), openAdmission{}, &clock.Fixed{Instant: schedNow}, nil)

	err := s.Register(JobSpec{Name: "bad-cron", Trigger: store.TriggerCron, Expression: "not a cron"}, func(ctx context.Context) error { return nil })
	assert.Equal(t, errcode.ConfigInvalid, errcode.CodeOf(err))

	err = s.Register(JobSpec{Name: "bad-interval", Trigger: store.TriggerInterval}, func(ctx context.Context) error { return nil })
	assert.Equal(t, errcode.ConfigInvalid, errcode.CodeOf(err))
}
