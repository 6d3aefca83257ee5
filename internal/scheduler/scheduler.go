// Package scheduler fires registered jobs from a durable registry. Every
// fire takes a distributed lock and consults the resource gate, so several
// nodes can run the same registry with each job firing once.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/clock"
	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/events"
	"github.com/openfab-lab/autonomy/internal/gate"
	"github.com/openfab-lab/autonomy/internal/lock"
	"github.com/openfab-lab/autonomy/internal/observability"
	"github.com/openfab-lab/autonomy/internal/store"
)

// Handler is one job body.
type Handler func(ctx context.Context) error

// Admission decides whether a workload class may run right now.
type Admission interface {
	Allows(ctx context.Context, class store.WorkloadClass) gate.Decision
}

// JobSpec declares a job for the durable registry.
type JobSpec struct {
	Name    string
	Class   store.WorkloadClass
	Trigger store.TriggerKind
	// Expression is the cron line for TriggerCron, evaluated in the
	// scheduler's zone.
	Expression string
	// Period applies to TriggerInterval.
	Period time.Duration
}

type job struct {
	spec  JobSpec
	fn    Handler
	sched cron.Schedule
}

// Scheduler reconciles the registered jobs against the store and fires the
// due ones on a short tick.
type Scheduler struct {
	st     store.Store
	locker lock.Locker
	adm    Admission
	pub    events.Publisher
	clk    clock.Clock
	log    *zap.Logger

	loc     *time.Location
	lockTTL time.Duration
	tick    time.Duration

	jobs map[string]*job
}

type Options struct {
	Location *time.Location
	LockTTL  time.Duration
	Tick     time.Duration
}

func New(st store.Store, locker lock.Locker, adm Admission, pub events.Publisher, clk clock.Clock, log *zap.Logger, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Scheduler{
		st:      st,
		locker:  locker,
		adm:     adm,
		pub:     pub,
		clk:     clk,
		log:     log,
		loc:     opts.Location,
		lockTTL: opts.LockTTL,
		tick:    opts.Tick,
		jobs:    make(map[string]*job),
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Register adds a job definition. Must be called before Reconcile.
func (s *Scheduler) Register(spec JobSpec, fn Handler) error {
	j := &job{spec: spec, fn: fn}
	switch spec.Trigger {
	case store.TriggerCron:
		sched, err := cronParser.Parse(spec.Expression)
		if err != nil {
			return errcode.Wrap(errcode.ConfigInvalid, err, "cron expression for job %s", spec.Name)
		}
		j.sched = sched
	case store.TriggerInterval:
		if spec.Period <= 0 {
			return errcode.New(errcode.ConfigInvalid, "job %s needs a positive period", spec.Name)
		}
	default:
		return errcode.New(errcode.ConfigInvalid, "job %s has unknown trigger %q", spec.Name, spec.Trigger)
	}
	s.jobs[spec.Name] = j
	return nil
}

// Reconcile upserts every registered job into the store and disables stored
// jobs whose handler is no longer registered. First-time jobs get an
// immediate interval fire or the next cron occurrence.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	now := s.clk.Now()

	stored, err := s.st.ListScheduledJobs(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]*store.ScheduledJob, len(stored))
	for _, sj := range stored {
		known[sj.HandlerName] = sj
	}

	for name, j := range s.jobs {
		row := &store.ScheduledJob{
			ID:          name,
			HandlerName: name,
			Trigger:     j.spec.Trigger,
			Expression:  j.spec.Expression,
			Period:      j.spec.Period,
			Timezone:    s.loc.String(),
			Enabled:     true,
			Class:       j.spec.Class,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if prev, ok := known[name]; !ok || prev.NextRunAt == nil {
			next := s.firstFire(j, now)
			row.NextRunAt = &next
		}
		if err := s.st.UpsertScheduledJob(ctx, row); err != nil {
			return err
		}
	}

	for name := range known {
		if _, ok := s.jobs[name]; !ok {
			if err := s.st.SetJobEnabled(ctx, name, false); err != nil {
				return err
			}
			s.log.Info("disabled stale scheduled job", zap.String("handler", name))
		}
	}
	return nil
}

// firstFire picks the initial next-run for a job with no history. Interval
// jobs fire on the next tick; cron jobs wait for their expression.
func (s *Scheduler) firstFire(j *job, now time.Time) time.Time {
	if j.spec.Trigger == store.TriggerCron {
		return cronNext(j.sched, now, s.loc)
	}
	return now
}

// next computes the fire after a run at now. Interval jobs skip missed
// fires rather than bursting to catch up.
func (s *Scheduler) next(j *job, now time.Time) time.Time {
	if j.spec.Trigger == store.TriggerCron {
		return cronNext(j.sched, now, s.loc)
	}
	return now.Add(j.spec.Period)
}

// cronNext evaluates the expression in civil time and maps the result back
// into the zone. Evaluating directly on zoned instants lets a spring-forward
// transition swallow a whole day (the expression's wall time never occurs)
// and a fall-back transition present the same wall time twice. Civil
// arithmetic gives each wall time exactly one occurrence: a time inside the
// skipped gap normalizes to the next valid instant.
func cronNext(sched cron.Schedule, now time.Time, loc *time.Location) time.Time {
	civil := now.In(loc)
	probe := time.Date(civil.Year(), civil.Month(), civil.Day(),
		civil.Hour(), civil.Minute(), civil.Second(), 0, time.UTC)
	for i := 0; i < 4; i++ {
		n := sched.Next(probe)
		next := time.Date(n.Year(), n.Month(), n.Day(), n.Hour(), n.Minute(), 0, 0, loc)
		if next.After(now) {
			return next
		}
		probe = n
	}
	return sched.Next(now.In(loc))
}

// Run ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every enabled, due job once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clk.Now()
	rows, err := s.st.ListScheduledJobs(ctx)
	if err != nil {
		s.log.Error("scheduled job listing failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		if !row.Enabled || row.NextRunAt == nil || row.NextRunAt.After(now) {
			continue
		}
		j, ok := s.jobs[row.HandlerName]
		if !ok {
			continue
		}
		s.fire(ctx, j, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, j *job, now time.Time) {
	name := j.spec.Name

	lease, err := s.locker.Acquire(ctx, "job:"+name, s.lockTTL)
	if err != nil {
		if errcode.HasCode(err, errcode.LockUnavailable) {
			// Another node owns this fire; it will record the run.
			observability.JobFires.WithLabelValues(name, "lock_denied").Inc()
			return
		}
		s.log.Error("job lock failed", zap.String("handler", name), zap.Error(err))
		observability.JobFires.WithLabelValues(name, "error").Inc()
		return
	}
	defer func() {
		if relErr := s.locker.Release(context.WithoutCancel(ctx), lease); relErr != nil {
			s.log.Debug("job lock release", zap.String("handler", name), zap.Error(relErr))
		}
	}()

	next := s.next(j, now)

	if d := s.adm.Allows(ctx, j.spec.Class); !d.Allowed {
		observability.JobFires.WithLabelValues(name, "skipped").Inc()
		s.pub.Publish(events.Event{
			Kind: events.JobSkipped, At: now, Handler: name,
			Detail: store.Metadata{"reason": string(d.Reason), "detail": d.Detail},
		})
		s.recordRun(ctx, name, now, fmt.Sprintf("skipped: %s", d.Reason), &next)
		return
	}

	s.pub.Publish(events.Event{Kind: events.JobFired, At: now, Handler: name})
	started := time.Now()
	err = s.runHandler(ctx, j)
	observability.JobDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())

	status := "ok"
	result := "ok"
	if err != nil {
		status = fmt.Sprintf("error: %v", err)
		result = "error"
		s.log.Error("job handler failed", zap.String("handler", name), zap.Error(err))
	}
	observability.JobFires.WithLabelValues(name, result).Inc()
	s.recordRun(ctx, name, now, status, &next)
}

// runHandler isolates panics; a crashing job must not take the tick loop
// down.
func (s *Scheduler) runHandler(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errcode.New(errcode.InvalidState, "job %s panicked: %v", j.spec.Name, r)
		}
	}()
	return j.fn(ctx)
}

func (s *Scheduler) recordRun(ctx context.Context, name string, ranAt time.Time, status string, next *time.Time) {
	if err := s.st.RecordJobRun(ctx, name, ranAt, status, next); err != nil {
		s.log.Error("job run bookkeeping failed", zap.String("handler", name), zap.Error(err))
	}
}
