// Package executor pumps ready tasks through their handlers under
// per-task distributed locks, recording cost and retry state as it goes.
package executor

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openfab-lab/autonomy/internal/clock"
	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/events"
	"github.com/openfab-lab/autonomy/internal/gate"
	"github.com/openfab-lab/autonomy/internal/lock"
	"github.com/openfab-lab/autonomy/internal/observability"
	"github.com/openfab-lab/autonomy/internal/store"
)

// Status is a handler's verdict on its attempt.
type Status string

const (
	Completed       Status = "completed"
	FailedRetryable Status = "failed_retryable"
	FailedFatal     Status = "failed_fatal"
)

// Outcome is what a handler produced. Cost is recorded even for failed
// attempts; a failed print still consumed filament.
type Outcome struct {
	Status  Status
	Result  store.Metadata
	CostUSD decimal.Decimal
	Err     error
}

// HandlerFunc executes one task attempt.
type HandlerFunc func(ctx context.Context, t *store.Task) (*Outcome, error)

// Admission is re-consulted per task between pump and dispatch, so a long
// batch stops claiming work once resources tighten. Nil admits everything.
type Admission interface {
	Allows(ctx context.Context, class store.WorkloadClass) gate.Decision
}

// Options tune retry and locking behavior. Zero values pick the defaults.
type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	LockTTL     time.Duration
	Concurrency int
	Batch       int
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = time.Hour
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 2 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Batch <= 0 {
		o.Batch = 16
	}
}

// Executor claims ready tasks and runs them to a terminal or rescheduled
// state. Multiple executors may pump the same store; the per-task lock
// keeps each attempt single-flight.
type Executor struct {
	st       store.Store
	locker   lock.Locker
	adm      Admission
	handlers map[string]HandlerFunc
	pub      events.Publisher
	clk      clock.Clock
	log      *zap.Logger
	opts     Options
}

func New(st store.Store, locker lock.Locker, adm Admission, pub events.Publisher, clk clock.Clock, log *zap.Logger, opts Options) *Executor {
	opts.applyDefaults()
	return &Executor{
		st:       st,
		locker:   locker,
		adm:      adm,
		handlers: make(map[string]HandlerFunc),
		pub:      pub,
		clk:      clk,
		log:      log,
		opts:     opts,
	}
}

// Register binds a handler to a task type. Tasks of unregistered types
// fail fatally when dispatched.
func (e *Executor) Register(taskType string, fn HandlerFunc) {
	e.handlers[taskType] = fn
}

// Pump dispatches one batch of ready tasks and waits for them. Returns how
// many tasks this pump actually ran (skips from lost lock races excluded).
func (e *Executor) Pump(ctx context.Context) (int, error) {
	now := e.clk.Now()

	// Tasks left running by a crashed replica have long-expired locks;
	// return them to the pool before listing. The cutoff must exceed any
	// legitimate handler runtime, so twice the lock TTL.
	reclaimed, err := e.st.ReclaimStuckTasks(ctx, now.Add(-2*e.opts.LockTTL))
	if err != nil {
		return 0, err
	}
	if len(reclaimed) > 0 {
		e.log.Warn("reclaimed tasks from a lost executor",
			zap.Strings("task_ids", reclaimed))
	}

	tasks, err := e.st.ListReadyTasks(ctx, now, e.opts.Batch)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)

	ran := make(chan struct{}, len(tasks))
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			did, err := e.runOne(ctx, t.ID)
			if err != nil {
				e.log.Error("task run failed",
					zap.String("task_id", t.ID), zap.Error(err))
				return nil
			}
			if did {
				ran <- struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(ran)

	n := 0
	for range ran {
		n++
	}
	return n, nil
}

// runOne claims, starts, executes, and finishes a single task. Returns
// false when another executor holds the task or it is no longer ready.
func (e *Executor) runOne(ctx context.Context, taskID string) (bool, error) {
	lease, err := e.locker.Acquire(ctx, "task:"+taskID, e.opts.LockTTL)
	if err != nil {
		if errcode.HasCode(err, errcode.LockUnavailable) {
			return false, nil
		}
		return false, err
	}
	defer func() {
		if relErr := e.locker.Release(context.WithoutCancel(ctx), lease); relErr != nil {
			e.log.Debug("task lock release", zap.String("task_id", taskID), zap.Error(relErr))
		}
	}()

	// Re-read under the lock; the listing snapshot may be stale.
	t, err := e.st.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	now := e.clk.Now()
	if t == nil || t.Status != store.TaskReady || (t.NotBefore != nil && t.NotBefore.After(now)) {
		return false, nil
	}

	if e.adm != nil {
		if d := e.adm.Allows(ctx, store.ClassScheduled); !d.Allowed {
			// Resources tightened mid-batch. The task stays ready with no
			// attempt consumed; a later pump picks it up.
			e.log.Debug("task dispatch deferred",
				zap.String("task_id", taskID),
				zap.String("reason", string(d.Reason)))
			return false, nil
		}
	}

	proj, err := e.st.GetProject(ctx, t.ProjectID)
	if err != nil {
		return false, err
	}
	wasProposed := proj != nil && proj.Status == store.ProjectProposed

	t, err = e.st.StartTask(ctx, taskID, now)
	if err != nil {
		return false, err
	}

	if wasProposed {
		e.pub.Publish(events.Event{
			Kind: events.ProjectStarted, At: now,
			GoalID: goalIDOf(proj), ProjectID: t.ProjectID,
		})
	}
	e.pub.Publish(events.Event{
		Kind: events.TaskStarted, At: now,
		ProjectID: t.ProjectID, TaskID: t.ID,
		Detail: store.Metadata{"task_type": t.TaskType, "attempt": t.AttemptCount},
	})

	// Keep the lease alive while the handler runs.
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go e.renewLoop(renewCtx, lease)

	out := e.execute(ctx, t)
	return true, e.finish(ctx, t, out)
}

func (e *Executor) renewLoop(ctx context.Context, lease *lock.Lease) {
	ticker := time.NewTicker(e.opts.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.locker.Renew(ctx, lease, e.opts.LockTTL); err != nil {
				e.log.Warn("task lock renew failed",
					zap.String("lock", lease.Name), zap.Error(err))
				return
			}
		}
	}
}

func (e *Executor) execute(ctx context.Context, t *store.Task) *Outcome {
	fn, ok := e.handlers[t.TaskType]
	if !ok {
		return &Outcome{
			Status: FailedFatal,
			Err:    errcode.New(errcode.InvalidState, "no handler for task type %s", t.TaskType),
		}
	}

	started := time.Now()
	out, err := fn(ctx, t)
	observability.TaskRuntime.WithLabelValues(t.TaskType).Observe(time.Since(started).Seconds())

	if err != nil {
		return classify(err)
	}
	if out == nil {
		return &Outcome{
			Status: FailedFatal,
			Err:    errcode.New(errcode.InvalidState, "handler for %s returned nothing", t.TaskType),
		}
	}
	return out
}

// classify maps a handler error to a retry disposition. Transient
// collaborator trouble retries; everything else is final.
func classify(err error) *Outcome {
	if errcode.HasCode(err, errcode.ExternalTimeout) || errcode.HasCode(err, errcode.ExternalUnavailable) {
		return &Outcome{Status: FailedRetryable, Err: err}
	}
	return &Outcome{Status: FailedFatal, Err: err}
}

func (e *Executor) finish(ctx context.Context, t *store.Task, out *Outcome) error {
	now := e.clk.Now()
	errText := ""
	if out.Err != nil {
		errText = out.Err.Error()
	}

	switch out.Status {
	case Completed:
		return e.finishTerminal(ctx, t, store.TaskCompleted, out, "")

	case FailedRetryable:
		if t.AttemptCount >= e.opts.MaxRetries {
			return e.finishTerminal(ctx, t, store.TaskFailed, out, errText)
		}
		// A checkpointed attempt still spent real money; post it before the
		// task leaves running state.
		if out.CostUSD.IsPositive() {
			if err := e.recordAttemptCost(ctx, t, out.CostUSD); err != nil {
				if errcode.HasCode(err, errcode.BudgetExceeded) {
					// Retrying cannot make the attempt cheaper; settle now.
					return e.finishTerminal(ctx, t, store.TaskFailed,
						&Outcome{Status: FailedFatal, Err: err}, err.Error())
				}
				return err
			}
		}
		notBefore := now.Add(e.backoff(t.AttemptCount))
		if err := e.st.RescheduleTask(ctx, t.ID, notBefore, errText); err != nil {
			return err
		}
		observability.TaskRetries.Inc()
		observability.TaskOutcomes.WithLabelValues(t.TaskType, "retried").Inc()
		e.pub.Publish(events.Event{
			Kind: events.TaskRetried, At: now,
			ProjectID: t.ProjectID, TaskID: t.ID,
			Detail: store.Metadata{"attempt": t.AttemptCount, "not_before": notBefore},
		})
		e.log.Warn("task rescheduled",
			zap.String("task_id", t.ID),
			zap.Int("attempt", t.AttemptCount),
			zap.Time("not_before", notBefore),
			zap.String("error", errText))
		return nil

	default:
		return e.finishTerminal(ctx, t, store.TaskFailed, out, errText)
	}
}

// recordAttemptCost posts a retried attempt's spend to the ledger under the
// same per-attempt idempotency key a terminal finish would use.
func (e *Executor) recordAttemptCost(ctx context.Context, t *store.Task, cost decimal.Decimal) error {
	goalID := ""
	if proj, err := e.st.GetProject(ctx, t.ProjectID); err == nil && proj != nil {
		goalID = proj.GoalID
	}
	if err := e.st.RecordCost(ctx, store.CostRecord{
		EntryID:        uuid.NewString(),
		When:           e.clk.Now(),
		Category:       store.CategoryAutonomous,
		AmountUSD:      cost,
		GoalID:         goalID,
		ProjectID:      t.ProjectID,
		TaskID:         t.ID,
		IdempotencyKey: attemptKey(t),
	}); err != nil {
		return err
	}
	observability.LedgerEntries.WithLabelValues(string(store.CategoryAutonomous)).Inc()
	return nil
}

func (e *Executor) finishTerminal(ctx context.Context, t *store.Task, status store.TaskStatus, out *Outcome, lastError string) error {
	now := e.clk.Now()
	params := store.FinishTaskParams{
		TaskID:    t.ID,
		Status:    status,
		Result:    out.Result,
		LastError: lastError,
		Now:       now,
	}
	debited := out.CostUSD.IsPositive()
	if debited {
		params.CostUSD = out.CostUSD
		params.CostCategory = store.CategoryAutonomous
		params.IdempotencyKey = attemptKey(t)
		params.LedgerEntryID = uuid.NewString()
	}

	tr, err := e.st.FinishTask(ctx, params)
	if errcode.HasCode(err, errcode.BudgetExceeded) {
		// The attempt's work is unaffordable; fail the task without the
		// debit so the project can settle.
		e.log.Warn("task cost exceeds project budget",
			zap.String("task_id", t.ID),
			zap.String("cost_usd", out.CostUSD.StringFixed(4)))
		debited = false
		tr, err = e.st.FinishTask(ctx, store.FinishTaskParams{
			TaskID:    t.ID,
			Status:    store.TaskFailed,
			LastError: err.Error(),
			Now:       now,
		})
	}
	if err != nil {
		return err
	}
	if debited {
		observability.LedgerEntries.WithLabelValues(string(store.CategoryAutonomous)).Inc()
	}

	observability.TaskOutcomes.WithLabelValues(t.TaskType, string(tr.Task.Status)).Inc()
	e.pub.Publish(events.Event{
		Kind: events.TaskFinished, At: now,
		ProjectID: t.ProjectID, TaskID: t.ID,
		Detail: store.Metadata{
			"task_type": t.TaskType,
			"status":    string(tr.Task.Status),
			"cost_usd":  out.CostUSD.StringFixed(4),
		},
	})
	e.log.Info("task finished",
		zap.String("task_id", t.ID),
		zap.String("task_type", t.TaskType),
		zap.String("status", string(tr.Task.Status)),
		zap.Strings("newly_ready", tr.NewlyReady))

	if tr.ProjectDone {
		e.pub.Publish(events.Event{
			Kind: events.ProjectFinished, At: now,
			ProjectID: t.ProjectID,
			Detail:    store.Metadata{"status": string(tr.ProjectStatus)},
		})
		goalKind := events.GoalCompleted
		if tr.GoalStatus == store.GoalFailed {
			goalKind = events.GoalFailed
		}
		e.pub.Publish(events.Event{Kind: goalKind, At: now, ProjectID: t.ProjectID})
	}
	return nil
}

// backoff doubles from the base per prior attempt, capped.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.opts.BackoffCap {
			return e.opts.BackoffCap
		}
	}
	if d > e.opts.BackoffCap {
		return e.opts.BackoffCap
	}
	return d
}

func attemptKey(t *store.Task) string {
	return t.ID + ":" + strconv.Itoa(t.AttemptCount)
}

func goalIDOf(p *store.Project) string {
	if p == nil {
		return ""
	}
	return p.GoalID
}
