// Command autonomyd runs the autonomous work core: goal generation,
// approval, task execution, outcome measurement, and the operator API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/api"
	"github.com/openfab-lab/autonomy/internal/approval"
	"github.com/openfab-lab/autonomy/internal/clock"
	"github.com/openfab-lab/autonomy/internal/collab"
	"github.com/openfab-lab/autonomy/internal/config"
	"github.com/openfab-lab/autonomy/internal/events"
	"github.com/openfab-lab/autonomy/internal/executor"
	"github.com/openfab-lab/autonomy/internal/feedback"
	"github.com/openfab-lab/autonomy/internal/gate"
	"github.com/openfab-lab/autonomy/internal/goalgen"
	"github.com/openfab-lab/autonomy/internal/lock"
	"github.com/openfab-lab/autonomy/internal/observability"
	"github.com/openfab-lab/autonomy/internal/outcome"
	"github.com/openfab-lab/autonomy/internal/scheduler"
	"github.com/openfab-lab/autonomy/internal/store"
)

const (
	collaboratorTimeout = 30 * time.Second
	pumpInterval        = 15 * time.Second
	shutdownGrace       = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("configuration", zap.Error(err))
	}

	log, err := observability.NewLogger(cfg.Mode == config.ModeDev)
	if err != nil {
		zap.NewExample().Fatal("logger", zap.Error(err))
	}
	defer log.Sync()
	log.Info("starting autonomyd", zap.String("config", cfg.String()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{Location: cfg.Location}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("store", zap.Error(err))
	}
	defer st.Close()

	locker, err := openLocker(ctx, cfg, log)
	if err != nil {
		log.Fatal("lock backend", zap.Error(err))
	}

	prober := clock.NewSystemProber(clk)
	sensor := clock.NewIdleSensor(prober, clk, log, clock.IdleSensorOptions{
		CPUIdlePct:  cfg.CPUIdlePct,
		MemIdlePct:  cfg.MemIdlePct,
		ActivityAge: cfg.IdleThreshold,
		SampleEvery: 15 * time.Second,
	})
	sensor.Start(ctx)
	defer sensor.Stop()

	hub := events.NewHub(log)
	go hub.Run(ctx)
	pub := events.Fanout{events.NewLogPublisher(log), hub}

	gt := gate.New(cfg, st, sensor, clk, log)
	fb := feedback.New(st, cfg.FeedbackMinSamples, cfg.FeedbackAdjustmentMax, log)

	probe := collab.NewHTTPMetricsProbe(envOr("METRICS_URL", "http://localhost:9304"), collaboratorTimeout, log)
	research := collab.NewHTTPResearch(envOr("RESEARCH_URL", "http://localhost:9301"), collaboratorTimeout, log)
	kb := collab.NewHTTPKBWriter(envOr("KB_URL", "http://localhost:9302"), collaboratorTimeout, log)
	fab := collab.NewHTTPFabrication(envOr("FABRICATION_URL", "http://localhost:9303"), collaboratorTimeout, log)

	tracker := outcome.NewTracker(st, probe, pub, log, cfg.OutcomeWindowDays)
	wf := approval.New(st, tracker, pub, clk, log)

	ex := executor.New(st, locker, gt, pub, clk, log, executor.Options{
		MaxRetries:  cfg.MaxTaskRetries,
		BackoffBase: cfg.RetryBackoffBase,
		BackoffCap:  cfg.RetryBackoffCap,
		LockTTL:     cfg.TaskLockTTL,
	})
	ex.RegisterBuiltins(research, kb, fab, cfg.PerQueryBudgetUSD)

	goalBudget := cfg.DailyBudgetUSD
	gen := goalgen.New(st, fb, []goalgen.Strategy{
		goalgen.NewPrintFailures(probe, goalgen.PrintFailureOptions{BudgetLimitUSD: goalBudget}),
		goalgen.NewKnowledgeGaps(probe, goalgen.KnowledgeGapOptions{
			TopicSlugs:     splitList(os.Getenv("KB_TOPIC_SLUGS")),
			BudgetLimitUSD: goalBudget,
		}),
		goalgen.NewSpendMix(probe, goalgen.SpendMixOptions{BudgetLimitUSD: goalBudget}),
	}, pub, log, cfg.MinImpactScore, cfg.WeeklyGoalCap)

	sched := scheduler.New(st, locker, gt, pub, clk, log, scheduler.Options{
		Location: cfg.Location,
		LockTTL:  cfg.JobLockTTL,
	})
	mustRegister(log, sched, scheduler.JobSpec{
		Name: "goal_generation", Class: store.ClassExploration,
		Trigger: store.TriggerCron, Expression: "0 2 * * 1",
	}, func(ctx context.Context) error {
		_, err := gen.Run(ctx, clk.Now())
		return err
	})
	mustRegister(log, sched, scheduler.JobSpec{
		Name: "outcome_measurement", Class: store.ClassScheduled,
		Trigger: store.TriggerCron, Expression: "30 2 * * *",
	}, func(ctx context.Context) error {
		n, err := tracker.MeasureDue(ctx, clk.Now())
		if n > 0 {
			log.Info("outcomes measured", zap.Int("count", n))
		}
		return err
	})
	mustRegister(log, sched, scheduler.JobSpec{
		Name: "task_pump", Class: store.ClassScheduled,
		Trigger: store.TriggerInterval, Period: pumpInterval,
	}, func(ctx context.Context) error {
		_, err := ex.Pump(ctx)
		return err
	})

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", zap.Error(err))
		}
	}()

	server := api.NewServer(cfg, st, wf, gt, fb, sensor, hub, clk, log)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}()

	log.Info("api listening", zap.String("addr", cfg.ListenAddr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("http server", zap.Error(err))
	}
	log.Info("autonomyd stopped")
}

// openStore picks Postgres when STORE_URL is a connection string, or the
// in-process store for single-node development.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, error) {
	if cfg.StoreURL == "memory" {
		log.Warn("using in-memory store; state will not survive restarts")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.StoreURL)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(pg.Pool()); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func openLocker(ctx context.Context, cfg *config.Config, log *zap.Logger) (lock.Locker, error) {
	if cfg.LockKVURL == "memory" {
		log.Warn("using in-process locks; multi-node deployments need Redis")
		return lock.NewMemoryLocker(), nil
	}
	return lock.NewRedisLocker(ctx, cfg.LockKVURL)
}

func mustRegister(log *zap.Logger, sched *scheduler.Scheduler, spec scheduler.JobSpec, fn scheduler.Handler) {
	if err := sched.Register(spec, fn); err != nil {
		log.Fatal("job registration", zap.String("handler", spec.Name), zap.Error(err))
	}
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
