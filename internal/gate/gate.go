// Package gate is the admission check every autonomous action passes
// before spending money or CPU. It never mutates state; callers that are
// denied simply do nothing and try again on their next tick.
package gate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/clock"
	"github.com/openfab-lab/autonomy/internal/config"
	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/observability"
	"github.com/openfab-lab/autonomy/internal/store"
)

// Hard ceilings for scheduled work. Exploration is held to the stricter
// idle thresholds instead.
const (
	pressureCPUPct = 90.0
	pressureMemPct = 90.0
)

// Exploration window in dev mode, local hours [start, end).
const (
	devWindowStartHour = 1
	devWindowEndHour   = 5
)

// Decision is the gate verdict. Reason is an errcode code when denied.
type Decision struct {
	Allowed bool
	Reason  errcode.Code
	Detail  string
	At      time.Time
}

// Gate evaluates admission rules in a fixed order and remembers the last
// decision per class for the status endpoint.
type Gate struct {
	cfg    *config.Config
	st     store.Store
	sensor *clock.IdleSensor
	clk    clock.Clock
	log    *zap.Logger

	mu   sync.Mutex
	last map[store.WorkloadClass]Decision
}

func New(cfg *config.Config, st store.Store, sensor *clock.IdleSensor, clk clock.Clock, log *zap.Logger) *Gate {
	return &Gate{
		cfg:    cfg,
		st:     st,
		sensor: sensor,
		clk:    clk,
		log:    log,
		last:   make(map[store.WorkloadClass]Decision),
	}
}

// Allows runs the admission rules for the given workload class. Rules are
// ordered so the cheapest and most decisive checks run first; the reason
// reported is always the first rule that failed.
func (g *Gate) Allows(ctx context.Context, class store.WorkloadClass) Decision {
	d := g.evaluate(ctx, class)

	g.mu.Lock()
	g.last[class] = d
	g.mu.Unlock()

	if !d.Allowed {
		observability.GateDenials.WithLabelValues(string(class), string(d.Reason)).Inc()
		g.log.Debug("gate denied",
			zap.String("class", string(class)),
			zap.String("reason", string(d.Reason)),
			zap.String("detail", d.Detail))
	}
	return d
}

func (g *Gate) evaluate(ctx context.Context, class store.WorkloadClass) Decision {
	now := g.clk.Now().In(g.cfg.Location)
	deny := func(code errcode.Code, detail string) Decision {
		return Decision{Allowed: false, Reason: code, Detail: detail, At: now}
	}

	if !g.cfg.AutonomyEnabled {
		return deny(errcode.AutonomyDisabled, "autonomy is switched off")
	}

	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.cfg.Location)
	spent, err := g.st.DailyAutonomousSpend(ctx, from, from.Add(24*time.Hour))
	if err != nil {
		// Fail closed: an unreadable ledger must not admit new spend.
		return deny(errcode.BudgetExhausted, "spend unavailable: "+err.Error())
	}
	observability.DailySpendUSD.Set(spent.InexactFloat64())
	if spent.GreaterThanOrEqual(g.cfg.DailyBudgetUSD) {
		return deny(errcode.BudgetExhausted,
			"spent "+spent.StringFixed(4)+" of "+g.cfg.DailyBudgetUSD.StringFixed(4))
	}

	if class == store.ClassExploration && !g.sensor.Idle() {
		return deny(errcode.NotIdle, "system is not idle")
	}

	if s, ok := g.sensor.Last(); ok {
		if s.CPUPct >= pressureCPUPct || s.MemPct >= pressureMemPct {
			return deny(errcode.ResourcePressure, "cpu or memory above hard ceiling")
		}
	}

	if class == store.ClassExploration && g.cfg.Mode == config.ModeDev {
		h := now.Hour()
		if h < devWindowStartHour || h >= devWindowEndHour {
			return deny(errcode.WindowClosed, "outside dev exploration window")
		}
	}

	return Decision{Allowed: true, At: now}
}

// Last returns the most recent decision per class, for /autonomy/status.
func (g *Gate) Last() map[store.WorkloadClass]Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[store.WorkloadClass]Decision, len(g.last))
	for k, v := range g.last {
		out[k] = v
	}
	return out
}
