// Package outcome captures baselines at approval time and measures goal
// effectiveness after the configured window.
package outcome

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/collab"
	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/events"
	"github.com/openfab-lab/autonomy/internal/observability"
	"github.com/openfab-lab/autonomy/internal/store"
)

// Effectiveness weights.
const (
	weightImpact   = 0.4
	weightROI      = 0.3
	weightAdoption = 0.2
	weightQuality  = 0.1

	// Saturation constants for the x/(x+k) curves.
	roiK      = 1.0
	adoptionK = 3.0

	defaultQuality = 0.5
)

// referenceArticleValueUSD prices one new knowledge base article when
// estimating research value created.
var referenceArticleValueUSD = decimal.RequireFromString("5.00")

// Tracker samples per-type metrics at approval and again after the window.
type Tracker struct {
	st         store.Store
	probe      collab.MetricsProbe
	pub        events.Publisher
	log        *zap.Logger
	windowDays int
}

func NewTracker(st store.Store, probe collab.MetricsProbe, pub events.Publisher, log *zap.Logger, windowDays int) *Tracker {
	if windowDays <= 0 {
		windowDays = 30
	}
	return &Tracker{st: st, probe: probe, pub: pub, log: log, windowDays: windowDays}
}

// CaptureBaseline samples the goal type's metric set. Called by the
// approval workflow so the result lands inside the approval transaction.
func (t *Tracker) CaptureBaseline(ctx context.Context, g *store.Goal, now time.Time) (store.Metadata, error) {
	return t.sample(ctx, g, now)
}

// sample reads the per-type metrics; the same function serves baseline and
// measurement so both sides compare like with like.
func (t *Tracker) sample(ctx context.Context, g *store.Goal, now time.Time) (store.Metadata, error) {
	since := now.AddDate(0, 0, -30)

	switch g.GoalType {
	case store.GoalResearch, store.GoalLearning, store.GoalExploration:
		slug := metaString(g.Metadata, "missing_slug")
		count := 0
		if slug != "" {
			var err error
			count, err = t.probe.MaterialsCountForSlug(ctx, slug)
			if err != nil {
				return nil, err
			}
		}
		return store.Metadata{
			"slug":                      slug,
			"kb_article_count_for_slug": count,
		}, nil

	case store.GoalImprovement:
		reason := metaString(g.Metadata, "failure_reason")
		failures, err := t.probe.FailuresByReason(ctx, since, now)
		if err != nil {
			return nil, err
		}
		stats, err := t.probe.FailureCostStats(ctx, since, now)
		if err != nil {
			return nil, err
		}
		return store.Metadata{
			"failure_reason":            reason,
			"failure_count_30d":         failures[reason],
			"mean_cost_per_failure_usd": stats.MeanFailureCost.StringFixed(4),
			"total_prints_30d":          stats.TotalPrints,
		}, nil

	case store.GoalOptimization:
		fraction, err := t.probe.TierSpendFraction(ctx, since, now)
		if err != nil {
			return nil, err
		}
		total, err := t.probe.TotalSpend(ctx, since, now)
		if err != nil {
			return nil, err
		}
		return store.Metadata{
			"tier_spend_fraction_30d": fraction,
			"total_spend_30d_usd":     total.StringFixed(4),
		}, nil

	default:
		return nil, errcode.New(errcode.InvalidState, "no metric set for goal type %s", g.GoalType)
	}
}

// MeasureDue measures every completed goal past the window that has no
// recorded outcome. Returns how many measurements were written. The store's
// conditional write keeps concurrent or repeated runs exactly-once.
func (t *Tracker) MeasureDue(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -t.windowDays)
	due, err := t.st.ListGoalsDueMeasurement(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	measured := 0
	for _, g := range due {
		wrote, err := t.measureOne(ctx, g, now)
		if err != nil {
			t.log.Warn("measurement failed",
				zap.String("goal_id", g.ID), zap.Error(err))
			continue
		}
		if wrote {
			measured++
		}
	}
	return measured, nil
}

func (t *Tracker) measureOne(ctx context.Context, g *store.Goal, now time.Time) (bool, error) {
	base, err := t.st.GetOutcomeByGoal(ctx, g.ID)
	if err != nil {
		return false, err
	}
	if base == nil {
		return false, errcode.New(errcode.BaselineMissing, "goal %s has no baseline", g.ID)
	}

	current, err := t.sample(ctx, g, now)
	if err != nil {
		return false, err
	}

	proj, err := t.st.GetProjectByGoal(ctx, g.ID)
	if err != nil {
		return false, err
	}

	impact, valueUSD := t.impactAndValue(g, base.BaselineMetrics, current)
	roi := roiComponent(valueUSD, projectCost(proj))
	adoption := adoptionComponent(g, base.BaselineMetrics, current)
	quality := qualityComponent(g)

	score := 100 * (weightImpact*impact + weightROI*roi + weightAdoption*adoption + weightQuality*quality)

	wrote, err := t.st.WriteOutcome(ctx, store.WriteOutcomeParams{
		GoalID:             g.ID,
		Now:                now,
		OutcomeMetrics:     current,
		Impact:             impact,
		ROI:                roi,
		Adoption:           adoption,
		Quality:            quality,
		EffectivenessScore: score,
	})
	if err != nil || !wrote {
		return false, err
	}

	observability.OutcomesMeasured.WithLabelValues(string(g.GoalType)).Inc()
	t.pub.Publish(events.Event{
		Kind:   events.GoalMeasured,
		At:     now,
		GoalID: g.ID,
		Detail: store.Metadata{"effectiveness_score": score},
	})
	t.log.Info("outcome measured",
		zap.String("goal_id", g.ID),
		zap.String("goal_type", string(g.GoalType)),
		zap.Float64("impact", impact),
		zap.Float64("roi", roi),
		zap.Float64("adoption", adoption),
		zap.Float64("effectiveness", score))
	return true, nil
}

// impactAndValue computes the normalized primary-metric improvement and an
// estimate of the dollar value created, per goal type.
func (t *Tracker) impactAndValue(g *store.Goal, baseline, current store.Metadata) (float64, decimal.Decimal) {
	switch g.GoalType {
	case store.GoalResearch, store.GoalLearning, store.GoalExploration:
		before := metaInt(baseline, "kb_article_count_for_slug")
		after := metaInt(current, "kb_article_count_for_slug")
		added := after - before
		if added <= 0 {
			return 0, decimal.Zero
		}
		value := referenceArticleValueUSD.Mul(decimal.NewFromInt(int64(added)))
		return saturate(float64(added), 1), value

	case store.GoalImprovement:
		before := metaInt(baseline, "failure_count_30d")
		after := metaInt(current, "failure_count_30d")
		if before <= 0 || after >= before {
			return 0, decimal.Zero
		}
		impact := float64(before-after) / float64(before)
		meanCost, _ := decimal.NewFromString(metaString(baseline, "mean_cost_per_failure_usd"))
		value := meanCost.Mul(decimal.NewFromInt(int64(before - after)))
		return clamp01(impact), value

	case store.GoalOptimization:
		before := metaFloat(baseline, "tier_spend_fraction_30d")
		after := metaFloat(current, "tier_spend_fraction_30d")
		if before <= 0 || after >= before {
			return 0, decimal.Zero
		}
		impact := (before - after) / before
		total, _ := decimal.NewFromString(metaString(baseline, "total_spend_30d_usd"))
		value := total.Mul(decimal.NewFromFloat(before - after)).Round(4)
		return clamp01(impact), value
	}
	return 0, decimal.Zero
}

// roiComponent maps value/cost through a saturating curve; zero cost with
// positive value saturates to 1.
func roiComponent(valueUSD, costUSD decimal.Decimal) float64 {
	if !valueUSD.IsPositive() {
		return 0
	}
	if !costUSD.IsPositive() {
		return 1
	}
	ratio, _ := valueUSD.Div(costUSD).Float64()
	return saturate(ratio, roiK)
}

// adoptionComponent measures uptake. Research counts new coverage;
// improvement counts avoided failures; optimization is binary on whether
// the spend mix actually moved.
func adoptionComponent(g *store.Goal, baseline, current store.Metadata) float64 {
	switch g.GoalType {
	case store.GoalResearch, store.GoalLearning, store.GoalExploration:
		added := metaInt(current, "kb_article_count_for_slug") - metaInt(baseline, "kb_article_count_for_slug")
		return saturate(float64(added), adoptionK)
	case store.GoalImprovement:
		avoided := metaInt(baseline, "failure_count_30d") - metaInt(current, "failure_count_30d")
		return saturate(float64(avoided), adoptionK)
	case store.GoalOptimization:
		if metaFloat(current, "tier_spend_fraction_30d") < metaFloat(baseline, "tier_spend_fraction_30d") {
			return 1
		}
	}
	return 0
}

func qualityComponent(g *store.Goal) float64 {
	if q, ok := g.Metadata["quality"].(float64); ok {
		return clamp01(q)
	}
	return defaultQuality
}

func projectCost(p *store.Project) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.ActualCostUSD
}

// saturate is the x/(x+k) curve: 0 at 0, approaching 1 as x grows.
func saturate(x, k float64) float64 {
	if x <= 0 {
		return 0
	}
	return x / (x + k)
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

func metaString(m store.Metadata, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func metaInt(m store.Metadata, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func metaFloat(m store.Metadata, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
