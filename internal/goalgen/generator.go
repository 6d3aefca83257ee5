// Package goalgen runs the detection strategies and turns their candidates
// into scored, identified goals.
package goalgen

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/events"
	"github.com/openfab-lab/autonomy/internal/feedback"
	"github.com/openfab-lab/autonomy/internal/observability"
	"github.com/openfab-lab/autonomy/internal/store"
)

// Scoring weights over the clamped components.
const (
	weightFrequency      = 0.20
	weightSeverity       = 0.25
	weightCostSavings    = 0.20
	weightKnowledgeGap   = 0.20
	weightStrategicValue = 0.15
)

// Generator scores candidates from every registered strategy and inserts
// the survivors as identified goals, capped per week.
type Generator struct {
	st         store.Store
	fb         *feedback.Loop
	strategies []Strategy
	pub        events.Publisher
	log        *zap.Logger

	minImpact float64
	weeklyCap int
}

func New(st store.Store, fb *feedback.Loop, strategies []Strategy, pub events.Publisher, log *zap.Logger, minImpact float64, weeklyCap int) *Generator {
	return &Generator{
		st:         st,
		fb:         fb,
		strategies: strategies,
		pub:        pub,
		log:        log,
		minImpact:  minImpact,
		weeklyCap:  weeklyCap,
	}
}

// BaseImpact computes the weighted score from clamped components.
func BaseImpact(c Components) float64 {
	score := 100 * (weightFrequency*clamp01(c.Frequency) +
		weightSeverity*clamp01(c.Severity) +
		weightCostSavings*clamp01(c.CostSavings) +
		weightKnowledgeGap*clamp01(c.KnowledgeGap) +
		weightStrategicValue*clamp01(c.StrategicValue))
	return clampScore(score)
}

// scored pairs a candidate with its adjusted impact.
type scored struct {
	cand     Candidate
	base     float64
	factor   float64
	adjusted float64
}

// Run executes every strategy, scores the candidates, and inserts the kept
// goals. A strategy error skips that strategy, not the run. Returns the
// inserted goals.
func (g *Generator) Run(ctx context.Context, now time.Time) ([]*store.Goal, error) {
	var candidates []Candidate
	for _, s := range g.strategies {
		found, err := s.Detect(ctx, now)
		if err != nil {
			g.log.Warn("strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
			continue
		}
		candidates = append(candidates, found...)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// One feedback lookup per goal type present in this run.
	factors := make(map[store.GoalType]float64)
	var kept []scored
	for _, c := range candidates {
		factor, ok := factors[c.GoalType]
		if !ok {
			var err error
			factor, err = g.fb.Adjust(ctx, c.GoalType)
			if err != nil {
				g.log.Warn("feedback lookup failed, using neutral factor",
					zap.String("goal_type", string(c.GoalType)), zap.Error(err))
				factor = 1.0
			}
			factors[c.GoalType] = factor
		}

		base := BaseImpact(c.Components)
		adjusted := clampScore(base * factor)
		if adjusted < g.minImpact {
			observability.GoalsGenerated.WithLabelValues(string(c.GoalType), "discarded").Inc()
			continue
		}
		kept = append(kept, scored{cand: c, base: base, factor: factor, adjusted: adjusted})
	}

	// Weekly cap counts goals already created this week plus this run.
	weekStart := now.AddDate(0, 0, -7)
	existing, err := g.st.CountGoalsCreatedSince(ctx, weekStart)
	if err != nil {
		return nil, err
	}
	room := g.weeklyCap - existing
	if room <= 0 {
		g.log.Info("weekly goal cap reached", zap.Int("cap", g.weeklyCap))
		for _, s := range kept {
			observability.GoalsGenerated.WithLabelValues(string(s.cand.GoalType), "capped").Inc()
		}
		return nil, nil
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.adjusted != b.adjusted {
			return a.adjusted > b.adjusted
		}
		if a.cand.Components.StrategicValue != b.cand.Components.StrategicValue {
			return a.cand.Components.StrategicValue > b.cand.Components.StrategicValue
		}
		return a.cand.EvidenceAt.Before(b.cand.EvidenceAt)
	})
	if len(kept) > room {
		for _, s := range kept[room:] {
			observability.GoalsGenerated.WithLabelValues(string(s.cand.GoalType), "capped").Inc()
		}
		kept = kept[:room]
	}

	var inserted []*store.Goal
	for _, s := range kept {
		goal := &store.Goal{
			ID:                  uuid.NewString(),
			Title:               s.cand.Title,
			Description:         s.cand.Description,
			GoalType:            s.cand.GoalType,
			Status:              store.GoalIdentified,
			BaseImpactScore:     s.base,
			AdjustmentFactor:    s.factor,
			AdjustedImpactScore: s.adjusted,
			EstimatedCostUSD:    s.cand.EstimatedCostUSD,
			BudgetLimitUSD:      s.cand.BudgetLimitUSD,
			LearnFrom:           true,
			Metadata:            s.cand.Metadata,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := g.st.InsertGoal(ctx, goal); err != nil {
			return inserted, err
		}
		inserted = append(inserted, goal)
		observability.GoalsGenerated.WithLabelValues(string(goal.GoalType), "kept").Inc()
		g.pub.Publish(events.Event{
			Kind:   events.GoalIdentified,
			At:     now,
			GoalID: goal.ID,
			Detail: store.Metadata{
				"title":           goal.Title,
				"adjusted_impact": goal.AdjustedImpactScore,
			},
		})
		g.log.Info("goal identified",
			zap.String("goal_id", goal.ID),
			zap.String("goal_type", string(goal.GoalType)),
			zap.Float64("base_impact", s.base),
			zap.Float64("adjustment_factor", s.factor),
			zap.Float64("adjusted_impact", s.adjusted))
	}
	return inserted, nil
}

func clampScore(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 100:
		return 100
	default:
		return x
	}
}
