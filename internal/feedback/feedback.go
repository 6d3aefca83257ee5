// Package feedback turns measured goal outcomes into a multiplicative
// adjustment applied to future impact scores of the same goal type.
package feedback

import (
	"context"

	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/store"
)

// Interpolation anchors: mean effectiveness 50 maps to the floor factor,
// 75 maps to the configured ceiling.
const (
	factorFloor = 0.5
	meanFloor   = 50.0
	meanCeil    = 75.0
)

// Loop computes per-type adjustment factors from the outcome history.
type Loop struct {
	st         store.Store
	minSamples int
	maxFactor  float64
	log        *zap.Logger
}

func New(st store.Store, minSamples int, maxFactor float64, log *zap.Logger) *Loop {
	return &Loop{st: st, minSamples: minSamples, maxFactor: maxFactor, log: log}
}

// Adjust returns the factor for the goal type. With fewer than the minimum
// number of measured outcomes it refuses to adjust and returns 1.0; the
// factor caps at the configured maximum so one lucky streak cannot
// self-reinforce without bound.
func (l *Loop) Adjust(ctx context.Context, goalType store.GoalType) (float64, error) {
	outcomes, err := l.st.ListMeasuredOutcomes(ctx, goalType)
	if err != nil {
		return 1.0, err
	}
	if len(outcomes) < l.minSamples {
		return 1.0, nil
	}

	sum := 0.0
	for _, o := range outcomes {
		sum += *o.EffectivenessScore
	}
	mean := sum / float64(len(outcomes))
	factor := l.factorFor(mean)

	l.log.Debug("feedback adjustment",
		zap.String("goal_type", string(goalType)),
		zap.Int("samples", len(outcomes)),
		zap.Float64("mean_effectiveness", mean),
		zap.Float64("factor", factor))
	return factor, nil
}

// Stats returns the aggregate behind Adjust, for the effectiveness endpoint.
func (l *Loop) Stats(ctx context.Context, goalType store.GoalType) (mean float64, samples int, factor float64, err error) {
	outcomes, err := l.st.ListMeasuredOutcomes(ctx, goalType)
	if err != nil {
		return 0, 0, 1.0, err
	}
	samples = len(outcomes)
	if samples == 0 {
		return 0, 0, 1.0, nil
	}
	sum := 0.0
	for _, o := range outcomes {
		sum += *o.EffectivenessScore
	}
	mean = sum / float64(samples)
	factor = 1.0
	if samples >= l.minSamples {
		factor = l.factorFor(mean)
	}
	return mean, samples, factor, nil
}

func (l *Loop) factorFor(mean float64) float64 {
	switch {
	case mean >= meanCeil:
		return l.maxFactor
	case mean <= meanFloor:
		return factorFloor
	default:
		span := (mean - meanFloor) / (meanCeil - meanFloor)
		return factorFloor + span*(l.maxFactor-factorFloor)
	}
}
