package goalgen

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openfab-lab/autonomy/internal/collab"
	"github.com/openfab-lab/autonomy/internal/store"
)

// Components are the raw scoring inputs, each clamped to [0, 1] before the
// weighted sum.
type Components struct {
	Frequency      float64
	Severity       float64
	CostSavings    float64
	KnowledgeGap   float64
	StrategicValue float64
}

// Candidate is an unscored goal proposal from one strategy.
type Candidate struct {
	GoalType    store.GoalType
	Title       string
	Description string
	Components  Components
	// EvidenceAt is the age anchor for tie-breaking: older evidence wins.
	EvidenceAt       time.Time
	EstimatedCostUSD decimal.Decimal
	BudgetLimitUSD   decimal.Decimal
	Metadata         store.Metadata
}

// Strategy detects a class of opportunity and proposes candidates.
type Strategy interface {
	Name() string
	Detect(ctx context.Context, now time.Time) ([]Candidate, error)
}

// --- Print-failure clustering ---

// PrintFailureOptions tunes the clustering strategy.
type PrintFailureOptions struct {
	WindowDays       int             // default 30
	MinClusterSize   int             // default 3
	ReferenceCostUSD decimal.Decimal // cost that counts as severity 1.0
	BudgetLimitUSD   decimal.Decimal
}

// PrintFailures clusters recent print failures by reason. A recurring
// reason becomes an improvement candidate sized by how often it happens and
// how much a failed print costs.
type PrintFailures struct {
	probe collab.MetricsProbe
	opts  PrintFailureOptions
}

func NewPrintFailures(probe collab.MetricsProbe, opts PrintFailureOptions) *PrintFailures {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 30
	}
	if opts.MinClusterSize <= 0 {
		opts.MinClusterSize = 3
	}
	if opts.ReferenceCostUSD.IsZero() {
		opts.ReferenceCostUSD = decimal.RequireFromString("10.00")
	}
	return &PrintFailures{probe: probe, opts: opts}
}

func (s *PrintFailures) Name() string { return "print_failure_cluster" }

func (s *PrintFailures) Detect(ctx context.Context, now time.Time) ([]Candidate, error) {
	since := now.AddDate(0, 0, -s.opts.WindowDays)

	failures, err := s.probe.FailuresByReason(ctx, since, now)
	if err != nil {
		return nil, err
	}
	stats, err := s.probe.FailureCostStats(ctx, since, now)
	if err != nil {
		return nil, err
	}
	if stats.TotalPrints == 0 {
		return nil, nil
	}

	severity := clamp01(stats.MeanFailureCost.InexactFloat64() / s.opts.ReferenceCostUSD.InexactFloat64())

	reasons := make([]string, 0, len(failures))
	for reason := range failures {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	var out []Candidate
	for _, reason := range reasons {
		count := failures[reason]
		if count < s.opts.MinClusterSize {
			continue
		}
		out = append(out, Candidate{
			GoalType:    store.GoalImprovement,
			Title:       fmt.Sprintf("Reduce %s print failures", reason),
			Description: fmt.Sprintf("%d of the last %d prints failed with %s", count, stats.TotalPrints, reason),
			Components: Components{
				Frequency:      clamp01(float64(count) / float64(stats.TotalPrints)),
				Severity:       severity,
				StrategicValue: 0.5,
			},
			EvidenceAt:     since,
			BudgetLimitUSD: s.opts.BudgetLimitUSD,
			Metadata: store.Metadata{
				"strategy":       s.Name(),
				"failure_reason": reason,
				"cluster_size":   count,
				"total_prints":   stats.TotalPrints,
			},
		})
	}
	return out, nil
}

// --- Knowledge gap ---

// KnowledgeGapOptions lists the topics the knowledge base should cover.
type KnowledgeGapOptions struct {
	TopicSlugs     []string
	BudgetLimitUSD decimal.Decimal
}

// KnowledgeGaps proposes research for configured topics with no knowledge
// base coverage.
type KnowledgeGaps struct {
	probe collab.MetricsProbe
	opts  KnowledgeGapOptions
}

func NewKnowledgeGaps(probe collab.MetricsProbe, opts KnowledgeGapOptions) *KnowledgeGaps {
	return &KnowledgeGaps{probe: probe, opts: opts}
}

func (s *KnowledgeGaps) Name() string { return "knowledge_gap" }

func (s *KnowledgeGaps) Detect(ctx context.Context, now time.Time) ([]Candidate, error) {
	var out []Candidate
	for _, slug := range s.opts.TopicSlugs {
		n, err := s.probe.MaterialsCountForSlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			continue
		}
		out = append(out, Candidate{
			GoalType:    store.GoalResearch,
			Title:       fmt.Sprintf("Research %s", slug),
			Description: fmt.Sprintf("No knowledge base coverage for %s", slug),
			Components: Components{
				KnowledgeGap:   1.0,
				StrategicValue: 0.8,
			},
			EvidenceAt:     now,
			BudgetLimitUSD: s.opts.BudgetLimitUSD,
			Metadata: store.Metadata{
				"strategy":     s.Name(),
				"missing_slug": slug,
			},
		})
	}
	return out, nil
}

// --- Spend-mix anomaly ---

// SpendMixOptions tunes the anomaly thresholds.
type SpendMixOptions struct {
	WindowDays        int             // default 30
	FractionThreshold float64         // default 0.30
	FloorUSD          decimal.Decimal // default 5.00
	SavingsRefUSD     decimal.Decimal // potential savings that count as 1.0
	BudgetLimitUSD    decimal.Decimal
}

// SpendMix flags periods where the most expensive model tier dominates
// spend, proposing an optimization sized by the potential savings.
type SpendMix struct {
	probe collab.MetricsProbe
	opts  SpendMixOptions
}

func NewSpendMix(probe collab.MetricsProbe, opts SpendMixOptions) *SpendMix {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 30
	}
	if opts.FractionThreshold <= 0 {
		opts.FractionThreshold = 0.30
	}
	if opts.FloorUSD.IsZero() {
		opts.FloorUSD = decimal.RequireFromString("5.00")
	}
	if opts.SavingsRefUSD.IsZero() {
		opts.SavingsRefUSD = decimal.RequireFromString("10.00")
	}
	return &SpendMix{probe: probe, opts: opts}
}

func (s *SpendMix) Name() string { return "spend_mix" }

func (s *SpendMix) Detect(ctx context.Context, now time.Time) ([]Candidate, error) {
	since := now.AddDate(0, 0, -s.opts.WindowDays)

	fraction, err := s.probe.TierSpendFraction(ctx, since, now)
	if err != nil {
		return nil, err
	}
	total, err := s.probe.TotalSpend(ctx, since, now)
	if err != nil {
		return nil, err
	}
	if fraction <= s.opts.FractionThreshold || total.LessThanOrEqual(s.opts.FloorUSD) {
		return nil, nil
	}

	potential := total.Mul(decimal.NewFromFloat(fraction - s.opts.FractionThreshold)).Round(4)
	return []Candidate{{
		GoalType: store.GoalOptimization,
		Title:    "Rebalance model tier usage",
		Description: fmt.Sprintf("%.0f%% of %s USD spend went to the top tier in the last %d days",
			fraction*100, total.StringFixed(2), s.opts.WindowDays),
		Components: Components{
			CostSavings:    clamp01(potential.InexactFloat64() / s.opts.SavingsRefUSD.InexactFloat64()),
			StrategicValue: 0.5,
		},
		EvidenceAt:     since,
		BudgetLimitUSD: s.opts.BudgetLimitUSD,
		Metadata: store.Metadata{
			"strategy":              s.Name(),
			"tier_fraction":         fraction,
			"total_spend_usd":       total.StringFixed(4),
			"potential_savings_usd": potential.StringFixed(4),
		},
	}}, nil
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
