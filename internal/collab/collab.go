// Package collab defines the contracts to the external collaborators the
// task handlers call: research, knowledge base, fabrication, and metrics.
// Adapters translate every failure into the errcode taxonomy; no transport
// error type crosses into the core.
package collab

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// GatherResult is the research collaborator's raw material for a query.
type GatherResult struct {
	Citations []string        `json:"citations"`
	RawText   string          `json:"raw_text"`
	CostUSD   decimal.Decimal `json:"cost_usd"`
}

// SynthesizeResult is a drafted article from gathered inputs.
type SynthesizeResult struct {
	ArticleMarkdown string          `json:"article_markdown"`
	CostUSD         decimal.Decimal `json:"cost_usd"`
}

// Research gathers sources and synthesizes articles.
type Research interface {
	Gather(ctx context.Context, query string, budgetUSD decimal.Decimal) (*GatherResult, error)
	Synthesize(ctx context.Context, inputs []string, modelHint string) (*SynthesizeResult, error)
}

// ArticleRef locates a written knowledge base article.
type ArticleRef struct {
	Path       string `json:"path"`
	VersionTag string `json:"version_tag"`
}

// KBWriter persists articles into the knowledge base and commits them.
type KBWriter interface {
	CreateArticle(ctx context.Context, slug, markdown string, frontmatter map[string]any) (*ArticleRef, error)
	AppendCommit(ctx context.Context, message string) (commitRef string, err error)
}

// PrintOutcome is the terminal report for a queued print job.
type PrintOutcome struct {
	Success       bool            `json:"success"`
	FailureReason string          `json:"failure_reason,omitempty"`
	DurationH     float64         `json:"duration_h"`
	MaterialG     float64         `json:"material_g"`
	CostUSD       decimal.Decimal `json:"cost_usd"`
}

// Fabrication queues prints and reports their outcomes.
type Fabrication interface {
	QueuePrint(ctx context.Context, spec map[string]any) (jobID string, err error)
	PrintOutcome(ctx context.Context, jobID string) (*PrintOutcome, error)
}

// FailureCostStats sizes a failure window: how many prints ran and what a
// failed one cost on average.
type FailureCostStats struct {
	TotalPrints     int             `json:"total_prints"`
	MeanFailureCost decimal.Decimal `json:"mean_failure_cost_usd"`
}

// MetricsProbe reads the operational aggregates the goal strategies and the
// outcome tracker observe.
type MetricsProbe interface {
	MaterialsCountForSlug(ctx context.Context, slug string) (int, error)
	FailuresByReason(ctx context.Context, since, until time.Time) (map[string]int, error)
	FailureCostStats(ctx context.Context, since, until time.Time) (*FailureCostStats, error)
	TierSpendFraction(ctx context.Context, since, until time.Time) (float64, error)
	TotalSpend(ctx context.Context, since, until time.Time) (decimal.Decimal, error)
}
