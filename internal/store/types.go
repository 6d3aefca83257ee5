package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metadata is the schemaless evidence/payload/result column. Typed records
// live at the executor edge; storage keeps the raw map.
type Metadata map[string]any

// GoalType categorizes a proposed unit of autonomous work.
type GoalType string

const (
	GoalResearch     GoalType = "research"
	GoalImprovement  GoalType = "improvement"
	GoalOptimization GoalType = "optimization"
	GoalLearning     GoalType = "learning"
	GoalExploration  GoalType = "exploration"
)

// GoalStatus is the goal lifecycle state.
type GoalStatus string

const (
	GoalIdentified GoalStatus = "identified"
	GoalApproved   GoalStatus = "approved"
	GoalRejected   GoalStatus = "rejected"
	GoalCompleted  GoalStatus = "completed"
	GoalFailed     GoalStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s GoalStatus) Terminal() bool {
	return s == GoalRejected || s == GoalCompleted || s == GoalFailed
}

// Goal is a scored, typed proposal to perform autonomous work.
type Goal struct {
	ID          string
	Title       string
	Description string
	GoalType    GoalType
	Status      GoalStatus

	BaseImpactScore     float64
	AdjustmentFactor    float64
	AdjustedImpactScore float64

	EstimatedCostUSD decimal.Decimal
	BudgetLimitUSD   decimal.Decimal

	ApprovedBy    string
	ApprovedAt    *time.Time
	ApprovalNotes string

	LearnFrom          bool
	BaselineCaptured   bool
	BaselineCapturedAt *time.Time

	OutcomeMeasuredAt  *time.Time
	EffectivenessScore *float64

	LastError string

	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProjectStatus is the project lifecycle state.
type ProjectStatus string

const (
	ProjectProposed  ProjectStatus = "proposed"
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
	ProjectFailed    ProjectStatus = "failed"
)

func (s ProjectStatus) Terminal() bool {
	return s == ProjectCompleted || s == ProjectCancelled || s == ProjectFailed
}

// Project is an approved goal's execution plan, one-to-one with its goal.
type Project struct {
	ID     string
	GoalID string
	Status ProjectStatus

	AllocatedBudgetUSD decimal.Decimal
	SpentBudgetUSD     decimal.Decimal

	ActualCostUSD       decimal.Decimal
	ActualDurationHours float64

	LastError string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// TaskPriority orders ready tasks for dispatch.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

// Rank returns the strict dispatch order; lower dispatches first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Task is a leaf unit of work inside a project.
type Task struct {
	ID        string
	ProjectID string
	TaskType  string
	Status    TaskStatus
	Priority  TaskPriority

	// DependsOn lists task ids within the same project.
	DependsOn []string
	// StrictDeps requires dependencies to be completed; skipped does not count.
	StrictDeps bool
	// Critical propagates a fatal failure to the project.
	Critical bool

	EstimatedCostUSD decimal.Decimal
	ActualCostUSD    decimal.Decimal

	Payload Metadata
	Result  Metadata

	AttemptCount int
	LastError    string
	NotBefore    *time.Time

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// GoalOutcome is the baseline plus post-window measurement for a goal.
type GoalOutcome struct {
	ID     string
	GoalID string

	BaselineDate    time.Time
	MeasurementDate *time.Time

	BaselineMetrics Metadata
	OutcomeMetrics  Metadata

	ImpactComponent   float64
	ROIComponent      float64
	AdoptionComponent float64
	QualityComponent  float64

	EffectivenessScore *float64
}

// TriggerKind selects cron or fixed-interval firing.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
)

// WorkloadClass gates when a job may run.
type WorkloadClass string

const (
	ClassScheduled   WorkloadClass = "scheduled"
	ClassExploration WorkloadClass = "exploration"
)

// ScheduledJob is a durable scheduler entry. Definitions survive restarts;
// handlers bind by name at startup.
type ScheduledJob struct {
	ID          string
	HandlerName string
	Trigger     TriggerKind
	Expression  string        // cron expression when Trigger == cron
	Period      time.Duration // fixed period when Trigger == interval
	Timezone    string
	Enabled     bool
	Class       WorkloadClass

	NextRunAt  *time.Time
	LastRunAt  *time.Time
	LastStatus string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CostCategory separates autonomous from user-initiated spend.
type CostCategory string

const (
	CategoryAutonomous CostCategory = "autonomous"
	CategoryPerQuery   CostCategory = "per_query"
)

// LedgerEntry is one append-only cost event.
type LedgerEntry struct {
	ID             string
	When           time.Time
	Category       CostCategory
	AmountUSD      decimal.Decimal
	GoalID         string
	ProjectID      string
	TaskID         string
	IdempotencyKey string
}
