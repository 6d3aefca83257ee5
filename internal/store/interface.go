package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ProjectPlan is a validated project plus its task DAG, built by the engine
// and inserted atomically on approval.
type ProjectPlan struct {
	Project *Project
	Tasks   []*Task
}

// ApproveGoalParams carries everything the approval transaction writes.
type ApproveGoalParams struct {
	GoalID   string
	Approver string
	Notes    string
	Now      time.Time

	Plan            *ProjectPlan
	BaselineMetrics Metadata
	OutcomeID       string
}

// ApproveGoalResult reports the project and whether this call created it.
type ApproveGoalResult struct {
	Project *Project
	Created bool
}

// FinishTaskParams closes a task in one transaction: result, status, cost
// debit, dependent readiness, and project/goal completion when final.
type FinishTaskParams struct {
	TaskID    string
	Status    TaskStatus // completed, failed, or skipped
	Result    Metadata
	LastError string
	Now       time.Time

	CostUSD        decimal.Decimal
	CostCategory   CostCategory
	IdempotencyKey string
	LedgerEntryID  string
}

// TaskTransition describes what FinishTask changed beyond the task itself.
type TaskTransition struct {
	Task          *Task
	NewlyReady    []string
	ProjectDone   bool
	ProjectStatus ProjectStatus
	GoalStatus    GoalStatus
}

// CostRecord is a standalone ledger insert (engine record_cost).
type CostRecord struct {
	EntryID        string
	When           time.Time
	Category       CostCategory
	AmountUSD      decimal.Decimal
	GoalID         string
	ProjectID      string
	TaskID         string
	IdempotencyKey string
}

// WriteOutcomeParams records a delayed measurement exactly once per goal.
type WriteOutcomeParams struct {
	GoalID         string
	Now            time.Time
	OutcomeMetrics Metadata

	Impact, ROI, Adoption, Quality float64
	EffectivenessScore             float64
}

// Store is the durable, transactional source of truth for goals, projects,
// tasks, outcomes, budgets, and scheduled jobs. Semantic multi-row
// operations (approve, finish, record cost) are atomic in every
// implementation.
type Store interface {
	// Goals
	InsertGoal(ctx context.Context, g *Goal) error
	GetGoal(ctx context.Context, id string) (*Goal, error)
	ListGoalsByStatus(ctx context.Context, status GoalStatus) ([]*Goal, error)
	CountGoalsCreatedSince(ctx context.Context, since time.Time) (int, error)
	ApproveGoal(ctx context.Context, p ApproveGoalParams) (*ApproveGoalResult, error)
	RejectGoal(ctx context.Context, goalID, approver, notes string, now time.Time) error

	// Projects
	GetProject(ctx context.Context, id string) (*Project, error)
	GetProjectByGoal(ctx context.Context, goalID string) (*Project, error)
	ListProjectsByStatus(ctx context.Context, status ProjectStatus) ([]*Project, error)

	// Tasks
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]*Task, error)
	// ListReadyTasks returns dispatchable tasks of non-terminal projects in
	// dispatch order: priority rank, then insertion time, then id.
	ListReadyTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	// StartTask flips ready -> running and activates a proposed project.
	StartTask(ctx context.Context, taskID string, now time.Time) (*Task, error)
	FinishTask(ctx context.Context, p FinishTaskParams) (*TaskTransition, error)
	// RescheduleTask returns a running task to ready with a backoff floor.
	// The attempt counter is advanced by StartTask, not here.
	RescheduleTask(ctx context.Context, taskID string, notBefore time.Time, lastError string) error
	// ReclaimStuckTasks returns tasks running since before cutoff to ready,
	// so a surviving replica can redo work a crashed one abandoned. Reports
	// the reclaimed ids.
	ReclaimStuckTasks(ctx context.Context, cutoff time.Time) ([]string, error)

	// Budget
	RecordCost(ctx context.Context, rec CostRecord) error
	// DailyAutonomousSpend sums autonomous ledger entries in [from, to).
	DailyAutonomousSpend(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
	ListLedger(ctx context.Context, projectID string) ([]*LedgerEntry, error)

	// Outcomes
	GetOutcomeByGoal(ctx context.Context, goalID string) (*GoalOutcome, error)
	// ListMeasuredOutcomes returns measured outcomes of learnable goals of
	// the given type, for the feedback loop.
	ListMeasuredOutcomes(ctx context.Context, goalType GoalType) ([]*GoalOutcome, error)
	// ListGoalsDueMeasurement returns completed goals whose completion
	// predates cutoff and which have no measurement yet.
	ListGoalsDueMeasurement(ctx context.Context, cutoff time.Time) ([]*Goal, error)
	// WriteOutcome persists the measurement; returns false without writing
	// when the goal was already measured.
	WriteOutcome(ctx context.Context, p WriteOutcomeParams) (bool, error)

	// Scheduled jobs
	UpsertScheduledJob(ctx context.Context, j *ScheduledJob) error
	ListScheduledJobs(ctx context.Context) ([]*ScheduledJob, error)
	SetJobEnabled(ctx context.Context, handlerName string, enabled bool) error
	RecordJobRun(ctx context.Context, handlerName string, lastRun time.Time, lastStatus string, nextRun *time.Time) error

	Close()
}
