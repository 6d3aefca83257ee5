package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openfab-lab/autonomy/internal/errcode"
)

// MemoryStore implements Store with a single mutex standing in for the
// database transaction. It backs single-node development and is the
// transactional double in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	goals    map[string]*Goal
	projects map[string]*Project
	tasks    map[string]*Task
	outcomes map[string]*GoalOutcome // keyed by goal id
	jobs     map[string]*ScheduledJob
	ledger   []*LedgerEntry
	ledgerBy map[string]bool // idempotency keys seen
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		goals:    make(map[string]*Goal),
		projects: make(map[string]*Project),
		tasks:    make(map[string]*Task),
		outcomes: make(map[string]*GoalOutcome),
		jobs:     make(map[string]*ScheduledJob),
		ledgerBy: make(map[string]bool),
	}
}

func (s *MemoryStore) Close() {}

// --- Goals ---

func (s *MemoryStore) InsertGoal(ctx context.Context, g *Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.goals[g.ID] = &cp
	return nil
}

func (s *MemoryStore) GetGoal(ctx context.Context, id string) (*Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.goals[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryStore) ListGoalsByStatus(ctx context.Context, status GoalStatus) ([]*Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Goal
	for _, g := range s.goals {
		if g.Status == status {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountGoalsCreatedSince(ctx context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, g := range s.goals {
		if !g.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ApproveGoal(ctx context.Context, p ApproveGoalParams) (*ApproveGoalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.goals[p.GoalID]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "goal %s", p.GoalID)
	}

	switch g.Status {
	case GoalApproved:
		// Idempotent replay: return the existing project.
		for _, pr := range s.projects {
			if pr.GoalID == g.ID {
				cp := *pr
				return &ApproveGoalResult{Project: &cp, Created: false}, nil
			}
		}
		return nil, errcode.New(errcode.InvalidState, "goal %s approved but has no project", g.ID)
	case GoalIdentified:
		// proceed
	default:
		return nil, errcode.New(errcode.InvalidState, "goal %s is %s", g.ID, g.Status)
	}

	now := p.Now
	g.Status = GoalApproved
	g.ApprovedBy = p.Approver
	g.ApprovedAt = &now
	g.ApprovalNotes = p.Notes
	g.BaselineCaptured = true
	g.BaselineCapturedAt = &now
	g.UpdatedAt = now

	proj := *p.Plan.Project
	s.projects[proj.ID] = &proj
	for _, t := range p.Plan.Tasks {
		cp := copyTask(t)
		s.tasks[cp.ID] = &cp
	}

	s.outcomes[g.ID] = &GoalOutcome{
		ID:              p.OutcomeID,
		GoalID:          g.ID,
		BaselineDate:    now,
		BaselineMetrics: p.BaselineMetrics,
	}

	out := proj
	return &ApproveGoalResult{Project: &out, Created: true}, nil
}

func (s *MemoryStore) RejectGoal(ctx context.Context, goalID, approver, notes string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.goals[goalID]
	if !ok {
		return errcode.New(errcode.NotFound, "goal %s", goalID)
	}
	if g.Status != GoalIdentified {
		return errcode.New(errcode.InvalidState, "goal %s is %s", goalID, g.Status)
	}
	g.Status = GoalRejected
	g.ApprovedBy = approver
	g.ApprovedAt = &now
	g.ApprovalNotes = notes
	g.UpdatedAt = now
	return nil
}

// --- Projects ---

func (s *MemoryStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetProjectByGoal(ctx context.Context, goalID string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.GoalID == goalID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListProjectsByStatus(ctx context.Context, status ProjectStatus) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Project
	for _, p := range s.projects {
		if p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Tasks ---

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := copyTask(t)
	return &cp, nil
}

func (s *MemoryStore) ListTasksByProject(ctx context.Context, projectID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			cp := copyTask(t)
			out = append(out, &cp)
		}
	}
	sortTasksDispatchOrder(out)
	return out, nil
}

func (s *MemoryStore) ListReadyTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status != TaskReady {
			continue
		}
		if t.NotBefore != nil && now.Before(*t.NotBefore) {
			continue
		}
		proj, ok := s.projects[t.ProjectID]
		if !ok || proj.Status.Terminal() {
			continue
		}
		cp := copyTask(t)
		out = append(out, &cp)
	}
	sortTasksDispatchOrder(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) StartTask(ctx context.Context, taskID string, now time.Time) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "task %s", taskID)
	}
	if t.Status != TaskReady {
		return nil, errcode.New(errcode.InvalidState, "task %s is %s", taskID, t.Status)
	}

	t.Status = TaskRunning
	started := now
	t.StartedAt = &started
	t.AttemptCount++
	t.NotBefore = nil

	if proj, ok := s.projects[t.ProjectID]; ok && proj.Status == ProjectProposed {
		proj.Status = ProjectActive
		proj.StartedAt = &started
	}

	cp := copyTask(t)
	return &cp, nil
}

func (s *MemoryStore) RescheduleTask(ctx context.Context, taskID string, notBefore time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return errcode.New(errcode.NotFound, "task %s", taskID)
	}
	if t.Status != TaskRunning {
		return errcode.New(errcode.InvalidState, "task %s is %s", taskID, t.Status)
	}
	t.Status = TaskReady
	t.NotBefore = &notBefore
	t.LastError = lastError
	return nil
}

func (s *MemoryStore) ReclaimStuckTasks(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, t := range s.tasks {
		if t.Status != TaskRunning || t.StartedAt == nil || !t.StartedAt.Before(cutoff) {
			continue
		}
		t.Status = TaskReady
		t.NotBefore = nil
		t.LastError = "reclaimed from lost executor"
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) FinishTask(ctx context.Context, p FinishTaskParams) (*TaskTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[p.TaskID]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "task %s", p.TaskID)
	}
	if t.Status != TaskRunning {
		return nil, errcode.New(errcode.InvalidState, "task %s is %s", p.TaskID, t.Status)
	}
	proj, ok := s.projects[t.ProjectID]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "project %s", t.ProjectID)
	}

	// Budget debit first: the whole transition aborts on budget_exceeded.
	if p.CostUSD.IsPositive() {
		if err := s.recordCostLocked(CostRecord{
			EntryID:        p.LedgerEntryID,
			When:           p.Now,
			Category:       p.CostCategory,
			AmountUSD:      p.CostUSD,
			GoalID:         proj.GoalID,
			ProjectID:      proj.ID,
			TaskID:         t.ID,
			IdempotencyKey: p.IdempotencyKey,
		}); err != nil {
			return nil, err
		}
	}

	t.Status = p.Status
	t.Result = p.Result
	t.LastError = p.LastError
	done := p.Now
	t.CompletedAt = &done
	t.ActualCostUSD = t.ActualCostUSD.Add(p.CostUSD).Round(4)

	tr := &TaskTransition{Task: nil}

	// A fatal failure of a project-critical task fails the project now.
	criticalFailure := p.Status == TaskFailed && t.Critical

	if p.Status == TaskFailed {
		// Dependents that can no longer run are skipped.
		s.cascadeSkipLocked(proj.ID, t.ID)
	}

	if !criticalFailure {
		tr.NewlyReady = s.promoteReadyLocked(proj.ID)
	}

	allTerminal := true
	anyCriticalFailed := criticalFailure
	for _, other := range s.tasks {
		if other.ProjectID != proj.ID {
			continue
		}
		if !other.Status.Terminal() {
			allTerminal = false
		}
		if other.Status == TaskFailed && other.Critical {
			anyCriticalFailed = true
		}
	}

	if criticalFailure || allTerminal {
		goal := s.goals[proj.GoalID]
		if anyCriticalFailed {
			proj.Status = ProjectFailed
			proj.LastError = t.LastError
			if goal != nil {
				goal.Status = GoalFailed
				goal.LastError = t.LastError
				goal.UpdatedAt = p.Now
			}
		} else {
			proj.Status = ProjectCompleted
			if goal != nil {
				goal.Status = GoalCompleted
				goal.UpdatedAt = p.Now
			}
		}
		proj.CompletedAt = &done
		proj.ActualCostUSD = proj.SpentBudgetUSD
		if proj.StartedAt != nil {
			proj.ActualDurationHours = done.Sub(*proj.StartedAt).Hours()
		}
		tr.ProjectDone = true
		tr.ProjectStatus = proj.Status
		if goal != nil {
			tr.GoalStatus = goal.Status
		}
	}

	cp := copyTask(t)
	tr.Task = &cp
	return tr, nil
}

// promoteReadyLocked flips pending tasks whose dependencies are satisfied.
func (s *MemoryStore) promoteReadyLocked(projectID string) []string {
	var ready []string
	for _, t := range s.tasks {
		if t.ProjectID != projectID || t.Status != TaskPending {
			continue
		}
		if s.depsSatisfiedLocked(t) {
			t.Status = TaskReady
			ready = append(ready, t.ID)
		}
	}
	sort.Strings(ready)
	return ready
}

func (s *MemoryStore) depsSatisfiedLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := s.tasks[dep]
		if !ok {
			return false
		}
		switch d.Status {
		case TaskCompleted:
		case TaskSkipped:
			if t.StrictDeps {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// cascadeSkipLocked skips every pending task that transitively depends on
// the failed task; they can never become ready.
func (s *MemoryStore) cascadeSkipLocked(projectID, failedID string) {
	blocked := map[string]bool{failedID: true}
	for changed := true; changed; {
		changed = false
		for _, t := range s.tasks {
			if t.ProjectID != projectID || t.Status != TaskPending {
				continue
			}
			for _, dep := range t.DependsOn {
				if blocked[dep] && !blocked[t.ID] {
					blocked[t.ID] = true
					t.Status = TaskSkipped
					changed = true
				}
			}
		}
	}
}

// --- Budget ---

func (s *MemoryStore) RecordCost(ctx context.Context, rec CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordCostLocked(rec)
}

func (s *MemoryStore) recordCostLocked(rec CostRecord) error {
	if rec.IdempotencyKey != "" && s.ledgerBy[rec.IdempotencyKey] {
		return nil // duplicate: single ledger row, single increment
	}
	amount := rec.AmountUSD.Round(4)

	if rec.ProjectID != "" {
		proj, ok := s.projects[rec.ProjectID]
		if !ok {
			return errcode.New(errcode.NotFound, "project %s", rec.ProjectID)
		}
		next := proj.SpentBudgetUSD.Add(amount)
		if next.GreaterThan(proj.AllocatedBudgetUSD) {
			return errcode.New(errcode.BudgetExceeded,
				"project %s: spent %s + %s exceeds allocated %s",
				rec.ProjectID, proj.SpentBudgetUSD.StringFixed(4), amount.StringFixed(4),
				proj.AllocatedBudgetUSD.StringFixed(4))
		}
		proj.SpentBudgetUSD = next
	}

	entry := &LedgerEntry{
		ID:             rec.EntryID,
		When:           rec.When,
		Category:       rec.Category,
		AmountUSD:      amount,
		GoalID:         rec.GoalID,
		ProjectID:      rec.ProjectID,
		TaskID:         rec.TaskID,
		IdempotencyKey: rec.IdempotencyKey,
	}
	s.ledger = append(s.ledger, entry)
	if rec.IdempotencyKey != "" {
		s.ledgerBy[rec.IdempotencyKey] = true
	}
	return nil
}

func (s *MemoryStore) DailyAutonomousSpend(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, e := range s.ledger {
		if e.Category != CategoryAutonomous {
			continue
		}
		if e.When.Before(from) || !e.When.Before(to) {
			continue
		}
		sum = sum.Add(e.AmountUSD)
	}
	return sum, nil
}

func (s *MemoryStore) ListLedger(ctx context.Context, projectID string) ([]*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*LedgerEntry
	for _, e := range s.ledger {
		if e.ProjectID == projectID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Outcomes ---

func (s *MemoryStore) GetOutcomeByGoal(ctx context.Context, goalID string) (*GoalOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[goalID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListMeasuredOutcomes(ctx context.Context, goalType GoalType) ([]*GoalOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*GoalOutcome
	for goalID, o := range s.outcomes {
		if o.EffectivenessScore == nil {
			continue
		}
		g, ok := s.goals[goalID]
		if !ok || g.GoalType != goalType || !g.LearnFrom {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListGoalsDueMeasurement(ctx context.Context, cutoff time.Time) ([]*Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Goal
	for _, g := range s.goals {
		if g.Status != GoalCompleted || g.OutcomeMeasuredAt != nil {
			continue
		}
		proj := s.projectByGoalLocked(g.ID)
		if proj == nil || proj.CompletedAt == nil || proj.CompletedAt.After(cutoff) {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) WriteOutcome(ctx context.Context, p WriteOutcomeParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.goals[p.GoalID]
	if !ok {
		return false, errcode.New(errcode.NotFound, "goal %s", p.GoalID)
	}
	if g.OutcomeMeasuredAt != nil {
		return false, nil
	}
	o, ok := s.outcomes[p.GoalID]
	if !ok {
		return false, errcode.New(errcode.BaselineMissing, "goal %s has no baseline", p.GoalID)
	}
	if o.MeasurementDate != nil {
		return false, nil
	}

	now := p.Now
	o.MeasurementDate = &now
	o.OutcomeMetrics = p.OutcomeMetrics
	o.ImpactComponent = p.Impact
	o.ROIComponent = p.ROI
	o.AdoptionComponent = p.Adoption
	o.QualityComponent = p.Quality
	score := p.EffectivenessScore
	o.EffectivenessScore = &score

	g.OutcomeMeasuredAt = &now
	g.EffectivenessScore = &score
	g.UpdatedAt = now
	return true, nil
}

// --- Scheduled jobs ---

func (s *MemoryStore) UpsertScheduledJob(ctx context.Context, j *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[j.HandlerName]; ok {
		// Definition fields refresh; run bookkeeping survives.
		existing.Trigger = j.Trigger
		existing.Expression = j.Expression
		existing.Period = j.Period
		existing.Timezone = j.Timezone
		existing.Class = j.Class
		existing.Enabled = j.Enabled
		existing.UpdatedAt = j.UpdatedAt
		if j.NextRunAt != nil {
			existing.NextRunAt = j.NextRunAt
		}
		return nil
	}
	cp := *j
	s.jobs[j.HandlerName] = &cp
	return nil
}

func (s *MemoryStore) ListScheduledJobs(ctx context.Context) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].HandlerName, out[j].HandlerName) < 0
	})
	return out, nil
}

func (s *MemoryStore) SetJobEnabled(ctx context.Context, handlerName string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[handlerName]
	if !ok {
		return errcode.New(errcode.NotFound, "job %s", handlerName)
	}
	j.Enabled = enabled
	return nil
}

func (s *MemoryStore) RecordJobRun(ctx context.Context, handlerName string, lastRun time.Time, lastStatus string, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[handlerName]
	if !ok {
		return errcode.New(errcode.NotFound, "job %s", handlerName)
	}
	j.LastRunAt = &lastRun
	j.LastStatus = lastStatus
	j.NextRunAt = nextRun
	return nil
}

// --- helpers ---

func (s *MemoryStore) projectByGoalLocked(goalID string) *Project {
	for _, p := range s.projects {
		if p.GoalID == goalID {
			return p
		}
	}
	return nil
}

func copyTask(t *Task) Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	return cp
}

func sortTasksDispatchOrder(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
