package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openfab-lab/autonomy/internal/errcode"
)

// PostgresStore implements Store against PostgreSQL. Monetary columns are
// numeric(12,4), carried over the wire as text to keep decimal exact.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool for migrations.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Close() { s.pool.Close() }

// --- Goals ---

const goalColumns = `
	id, title, description, goal_type, status,
	base_impact_score, adjustment_factor, adjusted_impact_score,
	estimated_cost_usd::text, budget_limit_usd::text,
	approved_by, approved_at, approval_notes,
	learn_from, baseline_captured, baseline_captured_at,
	outcome_measured_at, effectiveness_score,
	last_error, metadata, created_at, updated_at`

func (s *PostgresStore) InsertGoal(ctx context.Context, g *Goal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO goals (
			id, title, description, goal_type, status,
			base_impact_score, adjustment_factor, adjusted_impact_score,
			estimated_cost_usd, budget_limit_usd,
			learn_from, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::numeric,$10::numeric,$11,$12,$13,$14)`,
		g.ID, g.Title, g.Description, g.GoalType, g.Status,
		g.BaseImpactScore, g.AdjustmentFactor, g.AdjustedImpactScore,
		g.EstimatedCostUSD.StringFixed(4), g.BudgetLimitUSD.StringFixed(4),
		g.LearnFrom, g.Metadata, g.CreatedAt, g.UpdatedAt,
	)
	return err
}

func scanGoal(row pgx.Row) (*Goal, error) {
	var g Goal
	var estCost, budgetLimit string
	err := row.Scan(
		&g.ID, &g.Title, &g.Description, &g.GoalType, &g.Status,
		&g.BaseImpactScore, &g.AdjustmentFactor, &g.AdjustedImpactScore,
		&estCost, &budgetLimit,
		&g.ApprovedBy, &g.ApprovedAt, &g.ApprovalNotes,
		&g.LearnFrom, &g.BaselineCaptured, &g.BaselineCapturedAt,
		&g.OutcomeMeasuredAt, &g.EffectivenessScore,
		&g.LastError, &g.Metadata, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if g.EstimatedCostUSD, err = decimal.NewFromString(estCost); err != nil {
		return nil, err
	}
	if g.BudgetLimitUSD, err = decimal.NewFromString(budgetLimit); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) GetGoal(ctx context.Context, id string) (*Goal, error) {
	g, err := scanGoal(s.pool.QueryRow(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (s *PostgresStore) ListGoalsByStatus(ctx context.Context, status GoalStatus) ([]*Goal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var goals []*Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func (s *PostgresStore) CountGoalsCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM goals WHERE created_at >= $1`, since).Scan(&n)
	return n, err
}

func (s *PostgresStore) ApproveGoal(ctx context.Context, p ApproveGoalParams) (*ApproveGoalResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var status GoalStatus
	err = tx.QueryRow(ctx, `SELECT status FROM goals WHERE id = $1 FOR UPDATE`, p.GoalID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errcode.New(errcode.NotFound, "goal %s", p.GoalID)
	}
	if err != nil {
		return nil, err
	}

	switch status {
	case GoalApproved:
		proj, err := scanProject(tx.QueryRow(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE goal_id = $1`, p.GoalID))
		if err != nil {
			return nil, err
		}
		return &ApproveGoalResult{Project: proj, Created: false}, nil
	case GoalIdentified:
		// proceed
	default:
		return nil, errcode.New(errcode.InvalidState, "goal %s is %s", p.GoalID, status)
	}

	_, err = tx.Exec(ctx, `
		UPDATE goals SET status = $2, approved_by = $3, approved_at = $4,
			approval_notes = $5, baseline_captured = TRUE,
			baseline_captured_at = $4, updated_at = $4
		WHERE id = $1`,
		p.GoalID, GoalApproved, p.Approver, p.Now, p.Notes)
	if err != nil {
		return nil, err
	}

	proj := p.Plan.Project
	_, err = tx.Exec(ctx, `
		INSERT INTO projects (id, goal_id, status, allocated_budget_usd, spent_budget_usd, created_at)
		VALUES ($1,$2,$3,$4::numeric,0,$5)`,
		proj.ID, proj.GoalID, proj.Status, proj.AllocatedBudgetUSD.StringFixed(4), proj.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, t := range p.Plan.Tasks {
		_, err = tx.Exec(ctx, `
			INSERT INTO tasks (
				id, project_id, task_type, status, priority,
				depends_on, strict_deps, critical,
				estimated_cost_usd, payload, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::numeric,$10,$11)`,
			t.ID, t.ProjectID, t.TaskType, t.Status, t.Priority,
			t.DependsOn, t.StrictDeps, t.Critical,
			t.EstimatedCostUSD.StringFixed(4), t.Payload, t.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO goal_outcomes (id, goal_id, baseline_date, baseline_metrics)
		VALUES ($1,$2,$3,$4)`,
		p.OutcomeID, p.GoalID, p.Now, p.BaselineMetrics)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	out := *proj
	return &ApproveGoalResult{Project: &out, Created: true}, nil
}

func (s *PostgresStore) RejectGoal(ctx context.Context, goalID, approver, notes string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE goals SET status = $2, approved_by = $3, approved_at = $4,
			approval_notes = $5, updated_at = $4
		WHERE id = $1 AND status = $6`,
		goalID, GoalRejected, approver, now, notes, GoalIdentified)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		g, err := s.GetGoal(ctx, goalID)
		if err != nil {
			return err
		}
		if g == nil {
			return errcode.New(errcode.NotFound, "goal %s", goalID)
		}
		return errcode.New(errcode.InvalidState, "goal %s is %s", goalID, g.Status)
	}
	return nil
}

// --- Projects ---

const projectColumns = `
	id, goal_id, status,
	allocated_budget_usd::text, spent_budget_usd::text, actual_cost_usd::text,
	actual_duration_hours, last_error, created_at, started_at, completed_at`

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	var alloc, spent, actual string
	err := row.Scan(
		&p.ID, &p.GoalID, &p.Status,
		&alloc, &spent, &actual,
		&p.ActualDurationHours, &p.LastError, &p.CreatedAt, &p.StartedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.AllocatedBudgetUSD, err = decimal.NewFromString(alloc); err != nil {
		return nil, err
	}
	if p.SpentBudgetUSD, err = decimal.NewFromString(spent); err != nil {
		return nil, err
	}
	if p.ActualCostUSD, err = decimal.NewFromString(actual); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) GetProjectByGoal(ctx context.Context, goalID string) (*Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE goal_id = $1`, goalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) ListProjectsByStatus(ctx context.Context, status ProjectStatus) ([]*Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Tasks ---

const taskColumns = `
	id, project_id, task_type, status, priority,
	depends_on, strict_deps, critical,
	estimated_cost_usd::text, actual_cost_usd::text,
	payload, result, attempt_count, last_error, not_before,
	created_at, started_at, completed_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var est, actual string
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.TaskType, &t.Status, &t.Priority,
		&t.DependsOn, &t.StrictDeps, &t.Critical,
		&est, &actual,
		&t.Payload, &t.Result, &t.AttemptCount, &t.LastError, &t.NotBefore,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.EstimatedCostUSD, err = decimal.NewFromString(est); err != nil {
		return nil, err
	}
	if t.ActualCostUSD, err = decimal.NewFromString(actual); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *PostgresStore) ListTasksByProject(ctx context.Context, projectID string) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE project_id = $1
		ORDER BY CASE priority
			WHEN 'critical' THEN 0 WHEN 'high' THEN 1
			WHEN 'medium' THEN 2 ELSE 3 END, created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) ListReadyTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = 'ready'
		  AND (t.not_before IS NULL OR t.not_before <= $1)
		  AND EXISTS (
			SELECT 1 FROM projects p
			WHERE p.id = t.project_id AND p.status IN ('proposed','active')
		  )
		ORDER BY CASE t.priority
			WHEN 'critical' THEN 0 WHEN 'high' THEN 1
			WHEN 'medium' THEN 2 ELSE 3 END, t.created_at, t.id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StartTask(ctx context.Context, taskID string, now time.Time) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := scanTask(tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errcode.New(errcode.NotFound, "task %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	if t.Status != TaskReady {
		return nil, errcode.New(errcode.InvalidState, "task %s is %s", taskID, t.Status)
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = 'running', started_at = $2,
			attempt_count = attempt_count + 1, not_before = NULL
		WHERE id = $1`, taskID, now)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE projects SET status = 'active', started_at = $2
		WHERE id = $1 AND status = 'proposed'`, t.ProjectID, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	t.Status = TaskRunning
	t.StartedAt = &now
	t.AttemptCount++
	t.NotBefore = nil
	return t, nil
}

func (s *PostgresStore) RescheduleTask(ctx context.Context, taskID string, notBefore time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'ready', not_before = $2, last_error = $3
		WHERE id = $1 AND status = 'running'`, taskID, notBefore, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errcode.New(errcode.InvalidState, "task %s is not running", taskID)
	}
	return nil
}

func (s *PostgresStore) ReclaimStuckTasks(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE tasks SET status = 'ready', not_before = NULL,
			last_error = 'reclaimed from lost executor'
		WHERE status = 'running' AND started_at < $1
		RETURNING id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) FinishTask(ctx context.Context, p FinishTaskParams) (*TaskTransition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := scanTask(tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, p.TaskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errcode.New(errcode.NotFound, "task %s", p.TaskID)
	}
	if err != nil {
		return nil, err
	}
	if t.Status != TaskRunning {
		return nil, errcode.New(errcode.InvalidState, "task %s is %s", p.TaskID, t.Status)
	}

	proj, err := scanProject(tx.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, t.ProjectID))
	if err != nil {
		return nil, err
	}
	goalID := proj.GoalID

	if p.CostUSD.IsPositive() {
		if err := recordCostTx(ctx, tx, CostRecord{
			EntryID:        p.LedgerEntryID,
			When:           p.Now,
			Category:       p.CostCategory,
			AmountUSD:      p.CostUSD,
			GoalID:         goalID,
			ProjectID:      proj.ID,
			TaskID:         t.ID,
			IdempotencyKey: p.IdempotencyKey,
		}, proj); err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = $2, result = $3, last_error = $4,
			completed_at = $5, actual_cost_usd = actual_cost_usd + $6::numeric
		WHERE id = $1`,
		t.ID, p.Status, p.Result, p.LastError, p.Now, p.CostUSD.Round(4).StringFixed(4))
	if err != nil {
		return nil, err
	}

	// Pull the full sibling set and run the transition logic in Go, exactly
	// as the memory implementation does.
	rows, err := tx.Query(ctx, `
		SELECT id, status, depends_on, strict_deps, critical
		FROM tasks WHERE project_id = $1 FOR UPDATE`, t.ProjectID)
	if err != nil {
		return nil, err
	}
	type sib struct {
		id         string
		status     TaskStatus
		dependsOn  []string
		strictDeps bool
		critical   bool
	}
	var sibs []*sib
	for rows.Next() {
		var x sib
		if err := rows.Scan(&x.id, &x.status, &x.dependsOn, &x.strictDeps, &x.critical); err != nil {
			rows.Close()
			return nil, err
		}
		sibs = append(sibs, &x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byID := make(map[string]*sib, len(sibs))
	for _, x := range sibs {
		if x.id == t.ID {
			x.status = p.Status
		}
		byID[x.id] = x
	}

	criticalFailure := p.Status == TaskFailed && t.Critical

	// Cascade-skip dependents of a failed task.
	if p.Status == TaskFailed {
		blocked := map[string]bool{t.ID: true}
		for changed := true; changed; {
			changed = false
			for _, x := range sibs {
				if x.status != TaskPending || blocked[x.id] {
					continue
				}
				for _, dep := range x.dependsOn {
					if blocked[dep] {
						blocked[x.id] = true
						x.status = TaskSkipped
						if _, err := tx.Exec(ctx,
							`UPDATE tasks SET status = 'skipped', completed_at = $2 WHERE id = $1`,
							x.id, p.Now); err != nil {
							return nil, err
						}
						changed = true
						break
					}
				}
			}
		}
	}

	tr := &TaskTransition{}

	if !criticalFailure {
		for _, x := range sibs {
			if x.status != TaskPending {
				continue
			}
			ok := true
			for _, dep := range x.dependsOn {
				d := byID[dep]
				if d == nil {
					ok = false
					break
				}
				if d.status == TaskCompleted || (d.status == TaskSkipped && !x.strictDeps) {
					continue
				}
				ok = false
				break
			}
			if ok {
				x.status = TaskReady
				if _, err := tx.Exec(ctx,
					`UPDATE tasks SET status = 'ready' WHERE id = $1`, x.id); err != nil {
					return nil, err
				}
				tr.NewlyReady = append(tr.NewlyReady, x.id)
			}
		}
	}

	allTerminal := true
	anyCriticalFailed := criticalFailure
	for _, x := range sibs {
		if !x.status.Terminal() {
			allTerminal = false
		}
		if x.status == TaskFailed && x.critical {
			anyCriticalFailed = true
		}
	}

	if criticalFailure || allTerminal {
		projStatus := ProjectCompleted
		goalStatus := GoalCompleted
		lastErr := ""
		if anyCriticalFailed {
			projStatus = ProjectFailed
			goalStatus = GoalFailed
			lastErr = p.LastError
		}
		_, err = tx.Exec(ctx, `
			UPDATE projects SET status = $2, completed_at = $3,
				actual_cost_usd = spent_budget_usd,
				actual_duration_hours = COALESCE(EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) / 3600.0, 0),
				last_error = $4
			WHERE id = $1`, proj.ID, projStatus, p.Now, lastErr)
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx, `
			UPDATE goals SET status = $2, last_error = $3, updated_at = $4 WHERE id = $1`,
			goalID, goalStatus, lastErr, p.Now)
		if err != nil {
			return nil, err
		}
		tr.ProjectDone = true
		tr.ProjectStatus = projStatus
		tr.GoalStatus = goalStatus
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	t.Status = p.Status
	t.Result = p.Result
	t.LastError = p.LastError
	t.CompletedAt = &p.Now
	t.ActualCostUSD = t.ActualCostUSD.Add(p.CostUSD).Round(4)
	tr.Task = t
	return tr, nil
}

// --- Budget ---

func (s *PostgresStore) RecordCost(ctx context.Context, rec CostRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var proj *Project
	if rec.ProjectID != "" {
		proj, err = scanProject(tx.QueryRow(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, rec.ProjectID))
		if errors.Is(err, pgx.ErrNoRows) {
			return errcode.New(errcode.NotFound, "project %s", rec.ProjectID)
		}
		if err != nil {
			return err
		}
	}
	if err := recordCostTx(ctx, tx, rec, proj); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// recordCostTx inserts the ledger row and bumps the cached project sum. The
// idempotency key makes the insert a no-op on replay.
func recordCostTx(ctx context.Context, tx pgx.Tx, rec CostRecord, proj *Project) error {
	amount := rec.AmountUSD.Round(4)

	if rec.IdempotencyKey != "" {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM budget_ledger WHERE idempotency_key = $1)`,
			rec.IdempotencyKey).Scan(&exists)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	if proj != nil {
		next := proj.SpentBudgetUSD.Add(amount)
		if next.GreaterThan(proj.AllocatedBudgetUSD) {
			return errcode.New(errcode.BudgetExceeded,
				"project %s: spent %s + %s exceeds allocated %s",
				proj.ID, proj.SpentBudgetUSD.StringFixed(4), amount.StringFixed(4),
				proj.AllocatedBudgetUSD.StringFixed(4))
		}
		if _, err := tx.Exec(ctx, `
			UPDATE projects SET spent_budget_usd = spent_budget_usd + $2::numeric
			WHERE id = $1`, proj.ID, amount.StringFixed(4)); err != nil {
			return err
		}
		proj.SpentBudgetUSD = next
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO budget_ledger (id, recorded_at, category, amount_usd, goal_id, project_id, task_id, idempotency_key)
		VALUES ($1,$2,$3,$4::numeric,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),NULLIF($8,''))`,
		rec.EntryID, rec.When, rec.Category, amount.StringFixed(4),
		rec.GoalID, rec.ProjectID, rec.TaskID, rec.IdempotencyKey)
	return err
}

func (s *PostgresStore) DailyAutonomousSpend(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	var sum string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0)::text FROM budget_ledger
		WHERE category = 'autonomous' AND recorded_at >= $1 AND recorded_at < $2`,
		from, to).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sum)
}

func (s *PostgresStore) ListLedger(ctx context.Context, projectID string) ([]*LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recorded_at, category, amount_usd::text,
			COALESCE(goal_id,''), COALESCE(project_id,''), COALESCE(task_id,''), COALESCE(idempotency_key,'')
		FROM budget_ledger WHERE project_id = $1 ORDER BY recorded_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.When, &e.Category, &amount,
			&e.GoalID, &e.ProjectID, &e.TaskID, &e.IdempotencyKey); err != nil {
			return nil, err
		}
		if e.AmountUSD, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Outcomes ---

const outcomeColumns = `
	id, goal_id, baseline_date, measurement_date,
	baseline_metrics, outcome_metrics,
	impact_component, roi_component, adoption_component, quality_component,
	effectiveness_score`

func scanOutcome(row pgx.Row) (*GoalOutcome, error) {
	var o GoalOutcome
	err := row.Scan(
		&o.ID, &o.GoalID, &o.BaselineDate, &o.MeasurementDate,
		&o.BaselineMetrics, &o.OutcomeMetrics,
		&o.ImpactComponent, &o.ROIComponent, &o.AdoptionComponent, &o.QualityComponent,
		&o.EffectivenessScore,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) GetOutcomeByGoal(ctx context.Context, goalID string) (*GoalOutcome, error) {
	o, err := scanOutcome(s.pool.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM goal_outcomes WHERE goal_id = $1`, goalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (s *PostgresStore) ListMeasuredOutcomes(ctx context.Context, goalType GoalType) ([]*GoalOutcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outcomeColumns+` FROM goal_outcomes o
		JOIN goals g ON g.id = o.goal_id
		WHERE g.goal_type = $1 AND g.learn_from AND o.effectiveness_score IS NOT NULL`,
		goalType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GoalOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListGoalsDueMeasurement(ctx context.Context, cutoff time.Time) ([]*Goal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+goalColumns+` FROM goals g
		WHERE g.status = 'completed' AND g.outcome_measured_at IS NULL
		  AND EXISTS (
			SELECT 1 FROM projects p
			WHERE p.goal_id = g.id AND p.completed_at IS NOT NULL AND p.completed_at <= $1
		  )
		ORDER BY g.created_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) WriteOutcome(ctx context.Context, p WriteOutcomeParams) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	// The conditional update is the idempotency authority.
	tag, err := tx.Exec(ctx, `
		UPDATE goal_outcomes SET measurement_date = $2, outcome_metrics = $3,
			impact_component = $4, roi_component = $5,
			adoption_component = $6, quality_component = $7,
			effectiveness_score = $8
		WHERE goal_id = $1 AND measurement_date IS NULL`,
		p.GoalID, p.Now, p.OutcomeMetrics,
		p.Impact, p.ROI, p.Adoption, p.Quality, p.EffectivenessScore)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM goal_outcomes WHERE goal_id = $1)`, p.GoalID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, errcode.New(errcode.BaselineMissing, "goal %s has no baseline", p.GoalID)
		}
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE goals SET outcome_measured_at = $2, effectiveness_score = $3, updated_at = $2
		WHERE id = $1`, p.GoalID, p.Now, p.EffectivenessScore)
	if err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

// --- Scheduled jobs ---

func (s *PostgresStore) UpsertScheduledJob(ctx context.Context, j *ScheduledJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (
			id, handler_name, trigger_kind, expression, period_seconds,
			timezone, enabled, workload_class, next_run_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (handler_name) DO UPDATE SET
			trigger_kind = EXCLUDED.trigger_kind,
			expression = EXCLUDED.expression,
			period_seconds = EXCLUDED.period_seconds,
			timezone = EXCLUDED.timezone,
			enabled = EXCLUDED.enabled,
			workload_class = EXCLUDED.workload_class,
			next_run_at = COALESCE(EXCLUDED.next_run_at, scheduled_jobs.next_run_at),
			updated_at = EXCLUDED.updated_at`,
		j.ID, j.HandlerName, j.Trigger, j.Expression, int64(j.Period/time.Second),
		j.Timezone, j.Enabled, j.Class, j.NextRunAt, j.UpdatedAt)
	return err
}

func (s *PostgresStore) ListScheduledJobs(ctx context.Context) ([]*ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, handler_name, trigger_kind, expression, period_seconds,
			timezone, enabled, workload_class, next_run_at, last_run_at,
			COALESCE(last_status,''), created_at, updated_at
		FROM scheduled_jobs ORDER BY handler_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		var j ScheduledJob
		var periodSeconds int64
		if err := rows.Scan(&j.ID, &j.HandlerName, &j.Trigger, &j.Expression, &periodSeconds,
			&j.Timezone, &j.Enabled, &j.Class, &j.NextRunAt, &j.LastRunAt,
			&j.LastStatus, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.Period = time.Duration(periodSeconds) * time.Second
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetJobEnabled(ctx context.Context, handlerName string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_jobs SET enabled = $2 WHERE handler_name = $1`, handlerName, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errcode.New(errcode.NotFound, "job %s", handlerName)
	}
	return nil
}

func (s *PostgresStore) RecordJobRun(ctx context.Context, handlerName string, lastRun time.Time, lastStatus string, nextRun *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET last_run_at = $2, last_status = $3, next_run_at = $4
		WHERE handler_name = $1`, handlerName, lastRun, lastStatus, nextRun)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errcode.New(errcode.NotFound, "job %s", handlerName)
	}
	return nil
}
