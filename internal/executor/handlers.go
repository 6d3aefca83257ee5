package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/openfab-lab/autonomy/internal/collab"
	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/store"
)

// Built-in handlers for the planner's task types. Each one is a closure
// over its collaborator; the store is only needed where a task consumes a
// sibling's result.

// ResearchGather queries the research collaborator with the goal title and
// hands the raw material to the synthesize step via the task result. The
// spend offered to the collaborator is the task estimate clamped to the
// per-query cap.
func ResearchGather(research collab.Research, perQueryCapUSD decimal.Decimal) HandlerFunc {
	return func(ctx context.Context, t *store.Task) (*Outcome, error) {
		query := payloadString(t, "goal_title")
		if query == "" {
			return nil, errcode.New(errcode.InvalidState, "task %s has no goal_title", t.ID)
		}
		budget := t.EstimatedCostUSD
		if perQueryCapUSD.IsPositive() && (budget.IsZero() || budget.GreaterThan(perQueryCapUSD)) {
			budget = perQueryCapUSD
		}
		res, err := research.Gather(ctx, query, budget)
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Status: Completed,
			Result: store.Metadata{
				"citations": res.Citations,
				"raw_text":  res.RawText,
			},
			CostUSD: res.CostUSD,
		}, nil
	}
}

// ResearchSynthesize drafts an article from the gather step's raw text.
func ResearchSynthesize(research collab.Research, st store.Store) HandlerFunc {
	return func(ctx context.Context, t *store.Task) (*Outcome, error) {
		inputs, err := siblingTexts(ctx, st, t, "research_gather", "raw_text")
		if err != nil {
			return nil, err
		}
		if len(inputs) == 0 {
			// Plans without a gather step synthesize from the title alone.
			inputs = []string{payloadString(t, "goal_title")}
		}
		res, err := research.Synthesize(ctx, inputs, payloadString(t, "model_hint"))
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Status:  Completed,
			Result:  store.Metadata{"article_markdown": res.ArticleMarkdown},
			CostUSD: res.CostUSD,
		}, nil
	}
}

// KBCreate writes the synthesized article into the knowledge base.
func KBCreate(kb collab.KBWriter, st store.Store) HandlerFunc {
	return func(ctx context.Context, t *store.Task) (*Outcome, error) {
		drafts, err := siblingTexts(ctx, st, t, "research_synthesize", "article_markdown")
		if err != nil {
			return nil, err
		}
		if len(drafts) == 0 {
			// Learning and exploration plans publish gathered notes directly.
			drafts, err = siblingTexts(ctx, st, t, "research_gather", "raw_text")
			if err != nil {
				return nil, err
			}
		}
		if len(drafts) == 0 {
			return nil, errcode.New(errcode.InvalidState, "task %s has no article content", t.ID)
		}

		slug := articleSlug(ctx, st, t)
		ref, err := kb.CreateArticle(ctx, slug, drafts[0], map[string]any{
			"goal_id":   payloadString(t, "goal_id"),
			"goal_type": payloadString(t, "goal_type"),
			"generated": true,
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Status: Completed,
			Result: store.Metadata{
				"article_path": ref.Path,
				"version_tag":  ref.VersionTag,
				"slug":         slug,
			},
		}, nil
	}
}

// ReviewCommit records the knowledge base change as a commit.
func ReviewCommit(kb collab.KBWriter) HandlerFunc {
	return func(ctx context.Context, t *store.Task) (*Outcome, error) {
		msg := fmt.Sprintf("kb: %s", payloadString(t, "goal_title"))
		ref, err := kb.AppendCommit(ctx, msg)
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Status: Completed,
			Result: store.Metadata{"commit_ref": ref},
		}, nil
	}
}

// TestPrint queues a validation print and reports its outcome. A failed
// print fails the task, cost included; the planner marks these tasks
// non-critical so the project survives.
func TestPrint(fab collab.Fabrication) HandlerFunc {
	return func(ctx context.Context, t *store.Task) (*Outcome, error) {
		spec, _ := t.Payload["print_spec"].(map[string]any)
		if spec == nil {
			spec = map[string]any{"goal_id": payloadString(t, "goal_id")}
		}
		jobID, err := fab.QueuePrint(ctx, spec)
		if err != nil {
			return nil, err
		}
		out, err := fab.PrintOutcome(ctx, jobID)
		if err != nil {
			return nil, err
		}

		result := store.Metadata{
			"job_id":     jobID,
			"success":    out.Success,
			"duration_h": out.DurationH,
			"material_g": out.MaterialG,
		}
		if !out.Success {
			return &Outcome{
				Status:  FailedFatal,
				Result:  result,
				CostUSD: out.CostUSD,
				Err:     errcode.New(errcode.InvalidState, "print failed: %s", out.FailureReason),
			}, nil
		}
		return &Outcome{Status: Completed, Result: result, CostUSD: out.CostUSD}, nil
	}
}

// RegisterBuiltins wires every planner task type to its handler.
func (e *Executor) RegisterBuiltins(research collab.Research, kb collab.KBWriter, fab collab.Fabrication, perQueryCapUSD decimal.Decimal) {
	e.Register("research_gather", ResearchGather(research, perQueryCapUSD))
	e.Register("research_synthesize", ResearchSynthesize(research, e.st))
	e.Register("kb_create", KBCreate(kb, e.st))
	e.Register("review_commit", ReviewCommit(kb))
	e.Register("test_print", TestPrint(fab))
}

// siblingTexts collects a string result field from completed sibling tasks
// of the given type.
func siblingTexts(ctx context.Context, st store.Store, t *store.Task, taskType, field string) ([]string, error) {
	siblings, err := st.ListTasksByProject(ctx, t.ProjectID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range siblings {
		if s.TaskType != taskType || s.Status != store.TaskCompleted {
			continue
		}
		if text, ok := s.Result[field].(string); ok && text != "" {
			out = append(out, text)
		}
	}
	return out, nil
}

// articleSlug prefers the goal's missing_slug metadata, falling back to a
// slugified title.
func articleSlug(ctx context.Context, st store.Store, t *store.Task) string {
	if goalID := payloadString(t, "goal_id"); goalID != "" {
		if g, err := st.GetGoal(ctx, goalID); err == nil && g != nil {
			if slug, ok := g.Metadata["missing_slug"].(string); ok && slug != "" {
				return slug
			}
		}
	}
	return slugify(payloadString(t, "goal_title"))
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func payloadString(t *store.Task, key string) string {
	if t.Payload == nil {
		return ""
	}
	s, _ := t.Payload[key].(string)
	return s
}
