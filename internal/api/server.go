// Package api serves the operator surface: approval decisions, goal and
// project inspection, the autonomy status page, and the live event feed.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openfab-lab/autonomy/internal/approval"
	"github.com/openfab-lab/autonomy/internal/clock"
	"github.com/openfab-lab/autonomy/internal/config"
	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/events"
	"github.com/openfab-lab/autonomy/internal/feedback"
	"github.com/openfab-lab/autonomy/internal/gate"
	"github.com/openfab-lab/autonomy/internal/observability"
	"github.com/openfab-lab/autonomy/internal/store"
)

// Decision endpoints share one limiter: approvals are human-paced, so a
// small steady rate with a burst is plenty.
const (
	decisionRatePerSec = 2
	decisionBurst      = 5
)

// Server wires the HTTP handlers to the domain services.
type Server struct {
	cfg    *config.Config
	st     store.Store
	wf     *approval.Workflow
	gt     *gate.Gate
	fb     *feedback.Loop
	sensor *clock.IdleSensor
	hub    *events.Hub
	clk    clock.Clock
	log    *zap.Logger

	limiter  *rate.Limiter
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, st store.Store, wf *approval.Workflow, gt *gate.Gate, fb *feedback.Loop, sensor *clock.IdleSensor, hub *events.Hub, clk clock.Clock, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		st:      st,
		wf:      wf,
		gt:      gt,
		fb:      fb,
		sensor:  sensor,
		hub:     hub,
		clk:     clk,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(decisionRatePerSec), decisionBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/approve-goal", s.rateLimited("approve-goal", s.handleApprove))
	r.Post("/reject-goal", s.rateLimited("reject-goal", s.handleReject))

	r.Get("/goals", s.handleListGoals)
	r.Get("/goals/{id}", s.handleGetGoal)
	r.Get("/projects", s.handleListProjects)
	r.Get("/projects/{id}", s.handleGetProject)

	r.Get("/autonomy/status", s.handleStatus)
	r.Get("/effectiveness", s.handleEffectiveness)
	r.Get("/events", s.handleEvents)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(started)))
	})
}

func (s *Server) rateLimited(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			observability.APIRateLimited.WithLabelValues(endpoint).Inc()
			s.writeErrorStatus(w, http.StatusTooManyRequests, "rate_limited", "too many decision requests")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type decisionRequest struct {
	GoalID   string `json:"goal_id"`
	Approver string `json:"approver"`
	Notes    string `json:"notes"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	p, err := s.wf.Approve(r.Context(), req.GoalID, req.Approver, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, projectView(p))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.wf.Reject(r.Context(), req.GoalID, req.Approver, req.Notes); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"goal_id": req.GoalID, "status": string(store.GoalRejected)})
}

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	status := store.GoalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.GoalIdentified
	}
	goals, err := s.st.ListGoalsByStatus(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(goals))
	for _, g := range goals {
		out = append(out, goalView(g))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"goals": out})
}

func (s *Server) handleGetGoal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, err := s.st.GetGoal(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if g == nil {
		s.writeError(w, errcode.New(errcode.NotFound, "goal %s", id))
		return
	}

	view := map[string]any{"goal": goalView(g)}
	if p, err := s.st.GetProjectByGoal(r.Context(), id); err == nil && p != nil {
		view["project"] = projectView(p)
		if tasks, err := s.st.ListTasksByProject(r.Context(), p.ID); err == nil {
			tv := make([]map[string]any, 0, len(tasks))
			for _, t := range tasks {
				tv = append(tv, taskView(t))
			}
			view["tasks"] = tv
		}
	}
	if o, err := s.st.GetOutcomeByGoal(r.Context(), id); err == nil && o != nil {
		view["outcome"] = outcomeView(o)
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	status := store.ProjectStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.ProjectActive
	}
	projects, err := s.st.ListProjectsByStatus(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectView(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.st.GetProject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if p == nil {
		s.writeError(w, errcode.New(errcode.NotFound, "project %s", id))
		return
	}
	view := map[string]any{"project": projectView(p)}
	if tasks, err := s.st.ListTasksByProject(r.Context(), id); err == nil {
		tv := make([]map[string]any, 0, len(tasks))
		for _, t := range tasks {
			tv = append(tv, taskView(t))
		}
		view["tasks"] = tv
	}
	if ledger, err := s.st.ListLedger(r.Context(), id); err == nil {
		lv := make([]map[string]any, 0, len(ledger))
		for _, e := range ledger {
			lv = append(lv, ledgerView(e))
		}
		view["ledger"] = lv
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.clk.Now().In(s.cfg.Location)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.cfg.Location)
	spent, err := s.st.DailyAutonomousSpend(r.Context(), from, from.Add(24*time.Hour))
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := map[string]any{
		"autonomy_enabled": s.cfg.AutonomyEnabled,
		"mode":             string(s.cfg.Mode),
		"daily_budget_usd": s.cfg.DailyBudgetUSD.StringFixed(4),
		"daily_spent_usd":  spent.StringFixed(4),
		"idle":             s.sensor.Idle(),
		"event_clients":    s.hub.ClientCount(),
	}
	if sample, ok := s.sensor.Last(); ok {
		view["cpu_pct"] = sample.CPUPct
		view["mem_pct"] = sample.MemPct
		view["sampled_at"] = sample.At
	}

	decisions := map[string]any{}
	for class, d := range s.gt.Last() {
		decisions[string(class)] = map[string]any{
			"allowed": d.Allowed,
			"reason":  string(d.Reason),
			"detail":  d.Detail,
			"at":      d.At,
		}
	}
	view["last_decisions"] = decisions
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEffectiveness(w http.ResponseWriter, r *http.Request) {
	gt := store.GoalType(r.URL.Query().Get("goal_type"))
	switch gt {
	case store.GoalResearch, store.GoalImprovement, store.GoalOptimization, store.GoalLearning, store.GoalExploration:
	default:
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid_goal_type", "unknown goal_type "+string(gt))
		return
	}

	mean, samples, factor, err := s.fb.Stats(r.Context(), gt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"goal_type":          string(gt),
		"mean_effectiveness": mean,
		"samples":            samples,
		"adjustment_factor":  factor,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.Register(conn)

	// Drain the read side to notice closes; the hub owns all writes.
	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errcode.CodeOf(err)
	if code == "" {
		s.writeErrorStatus(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeErrorStatus(w, errcode.HTTPStatus(code), string(code), err.Error())
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{"error": code, "message": message})
}
