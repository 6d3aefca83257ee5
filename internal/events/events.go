// Package events fans goal, project, and task transitions out to
// subscribers: the structured log in every deployment, plus a websocket
// hub when the API is serving /events.
package events

import (
	"time"

	"go.uber.org/zap"
)

// Kind names a lifecycle transition.
type Kind string

const (
	GoalIdentified  Kind = "goal.identified"
	GoalApproved    Kind = "goal.approved"
	GoalRejected    Kind = "goal.rejected"
	GoalCompleted   Kind = "goal.completed"
	GoalFailed      Kind = "goal.failed"
	GoalMeasured    Kind = "goal.measured"
	ProjectStarted  Kind = "project.started"
	ProjectFinished Kind = "project.finished"
	TaskStarted     Kind = "task.started"
	TaskFinished    Kind = "task.finished"
	TaskRetried     Kind = "task.retried"
	JobFired        Kind = "job.fired"
	JobSkipped      Kind = "job.skipped"
)

// Event is one transition notification.
type Event struct {
	Kind      Kind           `json:"kind"`
	At        time.Time      `json:"at"`
	GoalID    string         `json:"goal_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Handler   string         `json:"handler,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Publisher receives events. Publish must not block the caller; slow
// subscribers drop rather than stall a state transition.
type Publisher interface {
	Publish(e Event)
}

// LogPublisher writes every event to the structured log.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(e Event) {
	p.log.Info("event",
		zap.String("kind", string(e.Kind)),
		zap.Time("at", e.At),
		zap.String("goal_id", e.GoalID),
		zap.String("project_id", e.ProjectID),
		zap.String("task_id", e.TaskID),
		zap.String("handler", e.Handler))
}

// Fanout publishes to several publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		p.Publish(e)
	}
}

// Discard drops everything; tests that don't assert on events use it.
type Discard struct{}

func (Discard) Publish(Event) {}
