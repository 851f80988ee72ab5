package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask    = "task"
	TopicSession = "session"
)

// Event type constants
const (
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeTaskCancelled     = "task.cancelled"
	EventTypeTaskEscalated     = "task.escalated"
	EventTypeQualityGateFailed = "task.gate_failed"

	EventTypeCheckpoint     = "session.checkpoint"
	EventTypeProgress       = "session.progress"
	EventTypeBudgetWarning  = "session.budget_warning"
	EventTypeBudgetExceeded = "session.budget_exceeded"
	EventTypePlanChanged    = "session.plan_changed"
	EventTypeSessionDone    = "session.finished"
)

// TaskStartedEvent is published when a task attempt is dispatched.
type TaskStartedEvent struct {
	ID        string
	AgentType string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID         string
	Result     string
	TokensUsed int
	Duration   time.Duration
	Timestamp  time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task attempt fails.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Attempt   int
	WillRetry bool
	RetryAt   time.Time // Zero when WillRetry is false
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task becomes Cancelled.
type TaskCancelledEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// EscalationEvent is published when a task exhausts its retries.
// History holds one line per failed attempt, oldest first.
type EscalationEvent struct {
	SessionID  string
	ID         string
	AgentType  string
	Dependents []string // Transitively cancelled as a result
	History    []string
	Timestamp  time.Time
}

func (e EscalationEvent) EventType() string { return EventTypeTaskEscalated }
func (e EscalationEvent) TaskID() string    { return e.ID }

// QualityGateFailedEvent is published when a gate task reports a failing verdict.
type QualityGateFailedEvent struct {
	SessionID string
	ID        string
	Output    string
	Timestamp time.Time
}

func (e QualityGateFailedEvent) EventType() string { return EventTypeQualityGateFailed }
func (e QualityGateFailedEvent) TaskID() string    { return e.ID }

// CheckpointEvent is published the first time progress crosses a milestone.
type CheckpointEvent struct {
	SessionID      string
	Phase          string
	Progress       float64
	Milestone      int
	ActiveTasks    []string
	NextMilestones []int
	Timestamp      time.Time
}

func (e CheckpointEvent) EventType() string { return EventTypeCheckpoint }
func (e CheckpointEvent) TaskID() string    { return "" }

// ProgressEvent is published after every task transition.
type ProgressEvent struct {
	SessionID  string
	Total      int
	Completed  int
	Running    int
	Ready      int
	Pending    int
	Cancelled  int
	Progress   float64
	TokensUsed int
	Timestamp  time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskID() string    { return "" }

// BudgetEvent is published when token usage crosses the warning threshold
// or the budget itself.
type BudgetEvent struct {
	SessionID string
	Used      int
	Budget    int
	Exceeded  bool
	Timestamp time.Time
}

func (e BudgetEvent) EventType() string {
	if e.Exceeded {
		return EventTypeBudgetExceeded
	}
	return EventTypeBudgetWarning
}
func (e BudgetEvent) TaskID() string { return "" }

// PlanChangedEvent is published when tasks are inserted into a running session.
type PlanChangedEvent struct {
	SessionID string
	Added     []string
	Reason    string
	Timestamp time.Time
}

func (e PlanChangedEvent) EventType() string { return EventTypePlanChanged }
func (e PlanChangedEvent) TaskID() string    { return "" }

// SessionFinishedEvent is published once when a scheduler run ends.
type SessionFinishedEvent struct {
	SessionID   string
	Completed   int
	Failed      int
	Cancelled   int
	Interrupted bool
	Abandoned   bool
	Timestamp   time.Time
}

func (e SessionFinishedEvent) EventType() string { return EventTypeSessionDone }
func (e SessionFinishedEvent) TaskID() string    { return "" }
