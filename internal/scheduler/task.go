package scheduler

import (
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies or a retry delay
	TaskReady                       // All dependencies completed, eligible for dispatch
	TaskRunning                     // Currently executing
	TaskCompleted                   // Finished successfully (terminal)
	TaskFailed                      // Attempt failed, about to be requeued or cancelled
	TaskCancelled                   // Will never run (terminal)
)

var statusNames = map[TaskStatus]string{
	TaskPending:   "pending",
	TaskReady:     "ready",
	TaskRunning:   "running",
	TaskCompleted: "completed",
	TaskFailed:    "failed",
	TaskCancelled: "cancelled",
}

func (s TaskStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether the status can never change again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// MarshalText implements encoding.TextMarshaler.
func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TaskStatus) UnmarshalText(b []byte) error {
	for status, name := range statusNames {
		if name == string(b) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", b)
}

// CancelReason records why a task was cancelled.
type CancelReason string

const (
	ReasonNone        CancelReason = ""
	ReasonExhausted   CancelReason = "retries_exhausted"
	ReasonDependency  CancelReason = "dependency_cancelled"
	ReasonSession     CancelReason = "session_cancelled"
	ReasonShed        CancelReason = "shed"
	ReasonBudget      CancelReason = "budget"
	ReasonUnreachable CancelReason = "unreachable"
)

// ErrorRecord is one timestamped failed attempt.
type ErrorRecord struct {
	Attempt int       `json:"attempt"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Task represents a unit of work in the DAG.
type Task struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	AgentType   string   `json:"agent_type"`
	Phase       string   `json:"phase,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`

	Status       TaskStatus    `json:"status"`
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	ErrorLog     []ErrorRecord `json:"error_log,omitempty"`
	Result       string        `json:"result,omitempty"` // Set only when Completed
	CancelReason CancelReason  `json:"cancel_reason,omitempty"`
	TokensUsed   int           `json:"tokens_used,omitempty"`

	Weight       float64       `json:"weight"`                 // Progress weight; <= 0 counts as 1
	Optional     bool          `json:"optional,omitempty"`     // Off the critical path, may be shed
	QualityGate  bool          `json:"quality_gate,omitempty"` // Output carries a pass/fail verdict
	Timeout      time.Duration `json:"timeout,omitempty"`      // Per attempt
	Deliverables []string      `json:"deliverables,omitempty"`

	NotBefore  time.Time `json:"not_before"` // Earliest re-dispatch after a failure
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// EffectiveWeight returns the progress weight, defaulting to 1.
func (t *Task) EffectiveWeight() float64 {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

// Exhausted reports whether the task was cancelled after using all retries.
func (t *Task) Exhausted() bool {
	return t.Status == TaskCancelled && t.CancelReason == ReasonExhausted
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.ErrorLog != nil {
		cp.ErrorLog = append([]ErrorRecord(nil), task.ErrorLog...)
	}
	if task.Deliverables != nil {
		cp.Deliverables = append([]string(nil), task.Deliverables...)
	}
	return &cp
}
