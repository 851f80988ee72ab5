package scheduler

import (
	"fmt"
	"sort"
	"time"
)

// ErrorKind classifies every error that can surface in a session report.
type ErrorKind string

const (
	KindClassificationAmbiguous ErrorKind = "ClassificationAmbiguous"
	KindPlanCycleDetected       ErrorKind = "PlanCycleDetected"
	KindAgentInvocationFailure  ErrorKind = "AgentInvocationFailure"
	KindAgentTimeout            ErrorKind = "AgentTimeout"
	KindBudgetExceeded          ErrorKind = "BudgetExceeded"
	KindQualityGateFailure      ErrorKind = "QualityGateFailure"
	KindRetriesExhausted        ErrorKind = "RetriesExhausted"
	KindSessionCorrupted        ErrorKind = "SessionCorrupted"
)

// ReportEntry is one session-level error.
type ReportEntry struct {
	Kind    ErrorKind `json:"kind"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// TaskOutcome is the final state of one task as listed in a report.
type TaskOutcome struct {
	ID           string        `json:"id"`
	Description  string        `json:"description"`
	AgentType    string        `json:"agent_type"`
	Status       TaskStatus    `json:"status"`
	CancelReason CancelReason  `json:"cancel_reason,omitempty"`
	RetryCount   int           `json:"retry_count"`
	TokensUsed   int           `json:"tokens_used"`
	Result       string        `json:"result,omitempty"`
	Errors       []ErrorRecord `json:"errors,omitempty"`
}

// TokenUsage compares the estimated and charged tokens of one agent type
// over its completed tasks.
type TokenUsage struct {
	Estimated int `json:"estimated"`
	Charged   int `json:"charged"`
}

// Efficiency is Estimated over Charged, 0 when nothing was charged.
// Values below 1 mean the agent cost more than planned.
func (u TokenUsage) Efficiency() float64 {
	if u.Charged <= 0 {
		return 0
	}
	return float64(u.Estimated) / float64(u.Charged)
}

// overrunFactor is how far over its estimate an agent may go before the
// report suggests re-tuning it.
const overrunFactor = 1.5

// Summary aggregates execution statistics.
type Summary struct {
	AgentUtilisation map[string]int        `json:"agent_utilisation"` // Attempts per agent type
	TokenUsage       map[string]TokenUsage `json:"token_usage,omitempty"`
	LockWaits        map[string]int        `json:"lock_waits,omitempty"` // Dispatch passes a non-reentrant agent was busy
	TotalRetries     int                   `json:"total_retries"`
	RetryRate        float64               `json:"retry_rate"` // Failed attempts over all attempts
	Recommendations  []string              `json:"recommendations,omitempty"`
}

// Report is the terminal ExecutionReport for one scheduler run.
// Every task appears in exactly one of Completed, Failed, Cancelled or Pending.
type Report struct {
	SessionID string `json:"session_id"`

	Completed []TaskOutcome `json:"completed"`
	Failed    []TaskOutcome `json:"failed"`    // Cancelled after exhausting retries
	Cancelled []TaskOutcome `json:"cancelled"` // Cancelled for any other reason
	Pending   []TaskOutcome `json:"pending"`   // Not terminal; only on interrupted runs

	Errors []ReportEntry `json:"errors"`

	Phase       string    `json:"phase"`
	Progress    float64   `json:"progress"`
	TokenBudget int       `json:"token_budget"`
	TokensUsed  int       `json:"tokens_used"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`

	Interrupted bool `json:"interrupted,omitempty"` // Context cancelled; session resumable
	Abandoned   bool `json:"abandoned,omitempty"`   // Session explicitly cancelled

	Summary Summary `json:"summary"`
}

// Succeeded reports whether every task completed.
func (r *Report) Succeeded() bool {
	return len(r.Failed) == 0 && len(r.Cancelled) == 0 && len(r.Pending) == 0 && !r.Abandoned && !r.Interrupted
}

// ErrorsOfKind returns the session-level entries of kind k.
func (r *Report) ErrorsOfKind(k ErrorKind) []ReportEntry {
	var out []ReportEntry
	for _, e := range r.Errors {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// AddError appends a session-level entry.
func (r *Report) AddError(kind ErrorKind, taskID, message string) {
	r.Errors = append(r.Errors, ReportEntry{Kind: kind, TaskID: taskID, Message: message, At: time.Now()})
}

func outcomeOf(t *Task) TaskOutcome {
	return TaskOutcome{
		ID:           t.ID,
		Description:  t.Description,
		AgentType:    t.AgentType,
		Status:       t.Status,
		CancelReason: t.CancelReason,
		RetryCount:   t.RetryCount,
		TokensUsed:   t.TokensUsed,
		Result:       t.Result,
		Errors:       t.ErrorLog,
	}
}

// fill sorts every task of sess into the report and computes the summary.
// Token usage is only summarised when estimate is set.
func (r *Report) fill(sess *Session, estimate EstimateFunc, waits map[string]int) {
	r.SessionID = sess.ID
	r.Completed, r.Failed, r.Cancelled, r.Pending = nil, nil, nil, nil

	attempts := make(map[string]int)
	var usage map[string]TokenUsage
	if estimate != nil {
		usage = make(map[string]TokenUsage)
	}
	var total, failed int
	for _, t := range sess.DAG.Tasks() {
		o := outcomeOf(t)
		switch {
		case t.Status == TaskCompleted:
			r.Completed = append(r.Completed, o)
		case t.Exhausted():
			r.Failed = append(r.Failed, o)
		case t.Status == TaskCancelled:
			r.Cancelled = append(r.Cancelled, o)
		default:
			r.Pending = append(r.Pending, o)
		}

		n := len(t.ErrorLog)
		if t.Status == TaskCompleted {
			n++
		}
		attempts[t.AgentType] += n
		total += n
		failed += len(t.ErrorLog)

		if usage != nil && t.Status == TaskCompleted {
			u := usage[t.AgentType]
			u.Estimated += estimate(t.AgentType, t.Description)
			u.Charged += t.TokensUsed
			usage[t.AgentType] = u
		}
	}

	r.Phase = sess.Phase()
	r.Progress = sess.Progress()
	r.TokenBudget = sess.TokenBudget
	r.TokensUsed = sess.TokensUsed()

	r.Summary = Summary{AgentUtilisation: attempts, TokenUsage: usage, TotalRetries: failed}
	if len(waits) > 0 {
		r.Summary.LockWaits = waits
	}
	if total > 0 {
		r.Summary.RetryRate = float64(failed) / float64(total)
	}
	r.Summary.Recommendations = r.recommendations()
}

func (r *Report) recommendations() []string {
	var recs []string
	if r.Summary.TotalRetries > 0 {
		recs = append(recs, fmt.Sprintf("%d attempts failed; consider raising task timeouts or checking agent health", r.Summary.TotalRetries))
	}
	if len(r.Failed) > 0 {
		ids := make([]string, 0, len(r.Failed))
		for _, o := range r.Failed {
			ids = append(ids, o.ID)
		}
		sort.Strings(ids)
		recs = append(recs, fmt.Sprintf("review escalated tasks: %v", ids))
	}
	agents := make([]string, 0, len(r.Summary.TokenUsage))
	for a := range r.Summary.TokenUsage {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	for _, a := range agents {
		u := r.Summary.TokenUsage[a]
		if u.Estimated > 0 && float64(u.Charged) > overrunFactor*float64(u.Estimated) {
			recs = append(recs, fmt.Sprintf("%s used %d tokens against an estimate of %d; raise its base_tokens in the catalog", a, u.Charged, u.Estimated))
		}
	}
	if len(r.ErrorsOfKind(KindBudgetExceeded)) > 0 {
		recs = append(recs, "token budget was exhausted; raise the budget or trim optional work")
	}
	if len(r.ErrorsOfKind(KindQualityGateFailure)) > 0 {
		recs = append(recs, "quality gates failed; inspect remediation task output")
	}
	return recs
}
