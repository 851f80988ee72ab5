package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/invoker"
)

var (
	// ErrSchedulerStopped is returned by commands sent after Run has returned.
	ErrSchedulerStopped = errors.New("scheduler stopped")
	// ErrSchedulerUsed is returned when Run is called a second time.
	ErrSchedulerUsed = errors.New("scheduler already ran")
)

// Invoker is the agent boundary the scheduler dispatches through.
type Invoker interface {
	Invoke(ctx context.Context, agentType, prompt, taskID string, timeout time.Duration) (invoker.Result, error)
}

// Checkpointer persists session snapshots.
type Checkpointer interface {
	SaveSession(ctx context.Context, snap *Snapshot) error
}

// Supervisor reacts to task outcomes. Its methods run synchronously inside
// the coordinating loop, so they must not call back into the Scheduler.
// Returned tasks are inserted atomically into the running session.
type Supervisor interface {
	OnTaskCompleted(sess *Session, task *Task) []*Task
	OnQualityGateFailed(sess *Session, task *Task) []*Task
}

// CostFunc returns the tokens to charge for a successful attempt.
type CostFunc func(task *Task, res invoker.Result) int

// EstimateFunc predicts the tokens a task of agentType will use.
type EstimateFunc func(agentType, description string) int

// ReportedOrEstimated charges the agent-reported token count and falls back
// to estimate when the agent reports nothing. A nil estimate charges 0.
func ReportedOrEstimated(estimate EstimateFunc) CostFunc {
	return func(task *Task, res invoker.Result) int {
		if res.TokensUsed > 0 {
			return res.TokensUsed
		}
		if estimate == nil {
			return 0
		}
		return estimate(task.AgentType, task.Description)
	}
}

// GateFunc reports whether a quality-gate output passed.
type GateFunc func(output string) bool

// DefaultGate fails only on an explicit "VERDICT: FAIL" line.
func DefaultGate(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), "VERDICT: FAIL") {
			return false
		}
	}
	return true
}

// Config configures a Scheduler. Only Invoker is required.
type Config struct {
	Invoker    Invoker
	Store      Checkpointer     // Optional; checkpoints are skipped when nil
	Bus        *events.EventBus // Optional
	Supervisor Supervisor       // Optional
	Cost       CostFunc         // Defaults to ReportedOrEstimated(nil)
	Estimate   EstimateFunc     // Optional; enables per-agent token usage in reports
	Gate       GateFunc         // Defaults to DefaultGate
	Exclusive  func(agentType string) bool
	Logger     *slog.Logger

	Concurrency            int           // Worker slots (default 4)
	MaxConcurrency         int           // Ceiling for SetConcurrency (default 2x Concurrency)
	Retry                  RetryPolicy   // Zero value uses DefaultRetryPolicy
	Breaker                BreakerConfig // Breakers are off unless Enabled
	BudgetWarningThreshold float64       // Fraction of the budget that triggers critical-only dispatch (default 0.8)
	DefaultTimeout         time.Duration // Per attempt, for tasks without their own (default 15m)
}

type budgetMode int

const (
	modeNormal budgetMode = iota
	modeCriticalOnly
	modePaused
)

func (m budgetMode) String() string {
	switch m {
	case modeCriticalOnly:
		return "critical-only"
	case modePaused:
		return "paused"
	default:
		return "normal"
	}
}

type cmdKind int

const (
	cmdSetConcurrency cmdKind = iota
	cmdShedOptional
	cmdInsertTasks
	cmdCancel
)

type command struct {
	kind   cmdKind
	n      int
	tasks  []*Task
	reason string
	reply  chan cmdReply
}

type cmdReply struct {
	ids []string
	err error
}

type attemptResult struct {
	taskID  string
	res     invoker.Result
	err     error
	elapsed time.Duration
}

// Scheduler walks one session's task graph. All task and session mutation
// happens on the goroutine running Run; agent calls run on worker goroutines.
// A Scheduler runs once.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	breakers *CircuitBreakerRegistry

	cmds        chan command
	done        chan struct{}
	started     atomic.Bool
	concurrency atomic.Int32
}

// New creates a Scheduler, filling defaults into cfg.
func New(cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxConcurrency < cfg.Concurrency {
		cfg.MaxConcurrency = 2 * cfg.Concurrency
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = DefaultRetryPolicy().MaxRetries
	}
	if cfg.BudgetWarningThreshold <= 0 || cfg.BudgetWarningThreshold > 1 {
		cfg.BudgetWarningThreshold = 0.8
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 15 * time.Minute
	}
	if cfg.Cost == nil {
		cfg.Cost = ReportedOrEstimated(nil)
	}
	if cfg.Gate == nil {
		cfg.Gate = DefaultGate
	}
	if cfg.Exclusive == nil {
		cfg.Exclusive = func(string) bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		cmds:   make(chan command),
		done:   make(chan struct{}),
	}
	if cfg.Breaker.Enabled {
		s.breakers = NewCircuitBreakerRegistry(cfg.Breaker, cfg.Logger)
	}
	s.concurrency.Store(int32(cfg.Concurrency))
	return s
}

// Concurrency returns the current number of worker slots.
func (s *Scheduler) Concurrency() int {
	return int(s.concurrency.Load())
}

// Done is closed when Run returns.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) send(c command) cmdReply {
	c.reply = make(chan cmdReply, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return cmdReply{err: ErrSchedulerStopped}
	}
	select {
	case r := <-c.reply:
		return r
	case <-s.done:
		return cmdReply{err: ErrSchedulerStopped}
	}
}

// SetConcurrency changes the number of worker slots, clamped to
// [1, MaxConcurrency]. Running tasks are never interrupted.
func (s *Scheduler) SetConcurrency(n int) error {
	return s.send(command{kind: cmdSetConcurrency, n: n}).err
}

// ShedOptional cancels every optional task that has not started, and returns
// the IDs cancelled (dependents included).
func (s *Scheduler) ShedOptional() ([]string, error) {
	r := s.send(command{kind: cmdShedOptional})
	return r.ids, r.err
}

// InsertTasks adds tasks to the running session atomically.
func (s *Scheduler) InsertTasks(tasks []*Task, reason string) error {
	return s.send(command{kind: cmdInsertTasks, tasks: tasks, reason: reason}).err
}

// Cancel abandons the session: dispatch halts, in-flight calls are
// abandoned and every non-terminal task is cancelled.
func (s *Scheduler) Cancel() error {
	return s.send(command{kind: cmdCancel}).err
}

// Run executes sess until every task is terminal, ctx is cancelled, or
// Cancel is called. Cancelling ctx is an interruption: in-flight attempts are
// abandoned without charging a retry, the session is persisted and ctx.Err()
// is returned with a partial report. A graph that fails validation does not
// start.
func (s *Scheduler) Run(ctx context.Context, sess *Session) (*Report, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrSchedulerUsed
	}
	defer close(s.done)

	if _, err := sess.DAG.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task graph: %w", err)
	}
	sess.DAG.defaultRetries(s.cfg.Retry.MaxRetries)

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	r := &run{
		s:          s,
		sess:       sess,
		dag:        sess.DAG,
		report:     &Report{StartedAt: time.Now().UTC()},
		workCtx:    workCtx,
		cancelWork: cancelWork,
		results:    make(chan attemptResult, s.cfg.MaxConcurrency),
		inflight:   make(map[string]string),
		locks:      NewAgentLocks(),
		backoffs:   make(map[string]*backoff.ExponentialBackOff),
		queue:      sess.DAG.ReadySet(),
	}
	return r.loop(ctx)
}

// run holds the state owned by the coordinating loop.
type run struct {
	s      *Scheduler
	sess   *Session
	dag    *DAG
	report *Report

	workCtx    context.Context
	cancelWork context.CancelFunc
	results    chan attemptResult

	queue    []string          // Ready task IDs, FIFO
	inflight map[string]string // task ID -> agent type
	locks    *AgentLocks
	backoffs map[string]*backoff.ExponentialBackOff

	mode     budgetMode
	critical map[string]bool
	warned   bool
	exceeded bool
	stopping bool
}

func (r *run) loop(ctx context.Context) (*Report, error) {
	r.s.logger.Info("session started",
		"session_id", r.sess.ID,
		"tasks", r.dag.Len(),
		"concurrency", r.s.Concurrency(),
		"token_budget", r.sess.TokenBudget)
	r.budget()
	r.progress()

	for {
		r.promote()
		r.dispatch()
		if len(r.inflight) == 0 && r.settle() {
			break
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if at, ok := r.dag.NextRetryAt(time.Now()); ok {
			timer = time.NewTimer(time.Until(at))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return r.interrupt(ctx.Err())
		case res := <-r.results:
			r.handle(res)
		case cmd := <-r.s.cmds:
			if r.command(cmd) {
				stopTimer(timer)
				return r.abandon()
			}
		case <-timerC:
		}
		stopTimer(timer)
	}

	return r.finish(), nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (r *run) promote() {
	promoted := r.dag.Promote(time.Now())
	r.queue = append(r.queue, promoted...)
}

// dispatch starts Ready tasks in FIFO order while slots are free. A task
// skipped for an exclusive-agent conflict or budget deferral keeps its place.
func (r *run) dispatch() {
	if r.stopping || r.mode == modePaused {
		return
	}

	slots := r.s.Concurrency()
	kept := make([]string, 0, len(r.queue))
	for _, id := range r.queue {
		task, ok := r.dag.Get(id)
		if !ok || task.Status != TaskReady {
			continue
		}
		if len(r.inflight) >= slots || (r.mode == modeCriticalOnly && !r.critical[id]) {
			kept = append(kept, id)
			continue
		}
		if r.s.cfg.Exclusive(task.AgentType) && !r.locks.TryAcquire(task.AgentType, id) {
			if holder, ok := r.locks.Holder(task.AgentType); ok {
				r.s.logger.Debug("agent busy", "task_id", id, "agent_type", task.AgentType, "holder", holder)
			}
			kept = append(kept, id)
			continue
		}
		r.start(task)
	}
	r.queue = kept
}

func (r *run) start(task *Task) {
	now := time.Now()
	if err := r.dag.MarkRunning(task.ID, now); err != nil {
		r.s.logger.Error("cannot start task", "task_id", task.ID, "error", err)
		r.locks.Release(task.AgentType, task.ID)
		return
	}
	r.inflight[task.ID] = task.AgentType

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = r.s.cfg.DefaultTimeout
	}
	prompt := buildPrompt(r.sess, task, timeout)
	attempt := task.RetryCount + 1

	r.s.logger.Info("task dispatched",
		"session_id", r.sess.ID,
		"task_id", task.ID,
		"agent_type", task.AgentType,
		"attempt", attempt,
		"timeout", timeout)
	r.s.cfg.Bus.Publish(events.TopicTask, events.TaskStartedEvent{
		ID:        task.ID,
		AgentType: task.AgentType,
		Attempt:   attempt,
		Timestamp: now,
	})
	r.progress()

	go func(id, agentType string) {
		res, err := r.s.call(r.workCtx, agentType, prompt, id, timeout)
		r.results <- attemptResult{taskID: id, res: res, err: err, elapsed: time.Since(now)}
	}(task.ID, task.AgentType)
}

func (s *Scheduler) call(ctx context.Context, agentType, prompt, taskID string, timeout time.Duration) (invoker.Result, error) {
	if s.breakers == nil {
		return s.cfg.Invoker.Invoke(ctx, agentType, prompt, taskID, timeout)
	}
	out, err := s.breakers.Get(agentType).Execute(func() (interface{}, error) {
		return s.cfg.Invoker.Invoke(ctx, agentType, prompt, taskID, timeout)
	})
	if err != nil {
		if isBreakerRejection(err) {
			return invoker.Result{}, fmt.Errorf("%w: %s: circuit %v", invoker.ErrAgentFailure, agentType, err)
		}
		return invoker.Result{}, err
	}
	return out.(invoker.Result), nil
}

func (r *run) handle(res attemptResult) {
	agentType := r.inflight[res.taskID]
	delete(r.inflight, res.taskID)
	r.locks.Release(agentType, res.taskID)

	switch {
	case res.err == nil:
		r.complete(res)
	case r.stopping && errors.Is(res.err, r.workCtx.Err()):
		// Abandoned by the interruption, not a failed attempt
		if err := r.dag.Revert(res.taskID); err != nil {
			r.s.logger.Error("cannot revert task", "task_id", res.taskID, "error", err)
		}
	default:
		r.fail(res)
	}
	r.progress()
}

func (r *run) complete(res attemptResult) {
	task, _ := r.dag.Get(res.taskID)
	tokens := r.s.cfg.Cost(task, res.res)
	now := time.Now()

	if err := r.dag.MarkCompleted(res.taskID, res.res.Output, tokens, now); err != nil {
		r.s.logger.Error("cannot complete task", "task_id", res.taskID, "error", err)
		return
	}
	used := r.sess.addTokens(tokens)
	delete(r.backoffs, res.taskID)
	task, _ = r.dag.Get(res.taskID)

	r.s.logger.Info("task completed",
		"session_id", r.sess.ID,
		"task_id", task.ID,
		"agent_type", task.AgentType,
		"tokens", tokens,
		"tokens_used", used,
		"duration", res.elapsed)
	r.s.cfg.Bus.Publish(events.TopicTask, events.TaskCompletedEvent{
		ID:         task.ID,
		Result:     task.Result,
		TokensUsed: tokens,
		Duration:   res.elapsed,
		Timestamp:  now,
	})

	if task.QualityGate && !r.s.cfg.Gate(task.Result) {
		r.report.AddError(KindQualityGateFailure, task.ID, "quality gate reported failure")
		r.s.logger.Warn("quality gate failed", "session_id", r.sess.ID, "task_id", task.ID)
		r.s.cfg.Bus.Publish(events.TopicTask, events.QualityGateFailedEvent{
			SessionID: r.sess.ID,
			ID:        task.ID,
			Output:    truncate(task.Result, 500),
			Timestamp: now,
		})
		if sup := r.s.cfg.Supervisor; sup != nil {
			r.insert(sup.OnQualityGateFailed(r.sess, task), "quality gate remediation")
		}
	}
	if sup := r.s.cfg.Supervisor; sup != nil {
		r.insert(sup.OnTaskCompleted(r.sess, task), "re-plan after "+task.ID)
	}

	r.checkpoint()
	r.budget()
}

func (r *run) fail(res attemptResult) {
	now := time.Now()
	kind := KindAgentInvocationFailure
	if errors.Is(res.err, invoker.ErrAgentTimeout) {
		kind = KindAgentTimeout
	}

	task, err := r.dag.RecordFailure(res.taskID, ErrorRecord{Kind: kind, Message: res.err.Error(), At: now}, 0)
	if err != nil {
		r.s.logger.Error("cannot record failure", "task_id", res.taskID, "error", err)
		return
	}

	if task.RetryCount < task.MaxRetries {
		var retryAt time.Time
		if !r.stopping {
			b, ok := r.backoffs[task.ID]
			if !ok {
				b = r.s.cfg.Retry.newBackOff()
				r.backoffs[task.ID] = b
			}
			retryAt = now.Add(b.NextBackOff())
		}
		if err := r.dag.Requeue(task.ID, retryAt); err != nil {
			r.s.logger.Error("cannot requeue task", "task_id", task.ID, "error", err)
		}
		r.s.logger.Warn("task attempt failed, retrying",
			"session_id", r.sess.ID,
			"task_id", task.ID,
			"agent_type", task.AgentType,
			"attempt", task.RetryCount,
			"max_retries", task.MaxRetries,
			"retry_at", retryAt,
			"error", res.err)
		r.s.cfg.Bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:        task.ID,
			Err:       res.err,
			Attempt:   task.RetryCount,
			WillRetry: true,
			RetryAt:   retryAt,
			Duration:  res.elapsed,
			Timestamp: now,
		})
		return
	}

	r.s.cfg.Bus.Publish(events.TopicTask, events.TaskFailedEvent{
		ID:        task.ID,
		Err:       res.err,
		Attempt:   task.RetryCount,
		Duration:  res.elapsed,
		Timestamp: now,
	})
	changed, _ := r.dag.CascadeCancel(task.ID, ReasonExhausted)
	delete(r.backoffs, task.ID)

	history := make([]string, len(task.ErrorLog))
	for i, rec := range task.ErrorLog {
		history[i] = fmt.Sprintf("%s attempt %d %s: %s", rec.At.Format(time.RFC3339), rec.Attempt, rec.Kind, rec.Message)
	}
	dependents := changed[1:]
	r.report.AddError(KindRetriesExhausted, task.ID,
		fmt.Sprintf("failed %d of %d attempts; cancelled %d dependents", task.RetryCount, task.MaxRetries, len(dependents)))
	r.s.logger.Error("task retries exhausted, escalating",
		"session_id", r.sess.ID,
		"task_id", task.ID,
		"agent_type", task.AgentType,
		"attempts", task.RetryCount,
		"dependents_cancelled", len(dependents),
		"error", res.err)
	r.s.cfg.Bus.Publish(events.TopicTask, events.EscalationEvent{
		SessionID:  r.sess.ID,
		ID:         task.ID,
		AgentType:  task.AgentType,
		Dependents: dependents,
		History:    history,
		Timestamp:  now,
	})
	r.publishCancelled(changed)
	r.checkpoint()
}

// insert adds supervisor- or caller-supplied tasks. Rejected batches leave
// the session untouched.
func (r *run) insert(tasks []*Task, reason string) error {
	if len(tasks) == 0 {
		return nil
	}

	batch := make([]*Task, len(tasks))
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		cp := cloneTask(t)
		cp.Status = TaskPending
		cp.RetryCount = 0
		cp.ErrorLog = nil
		cp.Result = ""
		cp.CancelReason = ReasonNone
		if cp.MaxRetries <= 0 {
			cp.MaxRetries = r.s.cfg.Retry.MaxRetries
		}
		batch[i] = cp
		ids[i] = cp.ID
	}

	if err := r.dag.AddTasks(batch); err != nil {
		if errors.Is(err, ErrCycle) {
			r.report.AddError(KindPlanCycleDetected, "", fmt.Sprintf("%s rejected: %v", reason, err))
		}
		r.s.logger.Error("task insertion rejected", "session_id", r.sess.ID, "reason", reason, "error", err)
		return err
	}

	// A new task waiting on a cancelled dependency can never run
	for _, t := range batch {
		for _, depID := range t.DependsOn {
			if dep, ok := r.dag.Get(depID); ok && dep.Status == TaskCancelled {
				changed, _ := r.dag.CascadeCancel(t.ID, ReasonDependency)
				r.publishCancelled(changed)
				break
			}
		}
	}

	if r.mode == modeCriticalOnly {
		r.critical = r.dag.CriticalSet()
	}
	r.s.logger.Info("tasks inserted", "session_id", r.sess.ID, "reason", reason, "tasks", ids)
	r.s.cfg.Bus.Publish(events.TopicSession, events.PlanChangedEvent{
		SessionID: r.sess.ID,
		Added:     ids,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	return nil
}

// command applies a control message. Returns true when the session is abandoned.
func (r *run) command(c command) bool {
	var reply cmdReply
	switch c.kind {
	case cmdSetConcurrency:
		n := c.n
		if n < 1 {
			n = 1
		}
		if n > r.s.cfg.MaxConcurrency {
			n = r.s.cfg.MaxConcurrency
		}
		prev := r.s.concurrency.Swap(int32(n))
		r.s.logger.Info("concurrency changed", "session_id", r.sess.ID, "from", prev, "to", n)
	case cmdShedOptional:
		reply.ids = r.shed()
	case cmdInsertTasks:
		reply.err = r.insert(c.tasks, c.reason)
	case cmdCancel:
		c.reply <- reply
		return true
	}
	c.reply <- reply
	return false
}

func (r *run) shed() []string {
	var shed []string
	for _, t := range r.dag.Tasks() {
		if !t.Optional || t.Status == TaskRunning || t.Status.Terminal() {
			continue
		}
		changed, _ := r.dag.CascadeCancel(t.ID, ReasonShed)
		shed = append(shed, changed...)
	}
	if len(shed) > 0 {
		r.s.logger.Info("optional tasks shed", "session_id", r.sess.ID, "tasks", shed)
		r.publishCancelled(shed)
		r.checkpoint()
		r.progress()
	}
	return shed
}

// budget switches dispatch mode as token usage crosses the warning threshold
// and the budget itself.
func (r *run) budget() {
	budget := r.sess.TokenBudget
	if budget <= 0 {
		return
	}
	used := r.sess.TokensUsed()

	if !r.warned && float64(used) >= r.s.cfg.BudgetWarningThreshold*float64(budget) {
		r.warned = true
		r.mode = modeCriticalOnly
		r.critical = r.dag.CriticalSet()
		r.s.logger.Warn("token budget threshold reached, dispatching critical path only",
			"session_id", r.sess.ID, "tokens_used", used, "token_budget", budget)
		r.s.cfg.Bus.Publish(events.TopicSession, events.BudgetEvent{
			SessionID: r.sess.ID, Used: used, Budget: budget, Timestamp: time.Now(),
		})
	}
	if !r.exceeded && used >= budget {
		r.exceeded = true
		r.mode = modePaused
		r.report.AddError(KindBudgetExceeded, "", fmt.Sprintf("used %d of %d tokens; dispatch paused", used, budget))
		r.s.logger.Warn("token budget exceeded, dispatch paused",
			"session_id", r.sess.ID, "tokens_used", used, "token_budget", budget)
		r.s.cfg.Bus.Publish(events.TopicSession, events.BudgetEvent{
			SessionID: r.sess.ID, Used: used, Budget: budget, Exceeded: true, Timestamp: time.Now(),
		})
	}
}

// settle runs with nothing in flight. It reports whether the run is over,
// cancelling whatever can no longer make progress.
func (r *run) settle() bool {
	if r.dag.Finished() {
		return true
	}
	if _, waiting := r.dag.NextRetryAt(time.Now()); waiting {
		return false
	}

	var changed []string
	for _, id := range r.dag.ReadySet() {
		// Only budget deferral leaves Ready work idle with free slots
		c, _ := r.dag.CascadeCancel(id, ReasonBudget)
		changed = append(changed, c...)
	}
	for _, id := range r.dag.IDsWithStatus(TaskPending) {
		c, _ := r.dag.CascadeCancel(id, ReasonUnreachable)
		if len(c) > 0 {
			r.s.logger.Warn("task can never become ready", "session_id", r.sess.ID, "task_id", id)
		}
		changed = append(changed, c...)
	}
	if len(changed) > 0 {
		r.publishCancelled(changed)
		r.progress()
	}
	return true
}

// checkpoint recomputes progress and persists once per newly crossed milestone batch.
func (r *run) checkpoint() {
	crossed := r.sess.advance()
	if len(crossed) == 0 {
		return
	}

	r.save("checkpoint")
	active := r.dag.IDsWithStatus(TaskRunning)
	next := r.sess.NextMilestones()
	for _, m := range crossed {
		r.s.logger.Info("checkpoint reached",
			"session_id", r.sess.ID,
			"milestone", m,
			"progress", r.sess.Progress(),
			"phase", r.sess.Phase())
		r.s.cfg.Bus.Publish(events.TopicSession, events.CheckpointEvent{
			SessionID:      r.sess.ID,
			Phase:          r.sess.Phase(),
			Progress:       r.sess.Progress(),
			Milestone:      m,
			ActiveTasks:    active,
			NextMilestones: next,
			Timestamp:      time.Now(),
		})
	}
}

func (r *run) save(why string) {
	if r.s.cfg.Store == nil {
		return
	}
	now := time.Now().UTC()
	r.sess.markCheckpoint(now)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.s.cfg.Store.SaveSession(ctx, r.sess.Snapshot()); err != nil {
		r.s.logger.Error("failed to persist session", "session_id", r.sess.ID, "reason", why, "error", err)
	}
}

func (r *run) progress() {
	c := r.dag.Counts()
	r.s.cfg.Bus.Publish(events.TopicSession, events.ProgressEvent{
		SessionID:  r.sess.ID,
		Total:      r.dag.Len(),
		Completed:  c[TaskCompleted],
		Running:    c[TaskRunning],
		Ready:      c[TaskReady],
		Pending:    c[TaskPending],
		Cancelled:  c[TaskCancelled],
		Progress:   r.sess.Progress(),
		TokensUsed: r.sess.TokensUsed(),
		Timestamp:  time.Now(),
	})
}

func (r *run) publishCancelled(ids []string) {
	for _, id := range ids {
		t, ok := r.dag.Get(id)
		if !ok {
			continue
		}
		r.s.cfg.Bus.Publish(events.TopicTask, events.TaskCancelledEvent{
			ID:        id,
			Reason:    string(t.CancelReason),
			Timestamp: time.Now(),
		})
	}
}

func (r *run) drain() {
	r.stopping = true
	r.cancelWork()
	for len(r.inflight) > 0 {
		r.handle(<-r.results)
	}
}

func (r *run) interrupt(cause error) (*Report, error) {
	r.s.logger.Warn("session interrupted", "session_id", r.sess.ID, "in_flight", len(r.inflight), "cause", cause)
	r.drain()
	r.report.Interrupted = true
	r.checkpoint()
	r.save("interrupted")
	return r.close(), cause
}

func (r *run) abandon() (*Report, error) {
	r.s.logger.Warn("session abandoned", "session_id", r.sess.ID, "in_flight", len(r.inflight))
	r.drain()
	changed := r.dag.CancelAll(ReasonSession)
	r.publishCancelled(changed)
	r.report.Abandoned = true
	r.checkpoint()
	r.save("abandoned")
	return r.close(), nil
}

func (r *run) finish() *Report {
	r.checkpoint()
	r.save("final")
	return r.close()
}

func (r *run) close() *Report {
	r.report.fill(r.sess, r.s.cfg.Estimate, r.locks.Waits())
	r.report.FinishedAt = time.Now().UTC()

	r.s.logger.Info("session finished",
		"session_id", r.sess.ID,
		"completed", len(r.report.Completed),
		"failed", len(r.report.Failed),
		"cancelled", len(r.report.Cancelled),
		"pending", len(r.report.Pending),
		"progress", r.report.Progress,
		"tokens_used", r.report.TokensUsed)
	r.s.cfg.Bus.Publish(events.TopicSession, events.SessionFinishedEvent{
		SessionID:   r.sess.ID,
		Completed:   len(r.report.Completed),
		Failed:      len(r.report.Failed),
		Cancelled:   len(r.report.Cancelled),
		Interrupted: r.report.Interrupted,
		Abandoned:   r.report.Abandoned,
		Timestamp:   r.report.FinishedAt,
	})
	return r.report
}
