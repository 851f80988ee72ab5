package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/invoker"
)

// fakeInvoker records every call and delegates behaviour to fn.
type fakeInvoker struct {
	mu          sync.Mutex
	calls       map[string]int
	order       []string
	prompts     map[string]string
	inflight    int
	maxInflight int
	agentsBusy  map[string]int
	overlap     map[string]bool

	fn func(ctx context.Context, taskID string, attempt int) (invoker.Result, error)
}

func newFakeInvoker(fn func(ctx context.Context, taskID string, attempt int) (invoker.Result, error)) *fakeInvoker {
	if fn == nil {
		fn = func(_ context.Context, taskID string, _ int) (invoker.Result, error) {
			return invoker.Result{Output: "output of " + taskID}, nil
		}
	}
	return &fakeInvoker{
		calls:      make(map[string]int),
		prompts:    make(map[string]string),
		agentsBusy: make(map[string]int),
		overlap:    make(map[string]bool),
		fn:         fn,
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, agentType, prompt, taskID string, _ time.Duration) (invoker.Result, error) {
	f.mu.Lock()
	f.calls[taskID]++
	attempt := f.calls[taskID]
	f.order = append(f.order, taskID)
	f.prompts[taskID] = prompt
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.agentsBusy[agentType]++
	if f.agentsBusy[agentType] > 1 {
		f.overlap[agentType] = true
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.agentsBusy[agentType]--
		f.mu.Unlock()
	}()
	return f.fn(ctx, taskID, attempt)
}

func (f *fakeInvoker) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// memStore keeps the latest snapshot per session.
type memStore struct {
	mu    sync.Mutex
	saves int
	snaps map[string]*Snapshot
}

func newMemStore() *memStore { return &memStore{snaps: make(map[string]*Snapshot)} }

func (m *memStore) SaveSession(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.snaps[snap.SessionID] = snap
	return nil
}

func (m *memStore) latest(id string) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[id]
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func newTestSession(t *testing.T, budget int, tasks ...*Task) *Session {
	t.Helper()
	dag := NewDAG()
	if err := dag.AddTasks(tasks); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}
	return NewSession("test request", dag, budget)
}

func runWithTimeout(t *testing.T, s *Scheduler, sess *Session) *Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := s.Run(ctx, sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return report
}

func outcomeIDs(outcomes []TaskOutcome) []string {
	ids := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		ids = append(ids, o.ID)
	}
	return ids
}

func TestSchedulerLinearChain(t *testing.T) {
	inv := newFakeInvoker(nil)
	store := newMemStore()
	sess := newTestSession(t, 0,
		&Task{ID: "A", AgentType: "codebase-analyzer", Description: "analyze"},
		&Task{ID: "B", AgentType: "development-coder", Description: "build", DependsOn: []string{"A"}, Deliverables: []string{"patch"}},
		&Task{ID: "C", AgentType: "test-validator", Description: "verify", DependsOn: []string{"B"}},
	)

	report := runWithTimeout(t, New(Config{Invoker: inv, Store: store, Retry: fastRetry()}), sess)

	if !report.Succeeded() {
		t.Fatalf("report not successful: %+v", report)
	}
	if !reflect.DeepEqual(inv.order, []string{"A", "B", "C"}) {
		t.Errorf("invocation order = %v", inv.order)
	}
	if p := inv.prompts["B"]; !strings.Contains(p, "output of A") || !strings.Contains(p, "patch") || !strings.Contains(p, sess.ID) {
		t.Errorf("prompt for B lacks context:\n%s", p)
	}
	if report.Progress != 100 || report.Phase != "complete" {
		t.Errorf("progress %v phase %q", report.Progress, report.Phase)
	}
	if snap := store.latest(sess.ID); snap == nil || snap.Progress != 100 {
		t.Errorf("final snapshot = %+v", snap)
	}
}

func TestSchedulerRetriesExhausted(t *testing.T) {
	inv := newFakeInvoker(func(_ context.Context, taskID string, _ int) (invoker.Result, error) {
		if taskID == "X" {
			return invoker.Result{}, fmt.Errorf("%w: boom", invoker.ErrAgentFailure)
		}
		return invoker.Result{Output: "ok"}, nil
	})
	bus := events.NewEventBus()
	defer bus.Close()
	escalations := bus.Subscribe(events.TopicTask, 256)

	sess := newTestSession(t, 0,
		&Task{ID: "X", AgentType: "development-coder"},
		&Task{ID: "Y", DependsOn: []string{"X"}},
		&Task{ID: "Z", DependsOn: []string{"Y"}},
		&Task{ID: "W"},
	)
	report := runWithTimeout(t, New(Config{Invoker: inv, Bus: bus, Retry: fastRetry()}), sess)

	if got := inv.callCount("X"); got != 3 {
		t.Errorf("X invoked %d times, want 3", got)
	}
	if got := report.ErrorsOfKind(KindRetriesExhausted); len(got) != 1 || got[0].TaskID != "X" {
		t.Errorf("RetriesExhausted entries = %+v", got)
	}
	if !reflect.DeepEqual(outcomeIDs(report.Failed), []string{"X"}) {
		t.Errorf("failed = %v", outcomeIDs(report.Failed))
	}
	if !reflect.DeepEqual(outcomeIDs(report.Cancelled), []string{"Y", "Z"}) {
		t.Errorf("cancelled = %v", outcomeIDs(report.Cancelled))
	}
	if !reflect.DeepEqual(outcomeIDs(report.Completed), []string{"W"}) {
		t.Errorf("completed = %v", outcomeIDs(report.Completed))
	}
	if inv.callCount("Y") != 0 || inv.callCount("Z") != 0 {
		t.Error("dependents of an exhausted task were invoked")
	}

	x := report.Failed[0]
	if x.RetryCount != 3 || len(x.Errors) != 3 || x.Errors[2].Kind != KindAgentInvocationFailure {
		t.Errorf("X outcome = %+v", x)
	}

	var escalation *events.EscalationEvent
	for len(escalations) > 0 {
		if e, ok := (<-escalations).(events.EscalationEvent); ok {
			escalation = &e
		}
	}
	if escalation == nil || escalation.ID != "X" || len(escalation.History) != 3 || !reflect.DeepEqual(escalation.Dependents, []string{"Y", "Z"}) {
		t.Errorf("escalation = %+v", escalation)
	}
}

func TestSchedulerTransientFailureRecovers(t *testing.T) {
	inv := newFakeInvoker(func(_ context.Context, _ string, attempt int) (invoker.Result, error) {
		if attempt < 3 {
			return invoker.Result{}, fmt.Errorf("%w: slow", invoker.ErrAgentTimeout)
		}
		return invoker.Result{Output: "finally"}, nil
	})
	sess := newTestSession(t, 0, &Task{ID: "A"})

	report := runWithTimeout(t, New(Config{Invoker: inv, Retry: fastRetry()}), sess)

	if !report.Succeeded() {
		t.Fatalf("expected success, got %+v", report)
	}
	a := report.Completed[0]
	if a.RetryCount != 2 || a.Result != "finally" || a.Errors[0].Kind != KindAgentTimeout {
		t.Errorf("outcome = %+v", a)
	}
	if report.Summary.TotalRetries != 2 {
		t.Errorf("TotalRetries = %d", report.Summary.TotalRetries)
	}
	if len(report.Errors) != 0 {
		t.Errorf("unexpected session errors %+v", report.Errors)
	}
}

func TestSchedulerBudgetCriticalOnly(t *testing.T) {
	cStarted := make(chan struct{})
	inv := newFakeInvoker(func(ctx context.Context, taskID string, _ int) (invoker.Result, error) {
		switch taskID {
		case "A":
			return invoker.Result{Output: "a", TokensUsed: 850}, nil
		case "B":
			// Still running when the threshold is crossed
			select {
			case <-cStarted:
			case <-ctx.Done():
				return invoker.Result{}, ctx.Err()
			}
			return invoker.Result{Output: "b", TokensUsed: 10}, nil
		case "C":
			close(cStarted)
			return invoker.Result{Output: "c", TokensUsed: 100}, nil
		}
		return invoker.Result{Output: taskID, TokensUsed: 10}, nil
	})
	bus := events.NewEventBus()
	defer bus.Close()
	sessionEvents := bus.Subscribe(events.TopicSession, 256)

	sess := newTestSession(t, 1000,
		&Task{ID: "A", Weight: 1},
		&Task{ID: "B", Weight: 1},
		&Task{ID: "N", Weight: 1},
		&Task{ID: "C", Weight: 5, DependsOn: []string{"A"}},
	)
	report := runWithTimeout(t, New(Config{Invoker: inv, Bus: bus, Concurrency: 2, Retry: fastRetry()}), sess)

	if inv.callCount("N") != 0 {
		t.Error("non-critical task was dispatched after the budget threshold")
	}
	if !reflect.DeepEqual(outcomeIDs(report.Completed), []string{"A", "B", "C"}) {
		t.Errorf("completed = %v", outcomeIDs(report.Completed))
	}
	if len(report.Cancelled) != 1 || report.Cancelled[0].CancelReason != ReasonBudget {
		t.Errorf("cancelled = %+v", report.Cancelled)
	}
	if report.TokensUsed != 960 {
		t.Errorf("TokensUsed = %d, want 960", report.TokensUsed)
	}
	if len(report.ErrorsOfKind(KindBudgetExceeded)) != 0 {
		t.Error("budget was not exceeded")
	}

	warned := false
	for len(sessionEvents) > 0 {
		if e, ok := (<-sessionEvents).(events.BudgetEvent); ok && !e.Exceeded && e.Used == 850 {
			warned = true
		}
	}
	if !warned {
		t.Error("no budget warning event")
	}
}

func TestSchedulerBudgetExceededPauses(t *testing.T) {
	inv := newFakeInvoker(func(_ context.Context, taskID string, _ int) (invoker.Result, error) {
		return invoker.Result{Output: taskID, TokensUsed: 1200}, nil
	})
	sess := newTestSession(t, 1000,
		&Task{ID: "A"},
		&Task{ID: "B", DependsOn: []string{"A"}},
	)
	report := runWithTimeout(t, New(Config{Invoker: inv, Retry: fastRetry()}), sess)

	if inv.callCount("B") != 0 {
		t.Error("dispatch continued past the budget")
	}
	if got := report.ErrorsOfKind(KindBudgetExceeded); len(got) != 1 {
		t.Errorf("BudgetExceeded entries = %+v", got)
	}
	if len(report.Cancelled) != 1 || report.Cancelled[0].ID != "B" || report.Cancelled[0].CancelReason != ReasonBudget {
		t.Errorf("cancelled = %+v", report.Cancelled)
	}
}

func TestSchedulerPoolOfOneRunsEverything(t *testing.T) {
	inv := newFakeInvoker(nil)
	var tasks []*Task
	var want []string
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("t%d", i)
		tasks = append(tasks, &Task{ID: id})
		want = append(want, id)
	}
	report := runWithTimeout(t, New(Config{Invoker: inv, Concurrency: 1, Retry: fastRetry()}), newTestSession(t, 0, tasks...))

	if len(report.Completed) != 6 {
		t.Fatalf("completed %d of 6", len(report.Completed))
	}
	if inv.maxInflight != 1 {
		t.Errorf("max in flight = %d, want 1", inv.maxInflight)
	}
	if !reflect.DeepEqual(inv.order, want) {
		t.Errorf("dispatch order = %v, want FIFO %v", inv.order, want)
	}
}

func TestSchedulerConcurrencyBound(t *testing.T) {
	inv := newFakeInvoker(func(_ context.Context, taskID string, _ int) (invoker.Result, error) {
		time.Sleep(2 * time.Millisecond)
		return invoker.Result{Output: taskID}, nil
	})
	var tasks []*Task
	for i := 0; i < 12; i++ {
		tasks = append(tasks, &Task{ID: fmt.Sprintf("t%d", i)})
	}
	report := runWithTimeout(t, New(Config{Invoker: inv, Concurrency: 3, Retry: fastRetry()}), newTestSession(t, 0, tasks...))

	if len(report.Completed) != 12 {
		t.Fatalf("completed %d of 12", len(report.Completed))
	}
	if inv.maxInflight > 3 {
		t.Errorf("max in flight = %d, limit 3", inv.maxInflight)
	}
}

func TestSchedulerExclusiveAgents(t *testing.T) {
	inv := newFakeInvoker(func(_ context.Context, taskID string, _ int) (invoker.Result, error) {
		time.Sleep(3 * time.Millisecond)
		return invoker.Result{Output: taskID}, nil
	})
	sess := newTestSession(t, 0,
		&Task{ID: "o1", AgentType: "orchestrator"},
		&Task{ID: "o2", AgentType: "orchestrator"},
		&Task{ID: "o3", AgentType: "orchestrator"},
		&Task{ID: "d1", AgentType: "development-coder"},
		&Task{ID: "d2", AgentType: "development-coder"},
	)
	s := New(Config{
		Invoker:     inv,
		Concurrency: 4,
		Retry:       fastRetry(),
		Exclusive:   func(agentType string) bool { return agentType == "orchestrator" },
	})
	report := runWithTimeout(t, s, sess)

	if len(report.Completed) != 5 {
		t.Fatalf("completed %d of 5", len(report.Completed))
	}
	if inv.overlap["orchestrator"] {
		t.Error("exclusive agent ran two tasks at once")
	}
	if waits := report.Summary.LockWaits; waits["orchestrator"] == 0 || waits["development-coder"] != 0 {
		t.Errorf("LockWaits = %v, want orchestrator waits only", waits)
	}
}

func TestSchedulerInterruptAndResume(t *testing.T) {
	started := make(chan struct{}, 1)
	inv := newFakeInvoker(func(ctx context.Context, taskID string, _ int) (invoker.Result, error) {
		if taskID == "B" {
			started <- struct{}{}
			<-ctx.Done()
			return invoker.Result{}, ctx.Err()
		}
		return invoker.Result{Output: taskID}, nil
	})
	store := newMemStore()
	sess := newTestSession(t, 0,
		&Task{ID: "A"},
		&Task{ID: "B", DependsOn: []string{"A"}},
		&Task{ID: "C", DependsOn: []string{"B"}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	report, err := New(Config{Invoker: inv, Store: store, Retry: fastRetry()}).Run(ctx, sess)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if !report.Interrupted || !reflect.DeepEqual(outcomeIDs(report.Pending), []string{"B", "C"}) {
		t.Fatalf("interrupted report = %+v", report)
	}

	snap := store.latest(sess.ID)
	if snap == nil {
		t.Fatal("interrupted session was not persisted")
	}
	restored, err := RestoreSession(snap)
	if err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	b, _ := restored.DAG.Get("B")
	if b.Status != TaskReady || b.RetryCount != 0 {
		t.Errorf("interrupted task restored as %s with %d retries", b.Status, b.RetryCount)
	}

	resumed := newFakeInvoker(nil)
	final := runWithTimeout(t, New(Config{Invoker: resumed, Store: store, Retry: fastRetry()}), restored)
	if !final.Succeeded() {
		t.Fatalf("resumed run did not succeed: %+v", final)
	}
	if resumed.callCount("A") != 0 {
		t.Error("completed task ran again after resume")
	}
	if !reflect.DeepEqual(resumed.order, []string{"B", "C"}) {
		t.Errorf("resumed order = %v", resumed.order)
	}
}

func TestSchedulerCancelAbandons(t *testing.T) {
	started := make(chan struct{}, 1)
	inv := newFakeInvoker(func(ctx context.Context, _ string, _ int) (invoker.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return invoker.Result{}, ctx.Err()
	})
	sess := newTestSession(t, 0, &Task{ID: "A"}, &Task{ID: "B", DependsOn: []string{"A"}})
	s := New(Config{Invoker: inv, Retry: fastRetry()})

	go func() {
		<-started
		if err := s.Cancel(); err != nil {
			t.Errorf("Cancel() error = %v", err)
		}
	}()
	report := runWithTimeout(t, s, sess)

	if !report.Abandoned || len(report.Cancelled) != 2 {
		t.Fatalf("report = %+v", report)
	}
	for _, o := range report.Cancelled {
		if o.CancelReason != ReasonSession || o.RetryCount != 0 {
			t.Errorf("%s cancelled with %q after %d retries", o.ID, o.CancelReason, o.RetryCount)
		}
	}

	if err := s.Cancel(); !errors.Is(err, ErrSchedulerStopped) {
		t.Errorf("Cancel() after run = %v, want ErrSchedulerStopped", err)
	}
	if _, err := s.Run(context.Background(), sess); !errors.Is(err, ErrSchedulerUsed) {
		t.Errorf("second Run() = %v, want ErrSchedulerUsed", err)
	}
}

func TestSchedulerInsertTasks(t *testing.T) {
	release := make(chan struct{})
	inv := newFakeInvoker(func(_ context.Context, taskID string, _ int) (invoker.Result, error) {
		if taskID == "A" {
			<-release
		}
		return invoker.Result{Output: taskID}, nil
	})
	sess := newTestSession(t, 0, &Task{ID: "A"})
	s := New(Config{Invoker: inv, Retry: fastRetry()})

	errs := make(chan error, 2)
	go func() {
		errs <- s.InsertTasks([]*Task{
			{ID: "X", DependsOn: []string{"Y"}},
			{ID: "Y", DependsOn: []string{"X"}},
		}, "bad plan")
		errs <- s.InsertTasks([]*Task{{ID: "B", DependsOn: []string{"A"}}}, "follow-up")
		close(release)
	}()
	report := runWithTimeout(t, s, sess)

	if err := <-errs; !errors.Is(err, ErrCycle) {
		t.Errorf("cyclic insert error = %v, want ErrCycle", err)
	}
	if err := <-errs; err != nil {
		t.Errorf("valid insert error = %v", err)
	}
	if got := report.ErrorsOfKind(KindPlanCycleDetected); len(got) != 1 {
		t.Errorf("PlanCycleDetected entries = %+v", got)
	}
	if !reflect.DeepEqual(outcomeIDs(report.Completed), []string{"A", "B"}) {
		t.Errorf("completed = %v", outcomeIDs(report.Completed))
	}
	if b := report.Completed[1]; b.RetryCount != 0 {
		t.Errorf("inserted task outcome = %+v", b)
	}
}

func TestSchedulerShedOptional(t *testing.T) {
	release := make(chan struct{})
	inv := newFakeInvoker(func(_ context.Context, taskID string, _ int) (invoker.Result, error) {
		if taskID == "A" {
			<-release
		}
		return invoker.Result{Output: taskID}, nil
	})
	sess := newTestSession(t, 0,
		&Task{ID: "A"},
		&Task{ID: "docs", Optional: true, DependsOn: []string{"A"}},
		&Task{ID: "after-docs", DependsOn: []string{"docs"}},
		&Task{ID: "core", DependsOn: []string{"A"}},
	)
	s := New(Config{Invoker: inv, Retry: fastRetry()})

	shed := make(chan []string, 1)
	go func() {
		ids, err := s.ShedOptional()
		if err != nil {
			t.Errorf("ShedOptional() error = %v", err)
		}
		shed <- ids
		close(release)
	}()
	report := runWithTimeout(t, s, sess)

	if got := <-shed; !reflect.DeepEqual(got, []string{"docs", "after-docs"}) {
		t.Errorf("shed = %v", got)
	}
	if inv.callCount("docs") != 0 {
		t.Error("shed task was invoked")
	}
	if !reflect.DeepEqual(outcomeIDs(report.Completed), []string{"A", "core"}) {
		t.Errorf("completed = %v", outcomeIDs(report.Completed))
	}
	// Shed work leaves the progress denominator
	if report.Progress != 100 {
		t.Errorf("Progress = %v, want 100", report.Progress)
	}
}

func TestSchedulerSetConcurrency(t *testing.T) {
	release := make(chan struct{})
	inv := newFakeInvoker(func(_ context.Context, taskID string, _ int) (invoker.Result, error) {
		if taskID == "A" {
			<-release
		}
		return invoker.Result{Output: taskID}, nil
	})
	s := New(Config{Invoker: inv, Concurrency: 2, MaxConcurrency: 3, Retry: fastRetry()})

	go func() {
		s.SetConcurrency(10)
		close(release)
	}()
	runWithTimeout(t, s, newTestSession(t, 0, &Task{ID: "A"}))

	if s.Concurrency() != 3 {
		t.Errorf("Concurrency() = %d, want clamp to 3", s.Concurrency())
	}
	if err := s.SetConcurrency(1); !errors.Is(err, ErrSchedulerStopped) {
		t.Errorf("SetConcurrency after run = %v", err)
	}
}

type gateSupervisor struct {
	remediations int
	completed    []string
}

func (g *gateSupervisor) OnTaskCompleted(_ *Session, task *Task) []*Task {
	g.completed = append(g.completed, task.ID)
	return nil
}

func (g *gateSupervisor) OnQualityGateFailed(_ *Session, task *Task) []*Task {
	g.remediations++
	return []*Task{{ID: "fix-" + task.ID, AgentType: "development-coder", DependsOn: []string{task.ID}}}
}

func TestSchedulerQualityGate(t *testing.T) {
	inv := newFakeInvoker(func(_ context.Context, taskID string, _ int) (invoker.Result, error) {
		if taskID == "review" {
			return invoker.Result{Output: "found issues\nVERDICT: FAIL"}, nil
		}
		return invoker.Result{Output: "done"}, nil
	})
	sup := &gateSupervisor{}
	sess := newTestSession(t, 0, &Task{ID: "review", AgentType: "security-auditor", QualityGate: true})

	report := runWithTimeout(t, New(Config{Invoker: inv, Supervisor: sup, Retry: fastRetry()}), sess)

	if sup.remediations != 1 {
		t.Errorf("remediations = %d", sup.remediations)
	}
	if inv.callCount("fix-review") != 1 {
		t.Error("remediation task did not run")
	}
	if got := report.ErrorsOfKind(KindQualityGateFailure); len(got) != 1 || got[0].TaskID != "review" {
		t.Errorf("QualityGateFailure entries = %+v", got)
	}
	if !strings.Contains(inv.prompts["review"], "VERDICT") {
		t.Error("gate prompt lacks verdict instruction")
	}
	if !reflect.DeepEqual(sup.completed, []string{"review", "fix-review"}) {
		t.Errorf("completion hook calls = %v", sup.completed)
	}
}

func TestSchedulerCheckpoints(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicSession, 512)
	store := newMemStore()

	sess := newTestSession(t, 0,
		&Task{ID: "A"},
		&Task{ID: "B", DependsOn: []string{"A"}},
		&Task{ID: "C", DependsOn: []string{"B"}},
		&Task{ID: "D", DependsOn: []string{"C"}},
	)
	runWithTimeout(t, New(Config{Invoker: newFakeInvoker(nil), Bus: bus, Store: store, Retry: fastRetry()}), sess)

	var milestones []int
	var finished bool
	for len(ch) > 0 {
		switch e := (<-ch).(type) {
		case events.CheckpointEvent:
			milestones = append(milestones, e.Milestone)
		case events.SessionFinishedEvent:
			finished = e.Completed == 4
		}
	}
	if !reflect.DeepEqual(milestones, []int{25, 50, 75, 100}) {
		t.Errorf("milestones = %v", milestones)
	}
	if !finished {
		t.Error("no session finished event")
	}
	// One save per milestone plus the final save
	if store.saves != 5 {
		t.Errorf("saves = %d, want 5", store.saves)
	}
	if sess.LastCheckpointAt().IsZero() {
		t.Error("checkpoint time not recorded")
	}
}

func TestSchedulerRejectsCycle(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Task{ID: "A", DependsOn: []string{"B"}})
	dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
	inv := newFakeInvoker(nil)

	_, err := New(Config{Invoker: inv}).Run(context.Background(), NewSession("r", dag, 0))
	if !errors.Is(err, ErrCycle) {
		t.Errorf("Run() error = %v, want ErrCycle", err)
	}
	if len(inv.order) != 0 {
		t.Error("tasks ran despite a cycle")
	}
}

func TestSchedulerBreakerOpens(t *testing.T) {
	inv := newFakeInvoker(func(_ context.Context, _ string, _ int) (invoker.Result, error) {
		return invoker.Result{}, fmt.Errorf("%w: down", invoker.ErrAgentFailure)
	})
	cfg := Config{
		Invoker: inv,
		Retry:   RetryPolicy{MaxRetries: 5, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
		Breaker: BreakerConfig{Enabled: true, ConsecutiveFailures: 2, OpenTimeout: time.Hour},
	}
	report := runWithTimeout(t, New(cfg), newTestSession(t, 0, &Task{ID: "A", AgentType: "development-coder"}))

	// Two real calls trip the breaker; the remaining attempts are rejected
	if got := inv.callCount("A"); got != 2 {
		t.Errorf("agent called %d times, want 2", got)
	}
	if len(report.Failed) != 1 || report.Failed[0].RetryCount != 5 {
		t.Errorf("failed = %+v", report.Failed)
	}
}

func TestDefaultGate(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"all good\nVERDICT: PASS", true},
		{"problems\nVERDICT: FAIL", false},
		{"  verdict: fail  ", false},
		{"no verdict at all", true},
		{"the VERDICT: FAIL line must stand alone", true},
	}
	for _, tt := range tests {
		if got := DefaultGate(tt.output); got != tt.want {
			t.Errorf("DefaultGate(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestSchedulerTokenUsage(t *testing.T) {
	reported := map[string]int{"a": 100, "b": 400}
	inv := newFakeInvoker(func(_ context.Context, taskID string, _ int) (invoker.Result, error) {
		return invoker.Result{Output: taskID, TokensUsed: reported[taskID]}, nil
	})
	estimate := func(string, string) int { return 100 }
	sess := newTestSession(t, 0,
		&Task{ID: "a", AgentType: "development-coder"},
		&Task{ID: "b", AgentType: "development-coder"},
		&Task{ID: "c", AgentType: "orchestrator"},
	)
	s := New(Config{Invoker: inv, Retry: fastRetry(), Estimate: estimate, Cost: ReportedOrEstimated(estimate)})
	report := runWithTimeout(t, s, sess)

	want := map[string]TokenUsage{
		"development-coder": {Estimated: 200, Charged: 500},
		"orchestrator":      {Estimated: 100, Charged: 100},
	}
	if !reflect.DeepEqual(report.Summary.TokenUsage, want) {
		t.Errorf("TokenUsage = %+v, want %+v", report.Summary.TokenUsage, want)
	}
	var overrun bool
	for _, rec := range report.Summary.Recommendations {
		if strings.Contains(rec, "orchestrator") {
			t.Errorf("unexpected recommendation for an agent within its estimate: %q", rec)
		}
		if strings.Contains(rec, "development-coder used 500 tokens against an estimate of 200") {
			overrun = true
		}
	}
	if !overrun {
		t.Errorf("no overrun recommendation in %v", report.Summary.Recommendations)
	}

	plain := runWithTimeout(t, New(Config{Invoker: newFakeInvoker(nil), Retry: fastRetry()}),
		newTestSession(t, 0, &Task{ID: "x", AgentType: "orchestrator"}))
	if plain.Summary.TokenUsage != nil {
		t.Errorf("TokenUsage = %v without an estimate, want nil", plain.Summary.TokenUsage)
	}
}

func TestTokenUsageEfficiency(t *testing.T) {
	tests := []struct {
		usage TokenUsage
		want  float64
	}{
		{TokenUsage{Estimated: 100, Charged: 100}, 1},
		{TokenUsage{Estimated: 100, Charged: 400}, 0.25},
		{TokenUsage{Estimated: 300, Charged: 150}, 2},
		{TokenUsage{Estimated: 100}, 0},
	}
	for _, tt := range tests {
		if got := tt.usage.Efficiency(); got != tt.want {
			t.Errorf("%+v.Efficiency() = %v, want %v", tt.usage, got, tt.want)
		}
	}
}

func TestReportedOrEstimated(t *testing.T) {
	cost := ReportedOrEstimated(func(agentType, _ string) int {
		if agentType == "orchestrator" {
			return 15000
		}
		return 8000
	})
	task := &Task{AgentType: "orchestrator"}
	if got := cost(task, invoker.Result{TokensUsed: 321}); got != 321 {
		t.Errorf("reported cost = %d", got)
	}
	if got := cost(task, invoker.Result{}); got != 15000 {
		t.Errorf("estimated cost = %d", got)
	}
	if got := ReportedOrEstimated(nil)(task, invoker.Result{}); got != 0 {
		t.Errorf("nil estimate cost = %d", got)
	}
}
