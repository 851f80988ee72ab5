// Package dispatcher turns a free-form request into a running session: it
// classifies, chooses between template expansion and a synthesis step,
// splits oversized requests, and monitors the scheduler while it runs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskpilot/internal/catalog"
	"github.com/aristath/taskpilot/internal/classifier"
	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/persistence"
	"github.com/aristath/taskpilot/internal/planner"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// Strategy is how a request was planned.
type Strategy string

const (
	StrategyTemplate   Strategy = "template"   // Phase skeleton expanded directly
	StrategySynthesis  Strategy = "synthesis"  // Template discovery, then a refined plan
	StrategyCustom     Strategy = "custom"     // Discovery and synthesis only
	StrategyDecomposed Strategy = "decomposed" // Split into parts, each planned on its own
)

// Config wires a Dispatcher.
type Config struct {
	Catalog    *catalog.Catalog
	Classifier *classifier.Classifier
	Planner    *planner.Planner
	Store      persistence.Store // Optional; sessions are not persisted when nil
	Bus        *events.EventBus  // Optional; one is created when nil
	Logger     *slog.Logger

	// Scheduler is the template for every run. Invoker must be set; Store,
	// Bus, Supervisor, Exclusive and Logger are filled in.
	Scheduler scheduler.Config

	TokenBudget     int           // 0 uses the classifier's estimate
	SlippageFactor  float64       // Default 1.2
	MonitorInterval time.Duration // Default 30s
	MaxRemediations int           // Per quality gate (default 2)
}

// ExecutionReport is the terminal report of one dispatched session.
type ExecutionReport struct {
	*scheduler.Report
	Analysis classifier.Analysis `json:"analysis"`
	Strategy Strategy            `json:"strategy"`
	Parts    []string            `json:"parts,omitempty"` // Sub-requests of a decomposed request
	Archived bool                `json:"archived,omitempty"`
}

// Plan is the outcome of planning a request without running it.
type Plan struct {
	Analysis classifier.Analysis
	Strategy Strategy
	Parts    []string
	Tasks    []*scheduler.Task
	// Fallbacks maps a synthesis task ID to the tasks inserted when its
	// output is not a usable plan.
	Fallbacks map[string][]*scheduler.Task
	// Ambiguous is set when classification fell back to a custom plan.
	Ambiguous bool
}

// Dispatcher is safe for concurrent use; each Dispatch runs its own scheduler.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*scheduler.Scheduler
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Catalog == nil || cfg.Classifier == nil || cfg.Planner == nil {
		return nil, errors.New("dispatcher needs a catalog, classifier and planner")
	}
	if cfg.Scheduler.Invoker == nil {
		return nil, errors.New("dispatcher needs an invoker")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewEventBus()
	}
	if cfg.SlippageFactor < 1 {
		cfg.SlippageFactor = 1.2
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	if cfg.MaxRemediations < 0 {
		cfg.MaxRemediations = 0
	} else if cfg.MaxRemediations == 0 {
		cfg.MaxRemediations = 2
	}
	return &Dispatcher{cfg: cfg, logger: cfg.Logger, active: make(map[string]*scheduler.Scheduler)}, nil
}

// Bus returns the event bus every run publishes on.
func (d *Dispatcher) Bus() *events.EventBus {
	return d.cfg.Bus
}

// Preview classifies and plans request without running anything.
func (d *Dispatcher) Preview(request string, rc classifier.RequestContext) (*Plan, error) {
	a, err := d.cfg.Classifier.Classify(request, rc)
	ambiguous := errors.Is(err, classifier.ErrAmbiguous)
	if err != nil && !ambiguous {
		return nil, fmt.Errorf("classify: %w", err)
	}

	plan := &Plan{Analysis: a, Ambiguous: ambiguous, Fallbacks: make(map[string][]*scheduler.Task)}
	tasks, strategy, err := d.planPart(a, "", plan.Fallbacks)
	if errors.Is(err, planner.ErrDecomposeRequired) {
		return d.decompose(plan, rc)
	}
	if err != nil {
		return nil, err
	}
	plan.Tasks, plan.Strategy = tasks, strategy
	return plan, nil
}

// decompose plans every part of the request independently. Parts run in
// parallel; each gets an ID prefix "p<n>.".
func (d *Dispatcher) decompose(plan *Plan, rc classifier.RequestContext) (*Plan, error) {
	parts := Split(plan.Analysis.Request)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: request has no split point", planner.ErrDecomposeRequired)
	}

	for i, part := range parts {
		a, err := d.cfg.Classifier.Classify(part, rc)
		if err != nil && !errors.Is(err, classifier.ErrAmbiguous) {
			return nil, fmt.Errorf("classify part %d: %w", i+1, err)
		}
		tasks, _, err := d.planPart(a, fmt.Sprintf("p%d.", i+1), plan.Fallbacks)
		if err != nil {
			return nil, fmt.Errorf("part %d %q: %w", i+1, part, err)
		}
		plan.Tasks = append(plan.Tasks, tasks...)
	}
	plan.Strategy = StrategyDecomposed
	plan.Parts = parts
	d.logger.Info("request decomposed", "parts", len(parts), "tasks", len(plan.Tasks))
	return plan, nil
}

// planPart applies the template-or-synthesis rule to one analysis.
func (d *Dispatcher) planPart(a classifier.Analysis, prefix string, fallbacks map[string][]*scheduler.Task) ([]*scheduler.Task, Strategy, error) {
	p := d.cfg.Planner
	pc := planner.PlanContext{IDPrefix: prefix}
	synthID := prefix + planner.PhaseSynthesis + "-1"

	if _, ok := d.cfg.Catalog.Template(a.Category); !ok || !a.Category.TemplateEligible() {
		tasks, err := p.Tasks(a, pc)
		if err != nil {
			return nil, "", err
		}
		fallbacks[synthID] = []*scheduler.Task{p.ExecuteTask(a, prefix+"execute-1", []string{synthID})}
		return tasks, StrategyCustom, nil
	}

	full, err := p.Tasks(a, pc)
	if err != nil {
		return nil, "", err
	}
	if a.Complexity <= catalog.ComplexityModerate {
		return full, StrategyTemplate, nil
	}

	// Complex work keeps the template's discovery phase, then asks for a
	// refined plan; the rest of the template is the fallback.
	var discovery, rest []*scheduler.Task
	var gate []string
	for _, t := range full {
		if t.Phase == string(catalog.PhaseDiscovery) {
			discovery = append(discovery, t)
			if !t.Optional {
				gate = append(gate, t.ID)
			}
			continue
		}
		rest = append(rest, t)
	}
	synth := p.SynthesisTask(a, synthID, gate)
	fallbacks[synthID] = rest
	return append(discovery, synth), StrategySynthesis, nil
}

// Dispatch plans and runs request to completion, interruption or
// cancellation. A plan that cannot be built returns an error and no session
// is created.
func (d *Dispatcher) Dispatch(ctx context.Context, request string, rc classifier.RequestContext) (*ExecutionReport, error) {
	plan, err := d.Preview(request, rc)
	if err != nil {
		return nil, err
	}

	dag := scheduler.NewDAG()
	if err := dag.AddTasks(plan.Tasks); err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}

	budget := d.cfg.TokenBudget
	if budget <= 0 {
		budget = plan.Analysis.TokenBudgetEstimate
	}
	sess := scheduler.NewSession(request, dag, budget)
	sess.Category = string(plan.Analysis.Category)
	sess.Extra = rc.Extra
	sess.ForcedCategory = string(rc.Category)
	sess.EstimatedDuration = plan.Analysis.EstimatedDuration

	d.logger.Info("dispatching request",
		"session_id", sess.ID,
		"category", plan.Analysis.Category,
		"complexity", plan.Analysis.Complexity,
		"strategy", plan.Strategy,
		"tasks", len(plan.Tasks),
		"token_budget", budget)

	if d.cfg.Store != nil {
		if err := d.cfg.Store.SaveSession(ctx, sess.Snapshot()); err != nil {
			return nil, fmt.Errorf("save new session: %w", err)
		}
	}
	return d.execute(ctx, sess, plan)
}

// Resume loads a persisted session and runs it from where it stopped. A
// session that fails validation is reported as SessionCorrupted and never
// repaired.
func (d *Dispatcher) Resume(ctx context.Context, sessionID string) (*ExecutionReport, error) {
	if d.cfg.Store == nil {
		return nil, errors.New("resume needs a session store")
	}

	snap, err := d.cfg.Store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, scheduler.ErrSessionCorrupted) {
			return corruptedReport(sessionID, err), err
		}
		return nil, err
	}
	sess, err := scheduler.RestoreSession(snap)
	if err != nil {
		return corruptedReport(sessionID, err), err
	}

	// Planning is deterministic, so fallbacks for pending synthesis tasks
	// are rebuilt from the request and the hints it was dispatched with.
	plan, err := d.Preview(sess.Request, classifier.RequestContext{
		Extra:    sess.Extra,
		Category: catalog.Category(sess.ForcedCategory),
	})
	pending := pendingSynthesis(sess)
	if err != nil {
		if len(pending) > 0 {
			return nil, fmt.Errorf("rebuild plan for pending %v: %w", pending, err)
		}
		plan = &Plan{Fallbacks: map[string][]*scheduler.Task{}}
	}
	for id := range plan.Fallbacks {
		if t, ok := sess.DAG.Get(id); !ok || t.Status.Terminal() {
			delete(plan.Fallbacks, id)
		}
	}
	for _, id := range pending {
		if _, ok := plan.Fallbacks[id]; !ok {
			return nil, fmt.Errorf("rebuild plan: no fallback for pending task %s", id)
		}
	}
	// Only the session's own state is reported on resume
	plan.Ambiguous = false

	d.logger.Info("resuming session",
		"session_id", sess.ID,
		"progress", sess.Progress(),
		"ready", len(sess.DAG.ReadySet()))
	return d.execute(ctx, sess, plan)
}

// pendingSynthesis returns the synthesis tasks of sess that have not run yet.
func pendingSynthesis(sess *scheduler.Session) []string {
	var ids []string
	for _, t := range sess.DAG.Tasks() {
		if t.Phase == planner.PhaseSynthesis && !t.Status.Terminal() {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func corruptedReport(sessionID string, err error) *ExecutionReport {
	r := &scheduler.Report{SessionID: sessionID}
	r.AddError(scheduler.KindSessionCorrupted, "", err.Error())
	return &ExecutionReport{Report: r}
}

// Cancel abandons a running session.
func (d *Dispatcher) Cancel(sessionID string) error {
	d.mu.Lock()
	s, ok := d.active[sessionID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s is not running", sessionID)
	}
	return s.Cancel()
}

// Active returns the IDs of running sessions.
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	return ids
}

// execute runs the scheduler and the adaptive monitor as one group.
func (d *Dispatcher) execute(ctx context.Context, sess *scheduler.Session, plan *Plan) (*ExecutionReport, error) {
	sup := newSupervisor(d, plan.Fallbacks)

	cfg := d.cfg.Scheduler
	cfg.Store = d.cfg.Store
	cfg.Bus = d.cfg.Bus
	cfg.Supervisor = sup
	cfg.Logger = d.logger
	if cfg.Exclusive == nil {
		cfg.Exclusive = d.cfg.Catalog.NonReentrant
	}
	if cfg.Estimate == nil {
		cat := d.cfg.Catalog
		cfg.Estimate = func(agentType, description string) int {
			return cat.EstimateTokens(catalog.AgentType(agentType), description)
		}
	}
	if cfg.Cost == nil {
		cfg.Cost = scheduler.ReportedOrEstimated(cfg.Estimate)
	}
	sched := scheduler.New(cfg)

	d.mu.Lock()
	d.active[sess.ID] = sched
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, sess.ID)
		d.mu.Unlock()
	}()

	mon := newMonitor(sched, sess, d.cfg.Bus, d.cfg.SlippageFactor, d.cfg.MonitorInterval, d.logger)

	var (
		report *scheduler.Report
		runErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report, runErr = sched.Run(gctx, sess)
		return runErr
	})
	g.Go(func() error {
		return mon.watch(gctx)
	})
	_ = g.Wait()
	mon.close()

	if report == nil {
		return nil, runErr
	}

	out := &ExecutionReport{Report: report, Analysis: plan.Analysis, Strategy: plan.Strategy, Parts: plan.Parts}
	if plan.Ambiguous {
		report.AddError(scheduler.KindClassificationAmbiguous, "", "no confident category; planned as custom work")
	}
	report.Errors = append(report.Errors, sup.entries...)

	if !report.Interrupted && d.cfg.Store != nil {
		// A parent cancellation must not stop the archive write
		archiveCtx := context.WithoutCancel(ctx)
		if err := d.cfg.Store.ArchiveSession(archiveCtx, sess.ID); err != nil {
			d.logger.Error("cannot archive session", "session_id", sess.ID, "error", err)
		} else {
			out.Archived = true
		}
	}

	d.logger.Info("session finished",
		"session_id", sess.ID,
		"completed", len(report.Completed),
		"failed", len(report.Failed),
		"cancelled", len(report.Cancelled),
		"interrupted", report.Interrupted,
		"tokens_used", report.TokensUsed)
	return out, runErr
}
