// Package planner expands a classified request into a task graph: a phase
// skeleton for template categories, or a discovery and synthesis pair for
// custom work that is refined once the synthesis task has produced a plan.
package planner

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aristath/taskpilot/internal/catalog"
	"github.com/aristath/taskpilot/internal/classifier"
	"github.com/aristath/taskpilot/internal/scheduler"
)

var (
	// ErrPlanCycle is wrapped when a dependency set would create a cycle.
	ErrPlanCycle = scheduler.ErrCycle
	// ErrDecomposeRequired asks the caller to split the request before planning.
	ErrDecomposeRequired = errors.New("request too large; decompose required")
)

// PhaseSynthesis marks the task whose output is a refined plan.
const PhaseSynthesis = "synthesis"

// Options bounds what the planner will produce.
type Options struct {
	MaxComplexity catalog.Complexity // Analyses above this tier need decomposing
	MaxTasks      int                // Plans larger than this need decomposing (default 24)
	MaxExpand     int                // Tasks per expanding slot (default 3)
	MaxRetries    int                // Per task (default 3)
	TaskTimeout   time.Duration      // Overrides the per-task estimate when set
}

// DefaultOptions returns the built-in limits.
func DefaultOptions() Options {
	return Options{
		MaxComplexity: catalog.ComplexityComplex,
		MaxTasks:      24,
		MaxExpand:     3,
		MaxRetries:    3,
	}
}

// PlanContext positions a plan inside a session.
type PlanContext struct {
	// IDPrefix is prepended to every task ID, e.g. "p2." for a decomposed part.
	IDPrefix string
	// After lists existing task IDs every root of the plan must wait for.
	After []string
}

// Planner turns analyses into tasks. It never mutates the catalog.
type Planner struct {
	cat    *catalog.Catalog
	opts   Options
	logger *slog.Logger
}

// New returns a planner over cat. Zero option fields take their defaults.
func New(cat *catalog.Catalog, opts Options, logger *slog.Logger) *Planner {
	def := DefaultOptions()
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = def.MaxTasks
	}
	if opts.MaxExpand <= 0 {
		opts.MaxExpand = def.MaxExpand
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{cat: cat, opts: opts, logger: logger}
}

// Plan builds a validated DAG for a.
func (p *Planner) Plan(a classifier.Analysis, pc PlanContext) (*scheduler.DAG, error) {
	tasks, err := p.Tasks(a, pc)
	if err != nil {
		return nil, err
	}
	dag := scheduler.NewDAG()
	if err := dag.AddTasks(tasks); err != nil {
		return nil, fmt.Errorf("plan for %q: %w", a.Category, err)
	}
	return dag, nil
}

// Tasks expands a into tasks without building a graph, for insertion into a
// running session.
func (p *Planner) Tasks(a classifier.Analysis, pc PlanContext) ([]*scheduler.Task, error) {
	if a.Complexity > p.opts.MaxComplexity {
		return nil, fmt.Errorf("%w: complexity %s exceeds %s", ErrDecomposeRequired, a.Complexity, p.opts.MaxComplexity)
	}
	if !a.Category.TemplateEligible() {
		return p.custom(a, pc), nil
	}

	tmpl, ok := p.cat.Template(a.Category)
	if !ok {
		p.logger.Warn("no template for category, planning as custom", "category", a.Category)
		return p.custom(a, pc), nil
	}

	var tasks []*scheduler.Task
	prev := pc.After
	for _, phase := range tmpl.Phases {
		var ids []string
		lastByAgent := make(map[catalog.AgentType]string)

		for _, slot := range phase.Slots {
			for _, agent := range p.assign(slot, phase.Phase, a.Recommendations) {
				id := fmt.Sprintf("%s%s-%d", pc.IDPrefix, phase.Phase, len(ids)+1)
				deps := append([]string(nil), prev...)
				// Siblings sharing a non-reentrant agent run one after another
				if last, ok := lastByAgent[agent]; ok && p.cat.NonReentrant(string(agent)) {
					deps = append(deps, last)
				}
				lastByAgent[agent] = id

				desc := strings.ReplaceAll(slot.Description, "{request}", a.Request)
				tasks = append(tasks, &scheduler.Task{
					ID:           id,
					Description:  desc,
					AgentType:    string(agent),
					Phase:        string(phase.Phase),
					DependsOn:    deps,
					MaxRetries:   p.opts.MaxRetries,
					Weight:       slot.Weight,
					Optional:     slot.Optional,
					QualityGate:  slot.QualityGate,
					Timeout:      p.timeout(desc),
					Deliverables: append([]string(nil), slot.Deliverables...),
				})
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			prev = nonOptional(tasks, ids)
		}
	}

	if len(tasks) > p.opts.MaxTasks {
		return nil, fmt.Errorf("%w: %d tasks exceeds %d", ErrDecomposeRequired, len(tasks), p.opts.MaxTasks)
	}
	if err := check(tasks, pc.After); err != nil {
		return nil, err
	}

	p.logger.Info("plan expanded",
		"category", a.Category,
		"template", tmpl.Name,
		"complexity", a.Complexity,
		"tasks", len(tasks))
	return tasks, nil
}

// nonOptional returns the IDs the next phase waits on. Optional work never
// gates a later phase, so shedding it leaves the rest runnable.
func nonOptional(tasks []*scheduler.Task, ids []string) []string {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []string
	for _, t := range tasks {
		if want[t.ID] && !t.Optional {
			out = append(out, t.ID)
		}
	}
	if len(out) == 0 {
		return ids
	}
	return out
}

// PlanCustom returns the minimal plan for work no template covers: one
// discovery task feeding one synthesis task whose output is a refined plan.
func (p *Planner) PlanCustom(a classifier.Analysis, pc PlanContext) (*scheduler.DAG, error) {
	dag := scheduler.NewDAG()
	if err := dag.AddTasks(p.custom(a, pc)); err != nil {
		return nil, err
	}
	return dag, nil
}

func (p *Planner) custom(a classifier.Analysis, pc PlanContext) []*scheduler.Task {
	investigator := catalog.AgentCodebaseAnalyzer
	for _, r := range a.Recommendations {
		if spec, ok := p.cat.Agent(r.Agent); ok && spec.Fits(catalog.PhaseDiscovery) {
			investigator = r.Agent
			break
		}
	}

	discoveryID := pc.IDPrefix + "discovery-1"
	discovery := &scheduler.Task{
		ID:           discoveryID,
		Description:  "Investigate the context and clarify the scope of: " + a.Request,
		AgentType:    string(investigator),
		Phase:        string(catalog.PhaseDiscovery),
		DependsOn:    append([]string(nil), pc.After...),
		MaxRetries:   p.opts.MaxRetries,
		Weight:       1,
		Timeout:      p.timeout("investigate"),
		Deliverables: []string{"scope notes"},
	}
	synthesis := p.SynthesisTask(a, pc.IDPrefix+"synthesis-1", []string{discoveryID})
	return []*scheduler.Task{discovery, synthesis}
}

// SynthesisTask returns a task asking the orchestrator agent for a refined
// plan in the format ParseRefinedPlan reads.
func (p *Planner) SynthesisTask(a classifier.Analysis, id string, deps []string) *scheduler.Task {
	var agents []string
	for _, spec := range p.cat.Agents {
		agents = append(agents, string(spec.Type))
	}

	desc := fmt.Sprintf(`Design a detailed execution plan for: %s

Answer with a JSON array of tasks. Each task has "id", "description", "agent" (one of: %s), "depends_on" (ids of earlier tasks in this array), and optionally "optional" and "quality_gate" booleans. Split the work into phases and keep tasks without a data dependency independent so they can run in parallel. Use at most %d tasks.`,
		a.Request, strings.Join(agents, ", "), p.opts.MaxTasks)

	return &scheduler.Task{
		ID:           id,
		Description:  desc,
		AgentType:    string(catalog.AgentOrchestrator),
		Phase:        PhaseSynthesis,
		DependsOn:    deps,
		MaxRetries:   p.opts.MaxRetries,
		Weight:       1,
		Timeout:      p.timeout("synthesize"),
		Deliverables: []string{"execution plan (JSON)"},
	}
}

// ExecuteTask returns a single implementation task carrying out a's request,
// used when no finer plan is available.
func (p *Planner) ExecuteTask(a classifier.Analysis, id string, deps []string) *scheduler.Task {
	agent := catalog.AgentDeveloper
	for _, r := range a.Recommendations {
		if spec, ok := p.cat.Agent(r.Agent); ok && spec.Fits(catalog.PhaseImplementation) {
			agent = r.Agent
			break
		}
	}
	desc := "Implement: " + a.Request
	return &scheduler.Task{
		ID:           id,
		Description:  desc,
		AgentType:    string(agent),
		Phase:        string(catalog.PhaseImplementation),
		DependsOn:    deps,
		MaxRetries:   p.opts.MaxRetries,
		Weight:       2,
		Timeout:      p.timeout(desc),
		Deliverables: []string{"implementation"},
	}
}

// assign picks the agent types that fill slot for phase.
func (p *Planner) assign(slot catalog.Slot, phase catalog.Phase, recs []classifier.Recommendation) []catalog.AgentType {
	inSlot := func(t catalog.AgentType) bool {
		if len(slot.Agents) == 0 {
			return true
		}
		for _, a := range slot.Agents {
			if a == t {
				return true
			}
		}
		return false
	}

	if !slot.Expand {
		for _, r := range recs {
			if inSlot(r.Agent) {
				return []catalog.AgentType{r.Agent}
			}
		}
		return []catalog.AgentType{p.fallback(slot)}
	}

	var out []catalog.AgentType
	for _, r := range recs {
		spec, ok := p.cat.Agent(r.Agent)
		if !ok || !inSlot(r.Agent) || !spec.Fits(phase) {
			continue
		}
		out = append(out, r.Agent)
		if len(out) == p.opts.MaxExpand {
			break
		}
	}
	if len(out) == 0 {
		out = append(out, p.fallback(slot))
	}
	return out
}

func (p *Planner) fallback(slot catalog.Slot) catalog.AgentType {
	if slot.Default != "" {
		return slot.Default
	}
	if len(slot.Agents) > 0 {
		return slot.Agents[0]
	}
	return catalog.AgentDeveloper
}

// timeout estimates the per-attempt limit from the task description.
func (p *Planner) timeout(desc string) time.Duration {
	if p.opts.TaskTimeout > 0 {
		return p.opts.TaskTimeout
	}
	d := strings.ToLower(desc)
	switch {
	case containsAny(d, "implement", "develop", "build"):
		return 45 * time.Minute
	case containsAny(d, "security", "validate", "test"):
		return 30 * time.Minute
	default:
		return 15 * time.Minute
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// check validates tasks as a graph, treating after as existing completed work.
func check(tasks []*scheduler.Task, after []string) error {
	dag := scheduler.NewDAG()
	for _, id := range after {
		if err := dag.AddTask(&scheduler.Task{ID: id}); err != nil {
			return err
		}
	}
	if err := dag.AddTasks(tasks); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	return nil
}
