package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aristath/taskpilot/internal/catalog"
	"github.com/aristath/taskpilot/internal/classifier"
	"github.com/aristath/taskpilot/internal/scheduler"
)

func newTestPlanner(opts Options) *Planner {
	return New(catalog.Default(), opts, nil)
}

func recs(agents ...catalog.AgentType) []classifier.Recommendation {
	out := make([]classifier.Recommendation, len(agents))
	for i, a := range agents {
		out[i] = classifier.Recommendation{Agent: a, Score: float64(len(agents) - i), Confidence: 1 / float64(len(agents))}
	}
	return out
}

func phasesOf(tasks []*scheduler.Task) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range tasks {
		if !seen[t.Phase] {
			seen[t.Phase] = true
			out = append(out, t.Phase)
		}
	}
	return out
}

func byID(tasks []*scheduler.Task) map[string]*scheduler.Task {
	m := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}

func TestSecureLoginPlan(t *testing.T) {
	cat := catalog.Default()
	a, err := classifier.New(cat, classifier.DefaultOptions(), nil).Classify("implement secure login with tests", classifier.RequestContext{})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	dag, err := New(cat, DefaultOptions(), nil).Plan(a, PlanContext{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	tasks := dag.Tasks()
	if len(tasks) < 3 {
		t.Fatalf("plan has %d tasks, want at least 3", len(tasks))
	}

	phases := phasesOf(tasks)
	want := []string{"discovery", "implementation", "validation"}
	if !reflect.DeepEqual(phases[:3], want) {
		t.Errorf("phases = %v, want prefix %v", phases, want)
	}
	if _, err := dag.Validate(); err != nil {
		t.Errorf("plan is not a DAG: %v", err)
	}

	// Every implementation task waits for every discovery task
	m := byID(tasks)
	for _, task := range tasks {
		if task.Phase != "implementation" {
			continue
		}
		for _, d := range tasks {
			if d.Phase == "discovery" && !contains(task.DependsOn, d.ID) {
				t.Errorf("%s does not depend on %s", task.ID, d.ID)
			}
		}
	}
	if m["discovery-1"].AgentType != string(catalog.AgentSecuritySpecialist) {
		t.Errorf("discovery agent = %s", m["discovery-1"].AgentType)
	}
	if !strings.Contains(m["discovery-1"].Description, "implement secure login with tests") {
		t.Errorf("request not substituted: %q", m["discovery-1"].Description)
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func TestPlanDevelopmentTemplate(t *testing.T) {
	p := newTestPlanner(DefaultOptions())
	a := classifier.Analysis{
		Request:         "add a rust parser",
		Category:        catalog.CategoryDevelopment,
		Complexity:      catalog.ComplexityModerate,
		Recommendations: recs(catalog.AgentRustDeveloper, catalog.AgentDeveloper, catalog.AgentTestEngineer, catalog.AgentWebResearcher),
	}

	tasks, err := p.Tasks(a, PlanContext{})
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	m := byID(tasks)

	// The expanding slot gets one task per fitting recommendation, in rank order
	if m["implementation-1"].AgentType != string(catalog.AgentRustDeveloper) || m["implementation-2"].AgentType != string(catalog.AgentDeveloper) {
		t.Errorf("implementation agents = %s, %s", m["implementation-1"].AgentType, m["implementation-2"].AgentType)
	}
	if m["implementation-3"].AgentType != string(catalog.AgentTestEngineer) {
		t.Errorf("test slot agent = %s", m["implementation-3"].AgentType)
	}
	// Siblings are parallel
	for _, id := range []string{"implementation-1", "implementation-2", "implementation-3"} {
		if !reflect.DeepEqual(m[id].DependsOn, []string{"discovery-1"}) {
			t.Errorf("%s depends on %v", id, m[id].DependsOn)
		}
	}
	if got := m["validation-1"].DependsOn; !reflect.DeepEqual(got, []string{"implementation-1", "implementation-2", "implementation-3"}) {
		t.Errorf("validation depends on %v", got)
	}
	if !m["validation-1"].QualityGate {
		t.Error("validation task is not a quality gate")
	}
	if doc := m["completion-2"]; !doc.Optional || doc.Weight != 0.5 {
		t.Errorf("documentation task = %+v", doc)
	}
	if m["implementation-1"].Timeout != 45*time.Minute || m["implementation-3"].Timeout != 30*time.Minute || m["discovery-1"].Timeout != 15*time.Minute {
		t.Errorf("timeouts = %s %s %s", m["implementation-1"].Timeout, m["implementation-3"].Timeout, m["discovery-1"].Timeout)
	}
	for _, task := range tasks {
		if task.MaxRetries != 3 {
			t.Errorf("%s MaxRetries = %d", task.ID, task.MaxRetries)
		}
	}
}

func TestPlanChainsNonReentrantSiblings(t *testing.T) {
	cat := catalog.Default()
	cat.Templates[catalog.CategoryResearch] = catalog.Template{
		Category: catalog.CategoryResearch,
		Name:     "two coordinators",
		Phases: []catalog.PhaseTemplate{
			{Phase: catalog.PhaseDiscovery, Slots: []catalog.Slot{
				{Description: "plan A", Default: catalog.AgentOrchestrator, Agents: []catalog.AgentType{catalog.AgentOrchestrator}},
				{Description: "plan B", Default: catalog.AgentOrchestrator, Agents: []catalog.AgentType{catalog.AgentOrchestrator}},
				{Description: "search", Default: catalog.AgentWebResearcher, Agents: []catalog.AgentType{catalog.AgentWebResearcher}},
			}},
		},
	}
	p := New(cat, DefaultOptions(), nil)

	tasks, err := p.Tasks(classifier.Analysis{Request: "r", Category: catalog.CategoryResearch}, PlanContext{})
	if err != nil {
		t.Fatal(err)
	}
	m := byID(tasks)
	if !reflect.DeepEqual(m["discovery-2"].DependsOn, []string{"discovery-1"}) {
		t.Errorf("second orchestrator task depends on %v, want [discovery-1]", m["discovery-2"].DependsOn)
	}
	if len(m["discovery-3"].DependsOn) != 0 {
		t.Errorf("independent sibling depends on %v", m["discovery-3"].DependsOn)
	}
}

func TestPlanCustom(t *testing.T) {
	p := newTestPlanner(DefaultOptions())
	a := classifier.Analysis{Request: "make it sparkle", Category: catalog.CategoryCustom, Complexity: catalog.ComplexityComplex}

	dag, err := p.Plan(a, PlanContext{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	tasks := dag.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("custom plan has %d tasks", len(tasks))
	}
	if tasks[0].Phase != "discovery" || tasks[1].Phase != PhaseSynthesis {
		t.Errorf("phases = %s, %s", tasks[0].Phase, tasks[1].Phase)
	}
	if !reflect.DeepEqual(tasks[1].DependsOn, []string{tasks[0].ID}) {
		t.Errorf("synthesis depends on %v", tasks[1].DependsOn)
	}
	if tasks[1].AgentType != string(catalog.AgentOrchestrator) || !strings.Contains(tasks[1].Description, "JSON") {
		t.Errorf("synthesis task = %+v", tasks[1])
	}

	if _, err := p.PlanCustom(a, PlanContext{IDPrefix: "x."}); err != nil {
		t.Errorf("PlanCustom: %v", err)
	}
}

func TestPlanDecomposeRequired(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		a    classifier.Analysis
	}{
		{
			name: "complexity ceiling",
			opts: Options{MaxComplexity: catalog.ComplexityModerate},
			a:    classifier.Analysis{Category: catalog.CategoryDevelopment, Complexity: catalog.ComplexityComplex},
		},
		{
			name: "too many tasks",
			opts: Options{MaxComplexity: catalog.ComplexityComplex, MaxTasks: 3},
			a:    classifier.Analysis{Category: catalog.CategoryDevelopment, Complexity: catalog.ComplexitySimple},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestPlanner(tt.opts).Plan(tt.a, PlanContext{})
			if !errors.Is(err, ErrDecomposeRequired) {
				t.Errorf("Plan() error = %v, want ErrDecomposeRequired", err)
			}
		})
	}
}

func TestPlanPrefixAndAfter(t *testing.T) {
	p := newTestPlanner(DefaultOptions())
	a := classifier.Analysis{Request: "r", Category: catalog.CategoryResearch, Complexity: catalog.ComplexitySimple}

	tasks, err := p.Tasks(a, PlanContext{IDPrefix: "p2.", After: []string{"synthesis-1"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if !strings.HasPrefix(task.ID, "p2.") {
			t.Errorf("task %s lacks prefix", task.ID)
		}
	}
	if !reflect.DeepEqual(tasks[0].DependsOn, []string{"synthesis-1"}) {
		t.Errorf("root depends on %v", tasks[0].DependsOn)
	}
}

func TestParseRefinedPlan(t *testing.T) {
	p := newTestPlanner(DefaultOptions())
	output := "Here is the plan:\n```json\n" + `[
		{"id": "a", "description": "survey the repo", "agent": "codebase-locator"},
		{"id": "b", "description": "implement the feature", "agent": "developer", "depends_on": ["a"]},
		{"id": "c", "description": "check it", "agent": "wizard", "depends_on": ["a", "b"], "quality_gate": true}
	]` + "\n```\n"

	tasks, err := p.ParseRefinedPlan(output, PlanContext{IDPrefix: "r.", After: []string{"synthesis-1"}})
	if err != nil {
		t.Fatalf("ParseRefinedPlan: %v", err)
	}
	m := byID(tasks)
	if !reflect.DeepEqual(m["r.a"].DependsOn, []string{"synthesis-1"}) {
		t.Errorf("root depends on %v", m["r.a"].DependsOn)
	}
	if !reflect.DeepEqual(m["r.c"].DependsOn, []string{"r.a", "r.b"}) {
		t.Errorf("r.c depends on %v", m["r.c"].DependsOn)
	}
	if m["r.c"].AgentType != string(catalog.AgentDeveloper) || !m["r.c"].QualityGate {
		t.Errorf("r.c = %+v", m["r.c"])
	}
	if m["r.b"].Timeout != 45*time.Minute {
		t.Errorf("r.b timeout = %s", m["r.b"].Timeout)
	}
}

func TestParseRefinedPlanErrors(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   error
	}{
		{"no json", "I could not come up with a plan", ErrInvalidPlan},
		{"malformed", `[{"id": "a",]`, ErrInvalidPlan},
		{"empty", `[]`, ErrInvalidPlan},
		{"unknown dependency", `[{"id":"a","description":"x","depends_on":["z"]}]`, ErrInvalidPlan},
		{"duplicate id", `[{"id":"a","description":"x"},{"id":"a","description":"y"}]`, ErrInvalidPlan},
		{"missing description", `[{"id":"a"}]`, ErrInvalidPlan},
		{"cycle", `[{"id":"a","description":"x","depends_on":["b"]},{"id":"b","description":"y","depends_on":["a"]}]`, ErrPlanCycle},
		{"self loop", `[{"id":"a","description":"x","depends_on":["a"]}]`, ErrPlanCycle},
	}
	p := newTestPlanner(DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ParseRefinedPlan(tt.output, PlanContext{})
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseRefinedPlan() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestPlansAreAcyclic generates random analyses and random refined plans and
// checks that every accepted plan sorts topologically.
func TestPlansAreAcyclic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cat := catalog.Default()
	p := New(cat, Options{MaxComplexity: catalog.ComplexityComplex, MaxTasks: 40}, nil)

	categories := []catalog.Category{
		catalog.CategoryProjectManagement, catalog.CategoryResearch,
		catalog.CategorySecurityAudit, catalog.CategoryDevelopment, catalog.CategoryCustom,
	}

	for i := 0; i < 300; i++ {
		var agents []catalog.AgentType
		for _, spec := range cat.Agents {
			if rng.Intn(3) == 0 {
				agents = append(agents, spec.Type)
			}
		}
		rng.Shuffle(len(agents), func(a, b int) { agents[a], agents[b] = agents[b], agents[a] })

		a := classifier.Analysis{
			Request:         fmt.Sprintf("request %d", i),
			Category:        categories[rng.Intn(len(categories))],
			Complexity:      catalog.Complexity(rng.Intn(3)),
			Recommendations: recs(agents...),
		}
		dag, err := p.Plan(a, PlanContext{})
		if err != nil {
			t.Fatalf("case %d: Plan(%s): %v", i, a.Category, err)
		}
		if _, err := dag.Validate(); err != nil {
			t.Fatalf("case %d: template plan has a cycle: %v", i, err)
		}
	}

	for i := 0; i < 300; i++ {
		n := 1 + rng.Intn(8)
		entries := make([]map[string]any, n)
		for j := range entries {
			var deps []string
			for k := 0; k < n; k++ {
				if k != j && rng.Intn(4) == 0 {
					deps = append(deps, fmt.Sprintf("t%d", k))
				}
			}
			entries[j] = map[string]any{
				"id":          fmt.Sprintf("t%d", j),
				"description": "do part " + fmt.Sprint(j),
				"agent":       "developer",
				"depends_on":  deps,
			}
		}
		raw, _ := json.Marshal(entries)

		tasks, err := p.ParseRefinedPlan(string(raw), PlanContext{})
		if err != nil {
			if !errors.Is(err, ErrPlanCycle) {
				t.Fatalf("case %d: unexpected error %v", i, err)
			}
			continue
		}
		dag := scheduler.NewDAG()
		if err := dag.AddTasks(tasks); err != nil {
			t.Fatalf("case %d: accepted plan rejected by DAG: %v", i, err)
		}
		if order, err := dag.Validate(); err != nil || len(order) != n {
			t.Fatalf("case %d: order %v err %v", i, order, err)
		}
	}
}
