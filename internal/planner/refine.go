package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/taskpilot/internal/catalog"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// ErrInvalidPlan is wrapped when a synthesis output cannot be read as a plan.
var ErrInvalidPlan = errors.New("invalid refined plan")

// refinedTask is one entry of a synthesis answer.
type refinedTask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Agent       string   `json:"agent"`
	DependsOn   []string `json:"depends_on"`
	Optional    bool     `json:"optional"`
	QualityGate bool     `json:"quality_gate"`
	Weight      float64  `json:"weight"`
}

// ParseRefinedPlan reads the JSON task array in a synthesis output. IDs get
// pc.IDPrefix; tasks without dependencies wait on pc.After. Unknown agent
// types fall back to the developer agent. A cyclic answer returns an error
// wrapping ErrPlanCycle.
func (p *Planner) ParseRefinedPlan(output string, pc PlanContext) ([]*scheduler.Task, error) {
	start := strings.Index(output, "[")
	end := strings.LastIndex(output, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON array in output", ErrInvalidPlan)
	}

	var entries []refinedTask
	if err := json.Unmarshal([]byte(output[start:end+1]), &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty plan", ErrInvalidPlan)
	}
	if len(entries) > p.opts.MaxTasks {
		return nil, fmt.Errorf("%w: %d tasks exceeds %d", ErrDecomposeRequired, len(entries), p.opts.MaxTasks)
	}

	known := make(map[string]bool, len(entries))
	for i := range entries {
		e := &entries[i]
		e.ID = strings.TrimSpace(e.ID)
		if e.ID == "" {
			e.ID = fmt.Sprintf("task-%d", i+1)
		}
		if known[e.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidPlan, e.ID)
		}
		known[e.ID] = true
	}

	tasks := make([]*scheduler.Task, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Description) == "" {
			return nil, fmt.Errorf("%w: task %q has no description", ErrInvalidPlan, e.ID)
		}

		agent := catalog.AgentType(e.Agent)
		if _, ok := p.cat.Agent(agent); !ok {
			p.logger.Warn("refined plan names unknown agent, using developer", "task_id", e.ID, "agent_type", e.Agent)
			agent = catalog.AgentDeveloper
		}

		var deps []string
		for _, d := range e.DependsOn {
			if !known[d] {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidPlan, e.ID, d)
			}
			deps = append(deps, pc.IDPrefix+d)
		}
		if len(deps) == 0 {
			deps = append(deps, pc.After...)
		}

		tasks = append(tasks, &scheduler.Task{
			ID:          pc.IDPrefix + e.ID,
			Description: e.Description,
			AgentType:   string(agent),
			Phase:       "refined",
			DependsOn:   deps,
			MaxRetries:  p.opts.MaxRetries,
			Weight:      e.Weight,
			Optional:    e.Optional,
			QualityGate: e.QualityGate,
			Timeout:     p.timeout(e.Description),
		})
	}

	if err := check(tasks, pc.After); err != nil {
		return nil, err
	}
	return tasks, nil
}
