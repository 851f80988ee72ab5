package dispatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aristath/taskpilot/internal/catalog"
	"github.com/aristath/taskpilot/internal/planner"
	"github.com/aristath/taskpilot/internal/scheduler"
)

const (
	fixSuffix     = ".fix-"
	recheckSuffix = ".recheck-"
	refinedPrefix = "r."
)

// supervisor re-plans a running session. It is called only from the
// scheduler loop of one run, so it needs no locking.
type supervisor struct {
	planner   *planner.Planner
	catalog   *catalog.Catalog
	maxFixes  int
	fallbacks map[string][]*scheduler.Task
	logger    *slog.Logger

	entries []scheduler.ReportEntry
}

func newSupervisor(d *Dispatcher, fallbacks map[string][]*scheduler.Task) *supervisor {
	if fallbacks == nil {
		fallbacks = make(map[string][]*scheduler.Task)
	}
	return &supervisor{
		planner:   d.cfg.Planner,
		catalog:   d.cfg.Catalog,
		maxFixes:  d.cfg.MaxRemediations,
		fallbacks: fallbacks,
		logger:    d.logger,
	}
}

// OnTaskCompleted turns a synthesis task's output into the rest of the
// session. Output that is not a valid acyclic plan falls back to the tasks
// prepared when the session was planned.
func (s *supervisor) OnTaskCompleted(sess *scheduler.Session, task *scheduler.Task) []*scheduler.Task {
	if task.Phase != planner.PhaseSynthesis {
		return nil
	}
	fallback := s.fallbacks[task.ID]
	delete(s.fallbacks, task.ID)

	prefix := strings.TrimSuffix(task.ID, planner.PhaseSynthesis+"-1")
	tasks, err := s.planner.ParseRefinedPlan(task.Result, planner.PlanContext{
		IDPrefix: prefix + refinedPrefix,
		After:    []string{task.ID},
	})
	if err == nil {
		s.logger.Info("refined plan accepted", "session_id", sess.ID, "task_id", task.ID, "tasks", len(tasks))
		return tasks
	}

	if errors.Is(err, planner.ErrPlanCycle) {
		s.record(scheduler.KindPlanCycleDetected, task.ID, fmt.Sprintf("refined plan rejected: %v", err))
	}
	s.logger.Warn("refined plan unusable; using fallback",
		"session_id", sess.ID,
		"task_id", task.ID,
		"fallback_tasks", len(fallback),
		"error", err)
	return fallback
}

// OnQualityGateFailed schedules a fix and a fresh check of the gate, up to
// maxFixes rounds per original gate.
func (s *supervisor) OnQualityGateFailed(sess *scheduler.Session, gate *scheduler.Task) []*scheduler.Task {
	root := gate.ID
	if i := strings.Index(root, recheckSuffix); i >= 0 {
		root = root[:i]
	}

	round := 0
	for _, t := range sess.DAG.Tasks() {
		if strings.HasPrefix(t.ID, root+fixSuffix) {
			round++
		}
	}
	if round >= s.maxFixes {
		s.logger.Warn("quality gate still failing; remediation limit reached",
			"session_id", sess.ID,
			"task_id", gate.ID,
			"rounds", round)
		return nil
	}
	round++

	fixID := fmt.Sprintf("%s%s%d", root, fixSuffix, round)
	fix := &scheduler.Task{
		ID:           fixID,
		Description:  fmt.Sprintf("Fix the problems reported by quality check %s:\n\n%s", gate.ID, clip(gate.Result, 2000)),
		AgentType:    string(s.fixer(sess, gate)),
		Phase:        string(catalog.PhaseImplementation),
		DependsOn:    []string{gate.ID},
		MaxRetries:   gate.MaxRetries,
		Weight:       1,
		Timeout:      gate.Timeout,
		Deliverables: []string{"fixes"},
	}
	recheck := &scheduler.Task{
		ID:           fmt.Sprintf("%s%s%d", root, recheckSuffix, round),
		Description:  "Re-check after fixes: " + originalDescription(gate.Description),
		AgentType:    gate.AgentType,
		Phase:        gate.Phase,
		DependsOn:    []string{fixID},
		MaxRetries:   gate.MaxRetries,
		Weight:       gate.Weight,
		QualityGate:  true,
		Timeout:      gate.Timeout,
		Deliverables: gate.Deliverables,
	}

	s.logger.Info("scheduling remediation", "session_id", sess.ID, "task_id", gate.ID, "round", round)
	return []*scheduler.Task{fix, recheck}
}

// fixer picks the agent that did the implementation the gate checked,
// falling back to the general developer.
func (s *supervisor) fixer(sess *scheduler.Session, gate *scheduler.Task) catalog.AgentType {
	for _, id := range gate.DependsOn {
		dep, ok := sess.DAG.Get(id)
		if !ok || dep.Phase != string(catalog.PhaseImplementation) {
			continue
		}
		if spec, ok := s.catalog.Agent(catalog.AgentType(dep.AgentType)); ok && spec.Fits(catalog.PhaseImplementation) {
			return spec.Type
		}
	}
	return catalog.AgentDeveloper
}

func (s *supervisor) record(kind scheduler.ErrorKind, taskID, msg string) {
	s.entries = append(s.entries, scheduler.ReportEntry{Kind: kind, TaskID: taskID, Message: msg, At: time.Now()})
}

func originalDescription(desc string) string {
	for strings.HasPrefix(desc, "Re-check after fixes: ") {
		desc = strings.TrimPrefix(desc, "Re-check after fixes: ")
	}
	return desc
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
