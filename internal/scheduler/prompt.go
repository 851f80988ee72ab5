package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// maxDependencyOutput bounds how much of each dependency result is inlined.
const maxDependencyOutput = 4000

// buildPrompt wraps a task description with the session context an agent
// needs: where the task sits, what its dependencies produced, what it must
// deliver and how long it has.
func buildPrompt(sess *Session, task *Task, timeout time.Duration) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %s\n\n%s\n\n", task.ID, task.Description)

	b.WriteString("## Context\n")
	fmt.Fprintf(&b, "- Session: %s\n", sess.ID)
	if sess.Request != "" {
		fmt.Fprintf(&b, "- Original request: %s\n", sess.Request)
	}
	if task.Phase != "" {
		fmt.Fprintf(&b, "- Phase: %s\n", task.Phase)
	}
	fmt.Fprintf(&b, "- Session progress: %.0f%% (%s)\n", sess.Progress(), sess.Phase())
	fmt.Fprintf(&b, "- Attempt: %d of %d\n", task.RetryCount+1, task.MaxRetries)

	if len(task.DependsOn) > 0 {
		b.WriteString("\n## Inputs from completed dependencies\n")
		for _, depID := range task.DependsOn {
			dep, ok := sess.DAG.Get(depID)
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "\n### %s (%s)\n%s\n", dep.ID, dep.AgentType, truncate(dep.Result, maxDependencyOutput))
		}
	}

	if len(task.Deliverables) > 0 {
		b.WriteString("\n## Expected deliverables\n")
		for _, d := range task.Deliverables {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}

	if task.QualityGate {
		b.WriteString("\n## Verdict\nEnd your answer with a line `VERDICT: PASS` or `VERDICT: FAIL`.\n")
	}

	if len(task.ErrorLog) > 0 {
		b.WriteString("\n## Previous attempts failed\n")
		for _, rec := range task.ErrorLog {
			fmt.Fprintf(&b, "- attempt %d (%s): %s\n", rec.Attempt, rec.Kind, truncate(rec.Message, 300))
		}
	}

	if timeout > 0 {
		fmt.Fprintf(&b, "\n## Constraints\n- Maximum execution time: %s\n", timeout)
	}

	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
