package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/classifier"
	"github.com/aristath/taskpilot/internal/dispatcher"
)

var (
	classifyJSON     bool
	classifyCategory string
	classifyContext  string
)

var classifyCmd = &cobra.Command{
	Use:   "classify <request>",
	Short: "Show how a request would be planned without running it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "Print the plan as JSON")
	classifyCmd.Flags().StringVar(&classifyCategory, "category", "", "Force the workflow category")
	classifyCmd.Flags().StringVar(&classifyContext, "context", "", "Extra context scored together with the request")
}

func runClassify(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{DryRun: true, NoStore: true})
	if err != nil {
		return err
	}
	defer a.close()

	rc, err := a.requestContext(classifyContext, classifyCategory)
	if err != nil {
		return err
	}
	plan, err := a.disp.Preview(strings.Join(args, " "), rc)
	if err != nil {
		return err
	}
	if classifyJSON {
		return writePlanJSON(os.Stdout, plan)
	}
	printPlan(os.Stdout, plan)
	return nil
}

type planTask struct {
	ID          string   `json:"id"`
	AgentType   string   `json:"agent_type"`
	Phase       string   `json:"phase"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Optional    bool     `json:"optional,omitempty"`
	QualityGate bool     `json:"quality_gate,omitempty"`
	Description string   `json:"description"`
}

type planView struct {
	Analysis  classifier.Analysis `json:"analysis"`
	Strategy  dispatcher.Strategy `json:"strategy"`
	Parts     []string            `json:"parts,omitempty"`
	Ambiguous bool                `json:"ambiguous,omitempty"`
	Tasks     []planTask          `json:"tasks"`
	Fallbacks map[string][]string `json:"fallbacks,omitempty"` // Synthesis task ID to fallback task IDs
}

func viewOf(plan *dispatcher.Plan) planView {
	v := planView{
		Analysis:  plan.Analysis,
		Strategy:  plan.Strategy,
		Parts:     plan.Parts,
		Ambiguous: plan.Ambiguous,
		Tasks:     make([]planTask, 0, len(plan.Tasks)),
	}
	for _, t := range plan.Tasks {
		v.Tasks = append(v.Tasks, planTask{
			ID:          t.ID,
			AgentType:   t.AgentType,
			Phase:       t.Phase,
			DependsOn:   t.DependsOn,
			Optional:    t.Optional,
			QualityGate: t.QualityGate,
			Description: t.Description,
		})
	}
	for id, tasks := range plan.Fallbacks {
		if v.Fallbacks == nil {
			v.Fallbacks = make(map[string][]string)
		}
		for _, t := range tasks {
			v.Fallbacks[id] = append(v.Fallbacks[id], t.ID)
		}
	}
	return v
}

func writePlanJSON(w io.Writer, plan *dispatcher.Plan) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(viewOf(plan))
}

func printPlan(w io.Writer, plan *dispatcher.Plan) {
	an := plan.Analysis
	colorTitle.Fprintln(w, "Analysis")
	fmt.Fprintf(w, "  Category:    %s\n", an.Category)
	fmt.Fprintf(w, "  Complexity:  %s (score %.1f)\n", an.Complexity, an.ComplexityScore)
	if len(an.Domains) > 0 {
		domains := make([]string, len(an.Domains))
		for i, d := range an.Domains {
			domains[i] = string(d)
		}
		fmt.Fprintf(w, "  Domains:     %s\n", strings.Join(domains, ", "))
	}
	fmt.Fprintf(w, "  Estimate:    %s, %d tokens\n", an.EstimatedDuration, an.TokenBudgetEstimate)
	fmt.Fprintf(w, "  Strategy:    %s\n", plan.Strategy)
	if plan.Ambiguous {
		colorWarn.Fprintln(w, "  Request is ambiguous; planning a custom workflow")
	}
	for i, part := range plan.Parts {
		fmt.Fprintf(w, "  Part %d:      %s\n", i+1, part)
	}

	if len(an.Recommendations) > 0 {
		fmt.Fprintln(w)
		colorTitle.Fprintln(w, "Agents")
		for _, r := range an.Recommendations {
			fmt.Fprintf(w, "  %-24s %5.1f  %3.0f%%\n", r.Agent, r.Score, r.Confidence*100)
		}
	}

	fmt.Fprintln(w)
	colorTitle.Fprintln(w, "Tasks")
	for _, t := range plan.Tasks {
		var marks []string
		if t.Optional {
			marks = append(marks, "optional")
		}
		if t.QualityGate {
			marks = append(marks, "gate")
		}
		fmt.Fprintf(w, "  %s [%s]", t.ID, t.AgentType)
		if len(marks) > 0 {
			colorDim.Fprintf(w, " %s", strings.Join(marks, ","))
		}
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(w, " after %s", strings.Join(t.DependsOn, ", "))
		}
		fmt.Fprintln(w)
	}
	for id, tasks := range plan.Fallbacks {
		colorDim.Fprintf(w, "  %s falls back to %d template tasks\n", id, len(tasks))
	}
}
