package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/aristath/taskpilot/internal/dispatcher"
	"github.com/aristath/taskpilot/internal/scheduler"
)

var (
	colorOK    = color.New(color.FgGreen, color.Bold)
	colorFail  = color.New(color.FgRed, color.Bold)
	colorWarn  = color.New(color.FgYellow)
	colorTitle = color.New(color.Bold)
	colorDim   = color.New(color.Faint)
)

// errRunIncomplete is returned when a session ended with unfinished work.
var errRunIncomplete = errors.New("session did not complete")

// finish prints the report and turns an unsuccessful session into an error
// so the process exits non-zero.
func finish(report *dispatcher.ExecutionReport, err error) error {
	if report != nil && report.Report != nil {
		printReport(os.Stdout, report)
	}
	if err != nil {
		return err
	}
	if report == nil || report.Report == nil || !report.Succeeded() {
		return errRunIncomplete
	}
	return nil
}

// summaryLine is the one-line outcome shown in the TUI footer.
func summaryLine(r *dispatcher.ExecutionReport) string {
	if r == nil || r.Report == nil {
		return ""
	}
	state := "finished"
	switch {
	case r.Abandoned:
		state = "abandoned"
	case r.Interrupted:
		state = "interrupted"
	case !r.Succeeded():
		state = "finished with failures"
	}
	return fmt.Sprintf("%s: %d completed, %d failed, %d cancelled, %d tokens",
		state, len(r.Completed), len(r.Failed), len(r.Cancelled), r.TokensUsed)
}

func printReport(w io.Writer, r *dispatcher.ExecutionReport) {
	fmt.Fprintln(w)
	colorTitle.Fprintf(w, "Session %s\n", r.SessionID)
	if r.Analysis.Category != "" {
		fmt.Fprintf(w, "  Category:   %s (%s, %s)\n", r.Analysis.Category, r.Analysis.Complexity, r.Strategy)
	}
	for i, part := range r.Parts {
		fmt.Fprintf(w, "  Part %d:     %s\n", i+1, part)
	}
	fmt.Fprintf(w, "  Progress:   %.0f%%\n", r.Progress)
	if r.TokenBudget > 0 {
		fmt.Fprintf(w, "  Tokens:     %d / %d\n", r.TokensUsed, r.TokenBudget)
	} else {
		fmt.Fprintf(w, "  Tokens:     %d\n", r.TokensUsed)
	}

	fmt.Fprintln(w)
	colorOK.Fprintf(w, "  %d completed", len(r.Completed))
	fmt.Fprint(w, "  ")
	if len(r.Failed) > 0 {
		colorFail.Fprintf(w, "%d failed", len(r.Failed))
	} else {
		fmt.Fprintf(w, "%d failed", 0)
	}
	fmt.Fprintf(w, "  %d cancelled", len(r.Cancelled))
	if len(r.Pending) > 0 {
		fmt.Fprintf(w, "  %d pending", len(r.Pending))
	}
	fmt.Fprintln(w)

	for _, o := range r.Failed {
		colorFail.Fprintf(w, "  ✗ %s", o.ID)
		fmt.Fprintf(w, " (%s, %d retries)\n", o.AgentType, o.RetryCount)
		if n := len(o.Errors); n > 0 {
			colorDim.Fprintf(w, "      %s\n", oneLine(o.Errors[n-1].Message, 100))
		}
	}
	for _, o := range r.Cancelled {
		colorWarn.Fprintf(w, "  - %s", o.ID)
		fmt.Fprintf(w, " (%s)\n", o.CancelReason)
	}

	if len(r.Errors) > 0 {
		fmt.Fprintln(w)
		colorTitle.Fprintln(w, "Errors")
		for _, kind := range errorKinds(r.Errors) {
			entries := r.ErrorsOfKind(kind)
			colorWarn.Fprintf(w, "  %s (%d)\n", kind, len(entries))
			for _, e := range entries {
				if e.TaskID != "" {
					fmt.Fprintf(w, "    %s: %s\n", e.TaskID, oneLine(e.Message, 100))
				} else {
					fmt.Fprintf(w, "    %s\n", oneLine(e.Message, 100))
				}
			}
		}
	}

	if usage := r.Summary.TokenUsage; len(usage) > 0 {
		fmt.Fprintln(w)
		colorTitle.Fprintln(w, "Token usage")
		agents := make([]string, 0, len(usage))
		for a := range usage {
			agents = append(agents, a)
		}
		sort.Strings(agents)
		for _, a := range agents {
			u := usage[a]
			fmt.Fprintf(w, "  %-24s %7d charged / %7d estimated", a, u.Charged, u.Estimated)
			if eff := u.Efficiency(); eff > 0 {
				fmt.Fprintf(w, "  (%.0f%%)", eff*100)
			}
			fmt.Fprintln(w)
		}
	}

	if recs := r.Summary.Recommendations; len(recs) > 0 {
		fmt.Fprintln(w)
		colorTitle.Fprintln(w, "Recommendations")
		for _, rec := range recs {
			fmt.Fprintf(w, "  • %s\n", rec)
		}
	}

	fmt.Fprintln(w)
	switch {
	case r.Abandoned:
		colorWarn.Fprintln(w, "Session abandoned.")
	case r.Interrupted:
		colorWarn.Fprintln(w, "Session interrupted.")
		fmt.Fprintf(w, "Resume with: orchestrator resume %s\n", r.SessionID)
	case r.Succeeded():
		colorOK.Fprintln(w, "All tasks completed.")
	default:
		colorFail.Fprintln(w, "Session finished with failures.")
	}
}

// errorKinds lists the distinct kinds in entries, sorted.
func errorKinds(entries []scheduler.ReportEntry) []scheduler.ErrorKind {
	seen := make(map[scheduler.ErrorKind]bool)
	var kinds []scheduler.ErrorKind
	for _, e := range entries {
		if !seen[e.Kind] {
			seen[e.Kind] = true
			kinds = append(kinds, e.Kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
