package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/dispatcher"
	"github.com/aristath/taskpilot/internal/tui"
)

var (
	runHeadless    bool
	runDryRun      bool
	runDryRunDelay time.Duration
	runCategory    string
	runContext     string
	runBudget      int
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Plan and execute a request",
	Long: `Classify the request, build its task graph and run it to completion.

Press q (or Ctrl+C) to stop; the session is checkpointed and can be picked up
again with 'orchestrator resume <session-id>'. Press c to abandon it.

Use --dry-run to walk the plan with canned agent answers.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Run without TUI and print the report")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Answer every task without running agents")
	runCmd.Flags().DurationVar(&runDryRunDelay, "dry-run-delay", 200*time.Millisecond, "Simulated agent latency in dry-run mode")
	runCmd.Flags().StringVar(&runCategory, "category", "", "Force the workflow category")
	runCmd.Flags().StringVar(&runContext, "context", "", "Extra context scored together with the request")
	runCmd.Flags().IntVar(&runBudget, "budget", 0, "Token budget (default from config or classifier estimate)")
}

func runRequest(cmd *cobra.Command, args []string) error {
	request := strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runBudget < 0 {
		return fmt.Errorf("--budget must not be negative")
	}
	a, err := newApp(ctx, appOptions{
		DryRun:      runDryRun,
		DryRunDelay: runDryRunDelay,
		LogFile:     !runHeadless,
		TokenBudget: runBudget,
	})
	if err != nil {
		return err
	}
	defer a.close()

	rc, err := a.requestContext(runContext, runCategory)
	if err != nil {
		return err
	}
	dispatch := func(ctx context.Context) (*dispatcher.ExecutionReport, error) {
		return a.disp.Dispatch(ctx, request, rc)
	}

	var report *dispatcher.ExecutionReport
	if runHeadless {
		report, err = dispatch(ctx)
	} else {
		report, err = runWithTUI(ctx, a, request, dispatch)
	}
	return finish(report, err)
}

// runWithTUI shows the session while dispatch runs. Quitting the TUI before
// dispatch returns interrupts the session.
func runWithTUI(ctx context.Context, a *app, title string, dispatch func(context.Context) (*dispatcher.ExecutionReport, error)) (*dispatcher.ExecutionReport, error) {
	runCtx, interrupt := context.WithCancel(ctx)
	defer interrupt()

	model := tui.New(a.bus, tui.Options{
		Request:   title,
		Interrupt: interrupt,
		Cancel: func() {
			go func() {
				for _, id := range a.disp.Active() {
					if err := a.disp.Cancel(id); err != nil {
						a.logger.Warn("cannot cancel session", "session_id", id, "error", err)
					}
				}
			}()
		},
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	type outcome struct {
		report *dispatcher.ExecutionReport
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := dispatch(runCtx)
		done <- outcome{report, err}
		p.Send(tui.DoneMsg{Summary: summaryLine(report), Err: err})
	}()

	// A signal stops the TUI as well as the session
	go func() {
		select {
		case <-ctx.Done():
			p.Quit()
		case <-runCtx.Done():
		}
	}()

	_, tuiErr := p.Run()
	interrupt()
	res := <-done
	if tuiErr != nil && res.err == nil {
		return res.report, fmt.Errorf("tui: %w", tuiErr)
	}
	return res.report, res.err
}
