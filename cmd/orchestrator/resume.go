package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/dispatcher"
)

var (
	resumeHeadless bool
	resumeDryRun   bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Continue an interrupted session",
	Long: `Load a checkpointed session and run its remaining tasks.

Tasks that were running when the session stopped are dispatched again.
A session whose stored state is inconsistent is reported as corrupted and
left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeHeadless, "headless", false, "Run without TUI and print the report")
	resumeCmd.Flags().BoolVar(&resumeDryRun, "dry-run", false, "Answer every task without running agents")
}

func runResume(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{DryRun: resumeDryRun, LogFile: !resumeHeadless})
	if err != nil {
		return err
	}
	defer a.close()

	resume := func(ctx context.Context) (*dispatcher.ExecutionReport, error) {
		return a.disp.Resume(ctx, sessionID)
	}

	var report *dispatcher.ExecutionReport
	if resumeHeadless {
		report, err = resume(ctx)
	} else {
		report, err = runWithTUI(ctx, a, "resume "+sessionID, resume)
	}
	return finish(report, err)
}
