package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/persistence"
)

var (
	sessionsAll   bool
	sessionsLimit int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List checkpointed sessions",
	Long: `List sessions stored in the session database, newest first.

Finished sessions are archived and hidden unless --all is given.`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

var archiveCmd = &cobra.Command{
	Use:   "archive <session-id>",
	Short: "Archive a session so it no longer shows up or resumes",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchive,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsAll, "all", false, "Include archived sessions")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum number of sessions to list (0 for all)")
	sessionsCmd.AddCommand(archiveCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{DryRun: true})
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.store.ListSessions(cmd.Context(), persistence.ListOptions{
		IncludeArchived: sessionsAll,
		Limit:           sessionsLimit,
	})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tPHASE\tPROGRESS\tTASKS\tTOKENS\tCHECKPOINT\tREQUEST")
	for _, s := range list {
		id := s.ID
		if s.Archived {
			id += " (archived)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%d/%d\t%d\t%s\t%s\n",
			id,
			s.Category,
			s.Phase,
			s.Progress,
			s.Completed, s.Tasks,
			s.TokensUsed,
			s.LastCheckpointAt.Local().Format(time.DateTime),
			oneLine(s.Request, 50))
	}
	return w.Flush()
}

func runArchive(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{DryRun: true})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.ArchiveSession(cmd.Context(), args[0]); err != nil {
		return err
	}
	colorOK.Printf("Archived %s\n", args[0])
	return nil
}
