package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagCatalog string
	flagDB      string
	flagLog     string
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Plan and run multi-agent work from a single request",
	Long: `orchestrator turns a free-form request into a dependency graph of agent
tasks and runs it with bounded parallelism.

A request is classified into a workflow category and complexity tier, then
expanded from the category's phase template or, for complex and uncategorised
work, planned by a synthesis task. Sessions are checkpointed to SQLite and can
be resumed after an interruption.

Configuration is read from ~/.orchestrator/config.yaml, then
.orchestrator/config.yaml, then ORCHESTRATOR_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Project config file (default .orchestrator/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagCatalog, "catalog", "", "Catalog override file (default from config)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Session database path (default from config)")
	rootCmd.PersistentFlags().StringVar(&flagLog, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(configCmd)
}
