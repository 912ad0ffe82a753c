package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "platoon",
	Short: "Multi-squad task orchestration engine",
	Long: `Platoon turns one task description into a dependency plan of
capability invocations, executes it across squads (business, backend,
frontend, database, qa), and gates the result through a bounded
auto-fix quality loop.

Execution modes:
  sequential  one capability at a time, in dependency order
  parallel    every ready capability at once
  hybrid      concurrent within dependency constraints (default)
  workflow    strict step order from a named workflow template`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workflowsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
