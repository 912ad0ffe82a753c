package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dmerrick/platoon/internal/config"
	"github.com/dmerrick/platoon/internal/store"
	"github.com/dmerrick/platoon/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recorded runs",
	Long: `Show runs recorded in the project run store.

Without arguments, lists recent runs. With a run id, shows that run's
plan nodes, result, and event count.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatusCmd,
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	path := cfg.Store.Path
	if path == "" {
		path = store.ProjectDBPath(cwd)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No runs recorded yet. Start one with 'platoon run <task>'.")
		return nil
	}

	db, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer db.Close()

	if len(args) == 1 {
		return showRun(db, args[0])
	}
	return listRuns(db)
}

func listRuns(db store.RunStore) error {
	runs, err := db.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	fmt.Printf("%-36s  %-22s  %-10s  %s\n", "RUN", "STATUS", "MODE", "STARTED")
	for _, rec := range runs {
		fmt.Printf("%-36s  %s  %-10s  %s\n",
			rec.RunID,
			statusColor(rec.Status)("%-22s", rec.Status),
			rec.Request.Mode,
			rec.StartedAt.Local().Format(time.DateTime))
	}
	return nil
}

func showRun(db store.RunStore, runID string) error {
	rec, err := db.GetRun(runID)
	if err != nil {
		return err
	}

	fmt.Printf("run %s\n", rec.RunID)
	fmt.Printf("  status:  %s\n", statusColor(rec.Status)("%s", rec.Status))
	fmt.Printf("  mode:    %s\n", rec.Request.Mode)
	fmt.Printf("  task:    %s\n", rec.Request.Task)
	fmt.Printf("  started: %s\n", rec.StartedAt.Local().Format(time.DateTime))

	if len(rec.Plan) > 0 {
		fmt.Println("  nodes:")
		for _, n := range rec.Plan {
			line := fmt.Sprintf("%-10s %s", n.Status, n.ID)
			if n.RetryCount > 0 {
				line += fmt.Sprintf(" (%d retries)", n.RetryCount)
			}
			fmt.Printf("    %s\n", line)
		}
	}

	if rec.Result != nil {
		if rec.Result.Error != "" {
			fmt.Printf("  error:   %s\n", rec.Result.Error)
		}
		squads := make([]string, 0, len(rec.Result.Artifacts))
		for s := range rec.Result.Artifacts {
			squads = append(squads, s)
		}
		sort.Strings(squads)
		if len(squads) > 0 {
			fmt.Printf("  artifacts: %v\n", squads)
		}
		fmt.Printf("  gate iterations: %d  tokens: %d  cost: $%.4f\n",
			rec.Result.QualityGateIterations,
			rec.Result.Usage.TotalTokens(),
			rec.Result.Usage.CostUSD)
	}

	events, err := db.Events(runID)
	if err == nil {
		fmt.Printf("  events:  %d\n", len(events))
	}
	return nil
}

func statusColor(s models.RunStatus) func(format string, a ...interface{}) string {
	switch s {
	case models.RunCompleted:
		return color.GreenString
	case models.RunCompletedWithIssues:
		return color.YellowString
	case models.RunRunning:
		return color.CyanString
	default:
		return color.RedString
	}
}
