package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dmerrick/platoon/internal/api"
	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/internal/checks"
	"github.com/dmerrick/platoon/internal/config"
	"github.com/dmerrick/platoon/internal/engine"
	"github.com/dmerrick/platoon/internal/executor"
	"github.com/dmerrick/platoon/internal/quality"
	"github.com/dmerrick/platoon/internal/store"
	"github.com/dmerrick/platoon/internal/workflow"
	"github.com/dmerrick/platoon/pkg/models"
)

var (
	runModeFlag       string
	runWorkflowFlag   string
	runQualityFlag    string
	runMaxParallel    int
	runTimeout        time.Duration
	runMaxIterations  int
	runNoAutoFix      bool
	runHeadless       bool
	runEphemeral      bool
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a task through the orchestration engine",
	Long: `Run a task: plan it into capability invocations, execute them
across squads, and gate the result through the quality checks.

Examples:
  platoon run "Build a REST API for user management"
  platoon run --workflow api_development "Build the orders service"
  platoon run --mode sequential --headless "Fix the login bug"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVar(&runModeFlag, "mode", "", "Execution mode: sequential, parallel, hybrid, or workflow")
	runCmd.Flags().StringVar(&runWorkflowFlag, "workflow", "", "Workflow template to follow (implies workflow mode)")
	runCmd.Flags().StringVar(&runQualityFlag, "quality", "", "Quality level: basic, standard, or strict")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Max concurrent capability invocations")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Whole-run deadline (e.g. 30m)")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Quality gate fix budget")
	runCmd.Flags().BoolVar(&runNoAutoFix, "no-autofix", false, "Disable the quality gate fix loop")
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Stream events to stdout instead of the TUI")
	runCmd.Flags().BoolVar(&runEphemeral, "ephemeral", false, "Keep run state in memory only")
}

func runTask(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	eng, cleanup, err := buildEngine(cfg, cwd)
	if err != nil {
		return err
	}
	defer cleanup()

	req := buildRequest(cfg, task)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, err := eng.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("submit run: %w", err)
	}
	fmt.Printf("%s run %s\n", color.CyanString("started"), runID)

	// First interrupt cancels the run; the engine keeps partial results.
	go func() {
		<-ctx.Done()
		eng.Cancel(runID)
	}()

	if runHeadless || !isTerminal() {
		err = streamRun(eng, runID)
	} else {
		err = runWithTUI(eng, runID, task)
	}
	if err != nil {
		return err
	}

	result, err := eng.Result(runID)
	if err != nil {
		return err
	}
	printSummary(runID, result)

	switch result.Status {
	case models.RunCompleted, models.RunCompletedWithIssues:
		return nil
	default:
		return fmt.Errorf("run %s: %s", result.Status, result.Error)
	}
}

// buildEngine assembles the engine from configuration.
func buildEngine(cfg *config.Config, cwd string) (*engine.Engine, func(), error) {
	client, err := api.NewClient(api.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.BedrockRegion,
	})
	if err != nil {
		return nil, nil, err
	}

	registry := capability.DefaultRegistry()

	catalog := workflow.NewCatalog()
	workflowDir := cfg.Workflows.Dir
	if !filepath.IsAbs(workflowDir) {
		workflowDir = filepath.Join(cwd, workflowDir)
	}
	if err := catalog.LoadDir(workflowDir); err != nil {
		fmt.Fprintf(os.Stderr, "%s loading workflows: %v\n", color.YellowString("warning:"), err)
	}
	var stopWatch func()
	if cfg.Workflows.HotReload {
		if stop, err := catalog.Watch(workflowDir); err == nil {
			stopWatch = stop
		}
	}

	var runStore store.RunStore
	if runEphemeral || cfg.Store.Ephemeral {
		runStore = store.NewMemory()
	} else {
		path := cfg.Store.Path
		if path == "" {
			path = store.ProjectDBPath(cwd)
		}
		db, err := store.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open run store: %w", err)
		}
		runStore = db
	}

	commands := checks.DefaultCommands(cwd, cfg.Quality.CheckList)
	for id, command := range cfg.Quality.Commands {
		commands[id] = command
	}
	checker := checks.New(checks.NewShellRunner(), commands)
	checker.SetWorkDir(cwd)

	eng, err := engine.New(engine.Config{
		Provider:         api.NewCapabilityProvider(client, registry),
		CheckRunner:      checker,
		PlanningProvider: api.NewPlanningProvider(client, registry),
		Registry:         registry,
		Catalog:          catalog,
		Store:            runStore,
		Executor: executor.Config{
			Timeout:     cfg.Timeouts.Invocation,
			MaxRetries:  cfg.Retry.MaxRetries,
			BackoffBase: cfg.Retry.BackoffBase,
		},
		Quality: quality.Config{
			Checks:        cfg.Quality.CheckList,
			MaxIterations: cfg.Quality.MaxIterations,
			AutoFix:       cfg.Quality.AutoFix && !runNoAutoFix,
			Responsible:   cfg.Quality.Responsible,
			DefaultFixer:  cfg.Quality.DefaultFixer,
		},
		MaxParallel:   cfg.Defaults.MaxParallel,
		RunTimeout:    cfg.Timeouts.Run,
		FallbackSquad: cfg.Defaults.FallbackSquad,
	})
	if err != nil {
		runStore.Close()
		return nil, nil, err
	}

	if _, err := eng.Recover(cfg.Store.StaleAfter); err != nil {
		fmt.Fprintf(os.Stderr, "%s recovering stale runs: %v\n", color.YellowString("warning:"), err)
	}
	stopSignals, err := eng.WatchSignals(filepath.Join(cwd, ".platoon", "signals"))
	if err != nil {
		stopSignals = func() {}
	}

	cleanup := func() {
		stopSignals()
		if stopWatch != nil {
			stopWatch()
		}
		runStore.Close()
	}
	return eng, cleanup, nil
}

// buildRequest merges flags over configured defaults.
func buildRequest(cfg *config.Config, task string) models.Request {
	mode := runModeFlag
	if mode == "" {
		mode = cfg.Defaults.Mode
	}
	if runWorkflowFlag != "" {
		mode = string(models.ModeWorkflow)
	}
	level := runQualityFlag
	if level == "" {
		level = cfg.Defaults.Quality
	}
	return models.Request{
		Task:          task,
		Workflow:      runWorkflowFlag,
		Mode:          models.ExecutionMode(mode),
		Quality:       models.QualityLevel(level),
		MaxIterations: runMaxIterations,
		Timeout:       runTimeout,
		MaxParallel:   runMaxParallel,
	}
}

// streamRun prints the event stream until the run ends.
func streamRun(eng *engine.Engine, runID string) error {
	events, unsub, err := eng.SubscribeEvents(runID)
	if err != nil {
		return err
	}
	defer unsub()

	for e := range events {
		ts := e.Timestamp.Format("15:04:05")
		switch {
		case e.Type == "error":
			fmt.Printf("%s %s %s\n", ts, color.RedString("%-22s", e.Type), e.Message)
		case e.Type == "complete":
			fmt.Printf("%s %s %s\n", ts, color.GreenString("%-22s", e.Type), e.Message)
		default:
			fmt.Printf("%s %-22s %s\n", ts, e.Type, e.Message)
		}
	}
	return nil
}

// printSummary prints the terminal result of a run.
func printSummary(runID string, result *models.RunResult) {
	fmt.Println()
	switch result.Status {
	case models.RunCompleted:
		fmt.Printf("%s run %s\n", color.GreenString("✓"), result.Status)
	case models.RunCompletedWithIssues:
		fmt.Printf("%s run %s: %s\n", color.YellowString("⚠"), result.Status, result.Error)
	default:
		fmt.Printf("%s run %s: %s\n", color.RedString("✗"), result.Status, result.Error)
	}

	if len(result.Artifacts) > 0 {
		squads := make([]string, 0, len(result.Artifacts))
		for s := range result.Artifacts {
			squads = append(squads, s)
		}
		sort.Strings(squads)
		fmt.Printf("  artifacts: %s\n", strings.Join(squads, ", "))
	}
	for _, check := range result.FailingChecks {
		fmt.Printf("  %s check %s: %s\n", color.RedString("✗"), check.CheckID, check.Detail)
	}
	fmt.Printf("  gate iterations: %d  tokens: %d  cost: $%.4f  duration: %s\n",
		result.QualityGateIterations,
		result.Usage.TotalTokens(),
		result.Usage.CostUSD,
		result.Usage.Duration.Round(time.Millisecond))
	fmt.Printf("  run id: %s\n", runID)
}

// isTerminal reports whether stdout looks like an interactive terminal.
func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
