package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dmerrick/platoon/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show effective configuration",
	Long: `Show the effective configuration after merging defaults, the user
config (~/.config/platoon/config.yaml), the project config
(.platoon.yaml), and environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		fmt.Println(color.CyanString("anthropic"))
		fmt.Printf("  model:          %s\n", cfg.Anthropic.Model)
		fmt.Printf("  api_key:        %s\n", config.MaskAPIKey(cfg.Anthropic.APIKey))
		fmt.Printf("  use_bedrock:    %v\n", cfg.Anthropic.UseBedrock)
		if cfg.Anthropic.BedrockRegion != "" {
			fmt.Printf("  bedrock_region: %s\n", cfg.Anthropic.BedrockRegion)
		}

		fmt.Println(color.CyanString("defaults"))
		fmt.Printf("  mode:           %s\n", cfg.Defaults.Mode)
		fmt.Printf("  quality:        %s\n", cfg.Defaults.Quality)
		fmt.Printf("  max_parallel:   %d\n", cfg.Defaults.MaxParallel)
		fmt.Printf("  fallback_squad: %s\n", cfg.Defaults.FallbackSquad)

		fmt.Println(color.CyanString("timeouts"))
		fmt.Printf("  invocation:     %s\n", cfg.Timeouts.Invocation)
		fmt.Printf("  run:            %s\n", cfg.Timeouts.Run)

		fmt.Println(color.CyanString("retry"))
		fmt.Printf("  max_retries:    %d\n", cfg.Retry.MaxRetries)
		fmt.Printf("  backoff_base:   %s\n", cfg.Retry.BackoffBase)

		fmt.Println(color.CyanString("quality"))
		fmt.Printf("  checks:         %s\n", strings.Join(cfg.Quality.CheckList, ", "))
		fmt.Printf("  max_iterations: %d\n", cfg.Quality.MaxIterations)
		fmt.Printf("  auto_fix:       %v\n", cfg.Quality.AutoFix)
		fmt.Printf("  default_fixer:  %s\n", cfg.Quality.DefaultFixer)

		fmt.Println(color.CyanString("store"))
		path := cfg.Store.Path
		if path == "" {
			path = "(project default)"
		}
		fmt.Printf("  path:           %s\n", path)
		fmt.Printf("  ephemeral:      %v\n", cfg.Store.Ephemeral)
		fmt.Printf("  stale_after:    %s\n", cfg.Store.StaleAfter)

		fmt.Println()
		fmt.Printf("user config:    %s\n", config.GetUserConfigPath())
		if project := config.GetProjectConfigPath(); project != "" {
			fmt.Printf("project config: %s\n", project)
		}

		if _, err := config.GetAPIKey(cfg); err != nil && !cfg.Anthropic.UseBedrock {
			fmt.Fprintf(os.Stderr, "\n%s %v\n", color.YellowString("warning:"), err)
		}
		return nil
	},
}
