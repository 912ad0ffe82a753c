package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dmerrick/platoon/internal/config"
	"github.com/dmerrick/platoon/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List available workflow templates",
	Long: `List workflow templates: the built-ins plus any yaml templates in
the project workflow directory (.platoon/workflows by default).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		catalog := workflow.NewCatalog()
		dir := cfg.Workflows.Dir
		if !filepath.IsAbs(dir) {
			if cwd, err := os.Getwd(); err == nil {
				dir = filepath.Join(cwd, dir)
			}
		}
		if err := catalog.LoadDir(dir); err != nil {
			fmt.Fprintf(os.Stderr, "%s loading %s: %v\n", color.YellowString("warning:"), dir, err)
		}

		for _, name := range catalog.Names() {
			tmpl, ok := catalog.Get(name)
			if !ok {
				continue
			}
			fmt.Printf("%s", color.CyanString(name))
			if tmpl.Description != "" {
				fmt.Printf("  %s", tmpl.Description)
			}
			fmt.Println()
			for i, step := range tmpl.Steps {
				line := fmt.Sprintf("  %d. %s: %s", i+1, step.Name, strings.Join(step.Squads, ", "))
				if step.Condition != nil {
					line += "  (conditional)"
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}
