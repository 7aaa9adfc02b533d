package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"necrocode/internal/registry"
)

func newTasksetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskset",
		Short: "Manage tasksets",
	}
	cmd.AddCommand(newTasksetCreateCmd(), newTasksetSyncCmd(), newTasksetRenderCmd())
	return cmd
}

// definitionsDoc is the YAML shape accepted by `taskset create`.
type definitionsDoc struct {
	Tasks []registry.Definition `yaml:"tasks"`
}

func newTasksetCreateCmd() *cobra.Command {
	var (
		specName string
		defsPath string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a taskset from a YAML definitions file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(defsPath)
			if err != nil {
				return fmt.Errorf("read definitions: %w", err)
			}
			var doc definitionsDoc
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse definitions: %w", err)
			}
			reg, err := openRegistry(cfg, "cli")
			if err != nil {
				return err
			}
			ts, err := reg.CreateTaskset(cmd.Context(), specName, doc.Tasks)
			if err != nil {
				return err
			}

			fmt.Println(green(fmt.Sprintf("created taskset %s with %d task(s)", ts.SpecName, len(ts.Tasks))))
			for _, task := range ts.Tasks {
				fmt.Printf("  %s %s %s\n", stateColor(task.State)(string(task.State)), bold(task.ID), task.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&specName, "spec", "", "spec name (required)")
	cmd.Flags().StringVarP(&defsPath, "file", "f", "", "task definitions YAML (required)")
	_ = cmd.MarkFlagRequired("spec")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTasksetSyncCmd() *cobra.Command {
	var (
		specName string
		mdPath   string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync a taskset from a tasks.md checklist",
		Long:  "Applies a human-edited tasks.md to the taskset: new entries are added, existing ones updated in place, removed ones reported but kept. Sync is idempotent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			content, err := os.ReadFile(mdPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", mdPath, err)
			}

			reg, err := openRegistry(cfg, "cli")
			if err != nil {
				return err
			}
			report, err := reg.SyncFromMarkdown(cmd.Context(), specName, string(content))
			if err != nil {
				return err
			}

			if !report.Changed() {
				fmt.Println(gray("already in sync, nothing to do"))
				return nil
			}
			for _, id := range report.Added {
				fmt.Printf("  %s %s\n", green("added"), id)
			}
			for _, id := range report.Updated {
				fmt.Printf("  %s %s\n", yellow("updated"), id)
			}
			for _, id := range report.Removed {
				fmt.Printf("  %s %s %s\n", red("removed"), id, gray("(kept in registry; delete manually if intended)"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&specName, "spec", "", "spec name (required)")
	cmd.Flags().StringVarP(&mdPath, "file", "f", "tasks.md", "path to tasks.md")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func newTasksetRenderCmd() *cobra.Command {
	var specName string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the taskset as a tasks.md checklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, "cli")
			if err != nil {
				return err
			}
			ts, err := reg.GetTaskset(specName)
			if err != nil {
				return err
			}
			fmt.Print(registry.RenderMarkdown(ts))
			return nil
		},
	}
	cmd.Flags().StringVar(&specName, "spec", "", "spec name (required)")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}
