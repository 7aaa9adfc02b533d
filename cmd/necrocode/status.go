package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"necrocode/internal/registry"
)

func newStatusCmd() *cobra.Command {
	var (
		specName   string
		showEvents int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task states for a spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, "cli")
			if err != nil {
				return err
			}

			if specName == "" {
				specs, err := reg.ListSpecs()
				if err != nil {
					return err
				}
				if len(specs) == 0 {
					fmt.Println(gray("no tasksets"))
					return nil
				}
				for _, spec := range specs {
					if err := printTaskset(reg, spec); err != nil {
						return err
					}
				}
				return nil
			}

			if err := printTaskset(reg, specName); err != nil {
				return err
			}
			if showEvents > 0 {
				return printRecentEvents(reg, specName, showEvents)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&specName, "spec", "", "spec name (all specs when omitted)")
	cmd.Flags().IntVar(&showEvents, "events", 0, "also print the last N events")
	return cmd
}

func printTaskset(reg *registry.Registry, spec string) error {
	ts, err := reg.GetTaskset(spec)
	if err != nil {
		return err
	}

	counts := map[registry.State]int{}
	for _, task := range ts.Tasks {
		counts[task.State]++
	}
	fmt.Printf("%s %s\n", bold(spec), gray(fmt.Sprintf("(v%d, %d tasks: %d done, %d running, %d ready, %d blocked, %d failed)",
		ts.Version, len(ts.Tasks),
		counts[registry.StateDone], counts[registry.StateRunning],
		counts[registry.StateReady], counts[registry.StateBlocked],
		counts[registry.StateFailed])))

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	for _, task := range ts.Tasks {
		deps := ""
		if len(task.Dependencies) > 0 {
			deps = "deps: " + strings.Join(task.Dependencies, ", ")
		}
		runner := ""
		if task.Assignment.RunnerID != "" {
			runner = task.Assignment.RunnerID
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			stateColor(task.State)(fmt.Sprintf("%-7s", task.State)),
			bold(task.ID), task.Title, gray(deps), gray(runner))
	}
	return w.Flush()
}

func printRecentEvents(reg *registry.Registry, spec string, n int) error {
	events, err := reg.ReadEvents(spec)
	if err != nil {
		return err
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	fmt.Println(bold("recent events:"))
	for _, e := range events {
		fmt.Printf("  %s %s %s\n",
			gray(e.Timestamp.Format("15:04:05")),
			cyan(string(e.Type)), e.TaskID)
	}
	return nil
}
