package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"necrocode/internal/dispatch"
)

func newMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print a Prometheus text snapshot of engine metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := dispatch.MetricsSnapshot()
			if err != nil {
				return err
			}
			fmt.Print(snapshot)
			return nil
		},
	}
}
