package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"necrocode/internal/config"
	"necrocode/internal/logging"
	"necrocode/internal/registry"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "necrocode",
		Short:         "Multi-agent task execution engine",
		Long:          "necrocode drives tasksets from READY to DONE: it schedules tasks onto agent pools, runs code-generating runners in isolated git worktrees, and records every transition in an append-only event journal.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (YAML or JSON)")

	root.AddCommand(
		newRunCmd(),
		newRunnerCmd(),
		newTasksetCmd(),
		newStatusCmd(),
		newMetricsCmd(),
	)
	return root
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, err
	}
	logging.Root().SetLevel(logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func openRegistry(cfg config.Config, owner string) (*registry.Registry, error) {
	return registry.Open(cfg.Registry.BasePath, registry.Options{
		LockTimeout:       cfg.Registry.LockTimeout,
		LockRetryInterval: cfg.Registry.LockRetryInterval,
		Logger:            logging.NewComponentLogger("REGISTRY"),
		Owner:             owner,
	})
}

func stateColor(state registry.State) func(...interface{}) string {
	switch state {
	case registry.StateDone:
		return green
	case registry.StateRunning:
		return yellow
	case registry.StateFailed:
		return red
	case registry.StateReady:
		return cyan
	default:
		return gray
	}
}
