package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"necrocode/internal/config"
	"necrocode/internal/dispatch"
	"necrocode/internal/logging"
	"necrocode/internal/workspace"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher daemon",
		Long:  "Starts the supervisory loop: polls tasksets for READY tasks, assigns them to agent pools, launches runners, and handles retries. SIGINT/SIGTERM trigger graceful shutdown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDispatcher(cfg)
		},
	}
}

func runDispatcher(cfg config.Config) error {
	log := logging.NewComponentLogger("DISPATCH")

	reg, err := openRegistry(cfg, "dispatcher")
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	pools, err := openWorkspacePools(cfg)
	if err != nil {
		return err
	}
	alloc := dispatch.NewWorkspaceAllocator(pools)
	defer alloc.Close()

	launcher, err := buildLauncher(cfg, log)
	if err != nil {
		return err
	}

	d := dispatch.New(cfg, reg, launcher, alloc, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Println(yellow(fmt.Sprintf("received %s, shutting down...", sig)))
		d.Stop(context.Background())
	}()

	fmt.Println(bold("necrocode dispatcher started"))
	fmt.Printf("  registry:  %s\n", cfg.Registry.BasePath)
	fmt.Printf("  policy:    %s\n", cfg.Dispatcher.SchedulingPolicy)
	fmt.Printf("  pools:     %d (global cap %d)\n", len(cfg.AgentPools), cfg.Dispatcher.MaxGlobalConcurrency)

	if err := d.Run(context.Background()); err != nil {
		return fmt.Errorf("dispatcher loop: %w", err)
	}
	// joins an in-flight signal-driven Stop, or performs it
	d.Stop(context.Background())
	fmt.Println(green("shutdown complete"))
	return nil
}

// openWorkspacePools opens (or first creates) one worktree pool per
// configured agent pool under workspace.base_path. Creation needs a
// repo_url in the pool's type_config.
func openWorkspacePools(cfg config.Config) (map[string]*workspace.Pool, error) {
	opts := workspace.Options{
		NumSlots:              cfg.Workspace.NumSlotsPerPool,
		CleanupTimeout:        cfg.Workspace.CleanupTimeout,
		AllocationLockTimeout: cfg.Workspace.AllocationLockTimeout,
		CleanupWorkers:        cfg.Workspace.BackgroundCleanupWorkers,
		Logger:                logging.NewComponentLogger("WORKSPACE"),
		Owner:                 "dispatcher",
	}

	pools := make(map[string]*workspace.Pool, len(cfg.AgentPools))
	for _, ap := range cfg.AgentPools {
		dir := filepath.Join(cfg.Workspace.BasePath, ap.Name)
		if _, err := os.Stat(filepath.Join(dir, "pool.json")); err == nil {
			pool, err := workspace.Open(dir, opts)
			if err != nil {
				return nil, fmt.Errorf("open workspace pool %s: %w", ap.Name, err)
			}
			pools[ap.Name] = pool
			continue
		}

		repoURL := ap.TypeConfig["repo_url"]
		if repoURL == "" {
			return nil, fmt.Errorf("agent pool %q has no workspace pool at %s and no repo_url to create one", ap.Name, dir)
		}
		fmt.Printf("provisioning workspace pool %s from %s...\n", ap.Name, repoURL)
		pool, err := workspace.Create(context.Background(), ap.Name, repoURL, dir, opts)
		if err != nil {
			return nil, fmt.Errorf("create workspace pool %s: %w", ap.Name, err)
		}
		pools[ap.Name] = pool
	}
	return pools, nil
}

// buildLauncher wires all three modes; local runners re-invoke this
// binary as "necrocode runner". Container launchers share the registry
// with their runners so task loading and artifact reporting work inside
// the container.
func buildLauncher(cfg config.Config, log logging.Logger) (dispatch.Launcher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	args := []string{"runner"}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	registryPath, err := filepath.Abs(cfg.Registry.BasePath)
	if err != nil {
		return nil, fmt.Errorf("resolve registry path: %w", err)
	}
	local := dispatch.NewLocalProcessLauncher(exe, args, log)
	docker := dispatch.NewDockerLauncher(registryPath, log)
	kube := dispatch.NewKubernetesLauncher(os.Getenv("NECROCODE_K8S_NAMESPACE"), registryPath, log)
	return dispatch.NewModeLauncher(local, docker, kube), nil
}
