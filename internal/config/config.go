// Package config defines the typed configuration for the execution engine
// and loads it from file and environment via viper.
package config

import (
	"fmt"
	"strings"
	"time"
)

// PoolType identifies the execution environment a dispatcher-side agent
// pool launches runners into.
type PoolType string

const (
	PoolLocalProcess PoolType = "LOCAL_PROCESS"
	PoolDocker       PoolType = "DOCKER"
	PoolKubernetes   PoolType = "KUBERNETES"
)

// SchedulingPolicy selects how the dispatcher assigns tasks to pools.
type SchedulingPolicy string

const (
	PolicyFIFO       SchedulingPolicy = "FIFO"
	PolicyPriority   SchedulingPolicy = "PRIORITY"
	PolicySkillBased SchedulingPolicy = "SKILL_BASED"
	PolicyFairShare  SchedulingPolicy = "FAIR_SHARE"
)

// Dispatcher holds the supervisory loop configuration.
type Dispatcher struct {
	PollInterval              time.Duration    `mapstructure:"poll_interval"`
	SchedulingPolicy          SchedulingPolicy `mapstructure:"scheduling_policy"`
	MaxGlobalConcurrency      int              `mapstructure:"max_global_concurrency"`
	RetryMaxAttempts          int              `mapstructure:"retry_max_attempts"`
	RetryBackoffBase          float64          `mapstructure:"retry_backoff_base"`
	RetryInitialDelay         time.Duration    `mapstructure:"retry_initial_delay"`
	RetryMaxDelay             time.Duration    `mapstructure:"retry_max_delay"`
	HeartbeatTimeout          time.Duration    `mapstructure:"heartbeat_timeout"`
	GracefulShutdownTimeout   time.Duration    `mapstructure:"graceful_shutdown_timeout"`
	DeadlockDetectionInterval time.Duration    `mapstructure:"deadlock_detection_interval"`
	MonitorTickInterval       time.Duration    `mapstructure:"monitor_tick_interval"`
}

// AgentPool describes one dispatcher-side execution environment.
type AgentPool struct {
	Name           string            `mapstructure:"name"`
	Type           PoolType          `mapstructure:"type"`
	MaxConcurrency int               `mapstructure:"max_concurrency"`
	CPUQuota       float64           `mapstructure:"cpu_quota"`
	MemoryQuotaMB  int               `mapstructure:"memory_quota_mb"`
	Enabled        bool              `mapstructure:"enabled"`
	TypeConfig     map[string]string `mapstructure:"type_config"`
}

// Workspace configures the worktree pool allocator.
type Workspace struct {
	BasePath                 string        `mapstructure:"base_path"`
	NumSlotsPerPool          int           `mapstructure:"num_slots_per_pool"`
	CleanupTimeout           time.Duration `mapstructure:"cleanup_timeout"`
	AllocationLockTimeout    time.Duration `mapstructure:"allocation_lock_timeout"`
	BackgroundCleanupWorkers int           `mapstructure:"background_cleanup_workers"`
}

// Registry configures the task registry storage.
type Registry struct {
	BasePath          string        `mapstructure:"base_path"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	LockRetryInterval time.Duration `mapstructure:"lock_retry_interval"`
}

// Runner configures per-task execution limits.
type Runner struct {
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout"`
	MaxMemoryMB        int           `mapstructure:"max_memory_mb"`
	MaxCPUPercent      int           `mapstructure:"max_cpu_percent"`
	MaskSecrets        bool          `mapstructure:"mask_secrets"`
	PersistState       bool          `mapstructure:"persist_state"`
	TestCommand        string        `mapstructure:"test_command"`
	// CodegenCommand is the external code-generation command invoked per
	// task: request JSON on stdin, response JSON on stdout.
	CodegenCommand string        `mapstructure:"codegen_command"`
	CodegenTimeout time.Duration `mapstructure:"codegen_timeout"`
	ArtifactDir    string        `mapstructure:"artifact_dir"`
}

// Config is the root configuration document.
type Config struct {
	LogLevel   string              `mapstructure:"log_level"`
	Dispatcher Dispatcher          `mapstructure:"dispatcher"`
	AgentPools []AgentPool         `mapstructure:"agent_pools"`
	Skills     map[string][]string `mapstructure:"skills"`
	Workspace  Workspace           `mapstructure:"workspace"`
	Registry   Registry            `mapstructure:"registry"`
	Runner     Runner              `mapstructure:"runner"`
}

// Default returns the configuration defaults documented in the operator
// contract. Callers overlay file and environment values on top.
func Default() Config {
	return Config{
		LogLevel: "info",
		Dispatcher: Dispatcher{
			PollInterval:              5 * time.Second,
			SchedulingPolicy:          PolicySkillBased,
			MaxGlobalConcurrency:      8,
			RetryMaxAttempts:          3,
			RetryBackoffBase:          2,
			RetryInitialDelay:         1 * time.Second,
			RetryMaxDelay:             300 * time.Second,
			HeartbeatTimeout:          60 * time.Second,
			GracefulShutdownTimeout:   300 * time.Second,
			DeadlockDetectionInterval: 5 * time.Minute,
			MonitorTickInterval:       1 * time.Second,
		},
		AgentPools: []AgentPool{
			{
				Name:           "local",
				Type:           PoolLocalProcess,
				MaxConcurrency: 4,
				Enabled:        true,
			},
		},
		Skills: map[string][]string{
			"default": {"local"},
		},
		Workspace: Workspace{
			BasePath:                 "data/workspaces",
			NumSlotsPerPool:          4,
			CleanupTimeout:           2 * time.Minute,
			AllocationLockTimeout:    5 * time.Second,
			BackgroundCleanupWorkers: 2,
		},
		Registry: Registry{
			BasePath:          "data/registry",
			LockTimeout:       10 * time.Second,
			LockRetryInterval: 100 * time.Millisecond,
		},
		Runner: Runner{
			DefaultTaskTimeout: 30 * time.Minute,
			MaskSecrets:        true,
			PersistState:       false,
			TestCommand:        "go test ./...",
			CodegenTimeout:     10 * time.Minute,
			ArtifactDir:        "data/artifacts",
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Dispatcher.MaxGlobalConcurrency <= 0 {
		return fmt.Errorf("dispatcher.max_global_concurrency must be positive")
	}
	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("dispatcher.poll_interval must be positive")
	}
	if c.Dispatcher.RetryBackoffBase < 1 {
		return fmt.Errorf("dispatcher.retry_backoff_base must be >= 1")
	}

	switch c.Dispatcher.SchedulingPolicy {
	case PolicyFIFO, PolicyPriority, PolicySkillBased, PolicyFairShare:
	default:
		return fmt.Errorf("dispatcher.scheduling_policy %q is not one of FIFO, PRIORITY, SKILL_BASED, FAIR_SHARE", c.Dispatcher.SchedulingPolicy)
	}

	if len(c.AgentPools) == 0 {
		return fmt.Errorf("at least one agent pool is required")
	}
	names := make(map[string]struct{}, len(c.AgentPools))
	for _, pool := range c.AgentPools {
		if pool.Name == "" {
			return fmt.Errorf("agent pool name is required")
		}
		if _, dup := names[pool.Name]; dup {
			return fmt.Errorf("duplicate agent pool %q", pool.Name)
		}
		names[pool.Name] = struct{}{}
		switch pool.Type {
		case PoolLocalProcess, PoolDocker, PoolKubernetes:
		default:
			return fmt.Errorf("agent pool %q: unknown type %q", pool.Name, pool.Type)
		}
		if pool.MaxConcurrency <= 0 {
			return fmt.Errorf("agent pool %q: max_concurrency must be positive", pool.Name)
		}
	}

	if _, ok := c.Skills["default"]; !ok {
		return fmt.Errorf("skills mapping requires a %q entry", "default")
	}
	for skill, pools := range c.Skills {
		for _, pool := range pools {
			if _, ok := names[pool]; !ok {
				return fmt.Errorf("skill %q references unknown pool %q", skill, pool)
			}
		}
	}

	if c.Workspace.NumSlotsPerPool <= 0 {
		return fmt.Errorf("workspace.num_slots_per_pool must be positive")
	}
	if c.Workspace.BackgroundCleanupWorkers <= 0 {
		return fmt.Errorf("workspace.background_cleanup_workers must be positive")
	}
	if c.Registry.BasePath == "" {
		return fmt.Errorf("registry.base_path is required")
	}
	if c.Runner.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("runner.default_task_timeout must be positive")
	}

	return nil
}

// PoolsForSkill returns the configured pool candidates for a skill,
// falling back to the default mapping.
func (c *Config) PoolsForSkill(skill string) []string {
	if pools, ok := c.Skills[strings.ToLower(strings.TrimSpace(skill))]; ok && len(pools) > 0 {
		return pools
	}
	return c.Skills["default"]
}
