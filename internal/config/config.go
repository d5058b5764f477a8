// Package config loads and validates the scheduler configuration.
//
// Configuration is a YAML document with nested sections for the execution
// pools, tier selection strategy, job profiles, concurrency ceilings, the
// record store, and the operational endpoints. Defaults are applied before
// validation so a minimal config file stays minimal.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5m" or "2h" parse.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string (or integer seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, perr := time.ParseDuration(raw)
	if perr != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, perr)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RAM pool full behaviors
const (
	BehaviorQueue  = "Queue"
	BehaviorReject = "Reject"
)

// Config is the complete scheduler configuration.
type Config struct {
	Execution ExecutionConfig `yaml:"execution"`

	Store struct {
		// Driver selects the record store backend: "memory" or "postgres".
		Driver string `yaml:"driver"`
		// DSN is the Postgres connection string (postgres driver only).
		DSN string `yaml:"dsn"`
		// SnapshotPath enables atomic JSON persistence for the memory driver.
		SnapshotPath string `yaml:"snapshot_path"`
	} `yaml:"store"`

	Artifacts struct {
		Dir string `yaml:"dir"`
	} `yaml:"artifacts"`

	Server struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// ExecutionConfig drives admission, placement, and reclamation.
type ExecutionConfig struct {
	EnableTieredExecution bool `yaml:"enable_tiered_execution"`

	RAMPool struct {
		TotalCapacityGB   int `yaml:"total_capacity_gb"`
		MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
	} `yaml:"ram_pool"`

	DiskPool struct {
		MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
	} `yaml:"disk_pool"`

	TierSelection struct {
		FallbackToDisk      bool   `yaml:"fallback_to_disk"`
		RAMPoolFullBehavior string `yaml:"ram_pool_full_behavior"` // Queue | Reject
		MaxQueueDepth       int    `yaml:"max_queue_depth"`
		QueueTimeoutMinutes int    `yaml:"queue_timeout_minutes"`
	} `yaml:"tier_selection"`

	JobProfiles       map[string]types.JobProfile `yaml:"job_profiles"`
	DefaultJobProfile string                      `yaml:"default_job_profile"`

	DefaultMaxCPUPercentage        int   `yaml:"default_max_cpu_percentage"`
	DefaultMaxMemoryMB             int64 `yaml:"default_max_memory_mb"`
	DefaultMaxDiskMB               int64 `yaml:"default_max_disk_mb"`
	DefaultMaxExecutionTimeMinutes int   `yaml:"default_max_execution_time_minutes"`
	DefaultMaxConcurrentExecutions int   `yaml:"default_max_concurrent_executions"`

	MaxConcurrentExecutions           int `yaml:"max_concurrent_executions"`
	MaxConcurrentExecutionsPerUser    int `yaml:"max_concurrent_executions_per_user"`
	MaxConcurrentExecutionsPerProgram int `yaml:"max_concurrent_executions_per_program"`

	MaxAllowedMemoryMB             int64 `yaml:"max_allowed_memory_mb"`
	MaxAllowedExecutionTimeMinutes int   `yaml:"max_allowed_execution_time_minutes"`

	StaleReservationMaxAge Duration `yaml:"stale_reservation_max_age"`
	SweeperInterval        Duration `yaml:"sweeper_interval"`

	// QueueCheckInterval paces the queue TTL/drain tick. Queue expiry cannot
	// ride only on releases: a pool that stays full never releases.
	QueueCheckInterval Duration `yaml:"queue_check_interval"`

	// ScheduledCheckInterval paces the trigger scan for scheduled jobs.
	// Zero disables the internal driver (an external one calls AdmitDueScheduled).
	ScheduledCheckInterval Duration `yaml:"scheduled_check_interval"`
}

// Default returns a configuration with conservative defaults applied.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults, and validates a YAML config file.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	e := &c.Execution

	if e.RAMPool.TotalCapacityGB <= 0 {
		e.RAMPool.TotalCapacityGB = 4
	}
	if e.RAMPool.MaxConcurrentJobs <= 0 {
		e.RAMPool.MaxConcurrentJobs = 8
	}
	if e.DiskPool.MaxConcurrentJobs <= 0 {
		e.DiskPool.MaxConcurrentJobs = 4
	}
	if e.TierSelection.RAMPoolFullBehavior == "" {
		e.TierSelection.RAMPoolFullBehavior = BehaviorQueue
	}
	if e.TierSelection.MaxQueueDepth <= 0 {
		e.TierSelection.MaxQueueDepth = 16
	}
	if e.TierSelection.QueueTimeoutMinutes <= 0 {
		e.TierSelection.QueueTimeoutMinutes = 10
	}
	if e.JobProfiles == nil {
		e.JobProfiles = map[string]types.JobProfile{
			"standard": {Name: "standard", PreferredTier: types.TierRAM, RAMCapacityCostGB: 0.5},
			"large":    {Name: "large", PreferredTier: types.TierDisk, RAMCapacityCostGB: 2},
		}
	}
	for name, p := range e.JobProfiles {
		if p.Name == "" {
			p.Name = name
			e.JobProfiles[name] = p
		}
	}
	if e.DefaultJobProfile == "" {
		e.DefaultJobProfile = "standard"
	}

	if e.DefaultMaxCPUPercentage <= 0 {
		e.DefaultMaxCPUPercentage = 100
	}
	if e.DefaultMaxMemoryMB <= 0 {
		e.DefaultMaxMemoryMB = 512
	}
	if e.DefaultMaxDiskMB <= 0 {
		e.DefaultMaxDiskMB = 1024
	}
	if e.DefaultMaxExecutionTimeMinutes <= 0 {
		e.DefaultMaxExecutionTimeMinutes = 30
	}
	if e.DefaultMaxConcurrentExecutions <= 0 {
		e.DefaultMaxConcurrentExecutions = 8
	}
	if e.MaxConcurrentExecutions <= 0 {
		e.MaxConcurrentExecutions = 32
	}
	if e.MaxConcurrentExecutionsPerUser <= 0 {
		e.MaxConcurrentExecutionsPerUser = 4
	}
	if e.MaxConcurrentExecutionsPerProgram <= 0 {
		e.MaxConcurrentExecutionsPerProgram = 8
	}
	if e.MaxAllowedMemoryMB <= 0 {
		e.MaxAllowedMemoryMB = 8192
	}
	if e.MaxAllowedExecutionTimeMinutes <= 0 {
		e.MaxAllowedExecutionTimeMinutes = 240
	}
	if e.StaleReservationMaxAge <= 0 {
		e.StaleReservationMaxAge = Duration(2 * time.Hour)
	}
	if e.SweeperInterval <= 0 {
		e.SweeperInterval = Duration(5 * time.Minute)
	}
	if e.QueueCheckInterval <= 0 {
		e.QueueCheckInterval = Duration(15 * time.Second)
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "data/artifacts"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Metrics.Port <= 0 {
		c.Metrics.Port = 9090
	}
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	e := &c.Execution

	switch e.TierSelection.RAMPoolFullBehavior {
	case BehaviorQueue, BehaviorReject:
	default:
		return fmt.Errorf("invalid ram_pool_full_behavior %q (want %q or %q)",
			e.TierSelection.RAMPoolFullBehavior, BehaviorQueue, BehaviorReject)
	}

	if _, ok := e.JobProfiles[e.DefaultJobProfile]; !ok {
		return fmt.Errorf("default_job_profile %q is not defined in job_profiles", e.DefaultJobProfile)
	}

	for name, p := range e.JobProfiles {
		switch p.PreferredTier {
		case types.TierRAM, types.TierDisk:
		default:
			return fmt.Errorf("job profile %q has invalid preferred_tier %q", name, p.PreferredTier)
		}
		if p.RAMCapacityCostGB < 0 {
			return fmt.Errorf("job profile %q has negative ram_capacity_cost_gb", name)
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	return nil
}

// LogStartup surfaces misconfigurations that would otherwise manifest only
// under load: profiles that can never fit in RAM, the theoretical small-job
// concurrency, and the active queueing mode.
func (e *ExecutionConfig) LogStartup(logger *slog.Logger) {
	if !e.EnableTieredExecution {
		logger.Info("Tiered execution disabled, all jobs run in Standard tier")
		return
	}

	capacityMB := int64(e.RAMPool.TotalCapacityGB) * 1024
	minCostMB := int64(0)

	for name, p := range e.JobProfiles {
		costMB := p.RAMCostMB()
		if costMB > capacityMB {
			logger.Warn("Job profile can never fit in RAM pool",
				"profile", name,
				"cost_mb", costMB,
				"capacity_mb", capacityMB)
		}
		if p.PreferredTier == types.TierRAM && costMB > 0 && (minCostMB == 0 || costMB < minCostMB) {
			minCostMB = costMB
		}
	}

	if minCostMB > 0 {
		maxSmall := capacityMB / minCostMB
		if maxSmall > int64(e.RAMPool.MaxConcurrentJobs) {
			maxSmall = int64(e.RAMPool.MaxConcurrentJobs)
		}
		logger.Info("RAM pool sizing",
			"capacity_mb", capacityMB,
			"min_profile_cost_mb", minCostMB,
			"theoretical_max_small_jobs", maxSmall)
	}

	logger.Info("Tier selection strategy",
		"fallback_to_disk", e.TierSelection.FallbackToDisk,
		"ram_pool_full_behavior", e.TierSelection.RAMPoolFullBehavior,
		"max_queue_depth", e.TierSelection.MaxQueueDepth,
		"queue_timeout_minutes", e.TierSelection.QueueTimeoutMinutes)
}

// QueueTimeout returns the queue TTL as a duration.
func (e *ExecutionConfig) QueueTimeout() time.Duration {
	return time.Duration(e.TierSelection.QueueTimeoutMinutes) * time.Minute
}
