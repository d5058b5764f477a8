package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

func TestDefaultsApplied(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 4, cfg.Execution.RAMPool.TotalCapacityGB)
	assert.Equal(t, BehaviorQueue, cfg.Execution.TierSelection.RAMPoolFullBehavior)
	assert.Equal(t, "standard", cfg.Execution.DefaultJobProfile)
	assert.Equal(t, 2*time.Hour, cfg.Execution.StaleReservationMaxAge.Std())
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadParsesDurationsAndProfiles(t *testing.T) {
	path := writeConfig(t, `
execution:
  enable_tiered_execution: true
  ram_pool:
    total_capacity_gb: 8
    max_concurrent_jobs: 16
  tier_selection:
    fallback_to_disk: true
    ram_pool_full_behavior: Reject
  job_profiles:
    tiny:
      preferred_tier: RAM
      ram_capacity_cost_gb: 0.25
  default_job_profile: tiny
  stale_reservation_max_age: 90m
  sweeper_interval: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Execution.RAMPool.TotalCapacityGB)
	assert.Equal(t, BehaviorReject, cfg.Execution.TierSelection.RAMPoolFullBehavior)
	assert.Equal(t, 90*time.Minute, cfg.Execution.StaleReservationMaxAge.Std())
	assert.Equal(t, 30*time.Second, cfg.Execution.SweeperInterval.Std())

	profile, ok := cfg.Execution.JobProfiles["tiny"]
	require.True(t, ok)
	assert.Equal(t, "tiny", profile.Name, "profile name is filled from the map key")
	assert.Equal(t, types.TierRAM, profile.PreferredTier)
	assert.Equal(t, int64(256), profile.RAMCostMB())
}

func TestLoadRejectsBadBehavior(t *testing.T) {
	path := writeConfig(t, `
execution:
  tier_selection:
    ram_pool_full_behavior: Sometimes
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "ram_pool_full_behavior")
}

func TestLoadRejectsUnknownDefaultProfile(t *testing.T) {
	path := writeConfig(t, `
execution:
  default_job_profile: nope
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "default_job_profile")
}

func TestLoadRejectsPostgresWithoutDSN(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: postgres
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "dsn")
}

func TestValidateRejectsBadProfileTier(t *testing.T) {
	cfg := Default()
	cfg.Execution.JobProfiles["weird"] = types.JobProfile{Name: "weird", PreferredTier: "Tape"}
	assert.ErrorContains(t, cfg.Validate(), "preferred_tier")
}

func TestQueueTimeout(t *testing.T) {
	cfg := Default()
	cfg.Execution.TierSelection.QueueTimeoutMinutes = 7
	assert.Equal(t, 7*time.Minute, cfg.Execution.QueueTimeout())
}
