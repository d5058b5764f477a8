// ============================================================================
// Teias Scheduler Core Type Definitions
// ============================================================================
//
// Package: pkg/types
// Purpose: Core domain models for the tiered execution scheduler
//
// Core Types:
//   - JobRecord: durable execution record with full lifecycle tracking
//   - JobStatus: state enum (scheduled/queued/running/paused/completed/failed/stopped/cancelled)
//   - Tier: admission class (RAM weighted, Disk slot-counted, Standard bypass)
//   - JobProfile: named classification mapping a submission to a tier and RAM cost
//   - Reservation: in-memory proof that a job holds pool resources
//
// Usage:
//   - store: record persistence and status transitions
//   - pool: reservation accounting and wait queue entries
//   - scheduler: classification, dispatch, finalization
//
// ============================================================================

// Package types defines core domain models for the teias scheduler.
package types

import (
	"time"
)

// JobID uniquely identifies an execution job.
type JobID string

// ProgramID identifies a program in the external catalog.
type ProgramID string

// VersionID identifies a program version in the external catalog.
type VersionID string

// UserID identifies a submitting user.
type UserID string

// ExecutionKind classifies what a job executes.
type ExecutionKind string

// Execution kinds
const (
	KindProjectExecution   ExecutionKind = "project_execution"
	KindWebAppDeploy       ExecutionKind = "web_app_deploy"
	KindScheduledExecution ExecutionKind = "scheduled_execution"
)

// Tier is the admission class a job was placed into.
type Tier string

// Tiers
const (
	TierRAM      Tier = "RAM"      // weighted capacity gate, in-memory filesystems
	TierDisk     Tier = "Disk"     // slot gate, persistent volumes
	TierStandard Tier = "Standard" // non-tiered bypass, no reservation
)

// JobStatus represents the lifecycle state of a job record.
type JobStatus string

// Job status constants
const (
	StatusScheduled JobStatus = "scheduled" // stored, waiting for its trigger time
	StatusQueued    JobStatus = "queued"    // admitted but waiting for RAM capacity
	StatusRunning   JobStatus = "running"   // dispatched, runner active
	StatusPaused    JobStatus = "paused"    // administratively paused, reservation retained
	StatusCompleted JobStatus = "completed" // runner finished successfully
	StatusFailed    JobStatus = "failed"    // runner failed, queue timeout, or pool rejection
	StatusStopped   JobStatus = "stopped"   // administrative stop observed by the runner
	StatusCancelled JobStatus = "cancelled" // scheduled submission cancelled before trigger
)

// Terminal reports whether the status is final. Once terminal, only
// administrative deletion changes the record.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusCancelled:
		return true
	}
	return false
}

// ResourceLimits bounds an execution. Zero fields inherit configured defaults.
type ResourceLimits struct {
	MaxCPUPercentage        int   `json:"max_cpu_percentage"`
	MaxMemoryMB             int64 `json:"max_memory_mb"`
	MaxDiskMB               int64 `json:"max_disk_mb"`
	MaxExecutionTimeMinutes int   `json:"max_execution_time_minutes"`
}

// ResourceUsage is what an execution actually consumed.
type ResourceUsage struct {
	CPUSeconds      float64 `json:"cpu_seconds"`
	PeakMemoryBytes int64   `json:"peak_memory_bytes"`
	DiskBytesUsed   int64   `json:"disk_bytes_used"`
}

// ExecutionResult captures the outcome of a finished job.
type ExecutionResult struct {
	ExitCode    int      `json:"exit_code"`
	Stdout      string   `json:"stdout"`
	Stderr      string   `json:"stderr"`
	OutputFiles []string `json:"output_files,omitempty"` // ordered artifact paths
	WebAppURL   string   `json:"web_app_url,omitempty"`
	Error       string   `json:"error,omitempty"` // failure reason, empty on success
}

// JobRecord is the durable representation of an execution job.
type JobRecord struct {
	ID        JobID     `json:"id"`
	ProgramID ProgramID `json:"program_id"`
	VersionID VersionID `json:"version_id"`
	UserID    UserID    `json:"user_id"`

	Kind    ExecutionKind `json:"kind"`
	Profile string        `json:"profile"` // job profile name used for classification
	Tier    Tier          `json:"tier"`

	Status JobStatus `json:"status"`

	// Parameters are sanitized before persistence: no field may exceed the
	// store's document-size ceiling.
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Environment map[string]string      `json:"environment,omitempty"`
	Limits      ResourceLimits         `json:"limits"`
	SaveResults bool                   `json:"save_results"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"` // trigger time for scheduled jobs

	Result *ExecutionResult `json:"result,omitempty"`
	Usage  ResourceUsage    `json:"usage"`
}

// ExecutionSubmission is the payload accepted by the scheduler's submit surface.
type ExecutionSubmission struct {
	ProgramID    ProgramID              `json:"program_id"`
	VersionID    VersionID              `json:"version_id,omitempty"` // empty selects the program's current version
	UserID       UserID                 `json:"user_id"`
	Kind         ExecutionKind          `json:"kind,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Environment  map[string]string      `json:"environment,omitempty"`
	Limits       *ResourceLimits        `json:"limits,omitempty"`
	SaveResults  bool                   `json:"save_results"`
	JobProfile   string                 `json:"job_profile,omitempty"` // empty selects the configured default
	ScheduledFor *time.Time             `json:"scheduled_for,omitempty"`
}

// JobProfile maps a submission class to a preferred tier and RAM cost.
// The RAM cost is retained even for Disk-preferred profiles so that fallback
// accounting stays consistent.
type JobProfile struct {
	Name              string  `json:"name" yaml:"name"`
	PreferredTier     Tier    `json:"preferred_tier" yaml:"preferred_tier"`
	RAMCapacityCostGB float64 `json:"ram_capacity_cost_gb" yaml:"ram_capacity_cost_gb"`
}

// RAMCostMB converts the fractional-GB profile cost to integer megabytes, the
// unit the weighted gate accounts in.
func (p JobProfile) RAMCostMB() int64 {
	return int64(p.RAMCapacityCostGB * 1024)
}

// Reservation records that a job currently holds pool resources.
type Reservation struct {
	JobID      JobID     `json:"job_id"`
	Tier       Tier      `json:"tier"`
	RAMCostMB  int64     `json:"ram_cost_mb"`
	ReservedAt time.Time `json:"reserved_at"`
}

// PoolStats is a point-in-time snapshot of pool utilization.
type PoolStats struct {
	RAMCapacityMB    int64 `json:"ram_capacity_mb"`
	RAMAvailableMB   int64 `json:"ram_available_mb"`
	RAMReservations  int   `json:"ram_reservations"`
	DiskReservations int   `json:"disk_reservations"`
	MaxRAMJobs       int   `json:"max_ram_jobs"`
	MaxDiskJobs      int   `json:"max_disk_jobs"`
	QueueDepth       int   `json:"queue_depth"`
}
