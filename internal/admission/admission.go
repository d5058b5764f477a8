// Package admission performs the synchronous pre-dispatch checks: entity
// resolution, authorization, concurrency ceilings, and resource limit
// validation. Errors here surface to the caller; once a job passes
// admission, later failures become record-state transitions instead.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mertmtlu/teias-scheduler/internal/catalog"
	"github.com/mertmtlu/teias-scheduler/internal/config"
	"github.com/mertmtlu/teias-scheduler/internal/store"
	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

var (
	// ErrNotFound indicates a referenced user, program, or version is missing.
	ErrNotFound = errors.New("entity not found")
	// ErrPermissionDenied indicates the caller may not execute the program.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrLimitExceeded indicates a concurrency cap or resource ceiling was hit.
	ErrLimitExceeded = errors.New("limit exceeded")
	// ErrVersionNotExecutable indicates the version's execution flag is off.
	ErrVersionNotExecutable = errors.New("version is not eligible for execution")
)

// Decision carries the resolved entities and effective limits of an admitted
// submission.
type Decision struct {
	User    *catalog.User
	Program *catalog.Program
	Version *catalog.Version
	Limits  types.ResourceLimits
}

// Controller runs the admission checks.
type Controller struct {
	catalog catalog.Catalog
	store   store.Store
	cfg     *config.ExecutionConfig
	logger  *slog.Logger
}

// New creates an admission controller.
func New(cat catalog.Catalog, st store.Store, cfg *config.ExecutionConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{catalog: cat, store: st, cfg: cfg, logger: logger}
}

// Admit validates a submission. It returns the resolved entities and the
// effective resource limits, or the first check that failed.
func (c *Controller) Admit(ctx context.Context, sub types.ExecutionSubmission) (*Decision, error) {
	user, err := c.catalog.User(ctx, sub.UserID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, sub.UserID)
		}
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	program, err := c.catalog.Program(ctx, sub.ProgramID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("%w: program %s", ErrNotFound, sub.ProgramID)
		}
		return nil, fmt.Errorf("failed to resolve program: %w", err)
	}

	versionID := sub.VersionID
	if versionID == "" {
		versionID = program.CurrentVersion
	}
	version, err := c.catalog.Version(ctx, versionID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("%w: version %s", ErrNotFound, versionID)
		}
		return nil, fmt.Errorf("failed to resolve version: %w", err)
	}
	if version.ProgramID != program.ID {
		return nil, fmt.Errorf("%w: version %s does not belong to program %s", ErrNotFound, versionID, program.ID)
	}
	if !version.Executable {
		return nil, fmt.Errorf("%w: version %s", ErrVersionNotExecutable, versionID)
	}

	if program.Access(user) < catalog.AccessExecute {
		return nil, fmt.Errorf("%w: user %s on program %s", ErrPermissionDenied, user.ID, program.ID)
	}

	if err := c.checkConcurrency(ctx, user.ID, program.ID); err != nil {
		return nil, err
	}

	limits, err := c.effectiveLimits(sub.Limits)
	if err != nil {
		return nil, err
	}

	return &Decision{User: user, Program: program, Version: version, Limits: limits}, nil
}

func (c *Controller) checkConcurrency(ctx context.Context, userID types.UserID, programID types.ProgramID) error {
	running, err := c.store.ListByStatus(ctx, types.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to count running jobs: %w", err)
	}
	if len(running) >= c.cfg.MaxConcurrentExecutions {
		return fmt.Errorf("%w: %d executions already running (max %d)",
			ErrLimitExceeded, len(running), c.cfg.MaxConcurrentExecutions)
	}

	userCount, err := c.store.CountRunningByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to count running jobs for user: %w", err)
	}
	if userCount >= c.cfg.MaxConcurrentExecutionsPerUser {
		return fmt.Errorf("%w: user %s has %d running executions (max %d)",
			ErrLimitExceeded, userID, userCount, c.cfg.MaxConcurrentExecutionsPerUser)
	}

	programCount, err := c.store.CountRunningByProgram(ctx, programID)
	if err != nil {
		return fmt.Errorf("failed to count running jobs for program: %w", err)
	}
	if programCount >= c.cfg.MaxConcurrentExecutionsPerProgram {
		return fmt.Errorf("%w: program %s has %d running executions (max %d)",
			ErrLimitExceeded, programID, programCount, c.cfg.MaxConcurrentExecutionsPerProgram)
	}

	return nil
}

// effectiveLimits merges submitted limits over configured defaults and
// enforces the absolute ceilings.
func (c *Controller) effectiveLimits(submitted *types.ResourceLimits) (types.ResourceLimits, error) {
	limits := types.ResourceLimits{
		MaxCPUPercentage:        c.cfg.DefaultMaxCPUPercentage,
		MaxMemoryMB:             c.cfg.DefaultMaxMemoryMB,
		MaxDiskMB:               c.cfg.DefaultMaxDiskMB,
		MaxExecutionTimeMinutes: c.cfg.DefaultMaxExecutionTimeMinutes,
	}

	if submitted != nil {
		if submitted.MaxCPUPercentage > 0 {
			limits.MaxCPUPercentage = submitted.MaxCPUPercentage
		}
		if submitted.MaxMemoryMB > 0 {
			limits.MaxMemoryMB = submitted.MaxMemoryMB
		}
		if submitted.MaxDiskMB > 0 {
			limits.MaxDiskMB = submitted.MaxDiskMB
		}
		if submitted.MaxExecutionTimeMinutes > 0 {
			limits.MaxExecutionTimeMinutes = submitted.MaxExecutionTimeMinutes
		}
	}

	if limits.MaxMemoryMB > c.cfg.MaxAllowedMemoryMB {
		return limits, fmt.Errorf("%w: requested memory %d MB exceeds maximum %d MB",
			ErrLimitExceeded, limits.MaxMemoryMB, c.cfg.MaxAllowedMemoryMB)
	}
	if limits.MaxExecutionTimeMinutes > c.cfg.MaxAllowedExecutionTimeMinutes {
		return limits, fmt.Errorf("%w: requested execution time %d min exceeds maximum %d min",
			ErrLimitExceeded, limits.MaxExecutionTimeMinutes, c.cfg.MaxAllowedExecutionTimeMinutes)
	}

	return limits, nil
}
