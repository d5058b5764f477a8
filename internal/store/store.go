// Package store persists job records and their status transitions.
//
// Two implementations exist: an in-memory store (optionally snapshotted to
// disk) and a Postgres store. Both enforce the same transition rule: a record
// that reached a terminal status is immutable until administrative cleanup
// deletes it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

var (
	// ErrNotFound indicates the job record does not exist.
	ErrNotFound = errors.New("job record not found")
	// ErrAlreadyTerminal indicates a write tried to mutate a terminal record.
	ErrAlreadyTerminal = errors.New("job record already terminal")
)

// Store is the job record persistence contract consumed by the scheduler.
// Every operation takes a context; finalization paths wrap the store in a
// Finalizer so their writes survive caller cancellation.
type Store interface {
	// Create persists a new record. An empty ID is assigned, CreatedAt is
	// stamped if zero.
	Create(ctx context.Context, rec *types.JobRecord) error

	// Get returns a copy of the record.
	Get(ctx context.Context, id types.JobID) (*types.JobRecord, error)

	// Update replaces every mutable field of the record.
	Update(ctx context.Context, rec *types.JobRecord) error

	// UpdateStatus transitions the record's status. Entering running stamps
	// StartedAt if unset. Transitions out of a terminal status return
	// ErrAlreadyTerminal.
	UpdateStatus(ctx context.Context, id types.JobID, status types.JobStatus) error

	// Complete writes the terminal outcome: status, result payload, and
	// CompletedAt in a single transition.
	Complete(ctx context.Context, id types.JobID, status types.JobStatus, result types.ExecutionResult) error

	// UpdateResourceUsage records consumption observed by the runner.
	UpdateResourceUsage(ctx context.Context, id types.JobID, usage types.ResourceUsage) error

	ListByProgram(ctx context.Context, id types.ProgramID) ([]*types.JobRecord, error)
	ListByVersion(ctx context.Context, id types.VersionID) ([]*types.JobRecord, error)
	ListByUser(ctx context.Context, id types.UserID) ([]*types.JobRecord, error)
	ListByStatus(ctx context.Context, status types.JobStatus) ([]*types.JobRecord, error)

	// ListRecent returns up to n records ordered newest first. An empty user
	// id returns records across all users.
	ListRecent(ctx context.Context, n int, user types.UserID) ([]*types.JobRecord, error)

	// CountRunningByUser and CountRunningByProgram back the admission caps.
	CountRunningByUser(ctx context.Context, id types.UserID) (int, error)
	CountRunningByProgram(ctx context.Context, id types.ProgramID) (int, error)

	// CleanupOlderThan deletes terminal records older than the retention
	// window and returns how many were removed.
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)

	Exists(ctx context.Context, id types.JobID) (bool, error)
}
