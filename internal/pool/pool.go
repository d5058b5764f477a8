// ============================================================================
// Resource Pool State - Admission Gates and Reservation Registry
// ============================================================================
//
// Package: internal/pool
// Purpose: Tracks who currently holds execution resources
//
// Design:
//   A single mutex guards four pieces of state:
//   1. RAM gate  - weighted capacity counter (integer MB) + concurrency cap
//   2. Disk gate - slot counter
//   3. Registry  - job id -> live reservation
//   4. Queue     - bounded FIFO of jobs waiting for RAM capacity
//
//   Sharing one mutex removes the TOCTOU window between the availability
//   check and the reservation record. Critical sections are in-memory map
//   and queue operations (the sweep and snapshot calls scan every
//   reservation); no I/O happens under the lock.
//
//   Gates are non-blocking: acquisition is attempted once and either succeeds
//   or reports false. Waiting is modeled by the queue, never by the lock.
//
// Invariants:
//   - sum of RAM reservation costs <= capacity, always
//   - count(RAM reservations) <= MaxRAMJobs, count(Disk) <= MaxDiskJobs
//   - Release is idempotent; double releases log a warning and do nothing
//   - queue order is strict FIFO by enqueue time
//
// ============================================================================

package pool

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

var (
	// ErrQueueFull indicates the wait queue reached MaxQueueDepth.
	ErrQueueFull = errors.New("wait queue is full")
	// ErrAlreadyReserved indicates the job already holds a reservation.
	ErrAlreadyReserved = errors.New("job already holds a reservation")
)

// Config sizes the gates and the wait queue.
type Config struct {
	RAMCapacityMB int64
	MaxRAMJobs    int
	MaxDiskJobs   int
	MaxQueueDepth int
}

// State is the shared admission state. Safe for concurrent use.
type State struct {
	mu sync.Mutex

	cfg            Config
	ramAvailableMB int64
	ramCount       int
	diskCount      int
	reservations   map[types.JobID]*types.Reservation
	queue          []*Entry

	logger *slog.Logger
}

// New creates pool state with full availability.
func New(cfg Config, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		cfg:            cfg,
		ramAvailableMB: cfg.RAMCapacityMB,
		reservations:   make(map[types.JobID]*types.Reservation),
		logger:         logger,
	}
}

// AcquireRAM attempts a weighted RAM reservation. It succeeds only when the
// remaining capacity covers costMB and the RAM concurrency cap has room.
func (s *State) AcquireRAM(jobID types.JobID, costMB int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquireRAMLocked(jobID, costMB)
}

func (s *State) acquireRAMLocked(jobID types.JobID, costMB int64) bool {
	if _, exists := s.reservations[jobID]; exists {
		s.logger.Warn("Duplicate RAM acquisition refused", "job_id", jobID)
		return false
	}
	if s.ramAvailableMB < costMB || s.ramCount >= s.cfg.MaxRAMJobs {
		return false
	}

	s.ramAvailableMB -= costMB
	s.ramCount++
	s.reservations[jobID] = &types.Reservation{
		JobID:      jobID,
		Tier:       types.TierRAM,
		RAMCostMB:  costMB,
		ReservedAt: time.Now(),
	}
	return true
}

// AcquireDisk attempts a Disk slot reservation. ramCostMB is retained on the
// reservation for diagnostics when a RAM-preferred job falls back; it is not
// charged against the RAM gate.
func (s *State) AcquireDisk(jobID types.JobID, ramCostMB int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquireDiskLocked(jobID, ramCostMB)
}

func (s *State) acquireDiskLocked(jobID types.JobID, ramCostMB int64) bool {
	if _, exists := s.reservations[jobID]; exists {
		s.logger.Warn("Duplicate Disk acquisition refused", "job_id", jobID)
		return false
	}
	if s.diskCount >= s.cfg.MaxDiskJobs {
		return false
	}

	s.diskCount++
	s.reservations[jobID] = &types.Reservation{
		JobID:      jobID,
		Tier:       types.TierDisk,
		RAMCostMB:  ramCostMB,
		ReservedAt: time.Now(),
	}
	return true
}

// Release returns a job's resources to its gate. Releases are idempotent:
// finalization paths may double-release after sweeper action, so a missing
// entry only logs a warning.
func (s *State) Release(jobID types.JobID) (types.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(jobID)
}

func (s *State) releaseLocked(jobID types.JobID) (types.Reservation, bool) {
	res, ok := s.reservations[jobID]
	if !ok {
		s.logger.Warn("Release for unknown reservation ignored", "job_id", jobID)
		return types.Reservation{}, false
	}

	delete(s.reservations, jobID)
	switch res.Tier {
	case types.TierRAM:
		s.ramAvailableMB += res.RAMCostMB
		s.ramCount--
	case types.TierDisk:
		s.diskCount--
	}
	return *res, true
}

// Adopt installs an externally built reservation, charging its gate. Used to
// reconcile state (and to stage entries in tests); refuses duplicates and
// over-capacity adoptions.
func (s *State) Adopt(res types.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reservations[res.JobID]; exists {
		return ErrAlreadyReserved
	}

	switch res.Tier {
	case types.TierRAM:
		if s.ramAvailableMB < res.RAMCostMB || s.ramCount >= s.cfg.MaxRAMJobs {
			return errors.New("ram gate cannot admit adopted reservation")
		}
		s.ramAvailableMB -= res.RAMCostMB
		s.ramCount++
	case types.TierDisk:
		if s.diskCount >= s.cfg.MaxDiskJobs {
			return errors.New("disk gate cannot admit adopted reservation")
		}
		s.diskCount++
	default:
		return errors.New("adopted reservation has no gate")
	}

	copied := res
	s.reservations[res.JobID] = &copied
	return nil
}

// Reservation returns a copy of a job's live reservation, if any.
func (s *State) Reservation(jobID types.JobID) (types.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[jobID]
	if !ok {
		return types.Reservation{}, false
	}
	return *res, true
}

// Reservations returns a snapshot of all live reservations.
func (s *State) Reservations() []types.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Reservation, 0, len(s.reservations))
	for _, res := range s.reservations {
		out = append(out, *res)
	}
	return out
}

// SweepStale releases every reservation older than maxAge and returns what
// was reclaimed. Job records are untouched: the sweeper only recovers pool
// resources a crashed dispatcher would otherwise leak.
func (s *State) SweepStale(now time.Time, maxAge time.Duration) []types.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []types.Reservation
	for jobID, res := range s.reservations {
		if now.Sub(res.ReservedAt) > maxAge {
			released, ok := s.releaseLocked(jobID)
			if ok {
				reclaimed = append(reclaimed, released)
			}
		}
	}
	return reclaimed
}

// Stats reports current utilization.
func (s *State) Stats() types.PoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return types.PoolStats{
		RAMCapacityMB:    s.cfg.RAMCapacityMB,
		RAMAvailableMB:   s.ramAvailableMB,
		RAMReservations:  s.ramCount,
		DiskReservations: s.diskCount,
		MaxRAMJobs:       s.cfg.MaxRAMJobs,
		MaxDiskJobs:      s.cfg.MaxDiskJobs,
		QueueDepth:       len(s.queue),
	}
}
