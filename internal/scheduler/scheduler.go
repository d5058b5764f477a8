// ============================================================================
// Tiered Execution Scheduler - Core Coordinator
// ============================================================================
//
// Package: internal/scheduler
// Purpose: Admits, classifies, places, and finalizes execution jobs
//
// Architecture:
//   The scheduler coordinates:
//   - admission.Controller: synchronous pre-dispatch checks
//   - sanitize:             parameter normalization before persistence
//   - store.Store:          durable job records (writes retried on finalization)
//   - pool.State:           RAM/Disk gates, reservations, wait queue
//   - runner.Runner:        the external language sandbox
//   - events.Publisher:     best-effort live notifications
//
// Background loops (explicit periods, teacher-style stopCh + WaitGroup):
//   1. Sweeper     - reclaims reservations older than the stale threshold
//   2. Queue tick  - expires TTL'd queue entries and retries a drain
//   3. Cron driver - admits scheduled jobs whose trigger time arrived
//
// Cancellation scopes per job:
//   - admin scope:        cancelled by administrative stop; the runner sees it
//   - finalization scope: derived with context.WithoutCancel; nobody but
//     process exit can cancel terminal record writes
//   The submitter's context only tags log lines. A client hanging up never
//   leaves a job in running.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mertmtlu/teias-scheduler/internal/admission"
	"github.com/mertmtlu/teias-scheduler/internal/artifacts"
	"github.com/mertmtlu/teias-scheduler/internal/catalog"
	"github.com/mertmtlu/teias-scheduler/internal/config"
	"github.com/mertmtlu/teias-scheduler/internal/events"
	"github.com/mertmtlu/teias-scheduler/internal/metrics"
	"github.com/mertmtlu/teias-scheduler/internal/pool"
	"github.com/mertmtlu/teias-scheduler/internal/runner"
	"github.com/mertmtlu/teias-scheduler/internal/store"
	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

var (
	// ErrSchedulerStopped indicates a submission after Stop.
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	// ErrNotScheduled indicates a scheduled-job operation on a non-scheduled record.
	ErrNotScheduled = errors.New("job is not in scheduled status")
	// ErrInvalidSubmission indicates a structurally invalid submission.
	ErrInvalidSubmission = errors.New("invalid submission")
)

// Deps are the capability objects the scheduler consumes. Store, Catalog,
// and Runner are required; the rest are optional.
type Deps struct {
	Store     store.Store
	Catalog   catalog.Catalog
	Artifacts artifacts.Store
	Runner    runner.Runner
	Events    events.Publisher
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Scheduler is the tiered execution scheduler.
type Scheduler struct {
	cfg       config.ExecutionConfig
	deps      Deps
	admission *admission.Controller
	pools     *pool.State
	finalizer *store.Finalizer
	logger    *slog.Logger

	mu      sync.Mutex
	live    map[types.JobID]context.CancelFunc // admin scopes of active jobs
	stopped bool

	stopCh chan struct{}
	loopWg sync.WaitGroup
	jobWg  sync.WaitGroup
	cron   *cron.Cron
}

// New validates the configuration against the pool sizing and builds a
// scheduler. Misconfigurations that make every placement impossible are
// errors; merely suspicious profiles are warnings.
func New(cfg config.ExecutionConfig, deps Deps) (*Scheduler, error) {
	if deps.Store == nil || deps.Catalog == nil || deps.Runner == nil {
		return nil, errors.New("scheduler requires store, catalog, and runner dependencies")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	capacityMB := int64(cfg.RAMPool.TotalCapacityGB) * 1024

	if cfg.EnableTieredExecution {
		minCost := int64(-1)
		for _, p := range cfg.JobProfiles {
			if p.PreferredTier != types.TierRAM {
				continue
			}
			cost := p.RAMCostMB()
			if minCost < 0 || cost < minCost {
				minCost = cost
			}
		}
		if minCost > capacityMB {
			return nil, fmt.Errorf("RAM pool capacity %d MB is below the smallest RAM profile cost %d MB",
				capacityMB, minCost)
		}
	}

	cfg.LogStartup(deps.Logger)

	s := &Scheduler{
		cfg:  cfg,
		deps: deps,
		pools: pool.New(pool.Config{
			RAMCapacityMB: capacityMB,
			MaxRAMJobs:    cfg.RAMPool.MaxConcurrentJobs,
			MaxDiskJobs:   cfg.DiskPool.MaxConcurrentJobs,
			MaxQueueDepth: cfg.TierSelection.MaxQueueDepth,
		}, deps.Logger),
		finalizer: store.NewFinalizer(deps.Store, deps.Logger),
		logger:    deps.Logger,
		live:      make(map[types.JobID]context.CancelFunc),
		stopCh:    make(chan struct{}),
	}
	s.admission = admission.New(deps.Catalog, deps.Store, &s.cfg, deps.Logger)

	return s, nil
}

// Start launches the background loops.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	s.mu.Unlock()

	s.loopWg.Add(2)
	go s.sweeperLoop()
	go s.queueLoop()

	if s.cfg.ScheduledCheckInterval > 0 {
		s.cron = cron.New()
		_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.ScheduledCheckInterval.Std()), func() {
			if _, err := s.AdmitDueScheduled(context.Background()); err != nil {
				s.logger.Error("Scheduled admission pass failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to register scheduled-job driver: %w", err)
		}
		s.cron.Start()
	}

	s.logger.Info("Scheduler started",
		"tiered", s.cfg.EnableTieredExecution,
		"sweeper_interval", s.cfg.SweeperInterval.Std(),
		"queue_check_interval", s.cfg.QueueCheckInterval.Std())
	return nil
}

// Stop shuts the scheduler down: no new submissions, every active job's admin
// scope is cancelled so runners return, then loops and finalizations drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancels := make([]context.CancelFunc, 0, len(s.live))
	for _, cancel := range s.live {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler", "active_jobs", len(cancels))

	// 1. Stop the periodic drivers first so nothing new is admitted.
	close(s.stopCh)
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	// 2. Cancel admin scopes; runners observe and return, finalization
	//    writes terminal statuses on its own scope.
	for _, cancel := range cancels {
		cancel()
	}

	// 3. Wait for every job goroutine and loop to exit.
	s.jobWg.Wait()
	s.loopWg.Wait()

	// 4. Jobs still parked in the queue never reached a runner; finalize
	//    them so no record is left non-terminal.
	for _, e := range s.pools.FlushQueue() {
		s.finalize(context.Background(), e.Record, types.StatusStopped, types.ExecutionResult{
			ExitCode: -1,
			Error:    "scheduler shutting down",
		}, 0)
	}

	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// PoolStats reports current pool utilization.
func (s *Scheduler) PoolStats() types.PoolStats {
	return s.pools.Stats()
}

// Reservations lists the live reservations.
func (s *Scheduler) Reservations() []types.Reservation {
	return s.pools.Reservations()
}

// ----------------------------------------------------------------------------
// Administrative control
// ----------------------------------------------------------------------------

// StopExecution stops an active job. Running jobs have their admin scope
// cancelled and terminate as stopped through the normal finalization path;
// queued and orphaned jobs are finalized directly.
func (s *Scheduler) StopExecution(ctx context.Context, id types.JobID) error {
	rec, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return store.ErrAlreadyTerminal
	}

	if err := s.deps.Runner.Cancel(ctx, id); err != nil {
		s.logger.Warn("Runner cancel failed", "job_id", id, "error", err)
	}

	// Queued jobs are parked, not running: pull the entry out of the queue
	// and finalize directly. A running job's admin scope is cancelled instead
	// so the runner observes it and the normal finalization writes stopped.
	if rec.Status == types.StatusQueued {
		if entry := s.pools.RemoveQueued(id); entry != nil {
			entry.Cancel()
			s.finalize(ctx, entry.Record, types.StatusStopped, types.ExecutionResult{
				ExitCode: -1,
				Error:    "stopped while waiting for capacity",
			}, 0)
			return nil
		}
	}

	s.mu.Lock()
	cancel, active := s.live[id]
	s.mu.Unlock()

	if active {
		cancel()
		return nil
	}

	// No live dispatcher owns this record (for example after a crash):
	// finalize it directly and reclaim whatever it still holds.
	s.finalize(ctx, rec, types.StatusStopped, types.ExecutionResult{
		ExitCode: -1,
		Error:    "stopped administratively",
	}, 0)
	return nil
}

// PauseExecution marks a running job paused. The reservation is retained so
// resume is O(1); pools are not consulted.
func (s *Scheduler) PauseExecution(ctx context.Context, id types.JobID) error {
	rec, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != types.StatusRunning {
		return fmt.Errorf("%w: cannot pause job in status %s", ErrInvalidSubmission, rec.Status)
	}

	if err := s.deps.Store.UpdateStatus(ctx, id, types.StatusPaused); err != nil {
		return err
	}
	s.publish(events.Event{Type: events.StatusChanged, JobID: id, UserID: rec.UserID, Status: types.StatusPaused})
	return nil
}

// ResumeExecution returns a paused job to running.
func (s *Scheduler) ResumeExecution(ctx context.Context, id types.JobID) error {
	rec, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != types.StatusPaused {
		return fmt.Errorf("%w: cannot resume job in status %s", ErrInvalidSubmission, rec.Status)
	}

	if err := s.deps.Store.UpdateStatus(ctx, id, types.StatusRunning); err != nil {
		return err
	}
	s.publish(events.Event{Type: events.StatusChanged, JobID: id, UserID: rec.UserID, Status: types.StatusRunning})
	return nil
}

// CancelScheduled cancels a scheduled submission before its trigger time.
func (s *Scheduler) CancelScheduled(ctx context.Context, id types.JobID) error {
	rec, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != types.StatusScheduled {
		return ErrNotScheduled
	}

	if err := s.deps.Store.UpdateStatus(ctx, id, types.StatusCancelled); err != nil {
		return err
	}
	s.publish(events.Event{Type: events.ExecutionCompleted, JobID: id, UserID: rec.UserID, Status: types.StatusCancelled})
	return nil
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

// GetStatus returns a job's current status.
func (s *Scheduler) GetStatus(ctx context.Context, id types.JobID) (types.JobStatus, error) {
	rec, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// GetResult returns the full record including the result payload.
func (s *Scheduler) GetResult(ctx context.Context, id types.JobID) (*types.JobRecord, error) {
	return s.deps.Store.Get(ctx, id)
}

// GetLogs returns the last n lines of the job's captured output.
func (s *Scheduler) GetLogs(ctx context.Context, id types.JobID, n int) ([]string, error) {
	rec, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Result == nil {
		return nil, nil
	}

	combined := rec.Result.Stdout
	if rec.Result.Stderr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += rec.Result.Stderr
	}

	lines := strings.Split(strings.TrimRight(combined, "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// GetRecentExecutions returns up to n recent records. Admin viewers see every
// user's jobs; everyone else only their own.
func (s *Scheduler) GetRecentExecutions(ctx context.Context, n int, viewer types.UserID) ([]*types.JobRecord, error) {
	user, err := s.deps.Catalog.User(ctx, viewer)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", admission.ErrNotFound, viewer)
		}
		return nil, err
	}

	if user.IsAdmin {
		return s.deps.Store.ListRecent(ctx, n, "")
	}
	return s.deps.Store.ListRecent(ctx, n, viewer)
}

// ----------------------------------------------------------------------------
// Maintenance
// ----------------------------------------------------------------------------

// CleanupOld deletes terminal records older than the retention window.
func (s *Scheduler) CleanupOld(ctx context.Context, daysToKeep int) (int, error) {
	removed, err := s.deps.Store.CleanupOlderThan(ctx, time.Duration(daysToKeep)*24*time.Hour)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Cleaned up old job records", "removed", removed, "days_kept", daysToKeep)
	return removed, nil
}

// CleanStaleReservations releases reservations older than maxAge and drains
// the queue for each reclaimed slot. Job records are not modified.
func (s *Scheduler) CleanStaleReservations(maxAge time.Duration) int {
	reclaimed := s.pools.SweepStale(time.Now(), maxAge)
	for _, res := range reclaimed {
		s.logger.Warn("Reclaimed stale reservation",
			"job_id", res.JobID, "tier", res.Tier, "age", time.Since(res.ReservedAt))
		s.drainQueue()
	}

	if s.deps.Metrics != nil && len(reclaimed) > 0 {
		s.deps.Metrics.RecordSwept(len(reclaimed))
	}
	s.updatePoolGauges()
	return len(reclaimed)
}
