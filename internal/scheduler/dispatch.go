package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mertmtlu/teias-scheduler/internal/config"
	"github.com/mertmtlu/teias-scheduler/internal/events"
	"github.com/mertmtlu/teias-scheduler/internal/pool"
	"github.com/mertmtlu/teias-scheduler/internal/runner"
	"github.com/mertmtlu/teias-scheduler/internal/sanitize"
	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// ExecuteProgram submits a job against the program's current version. The
// returned record is already persisted; execution continues in the
// background regardless of what happens to ctx.
func (s *Scheduler) ExecuteProgram(ctx context.Context, sub types.ExecutionSubmission) (*types.JobRecord, error) {
	if sub.ProgramID == "" || sub.UserID == "" {
		return nil, fmt.Errorf("%w: program id and user id are required", ErrInvalidSubmission)
	}
	sub.VersionID = ""
	return s.submit(ctx, sub)
}

// ExecuteVersion submits a job against an explicit version.
func (s *Scheduler) ExecuteVersion(ctx context.Context, sub types.ExecutionSubmission) (*types.JobRecord, error) {
	if sub.ProgramID == "" || sub.UserID == "" || sub.VersionID == "" {
		return nil, fmt.Errorf("%w: program id, version id, and user id are required", ErrInvalidSubmission)
	}
	return s.submit(ctx, sub)
}

func (s *Scheduler) submit(ctx context.Context, sub types.ExecutionSubmission) (*types.JobRecord, error) {
	if s.isStopped() {
		return nil, ErrSchedulerStopped
	}

	decision, err := s.admission.Admit(ctx, sub)
	if err != nil {
		return nil, err
	}

	kind := sub.Kind
	if kind == "" {
		kind = types.KindProjectExecution
	}
	profile := s.resolveProfile(sub.JobProfile)

	rec := &types.JobRecord{
		ProgramID:   sub.ProgramID,
		VersionID:   decision.Version.ID,
		UserID:      sub.UserID,
		Kind:        kind,
		Profile:     profile.Name,
		Status:      types.StatusRunning,
		Parameters:  sanitize.Parameters(sub.Parameters),
		Environment: sub.Environment,
		Limits:      decision.Limits,
		SaveResults: sub.SaveResults,
	}
	if err := s.deps.Store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSubmitted()
	}

	// The job's admin scope is rooted in the background, never in the
	// submitter's context: a disconnecting client must not stop the run.
	jobCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		s.finalizer.Complete(ctx, rec.ID, types.StatusStopped, types.ExecutionResult{
			ExitCode: -1,
			Error:    "scheduler shutting down",
		})
		return nil, ErrSchedulerStopped
	}
	s.live[rec.ID] = cancel
	s.jobWg.Add(1) // under the lock so Stop cannot start waiting in between
	s.mu.Unlock()

	s.watchSubmitter(ctx, jobCtx, rec.ID)

	go func() {
		defer s.jobWg.Done()
		s.dispatch(jobCtx, rec, sub, profile)
	}()

	return rec, nil
}

// watchSubmitter tags the log when a submitter goes away mid-run.
func (s *Scheduler) watchSubmitter(submitter, jobCtx context.Context, id types.JobID) {
	if submitter == nil || submitter.Done() == nil {
		return
	}
	go func() {
		select {
		case <-submitter.Done():
			if jobCtx.Err() == nil {
				s.logger.Info("Submitter disconnected, execution continues", "job_id", id)
			}
		case <-jobCtx.Done():
		}
	}()
}

// resolveProfile maps a submitted profile name to its configuration, falling
// back to the default with a warning for unknown names.
func (s *Scheduler) resolveProfile(name string) types.JobProfile {
	if name == "" {
		name = s.cfg.DefaultJobProfile
	}
	if p, ok := s.cfg.JobProfiles[name]; ok {
		return p
	}
	s.logger.Warn("Unknown job profile, using default",
		"profile", name, "default", s.cfg.DefaultJobProfile)
	return s.cfg.JobProfiles[s.cfg.DefaultJobProfile]
}

// dispatch runs tier selection for a created record and hands the job to the
// runner, or parks/fails it per the configured strategy.
func (s *Scheduler) dispatch(jobCtx context.Context, rec *types.JobRecord, sub types.ExecutionSubmission, profile types.JobProfile) {
	if !s.cfg.EnableTieredExecution {
		s.execute(jobCtx, rec, sub, types.TierStandard)
		return
	}

	costMB := profile.RAMCostMB()
	strategy := s.cfg.TierSelection

	if profile.PreferredTier == types.TierRAM {
		if s.pools.AcquireRAM(rec.ID, costMB) {
			s.updatePoolGauges()
			s.execute(jobCtx, rec, sub, types.TierRAM)
			return
		}

		if strategy.FallbackToDisk && s.pools.AcquireDisk(rec.ID, costMB) {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RecordFallback()
			}
			s.updatePoolGauges()
			s.logger.Info("RAM pool full, falling back to Disk",
				"job_id", rec.ID, "profile", profile.Name, "cost_mb", costMB)
			s.execute(jobCtx, rec, sub, types.TierDisk)
			return
		}

		if strategy.RAMPoolFullBehavior == config.BehaviorQueue {
			s.enqueue(jobCtx, rec, sub, profile)
			return
		}

		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordPoolRejection()
		}
		s.finalize(jobCtx, rec, types.StatusFailed, types.ExecutionResult{
			ExitCode: -1,
			Error:    "RAM pool full, queueing disabled",
		}, 0)
		return
	}

	// Disk preferred.
	if s.pools.AcquireDisk(rec.ID, costMB) {
		s.updatePoolGauges()
		s.execute(jobCtx, rec, sub, types.TierDisk)
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordPoolRejection()
	}
	s.finalize(jobCtx, rec, types.StatusFailed, types.ExecutionResult{
		ExitCode: -1,
		Error:    "Disk pool full",
	}, 0)
}

// enqueue parks a job in the wait queue, or fails it when the queue is full.
func (s *Scheduler) enqueue(jobCtx context.Context, rec *types.JobRecord, sub types.ExecutionSubmission, profile types.JobProfile) {
	entry := &pool.Entry{
		JobID:      rec.ID,
		Record:     rec,
		Submission: sub,
		Profile:    profile,
		Ctx:        jobCtx,
		Cancel:     s.cancelFor(rec.ID),
	}

	if err := s.pools.Enqueue(entry); err != nil {
		s.finalize(jobCtx, rec, types.StatusFailed, types.ExecutionResult{
			ExitCode: -1,
			Error:    "queue full: RAM pool at capacity and wait queue at maximum depth",
		}, 0)
		return
	}

	if err := s.deps.Store.UpdateStatus(jobCtx, rec.ID, types.StatusQueued); err != nil {
		s.logger.Error("Failed to mark job queued", "job_id", rec.ID, "error", err)
	}
	rec.Status = types.StatusQueued

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordQueued()
	}
	s.updatePoolGauges()
	s.publish(events.Event{
		Type: events.StatusChanged, JobID: rec.ID, UserID: rec.UserID,
		Status: types.StatusQueued, Detail: "waiting for RAM capacity",
	})
	s.logger.Info("Job queued for RAM capacity",
		"job_id", rec.ID, "profile", profile.Name, "queue_depth", s.pools.QueueLen())
}

func (s *Scheduler) cancelFor(id types.JobID) context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.live[id]; ok {
		return cancel
	}
	return func() {}
}

// execute records the tier decision, invokes the runner, and finalizes.
func (s *Scheduler) execute(jobCtx context.Context, rec *types.JobRecord, sub types.ExecutionSubmission, tier types.Tier) {
	rec.Tier = tier
	rec.Status = types.StatusRunning
	if err := s.deps.Store.Update(jobCtx, rec); err != nil {
		s.logger.Error("Failed to record tier selection", "job_id", rec.ID, "error", err)
	}

	s.publish(events.Event{
		Type: events.ExecutionStarted, JobID: rec.ID, UserID: rec.UserID,
		Status: types.StatusRunning, Detail: string(tier),
	})
	s.logger.Info("Job dispatched to runner", "job_id", rec.ID, "tier", tier, "profile", rec.Profile)

	req := runner.Request{
		JobID:       rec.ID,
		ProgramID:   rec.ProgramID,
		VersionID:   rec.VersionID,
		UserID:      rec.UserID,
		Kind:        rec.Kind,
		Tier:        tier,
		Profile:     rec.Profile,
		Parameters:  sub.Parameters,
		Environment: sub.Environment,
		Limits:      rec.Limits,
		SaveResults: rec.SaveResults,
	}

	res, err := s.invokeRunner(jobCtx, req)

	var status types.JobStatus
	var result types.ExecutionResult
	var durationSeconds float64

	switch {
	case err != nil && (jobCtx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		status = types.StatusStopped
		result = types.ExecutionResult{ExitCode: -1, Error: "execution stopped"}

	case err != nil:
		status = types.StatusFailed
		result = types.ExecutionResult{ExitCode: -1, Error: err.Error()}

	case res.Success:
		status = types.StatusCompleted
		result = types.ExecutionResult{
			ExitCode:    res.ExitCode,
			Stdout:      res.Stdout,
			Stderr:      res.Stderr,
			OutputFiles: res.OutputPaths,
			WebAppURL:   res.WebAppURL,
		}
		durationSeconds = res.Duration.Seconds()
		s.saveOutputs(jobCtx, rec, res, &result)

	default:
		status = types.StatusFailed
		result = types.ExecutionResult{
			ExitCode:    res.ExitCode,
			Stdout:      res.Stdout,
			Stderr:      res.Stderr,
			OutputFiles: res.OutputPaths,
			Error:       fmt.Sprintf("execution failed with exit code %d", res.ExitCode),
		}
	}

	if res != nil && res.Usage != (types.ResourceUsage{}) {
		usageCtx, cancel := context.WithTimeout(context.WithoutCancel(jobCtx), 10*time.Second)
		if uerr := s.deps.Store.UpdateResourceUsage(usageCtx, rec.ID, res.Usage); uerr != nil {
			s.logger.Warn("Failed to record resource usage", "job_id", rec.ID, "error", uerr)
		}
		cancel()
	}

	s.finalize(jobCtx, rec, status, result, durationSeconds)
}

// invokeRunner shields the scheduler from a panicking runner; the panic
// becomes an ordinary failure result.
func (s *Scheduler) invokeRunner(ctx context.Context, req runner.Request) (res *runner.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()
	return s.deps.Runner.Execute(ctx, req)
}

// saveOutputs persists captured stdout into the artifact store when the
// submission asked for results to be kept.
func (s *Scheduler) saveOutputs(ctx context.Context, rec *types.JobRecord, res *runner.Result, result *types.ExecutionResult) {
	if !rec.SaveResults || s.deps.Artifacts == nil || res.Stdout == "" {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	path, err := s.deps.Artifacts.WriteOutput(writeCtx, rec.ProgramID, rec.VersionID, rec.ID, "stdout.log", []byte(res.Stdout))
	if err != nil {
		s.logger.Warn("Failed to save execution output", "job_id", rec.ID, "error", err)
		return
	}
	result.OutputFiles = append(result.OutputFiles, path)
}

// finalize is the scoped block every dispatched job passes through exactly
// once: terminal status write, reservation release, one queue drain, and
// removal of the live admin scope. It must succeed in releasing resources
// even when the record write ultimately fails.
func (s *Scheduler) finalize(ctx context.Context, rec *types.JobRecord, status types.JobStatus, result types.ExecutionResult, durationSeconds float64) {
	s.finalizer.Complete(ctx, rec.ID, status, result)

	s.pools.Release(rec.ID)
	s.drainQueue()

	s.mu.Lock()
	cancel, ok := s.live[rec.ID]
	delete(s.live, rec.ID)
	s.mu.Unlock()
	if ok {
		cancel()
	}

	s.updatePoolGauges()
	if s.deps.Metrics != nil {
		switch status {
		case types.StatusCompleted:
			s.deps.Metrics.RecordCompleted(durationSeconds)
		case types.StatusFailed:
			s.deps.Metrics.RecordFailed()
		case types.StatusStopped:
			s.deps.Metrics.RecordStopped()
		}
	}

	s.publish(events.Event{
		Type: events.ExecutionCompleted, JobID: rec.ID, UserID: rec.UserID,
		Status: status, Detail: result.Error,
	})
	s.logger.Info("Job finalized", "job_id", rec.ID, "status", status, "tier", rec.Tier)
}

// drainQueue runs one drain attempt: expired heads fail, the first live head
// that fits is admitted on a fresh goroutine.
func (s *Scheduler) drainQueue() {
	if s.isStopped() {
		return // Stop flushes the queue itself
	}

	entry, expired := s.pools.DrainOne(time.Now(), s.cfg.QueueTimeout(), s.cfg.TierSelection.FallbackToDisk)
	for _, e := range expired {
		s.failExpired(e)
	}
	if entry == nil {
		return
	}

	tier := types.TierRAM
	if res, ok := s.pools.Reservation(entry.JobID); ok {
		tier = res.Tier
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		// Shutdown raced the drain; the entry was already admitted, so
		// finalize it here. The nested drain attempt returns immediately.
		s.finalize(entry.Ctx, entry.Record, types.StatusStopped, types.ExecutionResult{
			ExitCode: -1,
			Error:    "scheduler shutting down",
		}, 0)
		return
	}
	s.jobWg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Admitted queued job", "job_id", entry.JobID, "tier", tier)
	go func() {
		defer s.jobWg.Done()
		s.execute(entry.Ctx, entry.Record, entry.Submission, tier)
	}()
}

// failExpired finalizes a queue entry that outlived its TTL. No runner was
// ever invoked for it.
func (s *Scheduler) failExpired(e *pool.Entry) {
	s.logger.Warn("Queue entry expired",
		"job_id", e.JobID, "waited", time.Since(e.EnqueuedAt))
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordQueueTimeout()
	}

	s.finalize(e.Ctx, e.Record, types.StatusFailed, types.ExecutionResult{
		ExitCode: -1,
		Error:    fmt.Sprintf("queue timeout: no RAM capacity freed within %s", s.cfg.QueueTimeout()),
	}, 0)
}

// publish sends a best-effort event. Publisher errors and panics only log;
// the scheduler never waits for an ack beyond a short timeout.
func (s *Scheduler) publish(ev events.Event) {
	if s.deps.Events == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("Event publisher panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := s.deps.Events.Publish(ctx, ev); err != nil {
		s.logger.Warn("Event publish failed", "type", ev.Type, "job_id", ev.JobID, "error", err)
	}
}

func (s *Scheduler) updatePoolGauges() {
	if s.deps.Metrics == nil {
		return
	}
	st := s.pools.Stats()
	s.deps.Metrics.UpdatePoolStats(st.RAMAvailableMB, st.RAMReservations, st.DiskReservations, st.QueueDepth)
}
