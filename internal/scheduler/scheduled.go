package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/mertmtlu/teias-scheduler/internal/events"
	"github.com/mertmtlu/teias-scheduler/internal/sanitize"
	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// ScheduleExecution stores a submission for later admission. Entity and
// permission checks run at trigger time, when they are actually meaningful.
func (s *Scheduler) ScheduleExecution(ctx context.Context, sub types.ExecutionSubmission) (*types.JobRecord, error) {
	if s.isStopped() {
		return nil, ErrSchedulerStopped
	}
	if sub.ProgramID == "" || sub.UserID == "" {
		return nil, fmt.Errorf("%w: program id and user id are required", ErrInvalidSubmission)
	}
	if sub.ScheduledFor == nil {
		return nil, fmt.Errorf("%w: scheduled_for is required", ErrInvalidSubmission)
	}

	profile := s.resolveProfile(sub.JobProfile)

	rec := &types.JobRecord{
		ProgramID:    sub.ProgramID,
		VersionID:    sub.VersionID,
		UserID:       sub.UserID,
		Kind:         types.KindScheduledExecution,
		Profile:      profile.Name,
		Status:       types.StatusScheduled,
		Parameters:   sanitize.Parameters(sub.Parameters),
		Environment:  sub.Environment,
		SaveResults:  sub.SaveResults,
		ScheduledFor: sub.ScheduledFor,
	}
	if sub.Limits != nil {
		rec.Limits = *sub.Limits
	}

	if err := s.deps.Store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create scheduled job record: %w", err)
	}

	s.logger.Info("Execution scheduled",
		"job_id", rec.ID, "program_id", rec.ProgramID, "scheduled_for", rec.ScheduledFor)
	return rec, nil
}

// AdmitDueScheduled admits every scheduled job whose trigger time has
// arrived. The internal cron driver calls this periodically; an external
// driver may call it instead.
func (s *Scheduler) AdmitDueScheduled(ctx context.Context) (int, error) {
	recs, err := s.deps.Store.ListByStatus(ctx, types.StatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}

	now := time.Now()
	admitted := 0

	for _, rec := range recs {
		if rec.ScheduledFor == nil || rec.ScheduledFor.After(now) {
			continue
		}
		if s.isStopped() {
			break
		}

		sub := types.ExecutionSubmission{
			ProgramID:   rec.ProgramID,
			VersionID:   rec.VersionID,
			UserID:      rec.UserID,
			Kind:        types.KindScheduledExecution,
			Parameters:  rec.Parameters,
			Environment: rec.Environment,
			SaveResults: rec.SaveResults,
			JobProfile:  rec.Profile,
		}
		if rec.Limits != (types.ResourceLimits{}) {
			limits := rec.Limits
			sub.Limits = &limits
		}

		decision, err := s.admission.Admit(ctx, sub)
		if err != nil {
			s.logger.Warn("Scheduled job failed admission", "job_id", rec.ID, "error", err)
			s.finalizer.Complete(ctx, rec.ID, types.StatusFailed, types.ExecutionResult{
				ExitCode: -1,
				Error:    fmt.Sprintf("scheduled admission failed: %v", err),
			})
			s.publish(events.Event{
				Type: events.ExecutionCompleted, JobID: rec.ID, UserID: rec.UserID,
				Status: types.StatusFailed,
			})
			continue
		}

		if err := s.deps.Store.UpdateStatus(ctx, rec.ID, types.StatusRunning); err != nil {
			s.logger.Error("Failed to admit scheduled job", "job_id", rec.ID, "error", err)
			continue
		}
		rec.Status = types.StatusRunning
		rec.VersionID = decision.Version.ID
		rec.Limits = decision.Limits

		jobCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			cancel()
			break
		}
		s.live[rec.ID] = cancel
		s.jobWg.Add(1)
		s.mu.Unlock()

		profile := s.resolveProfile(rec.Profile)
		go func(r *types.JobRecord, sb types.ExecutionSubmission, p types.JobProfile, c context.Context) {
			defer s.jobWg.Done()
			s.dispatch(c, r, sb, p)
		}(rec, sub, profile, jobCtx)

		admitted++
	}

	if admitted > 0 {
		s.logger.Info("Admitted scheduled jobs", "count", admitted)
	}
	return admitted, nil
}
