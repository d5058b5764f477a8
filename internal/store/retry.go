package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// Finalizer wraps terminal record writes with the retry discipline the
// dispatcher relies on: up to three attempts with linear backoff, executed on
// a cancellation scope independent of the submitting client, falling back to
// a degraded status-only write, and finally logging a critical condition
// rather than surfacing an error. A job must never stay in running because a
// client went away.
type Finalizer struct {
	store    Store
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewFinalizer returns a Finalizer with the standard policy: 3 attempts,
// 500ms linear backoff, 10s per-attempt deadline.
func NewFinalizer(s Store, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		store:    s,
		attempts: 3,
		backoff:  500 * time.Millisecond,
		timeout:  10 * time.Second,
		logger:   logger,
	}
}

// Complete writes the terminal outcome of a job. The caller's context
// contributes only its values; its cancellation never reaches the store.
func (f *Finalizer) Complete(ctx context.Context, id types.JobID, status types.JobStatus, result types.ExecutionResult) {
	base := context.WithoutCancel(ctx)

	err := f.retry(base, func(attempt context.Context) error {
		return f.store.Complete(attempt, id, status, result)
	})
	if err == nil {
		return
	}

	f.logger.Error("Full terminal write exhausted retries, degrading to status-only",
		"job_id", id, "status", status, "error", err)

	err = f.retry(base, func(attempt context.Context) error {
		return f.store.UpdateStatus(attempt, id, status)
	})
	if err != nil {
		f.logger.Error("Unable to record terminal status",
			"job_id", id, "status", status, "error", err, "severity", "CRITICAL")
	}
}

// UpdateStatus transitions a record's status with the same retry policy,
// writing no result payload.
func (f *Finalizer) UpdateStatus(ctx context.Context, id types.JobID, status types.JobStatus) error {
	base := context.WithoutCancel(ctx)
	return f.retry(base, func(attempt context.Context) error {
		return f.store.UpdateStatus(attempt, id, status)
	})
}

// retry runs op up to f.attempts times with linear backoff (backoff * attempt
// between tries). ErrAlreadyTerminal and ErrNotFound are not retried: the
// record either already reached a terminal state or is gone.
func (f *Finalizer) retry(base context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= f.attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(base, f.timeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAlreadyTerminal) || errors.Is(err, ErrNotFound) {
			return err
		}

		lastErr = err
		if attempt < f.attempts {
			time.Sleep(f.backoff * time.Duration(attempt))
		}
	}

	return lastErr
}
