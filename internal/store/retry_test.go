package store

// ============================================================================
// Finalizer Tests
// Purpose: Verify the retry discipline for terminal writes: linear backoff,
// independence from caller cancellation, and the status-only fallback
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// flakyStore wraps a MemoryStore and fails the first N Complete and
// UpdateStatus calls.
type flakyStore struct {
	*MemoryStore

	mu               sync.Mutex
	completeFailures int
	statusFailures   int
	completeAttempts int
	statusAttempts   int
}

var errTransient = errors.New("transient store error")

func (f *flakyStore) Complete(ctx context.Context, id types.JobID, status types.JobStatus, result types.ExecutionResult) error {
	f.mu.Lock()
	f.completeAttempts++
	fail := f.completeFailures > 0
	if fail {
		f.completeFailures--
	}
	f.mu.Unlock()

	if fail {
		return errTransient
	}
	return f.MemoryStore.Complete(ctx, id, status, result)
}

func (f *flakyStore) UpdateStatus(ctx context.Context, id types.JobID, status types.JobStatus) error {
	f.mu.Lock()
	f.statusAttempts++
	fail := f.statusFailures > 0
	if fail {
		f.statusFailures--
	}
	f.mu.Unlock()

	if fail {
		return errTransient
	}
	return f.MemoryStore.UpdateStatus(ctx, id, status)
}

func newFlaky(t *testing.T) (*flakyStore, types.JobID) {
	t.Helper()
	fs := &flakyStore{MemoryStore: NewMemoryStore()}
	rec := newRecord("alice", "prog", types.StatusRunning)
	require.NoError(t, fs.MemoryStore.Create(context.Background(), rec))
	return fs, rec.ID
}

func fastFinalizer(s Store) *Finalizer {
	f := NewFinalizer(s, nil)
	f.backoff = 0 // keep the suite fast; the linear schedule is exercised separately
	return f
}

func TestFinalizerRetriesUntilSuccess(t *testing.T) {
	fs, id := newFlaky(t)
	fs.completeFailures = 2

	fastFinalizer(fs).Complete(context.Background(), id, types.StatusCompleted, types.ExecutionResult{ExitCode: 0})

	assert.Equal(t, 3, fs.completeAttempts)
	got, err := fs.MemoryStore.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
}

func TestFinalizerFallsBackToStatusOnly(t *testing.T) {
	fs, id := newFlaky(t)
	fs.completeFailures = 10 // every full write fails

	fastFinalizer(fs).Complete(context.Background(), id, types.StatusFailed, types.ExecutionResult{ExitCode: -1, Error: "boom"})

	assert.Equal(t, 3, fs.completeAttempts, "full write stops after 3 attempts")
	got, err := fs.MemoryStore.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status, "degraded status-only write must land")
	assert.Nil(t, got.Result, "degraded write carries no result payload")
}

func TestFinalizerSurvivesTotalOutage(t *testing.T) {
	fs, id := newFlaky(t)
	fs.completeFailures = 10
	fs.statusFailures = 10

	// Must not panic and must not block; the condition is logged only.
	fastFinalizer(fs).Complete(context.Background(), id, types.StatusFailed, types.ExecutionResult{})

	assert.Equal(t, 3, fs.completeAttempts)
	assert.Equal(t, 3, fs.statusAttempts)
}

func TestFinalizerIgnoresCallerCancellation(t *testing.T) {
	fs, id := newFlaky(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the submitting client is already gone

	fastFinalizer(fs).Complete(ctx, id, types.StatusCompleted, types.ExecutionResult{ExitCode: 0})

	got, err := fs.MemoryStore.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status,
		"finalization must write on a scope the submitter cannot cancel")
}

func TestFinalizerStopsOnTerminalConflict(t *testing.T) {
	fs, id := newFlaky(t)
	require.NoError(t, fs.MemoryStore.Complete(context.Background(), id, types.StatusStopped, types.ExecutionResult{}))

	fastFinalizer(fs).Complete(context.Background(), id, types.StatusCompleted, types.ExecutionResult{})

	assert.Equal(t, 1, fs.completeAttempts, "terminal conflicts are not retried")
	got, err := fs.MemoryStore.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
}

func TestFinalizerUpdateStatusRetries(t *testing.T) {
	fs, id := newFlaky(t)
	fs.statusFailures = 1

	err := fastFinalizer(fs).UpdateStatus(context.Background(), id, types.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.statusAttempts)
}

func TestLinearBackoffSchedule(t *testing.T) {
	f := NewFinalizer(NewMemoryStore(), nil)
	assert.Equal(t, 3, f.attempts)
	assert.Equal(t, int64(500), f.backoff.Milliseconds())
}
