package store

// ============================================================================
// Memory Store Tests
// Purpose: Verify record lifecycle, terminal immutability, listing, cleanup,
// and snapshot persistence
// ============================================================================

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

func newRecord(user types.UserID, program types.ProgramID, status types.JobStatus) *types.JobRecord {
	return &types.JobRecord{
		ProgramID: program,
		VersionID: "v1",
		UserID:    user,
		Kind:      types.KindProjectExecution,
		Status:    status,
	}
}

func TestCreateAssignsIDAndTimestamps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := newRecord("alice", "prog", types.StatusRunning)
	require.NoError(t, s.Create(ctx, rec))

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	require.NotNil(t, rec.StartedAt)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := newRecord("alice", "prog", types.StatusRunning)
	require.NoError(t, s.Create(ctx, rec))

	require.NoError(t, s.UpdateStatus(ctx, rec.ID, types.StatusQueued))
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, types.StatusRunning))
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, types.StatusCompleted))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.StartedAt)
	assert.False(t, got.StartedAt.After(*got.CompletedAt), "started-at must not exceed completed-at")
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := newRecord("alice", "prog", types.StatusRunning)
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.Complete(ctx, rec.ID, types.StatusFailed, types.ExecutionResult{ExitCode: 2}))

	assert.ErrorIs(t, s.UpdateStatus(ctx, rec.ID, types.StatusRunning), ErrAlreadyTerminal)
	assert.ErrorIs(t, s.Complete(ctx, rec.ID, types.StatusCompleted, types.ExecutionResult{}), ErrAlreadyTerminal)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, 2, got.Result.ExitCode)
}

func TestCompleteWritesResultAndTimes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := newRecord("alice", "prog", types.StatusRunning)
	require.NoError(t, s.Create(ctx, rec))

	result := types.ExecutionResult{
		ExitCode:    0,
		Stdout:      "output",
		OutputFiles: []string{"out/a.csv"},
	}
	require.NoError(t, s.Complete(ctx, rec.ID, types.StatusCompleted, result))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, "output", got.Result.Stdout)
	assert.Equal(t, []string{"out/a.csv"}, got.Result.OutputFiles)
	require.NotNil(t, got.CompletedAt)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := newRecord("alice", "prog", types.StatusRunning)
	rec.Parameters = map[string]interface{}{"k": "v"}
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	got.Parameters["k"] = "mutated"
	got.Status = types.StatusFailed

	again, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Parameters["k"])
	assert.Equal(t, types.StatusRunning, again.Status)
}

func TestCountsAndLists(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, newRecord("alice", "prog-a", types.StatusRunning)))
	}
	require.NoError(t, s.Create(ctx, newRecord("bob", "prog-a", types.StatusRunning)))
	require.NoError(t, s.Create(ctx, newRecord("alice", "prog-b", types.StatusCompleted)))

	aliceRunning, err := s.CountRunningByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, aliceRunning)

	progACount, err := s.CountRunningByProgram(ctx, "prog-a")
	require.NoError(t, err)
	assert.Equal(t, 4, progACount)

	byUser, err := s.ListByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, byUser, 4)

	byStatus, err := s.ListByStatus(ctx, types.StatusCompleted)
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)
}

func TestListRecentScoping(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, newRecord("alice", "prog", types.StatusCompleted)))
	}
	require.NoError(t, s.Create(ctx, newRecord("bob", "prog", types.StatusCompleted)))

	all, err := s.ListRecent(ctx, 10, "")
	require.NoError(t, err)
	assert.Len(t, all, 6)

	limited, err := s.ListRecent(ctx, 3, "")
	require.NoError(t, err)
	assert.Len(t, limited, 3)

	own, err := s.ListRecent(ctx, 10, "bob")
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, types.UserID("bob"), own[0].UserID)
}

func TestCleanupOlderThan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old := newRecord("alice", "prog", types.StatusCompleted)
	old.CreatedAt = time.Now().Add(-72 * time.Hour)
	require.NoError(t, s.Create(ctx, old))

	fresh := newRecord("alice", "prog", types.StatusCompleted)
	require.NoError(t, s.Create(ctx, fresh))

	oldRunning := newRecord("alice", "prog", types.StatusRunning)
	oldRunning.CreatedAt = time.Now().Add(-72 * time.Hour)
	require.NoError(t, s.Create(ctx, oldRunning))

	removed, err := s.CleanupOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only terminal records are cleaned")

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, oldRunning.ID)
	assert.NoError(t, err)
}

func TestCancelledContextRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Create(ctx, newRecord("alice", "prog", types.StatusRunning))
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")

	s, err := NewMemoryStoreWithSnapshot(path)
	require.NoError(t, err)

	ctx := context.Background()
	rec := newRecord("alice", "prog", types.StatusRunning)
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.Complete(ctx, rec.ID, types.StatusCompleted, types.ExecutionResult{Stdout: "done"}))

	reloaded, err := NewMemoryStoreWithSnapshot(path)
	require.NoError(t, err)

	got, err := reloaded.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", got.Result.Stdout)
}

func TestSnapshotMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")

	s, err := NewMemoryStoreWithSnapshot(path)
	require.NoError(t, err)

	recs, err := s.ListRecent(context.Background(), 10, "")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
