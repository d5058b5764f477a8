package pool

// ============================================================================
// Pool State Tests
// Purpose: Verify weighted capacity accounting, slot gating, idempotent
// release, FIFO queue behavior, and stale reservation sweeping
// ============================================================================

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

func newState(capMB int64, maxRAM, maxDisk, maxQueue int) *State {
	return New(Config{
		RAMCapacityMB: capMB,
		MaxRAMJobs:    maxRAM,
		MaxDiskJobs:   maxDisk,
		MaxQueueDepth: maxQueue,
	}, nil)
}

func TestAcquireRAMDecrementsCapacity(t *testing.T) {
	s := newState(2048, 4, 2, 4)

	require.True(t, s.AcquireRAM("job-1", 512))
	stats := s.Stats()
	assert.Equal(t, int64(1536), stats.RAMAvailableMB)
	assert.Equal(t, 1, stats.RAMReservations)

	released, ok := s.Release("job-1")
	require.True(t, ok)
	assert.Equal(t, types.TierRAM, released.Tier)
	assert.Equal(t, int64(2048), s.Stats().RAMAvailableMB)
}

func TestAcquireRAMRefusesOverCapacity(t *testing.T) {
	s := newState(1024, 8, 2, 4)

	require.True(t, s.AcquireRAM("job-1", 768))
	assert.False(t, s.AcquireRAM("job-2", 512), "insufficient capacity must refuse")
	require.True(t, s.AcquireRAM("job-3", 256))
	assert.Equal(t, int64(0), s.Stats().RAMAvailableMB)
}

func TestAcquireRAMRespectsConcurrencyCap(t *testing.T) {
	s := newState(10240, 2, 2, 4)

	require.True(t, s.AcquireRAM("job-1", 100))
	require.True(t, s.AcquireRAM("job-2", 100))
	assert.False(t, s.AcquireRAM("job-3", 100), "concurrency cap must refuse despite capacity")
}

func TestDiskSlotGate(t *testing.T) {
	s := newState(1024, 4, 2, 4)

	require.True(t, s.AcquireDisk("job-1", 512))
	require.True(t, s.AcquireDisk("job-2", 0))
	assert.False(t, s.AcquireDisk("job-3", 0))

	s.Release("job-1")
	assert.True(t, s.AcquireDisk("job-3", 0))
}

func TestDuplicateAcquisitionRefused(t *testing.T) {
	s := newState(2048, 4, 2, 4)

	require.True(t, s.AcquireRAM("job-1", 512))
	assert.False(t, s.AcquireRAM("job-1", 512))
	assert.False(t, s.AcquireDisk("job-1", 0))
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := newState(2048, 4, 2, 4)

	require.True(t, s.AcquireRAM("job-1", 512))
	_, ok := s.Release("job-1")
	require.True(t, ok)

	_, ok = s.Release("job-1")
	assert.False(t, ok, "second release must be a no-op")
	assert.Equal(t, int64(2048), s.Stats().RAMAvailableMB, "capacity must not over-credit")
}

// TestCapacityInvariantUnderConcurrency exercises P1: the sum of reserved
// costs never exceeds capacity and the concurrency cap always holds.
func TestCapacityInvariantUnderConcurrency(t *testing.T) {
	const capMB, costMB = 4096, 512
	s := newState(capMB, 6, 2, 4)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := types.JobID(fmt.Sprintf("job-%d", n))
			if s.AcquireRAM(id, costMB) {
				time.Sleep(time.Millisecond)
				s.Release(id)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			assert.Equal(t, int64(capMB), s.Stats().RAMAvailableMB)
			return
		default:
			stats := s.Stats()
			assert.GreaterOrEqual(t, stats.RAMAvailableMB, int64(0))
			assert.LessOrEqual(t, stats.RAMReservations, 6)
		}
	}
}

func TestQueueFIFO(t *testing.T) {
	s := newState(0, 1, 1, 4)

	for i := 0; i < 3; i++ {
		err := s.Enqueue(&Entry{
			JobID:      types.JobID(fmt.Sprintf("job-%d", i)),
			Profile:    types.JobProfile{Name: "standard", PreferredTier: types.TierRAM},
			EnqueuedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
			Cancel:     func() {},
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.QueueLen())

	// Zero-cost entries fit as soon as the RAM slot is free.
	var order []types.JobID
	for i := 0; i < 3; i++ {
		entry, expired := s.DrainOne(time.Now(), time.Hour, false)
		require.Empty(t, expired)
		require.NotNil(t, entry)
		order = append(order, entry.JobID)
		s.Release(entry.JobID)
	}

	assert.Equal(t, []types.JobID{"job-0", "job-1", "job-2"}, order)
}

func TestQueueDepthBound(t *testing.T) {
	s := newState(1024, 1, 1, 2)

	require.NoError(t, s.Enqueue(&Entry{JobID: "a", Cancel: func() {}}))
	require.NoError(t, s.Enqueue(&Entry{JobID: "b", Cancel: func() {}}))
	err := s.Enqueue(&Entry{JobID: "c", Cancel: func() {}})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDrainSkipsExpiredEntries(t *testing.T) {
	s := newState(1024, 2, 1, 4)
	now := time.Now()

	require.NoError(t, s.Enqueue(&Entry{
		JobID: "old", Profile: types.JobProfile{PreferredTier: types.TierRAM},
		EnqueuedAt: now.Add(-2 * time.Minute), Cancel: func() {},
	}))
	require.NoError(t, s.Enqueue(&Entry{
		JobID: "fresh", Profile: types.JobProfile{PreferredTier: types.TierRAM},
		EnqueuedAt: now, Cancel: func() {},
	}))

	entry, expired := s.DrainOne(now, time.Minute, false)
	require.Len(t, expired, 1)
	assert.Equal(t, types.JobID("old"), expired[0].JobID)
	require.NotNil(t, entry)
	assert.Equal(t, types.JobID("fresh"), entry.JobID)
}

func TestDrainStopsAtHeadThatDoesNotFit(t *testing.T) {
	s := newState(1024, 4, 1, 4)
	require.True(t, s.AcquireRAM("holder", 1024))

	require.NoError(t, s.Enqueue(&Entry{
		JobID:      "waiting",
		Profile:    types.JobProfile{PreferredTier: types.TierRAM, RAMCapacityCostGB: 0.5},
		EnqueuedAt: time.Now(),
		Cancel:     func() {},
	}))

	entry, expired := s.DrainOne(time.Now(), time.Hour, false)
	assert.Nil(t, entry)
	assert.Empty(t, expired)
	assert.Equal(t, 1, s.QueueLen(), "non-fitting head stays queued")

	s.Release("holder")
	entry, _ = s.DrainOne(time.Now(), time.Hour, false)
	require.NotNil(t, entry)
	assert.Equal(t, types.JobID("waiting"), entry.JobID)
}

func TestDrainFallsBackToDisk(t *testing.T) {
	s := newState(1024, 1, 1, 4)
	require.True(t, s.AcquireRAM("holder", 1024))

	require.NoError(t, s.Enqueue(&Entry{
		JobID:      "waiting",
		Profile:    types.JobProfile{PreferredTier: types.TierRAM, RAMCapacityCostGB: 0.5},
		EnqueuedAt: time.Now(),
		Cancel:     func() {},
	}))

	entry, _ := s.DrainOne(time.Now(), time.Hour, true)
	require.NotNil(t, entry)

	res, ok := s.Reservation("waiting")
	require.True(t, ok)
	assert.Equal(t, types.TierDisk, res.Tier)
}

func TestExpireQueue(t *testing.T) {
	s := newState(1024, 1, 1, 8)
	now := time.Now()

	require.NoError(t, s.Enqueue(&Entry{JobID: "a", EnqueuedAt: now.Add(-3 * time.Minute), Cancel: func() {}}))
	require.NoError(t, s.Enqueue(&Entry{JobID: "b", EnqueuedAt: now.Add(-2 * time.Minute), Cancel: func() {}}))
	require.NoError(t, s.Enqueue(&Entry{JobID: "c", EnqueuedAt: now, Cancel: func() {}}))

	expired := s.ExpireQueue(now, time.Minute)
	require.Len(t, expired, 2)
	assert.Equal(t, types.JobID("a"), expired[0].JobID)
	assert.Equal(t, types.JobID("b"), expired[1].JobID)
	assert.Equal(t, 1, s.QueueLen())
}

func TestRemoveQueued(t *testing.T) {
	s := newState(1024, 1, 1, 8)

	require.NoError(t, s.Enqueue(&Entry{JobID: "a", EnqueuedAt: time.Now(), Cancel: func() {}}))
	require.NoError(t, s.Enqueue(&Entry{JobID: "b", EnqueuedAt: time.Now(), Cancel: func() {}}))

	entry := s.RemoveQueued("a")
	require.NotNil(t, entry)
	assert.Equal(t, types.JobID("a"), entry.JobID)
	assert.Nil(t, s.RemoveQueued("a"))
	assert.Equal(t, 1, s.QueueLen())
}

func TestSweepStale(t *testing.T) {
	s := newState(2048, 4, 2, 4)
	now := time.Now()

	require.NoError(t, s.Adopt(types.Reservation{
		JobID: "stale", Tier: types.TierRAM, RAMCostMB: 512,
		ReservedAt: now.Add(-4 * time.Hour),
	}))
	require.True(t, s.AcquireRAM("fresh", 256))

	reclaimed := s.SweepStale(now, 2*time.Hour)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, types.JobID("stale"), reclaimed[0].JobID)

	stats := s.Stats()
	assert.Equal(t, int64(2048-256), stats.RAMAvailableMB)
	assert.Equal(t, 1, stats.RAMReservations)
}

func TestAdoptValidatesGate(t *testing.T) {
	s := newState(1024, 1, 1, 4)

	require.NoError(t, s.Adopt(types.Reservation{JobID: "a", Tier: types.TierRAM, RAMCostMB: 1024, ReservedAt: time.Now()}))
	assert.Error(t, s.Adopt(types.Reservation{JobID: "b", Tier: types.TierRAM, RAMCostMB: 1, ReservedAt: time.Now()}))
	assert.ErrorIs(t, s.Adopt(types.Reservation{JobID: "a", Tier: types.TierDisk}), ErrAlreadyReserved)
}
