package pool

import (
	"context"
	"time"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// Entry is a job parked in the wait queue until RAM capacity frees up.
type Entry struct {
	JobID      types.JobID
	Record     *types.JobRecord
	Submission types.ExecutionSubmission
	Profile    types.JobProfile
	EnqueuedAt time.Time

	// Ctx is the job's admin scope; Cancel aborts it when the entry is
	// discarded instead of admitted.
	Ctx    context.Context
	Cancel context.CancelFunc
}

// Enqueue appends an entry to the wait queue, failing when the queue is at
// MaxQueueDepth.
func (s *State) Enqueue(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) >= s.cfg.MaxQueueDepth {
		return ErrQueueFull
	}

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	s.queue = append(s.queue, e)
	return nil
}

// QueueLen returns the current queue depth.
func (s *State) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// DrainOne inspects the queue head after a release. Expired entries are
// popped and returned for the caller to fail; the first live head is admitted
// if its gate now fits (RAM first, Disk when fallback is allowed). A head
// that does not fit stays at the head so FIFO order is preserved.
func (s *State) DrainOne(now time.Time, ttl time.Duration, fallbackToDisk bool) (admitted *Entry, expired []*Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		head := s.queue[0]

		if now.Sub(head.EnqueuedAt) > ttl {
			s.queue = s.queue[1:]
			expired = append(expired, head)
			continue
		}

		costMB := head.Profile.RAMCostMB()
		if s.acquireRAMLocked(head.JobID, costMB) {
			s.queue = s.queue[1:]
			return head, expired
		}
		if fallbackToDisk && s.acquireDiskLocked(head.JobID, costMB) {
			s.queue = s.queue[1:]
			return head, expired
		}
		break
	}

	return nil, expired
}

// ExpireQueue pops every entry whose age exceeds the TTL. Entries are FIFO,
// so expiry only ever applies from the head.
func (s *State) ExpireQueue(now time.Time, ttl time.Duration) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Entry
	for len(s.queue) > 0 {
		head := s.queue[0]
		if now.Sub(head.EnqueuedAt) <= ttl {
			break
		}
		s.queue = s.queue[1:]
		expired = append(expired, head)
	}
	return expired
}

// RemoveQueued pulls a specific job out of the queue, used by administrative
// stop. Returns nil when the job is not queued.
func (s *State) RemoveQueued(jobID types.JobID) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.queue {
		if e.JobID == jobID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return e
		}
	}
	return nil
}

// FlushQueue empties the queue and returns every entry, used at shutdown so
// parked jobs can still be finalized.
func (s *State) FlushQueue() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.queue
	s.queue = nil
	return out
}
