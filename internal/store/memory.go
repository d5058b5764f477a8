package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// MemoryStore is an in-memory Store used by tests, the demo binary, and
// single-node deployments. When constructed with a snapshot manager it
// persists the record map atomically after every mutation so a restart keeps
// history.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[types.JobID]*types.JobRecord
	snapshot *SnapshotManager
	logger   *slog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[types.JobID]*types.JobRecord),
		logger:  slog.Default(),
	}
}

// NewMemoryStoreWithSnapshot creates a memory store backed by an atomic JSON
// snapshot file. An existing snapshot is loaded; a missing one is fine.
func NewMemoryStoreWithSnapshot(path string) (*MemoryStore, error) {
	s := NewMemoryStore()
	s.snapshot = NewSnapshotManager(path)

	records, err := s.snapshot.Load()
	if err != nil {
		return nil, err
	}
	s.records = records
	return s, nil
}

func (s *MemoryStore) persistLocked() {
	if s.snapshot == nil {
		return
	}
	if err := s.snapshot.Write(s.records); err != nil {
		s.logger.Error("Failed to persist record snapshot", "error", err)
	}
}

func cloneRecord(rec *types.JobRecord) *types.JobRecord {
	out := *rec
	if rec.Parameters != nil {
		out.Parameters = make(map[string]interface{}, len(rec.Parameters))
		for k, v := range rec.Parameters {
			out.Parameters[k] = v
		}
	}
	if rec.Environment != nil {
		out.Environment = make(map[string]string, len(rec.Environment))
		for k, v := range rec.Environment {
			out.Environment[k] = v
		}
	}
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		out.StartedAt = &t
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		out.CompletedAt = &t
	}
	if rec.ScheduledFor != nil {
		t := *rec.ScheduledFor
		out.ScheduledFor = &t
	}
	if rec.Result != nil {
		r := *rec.Result
		r.OutputFiles = append([]string(nil), rec.Result.OutputFiles...)
		out.Result = &r
	}
	return &out
}

// Create persists a new record, assigning an id and creation time as needed.
func (s *MemoryStore) Create(ctx context.Context, rec *types.JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = types.JobID(uuid.NewString())
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == types.StatusRunning && rec.StartedAt == nil {
		now := time.Now().UTC()
		rec.StartedAt = &now
	}

	s.records[rec.ID] = cloneRecord(rec)
	s.persistLocked()
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, id types.JobID) (*types.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Update replaces the record's mutable fields.
func (s *MemoryStore) Update(ctx context.Context, rec *types.JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	s.records[rec.ID] = cloneRecord(rec)
	s.persistLocked()
	return nil
}

// UpdateStatus transitions the record's status, stamping StartedAt when the
// record first enters running.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id types.JobID, status types.JobStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	rec.Status = status
	if status == types.StatusRunning && rec.StartedAt == nil {
		now := time.Now().UTC()
		rec.StartedAt = &now
	}
	if status.Terminal() && rec.CompletedAt == nil {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}

	s.persistLocked()
	return nil
}

// Complete writes the terminal outcome in one transition.
func (s *MemoryStore) Complete(ctx context.Context, id types.JobID, status types.JobStatus, result types.ExecutionResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	rec.Status = status
	rec.Result = &result
	rec.CompletedAt = &now
	if rec.StartedAt == nil && status != types.StatusCancelled {
		rec.StartedAt = &now
	}

	s.persistLocked()
	return nil
}

// UpdateResourceUsage records consumption for a job.
func (s *MemoryStore) UpdateResourceUsage(ctx context.Context, id types.JobID, usage types.ResourceUsage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	rec.Usage = usage
	s.persistLocked()
	return nil
}

func (s *MemoryStore) list(match func(*types.JobRecord) bool) []*types.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.JobRecord
	for _, rec := range s.records {
		if match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) ListByProgram(ctx context.Context, id types.ProgramID) ([]*types.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.list(func(r *types.JobRecord) bool { return r.ProgramID == id }), nil
}

func (s *MemoryStore) ListByVersion(ctx context.Context, id types.VersionID) ([]*types.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.list(func(r *types.JobRecord) bool { return r.VersionID == id }), nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, id types.UserID) ([]*types.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.list(func(r *types.JobRecord) bool { return r.UserID == id }), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status types.JobStatus) ([]*types.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.list(func(r *types.JobRecord) bool { return r.Status == status }), nil
}

// ListRecent returns up to n records newest first, optionally scoped to a user.
func (s *MemoryStore) ListRecent(ctx context.Context, n int, user types.UserID) ([]*types.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := s.list(func(r *types.JobRecord) bool {
		return user == "" || r.UserID == user
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) CountRunningByUser(ctx context.Context, id types.UserID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(s.list(func(r *types.JobRecord) bool {
		return r.UserID == id && r.Status == types.StatusRunning
	})), nil
}

func (s *MemoryStore) CountRunningByProgram(ctx context.Context, id types.ProgramID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(s.list(func(r *types.JobRecord) bool {
		return r.ProgramID == id && r.Status == types.StatusRunning
	})), nil
}

// CleanupOlderThan deletes terminal records past the retention window.
func (s *MemoryStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-age)
	removed := 0
	for id, rec := range s.records {
		if rec.Status.Terminal() && rec.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	if removed > 0 {
		s.persistLocked()
	}
	return removed, nil
}

func (s *MemoryStore) Exists(ctx context.Context, id types.JobID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}
