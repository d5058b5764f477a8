package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

var (
	// ErrCorruptedSnapshot indicates the snapshot file failed to parse.
	ErrCorruptedSnapshot = errors.New("record snapshot is corrupted")
	// ErrIncompatibleVersion indicates a schema version mismatch.
	ErrIncompatibleVersion = errors.New("record snapshot schema version is incompatible")
)

const snapshotSchemaVersion = 1

// snapshotData is the on-disk form of the memory store's record map.
type snapshotData struct {
	Records   map[types.JobID]*types.JobRecord `json:"records"`
	SchemaVer int                              `json:"schema_version"`
}

// SnapshotManager persists the in-memory record map as an atomic JSON file.
// Writes go to a temp file first and land via os.Rename, so the snapshot is
// either complete or absent after a crash.
type SnapshotManager struct {
	path string
	mu   sync.Mutex
}

// NewSnapshotManager creates a snapshot manager for the given file path.
func NewSnapshotManager(path string) *SnapshotManager {
	return &SnapshotManager{path: path}
}

// Write atomically replaces the snapshot with the given record map.
func (m *SnapshotManager) Write(records map[types.JobID]*types.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := snapshotData{Records: records, SchemaVer: snapshotSchemaVersion}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load reads the snapshot. A missing file returns an empty map: first start.
func (m *SnapshotManager) Load() (map[types.JobID]*types.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.JobID]*types.JobRecord), nil
		}
		return nil, fmt.Errorf("failed to read record snapshot: %w", err)
	}

	var data snapshotData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != snapshotSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, snapshotSchemaVersion)
	}
	if data.Records == nil {
		data.Records = make(map[types.JobID]*types.JobRecord)
	}

	return data.Records, nil
}

// Exists reports whether a snapshot file is present.
func (m *SnapshotManager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
