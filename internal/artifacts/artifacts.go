// Package artifacts stores program version files and execution outputs,
// keyed by (program, version[, execution]).
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// ErrNotFound indicates the requested artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// FileInfo describes a stored artifact.
type FileInfo struct {
	Path string `json:"path"` // relative to the version or execution root
	Size int64  `json:"size"`
}

// Store is the artifact access contract consumed by the scheduler.
type Store interface {
	// ListVersionFiles lists the source files of a program version.
	ListVersionFiles(ctx context.Context, program types.ProgramID, version types.VersionID) ([]FileInfo, error)

	// Fetch reads one version file.
	Fetch(ctx context.Context, program types.ProgramID, version types.VersionID, path string) ([]byte, error)

	// WriteOutput stores an execution output file and returns its stored path.
	WriteOutput(ctx context.Context, program types.ProgramID, version types.VersionID, execution types.JobID, path string, data []byte) (string, error)

	// ListOutputs lists the outputs an execution produced.
	ListOutputs(ctx context.Context, program types.ProgramID, version types.VersionID, execution types.JobID) ([]FileInfo, error)
}

// FSStore keeps artifacts on the local filesystem:
//
//	root/<program>/<version>/files/...
//	root/<program>/<version>/executions/<execution>/...
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed artifact store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) versionDir(program types.ProgramID, version types.VersionID) string {
	return filepath.Join(s.root, string(program), string(version), "files")
}

func (s *FSStore) executionDir(program types.ProgramID, version types.VersionID, execution types.JobID) string {
	return filepath.Join(s.root, string(program), string(version), "executions", string(execution))
}

// cleanRelative confines a path to the artifact root: it is cleaned as if
// rooted at "/", so leading ".." segments are dropped rather than rejected.
// Only a path that cleans to nothing is an error.
func cleanRelative(path string) (string, error) {
	cleaned := filepath.Clean("/" + path)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid artifact path %q", path)
	}
	return cleaned, nil
}

func listDir(root string) ([]FileInfo, error) {
	var out []FileInfo
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, FileInfo{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *FSStore) ListVersionFiles(ctx context.Context, program types.ProgramID, version types.VersionID) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listDir(s.versionDir(program, version))
}

func (s *FSStore) Fetch(ctx context.Context, program types.ProgramID, version types.VersionID, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rel, err := cleanRelative(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.versionDir(program, version), rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

func (s *FSStore) WriteOutput(ctx context.Context, program types.ProgramID, version types.VersionID, execution types.JobID, path string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rel, err := cleanRelative(path)
	if err != nil {
		return "", err
	}

	full := filepath.Join(s.executionDir(program, version, execution), rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	return full, nil
}

func (s *FSStore) ListOutputs(ctx context.Context, program types.ProgramID, version types.VersionID, execution types.JobID) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listDir(s.executionDir(program, version, execution))
}
