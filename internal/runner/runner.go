// Package runner defines the project-execution contract. The real runner is
// a language-specific sandbox owned by the surrounding service; the
// scheduler only builds requests, consumes results, and persists them.
package runner

import (
	"context"
	"time"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// Request carries everything a runner needs to execute a job.
type Request struct {
	JobID     types.JobID
	ProgramID types.ProgramID
	VersionID types.VersionID
	UserID    types.UserID

	Kind    types.ExecutionKind
	Tier    types.Tier
	Profile string

	Parameters  map[string]interface{}
	Environment map[string]string
	Limits      types.ResourceLimits
	SaveResults bool
}

// Result is what a runner reports when an execution finishes.
type Result struct {
	Success     bool
	ExitCode    int
	Stdout      string
	Stderr      string
	OutputPaths []string
	WebAppURL   string
	Usage       types.ResourceUsage
	CompletedAt time.Time
	Duration    time.Duration
}

// StructureInfo summarizes a project layout analysis.
type StructureInfo struct {
	Language   string
	EntryPoint string
	FileCount  int
}

// Runner is the execution capability consumed by the dispatcher. Execute may
// suspend indefinitely; it must honor ctx, which the scheduler cancels on
// administrative stop. Runner invocations are never retried: they are not
// idempotent.
type Runner interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Cancel(ctx context.Context, jobID types.JobID) error
	Validate(ctx context.Context, program types.ProgramID, version types.VersionID) error
	AnalyzeStructure(ctx context.Context, program types.ProgramID, version types.VersionID, skipValidation bool) (*StructureInfo, error)
	SupportedLanguages(ctx context.Context) ([]string, error)
}
