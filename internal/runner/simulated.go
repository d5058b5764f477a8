package runner

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// SimulatedRunner executes nothing: it sleeps for a configurable duration and
// reports a synthetic result. Used by the demo binary and the test suites.
type SimulatedRunner struct {
	// WorkDuration is how long each execution takes. Zero means 0-500ms random.
	WorkDuration time.Duration
	// FailureRate is the probability in [0,1) of a synthetic failure.
	FailureRate float64

	mu        sync.Mutex
	cancelled map[types.JobID]bool
}

// NewSimulatedRunner creates a runner with fixed work duration and no failures.
func NewSimulatedRunner(work time.Duration) *SimulatedRunner {
	return &SimulatedRunner{
		WorkDuration: work,
		cancelled:    make(map[types.JobID]bool),
	}
}

// Execute waits out the work duration unless ctx is cancelled first.
func (r *SimulatedRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	work := r.WorkDuration
	if work == 0 {
		work = time.Duration(rand.Intn(500)) * time.Millisecond
	}

	start := time.Now()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-time.After(work):
		if r.FailureRate > 0 && rand.Float64() < r.FailureRate {
			return &Result{
				Success:     false,
				ExitCode:    1,
				Stderr:      "simulated execution failure",
				CompletedAt: time.Now(),
				Duration:    time.Since(start),
			}, nil
		}

		res := &Result{
			Success:     true,
			ExitCode:    0,
			Stdout:      fmt.Sprintf("program %s version %s finished", req.ProgramID, req.VersionID),
			CompletedAt: time.Now(),
			Duration:    time.Since(start),
			Usage: types.ResourceUsage{
				CPUSeconds:      time.Since(start).Seconds(),
				PeakMemoryBytes: 32 << 20,
			},
		}
		if req.Kind == types.KindWebAppDeploy {
			res.WebAppURL = fmt.Sprintf("http://localhost:0/apps/%s", req.JobID)
		}
		return res, nil
	}
}

// Cancel records the cancellation; the scheduler also cancels the execution
// context, which Execute observes.
func (r *SimulatedRunner) Cancel(ctx context.Context, jobID types.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[jobID] = true
	return nil
}

// Validate accepts every version.
func (r *SimulatedRunner) Validate(ctx context.Context, program types.ProgramID, version types.VersionID) error {
	return ctx.Err()
}

// AnalyzeStructure reports a synthetic single-file project.
func (r *SimulatedRunner) AnalyzeStructure(ctx context.Context, program types.ProgramID, version types.VersionID, skipValidation bool) (*StructureInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &StructureInfo{Language: "python", EntryPoint: "main.py", FileCount: 1}, nil
}

// SupportedLanguages reports the simulated language set.
func (r *SimulatedRunner) SupportedLanguages(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []string{"python", "node", "go"}, nil
}
