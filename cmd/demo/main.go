// Demo: runs the scheduler end to end against in-memory collaborators.
// Submits a burst of standard-profile executions, waits for them to finish,
// and prints the resulting records and pool state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mertmtlu/teias-scheduler/internal/catalog"
	"github.com/mertmtlu/teias-scheduler/internal/config"
	"github.com/mertmtlu/teias-scheduler/internal/runner"
	"github.com/mertmtlu/teias-scheduler/internal/scheduler"
	"github.com/mertmtlu/teias-scheduler/internal/store"
	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.Default()

	cfg := config.Default().Execution
	cfg.EnableTieredExecution = true
	cfg.RAMPool.TotalCapacityGB = 2
	cfg.RAMPool.MaxConcurrentJobs = 4
	cfg.DiskPool.MaxConcurrentJobs = 2
	cfg.TierSelection.FallbackToDisk = true
	cfg.QueueCheckInterval = config.Duration(200 * time.Millisecond)

	cat := catalog.NewMemoryCatalog()
	cat.AddUser(catalog.User{ID: "demo-user", Name: "Demo User"})
	cat.AddProgram(catalog.Program{
		ID: "demo-prog", Name: "Demo Program", OwnerID: "demo-user",
		Language: "python", CurrentVersion: "v1",
	})
	cat.AddVersion(catalog.Version{ID: "v1", ProgramID: "demo-prog", Number: 1, Executable: true})

	sched, err := scheduler.New(cfg, scheduler.Deps{
		Store:   store.NewMemoryStore(),
		Catalog: cat,
		Runner:  runner.NewSimulatedRunner(300 * time.Millisecond),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	ctx := context.Background()
	var ids []types.JobID

	for i := 0; i < 6; i++ {
		rec, err := sched.ExecuteProgram(ctx, types.ExecutionSubmission{
			ProgramID:  "demo-prog",
			UserID:     "demo-user",
			JobProfile: "standard",
			Parameters: map[string]interface{}{"run": i},
		})
		if err != nil {
			logger.Warn("Submission rejected", "run", i, "error", err)
			continue
		}
		ids = append(ids, rec.ID)
	}

	stats := sched.PoolStats()
	fmt.Printf("Mid-flight pool state: RAM %d/%d MB free, %d RAM + %d Disk reservations\n",
		stats.RAMAvailableMB, stats.RAMCapacityMB, stats.RAMReservations, stats.DiskReservations)

	deadline := time.After(10 * time.Second)
	for _, id := range ids {
		for {
			status, err := sched.GetStatus(ctx, id)
			if err != nil {
				return err
			}
			if status.Terminal() {
				fmt.Printf("Job %s finished: %s\n", id, status)
				break
			}
			select {
			case <-deadline:
				return fmt.Errorf("job %s did not finish in time (status %s)", id, status)
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	stats = sched.PoolStats()
	fmt.Printf("Final pool state: RAM %d/%d MB free, queue depth %d\n",
		stats.RAMAvailableMB, stats.RAMCapacityMB, stats.QueueDepth)
	return nil
}
