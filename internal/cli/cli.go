// ============================================================================
// Teias Scheduler CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// Purpose: Cobra-based command line interface
//
// Command Structure:
//   teias-scheduler
//   ├── run                # Start the scheduler with the HTTP surface
//   │   └── --config, -c   # Config file path
//   ├── submit             # Submit an execution to a running scheduler
//   ├── status             # Show pool utilization of a running scheduler
//   ├── sweep              # Reclaim stale reservations on a running scheduler
//   ├── --version
//   └── --help
//
// The run command wires a complete single-node deployment: record store per
// the configured driver, in-memory catalog seeded from a YAML file, the
// filesystem artifact store, the simulated runner (the production sandbox is
// wired by the surrounding service), the websocket event hub, Prometheus
// metrics, and graceful SIGINT/SIGTERM shutdown.
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mertmtlu/teias-scheduler/internal/artifacts"
	"github.com/mertmtlu/teias-scheduler/internal/catalog"
	"github.com/mertmtlu/teias-scheduler/internal/config"
	"github.com/mertmtlu/teias-scheduler/internal/events"
	"github.com/mertmtlu/teias-scheduler/internal/metrics"
	"github.com/mertmtlu/teias-scheduler/internal/runner"
	"github.com/mertmtlu/teias-scheduler/internal/scheduler"
	"github.com/mertmtlu/teias-scheduler/internal/server"
	"github.com/mertmtlu/teias-scheduler/internal/store"
	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

var (
	configFile  string
	catalogFile string
)

// BuildCLI constructs the root command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "teias-scheduler",
		Short: "Tiered execution scheduler for program execution jobs",
		Long: `teias-scheduler admits, classifies, places, and finalizes code-execution
jobs across a weighted RAM pool and a slot-based Disk pool, with durable job
records, a bounded wait queue, and a stale-reservation sweeper.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildSweepCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler()
		},
	}
	cmd.Flags().StringVar(&catalogFile, "catalog", "", "YAML file seeding the in-memory catalog")
	return cmd
}

func runScheduler() error {
	logger := slog.Default()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := buildStore(cfg)
	if err != nil {
		return err
	}

	cat := catalog.NewMemoryCatalog()
	if catalogFile != "" {
		if err := seedCatalog(cat, catalogFile); err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
	} else {
		logger.Warn("No catalog file given, catalog starts empty")
	}

	arts, err := artifacts.NewFSStore(cfg.Artifacts.Dir)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	var hub *events.Hub
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Server.Enabled {
		hub = events.NewHub(logger)
		publisher = hub
	}

	sched, err := scheduler.New(cfg.Execution, scheduler.Deps{
		Store:     st,
		Catalog:   cat,
		Artifacts: arts,
		Runner:    runner.NewSimulatedRunner(0),
		Events:    publisher,
		Metrics:   collector,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	var httpServer *http.Server
	if cfg.Server.Enabled {
		srv := server.New(sched, hub, logger)
		httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: srv.Router(),
		}
		go func() {
			logger.Info("HTTP server listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "error", err)
			}
		}()
	}

	if cfg.Metrics.Enabled && !cfg.Server.Enabled {
		// The API router already serves /metrics; the standalone endpoint is
		// only needed when the API is off.
		go func() {
			logger.Info("Metrics server listening", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Received shutdown signal, stopping gracefully")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", "error", err)
		}
		cancel()
	}
	if hub != nil {
		_ = hub.Close()
	}
	sched.Stop()
	if pg, ok := st.(*store.PostgresStore); ok {
		pg.Close()
	}

	logger.Info("Scheduler stopped. Goodbye!")
	return nil
}

func buildStore(cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		st, err := store.NewPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	default:
		if cfg.Store.SnapshotPath != "" {
			st, err := store.NewMemoryStoreWithSnapshot(cfg.Store.SnapshotPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open memory store snapshot: %w", err)
			}
			return st, nil
		}
		return store.NewMemoryStore(), nil
	}
}

// catalogSeed is the YAML shape of a seeded catalog.
type catalogSeed struct {
	Users []struct {
		ID      string   `yaml:"id"`
		Name    string   `yaml:"name"`
		IsAdmin bool     `yaml:"is_admin"`
		Groups  []string `yaml:"groups"`
	} `yaml:"users"`
	Programs []struct {
		ID             string            `yaml:"id"`
		Name           string            `yaml:"name"`
		Owner          string            `yaml:"owner"`
		Language       string            `yaml:"language"`
		Public         bool              `yaml:"public"`
		CurrentVersion string            `yaml:"current_version"`
		GroupAccess    map[string]string `yaml:"group_access"`
	} `yaml:"programs"`
	Versions []struct {
		ID         string `yaml:"id"`
		Program    string `yaml:"program"`
		Number     int    `yaml:"number"`
		Executable bool   `yaml:"executable"`
	} `yaml:"versions"`
}

var accessLevels = map[string]catalog.AccessLevel{
	"read":    catalog.AccessRead,
	"execute": catalog.AccessExecute,
	"write":   catalog.AccessWrite,
	"admin":   catalog.AccessAdmin,
}

func seedCatalog(cat *catalog.MemoryCatalog, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var seed catalogSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse catalog YAML: %w", err)
	}

	for _, u := range seed.Users {
		cat.AddUser(catalog.User{
			ID: types.UserID(u.ID), Name: u.Name, IsAdmin: u.IsAdmin, Groups: u.Groups,
		})
	}
	for _, p := range seed.Programs {
		groupAccess := make(map[string]catalog.AccessLevel, len(p.GroupAccess))
		for group, level := range p.GroupAccess {
			groupAccess[group] = accessLevels[level]
		}
		cat.AddProgram(catalog.Program{
			ID:             types.ProgramID(p.ID),
			Name:           p.Name,
			OwnerID:        types.UserID(p.Owner),
			Language:       p.Language,
			Public:         p.Public,
			CurrentVersion: types.VersionID(p.CurrentVersion),
			GroupAccess:    groupAccess,
		})
	}
	for _, v := range seed.Versions {
		cat.AddVersion(catalog.Version{
			ID:         types.VersionID(v.ID),
			ProgramID:  types.ProgramID(v.Program),
			Number:     v.Number,
			Executable: v.Executable,
		})
	}

	return nil
}

func buildSubmitCommand() *cobra.Command {
	var serverAddr, programID, userID, profile, paramsFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an execution to a running scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitExecution(serverAddr, programID, userID, profile, paramsFile)
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "http://localhost:8080", "scheduler API address")
	cmd.Flags().StringVar(&programID, "program", "", "program id")
	cmd.Flags().StringVar(&userID, "user", "", "submitting user id")
	cmd.Flags().StringVar(&profile, "profile", "", "job profile name")
	cmd.Flags().StringVarP(&paramsFile, "params", "f", "", "JSON file with execution parameters")
	cmd.MarkFlagRequired("program")
	cmd.MarkFlagRequired("user")

	return cmd
}

func submitExecution(serverAddr, programID, userID, profile, paramsFile string) error {
	sub := types.ExecutionSubmission{
		UserID:     types.UserID(userID),
		JobProfile: profile,
	}

	if paramsFile != "" {
		data, err := os.ReadFile(paramsFile)
		if err != nil {
			return fmt.Errorf("failed to read params file: %w", err)
		}
		if err := json.Unmarshal(data, &sub.Parameters); err != nil {
			return fmt.Errorf("failed to parse params JSON: %w", err)
		}
	}

	body, err := json.Marshal(sub)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/programs/%s/execute", serverAddr, programID)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach scheduler: %w", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("submission rejected (%s): %s", resp.Status, payload)
	}

	fmt.Printf("Submitted: %s\n", payload)
	return nil
}

func buildStatusCommand() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pool utilization of a running scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(serverAddr)
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "http://localhost:8080", "scheduler API address")
	return cmd
}

func showStatus(serverAddr string) error {
	resp, err := http.Get(serverAddr + "/api/pool")
	if err != nil {
		return fmt.Errorf("failed to reach scheduler: %w", err)
	}
	defer resp.Body.Close()

	var stats types.PoolStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode pool stats: %w", err)
	}

	fmt.Println("Pool utilization:")
	fmt.Printf("  RAM:   %d / %d MB available, %d/%d jobs\n",
		stats.RAMAvailableMB, stats.RAMCapacityMB, stats.RAMReservations, stats.MaxRAMJobs)
	fmt.Printf("  Disk:  %d/%d jobs\n", stats.DiskReservations, stats.MaxDiskJobs)
	fmt.Printf("  Queue: %d waiting\n", stats.QueueDepth)
	return nil
}

func buildSweepCommand() *cobra.Command {
	var serverAddr string
	var maxAgeMinutes int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim stale reservations on a running scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]int{"max_age_minutes": maxAgeMinutes})
			resp, err := http.Post(serverAddr+"/api/maintenance/sweep", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to reach scheduler: %w", err)
			}
			defer resp.Body.Close()

			payload, _ := io.ReadAll(resp.Body)
			fmt.Printf("Sweep result: %s\n", payload)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "http://localhost:8080", "scheduler API address")
	cmd.Flags().IntVar(&maxAgeMinutes, "max-age", 120, "reservation age threshold in minutes")
	return cmd
}
