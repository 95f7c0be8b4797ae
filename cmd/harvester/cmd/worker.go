package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river/rivertype"
	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/harvester/internal/harvester"
	"github.com/Togather-Foundation/harvester/internal/jobs"
	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/Togather-Foundation/harvester/internal/oaipmh"
	"github.com/Togather-Foundation/harvester/internal/sink"
	"github.com/Togather-Foundation/harvester/internal/storage/postgres"
)

var (
	workerOutput    string
	workerDirectory string
	workerWorkflow  string
)

// workerCmd runs queued and scheduled harvests.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queued and scheduled harvests",
	Long: `Work harvest jobs from the PostgreSQL job queue until interrupted.

With JOB_SCHEDULE_INTERVAL set, every enabled source is harvested on that
interval. Prometheus metrics are served on METRICS_ADDR when it is set.

Examples:
  harvester worker
  harvester worker --output workflow
  JOB_SCHEDULE_INTERVAL=24h METRICS_ADDR=:9090 harvester worker --output dir --directory /data/oai`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVarP(&workerOutput, "output", "o", sink.OutputDir, "output of scheduled harvests: stdout, dir or workflow")
	workerCmd.Flags().StringVarP(&workerDirectory, "directory", "d", "", "output directory of scheduled harvests (default: $HARVEST_OUTPUT_DIR)")
	workerCmd.Flags().StringVarP(&workerWorkflow, "workflow", "w", "", "workflow of scheduled harvests (default: the source's)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	metrics.Init(Version, GitCommit, BuildDate)

	enabled := true
	scheduled, err := a.sources.List(ctx, &enabled)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	h := a.harvester(nil, harvester.WithFinishedHook(func(_ context.Context, source string, records []oaipmh.Record) {
		logger.Info().Str("source", source).Int("records", len(records)).Msg("harvest finished")
	}))
	policy := jobs.NewRetryPolicy(a.cfg.Jobs.RetryListRecords, a.cfg.Jobs.RetryGetRecords)
	workers := jobs.NewWorkers(jobs.WorkerDeps{
		Harvester: h,
		Sinks: func(ctx context.Context, out jobs.OutputArgs, sourceName string) (harvester.Sink, error) {
			return a.sinkFor(ctx, out, sourceName, os.Stdout)
		},
		Runs:   postgres.NewHarvestRunRepository(a.pool),
		Logger: a.slog,
	})
	output := jobs.OutputArgs{Output: workerOutput, Directory: workerDirectory, Workflow: workerWorkflow}
	client, err := jobs.NewClient(a.pool, jobs.ClientOptions{
		Workers:        workers,
		Logger:         a.slog,
		Hooks:          []rivertype.Hook{metrics.NewRiverMetricsHook()},
		PeriodicJobs:   jobs.NewPeriodicJobs(policy, scheduled, a.cfg.Jobs.ScheduleInterval, a.cfg.Jobs.ScheduleRunOnStart, output),
		Policy:         policy,
		HarvestWorkers: a.cfg.Jobs.Workers,
	})
	if err != nil {
		return fmt.Errorf("create job client: %w", err)
	}

	// Start database metrics collector (collect every 15 seconds)
	go metrics.NewDBCollector(a.pool).Run(ctx, 15*time.Second)

	var server *http.Server
	if a.cfg.Metrics.Addr != "" {
		server = newMetricsServer(a.cfg.Metrics.Addr)
		go func() {
			logger.Info().Str("addr", server.Addr).Msg("metrics listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	riverCtx, riverCancel := context.WithCancel(context.Background())
	defer riverCancel()
	if err := client.Start(riverCtx); err != nil {
		return fmt.Errorf("river workers failed to start: %w", err)
	}
	logger.Info().
		Int("sources", len(scheduled)).
		Dur("interval", a.cfg.Jobs.ScheduleInterval).
		Msg("harvest worker started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("river workers shutdown error")
	} else {
		logger.Info().Msg("river workers stopped")
	}
	if server != nil {
		if err := server.Shutdown(stopCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}
	return nil
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB max header size
	}
}
