package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Togather-Foundation/harvester/internal/config"
	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
	"github.com/Togather-Foundation/harvester/internal/harvester"
	"github.com/Togather-Foundation/harvester/internal/jobs"
	"github.com/Togather-Foundation/harvester/internal/oaipmh"
	"github.com/Togather-Foundation/harvester/internal/sink"
	"github.com/Togather-Foundation/harvester/internal/sources"
	"github.com/Togather-Foundation/harvester/internal/storage/postgres"
	"github.com/Togather-Foundation/harvester/internal/telemetry"
)

// app holds the services shared by the harvest, sources and worker
// commands. Sources come from PostgreSQL when DATABASE_URL is set and
// from the YAML directory otherwise.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	slog    *slog.Logger
	pool    *pgxpool.Pool
	repo    *postgres.Repository
	sources harvest.Repository
	runs    harvest.RunRecorder
	closers []func()
}

// loadConfig reads the environment and applies the global flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if sourcesDir != "" {
		cfg.Harvest.SourcesDir = sourcesDir
	}
	return cfg, nil
}

func newApp(ctx context.Context, requireDB bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if requireDB {
		if err := cfg.RequireDatabase(); err != nil {
			return nil, err
		}
	}

	a := &app{
		cfg:    cfg,
		logger: config.NewLogger(cfg.Logging),
		slog:   config.NewSlogLogger(cfg.Logging),
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to initialize tracing")
	} else {
		a.closers = append(a.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				a.logger.Warn().Err(err).Msg("tracing shutdown error")
			}
		})
	}

	if cfg.Database.URL == "" {
		store, err := sources.NewFileStore(cfg.Harvest.SourcesDir)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.sources = store
		return a, nil
	}

	pool, err := postgres.Connect(ctx, cfg.Database.URL, int32(cfg.Database.MaxConnections))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	repo, err := postgres.NewRepository(pool)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pool = pool
	a.repo = repo
	a.sources = repo.Sources()
	a.runs = repo.Runs()
	return a, nil
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) harvester(normalizer harvester.IdentifierNormalizer, extra ...harvester.Option) *harvester.Harvester {
	opts := []harvester.Option{
		harvester.WithClientOptions(
			oaipmh.WithTimeout(a.cfg.HTTP.Timeout),
			oaipmh.WithUserAgent(a.cfg.HTTP.UserAgent),
			oaipmh.WithRateLimit(a.cfg.HTTP.RateLimit),
			oaipmh.WithRobotsCheck(a.cfg.HTTP.RespectRobots),
			oaipmh.WithLogger(a.logger),
		),
		harvester.WithMaxPages(a.cfg.Harvest.MaxPages),
		harvester.WithConcurrency(a.cfg.Harvest.Concurrency),
		harvester.WithLogger(a.logger),
	}
	if a.runs != nil {
		opts = append(opts, harvester.WithRunRecorder(a.runs))
	}
	if normalizer != nil {
		opts = append(opts, harvester.WithIdentifierNormalizer(normalizer))
	}
	return harvester.New(a.sources, append(opts, extra...)...)
}

// sinkFor builds the output sink named by out. Console output goes to
// stdout.
func (a *app) sinkFor(ctx context.Context, out jobs.OutputArgs, sourceName string, stdout io.Writer) (harvester.Sink, error) {
	switch out.Output {
	case "", sink.OutputStdout:
		return sink.NewConsole(stdout), nil

	case sink.OutputDir:
		dir := out.Directory
		if dir == "" {
			dir = a.cfg.Harvest.OutputDir
		}
		return sink.NewDirectory(dir, a.cfg.Harvest.RecordsPerFile, a.logger), nil

	case sink.OutputWorkflow:
		stored, err := a.storedWorkflow(ctx, sourceName)
		if err != nil {
			return nil, err
		}
		name, err := sink.ResolveWorkflow(out.Workflow, stored)
		if err != nil {
			return nil, err
		}
		if a.cfg.Workflow.URL == "" {
			return nil, errors.New("WORKFLOW_URL is required for workflow output")
		}
		return sink.NewWorkflow(a.cfg.Workflow.URL, a.cfg.Workflow.APIKey, name, sourceName, a.cfg.Harvest.RecordsPerFile, a.logger), nil

	default:
		return nil, fmt.Errorf("unknown output %q (want %s, %s or %s)", out.Output, sink.OutputStdout, sink.OutputDir, sink.OutputWorkflow)
	}
}

func (a *app) storedWorkflow(ctx context.Context, sourceName string) (string, error) {
	if sourceName == "" || a.sources == nil {
		return "", nil
	}
	src, err := a.sources.GetByName(ctx, sourceName)
	if errors.Is(err, harvest.ErrNotFound) {
		return "", fmt.Errorf("%w: %q", harvester.ErrSourceNotFound, sourceName)
	}
	if err != nil {
		return "", fmt.Errorf("load source %q: %w", sourceName, err)
	}
	return src.Workflow, nil
}
