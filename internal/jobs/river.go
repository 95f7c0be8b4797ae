package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
)

const (
	JobKindHarvestList       = "harvest_list"
	JobKindHarvestGet        = "harvest_get"
	JobKindHarvestRunCleanup = "harvest_run_cleanup"
)

// QueueHarvest holds harvest jobs. Its worker count bounds how many
// repositories are harvested at once.
const QueueHarvest = "harvest"

const (
	ListRecordsMaxAttempts = 3
	GetRecordsMaxAttempts  = 5
	CleanupMaxAttempts     = 1
)

// RetryConfig controls per-kind retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy implements River's ClientRetryPolicy with per-kind exponential backoff.
type RetryPolicy struct {
	Default RetryConfig
	ByKind  map[string]RetryConfig
}

// NewRetryPolicy returns the default retry policy. Non-positive attempt
// counts keep the defaults.
func NewRetryPolicy(listAttempts, getAttempts int) *RetryPolicy {
	if listAttempts <= 0 {
		listAttempts = ListRecordsMaxAttempts
	}
	if getAttempts <= 0 {
		getAttempts = GetRecordsMaxAttempts
	}
	return &RetryPolicy{
		Default: RetryConfig{
			MaxAttempts: ListRecordsMaxAttempts,
			BaseDelay:   30 * time.Second,
			MaxDelay:    30 * time.Minute,
		},
		ByKind: map[string]RetryConfig{
			JobKindHarvestList: {
				MaxAttempts: listAttempts,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    2 * time.Hour,
			},
			JobKindHarvestGet: {
				MaxAttempts: getAttempts,
				BaseDelay:   1 * time.Minute,
				MaxDelay:    30 * time.Minute,
			},
			JobKindHarvestRunCleanup: {
				MaxAttempts: CleanupMaxAttempts,
			},
		},
	}
}

// NextRetry determines the next retry time for a failed job.
func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	config := p.configFor(job.Kind)
	if config.BaseDelay == 0 {
		return time.Now()
	}

	attempt := max(job.Attempt, 1)
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}
	return time.Now().Add(delay)
}

// InsertOpts returns the insert options for a job kind.
func (p *RetryPolicy) InsertOpts(kind string) *river.InsertOpts {
	opts := &river.InsertOpts{MaxAttempts: p.configFor(kind).MaxAttempts}
	switch kind {
	case JobKindHarvestList, JobKindHarvestGet:
		opts.Queue = QueueHarvest
		// Identical harvests already queued or running are not queued again.
		opts.UniqueOpts = river.UniqueOpts{ByArgs: true}
	}
	return opts
}

// ClientOptions configure the River client.
type ClientOptions struct {
	Workers      *river.Workers
	Logger       *slog.Logger
	Hooks        []rivertype.Hook
	PeriodicJobs []*river.PeriodicJob
	Policy       *RetryPolicy
	// HarvestWorkers bounds concurrent harvests; 0 means 4.
	HarvestWorkers int
	// InsertOnly builds a client that enqueues but does not work jobs.
	InsertOnly bool
}

// NewClientConfig builds a River client configuration with retry policy.
func NewClientConfig(opts ClientOptions) *river.Config {
	policy := opts.Policy
	if policy == nil {
		policy = NewRetryPolicy(0, 0)
	}
	harvestWorkers := opts.HarvestWorkers
	if harvestWorkers <= 0 {
		harvestWorkers = 4
	}
	config := &river.Config{
		RetryPolicy: policy,
		MaxAttempts: policy.Default.MaxAttempts,
		Hooks:       opts.Hooks,
	}
	if !opts.InsertOnly {
		config.Workers = opts.Workers
		config.PeriodicJobs = opts.PeriodicJobs
		config.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
			QueueHarvest:       {MaxWorkers: harvestWorkers},
		}
	}
	if opts.Logger != nil {
		config.Logger = opts.Logger
		config.ErrorHandler = NewAlertingErrorHandler(opts.Logger, nil)
	}
	return config
}

// NewClient creates a River client using pgx v5.
func NewClient(pool *pgxpool.Pool, opts ClientOptions) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), NewClientConfig(opts))
}

// MigrateRiver applies River's own schema migrations.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return 0, fmt.Errorf("river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{})
	if err != nil {
		return 0, fmt.Errorf("river migrate up: %w", err)
	}
	return len(res.Versions), nil
}

// NewPeriodicJobs schedules a list harvest of every enabled source each
// interval, plus a daily cleanup of old run records. A non-positive
// interval schedules only the cleanup.
func NewPeriodicJobs(policy *RetryPolicy, sources []harvest.Source, interval time.Duration, runOnStart bool, output OutputArgs) []*river.PeriodicJob {
	jobs := []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(24*time.Hour),
			func() (river.JobArgs, *river.InsertOpts) {
				return HarvestRunCleanupArgs{}, policy.InsertOpts(JobKindHarvestRunCleanup)
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
	}
	if interval <= 0 {
		return jobs
	}
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		args := HarvestListArgs{SourceName: src.Name, Output: output}
		jobs = append(jobs, river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return args, policy.InsertOpts(JobKindHarvestList)
			},
			&river.PeriodicJobOpts{RunOnStart: runOnStart},
		))
	}
	return jobs
}

func (p *RetryPolicy) configFor(kind string) RetryConfig {
	if p == nil {
		return RetryConfig{MaxAttempts: ListRecordsMaxAttempts, BaseDelay: 1 * time.Minute, MaxDelay: 1 * time.Hour}
	}
	if config, ok := p.ByKind[kind]; ok {
		return config
	}
	return p.Default
}
