package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/Togather-Foundation/harvester/internal/harvester"
)

// DefaultHarvestTimeout bounds a single harvest job attempt.
const DefaultHarvestTimeout = 6 * time.Hour

// OutputArgs says where a queued harvest delivers its records.
type OutputArgs struct {
	Output    string `json:"output"`
	Directory string `json:"directory,omitempty"`
	Workflow  string `json:"workflow,omitempty"`
}

// SinkFactory builds the sink for a job. sourceName is empty for URL
// harvests.
type SinkFactory func(ctx context.Context, out OutputArgs, sourceName string) (harvester.Sink, error)

// HarvestListArgs queues a ListRecords harvest.
type HarvestListArgs struct {
	SourceName     string     `json:"source_name,omitempty"`
	URL            string     `json:"url,omitempty"`
	MetadataPrefix string     `json:"metadata_prefix,omitempty"`
	Sets           []string   `json:"sets,omitempty"`
	From           *time.Time `json:"from,omitempty"`
	Until          *time.Time `json:"until,omitempty"`
	Granularity    string     `json:"granularity,omitempty"`
	Encoding       string     `json:"encoding,omitempty"`
	KeepPartial    bool       `json:"keep_partial,omitempty"`
	Output         OutputArgs `json:"output"`
}

func (HarvestListArgs) Kind() string { return JobKindHarvestList }

func (a HarvestListArgs) request() harvester.Request {
	return harvester.Request{
		MetadataPrefix: a.MetadataPrefix,
		From:           a.From,
		Until:          a.Until,
		URL:            a.URL,
		SourceName:     a.SourceName,
		Sets:           a.Sets,
		Granularity:    a.Granularity,
		Encoding:       a.Encoding,
		KeepPartial:    a.KeepPartial,
	}
}

// HarvestGetArgs queues a GetRecord harvest of specific identifiers.
type HarvestGetArgs struct {
	SourceName     string     `json:"source_name,omitempty"`
	URL            string     `json:"url,omitempty"`
	MetadataPrefix string     `json:"metadata_prefix,omitempty"`
	Identifiers    []string   `json:"identifiers"`
	Encoding       string     `json:"encoding,omitempty"`
	Output         OutputArgs `json:"output"`
}

func (HarvestGetArgs) Kind() string { return JobKindHarvestGet }

func (a HarvestGetArgs) request() harvester.Request {
	return harvester.Request{
		MetadataPrefix: a.MetadataPrefix,
		URL:            a.URL,
		SourceName:     a.SourceName,
		Identifiers:    a.Identifiers,
		Encoding:       a.Encoding,
	}
}

// HarvestListWorker runs queued ListRecords harvests.
type HarvestListWorker struct {
	river.WorkerDefaults[HarvestListArgs]
	Harvester *harvester.Harvester
	Sinks     SinkFactory
	Logger    *slog.Logger
	Limit     time.Duration
}

func (HarvestListWorker) Kind() string { return JobKindHarvestList }

func (w HarvestListWorker) Timeout(*river.Job[HarvestListArgs]) time.Duration {
	return timeoutOrDefault(w.Limit)
}

func (w HarvestListWorker) Work(ctx context.Context, job *river.Job[HarvestListArgs]) error {
	if job == nil {
		return fmt.Errorf("harvest list job missing")
	}
	return runHarvest(ctx, w.Harvester, w.Sinks, w.Logger, job.JobRow, job.Args.request(), job.Args.Output)
}

// HarvestGetWorker runs queued identifier harvests.
type HarvestGetWorker struct {
	river.WorkerDefaults[HarvestGetArgs]
	Harvester *harvester.Harvester
	Sinks     SinkFactory
	Logger    *slog.Logger
	Limit     time.Duration
}

func (HarvestGetWorker) Kind() string { return JobKindHarvestGet }

func (w HarvestGetWorker) Timeout(*river.Job[HarvestGetArgs]) time.Duration {
	return timeoutOrDefault(w.Limit)
}

func (w HarvestGetWorker) Work(ctx context.Context, job *river.Job[HarvestGetArgs]) error {
	if job == nil {
		return fmt.Errorf("harvest get job missing")
	}
	return runHarvest(ctx, w.Harvester, w.Sinks, w.Logger, job.JobRow, job.Args.request(), job.Args.Output)
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultHarvestTimeout
	}
	return d
}

// runHarvest executes one job. Configuration errors cancel the job since
// retrying cannot fix them, as do harvests whose only failures are
// permanent protocol errors. Other harvest failures are returned so River
// retries the whole harvest.
func runHarvest(ctx context.Context, h *harvester.Harvester, sinks SinkFactory, logger *slog.Logger, row *rivertype.JobRow, req harvester.Request, out OutputArgs) error {
	if h == nil {
		return fmt.Errorf("harvester not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var sink harvester.Sink
	if sinks != nil {
		s, err := sinks(ctx, out, req.SourceName)
		if err != nil {
			return river.JobCancel(fmt.Errorf("build %q output: %w", out.Output, err))
		}
		sink = s
	}

	logger.Info("starting harvest job",
		"job_id", row.ID,
		"kind", row.Kind,
		"source", req.SourceName,
		"url", req.URL,
		"attempt", row.Attempt,
	)

	outcome, err := h.Run(ctx, req, sink)
	if err != nil {
		if harvester.IsConfigError(err) {
			return river.JobCancel(err)
		}
		return fmt.Errorf("harvest: %w", err)
	}
	if err := outcome.Err(); err != nil {
		logger.Warn("harvest job finished with failures",
			"job_id", row.ID,
			"source", req.SourceName,
			"records", len(outcome.Records()),
			"error", err,
			"permanent", outcome.Permanent(),
		)
		if outcome.Permanent() {
			return river.JobCancel(fmt.Errorf("harvest: %w", err))
		}
		return fmt.Errorf("harvest: %w", err)
	}

	logger.Info("harvest job completed",
		"job_id", row.ID,
		"source", req.SourceName,
		"records", len(outcome.Records()),
	)
	return nil
}

// Inserter is the part of a River client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

var _ Inserter = (*river.Client[pgx.Tx])(nil)

// EnqueueHarvest validates req and queues it as a list or get job.
func EnqueueHarvest(ctx context.Context, client Inserter, policy *RetryPolicy, req harvester.Request, out OutputArgs) (*rivertype.JobInsertResult, error) {
	if client == nil {
		return nil, errors.New("job client not configured")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if policy == nil {
		policy = NewRetryPolicy(0, 0)
	}

	var args river.JobArgs
	if req.Mode() == harvester.ModeGet {
		args = HarvestGetArgs{
			SourceName:     req.SourceName,
			URL:            req.URL,
			MetadataPrefix: req.MetadataPrefix,
			Identifiers:    harvester.NormalizeIdentifiers(req.Identifiers),
			Encoding:       req.Encoding,
			Output:         out,
		}
	} else {
		args = HarvestListArgs{
			SourceName:     req.SourceName,
			URL:            req.URL,
			MetadataPrefix: req.MetadataPrefix,
			Sets:           req.Sets,
			From:           req.From,
			Until:          req.Until,
			Granularity:    req.Granularity,
			Encoding:       req.Encoding,
			KeepPartial:    req.KeepPartial,
			Output:         out,
		}
	}
	res, err := client.Insert(ctx, args, policy.InsertOpts(args.Kind()))
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", args.Kind(), err)
	}
	return res, nil
}

// WorkerDeps are the services the workers need.
type WorkerDeps struct {
	Harvester *harvester.Harvester
	Sinks     SinkFactory
	Runs      RunPruner
	Logger    *slog.Logger
	Timeout   time.Duration
	// RunRetention is how long run records are kept; 0 means 90 days.
	RunRetention time.Duration
}

// NewWorkers registers every worker.
func NewWorkers(deps WorkerDeps) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker[HarvestListArgs](workers, HarvestListWorker{
		Harvester: deps.Harvester,
		Sinks:     deps.Sinks,
		Logger:    deps.Logger,
		Limit:     deps.Timeout,
	})
	river.AddWorker[HarvestGetArgs](workers, HarvestGetWorker{
		Harvester: deps.Harvester,
		Sinks:     deps.Sinks,
		Logger:    deps.Logger,
		Limit:     deps.Timeout,
	})
	river.AddWorker[HarvestRunCleanupArgs](workers, HarvestRunCleanupWorker{
		Runs:      deps.Runs,
		Logger:    deps.Logger,
		Retention: deps.RunRetention,
	})
	return workers
}
