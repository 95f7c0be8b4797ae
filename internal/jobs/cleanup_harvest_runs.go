package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// DefaultRunRetention is how long harvest run records are kept.
const DefaultRunRetention = 90 * 24 * time.Hour

// RunPruner deletes old harvest run records.
type RunPruner interface {
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)
}

// HarvestRunCleanupArgs defines the job for pruning old run records.
type HarvestRunCleanupArgs struct{}

func (HarvestRunCleanupArgs) Kind() string { return JobKindHarvestRunCleanup }

// HarvestRunCleanupWorker removes finished run records older than the
// retention period. Runs still marked running are kept.
type HarvestRunCleanupWorker struct {
	river.WorkerDefaults[HarvestRunCleanupArgs]
	Runs      RunPruner
	Logger    *slog.Logger
	Retention time.Duration
	now       func() time.Time
}

func (HarvestRunCleanupWorker) Kind() string { return JobKindHarvestRunCleanup }

func (w HarvestRunCleanupWorker) Work(ctx context.Context, job *river.Job[HarvestRunCleanupArgs]) error {
	if w.Runs == nil {
		return fmt.Errorf("run store not configured")
	}

	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := w.Retention
	if retention <= 0 {
		retention = DefaultRunRetention
	}
	now := time.Now
	if w.now != nil {
		now = w.now
	}

	start := time.Now()
	cutoff := now().Add(-retention)
	deleted, err := w.Runs.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		logger.Error("failed to cleanup harvest runs", "error", err)
		return fmt.Errorf("delete harvest runs: %w", err)
	}

	logger.Info("harvest run cleanup job completed",
		"deleted_count", deleted,
		"cutoff", cutoff,
		"attempt", job.Attempt,
		"duration_seconds", time.Since(start).Seconds(),
	)
	return nil
}
