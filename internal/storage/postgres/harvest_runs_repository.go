package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
	"github.com/Togather-Foundation/harvester/internal/metrics"
)

var _ harvest.RunRecorder = (*HarvestRunRepository)(nil)

// HarvestRunRepository records harvest runs in the harvest_runs table.
type HarvestRunRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func NewHarvestRunRepository(pool *pgxpool.Pool) *HarvestRunRepository {
	return &HarvestRunRepository{pool: pool}
}

func (r *HarvestRunRepository) StartRun(ctx context.Context, run harvest.Run) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("start_harvest_run", start, err) }(time.Now())

	status := run.Status
	if status == "" {
		status = harvest.RunRunning
	}
	_, err = pick(r.pool, r.tx).Exec(ctx, `
		INSERT INTO harvest_runs (ulid, source_name, base_url, mode, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID,
		pgtype.Text{String: run.SourceName, Valid: run.SourceName != ""},
		run.BaseURL,
		run.Mode,
		string(status),
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("start harvest run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stores the outcome of a run. A run that was never started is
// inserted.
func (r *HarvestRunRepository) FinishRun(ctx context.Context, run harvest.Run) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("finish_harvest_run", start, err) }(time.Now())

	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	_, err = pick(r.pool, r.tx).Exec(ctx, `
		INSERT INTO harvest_runs (ulid, source_name, base_url, mode, status, records_harvested,
		                          units_failed, watermark_advanced, error_message, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (ulid) DO UPDATE SET
			status = EXCLUDED.status,
			records_harvested = EXCLUDED.records_harvested,
			units_failed = EXCLUDED.units_failed,
			watermark_advanced = EXCLUDED.watermark_advanced,
			error_message = EXCLUDED.error_message,
			finished_at = EXCLUDED.finished_at`,
		run.ID,
		pgtype.Text{String: run.SourceName, Valid: run.SourceName != ""},
		run.BaseURL,
		run.Mode,
		string(run.Status),
		run.RecordsHarvested,
		run.UnitsFailed,
		run.WatermarkAdvanced,
		pgtype.Text{String: run.ErrorMessage, Valid: run.ErrorMessage != ""},
		run.StartedAt,
		finished,
	)
	if err != nil {
		return fmt.Errorf("finish harvest run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. An empty source
// name lists runs of every source.
func (r *HarvestRunRepository) ListRuns(ctx context.Context, sourceName string, limit int) (runs []harvest.Run, err error) {
	defer func(start time.Time) { metrics.RecordQuery("list_harvest_runs", start, err) }(time.Now())

	if limit <= 0 {
		limit = 20
	}
	rows, err := pick(r.pool, r.tx).Query(ctx, `
		SELECT ulid, source_name, base_url, mode, status, records_harvested, units_failed,
		       watermark_advanced, error_message, started_at, finished_at
		  FROM harvest_runs
		 WHERE ($1 = '' OR source_name = $1)
		 ORDER BY started_at DESC, id DESC
		 LIMIT $2`, sourceName, limit)
	if err != nil {
		return nil, fmt.Errorf("list harvest runs: %w", err)
	}
	defer rows.Close()

	runs = []harvest.Run{}
	for rows.Next() {
		var (
			run        harvest.Run
			source     pgtype.Text
			status     string
			errMessage pgtype.Text
			finished   pgtype.Timestamptz
		)
		if err := rows.Scan(
			&run.ID,
			&source,
			&run.BaseURL,
			&run.Mode,
			&status,
			&run.RecordsHarvested,
			&run.UnitsFailed,
			&run.WatermarkAdvanced,
			&errMessage,
			&run.StartedAt,
			&finished,
		); err != nil {
			return nil, fmt.Errorf("scan harvest run: %w", err)
		}
		run.SourceName = source.String
		run.Status = harvest.RunStatus(status)
		run.ErrorMessage = errMessage.String
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list harvest runs: %w", err)
	}
	return runs, nil
}

// DeleteRunsBefore removes finished runs that started before the cutoff.
func (r *HarvestRunRepository) DeleteRunsBefore(ctx context.Context, before time.Time) (deleted int64, err error) {
	defer func(start time.Time) { metrics.RecordQuery("delete_harvest_runs", start, err) }(time.Now())

	tag, err := pick(r.pool, r.tx).Exec(ctx,
		`DELETE FROM harvest_runs WHERE started_at < $1 AND status <> 'running'`, before)
	if err != nil {
		return 0, fmt.Errorf("delete harvest runs before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}
