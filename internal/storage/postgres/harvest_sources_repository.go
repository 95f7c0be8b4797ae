package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
	"github.com/Togather-Foundation/harvester/internal/metrics"
)

// Compile-time interface assertion.
var _ harvest.Repository = (*HarvestSourceRepository)(nil)

// HarvestSourceRepository implements harvest.Repository using PostgreSQL.
type HarvestSourceRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

// NewHarvestSourceRepository creates a new HarvestSourceRepository.
func NewHarvestSourceRepository(pool *pgxpool.Pool) *HarvestSourceRepository {
	return &HarvestSourceRepository{pool: pool}
}

const sourceColumns = `id, name, base_url, metadata_prefix, set_specs, granularity,
	last_run, workflow, enabled, notes, created_at, updated_at`

// Upsert inserts or updates a harvest source by name. A nil LastRun keeps
// the stored watermark.
func (r *HarvestSourceRepository) Upsert(ctx context.Context, params harvest.UpsertParams) (src *harvest.Source, err error) {
	defer func(start time.Time) { metrics.RecordQuery("upsert_harvest_source", start, err) }(time.Now())

	prefix := params.MetadataPrefix
	if prefix == "" {
		prefix = harvest.DefaultMetadataPrefix
	}
	sets := params.SetSpecs
	if sets == nil {
		sets = []string{}
	}
	granularity := params.Granularity
	if granularity == "" {
		granularity = harvest.GranularityDay
	}
	var lastRun pgtype.Timestamptz
	if params.LastRun != nil {
		lastRun = pgtype.Timestamptz{Time: *params.LastRun, Valid: true}
	}

	const query = `
		INSERT INTO harvest_sources (name, base_url, metadata_prefix, set_specs, last_run, workflow, enabled, notes, granularity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			base_url = EXCLUDED.base_url,
			metadata_prefix = EXCLUDED.metadata_prefix,
			set_specs = EXCLUDED.set_specs,
			granularity = EXCLUDED.granularity,
			last_run = COALESCE(EXCLUDED.last_run, harvest_sources.last_run),
			workflow = EXCLUDED.workflow,
			enabled = EXCLUDED.enabled,
			notes = EXCLUDED.notes,
			updated_at = NOW()
		RETURNING ` + sourceColumns

	row := pick(r.pool, r.tx).QueryRow(ctx, query,
		params.Name,
		params.BaseURL,
		prefix,
		sets,
		lastRun,
		pgtype.Text{String: params.Workflow, Valid: params.Workflow != ""},
		params.Enabled,
		pgtype.Text{String: params.Notes, Valid: params.Notes != ""},
		granularity,
	)
	src, err = scanSource(row)
	if err != nil {
		return nil, fmt.Errorf("upsert harvest source %q: %w", params.Name, err)
	}
	return src, nil
}

// GetByName returns a harvest source by unique name.
func (r *HarvestSourceRepository) GetByName(ctx context.Context, name string) (src *harvest.Source, err error) {
	defer func(start time.Time) { metrics.RecordQuery("get_harvest_source", start, err) }(time.Now())

	row := pick(r.pool, r.tx).QueryRow(ctx, `SELECT `+sourceColumns+` FROM harvest_sources WHERE name = $1`, name)
	src, err = scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, harvest.ErrNotFound
		}
		return nil, fmt.Errorf("get harvest source %q: %w", name, err)
	}
	return src, nil
}

// List returns all harvest sources ordered by name, optionally filtered by
// enabled status.
func (r *HarvestSourceRepository) List(ctx context.Context, enabled *bool) (sources []harvest.Source, err error) {
	defer func(start time.Time) { metrics.RecordQuery("list_harvest_sources", start, err) }(time.Now())

	var enabledParam pgtype.Bool
	if enabled != nil {
		enabledParam = pgtype.Bool{Bool: *enabled, Valid: true}
	}

	rows, err := pick(r.pool, r.tx).Query(ctx, `
		SELECT `+sourceColumns+`
		  FROM harvest_sources
		 WHERE ($1::boolean IS NULL OR enabled = $1)
		 ORDER BY name`, enabledParam)
	if err != nil {
		return nil, fmt.Errorf("list harvest sources: %w", err)
	}
	defer rows.Close()

	sources = []harvest.Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan harvest source: %w", err)
		}
		sources = append(sources, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list harvest sources: %w", err)
	}
	return sources, nil
}

// UpdateLastRun moves the watermark of the named source.
func (r *HarvestSourceRepository) UpdateLastRun(ctx context.Context, name string, at time.Time) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("update_harvest_last_run", start, err) }(time.Now())

	tag, err := pick(r.pool, r.tx).Exec(ctx,
		`UPDATE harvest_sources SET last_run = $2, updated_at = NOW() WHERE name = $1`, name, at)
	if err != nil {
		return fmt.Errorf("update last run for %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// Delete removes a harvest source by name.
func (r *HarvestSourceRepository) Delete(ctx context.Context, name string) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("delete_harvest_source", start, err) }(time.Now())

	tag, err := pick(r.pool, r.tx).Exec(ctx, `DELETE FROM harvest_sources WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete harvest source %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

func scanSource(row pgx.Row) (*harvest.Source, error) {
	var (
		s        harvest.Source
		lastRun  pgtype.Timestamptz
		workflow pgtype.Text
		notes    pgtype.Text
	)
	if err := row.Scan(
		&s.ID,
		&s.Name,
		&s.BaseURL,
		&s.MetadataPrefix,
		&s.SetSpecs,
		&s.Granularity,
		&lastRun,
		&workflow,
		&s.Enabled,
		&notes,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRun = &t
	}
	s.Workflow = workflow.String
	s.Notes = notes.String
	return &s, nil
}
