package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
	"github.com/Togather-Foundation/harvester/internal/storage"
)

func TestHarvestSourceRepositoryUpsert(t *testing.T) {
	ctx := t.Context()
	pool, _ := setupPostgres(t)
	repo := NewHarvestSourceRepository(pool)

	src, err := repo.Upsert(ctx, harvest.UpsertParams{
		Name:     "arxiv",
		BaseURL:  "http://export.arxiv.org/oai2",
		SetSpecs: []string{"cs", "math"},
		Workflow: "ingest",
		Enabled:  true,
		Notes:    "main repository",
	})
	require.NoError(t, err)
	require.Positive(t, src.ID)
	require.Equal(t, "arxiv", src.Name)
	require.Equal(t, "oai_dc", src.MetadataPrefix)
	require.Equal(t, []string{"cs", "math"}, src.SetSpecs)
	require.Equal(t, "ingest", src.Workflow)
	require.Equal(t, "main repository", src.Notes)
	require.Nil(t, src.LastRun)
	require.Equal(t, harvest.GranularityDay, src.Granularity)
	require.False(t, src.CreatedAt.IsZero())

	lastRun := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateLastRun(ctx, "arxiv", lastRun))

	updated, err := repo.Upsert(ctx, harvest.UpsertParams{
		Name:           "arxiv",
		BaseURL:        "https://export.arxiv.org/oai2",
		MetadataPrefix: "arXiv",
		Enabled:        false,
	})
	require.NoError(t, err)
	require.Equal(t, src.ID, updated.ID)
	require.Equal(t, "https://export.arxiv.org/oai2", updated.BaseURL)
	require.Equal(t, "arXiv", updated.MetadataPrefix)
	require.Empty(t, updated.SetSpecs)
	require.Empty(t, updated.Workflow)
	require.False(t, updated.Enabled)
	require.NotNil(t, updated.LastRun, "upsert without last run keeps the watermark")
	require.True(t, updated.LastRun.Equal(lastRun))
}

func TestHarvestSourceRepositoryGranularity(t *testing.T) {
	ctx := t.Context()
	pool, _ := setupPostgres(t)
	repo := NewHarvestSourceRepository(pool)

	_, err := repo.Upsert(ctx, harvest.UpsertParams{
		Name:        "fine",
		BaseURL:     "https://fine.example.org/oai",
		Granularity: harvest.GranularitySecond,
		Enabled:     true,
	})
	require.NoError(t, err)

	got, err := repo.GetByName(ctx, "fine")
	require.NoError(t, err)
	require.Equal(t, harvest.GranularitySecond, got.Granularity)

	_, err = repo.Upsert(ctx, harvest.UpsertParams{
		Name:        "bogus",
		BaseURL:     "https://bogus.example.org/oai",
		Granularity: "hourly",
	})
	require.Error(t, err, "check constraint rejects unknown granularities")
}

func TestHarvestSourceRepositoryGetAndList(t *testing.T) {
	ctx := t.Context()
	pool, _ := setupPostgres(t)
	repo := NewHarvestSourceRepository(pool)

	for _, p := range []harvest.UpsertParams{
		{Name: "beta", BaseURL: "https://beta.example.org/oai", Enabled: false},
		{Name: "alpha", BaseURL: "https://alpha.example.org/oai", Enabled: true, LastRun: timePtr(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))},
	} {
		_, err := repo.Upsert(ctx, p)
		require.NoError(t, err)
	}

	got, err := repo.GetByName(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)

	_, err = repo.GetByName(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)

	all, err := repo.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "alpha", all[0].Name)
	require.Equal(t, "beta", all[1].Name)

	enabled := true
	onlyEnabled, err := repo.List(ctx, &enabled)
	require.NoError(t, err)
	require.Len(t, onlyEnabled, 1)
	require.Equal(t, "alpha", onlyEnabled[0].Name)
}

func TestHarvestSourceRepositoryUpdateAndDelete(t *testing.T) {
	ctx := t.Context()
	pool, _ := setupPostgres(t)
	repo := NewHarvestSourceRepository(pool)

	require.ErrorIs(t, repo.UpdateLastRun(ctx, "missing", time.Now()), harvest.ErrNotFound)
	require.ErrorIs(t, repo.Delete(ctx, "missing"), harvest.ErrNotFound)

	_, err := repo.Upsert(ctx, harvest.UpsertParams{Name: "gone", BaseURL: "https://gone.example.org/oai"})
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, "gone"))
	_, err = repo.GetByName(ctx, "gone")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestRepositoryWithTxRollsBack(t *testing.T) {
	ctx := t.Context()
	pool, _ := setupPostgres(t)
	repo, err := NewRepository(pool)
	require.NoError(t, err)

	_, err = repo.Sources().Upsert(ctx, harvest.UpsertParams{Name: "tx", BaseURL: "https://tx.example.org/oai"})
	require.NoError(t, err)

	sentinel := harvest.ErrNotFound
	err = repo.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		if err := tx.Sources().UpdateLastRun(ctx, "tx", time.Now()); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	src, err := repo.Sources().GetByName(ctx, "tx")
	require.NoError(t, err)
	require.Nil(t, src.LastRun, "rolled back watermark must not persist")
}
