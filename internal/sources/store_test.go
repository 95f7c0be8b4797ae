package sources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
)

func TestFileStore(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	writeYAML(t, dir, "alpha.yaml", "name: alpha\nbase_url: https://alpha.example.org/oai\nsets: [a, b]\n")
	writeYAML(t, dir, "beta.yaml", "name: beta\nbase_url: https://beta.example.org/oai\nenabled: false\n")

	store, err := NewFileStore(dir)
	require.NoError(t, err)

	t.Run("get by name", func(t *testing.T) {
		src, err := store.GetByName(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, "https://alpha.example.org/oai", src.BaseURL)
		assert.Equal(t, []string{"a", "b"}, src.SetSpecs)
		assert.Nil(t, src.LastRun)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := store.GetByName(ctx, "gamma")
		assert.ErrorIs(t, err, harvest.ErrNotFound)
		assert.ErrorIs(t, store.UpdateLastRun(ctx, "gamma", time.Now()), harvest.ErrNotFound)
	})

	t.Run("list filters by enabled", func(t *testing.T) {
		all, err := store.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "alpha", all[0].Name)

		enabled := true
		onlyEnabled, err := store.List(ctx, &enabled)
		require.NoError(t, err)
		require.Len(t, onlyEnabled, 1)
		assert.Equal(t, "alpha", onlyEnabled[0].Name)
	})

	t.Run("update last run persists", func(t *testing.T) {
		at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
		require.NoError(t, store.UpdateLastRun(ctx, "alpha", at))

		reopened, err := NewFileStore(dir)
		require.NoError(t, err)
		src, err := reopened.GetByName(ctx, "alpha")
		require.NoError(t, err)
		require.NotNil(t, src.LastRun)
		assert.True(t, src.LastRun.Equal(at))
		assert.Equal(t, []string{"a", "b"}, src.SetSpecs)
	})

	t.Run("upsert keeps watermark", func(t *testing.T) {
		src, err := store.Upsert(ctx, harvest.UpsertParams{
			Name:    "alpha",
			BaseURL: "https://alpha2.example.org/oai",
			Enabled: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "oai_dc", src.MetadataPrefix)
		require.NotNil(t, src.LastRun)

		created, err := store.Upsert(ctx, harvest.UpsertParams{Name: "gamma", BaseURL: "https://gamma.example.org/oai"})
		require.NoError(t, err)
		assert.Nil(t, created.LastRun)
		_, err = store.GetByName(ctx, "gamma")
		require.NoError(t, err)
	})

	t.Run("upsert validates", func(t *testing.T) {
		_, err := store.Upsert(ctx, harvest.UpsertParams{Name: "bad", BaseURL: "not a url"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "base_url")
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "beta"))
		_, err := store.GetByName(ctx, "beta")
		assert.ErrorIs(t, err, harvest.ErrNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "beta"), harvest.ErrNotFound)
	})
}

func TestNewFileStore_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "one.yaml", "name: same\nbase_url: https://one.example.org/oai\n")
	writeYAML(t, dir, "two.yaml", "name: same\nbase_url: https://two.example.org/oai\n")
	_, err := NewFileStore(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined in both")
}
