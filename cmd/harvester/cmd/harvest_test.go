package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Togather-Foundation/harvester/internal/harvester"
	"github.com/Togather-Foundation/harvester/internal/oaipmh/oaipmhtest"
	"github.com/Togather-Foundation/harvester/internal/sink"
	"github.com/Togather-Foundation/harvester/internal/sources"
)

func TestHarvestCommand_URLToStdout(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("a", oaipmhtest.Page{IDs: []string{"oai:x:1", "oai:x:2"}})
	srv.SetPages("b", oaipmhtest.Page{IDs: []string{"oai:x:2", "oai:x:3"}})

	stdout, stderr, err := execute(t, "harvest", "--sources", t.TempDir(), "-u", srv.URL, "-s", "a,b")
	require.NoError(t, err)

	assert.Contains(t, stdout, "oai:x:1")
	assert.Contains(t, stdout, "oai:x:3")
	assert.Contains(t, stderr, "Number of records harvested 3")
}

func TestHarvestCommand_DirectoryOutput(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{IDs: []string{"oai:x:1", "oai:x:2", "oai:x:3"}})
	out := filepath.Join(t.TempDir(), "out")

	_, stderr, err := execute(t, "harvest", "--sources", t.TempDir(),
		"--url", srv.URL, "--output", "dir", "--directory", out, "--records-per-file", "2")
	require.NoError(t, err)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Contains(t, stderr, "Harvested 2 files")
	assert.Contains(t, stderr, "Number of records harvested 3")
}

func TestHarvestCommand_NamedSourceMovesLastRun(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("physics", oaipmhtest.Page{IDs: []string{"oai:x:1"}})

	dir := t.TempDir()
	path := filepath.Join(dir, "demo.yaml")
	require.NoError(t, sources.WriteSourceConfig(path, sources.SourceConfig{
		Name:    "demo",
		BaseURL: srv.URL,
		Sets:    []string{"physics"},
		Enabled: true,
	}))

	_, stderr, err := execute(t, "harvest", "--sources", dir, "--name", "demo")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Last run of demo set to")

	cfg, err := sources.LoadSourceConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.LastRun)

	// The next run starts from the stored last run.
	_, _, err = execute(t, "harvest", "--sources", dir, "--name", "demo")
	require.NoError(t, err)
	reqs := srv.Requests()
	assert.Equal(t, cfg.LastRun.UTC().Format("2006-01-02"), reqs[len(reqs)-1].Get("from"))
}

func TestHarvestCommand_SourceGranularity(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{IDs: []string{"oai:x:1"}})

	dir := t.TempDir()
	require.NoError(t, sources.WriteSourceConfig(filepath.Join(dir, "fine.yaml"), sources.SourceConfig{
		Name:        "fine",
		BaseURL:     srv.URL,
		Granularity: "YYYY-MM-DDThh:mm:ssZ",
		Enabled:     true,
	}))

	_, _, err := execute(t, "harvest", "--sources", dir, "--name", "fine",
		"--from", "2024-05-01T12:30:00Z", "--to", "2024-05-01T13:00:00Z")
	require.NoError(t, err)
	q := srv.Requests()[0]
	assert.Equal(t, "2024-05-01T12:30:00Z", q.Get("from"))
	assert.Equal(t, "2024-05-01T13:00:00Z", q.Get("until"))

	// --granularity overrides the source.
	_, _, err = execute(t, "harvest", "--sources", dir, "--name", "fine", "--granularity", "day",
		"--from", "2024-05-01T12:30:00Z")
	require.NoError(t, err)
	reqs := srv.Requests()
	assert.Equal(t, "2024-05-01", reqs[len(reqs)-1].Get("from"))
}

func TestHarvestCommand_Identifiers(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.AddRecords("oai:arXiv.org:1207.1019")

	stdout, _, err := execute(t, "harvest", "--sources", t.TempDir(), "--url", srv.URL,
		"--identifiers", "arXiv:1207.1019", "--normalizer", "arxiv")
	require.NoError(t, err)
	assert.Contains(t, stdout, "oai:arXiv.org:1207.1019")
}

func TestHarvestCommand_SetFailureExitsNonZero(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("a", oaipmhtest.Page{IDs: []string{"oai:x:1"}})
	srv.SetPages("b", oaipmhtest.Page{ErrorCode: "badArgument"})

	_, stderr, err := execute(t, "harvest", "--sources", t.TempDir(), "--url", srv.URL, "--sets", "a,b")
	require.Error(t, err)
	assert.Contains(t, stderr, "Set b failed")
}

func TestHarvestCommand_ConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr error
		wantMsg string
	}{
		{
			name:    "no name or url",
			args:    []string{"harvest"},
			wantErr: harvester.ErrNameOrURLMissing,
		},
		{
			name:    "identifiers with dates",
			args:    []string{"harvest", "-u", "http://127.0.0.1:1", "-i", "oai:x:1", "-f", "2024-01-01"},
			wantErr: harvester.ErrIdentifiersOrDates,
		},
		{
			name:    "from after until",
			args:    []string{"harvest", "-u", "http://127.0.0.1:1", "-f", "2024-02-01", "-t", "2024-01-01"},
			wantErr: harvester.ErrWrongDateCombination,
		},
		{
			name:    "unknown source",
			args:    []string{"harvest", "-n", "missing"},
			wantErr: harvester.ErrSourceNotFound,
		},
		{
			name:    "workflow output without workflow",
			args:    []string{"harvest", "-u", "http://127.0.0.1:1", "-o", "workflow"},
			wantErr: sink.ErrWorkflowMissing,
		},
		{
			name:    "unknown output",
			args:    []string{"harvest", "-u", "http://127.0.0.1:1", "-o", "s3"},
			wantMsg: `unknown output "s3"`,
		},
		{
			name:    "unknown encoding",
			args:    []string{"harvest", "-u", "http://127.0.0.1:1", "--encoding", "klingon-8"},
			wantErr: harvester.ErrUnknownEncoding,
		},
		{
			name:    "unknown granularity",
			args:    []string{"harvest", "-u", "http://127.0.0.1:1", "--granularity", "hourly"},
			wantErr: harvester.ErrUnknownGranularity,
		},
		{
			name:    "unknown normalizer",
			args:    []string{"harvest", "-u", "http://127.0.0.1:1", "--normalizer", "doi"},
			wantMsg: `unknown normalizer "doi"`,
		},
		{
			name:    "bad date",
			args:    []string{"harvest", "-u", "http://127.0.0.1:1", "-f", "definitely-not-a-date"},
			wantMsg: "--from",
		},
		{
			name:    "queue without database",
			args:    []string{"harvest", "-u", "http://127.0.0.1:1", "--queue"},
			wantMsg: "DATABASE_URL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(tt.args, "--sources", t.TempDir())
			_, _, err := execute(t, args...)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}
