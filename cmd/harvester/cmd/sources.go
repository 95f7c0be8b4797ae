package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
	"github.com/Togather-Foundation/harvester/internal/sources"
	"github.com/Togather-Foundation/harvester/internal/storage"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage configured OAI-PMH sources",
}

// sourcesListCmd lists all configured sources.
var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured sources",
	Long: `List every configured source with its last successful run. Sources are read
from the database when DATABASE_URL is set, otherwise from the sources directory.

Examples:
  harvester sources list
  harvester sources list --sources configs/sources`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.sources.List(ctx, nil)
		if err != nil {
			return fmt.Errorf("list sources: %w", err)
		}
		printSources(cmd.OutOrStdout(), list)
		return nil
	},
}

// sourcesSyncCmd upserts all YAML source configs into the database.
var sourcesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync YAML source configs into the harvest_sources table",
	Long: `Read all *.yaml source configs from the sources directory and upsert them
into the harvest_sources table in one transaction. A last_run in the file
replaces the stored one; without it the stored last run is kept.

Examples:
  harvester sources sync
  harvester sources sync --sources configs/sources`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		configs, err := sources.LoadSourceConfigs(a.cfg.Harvest.SourcesDir)
		if err != nil {
			return err
		}
		if len(configs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No source configs found in %s\n", a.cfg.Harvest.SourcesDir)
			return nil
		}

		created, updated, err := syncSources(ctx, a.repo, configs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sync complete: %d created, %d updated (total %d sources)\n",
			created, updated, len(configs))
		return nil
	},
}

// sourcesExportCmd writes every stored source back to YAML files.
var sourcesExportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Export the harvest_sources table to YAML files",
	Long: `Write each source in the database as <name>.yaml in the given directory,
overwriting existing files. Last runs are exported too.

Examples:
  harvester sources export configs/sources`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.sources.List(ctx, nil)
		if err != nil {
			return fmt.Errorf("list sources: %w", err)
		}
		n, err := exportSources(args[0], list, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Export complete: %d sources written to %s\n", n, args[0])
		return nil
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesSyncCmd)
	sourcesCmd.AddCommand(sourcesExportCmd)
}

func syncSources(ctx context.Context, repo storage.Repository, configs []sources.SourceConfig) (created, updated int, err error) {
	err = repo.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		created, updated = 0, 0
		for _, cfg := range configs {
			src, err := tx.Sources().Upsert(ctx, cfg.ToUpsertParams())
			if err != nil {
				return fmt.Errorf("upsert %q: %w", cfg.Name, err)
			}
			// On INSERT both timestamps are equal.
			if src.UpdatedAt.Equal(src.CreatedAt) {
				created++
			} else {
				updated++
			}
		}
		return nil
	})
	return created, updated, err
}

func exportSources(dir string, list []harvest.Source, w io.Writer) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	for _, src := range list {
		path := filepath.Join(dir, src.Name+".yaml")
		if err := sources.WriteSourceConfig(path, sources.FromSource(src)); err != nil {
			return 0, err
		}
		fmt.Fprintf(w, "Exported: %s\n", path)
	}
	return len(list), nil
}

func printSources(w io.Writer, list []harvest.Source) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No sources configured")
		return
	}
	fmt.Fprintf(w, "%-24s %-44s %-10s %-7s %s\n", "NAME", "URL", "PREFIX", "ENABLED", "LAST RUN")
	for _, src := range list {
		u := src.BaseURL
		if len(u) > 44 {
			u = u[:41] + "..."
		}
		lastRun := "never"
		if src.LastRun != nil {
			lastRun = src.LastRun.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-24s %-44s %-10s %-7v %s\n", src.Name, u, src.Prefix(), src.Enabled, lastRun)
		if !src.Enabled && src.Notes != "" {
			fmt.Fprintf(w, "  # %s\n", src.Notes)
		}
	}
}
