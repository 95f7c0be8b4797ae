package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
	"github.com/Togather-Foundation/harvester/internal/storage/postgres"
)

var (
	runsSource string
	runsLimit  int
)

// runsCmd shows recent harvest runs.
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent harvest runs",
	Long: `List the most recent harvest runs recorded in the database, newest first.

Examples:
  harvester runs
  harvester runs --source arxiv --limit 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := postgres.NewHarvestRunRepository(a.pool).ListRuns(ctx, runsSource, runsLimit)
		if err != nil {
			return err
		}
		printRuns(cmd.OutOrStdout(), runs)
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsSource, "source", "", "only runs of this source")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs")
}

func printRuns(w io.Writer, runs []harvest.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No harvest runs recorded")
		return
	}
	fmt.Fprintf(w, "%-26s %-20s %-4s %-9s %8s %6s %-9s %s\n",
		"ID", "SOURCE", "MODE", "STATUS", "RECORDS", "FAILED", "DURATION", "STARTED")
	for _, run := range runs {
		source := run.SourceName
		if source == "" {
			source = "-"
		}
		duration := "-"
		if run.FinishedAt != nil {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%-26s %-20s %-4s %-9s %8d %6d %-9s %s\n",
			run.ID, source, run.Mode, run.Status, run.RecordsHarvested, run.UnitsFailed,
			duration, run.StartedAt.UTC().Format(time.RFC3339))
		if run.ErrorMessage != "" {
			fmt.Fprintf(w, "  # %s\n", run.ErrorMessage)
		}
	}
}
