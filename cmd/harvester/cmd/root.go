package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	logLevel   string
	logFormat  string
	sourcesDir string

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "harvester",
		Short: "OAI-PMH metadata harvester",
		Long: `harvester collects metadata records from repositories that speak OAI-PMH 2.0.

It supports:
- ListRecords harvests across sets, with resumption tokens and de-duplication
- GetRecord harvests of individual identifiers
- Incremental harvesting of named sources from their last successful run
- Output to stdout, a directory of XML files, or a downstream workflow service
- Queued and scheduled harvests through a PostgreSQL-backed job queue`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console) (default: json)")
	rootCmd.PersistentFlags().StringVar(&sourcesDir, "sources", "", "directory of source YAML files (default: $HARVEST_SOURCES_DIR or configs/sources)")

	rootCmd.AddCommand(harvestCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}
