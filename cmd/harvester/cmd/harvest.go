package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/harvester/internal/harvester"
	"github.com/Togather-Foundation/harvester/internal/jobs"
	"github.com/Togather-Foundation/harvester/internal/sink"
)

var (
	harvestPrefix         string
	harvestName           string
	harvestSets           []string
	harvestIdentifiers    []string
	harvestFrom           string
	harvestTo             string
	harvestURL            string
	harvestOutput         string
	harvestWorkflow       string
	harvestDirectory      string
	harvestNormalizer     string
	harvestGranularity    string
	harvestEncoding       string
	harvestQueue          bool
	harvestKeepPartial    bool
	harvestRecordsPerFile int
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Harvest records from an OAI-PMH repository",
	Long: `Harvest records with ListRecords, or with GetRecord when identifiers are given.

The repository is given with --url or by the name of a configured source.
A named source without --from/--to is harvested incrementally from its last
successful run, and its last run is moved forward only when every set was
harvested and the output accepted the records.

Examples:
  harvester harvest --url https://export.arxiv.org/oai2 --sets cs --from 2024-05-01
  harvester harvest --name arxiv --output dir --directory ./out
  harvester harvest --name arxiv --identifiers oai:arXiv.org:1207.1019
  harvester harvest --url https://repo.example.org/oai --from 2024-05-01T12:30:00Z --granularity second
  harvester harvest --url https://legacy.example.org/oai --encoding iso-8859-1
  harvester harvest --name arxiv --output workflow --workflow ingest-arxiv
  harvester harvest --name arxiv --queue`,
	RunE: runHarvest,
}

func init() {
	f := harvestCmd.Flags()
	f.StringVarP(&harvestPrefix, "metadata-prefix", "m", "", "metadata prefix (default: the source's, or oai_dc)")
	f.StringVarP(&harvestName, "name", "n", "", "name of a configured source")
	f.StringSliceVarP(&harvestSets, "sets", "s", nil, "set specs to harvest, comma separated")
	f.StringSliceVarP(&harvestIdentifiers, "identifiers", "i", nil, "record identifiers to fetch with GetRecord, comma separated")
	f.StringVarP(&harvestFrom, "from", "f", "", "lower datestamp bound (YYYY-MM-DD, YYYY-MM-DDThh:mm:ssZ or e.g. \"3 days ago\")")
	f.StringVarP(&harvestTo, "to", "t", "", "upper datestamp bound")
	f.StringVarP(&harvestURL, "url", "u", "", "repository base URL")
	f.StringVarP(&harvestOutput, "output", "o", sink.OutputStdout, "output: stdout, dir or workflow")
	f.StringVarP(&harvestWorkflow, "workflow", "w", "", "workflow receiving the records (default: the source's)")
	f.StringVarP(&harvestDirectory, "directory", "d", "", "output directory for --output dir (default: $HARVEST_OUTPUT_DIR)")
	f.StringVar(&harvestNormalizer, "normalizer", "", "identifier normalizer: none or arxiv")
	f.StringVar(&harvestGranularity, "granularity", "", "datestamp granularity for --from/--to: day or second (default: the source's, or day)")
	f.StringVarP(&harvestEncoding, "encoding", "e", "", "override the character encoding returned by the server, e.g. iso-8859-1")
	f.BoolVar(&harvestQueue, "queue", false, "enqueue the harvest for the worker instead of running it")
	f.BoolVar(&harvestKeepPartial, "keep-partial", false, "keep records of sets that failed part way")
	f.IntVar(&harvestRecordsPerFile, "records-per-file", 0, "records per file or workflow batch (default: $HARVEST_RECORDS_PER_FILE)")
}

func harvestRequest(now time.Time) (harvester.Request, error) {
	from, err := parseDate(harvestFrom, now)
	if err != nil {
		return harvester.Request{}, fmt.Errorf("--from: %w", err)
	}
	until, err := parseDate(harvestTo, now)
	if err != nil {
		return harvester.Request{}, fmt.Errorf("--to: %w", err)
	}
	req := harvester.Request{
		MetadataPrefix: harvestPrefix,
		From:           from,
		Until:          until,
		URL:            harvestURL,
		SourceName:     harvestName,
		Sets:           harvestSets,
		Identifiers:    harvestIdentifiers,
		Granularity:    harvestGranularity,
		Encoding:       harvestEncoding,
		KeepPartial:    harvestKeepPartial,
	}
	return req, req.Validate()
}

func runHarvest(cmd *cobra.Command, args []string) error {
	req, err := harvestRequest(time.Now())
	if err != nil {
		return err
	}
	normalizer, ok := harvester.NormalizerByName(harvestNormalizer)
	if !ok {
		return fmt.Errorf("unknown normalizer %q (want none or arxiv)", harvestNormalizer)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, harvestQueue)
	if err != nil {
		return err
	}
	defer a.Close()
	if harvestRecordsPerFile > 0 {
		a.cfg.Harvest.RecordsPerFile = harvestRecordsPerFile
	}

	out := jobs.OutputArgs{Output: harvestOutput, Directory: harvestDirectory, Workflow: harvestWorkflow}
	if harvestQueue {
		return enqueueHarvest(ctx, a, req, out, cmd.ErrOrStderr())
	}

	s, err := a.sinkFor(ctx, out, req.SourceName, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	outcome, err := a.harvester(normalizer).Run(ctx, req, s)
	if err != nil {
		return err
	}
	printHarvestSummary(cmd.ErrOrStderr(), s, outcome)
	return outcome.Err()
}

func enqueueHarvest(ctx context.Context, a *app, req harvester.Request, out jobs.OutputArgs, w io.Writer) error {
	if a.pool == nil {
		return errors.New("--queue requires DATABASE_URL")
	}
	policy := jobs.NewRetryPolicy(a.cfg.Jobs.RetryListRecords, a.cfg.Jobs.RetryGetRecords)
	client, err := jobs.NewClient(a.pool, jobs.ClientOptions{Policy: policy, Logger: a.slog, InsertOnly: true})
	if err != nil {
		return fmt.Errorf("create job client: %w", err)
	}
	res, err := jobs.EnqueueHarvest(ctx, client, policy, req, out)
	if err != nil {
		return err
	}
	if res.UniqueSkippedAsDuplicate {
		fmt.Fprintf(w, "An identical harvest is already queued (job %d)\n", res.Job.ID)
		return nil
	}
	fmt.Fprintf(w, "Queued %s job %d\n", res.Job.Kind, res.Job.ID)
	return nil
}

func printHarvestSummary(w io.Writer, s harvester.Sink, outcome harvester.Outcome) {
	if res := outcome.List; res != nil {
		for _, set := range res.Failed() {
			fmt.Fprintf(w, "Set %s failed after %d pages: %v\n", setName(set.Spec), set.Pages, set.Err)
		}
		if res.WatermarkAdvanced {
			fmt.Fprintf(w, "Last run of %s set to %s\n", res.Source, res.StartedAt.UTC().Format(time.RFC3339))
		}
	}
	if res := outcome.Get; res != nil {
		for _, id := range res.Failed() {
			fmt.Fprintf(w, "Identifier %s failed: %v\n", id.Identifier, id.Err)
		}
	}

	switch s := s.(type) {
	case *sink.Directory:
		sink.PrintFilesCreated(w, s.Files())
		sink.PrintTotalRecords(w, s.Total())
	case *sink.Console:
		sink.PrintTotalRecords(w, s.Total())
	default:
		sink.PrintTotalRecords(w, len(outcome.Records()))
	}
}

func setName(spec string) string {
	if spec == "" {
		return "(all)"
	}
	return spec
}
