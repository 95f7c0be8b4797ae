// Package harvester drives OAI-PMH harvests of configured or ad-hoc
// repositories: it resolves where to harvest from, fans out over sets or
// identifiers, merges the results and maintains each source's last-run
// watermark.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/Togather-Foundation/harvester/internal/oaipmh"
)

// DeliverFunc hands harvested records to an output. For list harvests it
// runs before the watermark is committed, so a failed delivery leaves the
// watermark where it was.
type DeliverFunc func(ctx context.Context, records []oaipmh.Record) error

// FinishedHook is called after a harvest in which every unit succeeded.
type FinishedHook func(ctx context.Context, sourceName string, records []oaipmh.Record)

// Harvester orchestrates harvests. It is safe for concurrent use.
type Harvester struct {
	sources     harvest.Repository // may be nil: only URL targets work then
	runs        harvest.RunRecorder // may be nil: runs are not recorded
	clientOpts  []oaipmh.Option
	maxPages    int
	concurrency int
	normalizer  IdentifierNormalizer
	onFinished  FinishedHook
	now         func() time.Time
	logger      zerolog.Logger
}

// Option configures a Harvester.
type Option func(*Harvester)

// WithClientOptions sets the options of every OAI-PMH client created.
func WithClientOptions(opts ...oaipmh.Option) Option {
	return func(h *Harvester) {
		h.clientOpts = append(h.clientOpts, opts...)
	}
}

// WithMaxPages caps the pages of any single set listing.
func WithMaxPages(n int) Option {
	return func(h *Harvester) {
		if n > 0 {
			h.maxPages = n
		}
	}
}

// WithConcurrency sets how many sets or identifiers are fetched at once.
func WithConcurrency(n int) Option {
	return func(h *Harvester) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

func WithRunRecorder(r harvest.RunRecorder) Option {
	return func(h *Harvester) {
		h.runs = r
	}
}

// WithIdentifierNormalizer rewrites identifiers before GetRecord.
func WithIdentifierNormalizer(n IdentifierNormalizer) Option {
	return func(h *Harvester) {
		h.normalizer = n
	}
}

func WithFinishedHook(f FinishedHook) Option {
	return func(h *Harvester) {
		h.onFinished = f
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Harvester) {
		h.logger = logger
	}
}

// WithClock replaces time.Now, which stamps watermarks.
func WithClock(now func() time.Time) Option {
	return func(h *Harvester) {
		h.now = now
	}
}

// New constructs a Harvester. sources may be nil when only URL targets
// are harvested.
func New(sources harvest.Repository, opts ...Option) *Harvester {
	h := &Harvester{
		sources:     sources,
		maxPages:    oaipmh.DefaultMaxPages,
		concurrency: 1,
		now:         time.Now,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ListOptions are the arguments of a ListRecords harvest.
type ListOptions struct {
	MetadataPrefix string
	From           *time.Time
	Until          *time.Time
	URL            string
	SourceName     string
	Sets           []string
	// Granularity overrides the source's datestamp granularity.
	Granularity string
	// Encoding overrides the character encoding the server declares.
	Encoding string
	// KeepPartial keeps the records of a set whose listing failed midway.
	KeepPartial bool
	Deliver     DeliverFunc
}

// SetResult is the outcome of harvesting one set.
type SetResult struct {
	Spec           string // "" for an unrestricted listing
	Fetched        int
	Added          int // records not already seen in an earlier set
	Pages          int
	NoRecordsMatch bool
	Err            error
}

// ListResult is the outcome of a ListRecords harvest.
type ListResult struct {
	RunID             string
	Source            string
	BaseURL           string
	MetadataPrefix    string
	From              *time.Time
	Until             *time.Time
	StartedAt         time.Time
	Records           []oaipmh.Record
	Sets              []SetResult
	DeliverErr        error
	WatermarkAdvanced bool
	WatermarkErr      error
}

// Failed returns the sets whose harvest failed.
func (r *ListResult) Failed() []SetResult {
	var out []SetResult
	for _, s := range r.Sets {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Err joins every failure of the harvest, or returns nil.
func (r *ListResult) Err() error {
	var errs []error
	for _, s := range r.Failed() {
		errs = append(errs, fmt.Errorf("set %s: %w", setLabel(s.Spec), s.Err))
	}
	if r.DeliverErr != nil {
		errs = append(errs, fmt.Errorf("deliver records: %w", r.DeliverErr))
	}
	if r.WatermarkErr != nil {
		errs = append(errs, fmt.Errorf("update last run: %w", r.WatermarkErr))
	}
	return errors.Join(errs...)
}

func setLabel(spec string) string {
	if spec == "" {
		return "(all)"
	}
	return fmt.Sprintf("%q", spec)
}

// ListRecords harvests every set of the target and merges the results,
// keeping the first record seen for each identifier. Configuration errors
// are returned before any request is made; failures of individual sets
// are reported in the result.
//
// A named source's watermark moves to the harvest start time only when
// no from/until was given, every set was drained and the records were
// delivered.
func (h *Harvester) ListRecords(ctx context.Context, opts ListOptions) (*ListResult, error) {
	if opts.From != nil && opts.Until != nil && opts.From.After(*opts.Until) {
		return nil, ErrWrongDateCombination
	}
	if !oaipmh.ValidEncoding(opts.Encoding) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, opts.Encoding)
	}
	target, err := newTarget(opts.URL, opts.SourceName, opts.MetadataPrefix, opts.Sets, opts.Granularity)
	if err != nil {
		return nil, err
	}
	ep, err := h.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	explicitDates := opts.From != nil || opts.Until != nil
	from := opts.From
	if from == nil && ep.source != nil && ep.source.LastRun != nil {
		lastRun := *ep.source.LastRun
		from = &lastRun
	}
	if from != nil && opts.Until != nil && from.After(*opts.Until) {
		return nil, ErrWrongDateCombination
	}

	result := &ListResult{
		RunID:          ulid.Make().String(),
		Source:         ep.sourceName(),
		BaseURL:        ep.baseURL,
		MetadataPrefix: ep.prefix,
		From:           from,
		Until:          opts.Until,
		StartedAt:      h.now(),
	}
	logger := h.logger.With().Str("run_id", result.RunID).Str("source", result.Source).Str("base_url", ep.baseURL).Logger()
	h.startRun(ctx, result.RunID, ep, "list", result.StartedAt)
	h.warnTruncated(logger, ep, opts.From, opts.Until)

	sets := ep.sets
	if len(sets) == 0 {
		sets = []string{""}
	}
	client := oaipmh.NewClient(ep.baseURL, h.clientOptions(ep, opts.Encoding)...)
	partitions := make([][]oaipmh.Record, len(sets))
	result.Sets = make([]SetResult, len(sets))

	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, spec := range sets {
		g.Go(func() error {
			pager := client.Records(oaipmh.ListParams{
				MetadataPrefix: ep.prefix,
				Set:            spec,
				From:           from,
				Until:          opts.Until,
			}, oaipmh.WithMaxPages(h.maxPages))
			records, err := pager.Drain(ctx)

			result.Sets[i] = SetResult{
				Spec:           spec,
				Fetched:        len(records),
				Pages:          pager.Pages(),
				NoRecordsMatch: pager.NoRecordsMatch(),
				Err:            err,
			}
			if err != nil {
				logger.Warn().Err(err).Str("set", spec).Int("fetched", len(records)).Msg("harvester: set failed")
				if !opts.KeepPartial {
					records = nil
				}
			} else {
				logger.Debug().Str("set", spec).Int("fetched", len(records)).Int("pages", pager.Pages()).Msg("harvester: set harvested")
			}
			partitions[i] = records
			return nil
		})
	}
	_ = g.Wait()

	merged := newDedupMap()
	for i, part := range partitions {
		for _, rec := range part {
			if merged.add(rec) {
				result.Sets[i].Added++
			}
		}
	}
	result.Records = merged.list()
	failed := len(result.Failed())

	if opts.Deliver != nil && len(result.Records) > 0 {
		result.DeliverErr = opts.Deliver(ctx, result.Records)
	}

	if ep.source != nil && !explicitDates && failed == 0 && result.DeliverErr == nil {
		if err := h.sources.UpdateLastRun(ctx, ep.source.Name, result.StartedAt); err != nil {
			result.WatermarkErr = err
			logger.Error().Err(err).Msg("harvester: failed to update last run")
		} else {
			result.WatermarkAdvanced = true
			metrics.WatermarkCommits.WithLabelValues(ep.source.Name).Inc()
		}
	}

	status := runStatus(failed, len(sets), result.DeliverErr != nil || result.WatermarkErr != nil)
	metrics.RecordsHarvested.WithLabelValues(metrics.SourceLabel(result.Source)).Add(float64(len(result.Records)))
	metrics.HarvestRunsTotal.WithLabelValues("list", string(status)).Inc()
	h.finishRun(ctx, harvest.Run{
		ID:                result.RunID,
		SourceName:        result.Source,
		BaseURL:           ep.baseURL,
		Mode:              "list",
		Status:            status,
		RecordsHarvested:  len(result.Records),
		UnitsFailed:       failed,
		WatermarkAdvanced: result.WatermarkAdvanced,
		StartedAt:         result.StartedAt,
	}, result.Err())

	logger.Info().
		Int("records", len(result.Records)).
		Int("sets", len(sets)).
		Int("sets_failed", failed).
		Bool("watermark_advanced", result.WatermarkAdvanced).
		Msg("harvester: list harvest finished")

	if status == harvest.RunCompleted && h.onFinished != nil {
		h.onFinished(ctx, result.Source, result.Records)
	}
	return result, nil
}

// GetOptions are the arguments of an identifier harvest.
type GetOptions struct {
	Identifiers    []string
	MetadataPrefix string
	URL            string
	SourceName     string
	// Encoding overrides the character encoding the server declares.
	Encoding string
	Deliver  DeliverFunc
}

// IdentifierResult is the outcome of fetching one identifier.
type IdentifierResult struct {
	Identifier string
	Record     *oaipmh.Record
	Err        error
}

// GetResult is the outcome of an identifier harvest.
type GetResult struct {
	RunID          string
	Source         string
	BaseURL        string
	MetadataPrefix string
	Records        []oaipmh.Record
	Identifiers    []IdentifierResult
	DeliverErr     error
}

// Failed returns the identifiers that could not be fetched.
func (r *GetResult) Failed() []IdentifierResult {
	var out []IdentifierResult
	for _, id := range r.Identifiers {
		if id.Err != nil {
			out = append(out, id)
		}
	}
	return out
}

// Err joins every failure of the harvest, or returns nil.
func (r *GetResult) Err() error {
	var errs []error
	for _, id := range r.Failed() {
		errs = append(errs, fmt.Errorf("identifier %q: %w", id.Identifier, id.Err))
	}
	if r.DeliverErr != nil {
		errs = append(errs, fmt.Errorf("deliver records: %w", r.DeliverErr))
	}
	return errors.Join(errs...)
}

// GetRecords fetches each identifier with GetRecord. An identifier the
// repository does not know fails on its own; the others still complete.
// Identifier harvests never touch the watermark.
func (h *Harvester) GetRecords(ctx context.Context, opts GetOptions) (*GetResult, error) {
	ids := h.normalizeIdentifiers(opts.Identifiers)
	if len(ids) == 0 {
		return nil, ErrNoIdentifiers
	}
	if !oaipmh.ValidEncoding(opts.Encoding) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, opts.Encoding)
	}
	target, err := newTarget(opts.URL, opts.SourceName, opts.MetadataPrefix, nil, "")
	if err != nil {
		return nil, err
	}
	ep, err := h.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	result := &GetResult{
		RunID:          ulid.Make().String(),
		Source:         ep.sourceName(),
		BaseURL:        ep.baseURL,
		MetadataPrefix: ep.prefix,
		Identifiers:    make([]IdentifierResult, len(ids)),
	}
	startedAt := h.now()
	logger := h.logger.With().Str("run_id", result.RunID).Str("source", result.Source).Str("base_url", ep.baseURL).Logger()
	h.startRun(ctx, result.RunID, ep, "get", startedAt)

	client := oaipmh.NewClient(ep.baseURL, h.clientOptions(ep, opts.Encoding)...)
	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			res := IdentifierResult{Identifier: id}
			rec, err := client.GetRecord(ctx, id, ep.prefix)
			if err != nil {
				res.Err = err
				logger.Warn().Err(err).Str("identifier", id).Msg("harvester: get record failed")
			} else {
				res.Record = &rec
			}
			result.Identifiers[i] = res
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range result.Identifiers {
		if res.Record != nil {
			result.Records = append(result.Records, *res.Record)
		}
	}
	failed := len(result.Failed())

	if opts.Deliver != nil && len(result.Records) > 0 {
		result.DeliverErr = opts.Deliver(ctx, result.Records)
	}

	status := runStatus(failed, len(ids), result.DeliverErr != nil)
	metrics.RecordsHarvested.WithLabelValues(metrics.SourceLabel(result.Source)).Add(float64(len(result.Records)))
	metrics.HarvestRunsTotal.WithLabelValues("get", string(status)).Inc()
	h.finishRun(ctx, harvest.Run{
		ID:               result.RunID,
		SourceName:       result.Source,
		BaseURL:          ep.baseURL,
		Mode:             "get",
		Status:           status,
		RecordsHarvested: len(result.Records),
		UnitsFailed:      failed,
		StartedAt:        startedAt,
	}, result.Err())

	logger.Info().
		Int("records", len(result.Records)).
		Int("identifiers", len(ids)).
		Int("identifiers_failed", failed).
		Msg("harvester: identifier harvest finished")

	if status == harvest.RunCompleted && h.onFinished != nil {
		h.onFinished(ctx, result.Source, result.Records)
	}
	return result, nil
}

// warnTruncated logs explicit date bounds finer than the granularity they
// are sent in. The watermark is exempt: re-harvesting the rest of its day
// is expected.
func (h *Harvester) warnTruncated(logger zerolog.Logger, ep endpoint, bounds ...*time.Time) {
	g := ep.granularity
	if g == "" {
		g = oaipmh.GranularityDay
	}
	for _, t := range bounds {
		if t != nil && g.Truncates(*t) {
			logger.Warn().
				Time("bound", *t).
				Str("granularity", string(g)).
				Str("sent_as", g.Format(*t)).
				Msg("harvester: date bound truncated to repository granularity")
		}
	}
}

// normalizeIdentifiers trims, applies the configured normalizer and drops
// repeats, keeping the first occurrence.
func (h *Harvester) normalizeIdentifiers(list []string) []string {
	ids := NormalizeIdentifiers(list)
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if h.normalizer != nil {
			id = h.normalizer.NormalizeIdentifier(id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func runStatus(failed, units int, outputFailed bool) harvest.RunStatus {
	switch {
	case failed == units || (outputFailed && failed > 0):
		return harvest.RunFailed
	case failed > 0 || outputFailed:
		return harvest.RunPartial
	default:
		return harvest.RunCompleted
	}
}

// startRun records a run start (best effort).
func (h *Harvester) startRun(ctx context.Context, id string, ep endpoint, mode string, startedAt time.Time) {
	if h.runs == nil {
		return
	}
	run := harvest.Run{
		ID:         id,
		SourceName: ep.sourceName(),
		BaseURL:    ep.baseURL,
		Mode:       mode,
		Status:     harvest.RunRunning,
		StartedAt:  startedAt,
	}
	if err := h.runs.StartRun(ctx, run); err != nil {
		h.logger.Warn().Err(err).Str("run_id", id).Msg("harvester: failed to record run start")
	}
}

func (h *Harvester) finishRun(ctx context.Context, run harvest.Run, runErr error) {
	if h.runs == nil {
		return
	}
	finished := h.now()
	run.FinishedAt = &finished
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}
	// The harvest context may already be canceled; the record is still worth keeping.
	if err := h.runs.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		h.logger.Warn().Err(err).Str("run_id", run.ID).Msg("harvester: failed to record run result")
	}
}
