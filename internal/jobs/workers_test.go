package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/Togather-Foundation/harvester/internal/harvester"
	"github.com/Togather-Foundation/harvester/internal/oaipmh"
	"github.com/Togather-Foundation/harvester/internal/oaipmh/oaipmhtest"
)

type recordingSink struct {
	records []oaipmh.Record
}

func (s *recordingSink) Emit(_ context.Context, records []oaipmh.Record) error {
	s.records = append(s.records, records...)
	return nil
}

func sinkFactory(s harvester.Sink, err error) SinkFactory {
	return func(context.Context, OutputArgs, string) (harvester.Sink, error) {
		return s, err
	}
}

func listJob(args HarvestListArgs) *river.Job[HarvestListArgs] {
	return &river.Job[HarvestListArgs]{
		JobRow: &rivertype.JobRow{ID: 1, Kind: JobKindHarvestList, Attempt: 1, MaxAttempts: 3},
		Args:   args,
	}
}

func TestArgs_Kind(t *testing.T) {
	if got := (HarvestListArgs{}).Kind(); got != JobKindHarvestList {
		t.Errorf("Kind() = %q, want %q", got, JobKindHarvestList)
	}
	if got := (HarvestGetArgs{}).Kind(); got != JobKindHarvestGet {
		t.Errorf("Kind() = %q, want %q", got, JobKindHarvestGet)
	}
	if got := (HarvestRunCleanupArgs{}).Kind(); got != JobKindHarvestRunCleanup {
		t.Errorf("Kind() = %q, want %q", got, JobKindHarvestRunCleanup)
	}
}

func TestHarvestListWorker_Timeout(t *testing.T) {
	if got := (HarvestListWorker{}).Timeout(nil); got != DefaultHarvestTimeout {
		t.Errorf("Timeout = %v, want %v", got, DefaultHarvestTimeout)
	}
	if got := (HarvestGetWorker{Limit: time.Minute}).Timeout(nil); got != time.Minute {
		t.Errorf("Timeout = %v, want 1m", got)
	}
}

func TestHarvestListWorker_Work(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{IDs: []string{"oai:x:1", "oai:x:2"}})

	sink := &recordingSink{}
	w := HarvestListWorker{Harvester: harvester.New(nil), Sinks: sinkFactory(sink, nil)}
	if err := w.Work(t.Context(), listJob(HarvestListArgs{URL: srv.URL})); err != nil {
		t.Fatalf("Work() error = %v", err)
	}
	if len(sink.records) != 2 {
		t.Errorf("emitted %d records, want 2", len(sink.records))
	}
}

func TestHarvestListWorker_HarvestFailureReturnsError(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{Status: 500})

	w := HarvestListWorker{Harvester: harvester.New(nil)}
	err := w.Work(t.Context(), listJob(HarvestListArgs{URL: srv.URL}))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, oaipmh.ErrTransport) {
		t.Errorf("error = %v, want transport error", err)
	}
}

func TestHarvestListWorker_ConfigErrorCancels(t *testing.T) {
	w := HarvestListWorker{Harvester: harvester.New(nil)}
	err := w.Work(t.Context(), listJob(HarvestListArgs{}))
	if !errors.Is(err, harvester.ErrNameOrURLMissing) {
		t.Fatalf("error = %v, want ErrNameOrURLMissing", err)
	}
}

func TestHarvestListWorker_SinkErrorCancels(t *testing.T) {
	sinkErr := errors.New("no workflow")
	w := HarvestListWorker{Harvester: harvester.New(nil), Sinks: sinkFactory(nil, sinkErr)}
	err := w.Work(t.Context(), listJob(HarvestListArgs{URL: "http://example.org/oai", Output: OutputArgs{Output: "workflow"}}))
	if !errors.Is(err, sinkErr) {
		t.Fatalf("error = %v, want sink error", err)
	}
}

func TestHarvestGetWorker_Work(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.AddRecords("oai:x:1")

	sink := &recordingSink{}
	w := HarvestGetWorker{Harvester: harvester.New(nil), Sinks: sinkFactory(sink, nil)}
	job := &river.Job[HarvestGetArgs]{
		JobRow: &rivertype.JobRow{ID: 2, Kind: JobKindHarvestGet, Attempt: 1},
		Args:   HarvestGetArgs{URL: srv.URL, Identifiers: []string{"oai:x:1", "oai:x:missing"}},
	}
	err := w.Work(t.Context(), job)
	if !errors.Is(err, oaipmh.ErrIDDoesNotExist) {
		t.Fatalf("error = %v, want idDoesNotExist", err)
	}
	var cancelErr *river.JobCancelError
	if !errors.As(err, &cancelErr) {
		t.Errorf("error = %v, want job cancelled: unknown identifiers stay unknown", err)
	}
	if len(sink.records) != 1 {
		t.Errorf("emitted %d records, want 1", len(sink.records))
	}
}

func TestHarvestListWorker_PermanentProtocolErrorCancels(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{ErrorCode: oaipmh.CodeCannotDisseminateFormat})

	w := HarvestListWorker{Harvester: harvester.New(nil)}
	err := w.Work(t.Context(), listJob(HarvestListArgs{URL: srv.URL, MetadataPrefix: "marc21"}))
	if !errors.Is(err, oaipmh.ErrCannotDisseminateFormat) {
		t.Fatalf("error = %v, want cannotDisseminateFormat", err)
	}
	var cancelErr *river.JobCancelError
	if !errors.As(err, &cancelErr) {
		t.Errorf("error = %v, want job cancelled", err)
	}
}

func TestHarvestListWorker_TransientFailureIsRetried(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{Status: 503})

	w := HarvestListWorker{Harvester: harvester.New(nil)}
	err := w.Work(t.Context(), listJob(HarvestListArgs{URL: srv.URL}))
	if err == nil {
		t.Fatal("expected error")
	}
	var cancelErr *river.JobCancelError
	if errors.As(err, &cancelErr) {
		t.Errorf("error = %v, transient failures must stay retryable", err)
	}
}

func TestHarvestListWorker_PassesEncodingAndGranularity(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{IDs: []string{"oai:x:1"}})

	from := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	w := HarvestListWorker{Harvester: harvester.New(nil)}
	args := HarvestListArgs{URL: srv.URL, From: &from, Granularity: "second", Encoding: "utf-8"}
	if err := w.Work(t.Context(), listJob(args)); err != nil {
		t.Fatalf("Work() error = %v", err)
	}
	if got := srv.Requests()[0].Get("from"); got != "2024-05-01T12:30:00Z" {
		t.Errorf("from = %q, want second granularity", got)
	}
}

type fakeInserter struct {
	args river.JobArgs
	opts *river.InsertOpts
}

func (f *fakeInserter) Insert(_ context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	f.args = args
	f.opts = opts
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: 42, Kind: args.Kind()}}, nil
}

func TestEnqueueHarvest(t *testing.T) {
	ctx := t.Context()
	out := OutputArgs{Output: "dir", Directory: "/tmp/out"}

	ins := &fakeInserter{}
	res, err := EnqueueHarvest(ctx, ins, nil, harvester.Request{SourceName: "repo", Sets: []string{"a"}, Granularity: "second", Encoding: "latin1"}, out)
	if err != nil {
		t.Fatalf("EnqueueHarvest() error = %v", err)
	}
	if res.Job.ID != 42 {
		t.Errorf("job id = %d, want 42", res.Job.ID)
	}
	list, ok := ins.args.(HarvestListArgs)
	if !ok {
		t.Fatalf("args = %T, want HarvestListArgs", ins.args)
	}
	if list.SourceName != "repo" || list.Output != out {
		t.Errorf("args = %+v", list)
	}
	if list.Granularity != "second" || list.Encoding != "latin1" {
		t.Errorf("granularity/encoding not queued: %+v", list)
	}
	if ins.opts.Queue != QueueHarvest {
		t.Errorf("queue = %q, want %q", ins.opts.Queue, QueueHarvest)
	}

	ins = &fakeInserter{}
	if _, err := EnqueueHarvest(ctx, ins, nil, harvester.Request{URL: "http://example.org/oai", Identifiers: []string{"a, b"}}, out); err != nil {
		t.Fatalf("EnqueueHarvest() error = %v", err)
	}
	get, ok := ins.args.(HarvestGetArgs)
	if !ok {
		t.Fatalf("args = %T, want HarvestGetArgs", ins.args)
	}
	if len(get.Identifiers) != 2 {
		t.Errorf("identifiers = %v, want 2 entries", get.Identifiers)
	}

	ins = &fakeInserter{}
	if _, err := EnqueueHarvest(ctx, ins, nil, harvester.Request{}, out); !errors.Is(err, harvester.ErrNameOrURLMissing) {
		t.Errorf("error = %v, want ErrNameOrURLMissing", err)
	}
	if ins.args != nil {
		t.Error("invalid requests must not be queued")
	}
}

type fakePruner struct {
	before time.Time
	err    error
}

func (f *fakePruner) DeleteRunsBefore(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, f.err
}

func TestHarvestRunCleanupWorker(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	pruner := &fakePruner{}
	w := HarvestRunCleanupWorker{Runs: pruner, Retention: 24 * time.Hour, now: func() time.Time { return now }}
	job := &river.Job[HarvestRunCleanupArgs]{JobRow: &rivertype.JobRow{Kind: JobKindHarvestRunCleanup}}

	if err := w.Work(t.Context(), job); err != nil {
		t.Fatalf("Work() error = %v", err)
	}
	if want := now.Add(-24 * time.Hour); !pruner.before.Equal(want) {
		t.Errorf("cutoff = %v, want %v", pruner.before, want)
	}

	pruner.err = errors.New("db down")
	if err := w.Work(t.Context(), job); err == nil {
		t.Error("expected error")
	}

	if err := (HarvestRunCleanupWorker{}).Work(t.Context(), job); err == nil {
		t.Error("expected error without run store")
	}
}
