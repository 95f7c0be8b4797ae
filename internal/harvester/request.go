package harvester

import (
	"context"
	"fmt"
	"time"

	"github.com/Togather-Foundation/harvester/internal/oaipmh"
)

// Sink receives the records of a harvest.
type Sink interface {
	Emit(ctx context.Context, records []oaipmh.Record) error
}

// Request is a harvest as asked for by a caller (CLI, queued job).
// Identifiers select the GetRecord path, otherwise records are listed.
type Request struct {
	MetadataPrefix string
	From           *time.Time
	Until          *time.Time
	URL            string
	SourceName     string
	Sets           []string
	Identifiers    []string
	Granularity    string
	Encoding       string
	KeepPartial    bool
}

const (
	ModeList = "list"
	ModeGet  = "get"
)

// Mode returns ModeGet when identifiers were given, ModeList otherwise.
func (r Request) Mode() string {
	if len(NormalizeIdentifiers(r.Identifiers)) > 0 {
		return ModeGet
	}
	return ModeList
}

// Validate checks the argument combination without touching the network
// or the source store.
func (r Request) Validate() error {
	if r.Mode() == ModeGet && (r.From != nil || r.Until != nil) {
		return ErrIdentifiersOrDates
	}
	if r.From != nil && r.Until != nil && r.From.After(*r.Until) {
		return ErrWrongDateCombination
	}
	if r.URL == "" && r.SourceName == "" {
		return ErrNameOrURLMissing
	}
	if _, err := parseGranularity(r.Granularity); err != nil {
		return err
	}
	if !oaipmh.ValidEncoding(r.Encoding) {
		return fmt.Errorf("%w: %q", ErrUnknownEncoding, r.Encoding)
	}
	return nil
}

// Outcome holds the result of whichever path a Request took.
type Outcome struct {
	List *ListResult
	Get  *GetResult
}

func (o Outcome) Records() []oaipmh.Record {
	switch {
	case o.List != nil:
		return o.List.Records
	case o.Get != nil:
		return o.Get.Records
	}
	return nil
}

// Err joins the unit failures of the harvest.
func (o Outcome) Err() error {
	switch {
	case o.List != nil:
		return o.List.Err()
	case o.Get != nil:
		return o.Get.Err()
	}
	return nil
}

// Permanent reports whether the harvest failed in a way a retry cannot
// fix: at least one unit failed, every unit failure is a permanent
// protocol error and nothing else went wrong.
func (o Outcome) Permanent() bool {
	var unitErrs []error
	switch {
	case o.List != nil:
		if o.List.DeliverErr != nil || o.List.WatermarkErr != nil {
			return false
		}
		for _, s := range o.List.Failed() {
			unitErrs = append(unitErrs, s.Err)
		}
	case o.Get != nil:
		if o.Get.DeliverErr != nil {
			return false
		}
		for _, id := range o.Get.Failed() {
			unitErrs = append(unitErrs, id.Err)
		}
	}
	if len(unitErrs) == 0 {
		return false
	}
	for _, err := range unitErrs {
		if !oaipmh.IsPermanent(err) {
			return false
		}
	}
	return true
}

// Run validates req, runs it and emits the records to sink. sink may be
// nil. The returned error covers configuration problems only; harvest
// failures are reported by Outcome.Err.
func (h *Harvester) Run(ctx context.Context, req Request, sink Sink) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	var deliver DeliverFunc
	if sink != nil {
		deliver = sink.Emit
	}

	if req.Mode() == ModeGet {
		res, err := h.GetRecords(ctx, GetOptions{
			Identifiers:    req.Identifiers,
			MetadataPrefix: req.MetadataPrefix,
			URL:            req.URL,
			SourceName:     req.SourceName,
			Encoding:       req.Encoding,
			Deliver:        deliver,
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Get: res}, nil
	}

	res, err := h.ListRecords(ctx, ListOptions{
		MetadataPrefix: req.MetadataPrefix,
		From:           req.From,
		Until:          req.Until,
		URL:            req.URL,
		SourceName:     req.SourceName,
		Sets:           req.Sets,
		Granularity:    req.Granularity,
		Encoding:       req.Encoding,
		KeepPartial:    req.KeepPartial,
		Deliver:        deliver,
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{List: res}, nil
}
