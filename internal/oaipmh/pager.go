package oaipmh

import (
	"context"
	"fmt"
	"iter"
)

// DefaultMaxPages caps how many pages one listing may span.
const DefaultMaxPages = 10000

// State is the position of a Pager in the resumption loop.
type State int

const (
	// Requesting means the next page is the first one.
	Requesting State = iota
	// HasToken means the last page carried a continuation token.
	HasToken
	// Done means the listing is exhausted or has failed.
	Done
)

func (s State) String() string {
	switch s {
	case Requesting:
		return "requesting"
	case HasToken:
		return "has_token"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Pager walks a ListRecords or ListIdentifiers listing one page at a time.
// A page is fetched only when the records of the previous one have been
// consumed, so dropping a Pager mid-listing costs no further requests.
//
//	p := client.Records(oaipmh.ListParams{Set: "physics"})
//	for p.Next(ctx) {
//		rec := p.Record()
//		...
//	}
//	if err := p.Err(); err != nil {
//		...
//	}
type Pager struct {
	client   *Client
	first    Request
	maxPages int

	state      State
	pages      int
	token      *ResumptionToken
	buf        []Record
	pos        int
	current    Record
	err        error
	emptyMatch bool
}

// PagerOption configures a Pager.
type PagerOption func(*Pager)

// WithMaxPages sets the page cap. Values below one are ignored.
func WithMaxPages(n int) PagerOption {
	return func(p *Pager) {
		if n > 0 {
			p.maxPages = n
		}
	}
}

// NewPager returns a pager for req, which must use a list verb.
func NewPager(client *Client, req Request, opts ...PagerOption) *Pager {
	p := &Pager{client: client, first: req, maxPages: DefaultMaxPages}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Records returns a pager over ListRecords.
func (c *Client) Records(params ListParams, opts ...PagerOption) *Pager {
	return NewPager(c, params.request(VerbListRecords), opts...)
}

// Identifiers returns a pager over ListIdentifiers.
func (c *Client) Identifiers(params ListParams, opts ...PagerOption) *Pager {
	return NewPager(c, params.request(VerbListIdentifiers), opts...)
}

// Next advances to the next record, fetching a page if needed. It returns
// false when the listing is exhausted or failed; check Err to tell which.
func (p *Pager) Next(ctx context.Context) bool {
	for {
		if p.pos < len(p.buf) {
			p.current = p.buf[p.pos]
			p.pos++
			return true
		}
		if p.state == Done {
			return false
		}
		if err := ctx.Err(); err != nil {
			p.fail(err)
			return false
		}
		if p.pages >= p.maxPages {
			p.fail(fmt.Errorf("%w: stopped after %d pages", ErrHarvestIncomplete, p.pages))
			return false
		}
		p.fetch(ctx)
	}
}

func (p *Pager) fetch(ctx context.Context) {
	req := p.first
	if p.state == HasToken {
		req = p.first.Resume(p.token.Token)
	}

	resp, err := p.client.Do(ctx, req)
	p.pages++
	p.buf, p.pos = nil, 0
	if err != nil {
		if IsNoRecordsMatch(err) {
			p.emptyMatch = true
			p.state = Done
			return
		}
		p.fail(err)
		return
	}

	p.buf = resp.Records
	if resp.Resumption != nil && resp.Resumption.Token != "" {
		p.token = resp.Resumption
		p.state = HasToken
		return
	}
	if resp.Resumption != nil {
		p.token = resp.Resumption
	}
	p.state = Done
}

func (p *Pager) fail(err error) {
	p.err = err
	p.state = Done
	p.buf, p.pos = nil, 0
}

// Record returns the record Next advanced to.
func (p *Pager) Record() Record { return p.current }

// Err returns the error that ended the listing, if any. An empty listing
// (noRecordsMatch) is not an error.
func (p *Pager) Err() error { return p.err }

// State returns the current position in the resumption loop.
func (p *Pager) State() State { return p.state }

// Pages returns the number of requests issued so far.
func (p *Pager) Pages() int { return p.pages }

// Resumption returns the most recent resumption token, if any. Its
// CompleteListSize is the server's estimate of the listing size.
func (p *Pager) Resumption() *ResumptionToken { return p.token }

// NoRecordsMatch reports whether the server answered noRecordsMatch.
func (p *Pager) NoRecordsMatch() bool { return p.emptyMatch }

// All adapts the pager to a range-over-func sequence. A failure is
// yielded once as the final element.
func (p *Pager) All(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for p.Next(ctx) {
			if !yield(p.Record(), nil) {
				return
			}
		}
		if err := p.Err(); err != nil {
			yield(Record{}, err)
		}
	}
}

// Drain consumes the rest of the listing. On failure it returns the
// records read before the failing page together with the error.
func (p *Pager) Drain(ctx context.Context) ([]Record, error) {
	var out []Record
	for p.Next(ctx) {
		out = append(out, p.Record())
	}
	return out, p.Err()
}
