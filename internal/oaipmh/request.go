package oaipmh

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Verb is an OAI-PMH request verb.
type Verb string

const (
	VerbGetRecord       Verb = "GetRecord"
	VerbListRecords     Verb = "ListRecords"
	VerbListIdentifiers Verb = "ListIdentifiers"
)

// DefaultMetadataPrefix is the format every OAI-PMH repository must support.
const DefaultMetadataPrefix = "oai_dc"

// Granularity is the datestamp resolution used to encode from/until.
type Granularity string

const (
	GranularityDay    Granularity = "YYYY-MM-DD"
	GranularitySecond Granularity = "YYYY-MM-DDThh:mm:ssZ"
)

// ParseGranularity accepts the protocol notations as well as the short
// names "day" and "second". The empty string is GranularityDay.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "day", strings.ToLower(string(GranularityDay)):
		return GranularityDay, nil
	case "second", strings.ToLower(string(GranularitySecond)):
		return GranularitySecond, nil
	default:
		return "", fmt.Errorf("oaipmh: unknown granularity %q", s)
	}
}

// Truncates reports whether encoding t in g loses information.
func (g Granularity) Truncates(t time.Time) bool {
	if g == GranularitySecond {
		return t.Nanosecond() != 0
	}
	u := t.UTC()
	return u.Hour() != 0 || u.Minute() != 0 || u.Second() != 0 || u.Nanosecond() != 0
}

// Format renders t in this granularity, always in UTC.
func (g Granularity) Format(t time.Time) string {
	if g == GranularitySecond {
		return t.UTC().Format("2006-01-02T15:04:05Z")
	}
	return t.UTC().Format("2006-01-02")
}

// Request holds the parameters of one OAI-PMH request. When
// ResumptionToken is set every other parameter except Verb is ignored.
type Request struct {
	Verb            Verb
	Identifier      string
	MetadataPrefix  string
	Set             string
	From            *time.Time
	Until           *time.Time
	ResumptionToken string
}

// Resume returns the follow-up request for a resumption token.
func (r Request) Resume(token string) Request {
	return Request{Verb: r.Verb, ResumptionToken: token}
}

// Values encodes r as query parameters.
func (r Request) Values(g Granularity) url.Values {
	v := url.Values{}
	v.Set("verb", string(r.Verb))
	if r.ResumptionToken != "" {
		v.Set("resumptionToken", r.ResumptionToken)
		return v
	}

	prefix := r.MetadataPrefix
	if prefix == "" {
		prefix = DefaultMetadataPrefix
	}
	v.Set("metadataPrefix", prefix)

	switch r.Verb {
	case VerbGetRecord:
		v.Set("identifier", r.Identifier)
	case VerbListRecords, VerbListIdentifiers:
		if r.Set != "" {
			v.Set("set", r.Set)
		}
		if r.From != nil {
			v.Set("from", g.Format(*r.From))
		}
		if r.Until != nil {
			v.Set("until", g.Format(*r.Until))
		}
	}
	return v
}
