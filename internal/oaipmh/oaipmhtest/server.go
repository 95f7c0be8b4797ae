// Package oaipmhtest provides an in-memory OAI-PMH repository for tests.
package oaipmhtest

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const responseDate = "2024-05-01T12:00:00Z"

// Page is one response in a listing. A page with ErrorCode set answers
// with an OAI-PMH error, one with Status set answers with that HTTP status.
type Page struct {
	IDs       []string
	Deleted   []string
	ErrorCode string
	Status    int
	Body      string // raw body, overrides everything else
	// Repeat makes the page hand out a token pointing back at itself.
	Repeat bool
}

// Server is a scripted OAI-PMH repository. Listings are keyed by set
// spec, "" being the unrestricted listing.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	listings map[string][]Page
	records  map[string]bool
	requests []url.Values
}

// NewServer starts a repository that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		listings: make(map[string][]Page),
		records:  make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetPages scripts the pages returned for set.
func (s *Server) SetPages(set string, pages ...Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[set] = pages
}

// AddRecords makes identifiers available to GetRecord.
func (s *Server) AddRecords(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.records[id] = true
	}
}

// Requests returns the query of every request received so far.
func (s *Server) Requests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]url.Values, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestCount returns the number of requests received so far.
func (s *Server) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.requests = append(s.requests, q)
	s.mu.Unlock()

	verb := q.Get("verb")
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	switch verb {
	case "GetRecord":
		s.mu.Lock()
		ok := s.records[q.Get("identifier")]
		s.mu.Unlock()
		if !ok {
			fmt.Fprint(w, ErrorBody(verb, "idDoesNotExist"))
			return
		}
		fmt.Fprint(w, GetRecordBody(q.Get("identifier")))
	case "ListRecords", "ListIdentifiers":
		s.serveListing(w, verb, q)
	default:
		fmt.Fprint(w, ErrorBody(verb, "badVerb"))
	}
}

func (s *Server) serveListing(w http.ResponseWriter, verb string, q url.Values) {
	set, index := q.Get("set"), 0
	if token := q.Get("resumptionToken"); token != "" {
		var ok bool
		set, index, ok = parseToken(token)
		if !ok {
			fmt.Fprint(w, ErrorBody(verb, "badResumptionToken"))
			return
		}
	}

	s.mu.Lock()
	pages, ok := s.listings[set]
	s.mu.Unlock()
	if !ok || index >= len(pages) {
		fmt.Fprint(w, ErrorBody(verb, "noRecordsMatch"))
		return
	}

	page := pages[index]
	switch {
	case page.Body != "":
		fmt.Fprint(w, page.Body)
		return
	case page.Status != 0:
		w.WriteHeader(page.Status)
		fmt.Fprint(w, http.StatusText(page.Status))
		return
	case page.ErrorCode != "":
		fmt.Fprint(w, ErrorBody(verb, page.ErrorCode))
		return
	}

	token := ""
	switch {
	case page.Repeat:
		token = makeToken(set, index)
	case index+1 < len(pages):
		token = makeToken(set, index+1)
	}
	deleted := make(map[string]bool, len(page.Deleted))
	for _, id := range page.Deleted {
		deleted[id] = true
	}
	fmt.Fprint(w, listBody(verb, set, page.IDs, deleted, token, len(pages)))
}

func makeToken(set string, index int) string {
	return set + "|" + strconv.Itoa(index)
}

func parseToken(token string) (string, int, bool) {
	i := strings.LastIndex(token, "|")
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(token[i+1:])
	if err != nil {
		return "", 0, false
	}
	return token[:i], n, true
}

func envelope(verb, payload string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:schemaLocation="http://www.openarchives.org/OAI/2.0/ http://www.openarchives.org/OAI/2.0/OAI-PMH.xsd">
  <responseDate>` + responseDate + `</responseDate>
  <request verb="` + html.EscapeString(verb) + `">http://repository.example.org/oai</request>
` + payload + `
</OAI-PMH>`
}

// HeaderXML renders an OAI-PMH record header.
func HeaderXML(id, set string, deleted bool) string {
	status := ""
	if deleted {
		status = ` status="deleted"`
	}
	spec := ""
	if set != "" {
		spec = "<setSpec>" + html.EscapeString(set) + "</setSpec>"
	}
	return `<header` + status + `><identifier>` + html.EscapeString(id) + `</identifier><datestamp>2024-04-30</datestamp>` + spec + `</header>`
}

// RecordXML renders a record with Dublin Core metadata.
func RecordXML(id, set string, deleted bool) string {
	if deleted {
		return `<record>` + HeaderXML(id, set, true) + `</record>`
	}
	return `<record>` + HeaderXML(id, set, false) +
		`<metadata><oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/" xmlns:dc="http://purl.org/dc/elements/1.1/">` +
		`<dc:title>Title of ` + html.EscapeString(id) + `</dc:title><dc:identifier>http://repository.example.org/` + html.EscapeString(id) + `</dc:identifier>` +
		`</oai_dc:dc></metadata></record>`
}

func listBody(verb, set string, ids []string, deleted map[string]bool, token string, total int) string {
	var b strings.Builder
	b.WriteString("<" + verb + ">")
	for _, id := range ids {
		if verb == "ListIdentifiers" {
			b.WriteString(HeaderXML(id, set, deleted[id]))
		} else {
			b.WriteString(RecordXML(id, set, deleted[id]))
		}
	}
	if token != "" {
		fmt.Fprintf(&b, `<resumptionToken completeListSize="%d" cursor="0">%s</resumptionToken>`, total, html.EscapeString(token))
	}
	b.WriteString("</" + verb + ">")
	return envelope(verb, b.String())
}

// ListRecordsBody renders a ListRecords page.
func ListRecordsBody(ids []string, token string) string {
	return listBody("ListRecords", "", ids, nil, token, len(ids))
}

// GetRecordBody renders a GetRecord response.
func GetRecordBody(id string) string {
	return envelope("GetRecord", "<GetRecord>"+RecordXML(id, "", false)+"</GetRecord>")
}

// ErrorBody renders an OAI-PMH error response.
func ErrorBody(verb, code string) string {
	return envelope(verb, `<error code="`+html.EscapeString(code)+`">`+code+` raised by test repository</error>`)
}
