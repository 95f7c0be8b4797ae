package oaipmh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Togather-Foundation/harvester/internal/oaipmh/oaipmhtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ListRecordsParsesPage(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("",
		oaipmhtest.Page{IDs: []string{"oai:x:1", "oai:x:2"}, Deleted: []string{"oai:x:2"}},
		oaipmhtest.Page{IDs: []string{"oai:x:3"}},
	)

	client := NewClient(srv.URL)
	resp, err := client.ListRecords(t.Context(), ListParams{})
	require.NoError(t, err)

	require.Len(t, resp.Records, 2)
	assert.Equal(t, "oai:x:1", resp.Records[0].Identifier)
	assert.Equal(t, "2024-04-30", resp.Records[0].Datestamp)
	assert.False(t, resp.Records[0].Deleted)
	assert.True(t, resp.Records[1].Deleted)
	assert.True(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Equal(resp.ResponseDate))
	assert.Equal(t, "ListRecords", resp.Request.Attributes["verb"])

	require.NotNil(t, resp.Resumption)
	assert.Equal(t, "|1", resp.Resumption.Token)
	require.NotNil(t, resp.Resumption.CompleteListSize)
	assert.Equal(t, 2, *resp.Resumption.CompleteListSize)
	require.NotNil(t, resp.Resumption.Cursor)
	assert.Equal(t, 0, *resp.Resumption.Cursor)

	// Raw carries the envelope namespace so it can be parsed on its own.
	id, ok := ExtractIdentifier(resp.Records[0].Raw, OAINamespace)
	require.True(t, ok)
	assert.Equal(t, "oai:x:1", id)

	q := srv.Requests()[0]
	assert.Equal(t, "ListRecords", q.Get("verb"))
	assert.Equal(t, "oai_dc", q.Get("metadataPrefix"))
}

func TestClient_ResumeCarriesOnlyVerbAndToken(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("physics", oaipmhtest.Page{IDs: []string{"a"}}, oaipmhtest.Page{IDs: []string{"b"}})

	client := NewClient(srv.URL)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	resp, err := client.ListRecords(t.Context(), ListParams{MetadataPrefix: "marcxml", Set: "physics", From: &from})
	require.NoError(t, err)
	require.NotNil(t, resp.Resumption)

	_, err = client.Resume(t.Context(), VerbListRecords, resp.Resumption.Token)
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "physics", reqs[0].Get("set"))
	assert.Equal(t, "2024-01-01", reqs[0].Get("from"))
	assert.Equal(t, "marcxml", reqs[0].Get("metadataPrefix"))

	assert.Len(t, reqs[1], 2)
	assert.Equal(t, "ListRecords", reqs[1].Get("verb"))
	assert.Equal(t, "physics|1", reqs[1].Get("resumptionToken"))
}

func TestClient_GetRecord(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.AddRecords("oai:x:42")

	client := NewClient(srv.URL)
	rec, err := client.GetRecord(t.Context(), "oai:x:42", "")
	require.NoError(t, err)
	assert.Equal(t, "oai:x:42", rec.Identifier)
	assert.Contains(t, rec.Raw, "<dc:title>Title of oai:x:42</dc:title>")

	q := srv.Requests()[0]
	assert.Equal(t, "GetRecord", q.Get("verb"))
	assert.Equal(t, "oai:x:42", q.Get("identifier"))
	assert.Equal(t, "oai_dc", q.Get("metadataPrefix"))
}

func TestClient_GetRecordRequiresIdentifier(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	_, err := NewClient(srv.URL).GetRecord(t.Context(), "", "oai_dc")
	require.Error(t, err)
	assert.Zero(t, srv.RequestCount())
}

func TestClient_ProtocolErrors(t *testing.T) {
	tests := []struct {
		code     string
		sentinel error
	}{
		{CodeNoRecordsMatch, ErrNoRecordsMatch},
		{CodeIDDoesNotExist, ErrIDDoesNotExist},
		{CodeBadResumptionToken, ErrBadResumptionToken},
		{CodeCannotDisseminateFormat, ErrCannotDisseminateFormat},
		{CodeBadArgument, ErrBadArgument},
		{CodeNoSetHierarchy, ErrNoSetHierarchy},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := oaipmhtest.NewServer(t)
			srv.SetPages("", oaipmhtest.Page{ErrorCode: tt.code})

			_, err := NewClient(srv.URL).ListRecords(t.Context(), ListParams{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel), "expected %v, got %v", tt.sentinel, err)

			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Equal(t, tt.code, protoErr.Code)
			assert.Equal(t, VerbListRecords, protoErr.Verb)
			assert.Contains(t, protoErr.Message, "raised by test repository")
			assert.False(t, errors.Is(err, ErrTransport))
		})
	}
}

func TestClient_UnknownProtocolErrorIsStillTyped(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{ErrorCode: "tooBusy"})

	_, err := NewClient(srv.URL).ListRecords(t.Context(), ListParams{})
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "tooBusy", protoErr.Code)
	assert.False(t, errors.Is(err, ErrNoRecordsMatch))
}

func TestClient_NonOKStatusIsTransportError(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{Status: http.StatusServiceUnavailable})

	_, err := NewClient(srv.URL).ListRecords(t.Context(), ListParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusServiceUnavailable, transportErr.StatusCode)
	assert.Contains(t, transportErr.Error(), "Service Unavailable")
}

func TestClient_ConnectionRefusedIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	_, err := NewClient(baseURL).ListRecords(t.Context(), ListParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestClient_TimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	client := NewClient(srv.URL, WithTimeout(50*time.Millisecond))
	_, err := client.ListRecords(t.Context(), ListParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestClient_MalformedEnvelope(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "truncated", body: `<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><ListRecords><record>`},
		{name: "html page", body: `<html><body>Maintenance</body></html>`},
		{name: "missing payload", body: `<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><responseDate>2024-01-01T00:00:00Z</responseDate></OAI-PMH>`},
		{name: "record without header", body: `<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><ListRecords><record/></ListRecords></OAI-PMH>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := oaipmhtest.NewServer(t)
			srv.SetPages("", oaipmhtest.Page{Body: tt.body})

			_, err := NewClient(srv.URL).ListRecords(t.Context(), ListParams{})
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.False(t, errors.Is(err, ErrTransport))
		})
	}
}

func TestClient_ListIdentifiers(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("maths", oaipmhtest.Page{IDs: []string{"oai:x:1", "oai:x:2"}})

	resp, err := NewClient(srv.URL).ListIdentifiers(t.Context(), ListParams{Set: "maths"})
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, []string{"maths"}, resp.Records[0].SetSpecs)
	assert.Contains(t, resp.Records[0].Raw, "<header")
	assert.Nil(t, resp.Resumption)
}

func TestClient_GranularityEncoding(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{IDs: []string{"a"}})

	from := time.Date(2024, 3, 1, 10, 30, 0, 0, time.FixedZone("CET", 3600))
	until := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	client := NewClient(srv.URL, WithGranularity(GranularitySecond))
	_, err := client.ListRecords(t.Context(), ListParams{From: &from, Until: &until})
	require.NoError(t, err)

	q := srv.Requests()[0]
	assert.Equal(t, "2024-03-01T09:30:00Z", q.Get("from"))
	assert.Equal(t, "2024-03-02T00:00:00Z", q.Get("until"))
}

func TestParseGranularity(t *testing.T) {
	tests := []struct {
		in   string
		want Granularity
	}{
		{in: "", want: GranularityDay},
		{in: "day", want: GranularityDay},
		{in: "YYYY-MM-DD", want: GranularityDay},
		{in: "second", want: GranularitySecond},
		{in: "YYYY-MM-DDThh:mm:ssZ", want: GranularitySecond},
	}
	for _, tt := range tests {
		got, err := ParseGranularity(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseGranularity("hourly")
	require.ErrorContains(t, err, "unknown granularity")
}

func TestGranularity_Truncates(t *testing.T) {
	midnight := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	halfPast := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	assert.False(t, GranularityDay.Truncates(midnight))
	assert.True(t, GranularityDay.Truncates(halfPast))
	assert.False(t, GranularitySecond.Truncates(halfPast))
	assert.True(t, GranularitySecond.Truncates(halfPast.Add(time.Millisecond)))
}

func TestClient_EncodingOverride(t *testing.T) {
	latin1 := func(decl string) string {
		return decl + `<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><ListRecords>` +
			`<record><header><identifier>oai:x:1</identifier><datestamp>2024-01-01</datestamp></header>` +
			"<metadata><title>Caf\xe9 M\xfcller</title></metadata></record></ListRecords></OAI-PMH>"
	}
	tests := []struct {
		name string
		body string
	}{
		{name: "no declaration", body: latin1("")},
		{name: "wrong declaration", body: latin1(`<?xml version="1.0" encoding="UTF-8"?>`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := oaipmhtest.NewServer(t)
			srv.SetPages("", oaipmhtest.Page{Body: tt.body})

			_, err := NewClient(srv.URL).ListRecords(t.Context(), ListParams{})
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr, "latin-1 bytes are not UTF-8")

			resp, err := NewClient(srv.URL, WithEncoding("iso-8859-1")).ListRecords(t.Context(), ListParams{})
			require.NoError(t, err)
			require.Len(t, resp.Records, 1)
			assert.Contains(t, resp.Records[0].Raw, "Café Müller")
		})
	}
}

func TestClient_UnknownEncoding(t *testing.T) {
	assert.True(t, ValidEncoding(""))
	assert.True(t, ValidEncoding("latin1"))
	assert.False(t, ValidEncoding("klingon-8"))

	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{IDs: []string{"a"}})
	_, err := NewClient(srv.URL, WithEncoding("klingon-8")).ListRecords(t.Context(), ListParams{})
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, err.Error(), "klingon-8")
}

func TestClient_OversizedResponseIsTransportError(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{IDs: []string{"a", "b", "c"}})

	_, err := NewClient(srv.URL, WithMaxResponseSize(128)).ListRecords(t.Context(), ListParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Contains(t, err.Error(), "response exceeds 128 bytes")

	_, err = NewClient(srv.URL).ListRecords(t.Context(), ListParams{})
	require.NoError(t, err)
}

func TestClient_BaseURLQueryIsKept(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{IDs: []string{"a"}})

	_, err := NewClient(srv.URL+"/oai?tenant=lib").ListRecords(t.Context(), ListParams{})
	require.NoError(t, err)
	assert.Equal(t, "lib", srv.Requests()[0].Get("tenant"))
}

func TestClient_InvalidBaseURL(t *testing.T) {
	_, err := NewClient("ftp://example.org/oai").ListRecords(t.Context(), ListParams{})
	require.ErrorContains(t, err, "scheme must be http or https")
}

func TestClient_RobotsCheck(t *testing.T) {
	tests := []struct {
		name      string
		robots    string
		status    int
		wantAllow bool
	}{
		{name: "disallow all", robots: "User-agent: *\nDisallow: /", status: http.StatusOK, wantAllow: false},
		{name: "allow all", robots: "User-agent: *\nAllow: /", status: http.StatusOK, wantAllow: true},
		{name: "missing robots", status: http.StatusNotFound, wantAllow: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var oaiRequests int
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/robots.txt" {
					w.WriteHeader(tt.status)
					fmt.Fprint(w, tt.robots)
					return
				}
				oaiRequests++
				fmt.Fprint(w, oaipmhtest.ListRecordsBody([]string{"a"}, ""))
			}))
			t.Cleanup(srv.Close)

			client := NewClient(srv.URL+"/oai", WithRobotsCheck(true))
			_, err := client.ListRecords(context.Background(), ListParams{})
			if tt.wantAllow {
				require.NoError(t, err)
				assert.Equal(t, 1, oaiRequests)
				return
			}
			require.ErrorIs(t, err, ErrRobotsDisallowed)
			assert.True(t, errors.Is(err, ErrTransport))
			assert.Zero(t, oaiRequests)
		})
	}
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	srv := oaipmhtest.NewServer(t)
	srv.SetPages("", oaipmhtest.Page{IDs: []string{"a"}})

	client := NewClient(srv.URL, WithRateLimit(0.001))
	_, err := client.ListRecords(t.Context(), ListParams{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = client.ListRecords(ctx, ListParams{})
	require.Error(t, err)
	assert.Equal(t, 1, srv.RequestCount())
}
