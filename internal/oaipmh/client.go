// Package oaipmh implements the harvesting side of OAI-PMH 2.0: a protocol
// client, a resumption-token pager and an extractor that splits responses
// into standalone record documents.
package oaipmh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/Togather-Foundation/harvester/internal/telemetry"
	"github.com/antchfx/xmlquery"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds every request, so a stalled repository
	// surfaces as a TransportError instead of a hang.
	DefaultTimeout   = 60 * time.Second
	DefaultUserAgent = "oaiharvest/1.0"

	// DefaultMaxResponseSize caps the body of a single response.
	DefaultMaxResponseSize = 64 << 20

	snippetLength = 200
)

var tracer = telemetry.GetTracer("github.com/Togather-Foundation/harvester/internal/oaipmh")

// Record is one record as returned by ListRecords or GetRecord, or one
// header as returned by ListIdentifiers.
type Record struct {
	Identifier string
	Datestamp  string
	SetSpecs   []string
	Deleted    bool
	// Raw is the <record> (or <header>) element serialised with every
	// namespace declaration it depends on.
	Raw string
}

// ResumptionToken is the continuation state of a list response.
type ResumptionToken struct {
	Token            string
	ExpirationDate   *time.Time
	Cursor           *int
	CompleteListSize *int
}

// RequestEcho is the <request> element of a response.
type RequestEcho struct {
	URL        string
	Attributes map[string]string
}

// Response is a successfully parsed OAI-PMH response.
type Response struct {
	ResponseDate time.Time
	Request      RequestEcho
	Records      []Record
	Resumption   *ResumptionToken
}

// ListParams are the selective-harvesting arguments of the list verbs.
type ListParams struct {
	MetadataPrefix string
	Set            string
	From           *time.Time
	Until          *time.Time
}

// Client issues OAI-PMH requests against one repository. It never retries.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	userAgent   string
	limiter     *rate.Limiter
	namespace   Namespace
	granularity Granularity
	encoding    string
	logger      zerolog.Logger

	maxBody    int64
	robots     bool
	robotsOnce sync.Once
	robotsErr  error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Its Timeout should be non-zero.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout replaces the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithRateLimit caps requests per second. Zero or less means unlimited.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithNamespace sets the namespace response elements are matched in.
// The default is DocumentNamespace.
func WithNamespace(ns Namespace) Option {
	return func(c *Client) {
		c.namespace = ns
	}
}

// WithGranularity sets how from/until are encoded. The default is
// GranularityDay, which every repository supports.
func WithGranularity(g Granularity) Option {
	return func(c *Client) {
		if g != "" {
			c.granularity = g
		}
	}
}

// WithEncoding overrides the character encoding the server declares.
// Bodies are decoded from label (any WHATWG label, e.g. "iso-8859-1")
// before parsing. Check labels with ValidEncoding first; an unknown label
// fails every request with a *ParseError.
func WithEncoding(label string) Option {
	return func(c *Client) {
		c.encoding = strings.TrimSpace(label)
	}
}

// WithMaxResponseSize caps response bodies at n bytes. Larger responses
// fail with a *TransportError.
func WithMaxResponseSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithRobotsCheck makes the client consult robots.txt once before its
// first request.
func WithRobotsCheck(enabled bool) Option {
	return func(c *Client) {
		c.robots = enabled
	}
}

// NewClient creates a client for the repository at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		userAgent:   DefaultUserAgent,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		namespace:   DocumentNamespace,
		granularity: GranularityDay,
		maxBody:     DefaultMaxResponseSize,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the repository endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// GetRecord fetches a single record by identifier.
func (c *Client) GetRecord(ctx context.Context, identifier, metadataPrefix string) (Record, error) {
	resp, err := c.Do(ctx, Request{Verb: VerbGetRecord, Identifier: identifier, MetadataPrefix: metadataPrefix})
	if err != nil {
		return Record{}, err
	}
	if len(resp.Records) == 0 {
		return Record{}, &ParseError{Err: fmt.Errorf("GetRecord response for %q contains no record", identifier)}
	}
	return resp.Records[0], nil
}

// ListRecords fetches the first page of a ListRecords listing.
func (c *Client) ListRecords(ctx context.Context, p ListParams) (*Response, error) {
	return c.Do(ctx, p.request(VerbListRecords))
}

// ListIdentifiers fetches the first page of a ListIdentifiers listing.
func (c *Client) ListIdentifiers(ctx context.Context, p ListParams) (*Response, error) {
	return c.Do(ctx, p.request(VerbListIdentifiers))
}

// Resume fetches the page behind a resumption token.
func (c *Client) Resume(ctx context.Context, verb Verb, token string) (*Response, error) {
	return c.Do(ctx, Request{Verb: verb, ResumptionToken: token})
}

func (p ListParams) request(verb Verb) Request {
	return Request{
		Verb:           verb,
		MetadataPrefix: p.MetadataPrefix,
		Set:            p.Set,
		From:           p.From,
		Until:          p.Until,
	}
}

// Do performs one request. A non-nil error is a *ProtocolError,
// *TransportError or *ParseError; noRecordsMatch is reported as a
// *ProtocolError so callers can decide what empty means to them.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "oaipmh."+string(req.Verb), trace.WithAttributes(
		attribute.String("oaipmh.base_url", c.baseURL),
		attribute.String("oaipmh.verb", string(req.Verb)),
		attribute.Bool("oaipmh.resumption", req.ResumptionToken != ""),
	))
	defer span.End()

	start := time.Now()
	resp, err := c.do(ctx, req)
	outcome := outcomeOf(err)
	metrics.OAIRequestsTotal.WithLabelValues(string(req.Verb), outcome).Inc()
	metrics.OAIRequestDuration.WithLabelValues(string(req.Verb)).Observe(time.Since(start).Seconds())

	if err != nil && outcome != "no_records" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if resp != nil {
		span.SetAttributes(attribute.Int("oaipmh.records", len(resp.Records)))
	}

	c.logger.Debug().
		Str("verb", string(req.Verb)).
		Str("outcome", outcome).
		Dur("duration", time.Since(start)).
		Msg("oaipmh: request")
	return resp, err
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	switch req.Verb {
	case VerbGetRecord, VerbListRecords, VerbListIdentifiers:
	default:
		return nil, fmt.Errorf("oaipmh: unsupported verb %q", req.Verb)
	}
	if req.Verb == VerbGetRecord && req.ResumptionToken == "" && req.Identifier == "" {
		return nil, fmt.Errorf("oaipmh: GetRecord requires an identifier")
	}

	requestURL, err := c.requestURL(req)
	if err != nil {
		return nil, err
	}

	if c.robots {
		if err := c.checkRobots(ctx); err != nil {
			return nil, &TransportError{URL: requestURL, Err: err}
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{URL: requestURL, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("oaipmh: build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept", "text/xml, application/xml")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{URL: requestURL, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody+1))
	if err != nil {
		return nil, &TransportError{URL: requestURL, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > c.maxBody {
		return nil, &TransportError{
			URL:        requestURL,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("response exceeds %d bytes", c.maxBody),
		}
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &TransportError{
			URL:        requestURL,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", bodySnippet(body)),
		}
	}

	body, err = decodeBody(body, c.encoding)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	return parseResponse(body, req.Verb, c.namespace)
}

func (c *Client) requestURL(req Request) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("oaipmh: invalid base URL %q: %w", c.baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("oaipmh: invalid base URL %q: scheme must be http or https", c.baseURL)
	}
	q := u.Query()
	for k, vs := range req.Values(c.granularity) {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func outcomeOf(err error) string {
	var (
		protoErr *ProtocolError
		parseErr *ParseError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoRecordsMatch):
		return "no_records"
	case errors.As(err, &protoErr):
		return "protocol_error"
	case errors.As(err, &parseErr):
		return "parse_error"
	default:
		return "transport_error"
	}
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > snippetLength {
		return s[:snippetLength] + "..."
	}
	return s
}

func parseResponse(body []byte, verb Verb, ns Namespace) (*Response, error) {
	root, err := parseDocument(body)
	if err != nil {
		return nil, err
	}
	uri := ns.resolve(root)
	if !matches(root, uri, "OAI-PMH") {
		return nil, &ParseError{Err: fmt.Errorf("unexpected root element <%s>", qualifiedName(root))}
	}

	resp := &Response{}
	if ts := childText(root, uri, "responseDate"); ts != "" {
		if t, ok := parseDatestamp(ts); ok {
			resp.ResponseDate = t
		}
	}
	if req := firstChild(root, uri, "request"); req != nil {
		resp.Request.URL = strings.TrimSpace(req.InnerText())
		resp.Request.Attributes = make(map[string]string, len(req.Attr))
		for _, a := range req.Attr {
			resp.Request.Attributes[a.Name.Local] = a.Value
		}
	}

	if errs := childrenNamed(root, uri, "error"); len(errs) > 0 {
		return nil, &ProtocolError{
			Verb:    verb,
			Code:    attrValue(errs[0], "code"),
			Message: strings.TrimSpace(errs[0].InnerText()),
		}
	}

	payload := firstChild(root, uri, string(verb))
	if payload == nil {
		return nil, &ParseError{Err: fmt.Errorf("response has neither <%s> nor <error>", verb)}
	}

	switch verb {
	case VerbListIdentifiers:
		for _, h := range childrenNamed(payload, uri, "header") {
			rec := parseHeader(h, uri)
			rec.Raw = standaloneXML(h)
			resp.Records = append(resp.Records, rec)
		}
	default:
		for _, r := range childrenNamed(payload, uri, "record") {
			h := firstChild(r, uri, "header")
			if h == nil {
				return nil, &ParseError{Err: errors.New("record without <header>")}
			}
			rec := parseHeader(h, uri)
			rec.Raw = standaloneXML(r)
			resp.Records = append(resp.Records, rec)
		}
	}

	if tok := firstChild(payload, uri, "resumptionToken"); tok != nil {
		resp.Resumption = parseResumptionToken(tok)
	}
	return resp, nil
}

func parseHeader(h *xmlquery.Node, uri string) Record {
	rec := Record{
		Identifier: childText(h, uri, "identifier"),
		Datestamp:  childText(h, uri, "datestamp"),
		Deleted:    attrValue(h, "status") == "deleted",
	}
	for _, s := range childrenNamed(h, uri, "setSpec") {
		rec.SetSpecs = append(rec.SetSpecs, strings.TrimSpace(s.InnerText()))
	}
	return rec
}

func parseResumptionToken(n *xmlquery.Node) *ResumptionToken {
	rt := &ResumptionToken{Token: strings.TrimSpace(n.InnerText())}
	if v := attrValue(n, "expirationDate"); v != "" {
		if t, ok := parseDatestamp(v); ok {
			rt.ExpirationDate = &t
		}
	}
	if v, err := strconv.Atoi(attrValue(n, "cursor")); err == nil {
		rt.Cursor = &v
	}
	if v, err := strconv.Atoi(attrValue(n, "completeListSize")); err == nil {
		rt.CompleteListSize = &v
	}
	return rt
}

func parseDatestamp(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
