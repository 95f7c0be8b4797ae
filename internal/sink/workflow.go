package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/Togather-Foundation/harvester/internal/oaipmh"
)

// ErrWorkflowMissing is returned when output goes to a workflow but none
// was named and the source has no stored one.
var ErrWorkflowMissing = errors.New("workflow not found: pass --workflow or a source name with a stored workflow")

// ResolveWorkflow returns the explicit workflow, else the source's stored
// one.
func ResolveWorkflow(explicit, stored string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if stored != "" {
		return stored, nil
	}
	return "", ErrWorkflowMissing
}

// WorkflowResult is the response of the workflow service to one batch.
type WorkflowResult struct {
	BatchID  string `json:"batch_id"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
}

// Workflow hands records to a downstream processing service by POSTing
// ListRecords documents to {baseURL}/api/v1/workflows/{name}/records.
type Workflow struct {
	baseURL    string
	apiKey     string
	name       string
	source     string
	batchSize  int
	httpClient *http.Client
	userAgent  string
	logger     zerolog.Logger
}

// NewWorkflow constructs the sink. A 30-second HTTP timeout is set by
// default; batchSize <= 0 means DefaultRecordsPerFile.
func NewWorkflow(baseURL, apiKey, name, source string, batchSize int, logger zerolog.Logger) *Workflow {
	if batchSize <= 0 {
		batchSize = DefaultRecordsPerFile
	}
	return &Workflow{
		baseURL:    baseURL,
		apiKey:     apiKey,
		name:       name,
		source:     source,
		batchSize:  batchSize,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:  oaipmh.DefaultUserAgent,
		logger:     logger,
	}
}

func (w *Workflow) Emit(ctx context.Context, records []oaipmh.Record) error {
	for _, batch := range chunks(records, w.batchSize) {
		res, err := w.submit(ctx, batch)
		if err != nil {
			return fmt.Errorf("workflow %s: %w", w.name, err)
		}
		w.logger.Info().
			Str("workflow", w.name).
			Str("batch_id", res.BatchID).
			Int("accepted", res.Accepted).
			Int("rejected", res.Rejected).
			Msg("sink: batch submitted")
	}
	return nil
}

func (w *Workflow) submit(ctx context.Context, batch []oaipmh.Record) (WorkflowResult, error) {
	endpoint := fmt.Sprintf("%s/api/v1/workflows/%s/records", w.baseURL, url.PathEscape(w.name))
	if w.source != "" {
		endpoint += "?source=" + url.QueryEscape(w.source)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(Document(batch, time.Now()))))
	if err != nil {
		return WorkflowResult{}, fmt.Errorf("create request: %w", err)
	}
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return WorkflowResult{}, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return WorkflowResult{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return WorkflowResult{}, fmt.Errorf("rate limited (HTTP 429): %s", bodySnippet(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return WorkflowResult{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bodySnippet(body))
	}

	var result WorkflowResult
	if len(bytes.TrimSpace(body)) == 0 {
		result.Accepted = len(batch)
		return result, nil
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return WorkflowResult{}, fmt.Errorf("parse response: %w", err)
	}
	return result, nil
}

// bodySnippet returns up to 200 characters of body as a string.
func bodySnippet(body []byte) string {
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
