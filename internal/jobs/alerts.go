package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// AlertFunc is invoked when a job fails or panics on its final attempt.
type AlertFunc func(ctx context.Context, job *rivertype.JobRow, err error)

// AlertingErrorHandler logs job failures and forwards the ones that will
// not be retried.
type AlertingErrorHandler struct {
	Logger *slog.Logger
	Notify AlertFunc
}

// NewAlertingErrorHandler builds an ErrorHandler that logs and forwards errors.
func NewAlertingErrorHandler(logger *slog.Logger, notify AlertFunc) *AlertingErrorHandler {
	return &AlertingErrorHandler{
		Logger: logger,
		Notify: notify,
	}
}

func (h *AlertingErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	if h.Logger != nil {
		h.Logger.Error("job failed", h.attrs(job, err)...)
	}
	if h.Notify != nil && finalAttempt(job) {
		h.Notify(ctx, job, err)
	}
	return nil
}

func (h *AlertingErrorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	panicErr := fmt.Errorf("panic: %v", panicVal)
	if h.Logger != nil {
		h.Logger.Error("job panicked", append(h.attrs(job, panicErr), "trace", trace)...)
	}
	if h.Notify != nil && finalAttempt(job) {
		h.Notify(ctx, job, panicErr)
	}
	return nil
}

func (h *AlertingErrorHandler) attrs(job *rivertype.JobRow, err error) []any {
	attrs := []any{
		"job_id", job.ID,
		"kind", job.Kind,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"error", err,
	}
	if source := jobSource(job); source != "" {
		attrs = append(attrs, "source", source)
	}
	return attrs
}

func finalAttempt(job *rivertype.JobRow) bool {
	return job.Attempt >= job.MaxAttempts
}

// jobSource extracts the harvest target of a harvest job, if any.
func jobSource(job *rivertype.JobRow) string {
	switch job.Kind {
	case JobKindHarvestList, JobKindHarvestGet:
	default:
		return ""
	}
	var target struct {
		SourceName string `json:"source_name"`
		URL        string `json:"url"`
	}
	if err := json.Unmarshal(job.EncodedArgs, &target); err != nil {
		return ""
	}
	if target.SourceName != "" {
		return target.SourceName
	}
	return target.URL
}
