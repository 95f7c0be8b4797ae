package harvest

import (
	"context"
	"time"
)

// RunStatus is the outcome of a harvest run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// Run is one recorded harvest invocation.
type Run struct {
	ID                string // ULID
	SourceName        string
	BaseURL           string
	Mode              string // "list" or "get"
	Status            RunStatus
	RecordsHarvested  int
	UnitsFailed       int
	WatermarkAdvanced bool
	ErrorMessage      string
	StartedAt         time.Time
	FinishedAt        *time.Time
}

// RunRecorder persists harvest runs. Recording is best effort: a failing
// recorder never fails the harvest.
type RunRecorder interface {
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, sourceName string, limit int) ([]Run, error)
}
