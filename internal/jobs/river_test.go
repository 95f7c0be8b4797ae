package jobs

import (
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
)

func TestNewRetryPolicy(t *testing.T) {
	policy := NewRetryPolicy(0, 0)

	if policy.Default.MaxAttempts != ListRecordsMaxAttempts {
		t.Errorf("Default.MaxAttempts = %d, want %d", policy.Default.MaxAttempts, ListRecordsMaxAttempts)
	}

	tests := []struct {
		kind                string
		expectedMaxAttempts int
		expectedBaseDelay   time.Duration
		expectedMaxDelay    time.Duration
	}{
		{
			kind:                JobKindHarvestList,
			expectedMaxAttempts: ListRecordsMaxAttempts,
			expectedBaseDelay:   5 * time.Minute,
			expectedMaxDelay:    2 * time.Hour,
		},
		{
			kind:                JobKindHarvestGet,
			expectedMaxAttempts: GetRecordsMaxAttempts,
			expectedBaseDelay:   1 * time.Minute,
			expectedMaxDelay:    30 * time.Minute,
		},
		{
			kind:                JobKindHarvestRunCleanup,
			expectedMaxAttempts: CleanupMaxAttempts,
		},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			config, ok := policy.ByKind[tt.kind]
			if !ok {
				t.Fatalf("kind %s not found in ByKind map", tt.kind)
			}
			if config.MaxAttempts != tt.expectedMaxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", config.MaxAttempts, tt.expectedMaxAttempts)
			}
			if config.BaseDelay != tt.expectedBaseDelay {
				t.Errorf("BaseDelay = %v, want %v", config.BaseDelay, tt.expectedBaseDelay)
			}
			if config.MaxDelay != tt.expectedMaxDelay {
				t.Errorf("MaxDelay = %v, want %v", config.MaxDelay, tt.expectedMaxDelay)
			}
		})
	}
}

func TestNewRetryPolicy_Overrides(t *testing.T) {
	policy := NewRetryPolicy(7, 2)
	if got := policy.ByKind[JobKindHarvestList].MaxAttempts; got != 7 {
		t.Errorf("list MaxAttempts = %d, want 7", got)
	}
	if got := policy.ByKind[JobKindHarvestGet].MaxAttempts; got != 2 {
		t.Errorf("get MaxAttempts = %d, want 2", got)
	}
}

func TestRetryPolicy_NextRetry(t *testing.T) {
	policy := NewRetryPolicy(0, 0)
	attemptedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		kind    string
		attempt int
		want    time.Duration
	}{
		{"list first retry", JobKindHarvestList, 1, 5 * time.Minute},
		{"list second retry", JobKindHarvestList, 2, 10 * time.Minute},
		{"list capped", JobKindHarvestList, 10, 2 * time.Hour},
		{"get third retry", JobKindHarvestGet, 3, 4 * time.Minute},
		{"zero attempt treated as first", JobKindHarvestGet, 0, 1 * time.Minute},
		{"unknown kind uses default", "other", 1, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &rivertype.JobRow{Kind: tt.kind, Attempt: tt.attempt, AttemptedAt: &attemptedAt}
			got := policy.NextRetry(job).Sub(attemptedAt)
			if got != tt.want {
				t.Errorf("delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_NextRetryImmediateForCleanup(t *testing.T) {
	policy := NewRetryPolicy(0, 0)
	before := time.Now()
	next := policy.NextRetry(&rivertype.JobRow{Kind: JobKindHarvestRunCleanup, Attempt: 1})
	if next.Before(before) || next.After(time.Now().Add(time.Second)) {
		t.Errorf("NextRetry = %v, want about now", next)
	}
}

func TestRetryPolicy_InsertOpts(t *testing.T) {
	policy := NewRetryPolicy(0, 0)

	list := policy.InsertOpts(JobKindHarvestList)
	if list.Queue != QueueHarvest {
		t.Errorf("Queue = %q, want %q", list.Queue, QueueHarvest)
	}
	if list.MaxAttempts != ListRecordsMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", list.MaxAttempts, ListRecordsMaxAttempts)
	}
	if !list.UniqueOpts.ByArgs {
		t.Error("harvest jobs should be unique by args")
	}

	cleanup := policy.InsertOpts(JobKindHarvestRunCleanup)
	if cleanup.Queue != "" {
		t.Errorf("cleanup Queue = %q, want default", cleanup.Queue)
	}
}

func TestNewClientConfig(t *testing.T) {
	workers := river.NewWorkers()
	config := NewClientConfig(ClientOptions{Workers: workers, HarvestWorkers: 3})

	if config.Workers != workers {
		t.Error("Workers not set")
	}
	if got := config.Queues[QueueHarvest].MaxWorkers; got != 3 {
		t.Errorf("harvest MaxWorkers = %d, want 3", got)
	}
	if config.RetryPolicy == nil {
		t.Error("RetryPolicy not set")
	}
	if config.ErrorHandler != nil {
		t.Error("ErrorHandler should be nil without a logger")
	}

	insertOnly := NewClientConfig(ClientOptions{Workers: workers, InsertOnly: true})
	if insertOnly.Workers != nil || insertOnly.Queues != nil {
		t.Error("insert-only config must not register workers or queues")
	}
}

func TestNewPeriodicJobs(t *testing.T) {
	policy := NewRetryPolicy(0, 0)
	sources := []harvest.Source{
		{Name: "alpha", Enabled: true},
		{Name: "beta", Enabled: false},
		{Name: "gamma", Enabled: true},
	}

	if got := len(NewPeriodicJobs(policy, sources, 0, false, OutputArgs{})); got != 1 {
		t.Errorf("without interval: %d jobs, want 1 (cleanup only)", got)
	}
	if got := len(NewPeriodicJobs(policy, sources, time.Hour, true, OutputArgs{Output: "dir"})); got != 3 {
		t.Errorf("with interval: %d jobs, want 3", got)
	}
}
