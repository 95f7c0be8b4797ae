// Package harvest defines the domain types and interfaces for harvest
// source management.
package harvest

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a harvest source is not found.
var ErrNotFound = errors.New("harvest source not found")

// DefaultMetadataPrefix is used when a source does not name one.
const DefaultMetadataPrefix = "oai_dc"

// Datestamp granularities a repository can advertise in Identify.
const (
	GranularityDay    = "YYYY-MM-DD"
	GranularitySecond = "YYYY-MM-DDThh:mm:ssZ"
)

// Source is a configured OAI-PMH repository.
type Source struct {
	ID             int64
	Name           string
	BaseURL        string
	MetadataPrefix string
	SetSpecs       []string
	// Granularity is how from/until are sent; empty means GranularityDay.
	Granularity string
	// LastRun is the watermark: the start time of the last complete
	// unbounded harvest. It is the implicit from-date of the next one.
	LastRun   *time.Time
	Workflow  string
	Enabled   bool
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Prefix returns the source's metadata prefix or the protocol default.
func (s Source) Prefix() string {
	if s.MetadataPrefix == "" {
		return DefaultMetadataPrefix
	}
	return s.MetadataPrefix
}

// UpsertParams contains the fields used to create or update a source.
type UpsertParams struct {
	Name           string
	BaseURL        string
	MetadataPrefix string
	SetSpecs       []string
	Granularity    string
	Workflow       string
	Enabled        bool
	Notes          string
	LastRun        *time.Time
}

// Repository is the config store of harvest sources.
type Repository interface {
	// Upsert inserts or updates a source by name.
	Upsert(ctx context.Context, params UpsertParams) (*Source, error)

	// GetByName returns ErrNotFound when the source does not exist.
	GetByName(ctx context.Context, name string) (*Source, error)

	// List returns all sources, optionally filtered by enabled state.
	// Pass nil to return all sources regardless of enabled status.
	List(ctx context.Context, enabled *bool) ([]Source, error)

	// UpdateLastRun moves the watermark of the named source to at.
	UpdateLastRun(ctx context.Context, name string, at time.Time) error

	// Delete removes a source by name.
	Delete(ctx context.Context, name string) error
}
