package storage

import (
	"context"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
)

// Repository groups data access by domain.
type Repository interface {
	Sources() harvest.Repository
	Runs() harvest.RunRecorder

	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
}
