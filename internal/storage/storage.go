package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/dbload/pkg/types"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("run not found")

// Storage defines the persistence interface for run history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error

	// Time-series bulk operations (called after the run completes)
	BulkInsertTimeSeries(ctx context.Context, runID string, points []types.TimeSeriesPoint) error
	GetTimeSeries(ctx context.Context, runID string) ([]types.TimeSeriesPoint, error)

	// Lifecycle
	Close() error
}
