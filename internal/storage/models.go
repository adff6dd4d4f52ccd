// Package storage provides persistence for load test history.
package storage

import (
	"time"

	"github.com/gateway-fm/dbload/pkg/types"
)

// Run status values stored in the history.
const (
	RunStatusRunning     = "running"
	RunStatusCompleted   = "completed"
	RunStatusInterrupted = "interrupted"
	RunStatusError       = "error"
)

// Run represents a persisted load test run with summary statistics.
// JSON tags use camelCase to match the HTTP API.
type Run struct {
	ID           string           `json:"id"`
	StartedAt    time.Time        `json:"startedAt"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
	DBType       string           `json:"dbType"`
	Mode         types.WorkMode   `json:"mode"`
	Threads      int              `json:"threads"`
	DurationMs   int64            `json:"durationMs"`
	Config       *types.RunConfig `json:"config,omitempty"`
	Status       string           `json:"status"`
	ErrorMessage string           `json:"errorMessage,omitempty"`

	TotalTransactions    int64   `json:"totalTransactions"`
	TotalErrors          int64   `json:"totalErrors"`
	VerificationFailures int64   `json:"verificationFailures"`
	AvgTPS               float64 `json:"avgTps"`
	PostWarmupTPS        float64 `json:"postWarmupTps"`

	// Full counters and latency at completion.
	Stats   *types.Stats        `json:"stats,omitempty"`
	Latency *types.LatencyStats `json:"latency,omitempty"`

	// User-defined metadata
	CustomName *string `json:"customName,omitempty"`
	IsFavorite bool    `json:"isFavorite"`
}

// PaginatedRuns is a page of run history.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// RunDetail is a run together with its monitor samples.
type RunDetail struct {
	Run        *Run                    `json:"run"`
	TimeSeries []types.TimeSeriesPoint `json:"timeSeries"`
}

// RunMetadataUpdate changes user-defined run fields. Nil fields are left as is.
type RunMetadataUpdate struct {
	CustomName *string `json:"customName,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`
}

// ApplyStats copies the summary columns out of the final counters.
func (r *Run) ApplyStats(s types.Stats, l types.LatencyStats) {
	r.TotalTransactions = s.TotalTransactions
	r.TotalErrors = s.TotalErrors
	r.VerificationFailures = s.VerificationFailures
	r.AvgTPS = s.AvgTPS
	r.PostWarmupTPS = s.PostWarmupTPS
	r.Stats = &s
	r.Latency = &l
}
