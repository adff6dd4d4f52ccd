// Package types contains public API types for the database load generator.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"fmt"
	"strings"
	"time"
)

// WorkMode selects which operations the workers execute.
type WorkMode string

const (
	ModeFull       WorkMode = "full"        // insert, commit, then read back and verify
	ModeInsertOnly WorkMode = "insert-only" // single or batch inserts
	ModeSelectOnly WorkMode = "select-only"
	ModeUpdateOnly WorkMode = "update-only"
	ModeDeleteOnly WorkMode = "delete-only"
	ModeMixed      WorkMode = "mixed" // 60% insert, 20% select, 15% update, 5% delete
)

// WorkModes lists every supported mode in display order.
var WorkModes = []WorkMode{ModeFull, ModeInsertOnly, ModeSelectOnly, ModeUpdateOnly, ModeDeleteOnly, ModeMixed}

// ParseWorkMode resolves a mode name case-insensitively.
// Underscores are accepted in place of dashes ("SELECT_ONLY").
func ParseWorkMode(s string) (WorkMode, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, m := range WorkModes {
		if string(m) == norm {
			return m, nil
		}
	}
	return "", fmt.Errorf("invalid mode: %q", s)
}

// NeedsExistingRows reports whether the mode reads or mutates rows that
// must already exist in the table.
func (m WorkMode) NeedsExistingRows() bool {
	switch m {
	case ModeSelectOnly, ModeUpdateOnly, ModeDeleteOnly, ModeMixed:
		return true
	default:
		return false
	}
}

// Operation identifies a single database operation for metrics labels.
type Operation string

const (
	OpInsert Operation = "insert"
	OpSelect Operation = "select"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpFull   Operation = "full" // insert, commit and verified read-back
)

// RunStatus represents the current run state.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusPreparing RunStatus = "preparing" // schema setup and max id preload
	StatusWarmup    RunStatus = "warmup"
	StatusRunning   RunStatus = "running"
	StatusStopping  RunStatus = "stopping" // waiting for workers to drain
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// LatencyStats holds latency statistics in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Stats is a cumulative snapshot of a run's counters and derived rates.
type Stats struct {
	TotalInserts           int64   `json:"totalInserts"`
	TotalSelects           int64   `json:"totalSelects"`
	TotalUpdates           int64   `json:"totalUpdates"`
	TotalDeletes           int64   `json:"totalDeletes"`
	TotalTransactions      int64   `json:"totalTransactions"`
	TotalErrors            int64   `json:"totalErrors"`
	VerificationFailures   int64   `json:"verificationFailures"`
	ConnectionRecreates    int64   `json:"connectionRecreates"`
	PayloadBytes           int64   `json:"payloadBytes"`
	ElapsedSeconds         float64 `json:"elapsedSeconds"`
	AvgTPS                 float64 `json:"avgTps"`
	RealtimeTPS            float64 `json:"realtimeTps"`
	WindowedTPS            float64 `json:"windowedTps"`
	PostWarmupTransactions int64   `json:"postWarmupTransactions"`
	PostWarmupTPS          float64 `json:"postWarmupTps"`
}

// IntervalStats holds counter deltas since the previous poll.
type IntervalStats struct {
	IntervalSeconds      float64 `json:"intervalSeconds"`
	IntervalTransactions int64   `json:"intervalTransactions"`
	IntervalTPS          float64 `json:"intervalTps"`
	IntervalInserts      int64   `json:"intervalInserts"`
	IntervalSelects      int64   `json:"intervalSelects"`
	IntervalUpdates      int64   `json:"intervalUpdates"`
	IntervalDeletes      int64   `json:"intervalDeletes"`
	IntervalErrors       int64   `json:"intervalErrors"`
	LatencyP50           float64 `json:"latencyP50"` // from the interval histogram
	LatencyP99           float64 `json:"latencyP99"`
}

// PoolStats is a point-in-time view of the connection pool.
type PoolStats struct {
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Total   int `json:"total"`
	Pending int `json:"pending"` // callers blocked in Acquire
}

// TimeSeriesPoint is one monitor sample.
type TimeSeriesPoint struct {
	Timestamp         time.Time `json:"timestamp"`
	ElapsedSeconds    float64   `json:"elapsedSeconds"`
	TotalTransactions int64     `json:"totalTransactions"`
	TotalInserts      int64     `json:"totalInserts"`
	TotalSelects      int64     `json:"totalSelects"`
	TotalUpdates      int64     `json:"totalUpdates"`
	TotalDeletes      int64     `json:"totalDeletes"`
	TotalErrors       int64     `json:"totalErrors"`
	IntervalTPS       float64   `json:"intervalTps"`
	RealtimeTPS       float64   `json:"realtimeTps"`
	AvgTPS            float64   `json:"avgTps"`
	LatencyAvg        float64   `json:"latencyAvg"`
	LatencyP95        float64   `json:"latencyP95"`
	LatencyP99        float64   `json:"latencyP99"`
	IsWarmup          bool      `json:"isWarmup"`
	PoolActive        int       `json:"poolActive"`
	PoolIdle          int       `json:"poolIdle"`
	PoolTotal         int       `json:"poolTotal"`
	PoolPending       int       `json:"poolPending"`
}

// RunConfig is the run setup recorded in exports and run history.
type RunConfig struct {
	DBType          string   `json:"dbType"`
	Host            string   `json:"host"`
	Database        string   `json:"database,omitempty"`
	Mode            WorkMode `json:"mode"`
	ThreadCount     int      `json:"threadCount"`
	DurationSeconds int      `json:"durationSeconds"`
	WarmupSeconds   int      `json:"warmupSeconds"`
	RampUpSeconds   int      `json:"rampUpSeconds"`
	TargetTPS       int      `json:"targetTps"`
	BatchSize       int      `json:"batchSize"`
	MinPoolSize     int      `json:"minPoolSize"`
	MaxPoolSize     int      `json:"maxPoolSize"`
}

// Row is a single load_test row as read back by a select.
type Row struct {
	ID       int64  `json:"id"`
	ThreadID string `json:"threadId"`
	Value    string `json:"value"`
}

// LiveStatus is the state published over HTTP and websocket while a run is active.
type LiveStatus struct {
	RunID         string        `json:"runId,omitempty"`
	Status        RunStatus     `json:"status"`
	DBType        string        `json:"dbType,omitempty"`
	Mode          WorkMode      `json:"mode,omitempty"`
	Threads       int           `json:"threads"`
	ActiveWorkers int           `json:"activeWorkers"`
	TargetTPS     int           `json:"targetTps"`
	Stats         Stats         `json:"stats"`
	Latency       LatencyStats  `json:"latency"`
	Pool          PoolStats     `json:"pool"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	WarmupEndsAt  *time.Time    `json:"warmupEndsAt,omitempty"`
	EndsAt        *time.Time    `json:"endsAt,omitempty"`
	Error         string        `json:"error,omitempty"`
	Remaining     time.Duration `json:"remainingNs"`
}
