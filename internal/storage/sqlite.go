package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/dbload/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so a corrupt value does not hide the run.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) the history database at dbPath.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the HTTP API read history while a run is being written.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		db_type TEXT NOT NULL,
		mode TEXT NOT NULL,
		threads INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		config TEXT,
		status TEXT DEFAULT 'running',
		error_message TEXT,
		total_transactions INTEGER DEFAULT 0,
		total_errors INTEGER DEFAULT 0,
		verification_failures INTEGER DEFAULT 0,
		avg_tps REAL DEFAULT 0,
		post_warmup_tps REAL DEFAULT 0,
		stats TEXT,
		latency_stats TEXT,
		custom_name TEXT,
		is_favorite INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS time_series (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		elapsed_seconds REAL,
		total_transactions INTEGER,
		total_inserts INTEGER,
		total_selects INTEGER,
		total_updates INTEGER,
		total_deletes INTEGER,
		total_errors INTEGER,
		interval_tps REAL,
		realtime_tps REAL,
		avg_tps REAL,
		latency_avg REAL,
		latency_p95 REAL,
		latency_p99 REAL,
		is_warmup INTEGER DEFAULT 0,
		pool_active INTEGER DEFAULT 0,
		pool_idle INTEGER DEFAULT 0,
		pool_total INTEGER DEFAULT 0,
		pool_pending INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_time_series_run ON time_series(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	status := run.Status
	if status == "" {
		status = RunStatusRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, db_type, mode, threads, duration_ms, config, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.DBType, string(run.Mode), run.Threads, run.DurationMs, string(configJSON), status)
	return err
}

// CompleteRun stores the final statistics and status of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id string, run *Run) error {
	statsJSON, _ := json.Marshal(run.Stats)
	latencyJSON, _ := json.Marshal(run.Latency)

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			error_message = ?,
			total_transactions = ?,
			total_errors = ?,
			verification_failures = ?,
			avg_tps = ?,
			post_warmup_tps = ?,
			stats = ?,
			latency_stats = ?
		WHERE id = ?
	`, completedAt, run.Status, nullString(run.ErrorMessage),
		run.TotalTransactions, run.TotalErrors, run.VerificationFailures,
		run.AvgTPS, run.PostWarmupTPS, string(statsJSON), string(latencyJSON), id)
	if err != nil {
		return err
	}
	return requireAffected(result, id)
}

const runColumns = `id, started_at, completed_at, db_type, mode, threads, duration_ms, config,
	status, error_message, total_transactions, total_errors, verification_failures,
	avg_tps, post_warmup_tps, stats, latency_stats, custom_name, COALESCE(is_favorite, 0)`

// GetRun retrieves a single run by ID. It returns nil, nil when the run
// does not exist.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a page of runs, favorites first, then newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+` FROM runs
		ORDER BY is_favorite DESC, started_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and, through the foreign key, its time series.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireAffected(result, id)
}

// UpdateRunMetadata updates the custom name and/or favorite flag of a run.
func (s *SQLiteStorage) UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error {
	var sets []string
	var args []any

	if update.CustomName != nil {
		sets = append(sets, "custom_name = ?")
		args = append(args, *update.CustomName)
	}
	if update.IsFavorite != nil {
		sets = append(sets, "is_favorite = ?")
		if *update.IsFavorite {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireAffected(result, id)
}

// BulkInsertTimeSeries inserts all points in a single transaction so the
// fsync cost is paid once.
func (s *SQLiteStorage) BulkInsertTimeSeries(ctx context.Context, runID string, points []types.TimeSeriesPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO time_series (run_id, timestamp_ms, elapsed_seconds,
			total_transactions, total_inserts, total_selects, total_updates, total_deletes, total_errors,
			interval_tps, realtime_tps, avg_tps, latency_avg, latency_p95, latency_p99, is_warmup,
			pool_active, pool_idle, pool_total, pool_pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, runID, p.Timestamp.UnixMilli(), p.ElapsedSeconds,
			p.TotalTransactions, p.TotalInserts, p.TotalSelects, p.TotalUpdates, p.TotalDeletes, p.TotalErrors,
			p.IntervalTPS, p.RealtimeTPS, p.AvgTPS, p.LatencyAvg, p.LatencyP95, p.LatencyP99, p.IsWarmup,
			p.PoolActive, p.PoolIdle, p.PoolTotal, p.PoolPending)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetTimeSeries returns the samples of a run in time order.
func (s *SQLiteStorage) GetTimeSeries(ctx context.Context, runID string) ([]types.TimeSeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_ms, elapsed_seconds,
			total_transactions, total_inserts, total_selects, total_updates, total_deletes, total_errors,
			interval_tps, realtime_tps, avg_tps, latency_avg, latency_p95, latency_p99, is_warmup,
			COALESCE(pool_active, 0), COALESCE(pool_idle, 0), COALESCE(pool_total, 0), COALESCE(pool_pending, 0)
		FROM time_series
		WHERE run_id = ?
		ORDER BY timestamp_ms, id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []types.TimeSeriesPoint{}
	for rows.Next() {
		var p types.TimeSeriesPoint
		var tsMs int64
		err := rows.Scan(&tsMs, &p.ElapsedSeconds,
			&p.TotalTransactions, &p.TotalInserts, &p.TotalSelects, &p.TotalUpdates, &p.TotalDeletes, &p.TotalErrors,
			&p.IntervalTPS, &p.RealtimeTPS, &p.AvgTPS, &p.LatencyAvg, &p.LatencyP95, &p.LatencyP99, &p.IsWarmup,
			&p.PoolActive, &p.PoolIdle, &p.PoolTotal, &p.PoolPending)
		if err != nil {
			return nil, err
		}
		p.Timestamp = time.UnixMilli(tsMs).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var mode string
	var completedAt sql.NullTime
	var configJSON, errorMsg, statsJSON, latencyJSON, customName sql.NullString
	var isFavorite int

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.DBType, &mode, &run.Threads, &run.DurationMs,
		&configJSON, &run.Status, &errorMsg,
		&run.TotalTransactions, &run.TotalErrors, &run.VerificationFailures,
		&run.AvgTPS, &run.PostWarmupTPS, &statsJSON, &latencyJSON, &customName, &isFavorite)
	if err != nil {
		return nil, err
	}

	run.Mode = types.WorkMode(mode)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errorMsg.Valid {
		run.ErrorMessage = errorMsg.String
	}
	if customName.Valid {
		run.CustomName = &customName.String
	}
	run.IsFavorite = isFavorite == 1

	if configJSON.Valid && configJSON.String != "" && configJSON.String != "null" {
		run.Config = &types.RunConfig{}
		unmarshalJSON(configJSON.String, run.Config, "config", run.ID)
	}
	if statsJSON.Valid && statsJSON.String != "" && statsJSON.String != "null" {
		run.Stats = &types.Stats{}
		unmarshalJSON(statsJSON.String, run.Stats, "stats", run.ID)
	}
	if latencyJSON.Valid && latencyJSON.String != "" && latencyJSON.String != "null" {
		run.Latency = &types.LatencyStats{}
		unmarshalJSON(latencyJSON.String, run.Latency, "latency_stats", run.ID)
	}
	return &run, nil
}

func requireAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
