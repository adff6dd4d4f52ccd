// Command dbload drives concurrent INSERT/SELECT/UPDATE/DELETE load against a
// relational database and reports throughput and latency.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/dbload/internal/config"
	"github.com/gateway-fm/dbload/internal/dialect"
	"github.com/gateway-fm/dbload/internal/export"
	"github.com/gateway-fm/dbload/internal/metrics"
	"github.com/gateway-fm/dbload/internal/runner"
	"github.com/gateway-fm/dbload/internal/storage"
	"github.com/gateway-fm/dbload/internal/transport"
	"github.com/gateway-fm/dbload/pkg/types"
)

const (
	httpShutdownTimeout = 5 * time.Second
	readHeaderTimeout   = 5 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

// run executes the command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	cfg, err := config.Load(args, getenv, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.ShowVersion {
		fmt.Fprintf(stdout, "dbload v%s\n", config.Version)
		return 0
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		config.Usage(stderr)
		return 1
	}

	if cfg.PrintDDL {
		fmt.Fprintln(stdout, cfg.Dialect.DDL)
		return 0
	}

	logger := newLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, cfg, logger, stdout); err != nil {
		logger.Error("run failed", "error", err)
		return 1
	}
	return 0
}

func newLogger(w io.Writer, logLevel string) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// execute opens the target, runs the load test and publishes the results.
func execute(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	pool, err := dialect.Open(ctx, cfg.Dialect, cfg.PoolConfig(), logger)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	defer pool.Close()
	logger.Info("connection pool ready",
		"dialect", cfg.Dialect.Name,
		"host", cfg.Database.Host,
		"max_pool_size", pool.MaxPoolSize(),
	)

	var store storage.Storage
	if cfg.DatabasePath != "" {
		s, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("initialize history storage: %w", err)
		}
		defer s.Close()
		store = s
		logger.Info("initialized storage", "path", cfg.DatabasePath)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewPrometheusMetrics(reg)

	runID := uuid.NewString()
	rc := cfg.RunnerConfig(runID)
	counter := metrics.NewPerformanceCounter(metrics.WithSubSecondWindow(cfg.SubSecondWindow()))

	record := newHistoryRecord(runID, cfg)
	if store != nil {
		if err := store.CreateRun(ctx, record); err != nil {
			logger.Warn("failed to record run start", "error", err)
			store = nil
		}
	}

	runOpts := []runner.Option{runner.WithLogger(logger), runner.WithPrometheus(prom)}
	if store != nil {
		runOpts = append(runOpts, runner.WithTickHook(historySampler(ctx, store, runID, logger)))
	}
	r := runner.New(rc, pool, counter, runOpts...)

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if cfg.ListenAddr != "" {
		api := transport.NewServer(r, store, pool, logger, "*",
			transport.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
		defer api.Close()

		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
		srv = &http.Server{Handler: api.Handler(), ReadHeaderTimeout: readHeaderTimeout}
		logger.Info("HTTP API listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	var res *runner.Result
	g.Go(func() error {
		var err error
		res, err = r.Run(gctx)
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				logger.Warn("HTTP server shutdown", "error", serr)
			}
		}
		return err
	})

	runErr := g.Wait()

	// History writes must survive a signal that cancelled ctx.
	persistCtx := context.WithoutCancel(ctx)

	if res == nil {
		if runErr == nil {
			runErr = errors.New("run ended without a result")
		}
		if store != nil {
			record.Status = storage.RunStatusError
			record.ErrorMessage = runErr.Error()
			if err := store.CompleteRun(persistCtx, runID, record); err != nil {
				logger.Warn("failed to record run failure", "error", err)
			}
		}
		return runErr
	}
	if runErr != nil {
		// The run finished but the HTTP server failed alongside it.
		logger.Warn("run finished with a server error", "error", runErr)
	}

	if store != nil {
		persistResult(persistCtx, store, record, res, logger)
	}

	runner.PrintReport(stdout, rc, res)

	if cfg.Output.File != "" {
		report := &export.Report{
			TestInfo:          export.TestInfo{Timestamp: time.Now(), Version: config.Version},
			Configuration:     cfg.RunConfig(),
			FinalStatistics:   res.Stats,
			LatencyStatistics: res.Latency,
			TimeSeries:        res.TimeSeries,
		}
		if err := export.WriteFile(cfg.Output.File, cfg.Output.Format, report); err != nil {
			return fmt.Errorf("export results: %w", err)
		}
		logger.Info("results exported", "format", cfg.Output.Format, "path", cfg.Output.File)
	}
	return nil
}

func newHistoryRecord(runID string, cfg *config.Config) *storage.Run {
	summary := cfg.RunConfig()
	return &storage.Run{
		ID:         runID,
		StartedAt:  time.Now(),
		DBType:     summary.DBType,
		Mode:       summary.Mode,
		Threads:    summary.ThreadCount,
		DurationMs: int64(summary.DurationSeconds) * 1000,
		Config:     &summary,
		Status:     storage.RunStatusRunning,
	}
}

// historySampler stores each monitor sample as it is taken, so the history of
// a run in progress, or of one that failed, already holds its time series.
func historySampler(ctx context.Context, store storage.Storage, runID string, logger *slog.Logger) func(types.TimeSeriesPoint) {
	ctx = context.WithoutCancel(ctx)
	return func(p types.TimeSeriesPoint) {
		if err := store.BulkInsertTimeSeries(ctx, runID, []types.TimeSeriesPoint{p}); err != nil {
			logger.Warn("failed to record sample", "run_id", runID, "error", err)
		}
	}
}

func persistResult(ctx context.Context, store storage.Storage, record *storage.Run, res *runner.Result, logger *slog.Logger) {
	record.Status = storage.RunStatusCompleted
	if res.Interrupted {
		record.Status = storage.RunStatusInterrupted
	}
	completedAt := res.EndedAt
	record.CompletedAt = &completedAt
	record.ApplyStats(res.Stats, res.Latency)

	if err := store.CompleteRun(ctx, record.ID, record); err != nil {
		logger.Warn("failed to record run result", "run_id", record.ID, "error", err)
		return
	}
	logger.Info("run saved to history", "run_id", record.ID, "points", len(res.TimeSeries))
}
