package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gateway-fm/dbload/pkg/types"
)

var timeSeriesHeader = []string{
	"timestamp", "elapsedSeconds",
	"totalTransactions", "totalInserts", "totalSelects", "totalUpdates", "totalDeletes", "totalErrors",
	"intervalTps", "realtimeTps", "avgTps",
	"latencyAvg", "latencyP95", "latencyP99",
	"isWarmup",
	"poolActive", "poolIdle", "poolTotal", "poolPending",
}

// WriteCSV writes commented configuration and statistics blocks followed by
// the time series as a table.
func WriteCSV(w io.Writer, r *Report) error {
	writer := csv.NewWriter(w)

	c := r.Configuration
	s := r.FinalStatistics
	blocks := []struct {
		title string
		rows  [][2]string
	}{
		{"Configuration", [][2]string{
			{"dbType", c.DBType},
			{"host", c.Host},
			{"database", c.Database},
			{"mode", string(c.Mode)},
			{"threadCount", itoa(c.ThreadCount)},
			{"durationSeconds", itoa(c.DurationSeconds)},
			{"warmupSeconds", itoa(c.WarmupSeconds)},
			{"rampUpSeconds", itoa(c.RampUpSeconds)},
			{"targetTps", itoa(c.TargetTPS)},
			{"batchSize", itoa(c.BatchSize)},
			{"minPoolSize", itoa(c.MinPoolSize)},
			{"maxPoolSize", itoa(c.MaxPoolSize)},
		}},
		{"Final Statistics", [][2]string{
			{"totalInserts", i64(s.TotalInserts)},
			{"totalSelects", i64(s.TotalSelects)},
			{"totalUpdates", i64(s.TotalUpdates)},
			{"totalDeletes", i64(s.TotalDeletes)},
			{"totalTransactions", i64(s.TotalTransactions)},
			{"totalErrors", i64(s.TotalErrors)},
			{"verificationFailures", i64(s.VerificationFailures)},
			{"connectionRecreates", i64(s.ConnectionRecreates)},
			{"payloadBytes", i64(s.PayloadBytes)},
			{"elapsedSeconds", f2(s.ElapsedSeconds)},
			{"avgTps", f2(s.AvgTPS)},
			{"realtimeTps", f2(s.RealtimeTPS)},
			{"postWarmupTransactions", i64(s.PostWarmupTransactions)},
			{"postWarmupTps", f2(s.PostWarmupTPS)},
		}},
	}

	for _, b := range blocks {
		if err := writer.Write([]string{"# " + b.title}); err != nil {
			return fmt.Errorf("failed to write CSV block: %w", err)
		}
		for _, kv := range b.rows {
			if err := writer.Write([]string{"# " + kv[0], kv[1]}); err != nil {
				return fmt.Errorf("failed to write CSV block: %w", err)
			}
		}
		if err := writer.Write(nil); err != nil {
			return fmt.Errorf("failed to write CSV block: %w", err)
		}
	}

	if len(r.TimeSeries) > 0 {
		if err := writer.Write([]string{"# Time Series Data"}); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
		if err := writer.Write(timeSeriesHeader); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
		for _, p := range r.TimeSeries {
			if err := writer.Write(timeSeriesRow(p)); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func timeSeriesRow(p types.TimeSeriesPoint) []string {
	return []string{
		p.Timestamp.UTC().Format(time.RFC3339Nano),
		f2(p.ElapsedSeconds),
		i64(p.TotalTransactions),
		i64(p.TotalInserts),
		i64(p.TotalSelects),
		i64(p.TotalUpdates),
		i64(p.TotalDeletes),
		i64(p.TotalErrors),
		f2(p.IntervalTPS),
		f2(p.RealtimeTPS),
		f2(p.AvgTPS),
		f2(p.LatencyAvg),
		f2(p.LatencyP95),
		f2(p.LatencyP99),
		strconv.FormatBool(p.IsWarmup),
		itoa(p.PoolActive),
		itoa(p.PoolIdle),
		itoa(p.PoolTotal),
		itoa(p.PoolPending),
	}
}

func itoa(v int) string { return strconv.Itoa(v) }
func i64(v int64) string { return strconv.FormatInt(v, 10) }
func f2(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
