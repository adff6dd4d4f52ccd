package runner

import (
	"fmt"
	"io"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// PrintReport writes the human-readable end-of-run summary.
func PrintReport(w io.Writer, cfg Config, res *Result) {
	p := message.NewPrinter(language.English)
	rule := strings.Repeat("=", 60)
	s := res.Stats
	l := res.Latency

	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "LOAD TEST RESULTS")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Run ID:            %s\n", res.RunID)
	fmt.Fprintf(w, "Database:          %s\n", cfg.DBType)
	fmt.Fprintf(w, "Mode:              %s\n", cfg.Mode)
	fmt.Fprintf(w, "Threads:           %d\n", cfg.Threads)
	fmt.Fprintf(w, "Duration:          %s (warmup %s)\n", cfg.Duration, cfg.Warmup)
	if cfg.TargetTPS > 0 {
		p.Fprintf(w, "Target TPS:        %d\n", cfg.TargetTPS)
	}
	if cfg.BatchSize > 1 {
		fmt.Fprintf(w, "Batch size:        %d\n", cfg.BatchSize)
	}
	if res.Interrupted {
		fmt.Fprintln(w, "Status:            interrupted")
	}
	fmt.Fprintln(w, strings.Repeat("-", 60))

	p.Fprintf(w, "Transactions:      %d\n", s.TotalTransactions)
	p.Fprintf(w, "  Inserts:         %d\n", s.TotalInserts)
	p.Fprintf(w, "  Selects:         %d\n", s.TotalSelects)
	p.Fprintf(w, "  Updates:         %d\n", s.TotalUpdates)
	p.Fprintf(w, "  Deletes:         %d\n", s.TotalDeletes)
	p.Fprintf(w, "Errors:            %d\n", s.TotalErrors)
	p.Fprintf(w, "Verify failures:   %d\n", s.VerificationFailures)
	p.Fprintf(w, "Conn recreates:    %d\n", s.ConnectionRecreates)
	fmt.Fprintf(w, "Payload written:   %s\n", bytefmt.ByteSize(uint64(s.PayloadBytes)))
	fmt.Fprintln(w, strings.Repeat("-", 60))

	p.Fprintf(w, "Elapsed:           %.2f s\n", s.ElapsedSeconds)
	p.Fprintf(w, "Average TPS:       %.2f\n", s.AvgTPS)
	if cfg.Warmup > 0 {
		p.Fprintf(w, "Post-warmup TPS:   %.2f (%d transactions)\n", s.PostWarmupTPS, s.PostWarmupTransactions)
	}
	fmt.Fprintln(w, strings.Repeat("-", 60))

	fmt.Fprintf(w, "Latency (ms, last %d samples)\n", l.Count)
	fmt.Fprintf(w, "  avg %.2f  p50 %.2f  p95 %.2f  p99 %.2f\n", l.Avg, l.P50, l.P95, l.P99)
	fmt.Fprintf(w, "  min %.2f  max %.2f\n", l.Min, l.Max)
	if res.WorkersAbandoned > 0 {
		fmt.Fprintf(w, "Workers abandoned: %d of %d\n", res.WorkersAbandoned, res.WorkersLaunched)
	}
	fmt.Fprintln(w, rule)
}
