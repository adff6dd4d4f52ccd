package mcp

import (
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gateway-fm/dbload/internal/storage"
	"github.com/gateway-fm/dbload/pkg/types"
)

var printer = message.NewPrinter(language.English)

// formatNumber adds comma separators to integers.
func formatNumber(n int64) string {
	return printer.Sprintf("%d", n)
}

// formatTPS formats a rate with separators and two decimals.
func formatTPS(v float64) string {
	return printer.Sprintf("%.2f", v)
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

// section returns a markdown section header.
func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

// formatMs formats milliseconds with a "ms" suffix.
func formatMs(v float64) string {
	return fmt.Sprintf("%.2fms", v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatLatency(l types.LatencyStats) string {
	return joinLines(
		section("Latency"),
		kv("Samples", formatNumber(int64(l.Count))),
		kv("Avg", formatMs(l.Avg)),
		kv("Min", formatMs(l.Min)),
		kv("P50", formatMs(l.P50)),
		kv("P95", formatMs(l.P95)),
		kv("P99", formatMs(l.P99)),
		kv("Max", formatMs(l.Max)),
	)
}

func formatStatus(st types.LiveStatus) string {
	s := st.Stats
	lines := joinLines(
		section("dbload Status"),
		kv("Status", st.Status),
		optional("Run ID", st.RunID),
		optional("Database", st.DBType),
		optional("Mode", string(st.Mode)),
		kv("Workers", fmt.Sprintf("%d / %d", st.ActiveWorkers, st.Threads)),
		kv("Target TPS", targetTPS(st.TargetTPS)),
		kv("Transactions", formatNumber(s.TotalTransactions)),
		kv("Inserts", formatNumber(s.TotalInserts)),
		kv("Selects", formatNumber(s.TotalSelects)),
		kv("Updates", formatNumber(s.TotalUpdates)),
		kv("Deletes", formatNumber(s.TotalDeletes)),
		kv("Errors", formatNumber(s.TotalErrors)),
		kv("Verify Failures", formatNumber(s.VerificationFailures)),
		kv("Avg TPS", formatTPS(s.AvgTPS)),
		kv("Realtime TPS", formatTPS(s.RealtimeTPS)),
		kv("Payload", bytefmt.ByteSize(uint64(max(s.PayloadBytes, 0)))),
		kv("Pool", fmt.Sprintf("%d active / %d total, %d waiting", st.Pool.Active, st.Pool.Total, st.Pool.Pending)),
	)
	if st.Remaining > 0 {
		lines += "\n" + kv("Remaining", st.Remaining.Round(time.Second).String())
	}
	if st.Error != "" {
		lines += "\n" + kv("Error", st.Error)
	}
	if st.Latency.Count > 0 {
		lines += "\n\n" + formatLatency(st.Latency)
	}
	return lines
}

func formatHealth(ready bool, checks []healthCheck) string {
	state := "READY"
	if !ready {
		state = "NOT READY"
	}
	lines := section("dbload Health: " + state)
	for _, c := range checks {
		line := fmt.Sprintf("  %-15s %s (%dms)", c.Name, c.Status, c.LatencyMs)
		if c.Error != "" {
			line += " - " + c.Error
		}
		lines += "\n" + line
	}
	return lines
}

func formatHistory(page storage.PaginatedRuns) string {
	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(int64(page.Total))),
	) + "\n\n"

	if len(page.Runs) == 0 {
		return lines + "No runs found."
	}

	for _, run := range page.Runs {
		title := run.ID
		if run.CustomName != nil && *run.CustomName != "" {
			title = *run.CustomName + " (" + run.ID + ")"
		}
		if run.IsFavorite {
			title += " *"
		}
		lines += "### " + title + "\n"
		lines += joinLines(
			kv("Status", run.Status),
			kv("Database", run.DBType),
			kv("Mode", run.Mode),
			kv("Threads", run.Threads),
			kv("Transactions", formatNumber(run.TotalTransactions)),
			kv("Errors", formatNumber(run.TotalErrors)),
			kv("Avg TPS", formatTPS(run.AvgTPS)),
			kv("Started", formatTime(run.StartedAt)),
		)
		lines += "\n\n"
	}
	return strings.TrimRight(lines, "\n")
}

func formatRunDetail(d storage.RunDetail) string {
	run := d.Run
	if run == nil {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+run.ID),
		kv("Status", run.Status),
		optional("Error", run.ErrorMessage),
		kv("Database", run.DBType),
		kv("Mode", run.Mode),
		kv("Threads", run.Threads),
		kv("Duration", (time.Duration(run.DurationMs) * time.Millisecond).String()),
		kv("Started", formatTime(run.StartedAt)),
		kv("Transactions", formatNumber(run.TotalTransactions)),
		kv("Errors", formatNumber(run.TotalErrors)),
		kv("Verify Failures", formatNumber(run.VerificationFailures)),
		kv("Avg TPS", formatTPS(run.AvgTPS)),
		kv("Post-warmup TPS", formatTPS(run.PostWarmupTPS)),
	)
	if run.CompletedAt != nil {
		lines += "\n" + kv("Completed", formatTime(*run.CompletedAt))
	}

	if run.Latency != nil {
		lines += "\n\n" + formatLatency(*run.Latency)
	}

	if c := run.Config; c != nil {
		lines += "\n\n" + joinLines(
			section("Config"),
			kv("Host", c.Host),
			optional("Database", c.Database),
			kv("Warmup", fmt.Sprintf("%ds", c.WarmupSeconds)),
			kv("Ramp-up", fmt.Sprintf("%ds", c.RampUpSeconds)),
			kv("Target TPS", targetTPS(c.TargetTPS)),
			kv("Batch Size", c.BatchSize),
			kv("Pool", fmt.Sprintf("%d-%d", c.MinPoolSize, c.MaxPoolSize)),
		)
	}

	if n := len(d.TimeSeries); n > 0 {
		peak := 0.0
		for _, p := range d.TimeSeries {
			peak = max(peak, p.IntervalTPS)
		}
		lines += "\n\n" + joinLines(
			section("Time Series"),
			kv("Samples", n),
			kv("Peak Interval TPS", formatTPS(peak)),
			kv("Final P99", formatMs(d.TimeSeries[n-1].LatencyP99)),
		)
	}
	return lines
}

func optional(key, value string) string {
	if value == "" {
		return ""
	}
	return kv(key, value)
}

func targetTPS(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return formatNumber(int64(n))
}
