// Package export writes run results to files in CSV, JSON or YAML.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gateway-fm/dbload/pkg/types"
)

// TestInfo identifies the export.
type TestInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Report is the exported document.
type Report struct {
	TestInfo          TestInfo                `json:"testInfo"`
	Configuration     types.RunConfig         `json:"configuration"`
	FinalStatistics   types.Stats             `json:"finalStatistics"`
	LatencyStatistics types.LatencyStats      `json:"latencyStatistics"`
	TimeSeries        []types.TimeSeriesPoint `json:"timeSeries"`
}

// WriteFunc encodes a report to w.
type WriteFunc func(w io.Writer, r *Report) error

var formats = map[string]WriteFunc{
	"csv":  WriteCSV,
	"json": WriteJSON,
	"yaml": WriteYAML,
}

// Formats returns the supported format names, sorted.
func Formats() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the writer for a format name (case-insensitive).
func Lookup(format string) (WriteFunc, error) {
	fn, ok := formats[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("unsupported output format %q (supported: %s)", format, strings.Join(Formats(), ", "))
	}
	return fn, nil
}

// WriteFile writes the report to path in the given format, creating parent
// directories as needed.
func WriteFile(path, format string, r *Report) error {
	fn, err := Lookup(format)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := fn(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
