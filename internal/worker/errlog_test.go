package worker

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped conn done", fmt.Errorf("insert: %w", sql.ErrConnDone), true},
		{"deadline", context.DeadlineExceeded, true},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"closed", errors.New("Connection Is Already Closed"), true},
		{"syntax", errors.New("syntax error at or near \"SELEC\""), false},
		{"constraint", errors.New("duplicate key value violates unique constraint"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: row 3", ErrVerification), "verification"},
		{driver.ErrBadConn, "connection"},
		{errors.New("relation \"load_test\" does not exist"), "query"},
	}
	for _, tt := range tests {
		if got := ErrorCategory(tt.err); got != tt.want {
			t.Errorf("ErrorCategory(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestErrorLoggerThrottles(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l := NewErrorLogger(logger, time.Hour)

	err := errors.New("permission denied for table load_test")
	for i := 0; i < 5; i++ {
		l.Log("Worker-0001", "insert", err)
	}

	if got := strings.Count(buf.String(), "database operation failed"); got != 1 {
		t.Errorf("expected 1 logged error, got %d:\n%s", got, buf.String())
	}
	if l.suppressed.Load() != 4 {
		t.Errorf("expected 4 suppressed, got %d", l.suppressed.Load())
	}
}

func TestErrorLoggerReportsSuppressed(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l := NewErrorLogger(logger, 20*time.Millisecond)

	err := errors.New("permission denied")
	l.Log("Worker-0001", "insert", err)
	l.Log("Worker-0002", "insert", err)
	l.Log("Worker-0003", "insert", err)

	time.Sleep(30 * time.Millisecond)
	l.Log("Worker-0004", "insert", err)

	if !strings.Contains(buf.String(), "suppressed=2") {
		t.Errorf("expected suppressed=2 in output:\n%s", buf.String())
	}
	if l.suppressed.Load() != 0 {
		t.Errorf("counter should reset after logging, got %d", l.suppressed.Load())
	}
}

func TestErrorLoggerTransientAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l := NewErrorLogger(logger, time.Hour)

	l.Log("Worker-0001", "select", driver.ErrBadConn)

	if buf.Len() != 0 {
		t.Errorf("transient errors should not appear at info level:\n%s", buf.String())
	}
	if l.suppressed.Load() != 0 {
		t.Errorf("transient errors are not counted as suppressed")
	}
}
