package worker

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultErrorLogInterval is the minimum gap between logged non-transient errors.
const DefaultErrorLogInterval = 10 * time.Second

// transientMarkers are message fragments of expected connection churn.
var transientMarkers = []string{
	"connection is already closed",
	"connection closed",
	"use of closed network connection",
	"connection reset",
	"broken pipe",
	"pool exhausted",
	"timeout",
	"timed out",
}

// IsTransient reports whether err is expected connection churn rather than a
// query problem.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// ErrorCategory labels err for metrics.
func ErrorCategory(err error) string {
	switch {
	case errors.Is(err, ErrVerification):
		return "verification"
	case IsTransient(err):
		return "connection"
	default:
		return "query"
	}
}

// ErrorLogger throttles worker error logs across all workers. Transient
// errors go to debug level unthrottled; other errors are logged at most once
// per interval together with the number suppressed since the last one.
type ErrorLogger struct {
	logger     *slog.Logger
	sometimes  *rate.Sometimes
	suppressed atomic.Int64
}

// NewErrorLogger creates an ErrorLogger. interval <= 0 uses DefaultErrorLogInterval.
func NewErrorLogger(logger *slog.Logger, interval time.Duration) *ErrorLogger {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultErrorLogInterval
	}
	return &ErrorLogger{
		logger:    logger,
		sometimes: &rate.Sometimes{Interval: interval},
	}
}

// Log records an error from worker during op.
func (l *ErrorLogger) Log(worker, op string, err error) {
	if IsTransient(err) {
		l.logger.Debug("transient database error", "worker", worker, "op", op, "error", err)
		return
	}

	logged := false
	l.sometimes.Do(func() {
		logged = true
		l.logger.Error("database operation failed",
			"worker", worker,
			"op", op,
			"error", err,
			"suppressed", l.suppressed.Swap(0),
		)
	})
	if !logged {
		l.suppressed.Add(1)
	}
}
