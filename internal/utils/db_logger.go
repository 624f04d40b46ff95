package utils

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"gorm.io/gorm/logger"
)

// FilteringGormLogger wraps a GORM logger and drops trace lines whose SQL
// matches one of the ignored patterns. Used to silence the dispatcher's
// recurring eligibility query.
type FilteringGormLogger struct {
	logger.Interface
	ignoredQueryPatterns []string
}

// NewFilteringGormLogger creates a logger that ignores queries matching the
// given patterns
func NewFilteringGormLogger(l logger.Interface, ignoredPatterns ...string) *FilteringGormLogger {
	return &FilteringGormLogger{
		Interface:            l,
		ignoredQueryPatterns: ignoredPatterns,
	}
}

// LogMode implements logger.Interface
func (l *FilteringGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &FilteringGormLogger{
		Interface:            l.Interface.LogMode(level),
		ignoredQueryPatterns: l.ignoredQueryPatterns,
	}
}

// Trace implements logger.Interface
func (l *FilteringGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	sql, rows := fc()

	for _, pattern := range l.ignoredQueryPatterns {
		if strings.Contains(sql, pattern) {
			return
		}
	}

	// Annotate the log line with the application-level caller, which GORM
	// itself reports as its own internals.
	caller := findCaller()
	l.Interface.Trace(ctx, begin, func() (string, int64) {
		if caller != "" {
			return fmt.Sprintf("[Caller: %s] %s", caller, sql), rows
		}
		return sql, rows
	}, err)
}

// findCaller walks the stack for the first frame outside GORM and the
// database plumbing
func findCaller() string {
	for i := 2; i < 10; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		if strings.Contains(file, "gorm.io") ||
			strings.Contains(file, "internal/database") ||
			strings.Contains(file, "internal/utils/db_logger.go") {
			continue
		}

		funcName := ""
		if fn := runtime.FuncForPC(pc); fn != nil {
			funcName = fn.Name()
			if idx := strings.LastIndexByte(funcName, '.'); idx != -1 {
				funcName = funcName[idx+1:]
			}
		}

		if funcName != "" {
			return fmt.Sprintf("%s() at %s:%d", funcName, file, line)
		}
		return fmt.Sprintf("%s:%d", file, line)
	}

	return ""
}
