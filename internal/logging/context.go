package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.New().String()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := FromContext(ctx).WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// TraceIDFromContext returns the trace ID stored by WithTraceContext, if any.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// PatternContext creates a logger context for one detected pattern. It keeps
// the parent's component; a nil parent uses the default logger.
func PatternContext(parent *Logger, symbol, timeframe, patternType string) *Logger {
	if parent == nil {
		parent = Default().WithComponent("pattern")
	}
	return parent.WithFields(map[string]interface{}{
		"symbol":       symbol,
		"timeframe":    timeframe,
		"pattern_type": patternType,
	})
}

// OpportunityContext creates a logger context for a single opportunity. It
// keeps the parent's component; a nil parent uses the default logger.
func OpportunityContext(parent *Logger, id, symbol, timeframe string) *Logger {
	if parent == nil {
		parent = Default().WithComponent("opportunity")
	}
	return parent.WithFields(map[string]interface{}{
		"opportunity_id": id,
		"symbol":         symbol,
		"timeframe":      timeframe,
	})
}

// BacktestContext creates a logger context for a simulation run
func BacktestContext(runID string, startDate, endDate time.Time) *Logger {
	return Default().WithFields(map[string]interface{}{
		"run_id":     runID,
		"start_date": startDate.Format("2006-01-02"),
		"end_date":   endDate.Format("2006-01-02"),
	}).WithComponent("backtest")
}

// APIContext creates a logger context for API operations
func APIContext(method, path string, statusCode int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
	}).WithComponent("api")
}

// BinanceAPIContext creates a logger context for Binance API calls
func BinanceAPIContext(endpoint string, params map[string]interface{}) *Logger {
	l := Default().WithFields(map[string]interface{}{
		"endpoint": endpoint,
	}).WithComponent("binance")

	// Add safe params (exclude sensitive data)
	for k, v := range params {
		if k != "signature" && k != "apiKey" {
			l = l.WithField(k, v)
		}
	}

	return l
}

// DatabaseContext creates a logger context for database operations
func DatabaseContext(operation, table string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("database")
}

// NotificationContext creates a logger context for notifications
func NotificationContext(provider, recipient string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"provider":  provider,
		"recipient": recipient,
	}).WithComponent("notification")
}
