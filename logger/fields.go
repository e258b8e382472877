package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these instead of raw strings so log queries stay stable.
const (
	FieldRequestID = "request_id"
	FieldRunID     = "run_id"
	FieldComponent = "component"

	// Pipeline
	FieldConnector = "connector"
	FieldPlatform  = "platform"
	FieldContainer = "container"
	FieldItemID    = "item_id"
	FieldFindingID = "finding_id"
	FieldRule      = "rule"
	FieldSeverity  = "severity"
	FieldSink      = "sink"
	FieldWebhookID = "webhook_id"
	FieldSchedule  = "schedule_id"
	FieldTicket    = "ticket"
	FieldAttempt   = "attempt"
	FieldTrigger   = "trigger"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldSince      = "since"
	FieldNextAt     = "next_eligible_at"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount    = "count"
	FieldItems    = "items"
	FieldAdmitted = "admitted"
	FieldDup      = "duplicates"
	FieldSkipped  = "skipped"

	FieldStatus  = "status"
	FieldAddress = "address"
	FieldPath    = "path"

	// Export
	FieldMode   = "mode"
	FieldBatch  = "batch_id"
	FieldCursor = "cursor"
)

type contextKey string

const (
	requestIDKey contextKey = "logger_request_id"
	runIDKey     contextKey = "logger_run_id"
	connectorKey contextKey = "logger_connector"
)

// WithRequestID adds an HTTP request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithRun tags the context with the connector run it belongs to
func WithRun(ctx context.Context, connector, runID string) context.Context {
	ctx = context.WithValue(ctx, connectorKey, connector)
	return context.WithValue(ctx, runIDKey, runID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		fields = append(fields, FieldRequestID, v)
	}
	if v, ok := ctx.Value(connectorKey).(string); ok && v != "" {
		fields = append(fields, FieldConnector, v)
	}
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		fields = append(fields, FieldRunID, v)
	}

	return fields
}

// FromContext returns base with the fields carried by ctx attached.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	base = Or(base)
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
