package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across RenderQ.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID    = "job_id"
	FieldTaskID   = "task_id"
	FieldWorkerID = "worker_id"
	FieldTraceID  = "trace_id"

	// Components
	FieldComponent = "component"
	FieldPlugin    = "plugin"
	FieldService   = "service"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldStartTime  = "start_time"
	FieldEndTime    = "end_time"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount      = "count"
	FieldBatchSize  = "batch_size"
	FieldTotalCount = "total_count"

	// Status and progress
	FieldStatus   = "status"
	FieldState    = "state"
	FieldProgress = "progress"
	FieldPriority = "priority"

	// Render-specific
	FieldFrameStart = "frame_start"
	FieldFrameEnd   = "frame_end"
	FieldPool       = "pool"

	// Files and paths
	FieldFile   = "file"
	FieldBinary = "binary"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"
	FieldHost    = "host"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	taskIDKey    contextKey = "logger_task_id"
	workerIDKey  contextKey = "logger_worker_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithTaskID adds a task ID to the context for logging
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// WithWorkerID adds a worker ID to the context for logging
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if taskID, ok := ctx.Value(taskIDKey).(string); ok && taskID != "" {
		fields = append(fields, FieldTaskID, taskID)
	}
	if workerID, ok := ctx.Value(workerIDKey).(string); ok && workerID != "" {
		fields = append(fields, FieldWorkerID, workerID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
// Use this to get a logger that automatically includes job_id, task_id, etc.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Scheduler struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewScheduler() *Scheduler {
//	    return &Scheduler{
//	        logger: logger.ComponentLogger("queue.scheduler"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
//
// Example:
//
//	jobLogger := logger.ChildLogger(baseLogger, "job_id", job.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
