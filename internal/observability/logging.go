package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures, critical event publication failures
//   - warn:  Dropped signals, unresolvable entities, missing condition fields, step fallbacks
//   - info:  Workflow initiation, approvals, rejections, completions, definition reload
//   - debug: Cache operations, trigger evaluation details
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}

	// Include trace_id if present.
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// EntityFields returns the log fields that identify an entity and its
// workflow.
func EntityFields(entity model.WorkflowEnabled) []zap.Field {
	if entity == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("entity_type", entity.EntityType()),
		zap.String("entity_id", entity.EntityID()),
	}
	if wf := entity.Workflow(); wf != nil {
		fields = append(fields,
			zap.String("workflow_status", string(wf.CurrentStatus())),
			zap.String("workflow_code", wf.WorkflowCode),
			zap.String("workflow_state", wf.CurrentState),
		)
	}
	return fields
}

// SignalFields returns the log fields that identify an inbound signal.
func SignalFields(tenantID, entityType, entityID, actorID string) []zap.Field {
	return []zap.Field{
		zap.String("tenant_id", tenantID),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("actor_id", actorID),
	}
}
