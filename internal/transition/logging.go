package transition

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
)

// Logger wraps zap.Logger with transition-specific structured logging.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new Logger. If logger is nil, uses a no-op logger.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("transition")}
}

func (l *Logger) zap() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}
	return l.logger
}

// FinalizeDecided logs the decision of a finalize attempt.
func (l *Logger) FinalizeDecided(ctx context.Context, projectID string, phase model.Phase, outcome Outcome, blocking, warnings int) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, projectID, phase)
	fields = append(fields,
		zap.String("outcome", string(outcome)),
		zap.Int("blocking", blocking),
		zap.Int("warnings", warnings),
	)
	l.logger.Info("finalize decided", fields...)
}

// PhaseAdvanced logs an applied phase change.
func (l *Logger) PhaseAdvanced(ctx context.Context, projectID string, from, to model.Phase, locked bool) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, projectID, from)
	fields = append(fields, zap.String("to", string(to)), zap.Bool("phase_locked", locked))
	l.logger.Info("phase advanced", fields...)
}

// FinalizeDenied logs a finalize refused before any check ran.
func (l *Logger) FinalizeDenied(ctx context.Context, projectID string, code apperr.Code, actor string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := []zap.Field{
		projectField(projectID),
		zap.String("code", string(code)),
		zap.String("actor.id", actor),
	}
	fields = append(fields, l.traceFields(ctx)...)
	l.logger.Warn("finalize denied", fields...)
}

// FinalizeFailed logs an internal finalize failure.
func (l *Logger) FinalizeFailed(ctx context.Context, projectID string, phase model.Phase, class string, err error) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, projectID, phase)
	fields = append(fields, zap.String("error_class", class), zap.Error(err))
	l.logger.Error("finalize failed", fields...)
}

// SideEffectFailed logs a best-effort side effect that did not apply.
func (l *Logger) SideEffectFailed(ctx context.Context, projectID string, phase model.Phase, detail string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, projectID, phase)
	fields = append(fields, zap.String("detail", detail))
	l.logger.Warn("finalize side effect failed", fields...)
}

// Reassessed logs an applied regression.
func (l *Logger) Reassessed(ctx context.Context, projectID string, from, to model.Phase, count int, escalated bool) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, projectID, from)
	fields = append(fields,
		zap.String("to", string(to)),
		zap.Int("reassess_count", count),
		zap.Bool("escalated", escalated),
	)
	l.logger.Info("phase reassessed", fields...)
}

// Warn logs a warning with context.
func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Warn(msg, append(l.traceFields(ctx), fields...)...)
}

// Error logs an error with context.
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	allFields = append(allFields, zap.Error(err))
	allFields = append(allFields, fields...)
	l.logger.Error(msg, allFields...)
}

func (l *Logger) baseFields(ctx context.Context, projectID string, phase model.Phase) []zap.Field {
	fields := []zap.Field{
		projectField(projectID),
		zap.String("phase", string(phase)),
	}
	return append(fields, l.traceFields(ctx)...)
}

func (l *Logger) traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	sc := span.SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

func projectField(id string) zap.Field { return zap.String("project.id", id) }

func errField(err error) zap.Field { return zap.Error(err) }
