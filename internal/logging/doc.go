// Package logging is the process logger for governd.
//
// It wraps zap with a Trace level below Debug, a redacting stdout encoder,
// an optional OpenTelemetry bridge and per-level sampling. Errors are never
// sampled.
//
// Context carries correlation ids that every log line picks up:
//
//	ctx = logging.WithProjectID(ctx, projectID)
//	ctx = logging.WithActor(ctx, actor)
//	logger.Info(ctx, "gates evaluated", zap.Int("changes", n))
//
// The engines take a *zap.Logger; pass Underlying().
package logging
