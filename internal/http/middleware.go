package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/logging"
)

const instrumentationName = "github.com/peoplemerit/pmerit-technologies-sub002/internal/http"

// requestContext starts the server span and puts the request, project and
// actor ids on the request context for log correlation.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

		route := normalizePath(c.Path())
		ctx, span := otel.Tracer(instrumentationName).Start(ctx, req.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		ctx = logging.WithRequestID(ctx, c.Response().Header().Get(echo.HeaderXRequestID))
		if id := c.Param("id"); id != "" {
			ctx = logging.WithProjectID(ctx, id)
			span.SetAttributes(attribute.String("project.id", id))
		}
		if actor := req.Header.Get(HeaderActor); actor != "" {
			ctx = logging.WithActor(ctx, actor)
		}
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// requestLog logs each request once it has been handled. Errors are
// rendered here so the logged status is the one the client sees; the error
// handler skips responses that are already committed.
func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("route", normalizePath(c.Path())),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		}
		ctx := c.Request().Context()
		if c.Response().Status >= 500 {
			s.logger.Error(ctx, "http request", append(fields, zap.Error(err))...)
		} else {
			s.logger.Info(ctx, "http request", fields...)
		}
		return err
	}
}
