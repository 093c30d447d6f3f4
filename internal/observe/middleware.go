package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// correlationHeader carries the request correlation ID. Clients may supply
// one; otherwise the trace ID is used, keeping HTTP requests addressable by
// the same correlation scheme as transcript utterances.
const correlationHeader = "X-Correlation-ID"

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// routeLabel collapses request paths onto the fixed serving surface so the
// duration histogram keeps a bounded label set no matter what paths are
// probed. The HTTP server only exposes health and metrics endpoints; the
// conversational traffic rides the realtime transport, not this mux.
func routeLabel(path string) string {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return path
	}
	return "other"
}

// isProbe reports whether the route is polled by orchestration
// (liveness/readiness checks, metric scrapes) rather than a user.
func isProbe(route string) bool {
	return strings.HasSuffix(route, "z") || route == "/metrics"
}

// Middleware instruments the health-and-metrics mux: it extracts W3C trace
// context from the incoming request (or starts a new trace), wraps the
// request in a server span, answers with a correlation ID, and records the
// request to [Metrics.HTTPRequestDuration] under a normalised route label.
//
// Successful probe traffic is logged at debug so scrape intervals do not
// drown the session logs; everything else logs at info.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeLabel(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			// A client-supplied correlation ID wins over the trace ID so
			// callers can stitch their own request chains together.
			cid := r.Header.Get(correlationHeader)
			if cid == "" {
				cid = CorrelationID(ctx)
			} else {
				span.SetAttributes(attribute.String("correlation_id", cid))
			}
			if cid != "" {
				w.Header().Set(correlationHeader, cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			level := slog.LevelInfo
			if isProbe(route) && rec.statusCode < 400 {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("correlation_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
