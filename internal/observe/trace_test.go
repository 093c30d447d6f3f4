package observe

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestCorrelationID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	tracer := tp.Tracer("test")

	t.Run("empty without a span", func(t *testing.T) {
		if got := CorrelationID(context.Background()); got != "" {
			t.Errorf("CorrelationID(background) = %q, want empty", got)
		}
	})

	t.Run("trace ID inside a span", func(t *testing.T) {
		ctx, span := tracer.Start(context.Background(), "op")
		defer span.End()

		cid := CorrelationID(ctx)
		if len(cid) != 32 {
			t.Fatalf("correlation ID length = %d, want 32", len(cid))
		}
		if strings.Trim(cid, "0123456789abcdef") != "" {
			t.Errorf("correlation ID %q is not lowercase hex", cid)
		}
	})

	t.Run("distinct per trace", func(t *testing.T) {
		ids := make(map[string]struct{}, 100)
		for range 100 {
			ctx, span := tracer.Start(context.Background(), "op")
			cid := CorrelationID(ctx)
			span.End()
			if _, dup := ids[cid]; dup {
				t.Fatalf("duplicate correlation ID: %s", cid)
			}
			ids[cid] = struct{}{}
		}
	})
}

func TestStartSpan(t *testing.T) {
	tp, exp := newTestTracerProvider(t)

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	ctx, span := StartSpan(context.Background(), "generate answer")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not put a traced span into the context")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "generate answer" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "generate answer")
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("instrumentation scope = %q, want %q", got, tracerName)
	}
}

func TestLogger(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	tracer := tp.Tracer("test")

	capture := func(t *testing.T) *strings.Builder {
		t.Helper()
		var buf strings.Builder
		prev := slog.Default()
		slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
		t.Cleanup(func() { slog.SetDefault(prev) })
		return &buf
	}

	t.Run("carries trace and span IDs", func(t *testing.T) {
		buf := capture(t)
		ctx, span := tracer.Start(context.Background(), "op")
		defer span.End()

		Logger(ctx).Info("answer committed")

		for _, key := range []string{"trace_id=", "span_id="} {
			if !strings.Contains(buf.String(), key) {
				t.Errorf("log output missing %s got: %s", key, buf.String())
			}
		}
	})

	t.Run("plain logger without a span", func(t *testing.T) {
		buf := capture(t)
		Logger(context.Background()).Info("answer committed")

		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("log output should not carry trace_id, got: %s", buf.String())
		}
	})
}
