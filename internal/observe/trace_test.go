package observe

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	useTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "call")
		cid := CorrelationID(ctx)
		span.End()
		if !traceIDPattern.MatchString(cid) {
			t.Fatalf("correlation id %q is not a 32-digit hex trace id", cid)
		}
		if seen[cid] {
			t.Fatalf("correlation id %s reused across calls", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_NestsUnderCall(t *testing.T) {
	exp := useTracer(t)

	ctx, call := StartSpan(context.Background(), "call")
	_, handshake := StartSpan(ctx, "call.handshake")
	handshake.End()
	call.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Name != "call.handshake" || parent.Name != "call" {
		t.Fatalf("span names = %q, %q", child.Name, parent.Name)
	}
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("handshake span is not a child of the call span")
	}
	if child.InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", child.InstrumentationScope.Name, tracerName)
	}
}

func TestCallLogger(t *testing.T) {
	useTracer(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "no span, no logger",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id=", "call_id="},
		},
		{
			name: "span only",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(context.Background(), "request")
				return ctx, func() { span.End() }
			},
			want:    []string{"trace_id=", "span_id="},
			notWant: []string{"call_id="},
		},
		{
			name: "stored call logger",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(context.Background(), "call")
				ctx = WithLogger(ctx, Logger(ctx).With("call_id", "c-42"))
				return ctx, func() { span.End() }
			},
			want: []string{"call_id=c-42", "trace_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx, done := tt.ctx()
			defer done()

			CallLogger(ctx).Info("relay finished")

			line := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(line, w) {
					t.Errorf("log line %q missing %q", line, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(line, w) {
					t.Errorf("log line %q should not contain %q", line, w)
				}
			}
		})
	}
}
