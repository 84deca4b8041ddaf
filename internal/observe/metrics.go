// Package observe provides the bridge's observability primitives:
// OpenTelemetry metrics, tracing, context-scoped structured logging and the
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported for
// Prometheus scraping by [InitProvider]. Tests should build their own
// [Metrics] with [NewMetrics] and a ManualReader-backed provider instead of
// using [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/MrWong99/callbridge"

// Call outcomes used as the "outcome" attribute on [Metrics.CallsTotal].
const (
	OutcomeCompleted       = "completed"
	OutcomeDialFailed      = "dial_failed"
	OutcomeHandshakeFailed = "handshake_failed"
	OutcomeRelayError      = "relay_error"
	OutcomeRejected        = "rejected"
	OutcomeCancelled       = "cancelled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveCalls tracks the number of bridged calls in flight.
	ActiveCalls metric.Int64UpDownCounter

	// --- Counters ---

	// CallsTotal counts finished calls. Use with attribute:
	//   attribute.String("outcome", ...)
	CallsTotal metric.Int64Counter

	// FramesRelayed counts audio frames forwarded between peers. Use with:
	//   attribute.String("direction", "inbound"|"outbound")
	FramesRelayed metric.Int64Counter

	// ChunksSent counts audio chunks written to the telephony peer.
	ChunksSent metric.Int64Counter

	// BargeIns counts caller interruptions that discarded pending output.
	BargeIns metric.Int64Counter

	// DecodeErrors counts undecodable frames. Use with:
	//   attribute.String("peer", "telephony"|"realtime")
	DecodeErrors metric.Int64Counter

	// RealtimeErrors counts error events reported by the realtime service.
	// Use with attribute.String("code", ...).
	RealtimeErrors metric.Int64Counter

	// CallsInitiated counts outbound call requests. Use with:
	//   attribute.String("status", "ok"|"error")
	CallsInitiated metric.Int64Counter

	// --- Latency histograms ---

	// CallDuration tracks how long a bridged call lasted.
	CallDuration metric.Float64Histogram

	// HandshakeDuration tracks dial plus session negotiation latency.
	HandshakeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets covers phone calls from a few seconds up to half an hour.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveCalls, err = m.Int64UpDownCounter("callbridge.active_calls",
		metric.WithDescription("Number of bridged calls in flight."),
	); err != nil {
		return nil, err
	}

	if met.CallsTotal, err = m.Int64Counter("callbridge.calls",
		metric.WithDescription("Total finished calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesRelayed, err = m.Int64Counter("callbridge.frames.relayed",
		metric.WithDescription("Audio frames relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("callbridge.chunks.sent",
		metric.WithDescription("Audio chunks sent to the telephony peer."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("callbridge.barge_ins",
		metric.WithDescription("Caller interruptions that cleared pending output."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("callbridge.decode.errors",
		metric.WithDescription("Undecodable frames by peer."),
	); err != nil {
		return nil, err
	}
	if met.RealtimeErrors, err = m.Int64Counter("callbridge.realtime.errors",
		metric.WithDescription("Error events reported by the realtime service."),
	); err != nil {
		return nil, err
	}
	if met.CallsInitiated, err = m.Int64Counter("callbridge.calls.initiated",
		metric.WithDescription("Outbound call requests by status."),
	); err != nil {
		return nil, err
	}

	if met.CallDuration, err = m.Float64Histogram("callbridge.call.duration",
		metric.WithDescription("Duration of bridged calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("callbridge.handshake.duration",
		metric.WithDescription("Latency of realtime dial and session negotiation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCall records a finished call: the outcome counter and, when the call
// got past negotiation, its duration in seconds.
func (m *Metrics) RecordCall(ctx context.Context, outcome string, seconds float64) {
	m.CallsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if seconds > 0 {
		m.CallDuration.Record(ctx, seconds)
	}
}

// RecordFrame increments the relayed-frames counter for direction.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.FramesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordDecodeError increments the decode error counter for peer.
func (m *Metrics) RecordDecodeError(ctx context.Context, peer string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("peer", peer)))
}

// RecordRealtimeError increments the realtime error counter.
func (m *Metrics) RecordRealtimeError(ctx context.Context, code string) {
	m.RealtimeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordCallInitiated increments the outbound call counter.
func (m *Metrics) RecordCallInitiated(ctx context.Context, status string) {
	m.CallsInitiated.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
