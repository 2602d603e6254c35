// Package observe provides application-wide observability primitives for
// Lumina: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lumina metrics.
const meterName = "github.com/MrWong99/lumina"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Connect to the server's setup
	// acknowledgement, including device acquisition.
	ConnectDuration metric.Float64Histogram

	// GenerateDuration tracks one-shot generation latency. Use with attributes:
	//   attribute.String("op", ...), attribute.String("model", ...)
	GenerateDuration metric.Float64Histogram

	// PlaybackLookahead tracks how much audio is scheduled ahead of the
	// output clock after each enqueue.
	PlaybackLookahead metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts connect attempts.
	SessionsStarted metric.Int64Counter

	// FramesSent counts microphone frames accepted by the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames rejected by the transport.
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts speech chunks handed to the playback scheduler.
	ChunksScheduled metric.Int64Counter

	// Interruptions counts server interruption events.
	Interruptions metric.Int64Counter

	// GenerateRequests counts one-shot generation calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("model", ...), attribute.String("status", ...)
	GenerateRequests metric.Int64Counter

	// --- Error counters ---

	// DecodeErrors counts dropped malformed audio payloads.
	DecodeErrors metric.Int64Counter

	// SessionErrors counts session failures. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips and device start-up.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// generateBuckets stretch further for image generation.
var generateBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120,
}

// lookaheadBuckets cover scheduled playback from one chunk to a long burst.
var lookaheadBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("lumina.session.connect.duration",
		metric.WithDescription("Latency from connect to setup acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerateDuration, err = m.Float64Histogram("lumina.generate.duration",
		metric.WithDescription("Latency of one-shot generation calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(generateBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLookahead, err = m.Float64Histogram("lumina.playback.lookahead",
		metric.WithDescription("Audio scheduled ahead of the output clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lookaheadBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsStarted, err = m.Int64Counter("lumina.sessions.started",
		metric.WithDescription("Total live session connect attempts."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("lumina.capture.frames.sent",
		metric.WithDescription("Total microphone frames accepted by the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("lumina.capture.frames.dropped",
		metric.WithDescription("Total microphone frames rejected by the transport."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("lumina.playback.chunks",
		metric.WithDescription("Total speech chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("lumina.playback.interruptions",
		metric.WithDescription("Total server interruption events."),
	); err != nil {
		return nil, err
	}
	if met.GenerateRequests, err = m.Int64Counter("lumina.generate.requests",
		metric.WithDescription("Total one-shot generation requests by op, model, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeErrors, err = m.Int64Counter("lumina.playback.decode_errors",
		metric.WithDescription("Total malformed audio payloads dropped."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("lumina.session.errors",
		metric.WithDescription("Total live session failures by error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lumina.active_sessions",
		metric.WithDescription("Number of connected live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lumina.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordSessionError records a session failure of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordFrame records the outcome of one microphone frame submission.
func (m *Metrics) RecordFrame(ctx context.Context, err error) {
	if err != nil {
		m.FramesDropped.Add(ctx, 1)
		return
	}
	m.FramesSent.Add(ctx, 1)
}

// RecordChunk records one scheduled playback chunk and the lookahead after it.
func (m *Metrics) RecordChunk(ctx context.Context, lookahead time.Duration) {
	m.ChunksScheduled.Add(ctx, 1)
	m.PlaybackLookahead.Record(ctx, lookahead.Seconds())
}

// RecordGenerate records one one-shot generation call.
func (m *Metrics) RecordGenerate(ctx context.Context, op, model, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("model", model),
		attribute.String("status", status),
	)
	m.GenerateRequests.Add(ctx, 1, attrs)
	m.GenerateDuration.Record(ctx, d.Seconds(), attrs)
}
