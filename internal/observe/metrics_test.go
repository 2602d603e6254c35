package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"lumina.session.connect.duration", m.ConnectDuration},
		{"lumina.generate.duration", m.GenerateDuration},
		{"lumina.playback.lookahead", m.PlaybackLookahead},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

// sumValue returns the value of the single data point of an int64 sum.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	if len(sum.DataPoints) != 1 {
		t.Fatalf("metric %q has %d data points, want 1", name, len(sum.DataPoints))
	}
	return sum.DataPoints[0].Value
}

func TestRecordFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, nil)
	m.RecordFrame(ctx, nil)
	m.RecordFrame(ctx, errors.New("queue full"))

	rm := collect(t, reader)
	if got := sumValue(t, rm, "lumina.capture.frames.sent"); got != 2 {
		t.Errorf("frames sent = %d, want 2", got)
	}
	if got := sumValue(t, rm, "lumina.capture.frames.dropped"); got != 1 {
		t.Errorf("frames dropped = %d, want 1", got)
	}
}

func TestRecordChunk(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunk(ctx, 500*time.Millisecond)
	m.RecordChunk(ctx, 800*time.Millisecond)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "lumina.playback.chunks"); got != 2 {
		t.Errorf("chunks = %d, want 2", got)
	}
	met := findMetric(rm, "lumina.playback.lookahead")
	if met == nil {
		t.Fatal("lookahead metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if got := hist.DataPoints[0].Sum; got < 1.29 || got > 1.31 {
		t.Errorf("lookahead sum = %v, want 1.3", got)
	}
}

func TestRecordGenerate(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGenerate(ctx, "image", "gemini-2.5-flash-image", "ok", 2*time.Second)
	m.RecordGenerate(ctx, "image", "gemini-2.5-flash-image", "ok", time.Second)
	m.RecordGenerate(ctx, "image", "gemini-2.5-flash-image", "error", time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "lumina.generate.requests")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		if v, _ := dp.Attributes.Value("status"); v.AsString() == "ok" {
			if dp.Value != 2 {
				t.Errorf("counter value = %d, want 2", dp.Value)
			}
			return
		}
	}
	t.Error("data point with status=ok not found")
}

func TestRecordSessionError(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordSessionError(context.Background(), "auth")

	rm := collect(t, reader)
	met := findMetric(rm, "lumina.session.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(sum.DataPoints))
	}
	dp := sum.DataPoints[0]
	if kind, _ := dp.Attributes.Value(attribute.Key("kind")); kind.AsString() != "auth" {
		t.Errorf("kind = %q, want %q", kind.AsString(), "auth")
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionsStarted.Add(ctx, 1)
	m.Interruptions.Add(ctx, 3)
	m.DecodeErrors.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)

	cases := []struct {
		name string
		want int64
	}{
		{"lumina.sessions.started", 1},
		{"lumina.playback.interruptions", 3},
		{"lumina.playback.decode_errors", 1},
		{"lumina.active_sessions", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumValue(t, rm, tc.name); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "lumina.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
