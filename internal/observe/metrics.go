// Package observe provides observability primitives for voskflow:
// OpenTelemetry metrics for the filter core and a Prometheus exporter
// bridge so they can be scraped via a standard /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voskflow metrics.
const meterName = "github.com/voskflow/voskflow"

// Metrics holds all OpenTelemetry metric instruments for the filter.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FramesProcessed counts frames fed to the recognition engine.
	FramesProcessed metric.Int64Counter

	// BytesProcessed counts PCM bytes fed to the recognition engine.
	BytesProcessed metric.Int64Counter

	// QueueDepth tracks the number of frames waiting for an engine handle.
	QueueDepth metric.Int64UpDownCounter

	// ModelLoads counts model load attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"cancelled")
	ModelLoads metric.Int64Counter

	// ModelLoadDuration tracks model construction latency.
	ModelLoadDuration metric.Float64Histogram

	// Transcripts counts published recognition results. Use with attribute:
	//   attribute.String("kind", "partial"|"final")
	Transcripts metric.Int64Counter

	// FeedErrors counts waveform chunks the engine rejected.
	FeedErrors metric.Int64Counter
}

// loadBuckets defines histogram bucket boundaries (in seconds) sized for
// model loads, which range from sub-second small models to tens of seconds
// for large ones.
var loadBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesProcessed, err = m.Int64Counter("voskflow.frames.processed",
		metric.WithDescription("Frames fed to the recognition engine."),
	); err != nil {
		return nil, err
	}
	if met.BytesProcessed, err = m.Int64Counter("voskflow.bytes.processed",
		metric.WithDescription("PCM bytes fed to the recognition engine."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("voskflow.queue.depth",
		metric.WithDescription("Frames buffered while no engine handle is ready."),
	); err != nil {
		return nil, err
	}
	if met.ModelLoads, err = m.Int64Counter("voskflow.model.loads",
		metric.WithDescription("Model load attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("voskflow.model.load.duration",
		metric.WithDescription("Model construction latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(loadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("voskflow.transcripts",
		metric.WithDescription("Published recognition results by kind."),
	); err != nil {
		return nil, err
	}
	if met.FeedErrors, err = m.Int64Counter("voskflow.feed.errors",
		metric.WithDescription("Waveform chunks rejected by the engine."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordFrame records one frame of the given byte size fed to the engine.
func (m *Metrics) RecordFrame(ctx context.Context, bytes int) {
	m.FramesProcessed.Add(ctx, 1)
	m.BytesProcessed.Add(ctx, int64(bytes))
}

// AddQueueDepth adjusts the buffered-frame gauge by delta.
func (m *Metrics) AddQueueDepth(ctx context.Context, delta int64) {
	m.QueueDepth.Add(ctx, delta)
}

// RecordModelLoad records one model load attempt with its duration and
// outcome status ("ok", "error", or "cancelled").
func (m *Metrics) RecordModelLoad(ctx context.Context, d time.Duration, status string) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ModelLoads.Add(ctx, 1, attrs)
	m.ModelLoadDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordTranscript records one published result, tagged partial or final.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	kind := "partial"
	if final {
		kind = "final"
	}
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFeedError records one rejected waveform chunk.
func (m *Metrics) RecordFeedError(ctx context.Context) {
	m.FeedErrors.Add(ctx, 1)
}
