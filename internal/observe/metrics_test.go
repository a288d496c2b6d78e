package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
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

func TestRecordFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, 3200)
	m.RecordFrame(ctx, 1600)

	rm := collect(t, reader)

	frames := findMetric(rm, "voskflow.frames.processed")
	if frames == nil {
		t.Fatal("frames.processed metric not found")
	}
	if sum := frames.Data.(metricdata.Sum[int64]); sum.DataPoints[0].Value != 2 {
		t.Errorf("frames = %d, want 2", sum.DataPoints[0].Value)
	}

	bytesMetric := findMetric(rm, "voskflow.bytes.processed")
	if bytesMetric == nil {
		t.Fatal("bytes.processed metric not found")
	}
	if sum := bytesMetric.Data.(metricdata.Sum[int64]); sum.DataPoints[0].Value != 4800 {
		t.Errorf("bytes = %d, want 4800", sum.DataPoints[0].Value)
	}
}

func TestQueueDepthUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AddQueueDepth(ctx, 5)
	m.AddQueueDepth(ctx, -3)

	rm := collect(t, reader)
	depth := findMetric(rm, "voskflow.queue.depth")
	if depth == nil {
		t.Fatal("queue.depth metric not found")
	}
	if sum := depth.Data.(metricdata.Sum[int64]); sum.DataPoints[0].Value != 2 {
		t.Errorf("queue depth = %d, want 2", sum.DataPoints[0].Value)
	}
}

func TestRecordModelLoad_StatusAttribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordModelLoad(ctx, 2*time.Second, "ok")
	m.RecordModelLoad(ctx, 100*time.Millisecond, "cancelled")

	rm := collect(t, reader)
	loads := findMetric(rm, "voskflow.model.loads")
	if loads == nil {
		t.Fatal("model.loads metric not found")
	}
	sum := loads.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 2 {
		t.Fatalf("data points = %d, want 2 (one per status)", len(sum.DataPoints))
	}
	for _, dp := range sum.DataPoints {
		status, ok := dp.Attributes.Value(attribute.Key("status"))
		if !ok {
			t.Error("data point missing status attribute")
			continue
		}
		if dp.Value != 1 {
			t.Errorf("status %q count = %d, want 1", status.AsString(), dp.Value)
		}
	}

	dur := findMetric(rm, "voskflow.model.load.duration")
	if dur == nil {
		t.Fatal("model.load.duration metric not found")
	}
	hist := dur.Data.(metricdata.Histogram[float64])
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 2 {
		t.Errorf("histogram observations = %d, want 2", total)
	}
}

func TestRecordTranscript_KindAttribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscript(ctx, false)
	m.RecordTranscript(ctx, false)
	m.RecordTranscript(ctx, true)

	rm := collect(t, reader)
	tr := findMetric(rm, "voskflow.transcripts")
	if tr == nil {
		t.Fatal("transcripts metric not found")
	}
	sum := tr.Data.(metricdata.Sum[int64])
	got := map[string]int64{}
	for _, dp := range sum.DataPoints {
		kind, _ := dp.Attributes.Value(attribute.Key("kind"))
		got[kind.AsString()] = dp.Value
	}
	if got["partial"] != 2 || got["final"] != 1 {
		t.Errorf("transcript counts = %v, want partial=2 final=1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
