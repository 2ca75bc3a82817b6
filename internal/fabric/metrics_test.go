package fabric

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectPartitionGauge(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "fabricd.partition.active" {
				continue
			}
			gauge, ok := m.Data.(metricdata.Gauge[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range gauge.DataPoints {
				state, _ := dp.Attributes.Value("fabricd.partition.state")
				out[state.AsString()] = dp.Value
			}
		}
	}
	return out
}

func TestPartitionGaugeStopsAfterClose(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	svc := New(Config{MeterProvider: provider})
	if err := svc.Configure(mustCatalog(t, testTopology)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := svc.Activate(context.Background(), 0); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got := collectPartitionGauge(t, reader)
	if got["active"] != 1 || got["degraded"] != 0 {
		t.Fatalf("gauge before close %v", got)
	}

	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := collectPartitionGauge(t, reader); len(got) != 0 {
		t.Fatalf("closed service still reports %v", got)
	}

	// A replacement service reports its own view only.
	next := New(Config{MeterProvider: provider})
	t.Cleanup(func() { _ = next.Close() })
	if err := next.Configure(mustCatalog(t, testTopology)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if got := collectPartitionGauge(t, reader); got["active"] != 0 {
		t.Fatalf("replacement gauge %v", got)
	}
}
