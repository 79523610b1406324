package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherMetric(t *testing.T, registry *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestSyncMetrics_CountersByLabel(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSyncMetricsWithRegisterer(registry)

	m.RecordPass(PassCompleted)
	m.RecordPass(PassCompleted)
	m.RecordPass(PassOffline)
	m.RecordOrder(OrderSynced)
	m.RecordOrder(OrderDuplicate)

	family := gatherMetric(t, registry, "possync_sync_passes_total")
	got := map[string]float64{}
	for _, metric := range family.GetMetric() {
		got[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
	}
	if got[PassCompleted] != 2 || got[PassOffline] != 1 {
		t.Fatalf("unexpected pass counters: %v", got)
	}

	orders := gatherMetric(t, registry, "possync_sync_orders_total")
	if len(orders.GetMetric()) != 2 {
		t.Fatalf("expected 2 order result series, got %d", len(orders.GetMetric()))
	}
}

func TestSyncMetrics_GaugesAndHistograms(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSyncMetricsWithRegisterer(registry)

	m.PassStarted()
	if v := gatherMetric(t, registry, "possync_sync_in_flight").GetMetric()[0].GetGauge().GetValue(); v != 1 {
		t.Fatalf("expected in-flight 1, got %v", v)
	}
	m.PassFinished()
	m.SetUnsynced(3)
	m.RecordRecovered(0)
	m.RecordRecovered(2)
	m.RecordPassDuration(150 * time.Millisecond)
	m.RecordSubmitDuration(20 * time.Millisecond)

	if v := gatherMetric(t, registry, "possync_sync_in_flight").GetMetric()[0].GetGauge().GetValue(); v != 0 {
		t.Fatalf("expected in-flight 0, got %v", v)
	}
	if v := gatherMetric(t, registry, "possync_unsynced_orders").GetMetric()[0].GetGauge().GetValue(); v != 3 {
		t.Fatalf("expected unsynced 3, got %v", v)
	}
	if v := gatherMetric(t, registry, "possync_sync_orphans_recovered_total").GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Fatalf("expected recovered 2, got %v", v)
	}
	if c := gatherMetric(t, registry, "possync_sync_pass_duration_seconds").GetMetric()[0].GetHistogram().GetSampleCount(); c != 1 {
		t.Fatalf("expected 1 pass duration sample, got %d", c)
	}
}

func TestSyncMetrics_ReRegistrationReusesCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewSyncMetricsWithRegisterer(registry)
	second := NewSyncMetricsWithRegisterer(registry)

	first.RecordPass(PassFailed)
	second.RecordPass(PassFailed)

	family := gatherMetric(t, registry, "possync_sync_passes_total")
	if v := family.GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Fatalf("expected shared counter value 2, got %v", v)
	}
}
