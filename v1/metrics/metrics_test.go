package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)
	LeaseGrantCounter.Inc()
	LeaseConflictCounter.Inc()
	ActiveLeaseGauge.Set(3)
	EventPublishedCounter.WithLabelValues("LockGranted").Inc()
	EventDroppedCounter.WithLabelValues("ItemMutated").Inc()
	RelayErrorCounter.WithLabelValues("nats").Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 6 {
		t.Fatalf("expected metrics registered, got %d families", len(mfs))
	}
}

func TestRegisterMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterMetrics(reg)
}
