package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestKeyInFlight_RecordsPerKeyValue(t *testing.T) {
	KeyInFlight.WithLabelValues("key-a").Set(3)

	m := &dto.Metric{}
	if err := KeyInFlight.WithLabelValues("key-a").Write(m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if m.GetGauge().GetValue() != 3 {
		t.Fatalf("value = %v, want 3", m.GetGauge().GetValue())
	}
}

func TestCircuitStateValue_MapsKnownStates(t *testing.T) {
	cases := map[string]float64{"closed": 0, "half_open": 1, "open": 2, "unknown": -1}
	for state, want := range cases {
		if got := CircuitStateValue(state); got != want {
			t.Errorf("CircuitStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}

func TestRegistry_GatherIncludesRegisteredMetrics(t *testing.T) {
	QueueDepth.Set(5)
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "llmrelay_queue_depth" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected llmrelay_queue_depth to be present in the private registry")
	}
}
