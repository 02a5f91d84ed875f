package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryCollectsIncrementedCounters(t *testing.T) {
	PollCycles.Reset()
	TransportErrors.Reset()
	ConnectionLost.Reset()
	PowerLimitWrites.Reset()

	reg := Registry()

	PollCycles.WithLabelValues("inv1").Inc()
	TransportErrors.WithLabelValues("inv1").Add(3)
	ConnectionLost.WithLabelValues("inv1").Inc()
	PowerLimitWrites.WithLabelValues("inv1").Inc()

	if got := testutil.ToFloat64(PollCycles.WithLabelValues("inv1")); got != 1 {
		t.Fatalf("expected poll_cycles_total=1, got %v", got)
	}
	if got := testutil.ToFloat64(TransportErrors.WithLabelValues("inv1")); got != 3 {
		t.Fatalf("expected transport_errors_total=3, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 4 {
		t.Fatalf("expected 4 registered metric families, got %d", len(families))
	}
}

func TestRegistryIsIsolatedPerCall(t *testing.T) {
	a := Registry()
	b := Registry()
	if a == b {
		t.Fatal("expected distinct registry instances")
	}
}
