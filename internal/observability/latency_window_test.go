package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe("execution_total", 500)
	w.Observe("execution_total", 700)
	w.Observe("execution_total", 900)
	w.ObserveIndicator("subscription_warning")
	w.ObserveIndicator("subscription_warning")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "execution_total" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "execution_total")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.TargetP95MS != 120000 {
		t.Fatalf("TargetP95MS = %.2f, want 120000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want subscription_warning x2", snap.Indicators)
	}
}

func TestLatencyWindowRingWraps(t *testing.T) {
	w := NewLatencyWindow(4)
	for i := 1; i <= 6; i++ {
		w.Observe("bridge_round_trip", float64(i*100))
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4 after wrap", s.Samples)
	}
	if s.LastMS != 600 {
		t.Fatalf("LastMS = %.2f, want 600", s.LastMS)
	}
}

func TestLatencyWindowObserveDuration(t *testing.T) {
	w := NewLatencyWindow(4)
	w.ObserveDuration("claim_to_spawn", 250*time.Millisecond)

	snap := w.Snapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 250 {
		t.Fatalf("snapshot = %+v, want single 250ms sample", snap.Stages)
	}
}

func TestLatencyWindowReset(t *testing.T) {
	w := NewLatencyWindow(4)
	w.Observe("execution_total", 100)
	w.ObserveIndicator("timeout")
	w.Reset()

	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot after reset = %+v, want empty", snap)
	}
}
