package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestLatencyTracker_Stats(t *testing.T) {
	tr := NewLatencyTracker(100)
	for i := 1; i <= 100; i++ {
		tr.Record(time.Duration(i)*time.Millisecond, i%10 == 0)
	}

	s := tr.Stats()
	if s.Count != 100 {
		t.Errorf("Count = %d, want 100", s.Count)
	}
	if s.Errors != 10 {
		t.Errorf("Errors = %d, want 10", s.Errors)
	}
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 50*time.Millisecond {
		t.Errorf("P50 = %v, want 50ms", s.P50)
	}
}

func TestLatencyTracker_WindowEvictsOldest(t *testing.T) {
	tr := NewLatencyTracker(10)
	for i := 1; i <= 11; i++ {
		tr.Record(time.Duration(i)*time.Millisecond, false)
	}
	s := tr.Stats()
	if s.Count != 10 {
		t.Errorf("Count = %d, want 10", s.Count)
	}
	if s.Min != 2*time.Millisecond {
		t.Errorf("Min = %v, want 2ms after eviction", s.Min)
	}
}

func TestLatencyRegistry_Observe(t *testing.T) {
	r := NewLatencyRegistry(10)
	boom := errors.New("boom")

	if err := r.Observe(OpProviderGet, func() error { return nil }); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if err := r.Observe(OpProviderGet, func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Observe() error = %v, want boom", err)
	}

	s := r.Stats(OpProviderGet)
	if s.Count != 2 || s.Errors != 1 {
		t.Errorf("stats = %+v, want 2 samples and 1 error", s)
	}
	if _, ok := r.AllStats()[SyncOp("full")]; ok {
		t.Error("unrecorded operation should not appear")
	}
}

func TestAssessDBPoolHealth(t *testing.T) {
	tests := []struct {
		name  string
		stats DBPoolStats
		want  PoolHealthStatus
	}{
		{"idle", DBPoolStats{MaxOpenConnections: 10}, PoolHealthy},
		{"busy", DBPoolStats{MaxOpenConnections: 10, InUse: 8}, PoolDegraded},
		{"exhausted", DBPoolStats{MaxOpenConnections: 10, InUse: 10}, PoolUnhealthy},
		{"single writer in use", DBPoolStats{MaxOpenConnections: 1, InUse: 1}, PoolHealthy},
		{"long waits", DBPoolStats{MaxOpenConnections: 1, WaitCount: 3, WaitDuration: 6 * time.Second}, PoolDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssessDBPoolHealth(tt.stats); got != tt.want {
				t.Errorf("AssessDBPoolHealth() = %v, want %v", got, tt.want)
			}
		})
	}
}
