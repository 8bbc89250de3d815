// Package metrics keeps in-process latency and pool statistics.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Operation names recorded by the sync engine.
const (
	OpProviderList       = "provider.list"
	OpProviderGet        = "provider.get"
	OpProviderHistory    = "provider.history"
	OpProviderProfile    = "provider.profile"
	OpProviderAttachment = "provider.attachment"
	OpPersistMessage     = "store.persist_message"
)

// SyncOp returns the operation name of a whole sync run in the given mode.
func SyncOp(mode string) string {
	return "sync." + mode
}

// =============================================================================
// Latency Tracker - sliding window percentiles
// =============================================================================

type LatencyTracker struct {
	mu      sync.Mutex
	samples []int64 // microseconds
	max     int
	sorted  bool
	errors  int64
}

func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{samples: make([]int64, 0, windowSize), max: windowSize}
}

// Record adds one sample, evicting the oldest tenth of the window when full.
func (t *LatencyTracker) Record(d time.Duration, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) >= t.max {
		drop := t.max / 10
		if drop < 1 {
			drop = 1
		}
		t.samples = append(t.samples[:0], t.samples[drop:]...)
	}
	t.samples = append(t.samples, d.Microseconds())
	t.sorted = false
	if failed {
		t.errors++
	}
}

func (t *LatencyTracker) Stats() LatencyStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.samples)
	if n == 0 {
		return LatencyStats{Errors: t.errors}
	}
	if !t.sorted {
		sort.Slice(t.samples, func(i, j int) bool { return t.samples[i] < t.samples[j] })
		t.sorted = true
	}

	var sum int64
	for _, v := range t.samples {
		sum += v
	}
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	pct := func(p float64) time.Duration { return us(t.samples[int(float64(n-1)*p)]) }

	return LatencyStats{
		Count:  int64(n),
		Errors: t.errors,
		Min:    us(t.samples[0]),
		Max:    us(t.samples[n-1]),
		Avg:    us(sum / int64(n)),
		P50:    pct(0.50),
		P95:    pct(0.95),
		P99:    pct(0.99),
	}
}

func (t *LatencyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = t.samples[:0]
	t.sorted = false
	t.errors = 0
}

type LatencyStats struct {
	Count  int64         `json:"count"`
	Errors int64         `json:"errors"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Avg    time.Duration `json:"avg"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
}

// ToMap flattens stats into log fields.
func (s LatencyStats) ToMap() map[string]any {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return map[string]any{
		"count":  s.Count,
		"errors": s.Errors,
		"min_ms": ms(s.Min),
		"max_ms": ms(s.Max),
		"avg_ms": ms(s.Avg),
		"p50_ms": ms(s.P50),
		"p95_ms": ms(s.P95),
		"p99_ms": ms(s.P99),
	}
}

// =============================================================================
// Registry - 작업별 트래커
// =============================================================================

type LatencyRegistry struct {
	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
	window   int
}

func NewLatencyRegistry(windowSize int) *LatencyRegistry {
	return &LatencyRegistry{trackers: make(map[string]*LatencyTracker), window: windowSize}
}

func (r *LatencyRegistry) tracker(op string) *LatencyTracker {
	r.mu.RLock()
	t, ok := r.trackers[op]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.trackers[op]; !ok {
		t = NewLatencyTracker(r.window)
		r.trackers[op] = t
	}
	return t
}

func (r *LatencyRegistry) Record(op string, d time.Duration, err error) {
	r.tracker(op).Record(d, err != nil)
}

// Observe times fn under op.
func (r *LatencyRegistry) Observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.Record(op, time.Since(start), err)
	return err
}

func (r *LatencyRegistry) Stats(op string) LatencyStats {
	r.mu.RLock()
	t, ok := r.trackers[op]
	r.mu.RUnlock()
	if !ok {
		return LatencyStats{}
	}
	return t.Stats()
}

func (r *LatencyRegistry) AllStats() map[string]LatencyStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]LatencyStats, len(r.trackers))
	for op, t := range r.trackers {
		out[op] = t.Stats()
	}
	return out
}

var (
	globalRegistry     *LatencyRegistry
	globalRegistryOnce sync.Once
)

// GlobalRegistry returns the process-wide registry.
func GlobalRegistry() *LatencyRegistry {
	globalRegistryOnce.Do(func() {
		globalRegistry = NewLatencyRegistry(1000)
	})
	return globalRegistry
}

func RecordLatency(op string, d time.Duration, err error) {
	GlobalRegistry().Record(op, d, err)
}

func Observe(op string, fn func() error) error {
	return GlobalRegistry().Observe(op, fn)
}

func GetAllLatencyStats() map[string]LatencyStats {
	return GlobalRegistry().AllStats()
}
