package sched

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/docsight/scheduler/sched/kv"
)

func TestMetrics_SnapshotEmptyBackend(t *testing.T) {
	m := NewMetricsStore(clockwork.NewFakeClock(), nil)
	snap := m.Snapshot("b1")
	if snap.Total != 0 {
		t.Errorf("Total = %d, want 0", snap.Total)
	}
	if snap.SuccessRate != 1.0 {
		t.Errorf("SuccessRate with no data = %f, want 1.0 (no evidence of failure)", snap.SuccessRate)
	}
}

func TestMetrics_EMAConverges(t *testing.T) {
	m := NewMetricsStore(clockwork.NewFakeClock(), nil)
	m.Record("b1", 1*time.Second, true, 0.1)
	// First sample seeds the EMA directly.
	if got := m.Snapshot("b1").EMALatency; got != 1*time.Second {
		t.Fatalf("EMA after first sample = %s, want 1s", got)
	}
	m.Record("b1", 2*time.Second, true, 0.1)
	// 0.1*2 + 0.9*1 = 1.1s
	got := m.Snapshot("b1").EMALatency
	want := 1100 * time.Millisecond
	if got < want-time.Millisecond || got > want+time.Millisecond {
		t.Errorf("EMA after second sample = %s, want ~%s", got, want)
	}
}

func TestMetrics_SuccessRate(t *testing.T) {
	m := NewMetricsStore(clockwork.NewFakeClock(), nil)
	for i := 0; i < 8; i++ {
		m.Record("b1", time.Second, true, 0.1)
	}
	for i := 0; i < 2; i++ {
		m.Record("b1", time.Second, false, 0)
	}
	snap := m.Snapshot("b1")
	if snap.SuccessRate != 0.8 {
		t.Errorf("SuccessRate = %f, want 0.8", snap.SuccessRate)
	}
	if snap.Failures != 2 {
		t.Errorf("Failures = %d, want 2", snap.Failures)
	}
}

func TestMetrics_Percentiles(t *testing.T) {
	m := NewMetricsStore(clockwork.NewFakeClock(), nil)
	for i := 1; i <= 100; i++ {
		m.Record("b1", time.Duration(i)*time.Millisecond, true, 0)
	}
	ps := m.Percentiles("b1", []float64{0.5, 0.95, 0.99})
	if ps[0] != 50*time.Millisecond {
		t.Errorf("p50 = %s, want 50ms", ps[0])
	}
	if ps[1] != 95*time.Millisecond {
		t.Errorf("p95 = %s, want 95ms", ps[1])
	}
	if ps[2] != 99*time.Millisecond {
		t.Errorf("p99 = %s, want 99ms", ps[2])
	}
}

func TestMetrics_PercentilesEmpty(t *testing.T) {
	m := NewMetricsStore(clockwork.NewFakeClock(), nil)
	ps := m.Percentiles("b1", []float64{0.5})
	if ps[0] != 0 {
		t.Errorf("percentile with no samples = %s, want 0", ps[0])
	}
}

func TestMetrics_HourlyRollup(t *testing.T) {
	// GIVEN traffic in one hour
	clock := clockwork.NewFakeClock()
	m := NewMetricsStore(clock, nil)
	m.Record("b1", 100*time.Millisecond, true, 0.2)
	m.Record("b1", 300*time.Millisecond, false, 0)

	// WHEN the clock crosses into the next hour and more traffic arrives
	clock.Advance(time.Hour)
	m.Record("b1", 50*time.Millisecond, true, 0.1)

	// THEN the previous hour is closed with its aggregates
	buckets := m.Hourly("b1")
	if len(buckets) != 1 {
		t.Fatalf("closed buckets = %d, want 1", len(buckets))
	}
	b := buckets[0]
	if b.Count != 2 {
		t.Errorf("bucket count = %d, want 2", b.Count)
	}
	if b.AvgLatency != 200*time.Millisecond {
		t.Errorf("bucket avg latency = %s, want 200ms", b.AvgLatency)
	}
	if b.ErrorRate != 0.5 {
		t.Errorf("bucket error rate = %f, want 0.5", b.ErrorRate)
	}
	if b.Cost != 0.2 {
		t.Errorf("bucket cost = %f, want 0.2", b.Cost)
	}
}

func TestMetrics_RollUpForceCloses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMetricsStore(clock, nil)
	m.Record("b1", time.Second, true, 0.1)
	clock.Advance(2 * time.Hour)
	m.RollUp()
	if got := len(m.Hourly("b1")); got != 1 {
		t.Errorf("RollUp should close the stale open bucket, got %d", got)
	}
}

func TestMetrics_RetainsLast24Buckets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMetricsStore(clock, nil)
	for i := 0; i < 30; i++ {
		m.Record("b1", time.Second, true, 0.1)
		clock.Advance(time.Hour)
	}
	m.RollUp()
	if got := len(m.Hourly("b1")); got != 24 {
		t.Errorf("retained buckets = %d, want 24", got)
	}
}

func TestMetrics_PersistWritesBuckets(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStoreFromClient(client, "test:")

	clock := clockwork.NewFakeClock()
	m := NewMetricsStore(clock, nil)
	m.Record("b1", time.Second, true, 0.1)
	clock.Advance(time.Hour)
	m.RollUp()

	m.Persist(context.Background(), store)
	pairs, err := store.Scan(context.Background(), "backends:metrics/b1/", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 {
		t.Fatalf("persisted buckets = %d, want 1", len(pairs))
	}
}
