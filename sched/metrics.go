// Rolling per-backend metrics: totals, EMA latency, recent-sample
// percentiles, and 24-hour rollup buckets. No operation blocks the caller for
// longer than an in-memory counter update; rollup persistence to the shared
// KV store is asynchronous and best-effort.

package sched

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/docsight/scheduler/sched/kv"
)

const (
	// emaAlpha is the smoothing factor of the latency EMA.
	emaAlpha = 0.1
	// latencySampleSize bounds the recent-latency ring used for percentiles.
	latencySampleSize = 1024
	// hourlyBuckets is how many closed rollup buckets are retained.
	hourlyBuckets = 24
)

// HourlyBucket is one closed rollup of a backend's traffic.
type HourlyBucket struct {
	Epoch      int64         `json:"epoch"` // unix seconds of the bucket's hour
	Count      int64         `json:"count"`
	AvgLatency time.Duration `json:"avg_latency"`
	ErrorRate  float64       `json:"error_rate"`
	Cost       float64       `json:"cost"`
}

// BackendMetrics is a point-in-time snapshot of one backend's rolling metrics.
type BackendMetrics struct {
	BackendID   string
	Total       int64
	Successes   int64
	Failures    int64
	SuccessRate float64
	EMALatency  time.Duration
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	TotalCost   float64
	Hourly      []HourlyBucket
}

// backendCounters holds one backend's live counters. Totals are atomic; the
// latency ring and the open hourly bucket sit behind a short critical section.
type backendCounters struct {
	total     atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64

	mu        sync.Mutex
	ema       float64 // seconds
	ring      [latencySampleSize]float64
	ringIdx   int
	ringCount int

	openEpoch   int64 // hour-truncated unix seconds of the open bucket
	openCount   int64
	openLatSum  time.Duration
	openErrors  int64
	openCost    float64
	closed      []HourlyBucket // newest last, len <= hourlyBuckets
	unpersisted []HourlyBucket

	totalCost float64
}

// MetricsStore tracks rolling metrics for all backends. Safe for concurrent
// callers; the router reads a recent snapshot, never a linearizable view.
type MetricsStore struct {
	clock clockwork.Clock

	mu       sync.Mutex
	backends map[string]*backendCounters

	// prometheus mirrors of the totals; nil when exposition is disabled
	requests  *prometheus.CounterVec
	latencies *prometheus.HistogramVec
	costs     *prometheus.CounterVec
}

// NewMetricsStore creates a metrics store. When reg is non-nil, prometheus
// counters mirroring the domain totals are registered on it.
func NewMetricsStore(clock clockwork.Clock, reg prometheus.Registerer) *MetricsStore {
	m := &MetricsStore{
		clock:    clock,
		backends: make(map[string]*backendCounters),
	}
	if reg != nil {
		m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_backend_requests_total",
			Help: "Completed backend calls by outcome.",
		}, []string{"backend", "outcome"})
		m.latencies = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_backend_latency_seconds",
			Help:    "Backend call latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"backend"})
		m.costs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_backend_cost_total",
			Help: "Aggregated backend cost.",
		}, []string{"backend"})
		reg.MustRegister(m.requests, m.latencies, m.costs)
	}
	return m
}

func (m *MetricsStore) counters(backendID string) *backendCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.backends[backendID]
	if !ok {
		c = &backendCounters{}
		c.openEpoch = m.clock.Now().Truncate(time.Hour).Unix()
		m.backends[backendID] = c
	}
	return c
}

// Record feeds one completed call into the rolling metrics.
func (m *MetricsStore) Record(backendID string, latency time.Duration, success bool, cost float64) {
	c := m.counters(backendID)
	c.total.Add(1)
	outcome := "success"
	if success {
		c.successes.Add(1)
	} else {
		c.failures.Add(1)
		outcome = "failure"
	}

	sec := latency.Seconds()
	c.mu.Lock()
	if c.ema == 0 && c.ringCount == 0 {
		c.ema = sec
	} else {
		c.ema = emaAlpha*sec + (1-emaAlpha)*c.ema
	}
	c.ring[c.ringIdx] = sec
	c.ringIdx = (c.ringIdx + 1) % latencySampleSize
	if c.ringCount < latencySampleSize {
		c.ringCount++
	}
	m.rollHourLocked(c, m.clock.Now())
	c.openCount++
	c.openLatSum += latency
	if !success {
		c.openErrors++
	}
	c.openCost += cost
	c.totalCost += cost
	c.mu.Unlock()

	if m.requests != nil {
		m.requests.WithLabelValues(backendID, outcome).Inc()
		m.latencies.WithLabelValues(backendID).Observe(sec)
		m.costs.WithLabelValues(backendID).Add(cost)
	}
}

// rollHourLocked closes the open bucket when now has crossed into a new hour.
// Caller holds c.mu.
func (m *MetricsStore) rollHourLocked(c *backendCounters, now time.Time) {
	epoch := now.Truncate(time.Hour).Unix()
	if epoch == c.openEpoch {
		return
	}
	if c.openCount > 0 {
		b := HourlyBucket{
			Epoch:      c.openEpoch,
			Count:      c.openCount,
			AvgLatency: c.openLatSum / time.Duration(c.openCount),
			ErrorRate:  float64(c.openErrors) / float64(c.openCount),
			Cost:       c.openCost,
		}
		c.closed = append(c.closed, b)
		c.unpersisted = append(c.unpersisted, b)
		if len(c.closed) > hourlyBuckets {
			c.closed = c.closed[len(c.closed)-hourlyBuckets:]
		}
	}
	c.openEpoch = epoch
	c.openCount, c.openLatSum, c.openErrors, c.openCost = 0, 0, 0, 0
}

// Snapshot returns the current rolling metrics for a backend. A backend that
// never recorded anything yields a zero-valued snapshot.
func (m *MetricsStore) Snapshot(backendID string) BackendMetrics {
	c := m.counters(backendID)
	snap := BackendMetrics{
		BackendID: backendID,
		Total:     c.total.Load(),
		Successes: c.successes.Load(),
		Failures:  c.failures.Load(),
	}
	if snap.Total > 0 {
		snap.SuccessRate = float64(snap.Successes) / float64(snap.Total)
	} else {
		snap.SuccessRate = 1.0 // no evidence of failure yet
	}

	c.mu.Lock()
	snap.EMALatency = time.Duration(c.ema * float64(time.Second))
	ps := percentilesLocked(c, []float64{0.5, 0.95, 0.99})
	snap.Hourly = append([]HourlyBucket(nil), c.closed...)
	snap.TotalCost = c.totalCost
	c.mu.Unlock()

	snap.P50, snap.P95, snap.P99 = ps[0], ps[1], ps[2]
	return snap
}

// Percentiles computes latency quantiles over the most recent recorded
// samples. qs values are in [0, 1].
func (m *MetricsStore) Percentiles(backendID string, qs []float64) []time.Duration {
	c := m.counters(backendID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return percentilesLocked(c, qs)
}

// percentilesLocked computes quantiles from the ring. Caller holds c.mu.
func percentilesLocked(c *backendCounters, qs []float64) []time.Duration {
	out := make([]time.Duration, len(qs))
	if c.ringCount == 0 {
		return out
	}
	sample := make([]float64, c.ringCount)
	copy(sample, c.ring[:c.ringCount])
	sort.Float64s(sample)
	for i, q := range qs {
		idx := int(math.Ceil(q*float64(len(sample)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sample) {
			idx = len(sample) - 1
		}
		out[i] = time.Duration(sample[idx] * float64(time.Second))
	}
	return out
}

// Hourly returns the retained closed rollup buckets, oldest first.
func (m *MetricsStore) Hourly(backendID string) []HourlyBucket {
	c := m.counters(backendID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]HourlyBucket(nil), c.closed...)
}

// RollUp force-closes any open buckets whose hour has passed. Called by the
// maintenance loop; Record also rolls lazily.
func (m *MetricsStore) RollUp() {
	now := m.clock.Now()
	m.mu.Lock()
	all := make([]*backendCounters, 0, len(m.backends))
	for _, c := range m.backends {
		all = append(all, c)
	}
	m.mu.Unlock()
	for _, c := range all {
		c.mu.Lock()
		m.rollHourLocked(c, now)
		c.mu.Unlock()
	}
}

// Persist writes all not-yet-persisted closed buckets to the shared KV store,
// best-effort. Failed writes are logged and retried on the next sweep.
func (m *MetricsStore) Persist(ctx context.Context, store kv.Store) {
	if store == nil {
		return
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		c := m.counters(id)
		c.mu.Lock()
		pending := append([]HourlyBucket(nil), c.unpersisted...)
		c.unpersisted = nil
		c.mu.Unlock()

		var failed []HourlyBucket
		for _, b := range pending {
			data, err := json.Marshal(b)
			if err != nil {
				continue
			}
			if err := store.Set(ctx, kv.MetricsKey(id, b.Epoch), data, time.Duration(hourlyBuckets+1)*time.Hour); err != nil {
				logrus.Warnf("metrics: persisting rollup for %s failed: %v", id, err)
				failed = append(failed, b)
			}
		}
		if len(failed) > 0 {
			c.mu.Lock()
			c.unpersisted = append(failed, c.unpersisted...)
			c.mu.Unlock()
		}
	}
}
