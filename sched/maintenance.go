// Maintenance loop: periodic health probes, cache eviction sweeps, metrics
// roll-ups, and queue retention sweeps. Each concern ticks on its own
// interval inside one errgroup so a single Stop tears everything down.

package sched

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/docsight/scheduler/sched/cache"
	"github.com/docsight/scheduler/sched/kv"
)

// MaintenanceConfig sets the sweep intervals. Zero values take defaults.
type MaintenanceConfig struct {
	ProbeInterval     time.Duration `yaml:"probe_interval"`     // default 30s
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`      // default 5s
	EvictionInterval  time.Duration `yaml:"eviction_interval"`  // default 5m
	RollupInterval    time.Duration `yaml:"rollup_interval"`    // default 1m
	RetentionInterval time.Duration `yaml:"retention_interval"` // default 10m
}

func (c *MaintenanceConfig) applyDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = 5 * time.Minute
	}
	if c.RollupInterval <= 0 {
		c.RollupInterval = time.Minute
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = 10 * time.Minute
	}
}

// Maintenance runs the background upkeep for the scheduler's components.
// cache, store, and queue may be nil; the corresponding sweeps are skipped.
type Maintenance struct {
	registry *Registry
	metrics  *MetricsStore
	queue    *JobQueue
	cache    *cache.TieredCache
	store    kv.Store
	clock    clockwork.Clock
	cfg      MaintenanceConfig

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewMaintenance wires the loop; call Start to begin ticking.
func NewMaintenance(registry *Registry, metrics *MetricsStore, queue *JobQueue, tc *cache.TieredCache, store kv.Store, clock clockwork.Clock, cfg MaintenanceConfig) *Maintenance {
	cfg.applyDefaults()
	return &Maintenance{
		registry: registry,
		metrics:  metrics,
		queue:    queue,
		cache:    tc,
		store:    store,
		clock:    clock,
		cfg:      cfg,
	}
}

// Start launches the periodic workers. Idempotent only in the sense that a
// second Start panics; the lifecycle is start once, stop once.
func (m *Maintenance) Start() {
	if m.cancel != nil {
		panic("maintenance loop started twice")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.group, ctx = errgroup.WithContext(ctx)

	m.tick(ctx, m.cfg.ProbeInterval, func(ctx context.Context) { m.ProbeAll(ctx) })
	m.tick(ctx, m.cfg.RollupInterval, func(ctx context.Context) {
		m.metrics.RollUp()
		m.metrics.Persist(ctx, m.store)
	})
	if m.cache != nil {
		m.tick(ctx, m.cfg.EvictionInterval, func(ctx context.Context) {
			if n := m.cache.EvictionSweep(ctx); n > 0 {
				logrus.Debugf("maintenance: evicted %d cache entries", n)
			}
		})
	}
	if m.queue != nil {
		m.tick(ctx, m.cfg.RetentionInterval, func(ctx context.Context) {
			m.queue.SweepExpired()
		})
	}
	if m.store != nil {
		m.tick(ctx, m.cfg.RetentionInterval, func(ctx context.Context) { m.persistRegistry(ctx) })
	}
}

// Stop halts all workers and waits for them to drain.
func (m *Maintenance) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	_ = m.group.Wait()
}

// tick runs fn every interval until ctx is cancelled.
func (m *Maintenance) tick(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	m.group.Go(func() error {
		ticker := m.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				fn(ctx)
			}
		}
	})
}

// ProbeAll probes every registered backend once and feeds the results into
// the health state machine. Backends in maintenance are probed too: a
// successful probe is what ends maintenance.
func (m *Maintenance) ProbeAll(ctx context.Context) {
	for _, v := range m.registry.List() {
		invoker, ok := m.registry.Invoker(v.Spec.ID)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := invoker.Probe(probeCtx)
		cancel()
		m.registry.RecordProbe(v.Spec.ID, err)
	}
}

// persistRegistry writes each backend's declared spec and current status to
// the shared KV store, best-effort.
func (m *Maintenance) persistRegistry(ctx context.Context) {
	for _, v := range m.registry.List() {
		data, err := json.Marshal(struct {
			Spec      BackendSpec   `json:"spec"`
			Status    BackendStatus `json:"status"`
			InFlight  int           `json:"in_flight"`
			LastProbe time.Time     `json:"last_probe"`
		}{v.Spec, v.Status, v.InFlight, v.LastProbe})
		if err != nil {
			continue
		}
		if err := m.store.Set(ctx, kv.RegistryKey(v.Spec.ID), data, 0); err != nil {
			logrus.Debugf("maintenance: persisting backend %s failed: %v", v.Spec.ID, err)
		}
	}
}
