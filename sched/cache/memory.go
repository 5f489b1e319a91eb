package cache

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
)

// MemoryConfig tunes the in-process tier.
type MemoryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MaxBytes      int64   `yaml:"max_bytes"`      // default 64 MiB
	MaxEntries    int     `yaml:"max_entries"`    // default 10000
	HighWatermark float64 `yaml:"high_watermark"` // fraction of MaxBytes, default 1.0
	Target        float64 `yaml:"target"`         // fraction evicted down to, default 0.8
}

func (c *MemoryConfig) applyDefaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 64 << 20
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	if c.HighWatermark <= 0 || c.HighWatermark > 1 {
		c.HighWatermark = 1.0
	}
	if c.Target <= 0 || c.Target > c.HighWatermark {
		c.Target = 0.8 * c.HighWatermark
	}
}

// MemoryTier is the per-process LRU with a byte budget. The LRU itself is
// count-bounded; the byte budget is enforced on top with watermark semantics:
// usage exactly at the watermark does not evict, one byte over evicts down to
// the target.
type MemoryTier struct {
	cfg   MemoryConfig
	clock clockwork.Clock

	mu    sync.Mutex
	lru   *simplelru.LRU[string, *Entry]
	bytes int64

	evictions atomic.Int64
}

// NewMemoryTier builds the memory tier. Panics only on impossible LRU sizes,
// which applyDefaults rules out.
func NewMemoryTier(cfg MemoryConfig, clock clockwork.Clock) *MemoryTier {
	cfg.applyDefaults()
	t := &MemoryTier{cfg: cfg, clock: clock}
	l, err := simplelru.NewLRU[string, *Entry](cfg.MaxEntries, func(key string, e *Entry) {
		t.bytes -= e.Size
	})
	if err != nil {
		panic(err)
	}
	t.lru = l
	return t
}

// Get returns the entry and bumps its recency and hit count. Expired entries
// are dropped and reported as misses.
func (t *MemoryTier) Get(key string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lru.Get(key)
	if !ok {
		return nil, false
	}
	if e.Expired(t.clock.Now()) {
		t.lru.Remove(key)
		return nil, false
	}
	e.Hits++
	e.LastAccess = t.clock.Now()
	return e, true
}

// Peek returns the entry without touching recency or hit count.
func (t *MemoryTier) Peek(key string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lru.Peek(key)
	if !ok || e.Expired(t.clock.Now()) {
		return nil, false
	}
	return e, true
}

// Put inserts the entry and returns any entries evicted to make room. Evicted
// entries with remaining TTL are candidates for demotion to the shared tier;
// the caller decides.
func (t *MemoryTier) Put(e *Entry) []*Entry {
	e.Tier = TierMemory
	t.mu.Lock()
	defer t.mu.Unlock()
	// The LRU's evict callback keeps t.bytes in sync on every removal.
	t.lru.Remove(e.Key)
	var evicted []*Entry
	for t.lru.Len() >= t.cfg.MaxEntries {
		if _, old, ok := t.lru.RemoveOldest(); ok {
			evicted = append(evicted, old)
			t.evictions.Add(1)
		}
	}
	t.lru.Add(e.Key, e)
	t.bytes += e.Size

	high := int64(float64(t.cfg.MaxBytes) * t.cfg.HighWatermark)
	if t.bytes <= high {
		return evicted
	}
	target := int64(float64(t.cfg.MaxBytes) * t.cfg.Target)
	for t.bytes > target && t.lru.Len() > 1 {
		_, old, ok := t.lru.RemoveOldest()
		if !ok {
			break
		}
		evicted = append(evicted, old)
		t.evictions.Add(1)
	}
	return evicted
}

// Remove deletes the entry if present.
func (t *MemoryTier) Remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Remove(key)
}

// Purge drops every entry.
func (t *MemoryTier) Purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lru.Purge()
	t.bytes = 0
}

// SweepExpired removes entries past their TTL and returns how many were
// dropped.
func (t *MemoryTier) SweepExpired() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var drop []string
	for _, key := range t.lru.Keys() {
		if e, ok := t.lru.Peek(key); ok && e.Expired(now) {
			drop = append(drop, key)
		}
	}
	for _, key := range drop {
		t.lru.Remove(key)
	}
	return len(drop)
}

// Entries snapshots all live entries, for semantic candidate scans.
func (t *MemoryTier) Entries() []*Entry {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Entry, 0, t.lru.Len())
	for _, key := range t.lru.Keys() {
		if e, ok := t.lru.Peek(key); ok && !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the live entry count.
func (t *MemoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}

// Bytes returns the tracked byte usage.
func (t *MemoryTier) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// Evictions returns the cumulative eviction count.
func (t *MemoryTier) Evictions() int64 { return t.evictions.Load() }
