package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Size boundaries for initial tier placement.
const (
	archiveSizeThreshold = 10 << 20 // entries above this go to the archive
	sharedSizeThreshold  = 1 << 20  // entries above this go to the shared tier
	promoteSharedHits    = 5        // shared -> memory
	promoteArchiveHits   = 1        // archive -> shared
)

// SimilarityConfig tunes semantic lookup.
type SimilarityConfig struct {
	Threshold  float64 `yaml:"threshold"`   // default 0.85
	Dimensions int     `yaml:"dimensions"`  // default 256
	Embedding  string  `yaml:"embedding"`   // identifier of the embedding in use
	SampleSize int     `yaml:"sample_size"` // shared-tier candidates per scan, default 256
}

func (c *SimilarityConfig) applyDefaults() {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = 0.85
	}
	if c.Dimensions <= 0 {
		c.Dimensions = 256
	}
	if c.Embedding == "" {
		c.Embedding = "fingerprint-projection"
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 256
	}
}

// TierStats are one tier's counters.
type TierStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Stores    int64 `json:"stores"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries,omitempty"`
	Bytes     int64 `json:"bytes,omitempty"`
}

// Stats aggregates counters across tiers.
type Stats struct {
	Memory       TierStats `json:"memory"`
	Shared       TierStats `json:"shared"`
	Archive      TierStats `json:"archive"`
	SemanticHits int64     `json:"semantic_hits"`
}

type tierCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
	stores atomic.Int64
}

// StoreOptions carry placement hints for Store.
type StoreOptions struct {
	// PinMemory keeps the entry in the memory tier even above the shared size
	// threshold (enterprise principals), unless the entry is archive-sized.
	PinMemory bool
	TTL       time.Duration
}

// TieredCache coordinates the three tiers. Any tier may be nil (disabled);
// lookups degrade silently to the remaining tiers and a store failure falls
// back to the next-lower tier.
type TieredCache struct {
	memory  *MemoryTier
	shared  *SharedTier
	archive *ArchiveTier
	embed   EmbedFunc
	sim     SimilarityConfig
	clock   clockwork.Clock

	group singleflight.Group

	memCount     tierCounters
	sharedCount  tierCounters
	archCount    tierCounters
	semanticHits atomic.Int64
}

// New assembles the cache. embed may be nil to disable automatic embedding of
// stored entries.
func New(memory *MemoryTier, shared *SharedTier, archive *ArchiveTier, embed EmbedFunc, sim SimilarityConfig, clock clockwork.Clock) *TieredCache {
	sim.applyDefaults()
	return &TieredCache{
		memory:  memory,
		shared:  shared,
		archive: archive,
		embed:   embed,
		sim:     sim,
		clock:   clock,
	}
}

// SimilarityThreshold returns the configured semantic match threshold.
func (c *TieredCache) SimilarityThreshold() float64 { return c.sim.Threshold }

// Embed runs the configured embedding function, or returns nil when none is
// set.
func (c *TieredCache) Embed(text string) []float32 {
	if c.embed == nil {
		return nil
	}
	return c.embed(text)
}

// Lookup probes memory, then shared, then archive by exact key; concurrent
// lookups for the same key are collapsed. When no exact hit is found and a
// semantic query is supplied, the candidate pool (all of memory plus a
// bounded shared sample) is scanned by cosine similarity.
func (c *TieredCache) Lookup(ctx context.Context, key string, q *SemanticQuery) (*Entry, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.exact(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if e, ok := v.(*Entry); ok && e != nil {
		return e, nil
	}
	if q == nil || ZeroNorm(q.Embedding) {
		return nil, nil
	}
	return c.semantic(ctx, q)
}

// exact walks the tiers for a key, promoting on the way up. Returns (nil,
// nil) on a clean miss.
func (c *TieredCache) exact(ctx context.Context, key string) (*Entry, error) {
	if c.memory != nil {
		if e, ok := c.memory.Get(key); ok {
			c.memCount.hits.Add(1)
			return e.Clone(), nil
		}
		c.memCount.misses.Add(1)
	}

	if c.shared != nil {
		e, ok, err := c.shared.Get(ctx, key)
		if err != nil {
			logrus.Warnf("cache: shared tier lookup for %q degraded: %v", key, err)
		} else if ok {
			c.sharedCount.hits.Add(1)
			e.Hits++
			e.LastAccess = c.clock.Now()
			if c.memory != nil && e.Hits >= promoteSharedHits {
				c.promoteToMemory(ctx, e)
			} else if err := c.shared.Put(ctx, e); err != nil {
				logrus.Debugf("cache: refreshing shared entry %q failed: %v", key, err)
			}
			return e.Clone(), nil
		} else {
			c.sharedCount.misses.Add(1)
		}
	}

	if c.archive != nil {
		e, ok, err := c.archive.Get(ctx, key)
		if err != nil {
			logrus.Warnf("cache: archive tier lookup for %q degraded: %v", key, err)
		} else if ok {
			c.archCount.hits.Add(1)
			e.Hits++
			e.LastAccess = c.clock.Now()
			if c.shared != nil && e.Hits >= promoteArchiveHits {
				if err := c.shared.Put(ctx, e); err == nil {
					_, _ = c.archive.Delete(ctx, key)
				} else {
					logrus.Debugf("cache: promoting %q to shared failed: %v", key, err)
				}
			}
			return e.Clone(), nil
		} else {
			c.archCount.misses.Add(1)
		}
	}
	return nil, nil
}

// promoteToMemory moves an entry into the memory tier, demoting whatever the
// LRU displaces.
func (c *TieredCache) promoteToMemory(ctx context.Context, e *Entry) {
	evicted := c.memory.Put(e)
	if c.shared != nil {
		if _, err := c.shared.Delete(ctx, e.Key); err != nil {
			logrus.Debugf("cache: removing promoted entry %q from shared failed: %v", e.Key, err)
		}
	}
	c.demote(ctx, evicted)
}

// demote pushes memory-evicted entries with remaining TTL down to the shared
// tier; expired ones are dropped.
func (c *TieredCache) demote(ctx context.Context, evicted []*Entry) {
	if c.shared == nil {
		return
	}
	now := c.clock.Now()
	for _, e := range evicted {
		if e.Expired(now) {
			continue
		}
		if err := c.shared.Put(ctx, e); err != nil {
			logrus.Debugf("cache: demoting %q to shared failed: %v", e.Key, err)
		}
	}
}

// semantic scans memory plus a bounded shared sample for the best cosine
// match at or above the query threshold. The winning entry's metadata records
// the similarity.
func (c *TieredCache) semantic(ctx context.Context, q *SemanticQuery) (*Entry, error) {
	threshold := q.Threshold
	if threshold <= 0 {
		threshold = c.sim.Threshold
	}

	var candidates []*Entry
	if c.memory != nil {
		candidates = c.memory.Entries()
	}
	if c.shared != nil {
		sample, err := c.shared.Sample(ctx, c.sim.SampleSize)
		if err != nil {
			logrus.Warnf("cache: semantic shared scan degraded: %v", err)
		} else {
			candidates = append(candidates, sample...)
		}
	}

	var best *Entry
	bestScore := 0.0
	for _, e := range candidates {
		if len(e.Embedding) == 0 {
			continue
		}
		if !e.CoversCapabilities(q.Capabilities) {
			continue
		}
		if q.DocumentType != "" && e.DocumentType != q.DocumentType {
			continue
		}
		if s := Cosine(q.Embedding, e.Embedding); s >= threshold && s > bestScore {
			best, bestScore = e, s
		}
	}
	if best == nil {
		return nil, nil
	}
	c.semanticHits.Add(1)
	hit := best.Clone()
	hit.Hits++
	if hit.Metadata == nil {
		hit.Metadata = make(map[string]string, 1)
	}
	hit.Metadata["similarity"] = fmt.Sprintf("%.4f", bestScore)
	return hit, nil
}

// Store places an entry by size: archive above 10 MiB, shared above 1 MiB,
// memory otherwise. PinMemory holds shared-sized entries in memory. A store
// failure at a tier falls back to the next-lower one.
func (c *TieredCache) Store(ctx context.Context, e *Entry, opts StoreOptions) error {
	now := c.clock.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.LastAccess = now
	e.Size = int64(len(e.Value))
	if opts.TTL > 0 {
		e.ExpiresAt = now.Add(opts.TTL)
	}
	if len(e.Embedding) == 0 && c.embed != nil {
		fp := e.ReqFingerprint
		if fp == "" {
			fp = e.Key
		}
		e.Embedding = c.embed(fp)
	}

	if e.Size > archiveSizeThreshold && c.archive != nil {
		if err := c.archive.Put(ctx, e); err == nil {
			c.archCount.stores.Add(1)
			return nil
		} else {
			logrus.Warnf("cache: archive store for %q failed, falling back: %v", e.Key, err)
		}
	}
	if e.Size > sharedSizeThreshold && !opts.PinMemory && c.shared != nil {
		if err := c.shared.Put(ctx, e); err == nil {
			c.sharedCount.stores.Add(1)
			return nil
		} else {
			logrus.Warnf("cache: shared store for %q failed, falling back: %v", e.Key, err)
		}
	}
	if c.memory != nil {
		c.demote(ctx, c.memory.Put(e))
		c.memCount.stores.Add(1)
		return nil
	}
	if c.shared != nil {
		if err := c.shared.Put(ctx, e); err != nil {
			return err
		}
		c.sharedCount.stores.Add(1)
		return nil
	}
	return fmt.Errorf("no cache tier available for %q", e.Key)
}

// Delete removes a key from every tier. Reports whether any tier held it.
func (c *TieredCache) Delete(ctx context.Context, key string) bool {
	found := false
	if c.memory != nil && c.memory.Remove(key) {
		found = true
	}
	if c.shared != nil {
		if ok, err := c.shared.Delete(ctx, key); err == nil && ok {
			found = true
		}
	}
	if c.archive != nil {
		if ok, err := c.archive.Delete(ctx, key); err == nil && ok {
			found = true
		}
	}
	return found
}

// Clear empties every tier.
func (c *TieredCache) Clear(ctx context.Context) {
	if c.memory != nil {
		c.memory.Purge()
	}
	if c.shared != nil {
		if err := c.shared.Clear(ctx); err != nil {
			logrus.Warnf("cache: clearing shared tier failed: %v", err)
		}
	}
	if c.archive != nil {
		if err := c.archive.Clear(ctx); err != nil {
			logrus.Warnf("cache: clearing archive tier failed: %v", err)
		}
	}
}

// EvictionSweep runs each tier's eviction pass and returns the total entries
// removed. Called by the maintenance loop.
func (c *TieredCache) EvictionSweep(ctx context.Context) int {
	removed := 0
	if c.memory != nil {
		removed += c.memory.SweepExpired()
	}
	if c.shared != nil {
		n, err := c.shared.Sweep(ctx)
		if err != nil {
			logrus.Warnf("cache: shared eviction sweep degraded: %v", err)
		}
		removed += n
	}
	if c.archive != nil {
		n, err := c.archive.Sweep(ctx, 0)
		if err != nil {
			logrus.Warnf("cache: archive eviction sweep degraded: %v", err)
		}
		removed += n
	}
	return removed
}

// Stats returns per-tier counters.
func (c *TieredCache) Stats() Stats {
	s := Stats{
		Memory: TierStats{
			Hits:   c.memCount.hits.Load(),
			Misses: c.memCount.misses.Load(),
			Stores: c.memCount.stores.Load(),
		},
		Shared: TierStats{
			Hits:   c.sharedCount.hits.Load(),
			Misses: c.sharedCount.misses.Load(),
			Stores: c.sharedCount.stores.Load(),
		},
		Archive: TierStats{
			Hits:   c.archCount.hits.Load(),
			Misses: c.archCount.misses.Load(),
			Stores: c.archCount.stores.Load(),
		},
		SemanticHits: c.semanticHits.Load(),
	}
	if c.memory != nil {
		s.Memory.Entries = c.memory.Len()
		s.Memory.Bytes = c.memory.Bytes()
		s.Memory.Evictions = c.memory.Evictions()
	}
	if c.shared != nil {
		s.Shared.Evictions = c.shared.Evictions()
	}
	if c.archive != nil {
		s.Archive.Evictions = c.archive.Evictions()
	}
	return s
}
