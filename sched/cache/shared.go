package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/docsight/scheduler/sched/kv"
)

// SharedConfig tunes the shared KV tier.
type SharedConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxBytes          int64         `yaml:"max_bytes"`          // default 512 MiB, estimated from scans
	DefaultTTL        time.Duration `yaml:"default_ttl"`        // default 24h
	Compress          bool          `yaml:"compress"`           // default on
	CompressThreshold int           `yaml:"compress_threshold"` // bytes, default 1 KiB
}

func (c *SharedConfig) applyDefaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 512 << 20
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = 1 << 10
	}
}

// Eviction strategies for the shared tier.
const (
	StrategyLRU    = "lru"
	StrategyLFU    = "lfu"
	StrategyFIFO   = "fifo"
	StrategyTTL    = "ttl"
	StrategyCost   = "cost"
	StrategyHybrid = "hybrid"
)

var validEvictionStrategies = map[string]bool{
	StrategyLRU: true, StrategyLFU: true, StrategyFIFO: true,
	StrategyTTL: true, StrategyCost: true, StrategyHybrid: true,
}

// ValidEvictionStrategy reports whether name is a recognized eviction
// strategy.
func ValidEvictionStrategy(name string) bool { return validEvictionStrategies[name] }

// EvictionConfig tunes a tier's eviction sweep.
type EvictionConfig struct {
	Strategy          string        `yaml:"strategy"` // lru, lfu, fifo, ttl, cost, hybrid
	HighWatermark     float64       `yaml:"high_watermark"`
	Target            float64       `yaml:"target"`
	ProtectedPatterns []string      `yaml:"protected_patterns"` // path.Match globs on entry keys
	MaxAge            time.Duration `yaml:"max_age"`
	ScanLimit         int           `yaml:"scan_limit"` // entries examined per sweep, default 512
}

func (c *EvictionConfig) applyDefaults() {
	if !validEvictionStrategies[c.Strategy] {
		c.Strategy = StrategyHybrid
	}
	if c.HighWatermark <= 0 || c.HighWatermark > 1 {
		c.HighWatermark = 0.9
	}
	if c.Target <= 0 || c.Target > c.HighWatermark {
		c.Target = 0.7
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 512
	}
}

var gzipMagic = []byte{0x1f, 0x8b}

// SharedTier stores entries in the shared KV store under cache/<key>,
// compressing larger values transparently. Corrupted entries are logged and
// treated as misses.
type SharedTier struct {
	store    kv.Store
	cfg      SharedConfig
	eviction EvictionConfig
	clock    clockwork.Clock

	evictions atomic.Int64
}

// NewSharedTier builds the shared tier over a KV store.
func NewSharedTier(store kv.Store, cfg SharedConfig, eviction EvictionConfig, clock clockwork.Clock) *SharedTier {
	cfg.applyDefaults()
	eviction.applyDefaults()
	return &SharedTier{store: store, cfg: cfg, eviction: eviction, clock: clock}
}

// Get fetches and decodes an entry. Missing or corrupted entries return
// (nil, false, nil); only transport failures surface as errors.
func (t *SharedTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := t.store.Get(ctx, kv.CacheKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e, err := decodeEntry(raw)
	if err != nil {
		logrus.Warnf("cache: corrupted shared entry %q dropped: %v", key, err)
		_, _ = t.store.Delete(ctx, kv.CacheKey(key))
		return nil, false, nil
	}
	if e.Expired(t.clock.Now()) {
		_, _ = t.store.Delete(ctx, kv.CacheKey(key))
		return nil, false, nil
	}
	e.Tier = TierShared
	return e, true, nil
}

// Put encodes and stores an entry with its remaining TTL. Values above the
// compression threshold are gzip-compressed.
func (t *SharedTier) Put(ctx context.Context, e *Entry) error {
	e.Tier = TierShared
	stored := *e
	if t.cfg.Compress && !e.Compressed && len(e.Value) >= t.cfg.CompressThreshold {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(e.Value); err == nil && w.Close() == nil {
			stored.Value = buf.Bytes()
			stored.Compressed = true
		}
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	ttl := e.Remaining(t.clock.Now())
	if ttl <= 0 {
		ttl = t.cfg.DefaultTTL
	}
	return t.store.Set(ctx, kv.CacheKey(e.Key), data, ttl)
}

// Delete removes an entry.
func (t *SharedTier) Delete(ctx context.Context, key string) (bool, error) {
	return t.store.Delete(ctx, kv.CacheKey(key))
}

// Clear removes every entry under the cache prefix.
func (t *SharedTier) Clear(ctx context.Context) error {
	pairs, err := t.store.Scan(ctx, kv.CacheKey(""), 0)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if _, err := t.store.Delete(ctx, p.Key); err != nil {
			return err
		}
	}
	return nil
}

// Sample decodes up to limit entries for semantic candidate scans. Corrupted
// entries are skipped.
func (t *SharedTier) Sample(ctx context.Context, limit int) ([]*Entry, error) {
	pairs, err := t.store.Scan(ctx, kv.CacheKey(""), limit)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	out := make([]*Entry, 0, len(pairs))
	for _, p := range pairs {
		e, err := decodeEntry(p.Value)
		if err != nil || e.Expired(now) {
			continue
		}
		e.Tier = TierShared
		out = append(out, e)
	}
	return out, nil
}

// Evictions returns the cumulative count of entries removed by sweeps.
func (t *SharedTier) Evictions() int64 { return t.evictions.Load() }

// protected reports whether a key matches any protected glob pattern.
func (t *SharedTier) protected(key string) bool {
	for _, pat := range t.eviction.ProtectedPatterns {
		if ok, _ := path.Match(pat, key); ok {
			return true
		}
	}
	return false
}

// Sweep applies the configured eviction strategy over a bounded scan: when
// the sampled usage exceeds the high watermark of the byte budget, entries
// are ranked by retentionScore and removed, least valuable first, until the
// target is met. Protected keys survive unless nothing else remains. Entries
// past MaxAge are dropped regardless of pressure.
func (t *SharedTier) Sweep(ctx context.Context) (int, error) {
	sample, err := t.Sample(ctx, t.eviction.ScanLimit)
	if err != nil {
		return 0, err
	}
	now := t.clock.Now()
	removed := 0

	var usage int64
	live := sample[:0]
	for _, e := range sample {
		if t.eviction.MaxAge > 0 && now.Sub(e.CreatedAt) > t.eviction.MaxAge {
			if ok, _ := t.Delete(ctx, e.Key); ok {
				removed++
				t.evictions.Add(1)
			}
			continue
		}
		usage += e.Size
		live = append(live, e)
	}

	high := int64(float64(t.cfg.MaxBytes) * t.eviction.HighWatermark)
	if usage <= high {
		return removed, nil
	}
	target := int64(float64(t.cfg.MaxBytes) * t.eviction.Target)

	sort.SliceStable(live, func(i, j int) bool {
		return t.retentionScore(live[i], now) < t.retentionScore(live[j], now)
	})
	// Two passes: unprotected first, protected only if pressure remains.
	for _, skipProtected := range []bool{true, false} {
		for _, e := range live {
			if usage <= target {
				return removed, nil
			}
			if skipProtected == t.protected(e.Key) {
				continue
			}
			if ok, err := t.Delete(ctx, e.Key); err != nil {
				return removed, err
			} else if ok {
				usage -= e.Size
				removed++
				t.evictions.Add(1)
			}
		}
		if usage <= target {
			break
		}
	}
	return removed, nil
}

// retentionScore ranks an entry's worth under the configured strategy: higher
// means keep longer. The single-signal strategies use only their signal; cost
// prefers evicting large entries first; hybrid blends recency with hits and
// remaining TTL as near-tie breakers.
func (t *SharedTier) retentionScore(e *Entry, now time.Time) float64 {
	idle := now.Sub(e.LastAccess).Seconds()
	if e.LastAccess.IsZero() {
		idle = now.Sub(e.CreatedAt).Seconds()
	}
	remaining := e.Remaining(now).Seconds()
	if remaining < 0 {
		remaining = 0
	}
	switch t.eviction.Strategy {
	case StrategyLRU:
		return -idle
	case StrategyLFU:
		return float64(e.Hits)
	case StrategyFIFO:
		return -now.Sub(e.CreatedAt).Seconds()
	case StrategyTTL:
		return remaining
	case StrategyCost:
		return -float64(e.Size)
	default:
		return -idle + float64(e.Hits)*60 + remaining/60
	}
}

// decodeEntry unmarshals a stored entry and transparently decompresses its
// value, verifying the gzip magic so a mismatched compressed flag is caught
// as corruption.
func decodeEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if !e.Compressed {
		return &e, nil
	}
	if !bytes.HasPrefix(e.Value, gzipMagic) {
		return nil, errors.New("compressed flag set but payload is not gzip")
	}
	r, err := gzip.NewReader(bytes.NewReader(e.Value))
	if err != nil {
		return nil, err
	}
	plain, err := io.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	e.Value = plain
	e.Compressed = false
	return &e, nil
}
