package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func entryOfSize(key string, size int) *Entry {
	return &Entry{Key: key, Value: make([]byte, size), Size: int64(size)}
}

func TestMemoryTier_GetBumpsHitsAndRecency(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMemoryTier(MemoryConfig{MaxBytes: 1 << 20}, clock)
	m.Put(entryOfSize("k", 100))
	e, ok := m.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if e.Hits != 1 {
		t.Errorf("hits = %d, want 1", e.Hits)
	}
	m.Get("k")
	if e.Hits != 2 {
		t.Errorf("hits = %d, want 2", e.Hits)
	}
}

func TestMemoryTier_ExpiredEntriesAreMisses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMemoryTier(MemoryConfig{MaxBytes: 1 << 20}, clock)
	e := entryOfSize("k", 100)
	e.ExpiresAt = clock.Now().Add(time.Minute)
	m.Put(e)
	clock.Advance(2 * time.Minute)
	if _, ok := m.Get("k"); ok {
		t.Error("expired entry must be a miss")
	}
	if m.Len() != 0 {
		t.Errorf("expired entry should be dropped, len = %d", m.Len())
	}
}

func TestMemoryTier_WatermarkBoundary(t *testing.T) {
	// GIVEN a 1000-byte budget with watermark at the full budget
	clock := clockwork.NewFakeClock()
	m := NewMemoryTier(MemoryConfig{MaxBytes: 1000, HighWatermark: 1.0, Target: 0.5}, clock)

	// WHEN usage lands exactly on the watermark THEN nothing is evicted
	m.Put(entryOfSize("a", 400))
	m.Put(entryOfSize("b", 400))
	evicted := m.Put(entryOfSize("c", 200))
	if len(evicted) != 0 {
		t.Fatalf("usage exactly at the watermark must not evict, evicted %d", len(evicted))
	}
	if m.Bytes() != 1000 {
		t.Fatalf("bytes = %d, want 1000", m.Bytes())
	}

	// WHEN one more byte arrives THEN eviction runs down to the target
	evicted = m.Put(entryOfSize("d", 1))
	if len(evicted) == 0 {
		t.Fatal("one byte over the watermark must trigger eviction")
	}
	if m.Bytes() > 500 {
		t.Errorf("bytes after eviction = %d, want <= target 500", m.Bytes())
	}
}

func TestMemoryTier_EvictsLeastRecentlyUsed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMemoryTier(MemoryConfig{MaxBytes: 1000, HighWatermark: 1.0, Target: 0.8}, clock)
	m.Put(entryOfSize("old", 400))
	m.Put(entryOfSize("new", 400))
	m.Get("old") // refresh recency

	evicted := m.Put(entryOfSize("extra", 400))
	if len(evicted) != 1 || evicted[0].Key != "new" {
		keys := make([]string, len(evicted))
		for i, e := range evicted {
			keys[i] = e.Key
		}
		t.Errorf("evicted %v, want [new] (LRU order)", keys)
	}
}

func TestMemoryTier_ReplaceSameKeyAdjustsBytes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMemoryTier(MemoryConfig{MaxBytes: 1 << 20}, clock)
	m.Put(entryOfSize("k", 500))
	m.Put(entryOfSize("k", 100))
	if m.Bytes() != 100 {
		t.Errorf("bytes = %d, want 100 after replacement", m.Bytes())
	}
	if m.Len() != 1 {
		t.Errorf("len = %d, want 1", m.Len())
	}
}

func TestMemoryTier_SweepExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMemoryTier(MemoryConfig{MaxBytes: 1 << 20}, clock)
	fresh := entryOfSize("fresh", 10)
	fresh.ExpiresAt = clock.Now().Add(time.Hour)
	stale := entryOfSize("stale", 10)
	stale.ExpiresAt = clock.Now().Add(time.Minute)
	m.Put(fresh)
	m.Put(stale)
	clock.Advance(30 * time.Minute)
	if n := m.SweepExpired(); n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if _, ok := m.Peek("fresh"); !ok {
		t.Error("unexpired entry must survive the sweep")
	}
}
