// Package kv abstracts the shared key-value store used by the scheduler for
// the shared cache tier, metrics rollups, and best-effort persisted state.
// All persisted keys live under a small set of fixed prefixes so namespaces
// never collide.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Pair is one scanned key with its value.
type Pair struct {
	Key   string
	Value []byte
}

// Store is the shared KV interface. Implementations inherit their store's
// concurrency semantics; callers treat every operation as safe for concurrent
// use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	// Scan returns up to limit pairs whose keys start with prefix. Order is
	// unspecified; limit <= 0 means implementation default.
	Scan(ctx context.Context, prefix string, limit int) ([]Pair, error)
	// TTL returns the remaining lifetime of a key, 0 when the key has no
	// expiry, and ErrNotFound when it does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Close() error
}

// Key layout for the shared namespace.

// RegistryKey holds a backend's declared spec snapshot.
func RegistryKey(backendID string) string {
	return "backends:registry/" + backendID
}

// MetricsKey holds one closed hourly rollup bucket for a backend.
func MetricsKey(backendID string, bucketEpoch int64) string {
	return fmt.Sprintf("backends:metrics/%s/%d", backendID, bucketEpoch)
}

// JobKey holds a terminal job snapshot.
func JobKey(jobID string) string {
	return "jobs/" + jobID
}

// CacheKey holds a shared-tier cache payload (possibly compressed).
func CacheKey(entryKey string) string {
	return "cache/" + entryKey
}

// DecisionKey holds a routing decision record.
func DecisionKey(epoch int64) string {
	return fmt.Sprintf("routing:decisions/%d", epoch)
}
