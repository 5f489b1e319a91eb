// Request/job ID generation and content fingerprinting.

package sched

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh identifier for requests and jobs.
func NewID() string { return uuid.NewString() }

// FingerprintRequest returns the stable cache key for a request: a SHA256 hash
// over the payload and the sorted required capability set, pipe-delimited so
// the same payload with different capability requirements produces distinct
// keys (a cached entry may only serve capability-superset requests).
func FingerprintRequest(payload []byte, caps []Capability) string {
	h := sha256.New()
	h.Write(payload)
	for _, c := range sortedCaps(caps) {
		h.Write([]byte("|"))
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintDocument hashes the raw document payload alone, used to group
// cache entries produced from the same document across request kinds.
func FingerprintDocument(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// shortID returns the first 8 hex characters for log lines.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
