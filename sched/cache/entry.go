// Package cache implements the three-tier response cache: an in-process LRU
// with a byte budget, a shared KV tier with transparent compression, and an
// object-store archive for large or cold entries. Lookups are exact by key,
// with an optional semantic fallback over embedded fingerprints.
package cache

import "time"

// Tier identifies which cache tier currently holds an entry's value.
type Tier string

const (
	TierMemory  Tier = "memory"
	TierShared  Tier = "shared"
	TierArchive Tier = "archive"
)

// Entry is one cached analysis result with its placement metadata.
type Entry struct {
	Key            string            `json:"key"`
	DocFingerprint string            `json:"doc_fingerprint,omitempty"`
	ReqFingerprint string            `json:"req_fingerprint,omitempty"`
	BackendID      string            `json:"backend_id,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	DocumentType   string            `json:"document_type,omitempty"`
	Value          []byte            `json:"value"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Embedding      []float32         `json:"embedding,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	LastAccess     time.Time         `json:"last_access"`
	Hits           int64             `json:"hits"`
	Tier           Tier              `json:"tier"`
	Compressed     bool              `json:"compressed"`
	Size           int64             `json:"size"`
}

// Expired reports whether the entry's TTL has lapsed. A zero ExpiresAt means
// no expiry.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Remaining returns the time left before expiry, 0 when no expiry is set and
// a negative value once expired.
func (e *Entry) Remaining(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// CoversCapabilities reports whether the entry's capability set is a superset
// of the required set. An empty requirement is covered by every entry.
func (e *Entry) CoversCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(e.Capabilities))
	for _, c := range e.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to callers.
func (e *Entry) Clone() *Entry {
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	cp.Capabilities = append([]string(nil), e.Capabilities...)
	cp.Embedding = append([]float32(nil), e.Embedding...)
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
