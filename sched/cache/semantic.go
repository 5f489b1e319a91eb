package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// SemanticQuery asks the cache for the closest entry by embedding similarity
// when no exact key matches. Capability and document-type gates are applied
// before any similarity comparison counts.
type SemanticQuery struct {
	Embedding    []float32
	Threshold    float64
	Capabilities []string
	DocumentType string
}

// EmbedFunc turns a textual fingerprint into a fixed-dimension vector. The
// function is a plug point; production deployments supply a real model.
type EmbedFunc func(text string) []float32

// DefaultEmbedding returns a deterministic, non-semantic projection of the
// input so behavior is reproducible without a model: the SHA-256 digest of
// the text seeds a counter-mode stream whose words map into [-1, 1).
func DefaultEmbedding(dims int) EmbedFunc {
	return func(text string) []float32 {
		seed := sha256.Sum256([]byte(text))
		vec := make([]float32, dims)
		var block [40]byte
		copy(block[:32], seed[:])
		for i := 0; i < dims; i += 8 {
			binary.BigEndian.PutUint64(block[32:], uint64(i))
			d := sha256.Sum256(block[:])
			for j := 0; j < 8 && i+j < dims; j++ {
				w := binary.BigEndian.Uint32(d[j*4 : j*4+4])
				vec[i+j] = float32(w)/float32(math.MaxUint32)*2 - 1
			}
		}
		return vec
	}
}

// Cosine computes the cosine similarity of two vectors. Mismatched lengths or
// a zero-norm vector yield 0, never an error.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ZeroNorm reports whether a vector is absent or has zero magnitude, in which
// case semantic lookup is skipped entirely.
func ZeroNorm(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
