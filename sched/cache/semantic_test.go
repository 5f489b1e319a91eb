package cache

import (
	"math"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	// The corruption tests exercise paths that warn on purpose.
	logrus.SetLevel(logrus.ErrorLevel)
	os.Exit(m.Run())
}

func TestCosine_IdenticalVectors(t *testing.T) {
	v := []float32{0.3, -0.5, 0.8}
	if got := Cosine(v, v); math.Abs(got-1.0) > 1e-6 {
		t.Errorf("cosine(v, v) = %f, want 1.0", got)
	}
}

func TestCosine_OrthogonalVectors(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("cosine of orthogonal vectors = %f, want 0", got)
	}
}

func TestCosine_ZeroNormYieldsZero(t *testing.T) {
	if got := Cosine([]float32{0, 0}, []float32{1, 1}); got != 0 {
		t.Errorf("zero-norm vector similarity = %f, want 0", got)
	}
}

func TestCosine_MismatchedLengths(t *testing.T) {
	if got := Cosine([]float32{1}, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched lengths = %f, want 0", got)
	}
}

func TestZeroNorm(t *testing.T) {
	if !ZeroNorm(nil) || !ZeroNorm([]float32{0, 0, 0}) {
		t.Error("nil and all-zero vectors are zero-norm")
	}
	if ZeroNorm([]float32{0, 0.001}) {
		t.Error("any non-zero component makes the norm non-zero")
	}
}

func TestDefaultEmbedding_Deterministic(t *testing.T) {
	embed := DefaultEmbedding(128)
	a := embed("fingerprint-a")
	b := embed("fingerprint-a")
	if len(a) != 128 {
		t.Fatalf("dimensions = %d, want 128", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embedding must be deterministic for the same input")
		}
	}
	c := embed("fingerprint-b")
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different inputs should produce different projections")
	}
}

func TestDefaultEmbedding_ValuesInRange(t *testing.T) {
	embed := DefaultEmbedding(64)
	for _, x := range embed("anything") {
		if x < -1 || x >= 1 {
			t.Fatalf("component %f outside [-1, 1)", x)
		}
	}
}

func TestEntry_CoversCapabilities(t *testing.T) {
	e := &Entry{Capabilities: []string{"document-analysis", "risk-assessment"}}
	if !e.CoversCapabilities([]string{"document-analysis"}) {
		t.Error("subset should be covered")
	}
	if !e.CoversCapabilities(nil) {
		t.Error("empty requirement is always covered")
	}
	if e.CoversCapabilities([]string{"business-intelligence"}) {
		t.Error("missing capability must fail")
	}
}
