package sched

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsight/scheduler/sched/cache"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfigYAML = `
log_level: debug
listen: ":9090"
redis:
  addr: localhost:6379
  key_prefix: "sched:"
backends:
  - id: primary-1
    kind: primary
    endpoint: http://primary:8000
    capabilities: [document-analysis, pattern-detection]
    mean_latency: 8s
    cost_per_request: 0.10
    max_in_flight: 8
    call_timeout: 30s
    base_priority: 5
  - id: complex-1
    kind: complex
    endpoint: http://complex:8000
    capabilities: [document-analysis, risk-assessment]
    mean_latency: 45s
    cost_per_request: 0.90
    max_in_flight: 2
    call_timeout: 120s
    base_priority: 8
cache:
  memory:
    enabled: true
    max_bytes: 1048576
  shared:
    enabled: true
    default_ttl: 12h
  similarity:
    threshold: 0.9
  eviction:
    strategy: lru
thresholds:
  available_load_max: 0.8
  free_tier_load_max: 0.5
queue:
  saturation_ceiling: 50
`

func TestLoadConfig_RoundTrip(t *testing.T) {
	cfg, err := LoadConfig(writeTempYAML(t, validConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.Listen)
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, []Capability{CapDocumentAnalysis, CapPatternDetection}, cfg.Backends[0].Capabilities)
	b := cfg.Backends[1]
	assert.Equal(t, BackendComplex, b.Kind)
	assert.Equal(t, 45*time.Second, b.MeanLatency)
	assert.Equal(t, 0.90, b.CostPerReq)
	assert.True(t, cfg.Cache.Shared.Enabled)
	assert.Equal(t, 12*time.Hour, cfg.Cache.Shared.DefaultTTL)
	assert.Equal(t, 0.9, cfg.Cache.Similarity.Threshold)
	assert.Equal(t, cache.StrategyLRU, cfg.Cache.Eviction.Strategy)
	assert.Equal(t, 50, cfg.Queue.SaturationCeiling)
}

func TestLoadConfig_DefaultsSurviveSparseFile(t *testing.T) {
	cfg, err := LoadConfig(writeTempYAML(t, `
backends:
  - id: b1
    kind: primary
    endpoint: http://b1:8000
    mean_latency: 5s
    cost_per_request: 0.10
    max_in_flight: 4
    call_timeout: 20s
`))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, DefaultRouterThresholds().AvailableLoadMax, cfg.Thresholds.AvailableLoadMax)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestConfigValidate_Failures(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Backends = []BackendSpec{{
			ID: "b1", Kind: BackendPrimary, Endpoint: "http://b1:8000",
			MeanLatency: 5 * time.Second, CostPerReq: 0.1, MaxInFlight: 4,
			CallTimeout: 20 * time.Second,
		}}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no backends",
			mutate:  func(c *Config) { c.Backends = nil },
			wantErr: "at least one backend",
		},
		{
			name: "duplicate backend id",
			mutate: func(c *Config) {
				c.Backends = append(c.Backends, c.Backends[0])
			},
			wantErr: "duplicate backend id",
		},
		{
			name:    "unknown kind",
			mutate:  func(c *Config) { c.Backends[0].Kind = "gpu-farm" },
			wantErr: "unknown kind",
		},
		{
			name:    "unknown capability",
			mutate:  func(c *Config) { c.Backends[0].Capabilities = []Capability{"teleportation"} },
			wantErr: "unknown capability",
		},
		{
			name:    "non-positive max in flight",
			mutate:  func(c *Config) { c.Backends[0].MaxInFlight = 0 },
			wantErr: "max_in_flight",
		},
		{
			name:    "load threshold out of range",
			mutate:  func(c *Config) { c.Thresholds.AvailableLoadMax = 1.5 },
			wantErr: "available_load_max",
		},
		{
			name:    "similarity threshold out of range",
			mutate:  func(c *Config) { c.Cache.Similarity.Threshold = 2 },
			wantErr: "similarity.threshold",
		},
		{
			name:    "unknown eviction strategy",
			mutate:  func(c *Config) { c.Cache.Eviction.Strategy = "random" },
			wantErr: "eviction.strategy",
		},
		{
			name:    "archive enabled without bucket",
			mutate:  func(c *Config) { c.Cache.Archive.Enabled = true },
			wantErr: "archive.bucket",
		},
		{
			name:    "shared cache without redis",
			mutate:  func(c *Config) { c.Cache.Shared.Enabled = true },
			wantErr: "redis.addr",
		},
		{
			name:    "negative saturation ceiling",
			mutate:  func(c *Config) { c.Queue.SaturationCeiling = -1 },
			wantErr: "saturation_ceiling",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.wantErr)
		})
	}
}

func TestConfigValidate_ValidPasses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backends = []BackendSpec{{
		ID: "b1", Kind: BackendPrimary, Endpoint: "http://b1:8000",
		MeanLatency: 5 * time.Second, CostPerReq: 0.1, MaxInFlight: 4,
		CallTimeout: 20 * time.Second,
	}}
	assert.NoError(t, cfg.Validate())
}
