// YAML configuration for the scheduler: backend declarations, cache tiers,
// eviction policy, routing thresholds, and queue discipline.

package sched

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/docsight/scheduler/sched/cache"
)

// RedisConfig locates the shared KV store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CacheConfig groups the per-tier cache settings.
type CacheConfig struct {
	Memory     cache.MemoryConfig     `yaml:"memory"`
	Shared     cache.SharedConfig     `yaml:"shared"`
	Archive    cache.ArchiveConfig    `yaml:"archive"`
	Similarity cache.SimilarityConfig `yaml:"similarity"`
	Eviction   cache.EvictionConfig   `yaml:"eviction"` // shared-tier policy
}

// Config is the full scheduler configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Listen      string            `yaml:"listen"` // HTTP bind address for serve
	Redis       RedisConfig       `yaml:"redis"`
	Backends    []BackendSpec     `yaml:"backends"`
	Cache       CacheConfig       `yaml:"cache"`
	Thresholds  RouterThresholds  `yaml:"thresholds"`
	Queue       QueueConfig       `yaml:"queue"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// DefaultConfig returns a runnable configuration with no backends declared.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		Listen:     ":8080",
		Thresholds: DefaultRouterThresholds(),
		Queue:      DefaultQueueConfig(),
	}
}

// Validate checks the declared backends and numeric ranges. Unknown enum
// values fail with a descriptive error naming the offending field.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be declared")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		if err := c.Backends[i].Validate(); err != nil {
			return err
		}
		if seen[c.Backends[i].ID] {
			return fmt.Errorf("duplicate backend id %q", c.Backends[i].ID)
		}
		seen[c.Backends[i].ID] = true
	}
	if t := c.Thresholds.AvailableLoadMax; t < 0 || t > 1 {
		return fmt.Errorf("thresholds.available_load_max must be in [0, 1], got %f", t)
	}
	if t := c.Thresholds.FreeTierLoadMax; t < 0 || t > 1 {
		return fmt.Errorf("thresholds.free_tier_load_max must be in [0, 1], got %f", t)
	}
	if t := c.Cache.Similarity.Threshold; t < 0 || t > 1 {
		return fmt.Errorf("cache.similarity.threshold must be in [0, 1], got %f", t)
	}
	if s := c.Cache.Eviction.Strategy; s != "" && !cache.ValidEvictionStrategy(s) {
		return fmt.Errorf("cache.eviction.strategy must be one of lru, lfu, fifo, ttl, cost, hybrid, got %q", s)
	}
	if c.Cache.Archive.Enabled && c.Cache.Archive.Bucket == "" {
		return fmt.Errorf("cache.archive.bucket must be set when the archive tier is enabled")
	}
	if c.Cache.Shared.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when the shared cache tier is enabled")
	}
	if c.Queue.SaturationCeiling < 0 {
		return fmt.Errorf("queue.saturation_ceiling must not be negative, got %d", c.Queue.SaturationCeiling)
	}
	return nil
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
