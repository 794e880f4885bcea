package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Streaming struct {
		MaxRetryAttempts int           `yaml:"max_retry_attempts"`
		RetryDelay       time.Duration `yaml:"retry_delay"`
		StatsInterval    time.Duration `yaml:"stats_interval"`
		// SafetyFactor caps recommended quality at this fraction of the
		// estimated bandwidth.
		SafetyFactor       float64       `yaml:"safety_factor"`
		LowBufferThreshold float64       `yaml:"low_buffer_threshold"`
		FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	} `yaml:"streaming"`

	Cache struct {
		CeilingBytes       int64 `yaml:"ceiling_bytes"`
		PreloadSeconds     int   `yaml:"preload_seconds"`
		PreloadMaxSegments int   `yaml:"preload_max_segments"`
		NextAssetSegments  int   `yaml:"next_asset_segments"`
		EvictionCandidates int   `yaml:"eviction_candidates"`
		// SegmentCostBytes is the per-segment size estimate used to size
		// eviction before the real sizes are known.
		SegmentCostBytes int64 `yaml:"segment_cost_bytes"`
	} `yaml:"cache"`

	Storage struct {
		// Path of the badger segment store; empty selects in-memory.
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Debug struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"debug"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Streaming.MaxRetryAttempts = 3
	cfg.Streaming.RetryDelay = 2 * time.Second
	cfg.Streaming.StatsInterval = 2 * time.Second
	cfg.Streaming.SafetyFactor = 0.8
	cfg.Streaming.LowBufferThreshold = 0.5
	cfg.Streaming.FetchTimeout = 20 * time.Second

	cfg.Cache.CeilingBytes = 500 * 1024 * 1024
	cfg.Cache.PreloadSeconds = 10
	cfg.Cache.PreloadMaxSegments = 5
	cfg.Cache.NextAssetSegments = 3
	cfg.Cache.EvictionCandidates = 50
	cfg.Cache.SegmentCostBytes = 2_000_000

	cfg.Debug.Enabled = false
	cfg.Debug.Address = "127.0.0.1:8780"

	cfg.Logging.Level = "info"

	return cfg
}

// Load reads and validates a YAML config file, filling unset values with
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Streaming.MaxRetryAttempts < 0 {
		return fmt.Errorf("streaming.max_retry_attempts must be >= 0")
	}
	if c.Streaming.RetryDelay <= 0 {
		return fmt.Errorf("streaming.retry_delay must be > 0")
	}
	if c.Streaming.StatsInterval <= 0 {
		return fmt.Errorf("streaming.stats_interval must be > 0")
	}
	if c.Streaming.SafetyFactor <= 0 || c.Streaming.SafetyFactor > 1 {
		return fmt.Errorf("streaming.safety_factor must be in (0, 1]")
	}
	if c.Cache.CeilingBytes <= 0 {
		return fmt.Errorf("cache.ceiling_bytes must be > 0")
	}
	if c.Cache.PreloadSeconds <= 0 {
		return fmt.Errorf("cache.preload_seconds must be > 0")
	}
	if c.Cache.PreloadMaxSegments <= 0 {
		return fmt.Errorf("cache.preload_max_segments must be > 0")
	}
	if c.Cache.NextAssetSegments <= 0 {
		return fmt.Errorf("cache.next_asset_segments must be > 0")
	}
	if c.Cache.EvictionCandidates <= 0 {
		return fmt.Errorf("cache.eviction_candidates must be > 0")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address must not be empty when redis is enabled")
	}
	if c.Debug.Enabled && c.Debug.Address == "" {
		return fmt.Errorf("debug.address must not be empty when debug is enabled")
	}
	return nil
}
