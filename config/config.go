// Package config holds the process-level tunables for the pool, racer, and
// directory layers, loadable from an optional YAML file with defaults
// otherwise.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teiid/garlic/directory"
)

// RaceOpts controls one circuit-racer run.
type RaceOpts struct {
	Count   int           `yaml:"count"`
	Hops    int           `yaml:"hops"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the top-level set of tunables described in §6 of the design doc:
// pool sizing/eviction bounds, racer defaults, and directory overrides.
type Config struct {
	PoolSize               int      `yaml:"pool_size"`
	MaxDomains             int      `yaml:"max_domains"`
	MaxStreamCount         int      `yaml:"max_stream_count"`
	MaxCircuitAgeMS        int64    `yaml:"max_circuit_age_ms"`
	LatencyThresholdMS     int64    `yaml:"latency_threshold_ms"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	RaceOpts               RaceOpts `yaml:"race_opts"`
	Authorities            []string `yaml:"authorities,omitempty"`
	CachePath              string   `yaml:"cache_path,omitempty"`
	PrefetchDescriptors    bool     `yaml:"prefetch_router_descriptors"`
}

// Default returns the configuration with every field at its spec default.
func Default() *Config {
	return &Config{
		PoolSize:               2,
		MaxDomains:             25,
		MaxStreamCount:         100,
		MaxCircuitAgeMS:        600_000,
		LatencyThresholdMS:     5_000,
		MaxConsecutiveFailures: 3,
		RaceOpts: RaceOpts{
			Count:   4,
			Hops:    1,
			Timeout: 30 * time.Second,
		},
		CachePath: directory.DefaultCacheDir(),
	}
}

// Load reads a YAML config file, overlaying it onto Default(). A missing
// file is not an error — callers get defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
