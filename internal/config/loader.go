package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the serving core.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	// Model discovery and cache storage.
	ModelsDir      string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	CacheDir       string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	MaxCacheMB     int64  `json:"max_cache_mb" yaml:"max_cache_mb" toml:"max_cache_mb"`
	EvictionPolicy string `json:"eviction_policy" yaml:"eviction_policy" toml:"eviction_policy"`

	// Resource budget. Zero components are unconstrained.
	MaxCPUPercent    float64 `json:"max_cpu_percent" yaml:"max_cpu_percent" toml:"max_cpu_percent"`
	MaxMemoryMB      int64   `json:"max_memory_mb" yaml:"max_memory_mb" toml:"max_memory_mb"`
	MaxAcceleratorMB int64   `json:"max_accelerator_mb" yaml:"max_accelerator_mb" toml:"max_accelerator_mb"`
	MaxAllocations   int     `json:"max_allocations" yaml:"max_allocations" toml:"max_allocations"`

	// Session pool.
	MaxSessions    int    `json:"max_sessions" yaml:"max_sessions" toml:"max_sessions"`
	Provider       string `json:"provider" yaml:"provider" toml:"provider"`
	IdleSessionSec int    `json:"idle_session_sec" yaml:"idle_session_sec" toml:"idle_session_sec"`

	// Batching.
	MaxBatchSize     int  `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	BatchTimeoutMs   int  `json:"batch_timeout_ms" yaml:"batch_timeout_ms" toml:"batch_timeout_ms"`
	DisableBatching  bool `json:"disable_batching" yaml:"disable_batching" toml:"disable_batching"`
	MaxQueueDepth    int  `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	RequestTimeoutMs int  `json:"request_timeout_ms" yaml:"request_timeout_ms" toml:"request_timeout_ms"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
