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

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	MemBudgetMB  int    `json:"mem_budget_mb" yaml:"mem_budget_mb" toml:"mem_budget_mb"`
	MemMarginMB  int    `json:"mem_margin_mb" yaml:"mem_margin_mb" toml:"mem_margin_mb"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	// Admission control.
	MaxQueueDepth   int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitSec      int `json:"max_wait_sec" yaml:"max_wait_sec" toml:"max_wait_sec"`
	DrainTimeoutSec int `json:"drain_timeout_sec" yaml:"drain_timeout_sec" toml:"drain_timeout_sec"`

	// HTTP layer.
	MaxBodyBytes    int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	InferTimeoutSec int64 `json:"infer_timeout_sec" yaml:"infer_timeout_sec" toml:"infer_timeout_sec"`

	// CORS (disabled unless enabled explicitly).
	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	CORSMethods []string `json:"cors_methods" yaml:"cors_methods" toml:"cors_methods"`
	CORSHeaders []string `json:"cors_headers" yaml:"cors_headers" toml:"cors_headers"`

	// Observability and persistence.
	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LRUStatePath string `json:"lru_state_path" yaml:"lru_state_path" toml:"lru_state_path"`

	// Watch enables live rescans of ModelsDir when checkpoints change.
	Watch bool `json:"watch" yaml:"watch" toml:"watch"`
}

// Validate rejects values no default can repair. Zero stays legal since it
// means "unspecified".
func (c Config) Validate() error {
	if c.MemBudgetMB < 0 || c.MemMarginMB < 0 {
		return fmt.Errorf("mem_budget_mb and mem_margin_mb must be >= 0")
	}
	if c.MaxQueueDepth < 0 {
		return fmt.Errorf("max_queue_depth must be >= 0")
	}
	if c.MaxWaitSec < 0 || c.DrainTimeoutSec < 0 {
		return fmt.Errorf("max_wait_sec and drain_timeout_sec must be >= 0")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must be >= 0")
	}
	if c.InferTimeoutSec < 0 {
		return fmt.Errorf("infer_timeout_sec must be >= 0")
	}
	return nil
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
