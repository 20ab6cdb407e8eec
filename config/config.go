// Package config holds the engine-wide configuration for keeldb.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/keeldb/keeldb/pkg/logger"
	"github.com/keeldb/keeldb/pkg/telemetry"
)

// Config is the top-level configuration for an engine instance.
type Config struct {
	// DataDir is the directory holding database files and commit logs.
	DataDir string `yaml:"data_dir"`
	// DurabilityAsync makes end-transaction return without waiting for the
	// commit log to reach disk. Synchronous durability is the default.
	DurabilityAsync bool `yaml:"durability_async"`
	// CommitBufferSize is the in-memory buffer size, in bytes, of the disk
	// write queue before records are flushed to the commit log.
	CommitBufferSize int `yaml:"commit_buffer_size"`
	// CompactionRateBytes throttles the compaction copy to this many bytes
	// per second. Zero disables throttling.
	CompactionRateBytes int64 `yaml:"compaction_rate_bytes"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration suitable for tests and local use.
func Default() *Config {
	return &Config{
		DataDir:          ".",
		CommitBufferSize: 1 << 20,
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			Enabled:     false,
			ServiceName: "keeldb",
		},
	}
}

// Load reads a YAML configuration file, applying defaults for any field the
// file leaves unset.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.CommitBufferSize <= 0 {
		cfg.CommitBufferSize = 1 << 20
	}
	return cfg, nil
}
