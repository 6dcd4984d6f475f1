// Package config handles trailstore configuration via environment
// variables, with an optional YAML overlay file.
//
// Environment variables are the primary mechanism so that the embedding
// application can configure the store without touching the filesystem. A
// YAML file (TRAILSTORE_CONFIG=/path/to/trailstore.yaml) can override the
// environment for deployments that prefer declarative config; values set
// in the file win over the environment.
//
// Configuration is loaded with LoadFromEnv() and checked with Validate()
// before use.
//
// Example Usage:
//
//	cfg, err := config.LoadFromEnv()
//	if err != nil {
//		log.Fatalf("config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment Variables:
//   - TRAILSTORE_DATA_DIR="./trailstore" — store directory
//   - TRAILSTORE_SYNC_MODE="batch" — journal sync: immediate|batch|none
//   - TRAILSTORE_HOT_RETENTION="2160h" — hot-tier age bound (90 days)
//   - TRAILSTORE_DOMINANCE_THRESHOLD="0.6" — display direction threshold
//   - TRAILSTORE_CHECKPOINT_INTERVAL="1h" — background checkpoint cadence
//   - TRAILSTORE_PASSPHRASE="" — enables at-rest sealing when non-empty
//   - TRAILSTORE_CURATION_ENABLED="false" — opt-in history expiry
//   - TRAILSTORE_CURATION_MAX_AGE="8760h" — dissolved-record lifetime
//   - TRAILSTORE_CONFIG="" — optional YAML overlay path
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultDataDir            = "./trailstore"
	DefaultSyncMode           = "batch"
	DefaultHotRetention       = 90 * 24 * time.Hour
	DefaultDominanceThreshold = 0.6
	DefaultCheckpointInterval = time.Hour
	DefaultCurationMaxAge     = 365 * 24 * time.Hour
)

// Config holds all trailstore configuration.
type Config struct {
	// DataDir is the directory holding the journal, snapshot, salt and
	// archive.
	DataDir string `yaml:"dataDir"`

	// SyncMode is the journal durability mode: immediate, batch or none.
	SyncMode string `yaml:"syncMode"`

	// HotRetention is how long traversal records stay memory-resident
	// before a checkpoint relocates them to the archive.
	HotRetention time.Duration `yaml:"hotRetention"`

	// DominanceThreshold is the traffic share one direction must strictly
	// exceed to be rendered dominant. Must sit in (0.5, 1.0).
	DominanceThreshold float64 `yaml:"dominanceThreshold"`

	// CheckpointInterval is the cadence of background checkpoint passes.
	// Zero disables the background loop; checkpoints still run on demand.
	CheckpointInterval time.Duration `yaml:"checkpointInterval"`

	// Passphrase enables at-rest sealing of persisted payloads when
	// non-empty. Never logged.
	Passphrase string `yaml:"passphrase"`

	// CurationEnabled opts in to destructive expiry of old dissolved
	// history. Off by default: history is permanent unless asked not to be.
	CurationEnabled bool `yaml:"curationEnabled"`

	// CurationMaxAge is the dissolved-record lifetime under curation.
	CurationMaxAge time.Duration `yaml:"curationMaxAge"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		DataDir:            DefaultDataDir,
		SyncMode:           DefaultSyncMode,
		HotRetention:       DefaultHotRetention,
		DominanceThreshold: DefaultDominanceThreshold,
		CheckpointInterval: DefaultCheckpointInterval,
		CurationMaxAge:     DefaultCurationMaxAge,
	}
}

// LoadFromEnv builds a Config from the environment, then applies the YAML
// overlay if TRAILSTORE_CONFIG points at one.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DataDir:            getEnv("TRAILSTORE_DATA_DIR", DefaultDataDir),
		SyncMode:           getEnv("TRAILSTORE_SYNC_MODE", DefaultSyncMode),
		HotRetention:       getEnvDuration("TRAILSTORE_HOT_RETENTION", DefaultHotRetention),
		DominanceThreshold: getEnvFloat("TRAILSTORE_DOMINANCE_THRESHOLD", DefaultDominanceThreshold),
		CheckpointInterval: getEnvDuration("TRAILSTORE_CHECKPOINT_INTERVAL", DefaultCheckpointInterval),
		Passphrase:         getEnv("TRAILSTORE_PASSPHRASE", ""),
		CurationEnabled:    getEnvBool("TRAILSTORE_CURATION_ENABLED", false),
		CurationMaxAge:     getEnvDuration("TRAILSTORE_CURATION_MAX_AGE", DefaultCurationMaxAge),
	}

	if path := os.Getenv("TRAILSTORE_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyFile overlays values from a YAML file. Only keys present in the
// file change; absent keys keep their current values.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values the store cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data directory must not be empty")
	}
	switch c.SyncMode {
	case "immediate", "batch", "none":
	default:
		return fmt.Errorf("config: invalid sync mode %q (want immediate, batch or none)", c.SyncMode)
	}
	if c.HotRetention <= 0 {
		return fmt.Errorf("config: hot retention must be positive, got %v", c.HotRetention)
	}
	// At 0.5 or below, both directions could dominate simultaneously.
	if c.DominanceThreshold <= 0.5 || c.DominanceThreshold >= 1.0 {
		return fmt.Errorf("config: dominance threshold must be in (0.5, 1.0), got %v", c.DominanceThreshold)
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("config: checkpoint interval must not be negative, got %v", c.CheckpointInterval)
	}
	if c.CurationEnabled && c.CurationMaxAge <= 0 {
		return fmt.Errorf("config: curation max age must be positive when curation is enabled")
	}
	return nil
}

// String renders the config for logs, with the passphrase redacted.
func (c *Config) String() string {
	sealed := "disabled"
	if c.Passphrase != "" {
		sealed = "enabled"
	}
	return fmt.Sprintf("trailstore[dir=%s sync=%s hot=%v threshold=%.2f checkpoint=%v sealing=%s curation=%v]",
		c.DataDir, c.SyncMode, c.HotRetention, c.DominanceThreshold, c.CheckpointInterval, sealed, c.CurationEnabled)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
