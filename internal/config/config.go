package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the per-profile config.toml.
type Config struct {
	Remote    Remote    `toml:"remote"`
	Realtime  Realtime  `toml:"realtime"`
	Cache     Cache     `toml:"cache"`
	Queue     Queue     `toml:"queue"`
	Migration Migration `toml:"migration"`
}

// Remote configures the HTTP message service.
type Remote struct {
	BaseURL        string   `toml:"base_url"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	PageSize       int      `toml:"page_size"`
}

// Realtime configures the push transport hubs.
type Realtime struct {
	ChatHubURL          string `toml:"chat_hub_url"`
	NotificationHubURL  string `toml:"notification_hub_url"`
	ReconnectBaseMillis int    `toml:"reconnect_base_ms"`
	ReconnectMaxMillis  int    `toml:"reconnect_max_ms"`
}

// Cache configures the local message cache.
type Cache struct {
	MaxBytes         int64 `toml:"max_bytes"`
	MaxAgeDays       int   `toml:"max_age_days"`
	SyncTTLSeconds   int   `toml:"sync_ttl_seconds"`
	GapThreshold     int   `toml:"gap_threshold"`
	RevalidateMillis int   `toml:"revalidate_ms"`
}

// Queue configures the offline operation queue.
type Queue struct {
	MaxRetries int `toml:"max_retries"`
}

// Migration selects the storage migration bridge phase.
// Valid phases: "new-only" (default), "dual-read-old", "dual-read-new".
type Migration struct {
	Phase      string `toml:"phase"`
	LegacyPath string `toml:"legacy_path"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		Remote: Remote{
			TimeoutSeconds: 30,
			PageSize:       100,
		},
		Realtime: Realtime{
			ReconnectBaseMillis: 1000,
			ReconnectMaxMillis:  30000,
		},
		Cache: Cache{
			MaxBytes:         64 << 20,
			MaxAgeDays:       30,
			SyncTTLSeconds:   3600,
			GapThreshold:     5,
			RevalidateMillis: int((5 * time.Minute).Milliseconds()),
		},
		Queue: Queue{
			MaxRetries: 8,
		},
		Migration: Migration{
			Phase: "new-only",
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) validate() error {
	switch c.Migration.Phase {
	case "new-only", "dual-read-old", "dual-read-new":
	default:
		return fmt.Errorf("invalid migration phase %q", c.Migration.Phase)
	}
	if c.Migration.Phase != "new-only" && c.Migration.LegacyPath == "" {
		return fmt.Errorf("migration phase %q requires legacy_path", c.Migration.Phase)
	}
	if c.Remote.PageSize <= 0 || c.Remote.PageSize > 200 {
		return fmt.Errorf("remote page_size %d out of range [1,200]", c.Remote.PageSize)
	}
	return nil
}

// RemoteTimeout returns the remote HTTP timeout as a duration.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// SyncTTL returns how long a conversation's sync result is trusted.
func (c *Config) SyncTTL() time.Duration {
	return time.Duration(c.Cache.SyncTTLSeconds) * time.Second
}

// RevalidateInterval returns the periodic revalidation interval.
func (c *Config) RevalidateInterval() time.Duration {
	return time.Duration(c.Cache.RevalidateMillis) * time.Millisecond
}

// ReconnectBase returns the initial reconnect backoff delay.
func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.Realtime.ReconnectBaseMillis) * time.Millisecond
}

// ReconnectMax returns the reconnect backoff cap.
func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.Realtime.ReconnectMaxMillis) * time.Millisecond
}
