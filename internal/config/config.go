// Package config loads the daemon configuration from yaml, applies
// defaults, and watches the file for live reload of the settings that
// can change at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/extcore/internal/otel"
)

// StoreConfig sets the database path and scope quotas.
type StoreConfig struct {
	Path string `yaml:"path"`
	// Quotas in bytes of key plus encoded value. Zero keeps the default.
	LocalQuotaBytes  int64 `yaml:"local_quota_bytes"`
	SyncedQuotaBytes int64 `yaml:"synced_quota_bytes"`
}

// SyncConfig controls the sync coordinator.
type SyncConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"` // websocket replica endpoint
	// Schedule is a 5-field cron expression for periodic drains.
	Schedule    string `yaml:"schedule"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// BusConfig controls messaging defaults.
type BusConfig struct {
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	InboxBuffer           int `yaml:"inbox_buffer"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	ManifestPath string `yaml:"manifest_path"`
	GrantsPath   string `yaml:"grants_path"`
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`

	Store StoreConfig `yaml:"store"`
	Sync  SyncConfig  `yaml:"sync"`
	Bus   BusConfig   `yaml:"bus"`
	Otel  otel.Config `yaml:"otel"`
}

// DefaultHomeDir is ~/.extcore, the root for the db, grants, and logs.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".extcore")
}

func defaults(homeDir string) Config {
	return Config{
		HomeDir:      homeDir,
		ManifestPath: filepath.Join(homeDir, "manifest.json"),
		GrantsPath:   filepath.Join(homeDir, "grants.yaml"),
		LogLevel:     "info",
		Store: StoreConfig{
			Path: filepath.Join(homeDir, "extcore.db"),
		},
		Sync: SyncConfig{
			Schedule:    "*/5 * * * *",
			MaxAttempts: 3,
		},
		Bus: BusConfig{
			RequestTimeoutSeconds: 30,
			InboxBuffer:           64,
		},
		Otel: otel.Config{
			Exporter:    "stdout",
			ServiceName: "extcore",
		},
	}
}

// Load reads config.yaml from homeDir (DefaultHomeDir when empty). A
// missing file yields pure defaults; a malformed one is an error.
func Load(homeDir string) (Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := defaults(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.HomeDir = homeDir
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Sync.Enabled && c.Sync.URL == "" {
		return fmt.Errorf("sync.enabled requires sync.url")
	}
	if c.Bus.RequestTimeoutSeconds < 0 || c.Bus.InboxBuffer < 0 {
		return fmt.Errorf("bus settings must be non-negative")
	}
	if c.Store.LocalQuotaBytes < 0 || c.Store.SyncedQuotaBytes < 0 {
		return fmt.Errorf("store quotas must be non-negative")
	}
	return nil
}

// RequestTimeout returns the bus request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Bus.RequestTimeoutSeconds) * time.Second
}
