package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.warchive/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server ServerConfig `toml:"server"`
	Sync   SyncConfig   `toml:"sync"`
	Media  MediaConfig  `toml:"media"`
}

// ServerConfig holds the local HTTP API settings.
type ServerConfig struct {
	Listen   string `toml:"listen"`
	PageSize int    `toml:"page_size"`
}

// SyncConfig holds the sync lifecycle timing knobs.
type SyncConfig struct {
	// SettleSeconds is the quiet period after the last inbound batch
	// before the sync is considered complete.
	SettleSeconds int `toml:"settle_seconds"`
	// ReconnectSeconds is the backoff before retrying after an
	// unexpected disconnect.
	ReconnectSeconds int `toml:"reconnect_seconds"`
}

// MediaConfig holds the attachment download settings.
type MediaConfig struct {
	Concurrency           int `toml:"concurrency"`
	AttemptTimeoutSeconds int `toml:"attempt_timeout_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server: ServerConfig{
			Listen:   "127.0.0.1:5173",
			PageSize: 100,
		},
		Sync: SyncConfig{
			SettleSeconds:    8,
			ReconnectSeconds: 3,
		},
		Media: MediaConfig{
			Concurrency:           5,
			AttemptTimeoutSeconds: 30,
		},
	}
}

// Load reads config from the given path, overlaying defaults.
// A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
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

// SettleDuration returns the settle quiet period as a duration.
func (c *Config) SettleDuration() time.Duration {
	return time.Duration(c.Sync.SettleSeconds) * time.Second
}

// ReconnectDelay returns the reconnect backoff as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Sync.ReconnectSeconds) * time.Second
}

// AttemptTimeout returns the per-download-attempt timeout as a duration.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Media.AttemptTimeoutSeconds) * time.Second
}
