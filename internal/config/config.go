package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config represents runtime configuration for the daemon.
type Config struct {
	BasicConfig BasicConfig  `json:"basic_config"`
	Remote      RemoteConfig `json:"remote"`
	Sync        SyncConfig   `json:"sync"`
	Redis       RedisConfig  `json:"redis"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	DatabasePath      string `json:"database_path"`
	FallbackPath      string `json:"fallback_path"`
	RetentionDays     int    `json:"retention_days"`
	RetentionInterval int    `json:"retention_interval_minutes"`
}

type RemoteConfig struct {
	BaseURL      string `json:"base_url"`
	SyncWSPath   string `json:"sync_ws_path"`
	RetryDelayMS int    `json:"retry_delay_ms"`
}

type SyncConfig struct {
	DebounceMS      int `json:"debounce_ms"`
	IntervalSeconds int `json:"interval_seconds"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.BasicConfig.DatabasePath == "" {
		return nil, fmt.Errorf("database_path must be configured")
	}
	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote base_url must be configured")
	}

	base := filepath.Dir(absPath)
	if !filepath.IsAbs(cfg.BasicConfig.DatabasePath) {
		cfg.BasicConfig.DatabasePath = filepath.Join(base, cfg.BasicConfig.DatabasePath)
	}
	if cfg.BasicConfig.FallbackPath == "" {
		cfg.BasicConfig.FallbackPath = cfg.BasicConfig.DatabasePath + ".json"
	} else if !filepath.IsAbs(cfg.BasicConfig.FallbackPath) {
		cfg.BasicConfig.FallbackPath = filepath.Join(base, cfg.BasicConfig.FallbackPath)
	}

	return &cfg, nil
}

// RetryDelay returns the configured auth retry backoff unit.
func (c *Config) RetryDelay() time.Duration {
	if c.Remote.RetryDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(c.Remote.RetryDelayMS) * time.Millisecond
}

// DebounceWindow returns the quiet window for the sync flush debouncer.
func (c *Config) DebounceWindow() time.Duration {
	if c.Sync.DebounceMS <= 0 {
		return time.Second
	}
	return time.Duration(c.Sync.DebounceMS) * time.Millisecond
}

// SyncInterval returns the periodic auto-sync interval.
func (c *Config) SyncInterval() time.Duration {
	if c.Sync.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// RetentionInterval returns how often the retention sweep runs.
func (c *Config) RetentionInterval() time.Duration {
	if c.BasicConfig.RetentionInterval <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(c.BasicConfig.RetentionInterval) * time.Minute
}

// SyncWSURL derives the websocket endpoint from the remote base URL.
func (c *Config) SyncWSURL() string {
	path := c.Remote.SyncWSPath
	if path == "" {
		path = "/ws/sync"
	}
	base := strings.TrimRight(c.Remote.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}
