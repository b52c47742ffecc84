// Package config loads and watches the gridsync configuration.
//
// Settings come from three layers, lowest to highest precedence:
// built-in defaults, a YAML config file, and GRIDSYNC_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Remote holds the connection settings for the authoritative store.
type Remote struct {
	URL      string `mapstructure:"url"`
	Token    string `mapstructure:"token"`
	Realtime bool   `mapstructure:"realtime"`
}

// Queue holds the durable mutation queue limits.
type Queue struct {
	MaxSize        int           `mapstructure:"max_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

// Breaker holds the circuit breaker tuning.
type Breaker struct {
	Threshold int           `mapstructure:"threshold"`
	Recovery  time.Duration `mapstructure:"recovery"`
}

// Clock holds the drift estimation thresholds.
type Clock struct {
	WarnThreshold  time.Duration `mapstructure:"warn_threshold"`
	ErrorThreshold time.Duration `mapstructure:"error_threshold"`
	MaxReliableRTT time.Duration `mapstructure:"max_reliable_rtt"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

// Sync holds the orchestrator tuning.
type Sync struct {
	SafetyWindow       time.Duration `mapstructure:"safety_window"`
	MicroDelay         time.Duration `mapstructure:"micro_delay"`
	MaxConcurrentCalls int64         `mapstructure:"max_concurrent_calls"`
	CursorStrategy     string        `mapstructure:"cursor_strategy"`
	ActivePoll         time.Duration `mapstructure:"active_poll"`
	IdlePoll           time.Duration `mapstructure:"idle_poll"`
	TombstoneCacheTTL  time.Duration `mapstructure:"tombstone_cache_ttl"`
}

// Log holds the logging output settings.
type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Console    bool   `mapstructure:"console"`
}

// Config is the full runtime configuration.
type Config struct {
	DBPath    string `mapstructure:"db_path"`
	ProjectID string `mapstructure:"project_id"`

	Remote  Remote  `mapstructure:"remote"`
	Queue   Queue   `mapstructure:"queue"`
	Breaker Breaker `mapstructure:"breaker"`
	Clock   Clock   `mapstructure:"clock"`
	Sync    Sync    `mapstructure:"sync"`
	Log     Log     `mapstructure:"log"`
}

// DefaultPath returns the default config file location,
// ~/.gridsync/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".gridsync", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(defaultDataDir(), "gridsync.db"))

	v.SetDefault("remote.realtime", true)

	v.SetDefault("queue.max_size", 500)
	v.SetDefault("queue.max_retries", 8)
	v.SetDefault("queue.max_age", 24*time.Hour)
	v.SetDefault("queue.persist_timeout", 5*time.Second)

	v.SetDefault("breaker.threshold", 3)
	v.SetDefault("breaker.recovery", 30*time.Second)

	v.SetDefault("clock.warn_threshold", 30*time.Second)
	v.SetDefault("clock.error_threshold", 5*time.Minute)
	v.SetDefault("clock.max_reliable_rtt", 2*time.Second)
	v.SetDefault("clock.stale_after", 10*time.Minute)

	v.SetDefault("sync.safety_window", 30*time.Second)
	v.SetDefault("sync.micro_delay", 25*time.Millisecond)
	v.SetDefault("sync.max_concurrent_calls", 4)
	v.SetDefault("sync.cursor_strategy", "max-updated")
	v.SetDefault("sync.active_poll", 30*time.Second)
	v.SetDefault("sync.idle_poll", 5*time.Minute)
	v.SetDefault("sync.tombstone_cache_ttl", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.console", false)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".gridsync")
}

// Load reads configuration from path (or DefaultPath when empty), then
// applies GRIDSYNC_* environment overrides. A missing config file is
// not an error; defaults and environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("GRIDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the ranges a misconfigured file could break.
func (c *Config) Validate() error {
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive, got %d", c.Queue.MaxSize)
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("queue.max_retries must be positive, got %d", c.Queue.MaxRetries)
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be positive, got %d", c.Breaker.Threshold)
	}
	if c.Breaker.Recovery <= 0 {
		return fmt.Errorf("breaker.recovery must be positive, got %s", c.Breaker.Recovery)
	}
	if c.Sync.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("sync.max_concurrent_calls must be positive, got %d", c.Sync.MaxConcurrentCalls)
	}
	switch c.Sync.CursorStrategy {
	case "now", "max-updated":
	default:
		return fmt.Errorf("sync.cursor_strategy must be now or max-updated, got %q", c.Sync.CursorStrategy)
	}
	return nil
}
