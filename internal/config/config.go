// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tomeshelf/tomeshelf/internal/protocol"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Downloads  DownloadsConfig  `mapstructure:"downloads"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StorageConfig sets the offline library paths.
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	DatabasePath string `mapstructure:"database_path"`
	ExtensionDir string `mapstructure:"extension_dir"`
	ExtensionID  string `mapstructure:"extension_id"`
}

// DownloadsConfig governs queue draining and page transfers.
type DownloadsConfig struct {
	Concurrency          int  `mapstructure:"concurrency"`
	PageConcurrency      int  `mapstructure:"page_concurrency"`
	MaxPageRetries       int  `mapstructure:"max_page_retries"`
	PageTimeoutSeconds   int  `mapstructure:"page_timeout_seconds"`
	BackoffInitialMs     int  `mapstructure:"backoff_initial_ms"`
	FrozenTimeoutSeconds int  `mapstructure:"frozen_timeout_seconds"`
	BatchIntervalMs      int  `mapstructure:"batch_interval_ms"`
	FlushOnComplete      bool `mapstructure:"flush_on_complete"`
}

// CacheConfig bounds the metadata caches.
type CacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
	Capacity   int `mapstructure:"capacity"`
}

// SupervisorConfig governs worker process lifecycle and request budgets.
type SupervisorConfig struct {
	InitTimeoutSeconds    int  `mapstructure:"init_timeout_seconds"`
	StopTimeoutSeconds    int  `mapstructure:"stop_timeout_seconds"`
	RequestTimeoutSeconds int  `mapstructure:"request_timeout_seconds"`
	AutoRestart           bool `mapstructure:"auto_restart"`
	MaxRestarts           int  `mapstructure:"max_restarts"`
	RestartWindowSeconds  int  `mapstructure:"restart_window_seconds"`
}

// ArchiveConfig controls ZIP export behavior.
type ArchiveConfig struct {
	CompressionLevel int    `mapstructure:"compression_level"`
	OutputDir        string `mapstructure:"output_dir"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TOMESHELF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.database_path", "./data/tomeshelf.db")
	v.SetDefault("storage.extension_dir", "./extensions")
	v.SetDefault("storage.extension_id", "local")
	v.SetDefault("downloads.concurrency", 2)
	v.SetDefault("downloads.page_concurrency", 4)
	v.SetDefault("downloads.max_page_retries", 3)
	v.SetDefault("downloads.page_timeout_seconds", 30)
	v.SetDefault("downloads.backoff_initial_ms", 250)
	v.SetDefault("downloads.frozen_timeout_seconds", 120)
	v.SetDefault("downloads.batch_interval_ms", 1500)
	v.SetDefault("downloads.flush_on_complete", true)
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("cache.capacity", 100)
	v.SetDefault("supervisor.init_timeout_seconds", 30)
	v.SetDefault("supervisor.stop_timeout_seconds", 10)
	v.SetDefault("supervisor.request_timeout_seconds", 15)
	v.SetDefault("supervisor.auto_restart", true)
	v.SetDefault("supervisor.max_restarts", 3)
	v.SetDefault("supervisor.restart_window_seconds", 60)
	v.SetDefault("archive.compression_level", 6)
	v.SetDefault("archive.output_dir", "./exports")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must be set")
	}
	if c.Downloads.Concurrency <= 0 {
		return fmt.Errorf("downloads.concurrency must be > 0")
	}
	if c.Downloads.PageConcurrency <= 0 {
		return fmt.Errorf("downloads.page_concurrency must be > 0")
	}
	if c.Supervisor.InitTimeoutSeconds <= 0 {
		return fmt.Errorf("supervisor.init_timeout_seconds must be > 0")
	}
	if c.Supervisor.AutoRestart && c.Supervisor.MaxRestarts <= 0 {
		return fmt.Errorf("supervisor.max_restarts must be > 0 when auto_restart is enabled")
	}
	if c.Archive.CompressionLevel < -1 || c.Archive.CompressionLevel > 9 {
		return fmt.Errorf("archive.compression_level must be between -1 and 9")
	}
	return nil
}

// InitConfig converts the loaded configuration into the immutable document
// sent to the worker process at startup.
func (c Config) InitConfig() protocol.InitConfig {
	return protocol.InitConfig{
		DataDir:      c.Storage.DataDir,
		DatabasePath: c.Storage.DatabasePath,
		ExtensionDir: c.Storage.ExtensionDir,
		ExtensionID:  c.Storage.ExtensionID,
		Tuning: protocol.Tuning{
			DownloadConcurrency: c.Downloads.Concurrency,
			PageConcurrency:     c.Downloads.PageConcurrency,
			MaxPageRetries:      c.Downloads.MaxPageRetries,
			PageTimeout:         time.Duration(c.Downloads.PageTimeoutSeconds) * time.Second,
			RetryBackoffBase:    time.Duration(c.Downloads.BackoffInitialMs) * time.Millisecond,
			FrozenTimeout:       time.Duration(c.Downloads.FrozenTimeoutSeconds) * time.Second,
			CacheTTL:            time.Duration(c.Cache.TTLSeconds) * time.Second,
			CacheCapacity:       c.Cache.Capacity,
			BatchInterval:       time.Duration(c.Downloads.BatchIntervalMs) * time.Millisecond,
		},
	}
}

// InitTimeout returns the worker initialization budget.
func (c Config) InitTimeout() time.Duration {
	return time.Duration(c.Supervisor.InitTimeoutSeconds) * time.Second
}

// StopTimeout returns the graceful stop budget.
func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.Supervisor.StopTimeoutSeconds) * time.Second
}

// RequestTimeout returns the budget for ordinary queries.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Supervisor.RequestTimeoutSeconds) * time.Second
}

// RestartWindow returns the sliding window for the crash-restart cap.
func (c Config) RestartWindow() time.Duration {
	return time.Duration(c.Supervisor.RestartWindowSeconds) * time.Second
}
