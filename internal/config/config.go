// Package config loads Sluice's runtime configuration from defaults, an
// optional config file, and environment variables (SLUICE_* prefix),
// mirroring the precedence order the teacher's viper-based loader uses.
package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds every option in the spec's configuration contract.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	DataDir string `mapstructure:"data_dir"`

	WriteChannelSize  int `mapstructure:"write_channel_size"`
	ReaderPoolSize    int `mapstructure:"reader_pool_size"`
	NotifyChannelSize int `mapstructure:"notify_channel_size"`

	BatchSize     int           `mapstructure:"batch_size"`
	BatchDelay    time.Duration `mapstructure:"-"` // set by Load from batch_delay_ms (milliseconds)
	WALCheckpoint int           `mapstructure:"wal_checkpoint_pages"`

	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	MetricsPort    int  `mapstructure:"metrics_port"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DBPath returns the path to the primary database file under DataDir.
func (c Config) DBPath() string {
	return c.DataDir + "/sluice.db"
}

// Load reads configuration from an optional sluice.yaml/sluice.json file
// in "." or "./config", then environment variables under SLUICE_, falling
// back to the defaults below.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 50051)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("write_channel_size", 1000)
	v.SetDefault("reader_pool_size", 10)
	v.SetDefault("notify_channel_size", 1024)
	v.SetDefault("batch_size", 100)
	v.SetDefault("batch_delay_ms", 5)
	v.SetDefault("wal_checkpoint_pages", 1000)
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetConfigName("sluice")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("SLUICE")
	v.AutomaticEnv()

	// Config file is optional; only a parse error on an existing file is
	// surfaced, a missing file is not.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.BatchDelay = time.Duration(v.GetInt64("batch_delay_ms")) * time.Millisecond

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ReaderPoolSize <= 0 {
		cfg.ReaderPoolSize = 10
	}
	if cfg.WriteChannelSize <= 0 {
		cfg.WriteChannelSize = 1000
	}
	if cfg.NotifyChannelSize <= 0 {
		cfg.NotifyChannelSize = 1024
	}

	return cfg, nil
}

// LogEvent logs the resolved configuration once at startup.
func (c Config) LogEvent(logger zerolog.Logger) {
	logger.Info().
		Str("host", c.Host).
		Int("port", c.Port).
		Str("data_dir", c.DataDir).
		Int("write_channel_size", c.WriteChannelSize).
		Int("reader_pool_size", c.ReaderPoolSize).
		Int("notify_channel_size", c.NotifyChannelSize).
		Int("batch_size", c.BatchSize).
		Dur("batch_delay", c.BatchDelay).
		Int("wal_checkpoint_pages", c.WALCheckpoint).
		Bool("metrics_enabled", c.MetricsEnabled).
		Int("metrics_port", c.MetricsPort).
		Msg("configuration loaded")
}
