// Package config loads devrig's process configuration the way
// sonantica-core loads its own: viper defaults, then environment
// overrides, then an optional YAML file.
package config

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	DataDir           string `mapstructure:"DATA_DIR"`
	PluginsDir        string `mapstructure:"PLUGINS_DIR"`
	BundledPluginsDir string `mapstructure:"BUNDLED_PLUGINS_DIR"`

	HTTPPort  string `mapstructure:"HTTP_PORT"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	LogEnabled bool  `mapstructure:"LOG_ENABLED"`

	RedisURL string `mapstructure:"REDIS_URL"`

	DefaultAIProvider          string `mapstructure:"DEFAULT_AI_PROVIDER"`
	DefaultSyncIntervalSeconds int    `mapstructure:"DEFAULT_SYNC_INTERVAL_SECONDS"`
	SnoozeTickSeconds          int    `mapstructure:"SNOOZE_TICK_SECONDS"`
	TriggerTickSeconds         int    `mapstructure:"TRIGGER_TICK_SECONDS"`

	SandboxMemoryLimitMB     int `mapstructure:"SANDBOX_MEMORY_LIMIT_MB"`
	SandboxEvalTimeoutSeconds int `mapstructure:"SANDBOX_EVAL_TIMEOUT_SECONDS"`
	SandboxPoolSize          int `mapstructure:"SANDBOX_POOL_SIZE"`

	AiOperationRetentionDays int `mapstructure:"AI_OPERATION_RETENTION_DAYS"`
}

// DBPath returns the path to the embedded SQLite database file, per §6's
// on-disk layout (<userData>/data/<app>.db).
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "devrig.db")
}

func Load() *Config {
	v := viper.New()

	v.SetDefault("DATA_DIR", "./devrig-data")
	v.SetDefault("PLUGINS_DIR", "./devrig-data/plugins")
	v.SetDefault("BUNDLED_PLUGINS_DIR", "")
	v.SetDefault("HTTP_PORT", "8733")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_ENABLED", true)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("DEFAULT_AI_PROVIDER", "")
	v.SetDefault("DEFAULT_SYNC_INTERVAL_SECONDS", 300)
	v.SetDefault("SNOOZE_TICK_SECONDS", 60)
	v.SetDefault("TRIGGER_TICK_SECONDS", 60)
	v.SetDefault("SANDBOX_MEMORY_LIMIT_MB", 128)
	v.SetDefault("SANDBOX_EVAL_TIMEOUT_SECONDS", 5)
	v.SetDefault("SANDBOX_POOL_SIZE", 10)
	v.SetDefault("AI_OPERATION_RETENTION_DAYS", 90)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range []string{
		"DATA_DIR", "PLUGINS_DIR", "BUNDLED_PLUGINS_DIR", "HTTP_PORT",
		"LOG_LEVEL", "LOG_FORMAT", "LOG_ENABLED", "REDIS_URL",
		"DEFAULT_AI_PROVIDER", "DEFAULT_SYNC_INTERVAL_SECONDS",
		"SNOOZE_TICK_SECONDS", "TRIGGER_TICK_SECONDS",
		"SANDBOX_MEMORY_LIMIT_MB", "SANDBOX_EVAL_TIMEOUT_SECONDS",
		"SANDBOX_POOL_SIZE", "AI_OPERATION_RETENTION_DAYS",
	} {
		_ = v.BindEnv(key)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/devrig")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file", "error", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		slog.Error("failed to unmarshal config", "error", err)
	}
	return cfg
}
