// Package config loads and validates signer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"signd/internal/signing"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Auth    AuthConfig     `mapstructure:"auth"`
	Pool    PoolConfig     `mapstructure:"pool"`
	Script  ScriptConfig   `mapstructure:"script"`
	Rules   []signing.Rule `mapstructure:"rules"`
	DB      DBConfig       `mapstructure:"db"`
	Archive ArchiveConfig  `mapstructure:"archive"`
	Events  EventsConfig   `mapstructure:"events"`
	Logging LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PoolConfig governs the sandbox context pool.
type PoolConfig struct {
	Size             int `mapstructure:"size"`
	AcquireTimeoutMs int `mapstructure:"acquire_timeout_ms"`
	InvokeTimeoutMs  int `mapstructure:"invoke_timeout_ms"`
	MaxInvocations   int `mapstructure:"max_invocations"`
}

// ScriptConfig locates the initial algorithm script.
type ScriptConfig struct {
	Path string `mapstructure:"path"`
}

// DBConfig controls the script history database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig selects the script archive backend.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// EventsConfig selects the rotation event backend.
type EventsConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIGND")
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
	v.SetDefault("server.port", 8090)
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.acquire_timeout_ms", 2000)
	v.SetDefault("pool.invoke_timeout_ms", 1000)
	v.SetDefault("pool.max_invocations", 5000)
	v.SetDefault("db.table", "script_versions")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "scripts")
	v.SetDefault("events.provider", "noop")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	if c.Pool.AcquireTimeoutMs <= 0 {
		return fmt.Errorf("pool.acquire_timeout_ms must be > 0")
	}
	if c.Pool.InvokeTimeoutMs <= 0 {
		return fmt.Errorf("pool.invoke_timeout_ms must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Archive.Provider == "gcs" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket must be set when archive.provider is gcs")
	}
	if c.Events.Provider == "pubsub" && (c.Events.ProjectID == "" || c.Events.TopicID == "") {
		return fmt.Errorf("events.project_id and events.topic_id must be set when events.provider is pubsub")
	}
	for i, r := range c.Rules {
		if r.Platform == "" || r.EntryPoint == "" {
			return fmt.Errorf("rules[%d] must set platform and entry_point", i)
		}
	}
	return nil
}

// AcquireTimeout converts the pool acquire budget to a duration.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Pool.AcquireTimeoutMs) * time.Millisecond
}

// InvokeTimeout converts the per-invocation budget to a duration.
func (c Config) InvokeTimeout() time.Duration {
	return time.Duration(c.Pool.InvokeTimeoutMs) * time.Millisecond
}
