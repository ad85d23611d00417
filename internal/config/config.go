// Package config reads engine settings from the environment, optionally
// layered over a config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"qms/ticket-engine/internal/broadcast"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Port              string        `mapstructure:"port"`
	DatabaseURL       string        `mapstructure:"db_dsn"`
	RedisURL          string        `mapstructure:"redis_url"`
	RelayChannel      string        `mapstructure:"relay_channel"`
	StoreBackend      string        `mapstructure:"store_backend"`
	SequenceBackend   string        `mapstructure:"sequence_backend"`
	BusinessTimezone  string        `mapstructure:"business_timezone"`
	BroadcastBuffer   int           `mapstructure:"broadcast_buffer"`
	BroadcastOverflow string        `mapstructure:"broadcast_overflow"`
	ClaimAttempts     int           `mapstructure:"claim_attempts"`
	SnapshotLimit     int           `mapstructure:"snapshot_limit"`
	RateLimitPerMin   int           `mapstructure:"rate_limit_per_min"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	OTLPEndpoint      string        `mapstructure:"otel_exporter_otlp_endpoint"`
	OTLPInsecure      bool          `mapstructure:"otel_exporter_otlp_insecure"`
	MigrateOnStart    bool          `mapstructure:"migrate_on_start"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("db_dsn", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("relay_channel", "qms:queue-updates")
	v.SetDefault("store_backend", "")
	v.SetDefault("sequence_backend", "")
	v.SetDefault("business_timezone", "UTC")
	v.SetDefault("broadcast_buffer", broadcast.DefaultBufferSize)
	v.SetDefault("broadcast_overflow", "drop_oldest")
	v.SetDefault("claim_attempts", 32)
	v.SetDefault("snapshot_limit", 4)
	v.SetDefault("rate_limit_per_min", 600)
	v.SetDefault("rate_limit_burst", 100)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("otel_exporter_otlp_endpoint", "")
	v.SetDefault("otel_exporter_otlp_insecure", false)
	v.SetDefault("migrate_on_start", false)
	v.SetDefault("shutdown_timeout", 15*time.Second)
}

// Load reads the environment (PORT, DB_DSN, ...) and, when configFile is
// set, the file underneath it. Environment variables win.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolveBackends()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolveBackends picks backends from the available connection strings
// when they were not set explicitly.
func (c *Config) resolveBackends() {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.SequenceBackend = strings.ToLower(strings.TrimSpace(c.SequenceBackend))
	if c.StoreBackend == "" {
		if c.DatabaseURL != "" {
			c.StoreBackend = BackendPostgres
		} else {
			c.StoreBackend = BackendMemory
		}
	}
	if c.SequenceBackend == "" {
		c.SequenceBackend = c.StoreBackend
	}
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.SequenceBackend {
	case BackendMemory:
		// Memory counters restart at 1 and would collide with persisted numbers.
		if c.StoreBackend == BackendPostgres {
			errs = append(errs, errors.New("SEQUENCE_BACKEND memory cannot be combined with the postgres store"))
		}
	case BackendPostgres:
		if c.StoreBackend != BackendPostgres {
			errs = append(errs, errors.New("SEQUENCE_BACKEND postgres requires the postgres store"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis sequence"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SEQUENCE_BACKEND %q", c.SequenceBackend))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Overflow(); err != nil {
		errs = append(errs, err)
	}
	if c.BroadcastBuffer <= 0 {
		errs = append(errs, errors.New("BROADCAST_BUFFER must be positive"))
	}
	if c.ClaimAttempts <= 0 {
		errs = append(errs, errors.New("CLAIM_ATTEMPTS must be positive"))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	return errors.Join(errs...)
}

// RelayEnabled reports whether events are mirrored to other instances over
// Redis. Instances only share a queue when tickets live in postgres, so a
// memory store keeps its events local even when REDIS_URL is set.
func (c Config) RelayEnabled() bool {
	return c.RedisURL != "" && c.StoreBackend == BackendPostgres &&
		(c.SequenceBackend == BackendPostgres || c.SequenceBackend == BackendRedis)
}

func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", c.BusinessTimezone, err)
	}
	return loc, nil
}

func (c Config) Overflow() (broadcast.Overflow, error) {
	return broadcast.ParseOverflow(c.BroadcastOverflow)
}
