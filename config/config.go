// Package config loads service configuration from an optional YAML file
// and GENFLOW_ prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. GENFLOW_STORAGE_DRIVER.
const EnvPrefix = "GENFLOW"

// MaxNodeID is the largest snowflake machine id.
const MaxNodeID = 1<<16 - 1

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		// NodeID is the snowflake machine id; replicas sharing a store need
		// distinct values.
		NodeID int `mapstructure:"node_id"`
	} `mapstructure:"server"`
	Storage struct {
		Driver string `mapstructure:"driver"`
		Redis  struct {
			Addr         string        `mapstructure:"addr"`
			Password     string        `mapstructure:"password"`
			DB           int           `mapstructure:"db"`
			PoolSize     int           `mapstructure:"pool_size"`
			MinIdleConns int           `mapstructure:"min_idle_conns"`
			IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
		} `mapstructure:"redis"`
		Postgres struct {
			DSN string `mapstructure:"dsn"`
		} `mapstructure:"postgres"`
	} `mapstructure:"storage"`
	Provider struct {
		Driver  string        `mapstructure:"driver"`
		BaseURL string        `mapstructure:"base_url"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"provider"`
	Poller struct {
		Interval    time.Duration `mapstructure:"interval"`
		MaxAttempts int           `mapstructure:"max_attempts"`
	} `mapstructure:"poller"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.node_id", 1)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.postgres.dsn", "")

	v.SetDefault("provider.driver", "http")
	v.SetDefault("provider.base_url", "https://queue.fal.run")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.timeout", 30*time.Second)

	v.SetDefault("poller.interval", 3*time.Second)
	v.SetDefault("poller.max_attempts", 200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads path when it is not empty, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver names and required settings.
func (c *Config) Validate() error {
	if c.Server.NodeID < 0 || c.Server.NodeID > MaxNodeID {
		return fmt.Errorf("server.node_id must be between 0 and %d", MaxNodeID)
	}
	switch c.Storage.Driver {
	case "memory", "redis":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Provider.Driver {
	case "http", "memory":
	default:
		return fmt.Errorf("unknown provider driver %q", c.Provider.Driver)
	}
	if c.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("poller.max_attempts must be positive")
	}
	return nil
}
