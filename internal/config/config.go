// Package config defines the service configuration and its validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitpredict/market-ledger/internal/amm"
	"github.com/bitpredict/market-ledger/internal/identity"
	"github.com/bitpredict/market-ledger/internal/sweeper"
)

// Config is the root configuration. Fields come from the defaults, an
// optional TOML file and then AMM_* environment overrides.
type Config struct {
	Server        ServerConfig   `toml:"server"`
	Ledger        amm.Params     `toml:"ledger"`
	Administrator string         `toml:"administrator"`
	Postgres      PostgresConfig `toml:"postgres"`
	Redis         RedisConfig    `toml:"redis"`
	NATS          NATSConfig     `toml:"nats"`
	S3            S3Config       `toml:"s3"`
	Oracle        OracleConfig   `toml:"oracle"`
	Sweeper       SweeperConfig  `toml:"sweeper"`
	LogLevel      string         `toml:"log_level"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int      `toml:"port"`
	APIKey          string   `toml:"api_key"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// PostgresConfig configures the authoritative store. An empty URL selects
// the in-memory store.
type PostgresConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig configures the read-through cache and the sweep lock.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// NATSConfig configures the outbound event stream.
type NATSConfig struct {
	URL          string   `toml:"url"`
	Buffer       int      `toml:"buffer"`
	StreamMaxAge duration `toml:"stream_max_age"`
}

// S3Config configures the resolved-market archive. An empty bucket
// disables it.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// OracleConfig configures the price oracle client.
type OracleConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// SweeperConfig configures the background resolve-and-settle loop.
type SweeperConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding ("30s", "5m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{5 * time.Second},
		},
		Ledger: amm.DefaultParams(),
		Postgres: PostgresConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		NATS: NATSConfig{
			Buffer:       1024,
			StreamMaxAge: duration{72 * time.Hour},
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Oracle: OracleConfig{
			BaseURL: "https://api.binance.com",
			Timeout: duration{5 * time.Second},
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: duration{sweeper.DefaultInterval},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if err := c.Ledger.Validate(); err != nil {
		errs = append(errs, "ledger: "+err.Error())
	}
	if c.Administrator != "" {
		if _, err := identity.Normalize(c.Administrator); err != nil {
			errs = append(errs, "administrator: "+err.Error())
		}
	}
	if c.Postgres.URL != "" && c.Postgres.MaxConns <= 0 {
		errs = append(errs, "postgres: max_conns must be positive")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}
	if c.NATS.URL != "" && c.NATS.Buffer <= 0 {
		errs = append(errs, "nats: buffer must be positive")
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region is required when bucket is set")
	}
	if c.Sweeper.Enabled {
		iv := c.Sweeper.Interval.Duration
		if iv < sweeper.MinInterval || iv > sweeper.MaxInterval {
			errs = append(errs, fmt.Sprintf("sweeper: interval %s outside [%s, %s]", iv, sweeper.MinInterval, sweeper.MaxInterval))
		}
		if c.Oracle.BaseURL == "" {
			errs = append(errs, "oracle: base_url is required when the sweeper is enabled")
		}
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
