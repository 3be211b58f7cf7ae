package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges an optional TOML file at path onto the defaults, then applies
// environment overrides. An empty path skips the file. The returned Config
// has NOT been validated; call Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads AMM_* variables, plus the bare PORT, DATABASE_URL
// and REDIS_URL names most deploy targets set. The AMM_* name wins when both
// are present.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "AMM_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "AMM_SERVER_API_KEY")
	setDuration(&cfg.Server.ShutdownTimeout, "AMM_SERVER_SHUTDOWN_TIMEOUT")

	// ── Ledger ──
	setUint64(&cfg.Ledger.FeeBps, "AMM_LEDGER_FEE_BPS")
	setUint64(&cfg.Ledger.BpsBase, "AMM_LEDGER_BPS_BASE")
	setUint64(&cfg.Ledger.InitialLiquidity, "AMM_LEDGER_INITIAL_LIQUIDITY")
	setUint64(&cfg.Ledger.MinTradeAmount, "AMM_LEDGER_MIN_TRADE_AMOUNT")
	setStr(&cfg.Administrator, "AMM_ADMINISTRATOR")

	// ── Postgres ──
	setStr(&cfg.Postgres.URL, "DATABASE_URL")
	setStr(&cfg.Postgres.URL, "AMM_POSTGRES_URL")
	setInt(&cfg.Postgres.MaxConns, "AMM_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "AMM_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "AMM_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "AMM_REDIS_CACHE_TTL")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "AMM_NATS_URL")
	setInt(&cfg.NATS.Buffer, "AMM_NATS_BUFFER")
	setDuration(&cfg.NATS.StreamMaxAge, "AMM_NATS_STREAM_MAX_AGE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "AMM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "AMM_S3_REGION")
	setStr(&cfg.S3.Bucket, "AMM_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "AMM_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "AMM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "AMM_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "AMM_S3_FORCE_PATH_STYLE")

	// ── Oracle & sweeper ──
	setStr(&cfg.Oracle.BaseURL, "AMM_ORACLE_BASE_URL")
	setDuration(&cfg.Oracle.Timeout, "AMM_ORACLE_TIMEOUT")
	setBool(&cfg.Sweeper.Enabled, "AMM_SWEEPER_ENABLED")
	setDuration(&cfg.Sweeper.Interval, "AMM_SWEEPER_INTERVAL")

	setStr(&cfg.LogLevel, "AMM_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
