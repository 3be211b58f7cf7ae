package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Ledger.FeeBps != 200 || cfg.Ledger.InitialLiquidity != 1_000_000 {
		t.Errorf("unexpected ledger defaults %+v", cfg.Ledger)
	}
}

func TestLoad_TOML(t *testing.T) {
	t.Chdir(t.TempDir()) // keep a stray .env out of the test
	path := writeTOML(t, `
log_level = "debug"
administrator = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

[server]
port = 9090
shutdown_timeout = "10s"

[ledger]
fee_bps = 100
bps_base = 10000
initial_liquidity = 500000
min_trade_amount = 10

[sweeper]
enabled = true
interval = "45s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.ShutdownTimeout.Duration != 10*time.Second {
		t.Errorf("server section not applied: %+v", cfg.Server)
	}
	if cfg.Ledger.FeeBps != 100 || cfg.Ledger.MinTradeAmount != 10 {
		t.Errorf("ledger section not applied: %+v", cfg.Ledger)
	}
	if cfg.Sweeper.Interval.Duration != 45*time.Second {
		t.Errorf("expected 45s interval, got %s", cfg.Sweeper.Interval.Duration)
	}
	// Unset sections keep their defaults.
	if cfg.NATS.Buffer != 1024 {
		t.Errorf("expected default nats buffer, got %d", cfg.NATS.Buffer)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoad_BadTOML(t *testing.T) {
	path := writeTOML(t, "[server\nport = 1")
	if _, err := Load(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("AMM_POSTGRES_URL", "postgres://primary/ledger")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AMM_LEDGER_FEE_BPS", "50")
	t.Setenv("AMM_SWEEPER_ENABLED", "false")
	t.Setenv("AMM_NATS_STREAM_MAX_AGE", "24h")
	t.Setenv("AMM_S3_FORCE_PATH_STYLE", "true")
	t.Setenv("AMM_NATS_BUFFER", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("PORT not applied, got %d", cfg.Server.Port)
	}
	if cfg.Postgres.URL != "postgres://primary/ledger" {
		t.Errorf("AMM_POSTGRES_URL should win over DATABASE_URL, got %q", cfg.Postgres.URL)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("REDIS_URL not applied, got %q", cfg.Redis.URL)
	}
	if cfg.Ledger.FeeBps != 50 {
		t.Errorf("fee override not applied, got %d", cfg.Ledger.FeeBps)
	}
	if cfg.Sweeper.Enabled {
		t.Error("sweeper should be disabled")
	}
	if cfg.NATS.StreamMaxAge.Duration != 24*time.Hour {
		t.Errorf("expected 24h, got %s", cfg.NATS.StreamMaxAge.Duration)
	}
	if !cfg.S3.ForcePathStyle {
		t.Error("force path style not applied")
	}
	if cfg.NATS.Buffer != 1024 {
		t.Errorf("unparsable override should be ignored, got %d", cfg.NATS.Buffer)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Server.Port = 0
	cfg.Ledger.FeeBps = cfg.Ledger.BpsBase
	cfg.Administrator = "not-an-address"
	cfg.Sweeper.Interval.Duration = 5 * time.Second

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "port", "ledger", "administrator", "sweeper"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_SweeperDisabledSkipsInterval(t *testing.T) {
	cfg := Defaults()
	cfg.Sweeper.Enabled = false
	cfg.Sweeper.Interval.Duration = time.Hour
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled sweeper interval should not be checked: %v", err)
	}
}

func TestValidate_S3NeedsRegion(t *testing.T) {
	cfg := Defaults()
	cfg.S3.Bucket = "ledger-archive"
	cfg.S3.Region = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "s3") {
		t.Errorf("expected s3 region error, got %v", err)
	}
}
