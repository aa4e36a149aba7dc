package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRADECORE_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADECORE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and toggles at deploy time
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.APIKey, "EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.SecretFile, "EXCHANGE_SECRET_FILE")
	setStr(&cfg.Exchange.SecretPassword, "EXCHANGE_SECRET_PASSWORD")
	setStr(&cfg.Exchange.BaseURL, "EXCHANGE_BASE_URL")
	setBool(&cfg.Exchange.Testnet, "EXCHANGE_TESTNET")
	setBool(&cfg.Exchange.Demo, "EXCHANGE_DEMO")
	setStr(&cfg.Exchange.WSURL, "EXCHANGE_WS_URL")
	setStringSlice(&cfg.Exchange.Symbols, "EXCHANGE_SYMBOLS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Risk and safety ──
	setInt(&cfg.Risk.MaxOpenPositions, "RISK_MAX_OPEN_POSITIONS")
	setDecimal(&cfg.Risk.MaxPositionPct, "RISK_MAX_POSITION_PCT")
	setDecimal(&cfg.Risk.MaxExposurePct, "RISK_MAX_EXPOSURE_PCT")
	setDecimal(&cfg.Protection.EmergencyLossPct, "PROTECTION_EMERGENCY_LOSS_PCT")
	setDecimal(&cfg.Breaker.ThresholdPct, "BREAKER_THRESHOLD_PCT")
	setStr(&cfg.Breaker.Timezone, "BREAKER_TIMEZONE")
	setDuration(&cfg.Reconcile.Interval, "RECONCILE_INTERVAL")
	setDecimal(&cfg.Reconcile.TolerancePct, "RECONCILE_TOLERANCE_PCT")

	// ── Intake / archive ──
	setBool(&cfg.Intake.Enabled, "INTAKE_ENABLED")
	setStr(&cfg.Intake.Stream, "INTAKE_STREAM")
	setBool(&cfg.Archive.Enabled, "ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Schedule, "ARCHIVE_SCHEDULE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
	setStr(&cfg.Notify.MinSeverity, "NOTIFY_MIN_SEVERITY")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func getenv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func setStr(dst *string, key string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDecimal(dst *Decimal, key string) {
	if v := getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			dst.Decimal = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
