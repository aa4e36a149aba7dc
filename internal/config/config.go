// Package config defines the trading core configuration, its defaults and
// validation.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADECORE_* environment variables.
type Config struct {
	Exchange   ExchangeConfig   `toml:"exchange"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Risk       RiskConfig       `toml:"risk"`
	Protection ProtectionConfig `toml:"protection"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Executor   ExecutorConfig   `toml:"executor"`
	Intake     IntakeConfig     `toml:"intake"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ExchangeConfig holds Bybit credentials, endpoints and the traded symbols.
// The secret comes from APISecret or, when that is empty, from the sealed
// SecretFile opened with SecretPassword.
type ExchangeConfig struct {
	APIKey         string   `toml:"api_key"`
	APISecret      string   `toml:"api_secret"`
	SecretFile     string   `toml:"secret_file"`
	SecretPassword string   `toml:"secret_password"`
	BaseURL        string   `toml:"base_url"`
	Testnet        bool     `toml:"testnet"`
	Demo           bool     `toml:"demo"`
	WSURL          string   `toml:"ws_url"`
	Symbols        []string `toml:"symbols"`
	PriceMaxAge    duration `toml:"price_max_age"`
}

// PostgresConfig holds PostgreSQL connection parameters. When disabled the
// process keeps its ledger in memory.
type PostgresConfig struct {
	Enabled         bool     `toml:"enabled"`
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	PriceTTL   duration `toml:"price_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LeverageBounds is an inclusive [min, max] leverage range.
type LeverageBounds struct {
	Min Decimal `toml:"min"`
	Max Decimal `toml:"max"`
}

// RiskConfig holds the pre-trade limits. Percentages are of account equity.
type RiskConfig struct {
	MaxOpenPositions int                       `toml:"max_open_positions"`
	MaxPositionPct   Decimal                   `toml:"max_position_pct"`
	MaxExposurePct   Decimal                   `toml:"max_exposure_pct"`
	Leverage         LeverageBounds            `toml:"leverage"`
	Symbols          map[string]LeverageBounds `toml:"symbols"`
}

// ProtectionConfig tunes the three stop-loss layers.
type ProtectionConfig struct {
	PriceInterval     duration `toml:"price_interval"`
	EmergencyInterval duration `toml:"emergency_interval"`
	EmergencyLossPct  Decimal  `toml:"emergency_loss_pct"`
	Confirmations     int      `toml:"confirmations"`
	StopCheckEvery    int      `toml:"stop_check_every"`
	EscalationWindow  duration `toml:"escalation_window"`
}

// BreakerConfig holds the daily-loss circuit breaker settings.
type BreakerConfig struct {
	ThresholdPct       Decimal  `toml:"threshold_pct"`
	Timezone           string   `toml:"timezone"`
	FlattenTimeout     duration `toml:"flatten_timeout"`
	FlattenConcurrency int      `toml:"flatten_concurrency"`
	MarkInterval       duration `toml:"mark_interval"`
}

// ReconcileConfig holds the reconciliation schedule and tolerance.
type ReconcileConfig struct {
	Interval     duration `toml:"interval"`
	TolerancePct Decimal  `toml:"tolerance_pct"`
	LockTTL      duration `toml:"lock_ttl"`
}

// ExecutorConfig holds the exchange call policy.
type ExecutorConfig struct {
	CallTimeout      duration `toml:"call_timeout"`
	MaxAttempts      int      `toml:"max_attempts"`
	InitialBackoff   duration `toml:"initial_backoff"`
	MaxBackoff       duration `toml:"max_backoff"`
	RequestsPerSec   float64  `toml:"requests_per_sec"`
	Burst            int      `toml:"burst"`
	FillPollInterval duration `toml:"fill_poll_interval"`
	FillPollAttempts int      `toml:"fill_poll_attempts"`
	BreakerFailures  int      `toml:"breaker_failures"`
	BreakerCooldown  duration `toml:"breaker_cooldown"`
	FlattenAttempts  int      `toml:"flatten_attempts"`
	FlattenBudget    duration `toml:"flatten_budget"`
}

// IntakeConfig controls the Redis stream signal consumer.
type IntakeConfig struct {
	Enabled      bool     `toml:"enabled"`
	Stream       string   `toml:"stream"`
	BatchSize    int      `toml:"batch_size"`
	PollInterval duration `toml:"poll_interval"`
	DedupTTL     duration `toml:"dedup_ttl"`
	MaxAge       duration `toml:"max_age"`
}

// ArchiveConfig controls the daily S3 archive job.
type ArchiveConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
	Prefix   string `toml:"prefix"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// MetricsConfig toggles the Prometheus endpoint on the API server.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// NotifyConfig holds notification channel credentials and filters.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	MinSeverity       string   `toml:"min_severity"`
	PerSecond         float64  `toml:"per_second"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Decimal is a fixed-point config value. TOML integers, floats and quoted
// strings all decode into it; "7.5" and 7.5 give the same value.
type Decimal struct {
	decimal.Decimal
}

// UnmarshalTOML implements toml.Unmarshaler.
func (d *Decimal) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		d.Decimal = decimal.NewFromInt(x)
	case float64:
		// Shortest representation keeps the literal as written.
		parsed, err := decimal.NewFromString(strconv.FormatFloat(x, 'f', -1, 64))
		if err != nil {
			return err
		}
		d.Decimal = parsed
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return fmt.Errorf("decimal %q: %w", x, err)
		}
		d.Decimal = parsed
	default:
		return fmt.Errorf("decimal: unsupported value %v (%T)", v, v)
	}
	return nil
}

// NewDecimal returns n as a Decimal.
func NewDecimal(n int64) Decimal {
	return Decimal{decimal.NewFromInt(n)}
}

// Defaults returns a Config populated with the production defaults.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Testnet:     true,
			Symbols:     []string{"BTCUSDT", "ETHUSDT"},
			PriceMaxAge: duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "tradecore",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			PriceTTL:   duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradecore-archive",
			ForcePathStyle: true,
		},
		Risk: RiskConfig{
			MaxOpenPositions: 6,
			MaxPositionPct:   NewDecimal(25),
			MaxExposurePct:   NewDecimal(80),
			Leverage:         LeverageBounds{Min: NewDecimal(1), Max: NewDecimal(20)},
			Symbols:          map[string]LeverageBounds{},
		},
		Protection: ProtectionConfig{
			PriceInterval:     duration{2 * time.Second},
			EmergencyInterval: duration{time.Second},
			EmergencyLossPct:  NewDecimal(15),
			Confirmations:     1,
			StopCheckEvery:    5,
			EscalationWindow:  duration{2 * time.Minute},
		},
		Breaker: BreakerConfig{
			ThresholdPct:       NewDecimal(7),
			Timezone:           "UTC",
			FlattenTimeout:     duration{2 * time.Minute},
			FlattenConcurrency: 4,
			MarkInterval:       duration{15 * time.Second},
		},
		Reconcile: ReconcileConfig{
			Interval:     duration{5 * time.Minute},
			TolerancePct: NewDecimal(1),
			LockTTL:      duration{2 * time.Minute},
		},
		Executor: ExecutorConfig{
			CallTimeout:      duration{5 * time.Second},
			MaxAttempts:      4,
			InitialBackoff:   duration{200 * time.Millisecond},
			MaxBackoff:       duration{5 * time.Second},
			RequestsPerSec:   10,
			Burst:            5,
			FillPollInterval: duration{250 * time.Millisecond},
			FillPollAttempts: 8,
			BreakerFailures:  5,
			BreakerCooldown:  duration{30 * time.Second},
			FlattenAttempts:  10,
			FlattenBudget:    duration{2 * time.Minute},
		},
		Intake: IntakeConfig{
			Stream:       "signals",
			BatchSize:    20,
			PollInterval: duration{500 * time.Millisecond},
			DedupTTL:     duration{time.Hour},
			MaxAge:       duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Schedule: "30 0 * * *",
			Prefix:   "archive",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Metrics: MetricsConfig{Enabled: true},
		Notify: NotifyConfig{
			MinSeverity: "warning",
			PerSecond:   1,
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":     true,
	"monitor":   true,
	"reconcile": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSeverities = map[string]bool{
	"info":     true,
	"warning":  true,
	"critical": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: trade, monitor, reconcile)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Every mode reads the exchange; only trade writes to it, but the
	// private endpoints need credentials either way.
	if c.Exchange.APIKey == "" {
		add("exchange: api_key must be set")
	}
	if c.Exchange.APISecret == "" && c.Exchange.SecretFile == "" {
		add("exchange: either api_secret or secret_file must be set")
	}
	if c.Exchange.SecretFile != "" && c.Exchange.APISecret == "" && c.Exchange.SecretPassword == "" {
		add("exchange: secret_password is required when secret_file is set")
	}
	if len(c.Exchange.Symbols) == 0 {
		add("exchange: symbols must not be empty")
	}
	if c.Exchange.PriceMaxAge.Duration <= 0 {
		add("exchange: price_max_age must be > 0")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}
	if c.Intake.Enabled && !c.Redis.Enabled {
		add("intake: requires redis.enabled")
	}
	if c.Intake.Enabled && c.Intake.Stream == "" {
		add("intake: stream must not be empty")
	}

	if c.Archive.Enabled {
		if !c.S3.Enabled {
			add("archive: requires s3.enabled")
		}
		if c.Archive.Schedule == "" {
			add("archive: schedule must not be empty")
		}
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	if c.Risk.MaxOpenPositions < 1 {
		add("risk: max_open_positions must be >= 1")
	}
	hundred := decimal.NewFromInt(100)
	if !c.Risk.MaxPositionPct.IsPositive() || c.Risk.MaxPositionPct.GreaterThan(hundred) {
		add("risk: max_position_pct must be in (0, 100]")
	}
	if c.Risk.MaxExposurePct.LessThan(c.Risk.MaxPositionPct.Decimal) {
		add("risk: max_exposure_pct must be >= max_position_pct")
	}
	checkBounds := func(name string, b LeverageBounds) {
		if b.Min.LessThan(decimal.NewFromInt(1)) || b.Max.LessThan(b.Min.Decimal) {
			add("risk: %s leverage bounds [%s, %s] invalid", name, b.Min, b.Max)
		}
	}
	checkBounds("default", c.Risk.Leverage)
	for sym, b := range c.Risk.Symbols {
		checkBounds(sym, b)
	}

	if c.Protection.PriceInterval.Duration <= 0 || c.Protection.EmergencyInterval.Duration <= 0 {
		add("protection: price_interval and emergency_interval must be > 0")
	}
	if c.Protection.EmergencyInterval.Duration > c.Protection.PriceInterval.Duration {
		add("protection: emergency_interval must not exceed price_interval")
	}
	if !c.Protection.EmergencyLossPct.IsPositive() {
		add("protection: emergency_loss_pct must be > 0")
	}
	if c.Protection.Confirmations < 1 {
		add("protection: confirmations must be >= 1")
	}

	if !c.Breaker.ThresholdPct.IsPositive() || c.Breaker.ThresholdPct.GreaterThanOrEqual(hundred) {
		add("breaker: threshold_pct must be in (0, 100)")
	}
	if _, err := time.LoadLocation(c.Breaker.Timezone); err != nil {
		add("breaker: timezone %q: %v", c.Breaker.Timezone, err)
	}

	if c.Reconcile.Interval.Duration <= 0 {
		add("reconcile: interval must be > 0")
	}
	if c.Reconcile.TolerancePct.IsNegative() {
		add("reconcile: tolerance_pct must be >= 0")
	}

	if c.Executor.MaxAttempts < 1 {
		add("executor: max_attempts must be >= 1")
	}
	if c.Executor.RequestsPerSec <= 0 {
		add("executor: requests_per_sec must be > 0")
	}
	if c.Executor.CallTimeout.Duration <= 0 {
		add("executor: call_timeout must be > 0")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if !validSeverities[strings.ToLower(c.Notify.MinSeverity)] {
		add("notify: unknown min_severity %q (valid: info, warning, critical)", c.Notify.MinSeverity)
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
