package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradecore.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() Config {
	cfg := Defaults()
	cfg.Exchange.APIKey = "key"
	cfg.Exchange.APISecret = "secret"
	return cfg
}

func TestDefaultsNeedOnlyCredentials(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	bare := Defaults()
	err := bare.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange: api_key must be set")
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Chdir(t.TempDir()) // keep a developer .env out of the test
	path := writeTOML(t, `
mode = "monitor"

[exchange]
api_key = "from-file"
api_secret = "s"
symbols = ["SOLUSDT"]

[risk]
max_exposure_pct = 60.0

[risk.symbols.BTCUSDT]
min = 2.0
max = 40.0

[protection]
price_interval = "3s"
`)
	t.Setenv("TRADECORE_EXCHANGE_API_KEY", "from-env")
	t.Setenv("TRADECORE_EXCHANGE_SYMBOLS", "BTCUSDT, ETHUSDT,")
	t.Setenv("TRADECORE_RECONCILE_INTERVAL", "90s")
	t.Setenv("TRADECORE_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "from-env", cfg.Exchange.APIKey)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Exchange.Symbols)
	assert.Equal(t, "60", cfg.Risk.MaxExposurePct.String())
	assert.Equal(t, "25", cfg.Risk.MaxPositionPct.String(), "untouched keys keep defaults")
	assert.Equal(t, "2", cfg.Risk.Symbols["BTCUSDT"].Min.String())
	assert.Equal(t, "40", cfg.Risk.Symbols["BTCUSDT"].Max.String())
	assert.Equal(t, 3*time.Second, cfg.Protection.PriceInterval.Duration)
	assert.Equal(t, 90*time.Second, cfg.Reconcile.Interval.Duration)
	assert.Equal(t, 8000, cfg.Server.Port, "unparseable override is ignored")
}

func TestLoad_UnknownKey(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load(writeTOML(t, "[risk]\nmax_exposure = 60.0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk.max_exposure")
}

func TestLoad_PercentagesAreExact(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeTOML(t, `
[protection]
emergency_loss_pct = 12.5

[breaker]
threshold_pct = "7.25"

[reconcile]
tolerance_pct = 0.1

[risk]
leverage = { min = 1, max = "12.5" }
`)
	t.Setenv("TRADECORE_RISK_MAX_POSITION_PCT", "33.3")
	t.Setenv("TRADECORE_RISK_MAX_EXPOSURE_PCT", "lots")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "12.5", cfg.Protection.EmergencyLossPct.String())
	assert.Equal(t, "7.25", cfg.Breaker.ThresholdPct.String())
	assert.Equal(t, "0.1", cfg.Reconcile.TolerancePct.String())
	assert.Equal(t, "1", cfg.Risk.Leverage.Min.String())
	assert.Equal(t, "12.5", cfg.Risk.Leverage.Max.String())
	assert.Equal(t, "33.3", cfg.Risk.MaxPositionPct.String())
	assert.Equal(t, "80", cfg.Risk.MaxExposurePct.String(), "unparseable override is ignored")
}

func TestLoad_BadDecimal(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load(writeTOML(t, "[breaker]\nthreshold_pct = \"seven\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seven")
}

func TestLoad_BadDuration(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load(writeTOML(t, "[reconcile]\ninterval = \"soon\"\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mode", func(c *Config) { c.Mode = "full" }, "unknown mode"},
		{"secret file without password", func(c *Config) {
			c.Exchange.APISecret = ""
			c.Exchange.SecretFile = "/etc/tradecore/secret.json"
		}, "secret_password is required"},
		{"exposure below position", func(c *Config) { c.Risk.MaxExposurePct = NewDecimal(10) }, "max_exposure_pct"},
		{"symbol leverage", func(c *Config) {
			c.Risk.Symbols = map[string]LeverageBounds{"ETHUSDT": {Min: NewDecimal(10), Max: NewDecimal(5)}}
		}, "ETHUSDT leverage bounds [10, 5]"},
		{"threshold", func(c *Config) { c.Breaker.ThresholdPct = NewDecimal(100) }, "threshold_pct"},
		{"negative tolerance", func(c *Config) { c.Reconcile.TolerancePct = NewDecimal(-1) }, "tolerance_pct"},
		{"emergency slower than watch", func(c *Config) {
			c.Protection.EmergencyInterval.Duration = 5 * time.Second
		}, "emergency_interval must not exceed"},
		{"timezone", func(c *Config) { c.Breaker.Timezone = "Mars/Olympus" }, "breaker: timezone"},
		{"intake without redis", func(c *Config) { c.Intake.Enabled = true }, "intake: requires redis"},
		{"archive without s3", func(c *Config) { c.Archive.Enabled = true }, "archive: requires s3"},
		{"telegram half set", func(c *Config) { c.Notify.TelegramToken = "t" }, "telegram_token and telegram_chat_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg"
	cfg.Server.APIKey = "api"
	cfg.Risk.Symbols = map[string]LeverageBounds{"BTCUSDT": {Min: NewDecimal(1), Max: NewDecimal(10)}}

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Exchange.APISecret)
	assert.Equal(t, redacted, out.Postgres.Password)
	assert.Equal(t, redacted, out.Server.APIKey)
	assert.Empty(t, out.Notify.TelegramToken, "empty secrets stay empty")

	out.Risk.Symbols["ETHUSDT"] = LeverageBounds{}
	out.Exchange.Symbols[0] = "XRPUSDT"
	assert.NotContains(t, cfg.Risk.Symbols, "ETHUSDT")
	assert.Equal(t, "BTCUSDT", cfg.Exchange.Symbols[0])
	assert.Equal(t, "secret", cfg.Exchange.APISecret)
}
