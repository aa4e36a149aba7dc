package config

import "maps"

const redacted = "***"

// RedactedConfig returns a copy of cfg with credentials replaced by "***",
// safe to log. Slices and maps are copied so the result shares nothing
// mutable with cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Exchange.APIKey)
	redact(&out.Exchange.APISecret)
	redact(&out.Exchange.SecretPassword)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Exchange.Symbols = append([]string(nil), cfg.Exchange.Symbols...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Risk.Symbols = maps.Clone(cfg.Risk.Symbols)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
