package config

import "slices"

// RedactedConfig returns a copy of cfg with every secret replaced by "***",
// for logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Gateway.APIKey)
	redact(&out.Gateway.APISecret)
	redact(&out.Gateway.APIPassphrase)
	redact(&out.Gateway.SecretPass)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Slices are copied so the redacted view cannot alias the original.
	out.Feed.Instruments = slices.Clone(cfg.Feed.Instruments)
	out.Breaker.ReactivationPhaseSizes = slices.Clone(cfg.Breaker.ReactivationPhaseSizes)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
