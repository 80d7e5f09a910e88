package config

const redacted = "***"

// RedactedConfig returns a copy of the config with secret values replaced by a
// placeholder, suitable for logging at startup.
func RedactedConfig(cfg Config) Config {
	out := cfg

	if out.Decider.AuthToken != "" {
		out.Decider.AuthToken = redacted
	}
	if out.Postgres.DSN != "" {
		out.Postgres.DSN = redacted
	}
	if out.Postgres.Password != "" {
		out.Postgres.Password = redacted
	}
	if out.Redis.Password != "" {
		out.Redis.Password = redacted
	}
	if out.S3.AccessKey != "" {
		out.S3.AccessKey = redacted
	}
	if out.S3.SecretKey != "" {
		out.S3.SecretKey = redacted
	}
	if out.Server.APIKey != "" {
		out.Server.APIKey = redacted
	}
	if out.Notify.TelegramToken != "" {
		out.Notify.TelegramToken = redacted
	}
	if out.Notify.DiscordWebhookURL != "" {
		out.Notify.DiscordWebhookURL = redacted
	}

	// Copy slices so later mutation of the original does not leak through.
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Profiles = append([]ProfileConfig(nil), cfg.Profiles...)

	return out
}
