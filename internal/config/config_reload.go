package config

import (
	"maps"
	"slices"
)

// HotSettings are the settings a running gateway applies without a restart.
type HotSettings struct {
	Webhook         WebhookConfig
	MaxMessageChars int
	RateLimitRPM    int
}

// Hot returns a snapshot of the hot-reloadable settings.
func (c *Config) Hot() HotSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wh := c.Webhook
	wh.Headers = maps.Clone(c.Webhook.Headers)
	return HotSettings{
		Webhook:         wh,
		MaxMessageChars: c.Gateway.MaxMessageChars,
		RateLimitRPM:    c.Gateway.RateLimitRPM,
	}
}

// ApplyReload copies the hot-reloadable settings from next into c. It returns
// the names of other settings that differ and only take effect after a restart.
func (c *Config) ApplyReload(next *Config) (restart []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Webhook = next.Webhook
	c.Webhook.Headers = maps.Clone(next.Webhook.Headers)
	c.Gateway.MaxMessageChars = next.Gateway.MaxMessageChars
	c.Gateway.RateLimitRPM = next.Gateway.RateLimitRPM

	cold := []struct {
		name string
		same bool
	}{
		{"gateway.host", c.Gateway.Host == next.Gateway.Host},
		{"gateway.port", c.Gateway.Port == next.Gateway.Port},
		{"gateway.token", c.Gateway.Token == next.Gateway.Token},
		{"gateway.allowed_origins", slices.Equal(c.Gateway.AllowedOrigins, next.Gateway.AllowedOrigins)},
		{"debounce.quiet_ms", c.Debounce.QuietMs == next.Debounce.QuietMs},
		{"debounce.flush_timeout_ms", c.Debounce.FlushTimeoutMs == next.Debounce.FlushTimeoutMs},
		{"debounce.flush_on_shutdown", c.Debounce.ShouldFlushOnShutdown() == next.Debounce.ShouldFlushOnShutdown()},
		{"buffer.backend", c.Buffer.Backend == next.Buffer.Backend},
		{"buffer.key_prefix", c.Buffer.KeyPrefix == next.Buffer.KeyPrefix},
		{"buffer.redis", c.Buffer.Redis == next.Buffer.Redis},
		{"buffer.postgres_dsn", c.Buffer.PostgresDSN == next.Buffer.PostgresDSN},
		{"buffer.sqlite_path", c.Buffer.SQLitePath == next.Buffer.SQLitePath},
		{"telemetry", c.Telemetry.Enabled == next.Telemetry.Enabled &&
			c.Telemetry.Endpoint == next.Telemetry.Endpoint &&
			c.Telemetry.Protocol == next.Telemetry.Protocol &&
			c.Telemetry.Insecure == next.Telemetry.Insecure &&
			c.Telemetry.ServiceName == next.Telemetry.ServiceName &&
			maps.Equal(c.Telemetry.Headers, next.Telemetry.Headers)},
	}
	for _, f := range cold {
		if !f.same {
			restart = append(restart, f.name)
		}
	}
	return restart
}
