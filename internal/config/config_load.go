package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxMessageChars: 32000,
		},
		Debounce: DebounceConfig{
			QuietMs:        10000,
			FlushTimeoutMs: 30000,
		},
		Buffer: BufferConfig{
			Backend:   "redis",
			KeyPrefix: "burstgate:buf:",
			Redis: RedisConfig{
				Host: "127.0.0.1",
				Port: 6379,
			},
			SQLitePath: "burstgate.db",
		},
		Webhook: WebhookConfig{
			TimeoutMs: 15000,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "burstgate",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; BURSTGATE_* wins over the
// legacy names (PORT, REDIS_*, WEBHOOK_URL).
func (c *Config) applyEnvOverrides() {
	envStr := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				*dst = v
				return
			}
		}
	}
	envInt := func(dst *int, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					*dst = n
				}
				return
			}
		}
	}
	envBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Gateway
	envStr(&c.Gateway.Host, "BURSTGATE_HOST")
	envInt(&c.Gateway.Port, "BURSTGATE_PORT", "PORT")
	envStr(&c.Gateway.Token, "BURSTGATE_TOKEN")
	envInt(&c.Gateway.RateLimitRPM, "BURSTGATE_RATE_LIMIT_RPM")
	envInt(&c.Gateway.MaxMessageChars, "BURSTGATE_MAX_MESSAGE_CHARS")
	if v := os.Getenv("BURSTGATE_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}

	// Debounce
	envInt(&c.Debounce.QuietMs, "BURSTGATE_DEBOUNCE_MS")
	envInt(&c.Debounce.FlushTimeoutMs, "BURSTGATE_FLUSH_TIMEOUT_MS")
	if v := os.Getenv("BURSTGATE_FLUSH_ON_SHUTDOWN"); v != "" {
		b := v == "true" || v == "1"
		c.Debounce.FlushOnShutdown = &b
	}

	// Buffer store
	envStr(&c.Buffer.Backend, "BURSTGATE_BUFFER_BACKEND")
	if v, ok := os.LookupEnv("BURSTGATE_KEY_PREFIX"); ok {
		c.Buffer.KeyPrefix = v
	}
	envStr(&c.Buffer.Redis.Host, "BURSTGATE_REDIS_HOST", "REDIS_HOST")
	envInt(&c.Buffer.Redis.Port, "BURSTGATE_REDIS_PORT", "REDIS_PORT")
	envStr(&c.Buffer.Redis.Password, "BURSTGATE_REDIS_PASSWORD", "REDIS_PASSWORD")
	envInt(&c.Buffer.Redis.DB, "BURSTGATE_REDIS_DB", "REDIS_DB")
	envStr(&c.Buffer.PostgresDSN, "BURSTGATE_POSTGRES_DSN")
	envStr(&c.Buffer.SQLitePath, "BURSTGATE_SQLITE_PATH")

	// Webhook
	envStr(&c.Webhook.URL, "BURSTGATE_WEBHOOK_URL", "WEBHOOK_URL")
	envStr(&c.Webhook.Token, "BURSTGATE_WEBHOOK_TOKEN")
	envInt(&c.Webhook.TimeoutMs, "BURSTGATE_WEBHOOK_TIMEOUT_MS")

	// Telemetry
	envStr(&c.Telemetry.Endpoint, "BURSTGATE_TELEMETRY_ENDPOINT")
	envStr(&c.Telemetry.Protocol, "BURSTGATE_TELEMETRY_PROTOCOL")
	envStr(&c.Telemetry.ServiceName, "BURSTGATE_TELEMETRY_SERVICE_NAME")
	envBool(&c.Telemetry.Enabled, "BURSTGATE_TELEMETRY_ENABLED")
	envBool(&c.Telemetry.Insecure, "BURSTGATE_TELEMETRY_INSECURE")
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks the settings needed to serve. The webhook URL is only required
// when requireWebhook is set (doctor and migrate run without one).
func (c *Config) Validate(requireWebhook bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	switch c.Buffer.Backend {
	case "memory", "redis":
	case "postgres":
		if c.Buffer.PostgresDSN == "" {
			problems = append(problems, "buffer.backend=postgres requires BURSTGATE_POSTGRES_DSN")
		}
	case "sqlite":
		if c.Buffer.SQLitePath == "" {
			problems = append(problems, "buffer.backend=sqlite requires buffer.sqlite_path")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown buffer.backend %q", c.Buffer.Backend))
	}
	if c.Debounce.QuietMs <= 0 {
		problems = append(problems, "debounce.quiet_ms must be positive")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		problems = append(problems, fmt.Sprintf("gateway.port %d out of range", c.Gateway.Port))
	}
	if requireWebhook {
		if c.Webhook.URL == "" {
			problems = append(problems, "webhook.url is required (WEBHOOK_URL)")
		} else if u, err := url.Parse(c.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("webhook.url %q is not an http(s) URL", c.Webhook.URL))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

const secretMask = "***"

// MaskedCopy returns a copy of the config with all secret fields masked.
// Used by doctor to print the effective configuration.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	// Secrets are json:"-", so copy them across masked.
	cp.Gateway.Token = masked(c.Gateway.Token)
	cp.Buffer.Redis.Password = masked(c.Buffer.Redis.Password)
	cp.Buffer.PostgresDSN = masked(c.Buffer.PostgresDSN)
	cp.Webhook.Token = masked(c.Webhook.Token)
	return cp
}

func masked(s string) string {
	if s == "" {
		return ""
	}
	return secretMask
}
