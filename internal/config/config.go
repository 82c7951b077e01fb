package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the burstgate gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Debounce  DebounceConfig  `json:"debounce"`
	Buffer    BufferConfig    `json:"buffer"`
	Webhook   WebhookConfig   `json:"webhook"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the HTTP listener and ingress limits.
type GatewayConfig struct {
	Host            string              `json:"host"`
	Port            int                 `json:"port"`
	Token           string              `json:"-"`                           // bearer token for ingress/admin, env BURSTGATE_TOKEN only
	AllowedOrigins  FlexibleStringSlice `json:"allowed_origins,omitempty"`   // WebSocket CORS whitelist (empty = allow all)
	MaxMessageChars int                 `json:"max_message_chars,omitempty"` // max characters per message (default 32000, <0 = unlimited)
	RateLimitRPM    int                 `json:"rate_limit_rpm,omitempty"`    // per-sender messages per minute (0 = disabled)
}

// DebounceConfig configures the quiet interval and flush behavior.
type DebounceConfig struct {
	QuietMs         int   `json:"quiet_ms"`                    // quiet interval D (default 10000)
	FlushTimeoutMs  int   `json:"flush_timeout_ms,omitempty"`  // bound on drain + deliver (default 30000)
	FlushOnShutdown *bool `json:"flush_on_shutdown,omitempty"` // flush pending keys on shutdown (default true)
}

// Quiet returns the quiet interval as a duration.
func (d DebounceConfig) Quiet() time.Duration {
	return time.Duration(d.QuietMs) * time.Millisecond
}

// FlushTimeout returns the per-flush timeout as a duration.
func (d DebounceConfig) FlushTimeout() time.Duration {
	return time.Duration(d.FlushTimeoutMs) * time.Millisecond
}

// ShouldFlushOnShutdown reports whether pending keys are flushed on shutdown.
func (d DebounceConfig) ShouldFlushOnShutdown() bool {
	return d.FlushOnShutdown == nil || *d.FlushOnShutdown
}

// BufferConfig selects and configures the pending-message store.
// Secrets (Redis password, Postgres DSN) are never read from config.json, only from env.
type BufferConfig struct {
	Backend     string      `json:"backend"`               // "redis" (default), "memory", "postgres" or "sqlite"
	KeyPrefix   string      `json:"key_prefix,omitempty"`  // prepended to every Redis key
	Redis       RedisConfig `json:"redis,omitempty"`
	PostgresDSN string      `json:"-"`                     // from env BURSTGATE_POSTGRES_DSN only
	SQLitePath  string      `json:"sqlite_path,omitempty"` // database file for the sqlite backend (default "burstgate.db")
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"-"` // from env REDIS_PASSWORD / BURSTGATE_REDIS_PASSWORD only
	DB       int    `json:"db,omitempty"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// WebhookConfig configures the outbound notification endpoint.
type WebhookConfig struct {
	URL       string            `json:"url"`
	Token     string            `json:"-"`                    // bearer token, env BURSTGATE_WEBHOOK_TOKEN only
	TimeoutMs int               `json:"timeout_ms,omitempty"` // per-delivery timeout (default 15000)
	Headers   map[string]string `json:"headers,omitempty"`    // static headers added to every delivery
}

// Timeout returns the delivery timeout as a duration.
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutMs) * time.Millisecond
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "burstgate")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}
