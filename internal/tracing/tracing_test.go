package tracing

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/burstgate/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, "test")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_EnabledWithoutEndpoint(t *testing.T) {
	if _, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true}, "test"); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestProtocolOf(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "grpc"},
		{"grpc", "grpc"},
		{"HTTP", "http"},
		{"http", "http"},
		{"bogus", "grpc"},
	}
	for _, tt := range tests {
		if got := protocolOf(config.TelemetryConfig{Protocol: tt.in}); got != tt.want {
			t.Errorf("protocolOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Exporter construction is lazy about connecting, so this runs without a collector.
func TestSetup_EnabledBuildsProvider(t *testing.T) {
	for _, proto := range []string{"grpc", "http"} {
		t.Run(proto, func(t *testing.T) {
			cfg := config.TelemetryConfig{Enabled: true, Endpoint: "127.0.0.1:4317", Protocol: proto, Insecure: true}
			shutdown, err := Setup(context.Background(), cfg, "test")
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			shutdown(ctx)
		})
	}
}
