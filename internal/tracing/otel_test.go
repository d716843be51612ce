package tracing

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/qqbridge/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
}

func TestHTTPEndpointURL(t *testing.T) {
	tests := []struct {
		cfg  config.TelemetryConfig
		want string
	}{
		{config.TelemetryConfig{Endpoint: "localhost:4318", Insecure: true}, "http://localhost:4318/v1/traces"},
		{config.TelemetryConfig{Endpoint: "otel.example.com:4318"}, "https://otel.example.com:4318/v1/traces"},
		{config.TelemetryConfig{Endpoint: "https://otel.example.com/custom/traces"}, "https://otel.example.com/custom/traces"},
	}
	for _, tt := range tests {
		if got := httpEndpointURL(tt.cfg); got != tt.want {
			t.Errorf("httpEndpointURL(%q) = %q, want %q", tt.cfg.Endpoint, got, tt.want)
		}
	}
}

func TestProtocolOf(t *testing.T) {
	if protocolOf(config.TelemetryConfig{Protocol: "HTTP"}) != "http" {
		t.Fatal("http protocol should be case-insensitive")
	}
	if protocolOf(config.TelemetryConfig{}) != "grpc" {
		t.Fatal("grpc is the default protocol")
	}
}
