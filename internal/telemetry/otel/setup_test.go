package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"devicegate/internal/config"
)

func TestNewProviders_EmptyEndpointIsNoop(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"", "   "} {
		providers, err := NewProviders(ctx, Options{Endpoint: endpoint, ServiceName: "devicegate-test"})
		if err != nil {
			t.Fatalf("NewProviders(%q): %v", endpoint, err)
		}
		if providers.TracerProvider == nil || providers.MeterProvider == nil || providers.LoggerProvider == nil {
			t.Fatalf("NewProviders(%q) returned nil providers", endpoint)
		}
		if err := providers.Shutdown(ctx); err != nil {
			t.Errorf("no-op shutdown: %v", err)
		}
		if err := providers.Shutdown(ctx); err != nil {
			t.Errorf("second shutdown: %v", err)
		}
	}
}

func TestNewProviders_ResourceIdentifiesService(t *testing.T) {
	providers, err := NewProviders(context.Background(), Options{ServiceName: "devicegate-api", Environment: "staging"})
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	want := map[string]string{
		string(semconv.ServiceNameKey):               "devicegate-api",
		string(semconv.ServiceNamespaceKey):          "devicegate",
		string(semconv.DeploymentEnvironmentNameKey): "staging",
	}
	got := map[string]string{}
	for _, kv := range providers.Resource.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("resource %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestNewProviders_DefaultServiceName(t *testing.T) {
	providers, err := NewProviders(context.Background(), Options{})
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	for _, kv := range providers.Resource.Attributes() {
		if kv.Key == semconv.ServiceNameKey && kv.Value.Emit() != "devicegate" {
			t.Errorf("service.name = %q, want devicegate", kv.Value.Emit())
		}
	}
}

func TestNewProviders_InvalidURL(t *testing.T) {
	testCases := []struct {
		name     string
		endpoint string
	}{
		{"invalid characters", "://invalid"},
		{"malformed URL", "http://[invalid"},
		{"missing host", "http://"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewProviders(context.Background(), Options{Endpoint: tc.endpoint}); err == nil {
				t.Errorf("NewProviders(%q) should return error", tc.endpoint)
			}
		})
	}
}

func TestNewProviders_EndpointWithoutScheme(t *testing.T) {
	// The gRPC exporters dial lazily, so construction succeeds without a collector.
	providers, err := NewProviders(context.Background(), Options{Endpoint: "localhost:4317/v1/traces"})
	if err != nil {
		t.Skipf("exporter construction failed in this environment: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = providers.Shutdown(ctx)
}

func TestGRPCTarget(t *testing.T) {
	testCases := []struct {
		endpoint     string
		wantTarget   string
		wantInsecure bool
	}{
		{"localhost:4317", "localhost:4317", true},
		{"http://collector:4317/v1/traces", "collector:4317", true},
		{"https://collector.example.com:4317", "collector.example.com:4317", false},
	}
	for _, tc := range testCases {
		target, insecure, err := grpcTarget(tc.endpoint)
		if err != nil {
			t.Fatalf("grpcTarget(%q): %v", tc.endpoint, err)
		}
		if target != tc.wantTarget || insecure != tc.wantInsecure {
			t.Errorf("grpcTarget(%q) = %q, %v; want %q, %v", tc.endpoint, target, insecure, tc.wantTarget, tc.wantInsecure)
		}
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		OTLPEndpoint: "collector:4317",
		OTLPInsecure: true,
		ServiceName:  "devicegate-worker",
		Env:          "production",
	}
	opts := OptionsFromConfig(cfg)
	if opts.Endpoint != "collector:4317" || !opts.Insecure || opts.ServiceName != "devicegate-worker" || opts.Environment != "production" {
		t.Errorf("OptionsFromConfig = %+v", opts)
	}
}

func TestSetGlobal(t *testing.T) {
	ctx := context.Background()
	providers, err := NewProviders(ctx, Options{})
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	oldTracerProvider := otel.GetTracerProvider()
	oldMeterProvider := otel.GetMeterProvider()
	defer func() {
		otel.SetTracerProvider(oldTracerProvider)
		otel.SetMeterProvider(oldMeterProvider)
	}()

	providers.SetGlobal()

	if otel.GetTracerProvider() != providers.TracerProvider {
		t.Error("TracerProvider should be installed")
	}
	if otel.GetMeterProvider() != providers.MeterProvider {
		t.Error("MeterProvider should be installed")
	}
}
