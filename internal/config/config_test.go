package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":9090")
	}
	if cfg.DefaultMaxDevices != 3 {
		t.Errorf("DefaultMaxDevices = %d, want 3", cfg.DefaultMaxDevices)
	}
	if cfg.InactivityWindowDefault() != 168*time.Hour {
		t.Errorf("InactivityWindowDefault = %v, want 168h", cfg.InactivityWindowDefault())
	}
	if cfg.AdmissionMode != AdmissionModeAdvisory {
		t.Errorf("AdmissionMode = %q, want advisory", cfg.AdmissionMode)
	}
	if cfg.AuthAdminPermission != "sessions:admin" {
		t.Errorf("AuthAdminPermission = %q, want sessions:admin", cfg.AuthAdminPermission)
	}
	if cfg.IdPTokenFetchAttempts != 3 {
		t.Errorf("IdPTokenFetchAttempts = %d, want 3", cfg.IdPTokenFetchAttempts)
	}
	if cfg.SessionEventsTopic != "devicegate-session-events" {
		t.Errorf("SessionEventsTopic = %q, want default", cfg.SessionEventsTopic)
	}
	if cfg.DeviceCookieName != "device_id" {
		t.Errorf("DeviceCookieName = %q, want device_id", cfg.DeviceCookieName)
	}
	if cfg.SweepInterval() != 0 {
		t.Errorf("SweepInterval = %v, want disabled", cfg.SweepInterval())
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("HTTP_ADDR", ":7070")
	os.Setenv("DEFAULT_MAX_DEVICES", "5")
	os.Setenv("ADMISSION_MODE", "STRICT")
	os.Setenv("IDP_DOMAIN", "tenant.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":7070")
	}
	if cfg.DefaultMaxDevices != 5 {
		t.Errorf("DefaultMaxDevices = %d, want 5", cfg.DefaultMaxDevices)
	}
	if !cfg.StrictAdmission() {
		t.Error("StrictAdmission should be true for ADMISSION_MODE=STRICT")
	}
	if cfg.IdPBase() != "https://tenant.example.com" {
		t.Errorf("IdPBase = %q", cfg.IdPBase())
	}
	if cfg.IdPAudienceOrDefault() != "https://tenant.example.com/api/v2/" {
		t.Errorf("IdPAudienceOrDefault = %q", cfg.IdPAudienceOrDefault())
	}
}

func TestLoad_InvalidAdmissionMode(t *testing.T) {
	os.Clearenv()
	os.Setenv("ADMISSION_MODE", "queue")

	if _, err := Load(); err == nil {
		t.Fatal("Load with ADMISSION_MODE=queue should return error")
	}
}

func TestLoad_NegativeMaxDevices(t *testing.T) {
	os.Clearenv()
	os.Setenv("DEFAULT_MAX_DEVICES", "-1")

	if _, err := Load(); err == nil {
		t.Fatal("Load with negative DEFAULT_MAX_DEVICES should return error")
	}
}

func TestIdPBase_OverrideWins(t *testing.T) {
	cfg := &Config{IdPDomain: "tenant.example.com", IdPBaseURL: "http://127.0.0.1:9999/"}
	if got := cfg.IdPBase(); got != "http://127.0.0.1:9999" {
		t.Errorf("IdPBase = %q, want override without trailing slash", got)
	}
	empty := &Config{}
	if got := empty.IdPBase(); got != "" {
		t.Errorf("IdPBase = %q, want empty", got)
	}
	if got := empty.IdPAudienceOrDefault(); got != "" {
		t.Errorf("IdPAudienceOrDefault = %q, want empty", got)
	}
}

func TestDurationHelpers_Fallbacks(t *testing.T) {
	testCases := []struct {
		name string
		got  func(*Config) time.Duration
		cfg  Config
		want time.Duration
	}{
		{"idp timeout valid", (*Config).IdPCallTimeout, Config{IdPTimeout: "2s"}, 2 * time.Second},
		{"idp timeout invalid", (*Config).IdPCallTimeout, Config{IdPTimeout: "soon"}, 5 * time.Second},
		{"refresh margin zero", (*Config).IdPRefreshMargin, Config{IdPTokenRefreshMargin: "0s"}, time.Minute},
		{"settings ttl negative", (*Config).SettingsTTL, Config{SettingsCacheTTL: "-5s"}, 15 * time.Second},
		{"cookie ttl valid", (*Config).DeviceCookieTTL, Config{DeviceCookieMaxAge: "24h"}, 24 * time.Hour},
		{"sweep enabled", (*Config).SweepInterval, Config{InactivitySweepInterval: "30m"}, 30 * time.Minute},
		{"sweep invalid", (*Config).SweepInterval, Config{InactivitySweepInterval: "often"}, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			if got := tc.got(&cfg); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestKafkaBrokersList(t *testing.T) {
	cfg := &Config{KafkaBrokers: " a:9092, ,b:9092 "}
	want := []string{"a:9092", "b:9092"}
	if got := cfg.KafkaBrokersList(); !reflect.DeepEqual(got, want) {
		t.Errorf("KafkaBrokersList = %v, want %v", got, want)
	}
	var nilCfg *Config
	if got := nilCfg.KafkaBrokersList(); got != nil {
		t.Errorf("nil config KafkaBrokersList = %v, want nil", got)
	}
}

func TestSecureCookies(t *testing.T) {
	if (&Config{Env: "development"}).SecureCookies() {
		t.Error("development should not force secure cookies")
	}
	if !(&Config{Env: "production"}).SecureCookies() {
		t.Error("production must force secure cookies")
	}
}
