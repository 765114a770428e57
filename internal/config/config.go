// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Admission modes accepted by ADMISSION_MODE.
const (
	AdmissionModeAdvisory = "advisory"
	AdmissionModeStrict   = "strict"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production"). Production forces secure cookies.
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is json or console.
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// IdPDomain is the identity provider tenant domain (e.g. tenant.eu.auth0.com).
	IdPDomain string `mapstructure:"IDP_DOMAIN"`
	// IdPBaseURL overrides https://{IdPDomain}; used with proxies and in tests.
	IdPBaseURL string `mapstructure:"IDP_BASE_URL"`
	// IdPClientID and IdPClientSecret are the client-credentials pair for the management API.
	IdPClientID     string `mapstructure:"IDP_CLIENT_ID"`
	IdPClientSecret string `mapstructure:"IDP_CLIENT_SECRET"`
	// IdPAudience is the audience requested for management API credentials. Defaults to {base}/api/v2/.
	IdPAudience string `mapstructure:"IDP_AUDIENCE"`
	// IdPTimeout bounds each management API call (e.g. "5s").
	IdPTimeout string `mapstructure:"IDP_TIMEOUT"`
	// IdPTokenRefreshMargin is how long before expiry the cached credential is refreshed (e.g. "1m").
	IdPTokenRefreshMargin string `mapstructure:"IDP_TOKEN_REFRESH_MARGIN"`
	// IdPTokenFetchAttempts is the number of credential fetch attempts before giving up.
	IdPTokenFetchAttempts int `mapstructure:"IDP_TOKEN_FETCH_ATTEMPTS"`

	// AuthJWTPublicKey is the PEM-encoded public key or path to file that verifies caller access tokens.
	AuthJWTPublicKey string `mapstructure:"AUTH_JWT_PUBLIC_KEY"`
	// AuthJWTIssuer is the required iss claim on caller tokens.
	AuthJWTIssuer string `mapstructure:"AUTH_JWT_ISSUER"`
	// AuthJWTAudience is the required aud claim on caller tokens.
	AuthJWTAudience string `mapstructure:"AUTH_JWT_AUDIENCE"`
	// AuthAdminPermission is the permission that grants administrative revocation.
	AuthAdminPermission string `mapstructure:"AUTH_ADMIN_PERMISSION"`

	// DefaultMaxDevices is the device limit used when app_settings has no row.
	DefaultMaxDevices int `mapstructure:"DEFAULT_MAX_DEVICES"`
	// DefaultInactivityWindow is the inactivity window used when app_settings has no row (e.g. "168h").
	DefaultInactivityWindow string `mapstructure:"DEFAULT_INACTIVITY_WINDOW"`
	// AdmissionMode is "advisory" (read-then-upsert) or "strict" (transactional count-and-insert).
	AdmissionMode string `mapstructure:"ADMISSION_MODE"`

	// RedisAddr enables the settings cache when set (e.g. localhost:6379).
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional Redis password.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// SettingsCacheTTL is how long settings stay cached (e.g. "15s"). Never indefinite.
	SettingsCacheTTL string `mapstructure:"SETTINGS_CACHE_TTL"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses. Empty disables event publishing.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// SessionEventsTopic is the Kafka topic for session lifecycle events.
	SessionEventsTopic string `mapstructure:"SESSION_EVENTS_TOPIC"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the event worker pushes logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTLPEndpoint is the OTLP collector endpoint; empty yields no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is reported as service.name.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// DeviceCookieName is the cookie carrying the device id.
	DeviceCookieName string `mapstructure:"DEVICE_COOKIE_NAME"`
	// DeviceCookieMaxAge is the device cookie lifetime (e.g. "168h").
	DeviceCookieMaxAge string `mapstructure:"DEVICE_COOKIE_MAX_AGE"`
	// CORSAllowedOrigins is a comma-separated list of allowed browser origins.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// InactivitySweepInterval enables the worker's inactivity sweep when > 0 (e.g. "1h").
	InactivitySweepInterval string `mapstructure:"INACTIVITY_SWEEP_INTERVAL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	// Every key needs a default so Unmarshal sees env-only values.
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("IDP_DOMAIN", "")
	v.SetDefault("IDP_BASE_URL", "")
	v.SetDefault("IDP_CLIENT_ID", "")
	v.SetDefault("IDP_CLIENT_SECRET", "")
	v.SetDefault("IDP_AUDIENCE", "")
	v.SetDefault("IDP_TIMEOUT", "5s")
	v.SetDefault("IDP_TOKEN_REFRESH_MARGIN", "1m")
	v.SetDefault("IDP_TOKEN_FETCH_ATTEMPTS", 3)
	v.SetDefault("AUTH_JWT_PUBLIC_KEY", "")
	v.SetDefault("AUTH_JWT_ISSUER", "")
	v.SetDefault("AUTH_JWT_AUDIENCE", "")
	v.SetDefault("AUTH_ADMIN_PERMISSION", "sessions:admin")
	v.SetDefault("DEFAULT_MAX_DEVICES", 3)
	v.SetDefault("DEFAULT_INACTIVITY_WINDOW", "168h") // 7d
	v.SetDefault("ADMISSION_MODE", AdmissionModeAdvisory)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("SETTINGS_CACHE_TTL", "15s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SESSION_EVENTS_TOPIC", "devicegate-session-events")
	v.SetDefault("KAFKA_GROUP_ID", "devicegate-event-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "devicegate")
	v.SetDefault("DEVICE_COOKIE_NAME", "device_id")
	v.SetDefault("DEVICE_COOKIE_MAX_AGE", "168h")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("INACTIVITY_SWEEP_INTERVAL", "0")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.DefaultMaxDevices < 0 {
		return nil, errors.New("config: DEFAULT_MAX_DEVICES must not be negative")
	}
	cfg.AdmissionMode = strings.ToLower(strings.TrimSpace(cfg.AdmissionMode))
	if cfg.AdmissionMode != AdmissionModeAdvisory && cfg.AdmissionMode != AdmissionModeStrict {
		return nil, fmt.Errorf("config: ADMISSION_MODE must be %q or %q, got %q", AdmissionModeAdvisory, AdmissionModeStrict, cfg.AdmissionMode)
	}
	if cfg.IdPTokenFetchAttempts <= 0 {
		cfg.IdPTokenFetchAttempts = 3
	}
	if cfg.DeviceCookieName == "" {
		cfg.DeviceCookieName = "device_id"
	}

	return &cfg, nil
}

// IdPBase returns the management API origin: IDP_BASE_URL when set, otherwise https://{IDP_DOMAIN}.
// Returns "" when neither is configured.
func (c *Config) IdPBase() string {
	if c.IdPBaseURL != "" {
		return strings.TrimSuffix(c.IdPBaseURL, "/")
	}
	if c.IdPDomain == "" {
		return ""
	}
	return "https://" + strings.TrimSuffix(c.IdPDomain, "/")
}

// IdPAudienceOrDefault returns IDP_AUDIENCE, or {base}/api/v2/ when unset.
func (c *Config) IdPAudienceOrDefault() string {
	if c.IdPAudience != "" {
		return c.IdPAudience
	}
	if base := c.IdPBase(); base != "" {
		return base + "/api/v2/"
	}
	return ""
}

// IdPCallTimeout parses IdPTimeout. Returns 5s if unset or invalid.
func (c *Config) IdPCallTimeout() time.Duration {
	return parseDurationOr(c.IdPTimeout, 5*time.Second)
}

// IdPRefreshMargin parses IdPTokenRefreshMargin. Returns 1m if unset or invalid.
func (c *Config) IdPRefreshMargin() time.Duration {
	return parseDurationOr(c.IdPTokenRefreshMargin, time.Minute)
}

// InactivityWindowDefault parses DefaultInactivityWindow. Returns 168h if unset or invalid.
func (c *Config) InactivityWindowDefault() time.Duration {
	return parseDurationOr(c.DefaultInactivityWindow, 168*time.Hour)
}

// SettingsTTL parses SettingsCacheTTL. Returns 15s if unset or invalid.
func (c *Config) SettingsTTL() time.Duration {
	return parseDurationOr(c.SettingsCacheTTL, 15*time.Second)
}

// DeviceCookieTTL parses DeviceCookieMaxAge. Returns 168h if unset or invalid.
func (c *Config) DeviceCookieTTL() time.Duration {
	return parseDurationOr(c.DeviceCookieMaxAge, 168*time.Hour)
}

// SweepInterval parses InactivitySweepInterval. Returns 0 (disabled) if unset or invalid.
func (c *Config) SweepInterval() time.Duration {
	return parseDurationOr(c.InactivitySweepInterval, 0)
}

// SecureCookies reports whether cookies must carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	return c.Env == "production"
}

// StrictAdmission reports whether admission uses the transactional count-and-insert path.
func (c *Config) StrictAdmission() bool {
	return c.AdmissionMode == AdmissionModeStrict
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event publishing is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// CORSOrigins returns the allowed CORS origins.
func (c *Config) CORSOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
