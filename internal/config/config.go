// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP/websocket server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN; empty runs with in-memory stores.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is a redis:// URL for the shared pairing rate limiter; empty uses a per-process limiter.
	RedisURL string `mapstructure:"REDIS_URL"`

	// JWTPublicKey is the PEM-encoded public key or path to file used to verify user access tokens.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTPrivateKey is optional; when set the server can mint dev access tokens (cmd/seed).
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`
	JWTAudience   string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime for dev-minted tokens (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31) for device fingerprints; default 10.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// AppName and AppVersion are embedded in every pairing payload.
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	// PairingURIScheme is the custom URI scheme of the scannable payload (scheme://pair?...).
	PairingURIScheme string `mapstructure:"PAIRING_URI_SCHEME"`
	// PairingDeepLinkBase is the HTTPS universal link base (e.g. https://remotecast.app/pair).
	PairingDeepLinkBase string `mapstructure:"PAIRING_DEEP_LINK_BASE"`

	PairingCodeTTLStr          string `mapstructure:"PAIRING_CODE_TTL"`
	PairingRateLimit           int    `mapstructure:"PAIRING_RATE_LIMIT"`
	PairingRateWindowStr       string `mapstructure:"PAIRING_RATE_WINDOW"`
	PairingSuspiciousThreshold int    `mapstructure:"PAIRING_SUSPICIOUS_THRESHOLD"`
	SessionTTLStr              string `mapstructure:"SESSION_TTL"`
	SessionStaleWindowStr      string `mapstructure:"SESSION_STALE_WINDOW"`
	CommandRateLimit           int    `mapstructure:"COMMAND_RATE_LIMIT"`
	CommandRateWindowStr       string `mapstructure:"COMMAND_RATE_WINDOW"`
	AuthFailureThreshold       int    `mapstructure:"AUTH_FAILURE_THRESHOLD"`
	AuthFailureWindowStr       string `mapstructure:"AUTH_FAILURE_WINDOW"`
	AuthFailureDecayStr        string `mapstructure:"AUTH_FAILURE_DECAY"`
	CleanupIntervalStr         string `mapstructure:"CLEANUP_INTERVAL"`

	// CommandPolicyFile optionally points at a Rego module replacing the built-in command policy.
	CommandPolicyFile string `mapstructure:"COMMAND_POLICY_FILE"`
	// WSAllowedOrigins is a comma-separated Origin allowlist for the websocket endpoint; empty allows all.
	WSAllowedOrigins string `mapstructure:"WS_ALLOWED_ORIGINS"`
	// AdminUserIDs is a comma-separated list of user IDs allowed to read global auth stats.
	AdminUserIDs string `mapstructure:"ADMIN_USER_IDS"`

	// OTelEndpoint is the OTLP gRPC collector address (e.g. otel-collector:4317); empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// OTelSampleRatio is the trace sampling ratio in (0,1]; 1 samples everything.
	OTelSampleRatio float64 `mapstructure:"OTEL_TRACES_SAMPLER_ARG"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel overrides the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_ISSUER", "remotecast-auth")
	v.SetDefault("JWT_AUDIENCE", "remotecast-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("BCRYPT_COST", 10)
	v.SetDefault("APP_NAME", "RemoteCast")
	v.SetDefault("APP_VERSION", "1.0.0")
	v.SetDefault("PAIRING_URI_SCHEME", "app")
	v.SetDefault("PAIRING_DEEP_LINK_BASE", "https://remotecast.app/pair")
	v.SetDefault("PAIRING_CODE_TTL", "5m")
	v.SetDefault("PAIRING_RATE_LIMIT", 5)
	v.SetDefault("PAIRING_RATE_WINDOW", "5m")
	v.SetDefault("PAIRING_SUSPICIOUS_THRESHOLD", 10)
	v.SetDefault("SESSION_TTL", "60m")
	v.SetDefault("SESSION_STALE_WINDOW", "30m")
	v.SetDefault("COMMAND_RATE_LIMIT", 60)
	v.SetDefault("COMMAND_RATE_WINDOW", "60s")
	v.SetDefault("AUTH_FAILURE_THRESHOLD", 5)
	v.SetDefault("AUTH_FAILURE_WINDOW", "15m")
	v.SetDefault("AUTH_FAILURE_DECAY", "15m")
	v.SetDefault("CLEANUP_INTERVAL", "5m")
	v.SetDefault("COMMAND_POLICY_FILE", "")
	v.SetDefault("WS_ALLOWED_ORIGINS", "")
	v.SetDefault("ADMIN_USER_IDS", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_TRACES_SAMPLER_ARG", 1.0)
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "")
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 10
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.PairingRateLimit <= 0 {
		return errors.New("config: PAIRING_RATE_LIMIT must be positive")
	}
	if c.PairingSuspiciousThreshold < c.PairingRateLimit {
		return errors.New("config: PAIRING_SUSPICIOUS_THRESHOLD must be >= PAIRING_RATE_LIMIT")
	}
	if c.CommandRateLimit <= 0 {
		return errors.New("config: COMMAND_RATE_LIMIT must be positive")
	}
	if c.AuthFailureThreshold <= 0 {
		return errors.New("config: AUTH_FAILURE_THRESHOLD must be positive")
	}
	if c.Env == "production" && c.JWTPublicKey == "" {
		return errors.New("config: JWT_PUBLIC_KEY must be set when APP_ENV=production")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return errors.New("config: OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.PairingURIScheme == "" || strings.ContainsAny(c.PairingURIScheme, ":/?") {
		return errors.New("config: PAIRING_URI_SCHEME must be a bare scheme name")
	}
	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// AccessTTL parses JWTAccessTTL. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration { return parseDuration(c.JWTAccessTTL, 15*time.Minute) }

// PairingCodeTTL returns how long an issued pairing code stays redeemable. Default 5m.
func (c *Config) PairingCodeTTL() time.Duration {
	return parseDuration(c.PairingCodeTTLStr, 5*time.Minute)
}

// PairingRateWindow is the sliding window for pairing issuance limits. Default 5m.
func (c *Config) PairingRateWindow() time.Duration {
	return parseDuration(c.PairingRateWindowStr, 5*time.Minute)
}

// SessionTTL is the hard lifetime of a remote session. Default 60m.
func (c *Config) SessionTTL() time.Duration { return parseDuration(c.SessionTTLStr, 60*time.Minute) }

// SessionStaleWindow is the inactivity window after which a session is expired. Default 30m.
func (c *Config) SessionStaleWindow() time.Duration {
	return parseDuration(c.SessionStaleWindowStr, 30*time.Minute)
}

// CommandRateWindow is the per-connection command window. Default 60s.
func (c *Config) CommandRateWindow() time.Duration {
	return parseDuration(c.CommandRateWindowStr, 60*time.Second)
}

// AuthFailureWindow is the rolling window for failed connection attempts. Default 15m.
func (c *Config) AuthFailureWindow() time.Duration {
	return parseDuration(c.AuthFailureWindowStr, 15*time.Minute)
}

// AuthFailureDecay is the quiet period after which a credential's failure count resets. Default 15m.
func (c *Config) AuthFailureDecay() time.Duration {
	return parseDuration(c.AuthFailureDecayStr, 15*time.Minute)
}

// CleanupInterval is the period of the expired token/session sweep. Default 5m.
func (c *Config) CleanupInterval() time.Duration {
	return parseDuration(c.CleanupIntervalStr, 5*time.Minute)
}

// AllowedOrigins returns the websocket Origin allowlist from the comma-separated config.
func (c *Config) AllowedOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.WSAllowedOrigins)
}

// Admins returns the user IDs allowed to read global auth stats.
func (c *Config) Admins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.AdminUserIDs)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
