package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":9090")
	}
	if cfg.JWTIssuer != "remotecast-auth" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "remotecast-auth")
	}
	if cfg.BcryptCost != 10 {
		t.Errorf("BcryptCost = %d, want 10", cfg.BcryptCost)
	}
	if cfg.PairingRateLimit != 5 {
		t.Errorf("PairingRateLimit = %d, want 5", cfg.PairingRateLimit)
	}
	if cfg.PairingSuspiciousThreshold != 10 {
		t.Errorf("PairingSuspiciousThreshold = %d, want 10", cfg.PairingSuspiciousThreshold)
	}
	if cfg.CommandRateLimit != 60 {
		t.Errorf("CommandRateLimit = %d, want 60", cfg.CommandRateLimit)
	}
	if cfg.PairingURIScheme != "app" {
		t.Errorf("PairingURIScheme = %q, want %q", cfg.PairingURIScheme, "app")
	}
	if got := cfg.SessionTTL(); got != 60*time.Minute {
		t.Errorf("SessionTTL() = %v, want 60m", got)
	}
	if got := cfg.SessionStaleWindow(); got != 30*time.Minute {
		t.Errorf("SessionStaleWindow() = %v, want 30m", got)
	}
	if got := cfg.CommandRateWindow(); got != time.Minute {
		t.Errorf("CommandRateWindow() = %v, want 1m", got)
	}
	if got := cfg.PairingCodeTTL(); got != 5*time.Minute {
		t.Errorf("PairingCodeTTL() = %v, want 5m", got)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	t.Setenv("HTTP_ADDR", ":7070")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("COMMAND_RATE_LIMIT", "10")
	t.Setenv("BCRYPT_COST", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":7070")
	}
	if got := cfg.SessionTTL(); got != 2*time.Hour {
		t.Errorf("SessionTTL() = %v, want 2h", got)
	}
	if cfg.CommandRateLimit != 10 {
		t.Errorf("CommandRateLimit = %d, want 10", cfg.CommandRateLimit)
	}
	if cfg.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.BcryptCost)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bcrypt too low", map[string]string{"BCRYPT_COST": "3"}},
		{"bcrypt too high", map[string]string{"BCRYPT_COST": "32"}},
		{"suspicious below limit", map[string]string{"PAIRING_RATE_LIMIT": "5", "PAIRING_SUSPICIOUS_THRESHOLD": "4"}},
		{"zero command limit", map[string]string{"COMMAND_RATE_LIMIT": "0"}},
		{"scheme with separator", map[string]string{"PAIRING_URI_SCHEME": "app://"}},
		{"production without key", map[string]string{"APP_ENV": "production"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load should fail")
			}
		})
	}
}

func TestDurationHelpers_FallBackOnInvalid(t *testing.T) {
	cfg := &Config{
		SessionTTLStr:         "not-a-duration",
		SessionStaleWindowStr: "-5m",
		AuthFailureWindowStr:  "",
		CleanupIntervalStr:    "90s",
	}
	if got := cfg.SessionTTL(); got != time.Hour {
		t.Errorf("SessionTTL() = %v, want 1h", got)
	}
	if got := cfg.SessionStaleWindow(); got != 30*time.Minute {
		t.Errorf("SessionStaleWindow() = %v, want 30m", got)
	}
	if got := cfg.AuthFailureWindow(); got != 15*time.Minute {
		t.Errorf("AuthFailureWindow() = %v, want 15m", got)
	}
	if got := cfg.CleanupInterval(); got != 90*time.Second {
		t.Errorf("CleanupInterval() = %v, want 90s", got)
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{WSAllowedOrigins: " https://a.example , ,https://b.example"}
	got := cfg.AllowedOrigins()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("AllowedOrigins() = %v", got)
	}
	var nilCfg *Config
	if nilCfg.AllowedOrigins() != nil {
		t.Error("nil config should yield nil origins")
	}
}

func TestAdmins(t *testing.T) {
	cfg := &Config{AdminUserIDs: "u-1, u-2,"}
	got := cfg.Admins()
	if len(got) != 2 || got[0] != "u-1" || got[1] != "u-2" {
		t.Errorf("Admins() = %v", got)
	}
	if (&Config{}).Admins() != nil {
		t.Error("empty ADMIN_USER_IDS should yield no admins")
	}
}
