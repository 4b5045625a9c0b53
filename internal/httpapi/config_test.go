package httpapi

import (
	"testing"
	"time"
)

func TestConfigValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{JWTSigningKey: "secret"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		test.Fatalf("listen addr default missing: %q", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:8000" {
		test.Fatalf("origin default missing: %v", cfg.AllowedOrigins)
	}
	if cfg.JWTIssuer != "pulseroom" {
		test.Fatalf("issuer default missing: %q", cfg.JWTIssuer)
	}
	if cfg.RequestTimeout != 5*time.Second {
		test.Fatalf("timeout default missing: %v", cfg.RequestTimeout)
	}
	if cfg.HistoryLimit != 50 {
		test.Fatalf("history default missing: %d", cfg.HistoryLimit)
	}
}

func TestConfigValidateRequiresSigningKey(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		test.Fatalf("expected error without signing key")
	}
}

func TestConfigValidateCapsHistoryLimit(test *testing.T) {
	test.Parallel()
	cfg := Config{JWTSigningKey: "secret", HistoryLimit: 10_000}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.HistoryLimit != 200 {
		test.Fatalf("history limit not capped: %d", cfg.HistoryLimit)
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins(" https://a.example , ,https://b.example")
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		test.Fatalf("unexpected origins: %v", origins)
	}
	if got := ParseAllowedOrigins("  "); len(got) != 0 {
		test.Fatalf("expected empty slice, got %v", got)
	}
}
