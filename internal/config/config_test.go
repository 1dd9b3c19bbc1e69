package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr)
	}
	if cfg.RateLimit.Limit != 1000 || cfg.RateLimit.WindowSeconds != 60 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if time.Duration(cfg.AuditRetention) != 90*24*time.Hour {
		t.Fatalf("unexpected retention: %v", cfg.AuditRetention)
	}
	if cfg.AuditBackend != "sqlite" {
		t.Fatalf("unexpected audit backend: %s", cfg.AuditBackend)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"listen_addr": ":9090",
		"allowed_origins": ["https://app.example.com"],
		"token_ttl": "45m",
		"audit_retention": "720h",
		"rate_limit": {"window_seconds": 30, "limit": 100}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("file value not applied: %s", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("origins not parsed: %v", cfg.AllowedOrigins)
	}
	if time.Duration(cfg.TokenTTL) != 45*time.Minute {
		t.Fatalf("token ttl not parsed: %v", cfg.TokenTTL)
	}
	if cfg.RateLimit.Limit != 100 {
		t.Fatalf("rate limit not parsed: %d", cfg.RateLimit.Limit)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"listen_addr": ":9090"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MESHGATE_LISTEN_ADDR", ":7070")
	t.Setenv("MESHGATE_JWT_SECRET", "env-secret")
	t.Setenv("MESHGATE_RATE_LIMIT", "250")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("env should beat file, got %s", cfg.ListenAddr)
	}
	if cfg.JWTSecret != "env-secret" {
		t.Fatal("jwt secret not read from env")
	}
	if cfg.RateLimit.Limit != 250 {
		t.Fatalf("rate limit env not applied: %d", cfg.RateLimit.Limit)
	}
}

func TestWebhookSecretsFromEnv(t *testing.T) {
	t.Setenv("MESHGATE_WEBHOOK_SECRET_GITHUB", "gh")
	t.Setenv("MESHGATE_WEBHOOK_SECRET_STRIPE", "whsec")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WebhookSecrets["github"] != "gh" || cfg.WebhookSecrets["stripe"] != "whsec" {
		t.Fatalf("webhook secrets not collected: %v", cfg.WebhookSecrets)
	}
	if _, ok := cfg.WebhookSecrets["slack"]; ok {
		t.Fatal("unset provider should be absent")
	}
}

func TestSecretsNeverSerialize(t *testing.T) {
	cfg := Default()
	cfg.JWTSecret = "s3cret"
	cfg.BootstrapPassword = "p4ss"
	cfg.AuditDSN = "postgres://u:pw@db/audit"

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, leak := range []string{"s3cret", "p4ss", "postgres://"} {
		if strings.Contains(string(data), leak) {
			t.Fatalf("secret leaked into serialized config: %s", leak)
		}
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(45 * time.Minute)
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"45m0s"` {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var back Duration
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != d {
		t.Fatalf("round trip mismatch: %v", time.Duration(back))
	}
}
