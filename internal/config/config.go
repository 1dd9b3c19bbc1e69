// Package config provides configuration loading for the gateway.
// Configuration sources (in priority order): env vars > config file >
// defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all gateway configuration. Secrets arrive via env vars and
// are never logged.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/meshgate")
	DataDir string `json:"data_dir"`

	// Registry document path (YAML). Empty uses the built-in defaults.
	RegistryPath string `json:"registry_path,omitempty"`

	// JWT signing secret. Required for serve; env only.
	JWTSecret string `json:"-"`
	// Access token lifetime (capped at 1h).
	TokenTTL Duration `json:"token_ttl,omitempty"`

	// CORS allow-list of exact origins.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// Per-provider webhook secrets; env only (MESHGATE_WEBHOOK_SECRET_<PROVIDER>).
	WebhookSecrets map[string]string `json:"-"`

	// Origin pool base URLs for the reverse proxy.
	Origins OriginConfig `json:"origins,omitempty"`
	// Token presented to origin pools in place of client credentials.
	InternalToken string `json:"-"`

	// Rate limiting (fixed window).
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	// Audit backend: "sqlite" (default), "postgres", or "memory".
	AuditBackend string `json:"audit_backend,omitempty"`
	// Postgres DSN when audit_backend is postgres; env only.
	AuditDSN string `json:"-"`
	// Audit retention window (default 90 days).
	AuditRetention Duration `json:"audit_retention,omitempty"`

	// Bootstrap admin account created on first start when the user table
	// is empty. Password comes from env only.
	BootstrapEmail    string `json:"bootstrap_email,omitempty"`
	BootstrapPassword string `json:"-"`

	// OTLP gRPC endpoint. Empty disables tracing.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// OriginConfig names the four upstream pools.
type OriginConfig struct {
	Primary string `json:"primary,omitempty"`
	Storage string `json:"storage,omitempty"`
	Agents  string `json:"agents,omitempty"`
	Compute string `json:"compute,omitempty"`
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	WindowSeconds int `json:"window_seconds"`
	Limit         int `json:"limit"`
}

// Duration unmarshals from JSON strings like "45m" or "2160h".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		DataDir:        "/var/lib/meshgate",
		TokenTTL:       Duration(time.Hour),
		AuditBackend:   "sqlite",
		AuditRetention: Duration(90 * 24 * time.Hour),
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
			Limit:         1000,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from a file, then overlays environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("MESHGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MESHGATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MESHGATE_REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("MESHGATE_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("MESHGATE_INTERNAL_TOKEN"); v != "" {
		cfg.InternalToken = v
	}
	if v := os.Getenv("MESHGATE_AUDIT_BACKEND"); v != "" {
		cfg.AuditBackend = v
	}
	if v := os.Getenv("MESHGATE_AUDIT_DSN"); v != "" {
		cfg.AuditDSN = v
	}
	if v := os.Getenv("MESHGATE_BOOTSTRAP_EMAIL"); v != "" {
		cfg.BootstrapEmail = v
	}
	if v := os.Getenv("MESHGATE_BOOTSTRAP_PASSWORD"); v != "" {
		cfg.BootstrapPassword = v
	}
	if v := os.Getenv("MESHGATE_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("MESHGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MESHGATE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.Limit = n
		}
	}
	if v := os.Getenv("MESHGATE_RATE_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.WindowSeconds = n
		}
	}
	if v := os.Getenv("MESHGATE_ORIGIN_PRIMARY"); v != "" {
		cfg.Origins.Primary = v
	}
	if v := os.Getenv("MESHGATE_ORIGIN_STORAGE"); v != "" {
		cfg.Origins.Storage = v
	}
	if v := os.Getenv("MESHGATE_ORIGIN_AGENTS"); v != "" {
		cfg.Origins.Agents = v
	}
	if v := os.Getenv("MESHGATE_ORIGIN_COMPUTE"); v != "" {
		cfg.Origins.Compute = v
	}

	cfg.WebhookSecrets = webhookSecretsFromEnv()

	return cfg, nil
}

// webhookSecretsFromEnv collects MESHGATE_WEBHOOK_SECRET_<PROVIDER> vars.
func webhookSecretsFromEnv() map[string]string {
	providers := []string{"github", "stripe", "slack", "salesforce", "cloudflare", "google", "figma"}
	secrets := make(map[string]string)
	for _, p := range providers {
		env := "MESHGATE_WEBHOOK_SECRET_" + strings.ToUpper(p)
		if v := os.Getenv(env); v != "" {
			secrets[p] = v
		}
	}
	return secrets
}
