package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Port:                   "3003",
		Env:                    "development",
		BodyLimit:              "1M",
		ConfigDir:              "./config",
		SitesFile:              "auth.config.json",
		PasswordFile:           ".config-password",
		UpstreamTimeoutSeconds: 30,
		RefreshIntervalSeconds: 60,
		RefreshMinSeconds:      10,
		RefreshMaxSeconds:      600,
		SessionTTLMinutes:      60,
		HistoryBackend:         HistoryMemory,
		HistoryCapacity:        500,
		RateLimitRPS:           20,
		RateLimitBurst:         40,
		GateRateLimitPerMinute: 10,
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "3003" {
		t.Errorf("expected default port 3003, got %s", cfg.Port)
	}
	if cfg.RefreshIntervalSeconds != 60 || cfg.RefreshMinSeconds != 10 || cfg.RefreshMaxSeconds != 600 {
		t.Errorf("unexpected refresh defaults %d/%d/%d", cfg.RefreshIntervalSeconds, cfg.RefreshMinSeconds, cfg.RefreshMaxSeconds)
	}
	if !cfg.RefreshEnabled {
		t.Error("expected refresh enabled by default")
	}
	if cfg.HistoryBackend != HistoryMemory {
		t.Errorf("expected memory history by default, got %s", cfg.HistoryBackend)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("expected 2 default CORS origins, got %v", cfg.CORSOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("BASE_PATH", "kpi/")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("HISTORY_BACKEND", "SQLite")
	t.Setenv("REFRESH_ENABLED", "false")
	t.Setenv("REFRESH_INTERVAL_SECONDS", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.BasePath != "/kpi" {
		t.Errorf("expected base path /kpi, got %q", cfg.BasePath)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected CORS origins %v", cfg.CORSOrigins)
	}
	if cfg.HistoryBackend != HistorySQLite {
		t.Errorf("expected sqlite backend, got %s", cfg.HistoryBackend)
	}
	if cfg.RefreshEnabled {
		t.Error("expected refresh disabled")
	}
	if cfg.RefreshInterval().Seconds() != 120 {
		t.Errorf("expected 120s interval, got %v", cfg.RefreshInterval())
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
	if !c.IsProduction() {
		t.Error("expected IsProduction() to return true for production")
	}
}

func TestConfig_Paths(t *testing.T) {
	c := validConfig()
	c.ConfigDir = "/etc/kpi"

	if got := c.SitesPath(); got != filepath.Join("/etc/kpi", "auth.config.json") {
		t.Errorf("unexpected sites path %s", got)
	}
	if got := c.PasswordPath(); got != filepath.Join("/etc/kpi", ".config-password") {
		t.Errorf("unexpected password path %s", got)
	}
	if got := c.SQLitePath(); got != filepath.Join("/etc/kpi", "history.db") {
		t.Errorf("unexpected sqlite path %s", got)
	}

	c.SitesFile = "/srv/sites.json"
	if got := c.SitesPath(); got != "/srv/sites.json" {
		t.Errorf("expected absolute path kept, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad body limit", func(c *Config) { c.BodyLimit = "lots" }, "BODY_LIMIT"},
		{"min zero", func(c *Config) { c.RefreshMinSeconds = 0 }, "REFRESH_MIN_SECONDS"},
		{"max below min", func(c *Config) { c.RefreshMaxSeconds = 5 }, "REFRESH_MAX_SECONDS"},
		{"interval zero", func(c *Config) { c.RefreshIntervalSeconds = 0 }, "REFRESH_INTERVAL_SECONDS"},
		{"unknown backend", func(c *Config) { c.HistoryBackend = "redis" }, "HISTORY_BACKEND"},
		{"postgres without url", func(c *Config) { c.HistoryBackend = HistoryPostgres }, "DATABASE_URL"},
		{"postgres with url", func(c *Config) {
			c.HistoryBackend = HistoryPostgres
			c.DatabaseURL = "postgres://kpi@localhost/kpi"
		}, ""},
		{"zero capacity", func(c *Config) { c.HistoryCapacity = 0 }, "HISTORY_CAPACITY"},
		{"zero session ttl", func(c *Config) { c.SessionTTLMinutes = 0 }, "SESSION_TTL_MINUTES"},
		{"bad key hex", func(c *Config) { c.SessionSigningKey = "zz" }, "not valid hex"},
		{"short key", func(c *Config) { c.SessionSigningKey = "abcd" }, "at least 16 bytes"},
		{"production without key", func(c *Config) { c.Env = "production" }, "required in production"},
		{"tls without cert", func(c *Config) { c.TLSEnabled = true }, "TLS_CERT_FILE"},
		{"zero gate limit", func(c *Config) { c.GateRateLimitPerMinute = 0 }, "GATE_RATE_LIMIT_PER_MINUTE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
