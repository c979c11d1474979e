package config

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/spf13/viper"
)

// History backends.
const (
	HistoryMemory   = "memory"
	HistorySQLite   = "sqlite"
	HistoryPostgres = "postgres"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	BasePath    string   `mapstructure:"BASE_PATH"`
	BodyLimit   string   `mapstructure:"BODY_LIMIT"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	ConfigDir        string `mapstructure:"CONFIG_DIR"`
	SitesFile        string `mapstructure:"SITES_FILE"`
	SitesExampleFile string `mapstructure:"SITES_EXAMPLE_FILE"`
	PasswordFile     string `mapstructure:"PASSWORD_FILE"`

	UpstreamTimeoutSeconds int `mapstructure:"UPSTREAM_TIMEOUT_SECONDS"`

	RefreshEnabled         bool `mapstructure:"REFRESH_ENABLED"`
	RefreshIntervalSeconds int  `mapstructure:"REFRESH_INTERVAL_SECONDS"`
	RefreshMinSeconds      int  `mapstructure:"REFRESH_MIN_SECONDS"`
	RefreshMaxSeconds      int  `mapstructure:"REFRESH_MAX_SECONDS"`
	RefreshOnStartup       bool `mapstructure:"REFRESH_ON_STARTUP"`

	SessionSigningKey string `mapstructure:"SESSION_SIGNING_KEY"`
	SessionTTLMinutes int    `mapstructure:"SESSION_TTL_MINUTES"`

	HistoryBackend    string `mapstructure:"HISTORY_BACKEND"`
	HistoryCapacity   int    `mapstructure:"HISTORY_CAPACITY"`
	HistorySQLitePath string `mapstructure:"HISTORY_SQLITE_PATH"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32  `mapstructure:"DB_MIN_CONNS"`

	RateLimitRPS           float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int     `mapstructure:"RATE_LIMIT_BURST"`
	GateRateLimitPerMinute int     `mapstructure:"GATE_RATE_LIMIT_PER_MINUTE"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "BASE_PATH", "BODY_LIMIT", "CORS_ORIGINS",
	"CONFIG_DIR", "SITES_FILE", "SITES_EXAMPLE_FILE", "PASSWORD_FILE",
	"UPSTREAM_TIMEOUT_SECONDS",
	"REFRESH_ENABLED", "REFRESH_INTERVAL_SECONDS", "REFRESH_MIN_SECONDS", "REFRESH_MAX_SECONDS", "REFRESH_ON_STARTUP",
	"SESSION_SIGNING_KEY", "SESSION_TTL_MINUTES",
	"HISTORY_BACKEND", "HISTORY_CAPACITY", "HISTORY_SQLITE_PATH",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "GATE_RATE_LIMIT_PER_MINUTE",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads the configuration from the environment and an optional .env
// file in the working directory. It does not validate; call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "3003")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BASE_PATH", "")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")
	v.SetDefault("CONFIG_DIR", "./config")
	v.SetDefault("SITES_FILE", "auth.config.json")
	v.SetDefault("SITES_EXAMPLE_FILE", "auth.config.example.json")
	v.SetDefault("PASSWORD_FILE", ".config-password")
	v.SetDefault("UPSTREAM_TIMEOUT_SECONDS", 30)
	v.SetDefault("REFRESH_ENABLED", true)
	v.SetDefault("REFRESH_INTERVAL_SECONDS", 60)
	v.SetDefault("REFRESH_MIN_SECONDS", 10)
	v.SetDefault("REFRESH_MAX_SECONDS", 600)
	v.SetDefault("REFRESH_ON_STARTUP", true)
	v.SetDefault("SESSION_TTL_MINUTES", 60)
	v.SetDefault("HISTORY_BACKEND", HistoryMemory)
	v.SetDefault("HISTORY_CAPACITY", 500)
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("GATE_RATE_LIMIT_PER_MINUTE", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.BasePath = normalizeBasePath(cfg.BasePath)
	cfg.HistoryBackend = strings.ToLower(strings.TrimSpace(cfg.HistoryBackend))
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeBasePath returns "" or a path with a leading and no trailing slash.
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) resolve(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.ConfigDir, name)
}

// SitesPath is the sites file, relative names resolved against CONFIG_DIR.
func (c *Config) SitesPath() string { return c.resolve(c.SitesFile) }

// SitesExamplePath is the example file copied on first start.
func (c *Config) SitesExamplePath() string { return c.resolve(c.SitesExampleFile) }

// PasswordPath is the config-gate password hash file.
func (c *Config) PasswordPath() string { return c.resolve(c.PasswordFile) }

// SQLitePath is the history database, CONFIG_DIR/history.db by default.
func (c *Config) SQLitePath() string {
	if c.HistorySQLitePath == "" {
		return c.resolve("history.db")
	}
	return c.resolve(c.HistorySQLitePath)
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

func (c *Config) RefreshBounds() (min, max time.Duration) {
	return time.Duration(c.RefreshMinSeconds) * time.Second, time.Duration(c.RefreshMaxSeconds) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.SitesFile == "" {
		return fmt.Errorf("SITES_FILE is required")
	}
	if c.PasswordFile == "" {
		return fmt.Errorf("PASSWORD_FILE is required")
	}
	if _, err := bytes.Parse(c.BodyLimit); err != nil || c.BodyLimit == "" {
		return fmt.Errorf("BODY_LIMIT must be a size such as 1M or 512K, got %q", c.BodyLimit)
	}
	if c.UpstreamTimeoutSeconds <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT_SECONDS must be positive, got %d", c.UpstreamTimeoutSeconds)
	}

	if c.RefreshMinSeconds <= 0 {
		return fmt.Errorf("REFRESH_MIN_SECONDS must be positive, got %d", c.RefreshMinSeconds)
	}
	if c.RefreshMaxSeconds < c.RefreshMinSeconds {
		return fmt.Errorf("REFRESH_MAX_SECONDS (%d) must not be below REFRESH_MIN_SECONDS (%d)",
			c.RefreshMaxSeconds, c.RefreshMinSeconds)
	}
	if c.RefreshIntervalSeconds <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL_SECONDS must be positive, got %d", c.RefreshIntervalSeconds)
	}

	if c.SessionTTLMinutes <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be positive, got %d", c.SessionTTLMinutes)
	}
	if c.SessionSigningKey != "" {
		keyBytes, err := hex.DecodeString(c.SessionSigningKey)
		if err != nil {
			return fmt.Errorf("SESSION_SIGNING_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) < 16 {
			return fmt.Errorf("SESSION_SIGNING_KEY must be at least 16 bytes (32 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.IsProduction() && c.SessionSigningKey == "" {
		return fmt.Errorf("SESSION_SIGNING_KEY is required in production")
	}

	switch c.HistoryBackend {
	case HistoryMemory, HistorySQLite:
	case HistoryPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when HISTORY_BACKEND is %q", HistoryPostgres)
		}
	default:
		return fmt.Errorf("HISTORY_BACKEND must be %q, %q, or %q, got %q",
			HistoryMemory, HistorySQLite, HistoryPostgres, c.HistoryBackend)
	}
	if c.HistoryCapacity <= 0 {
		return fmt.Errorf("HISTORY_CAPACITY must be positive, got %d", c.HistoryCapacity)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.GateRateLimitPerMinute <= 0 {
		return fmt.Errorf("GATE_RATE_LIMIT_PER_MINUTE must be positive, got %d", c.GateRateLimitPerMinute)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
