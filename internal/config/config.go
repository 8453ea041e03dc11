// Package config loads platform configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default 1NCE management API endpoints.
const (
	DefaultTokenURL = "https://api.1nce.com/management-api/oauth/token"
	DefaultBaseURL  = "https://api.1nce.com/management-api/v1"
)

// ServerConfig configures one HTTP listener.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeout     int    `yaml:"read_timeout_seconds"`
	WriteTimeout    int    `yaml:"write_timeout_seconds"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_seconds"`
}

// Addr renders the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NCEConfig configures the 1NCE management API client.
type NCEConfig struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	OrganizationID string `yaml:"organization_id"`
	TokenURL       string `yaml:"token_url"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DatabaseConfig configures the optional Postgres inventory store.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
}

// TTL returns the configured cache TTL, defaulting to five minutes.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// SyncConfig configures the background inventory sync.
type SyncConfig struct {
	Schedule string `yaml:"schedule"`
	Enabled  *bool  `yaml:"enabled"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Config is the root configuration.
type Config struct {
	API       ServerConfig  `yaml:"api"`
	Dashboard ServerConfig  `yaml:"dashboard"`
	NCE       NCEConfig     `yaml:"nce"`
	Database  DatabaseConfig `yaml:"database"`
	Cache     CacheConfig   `yaml:"cache"`
	Sync      SyncConfig    `yaml:"sync"`
	Logging   LoggingConfig `yaml:"logging"`

	// SessionSecret signs dashboard session tokens. Generated per process
	// when unset, which invalidates sessions on restart.
	SessionSecret string `yaml:"session_secret"`

	// RateLimit is the per-client request budget for the backend API.
	RateLimitPerSecond int      `yaml:"rate_limit_per_second"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
}

// Load reads CONFIG_PATH (or defaults) and applies environment overrides.
func Load() (*Config, error) {
	path := strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	if path == "" {
		return LoadFromPath("config.yaml")
	}
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, cfg.Validate()
}

// LoadFromPath loads config from a specific file. A missing file is not an
// error; environment variables and defaults still apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, cfg.Validate()
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.Port == 0 {
		cfg.API.Port = 8000
	}
	if cfg.Dashboard.Port == 0 {
		cfg.Dashboard.Port = 8501
	}
	if cfg.API.ShutdownTimeout == 0 {
		cfg.API.ShutdownTimeout = 10
	}
	if cfg.Dashboard.ShutdownTimeout == 0 {
		cfg.Dashboard.ShutdownTimeout = 10
	}
	if cfg.NCE.TokenURL == "" {
		cfg.NCE.TokenURL = DefaultTokenURL
	}
	if cfg.NCE.BaseURL == "" {
		cfg.NCE.BaseURL = DefaultBaseURL
	}
	if cfg.NCE.TimeoutSeconds == 0 {
		cfg.NCE.TimeoutSeconds = 30
	}
	if cfg.Sync.Schedule == "" {
		cfg.Sync.Schedule = "@every 15m"
	}
	if cfg.RateLimitPerSecond == 0 {
		cfg.RateLimitPerSecond = 20
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 40
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.NCE.Username, "ONCE_USERNAME")
	setString(&cfg.NCE.Password, "ONCE_PASSWORD")
	setString(&cfg.NCE.OrganizationID, "ONCE_ORGANIZATION_ID")
	setString(&cfg.NCE.TokenURL, "ONCE_TOKEN_URL")
	setString(&cfg.NCE.BaseURL, "ONCE_BASE_URL")

	setInt(&cfg.API.Port, "API_PORT")
	setInt(&cfg.Dashboard.Port, "DASHBOARD_PORT")
	setString(&cfg.API.Host, "API_HOST")
	setString(&cfg.Dashboard.Host, "DASHBOARD_HOST")

	setString(&cfg.Database.DSN, "DATABASE_DSN")
	setString(&cfg.Cache.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.Cache.TTLSeconds, "CACHE_TTL_SECONDS")

	setString(&cfg.Sync.Schedule, "SYNC_SCHEDULE")
	if v := strings.TrimSpace(os.Getenv("SYNC_ENABLED")); v != "" {
		enabled := v == "true" || v == "1"
		cfg.Sync.Enabled = &enabled
	}
	setString(&cfg.SessionSecret, "SESSION_SECRET")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate rejects configuration the process cannot start with. Missing
// credentials are deliberately not an error: the dashboard collects them.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api port %d out of range", c.API.Port)
	}
	if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard port %d out of range", c.Dashboard.Port)
	}
	if c.API.Port == c.Dashboard.Port {
		return fmt.Errorf("api and dashboard ports must differ (both %d)", c.API.Port)
	}
	if c.NCE.TokenURL == "" || c.NCE.BaseURL == "" {
		return fmt.Errorf("nce token_url and base_url are required")
	}
	return nil
}

// HasCredentials reports whether upstream credentials were configured.
func (c *Config) HasCredentials() bool {
	return strings.TrimSpace(c.NCE.Username) != "" && strings.TrimSpace(c.NCE.Password) != ""
}
