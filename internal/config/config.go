package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath      = "CONFIG_PATH"
	EnvDBConnection    = "DB_CONNECTION"
	EnvJWTSecret       = "JWT_SECRET"
	EnvJWTExpiry       = "JWT_EXPIRY"
	EnvRedisAddr       = "REDIS_ADDR"
	EnvLDAPURL         = "LDAP_URL"
	EnvCompletionKey   = "COMPLETION_API_KEY"
	EnvServerAddr      = "SERVER_ADDR"
	EnvDisableRegister = "DISABLE_REGISTER"
	EnvAdminUsername   = "ADMIN_USERNAME"
	EnvAdminPassword   = "ADMIN_PASSWORD"
)

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database.dsn` in config file or DB_CONNECTION)")

// ErrMissingJWTSecret indicates no token signing secret is configured.
var ErrMissingJWTSecret = errors.New("missing jwt secret (set `jwt.secret` in config file or JWT_SECRET)")

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// RedisConfig selects the expiring key-value backend. An empty address uses process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LDAPConfig describes the optional directory service.
type LDAPConfig struct {
	URL          string `yaml:"url"`
	BindDN       string `yaml:"bind-dn"`
	BindPassword string `yaml:"bind-password"`
	BaseDN       string `yaml:"base-dn"`
	Filter       string `yaml:"filter"`
	StartTLS     bool   `yaml:"start-tls"`
}

// Enabled reports whether a directory service is configured.
func (c LDAPConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// RegistrationConfig holds the static registration defaults.
type RegistrationConfig struct {
	Disabled bool `yaml:"disabled"`
}

// ResponderConfig seeds the named automated responder.
type ResponderConfig struct {
	Name         string  `yaml:"name"`
	Avatar       string  `yaml:"avatar"`
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	APIKey       string  `yaml:"api-key"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system-prompt"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max-tokens"`
	MaxPairs     int     `yaml:"max-pairs"`
}

// LoggingConfig controls log level and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	JSON       bool   `yaml:"json"`
}

// AdminConfig seeds the first administrator when no administrator exists yet.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath   string             `yaml:"-"`
	Database     DatabaseConfig     `yaml:"database"`
	JWT          JWTConfig          `yaml:"jwt"`
	Redis        RedisConfig        `yaml:"redis"`
	LDAP         LDAPConfig         `yaml:"ldap"`
	Registration RegistrationConfig `yaml:"registration"`
	Responder    ResponderConfig    `yaml:"responder"`
	Logging      LoggingConfig      `yaml:"logging"`
	Server       ServerConfig       `yaml:"server"`
	Admin        AdminConfig        `yaml:"admin"`
}

// DatabaseConfig holds the durable store DSN.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 30 * 24 * time.Hour

const (
	defaultServerAddr    = ":9200"
	defaultResponderName = "assistant"
	defaultMaxPairs      = 10
	defaultMaxTokens     = 1024
	defaultRedisPrefix   = "chatrelay"
	defaultLDAPFilter    = "(uid={{username}})"
)

// Load reads the YAML config file (when present) and applies environment overrides.
func Load(configPath string) (AppConfig, error) {
	cfg := AppConfig{ConfigPath: ResolveConfigPath(configPath)}

	data, errRead := os.ReadFile(cfg.ConfigPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return AppConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return AppConfig{}, fmt.Errorf("read config file: %w", errRead)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return AppConfig{}, ErrMissingDatabaseDSN
	}
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return AppConfig{}, ErrMissingJWTSecret
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.JWT.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			cfg.JWT.Expiry = expiry
		}
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.Redis.Addr = addr
	}
	if url := strings.TrimSpace(os.Getenv(EnvLDAPURL)); url != "" {
		cfg.LDAP.URL = url
	}
	if key := strings.TrimSpace(os.Getenv(EnvCompletionKey)); key != "" {
		cfg.Responder.APIKey = key
	}
	if addr := strings.TrimSpace(os.Getenv(EnvServerAddr)); addr != "" {
		cfg.Server.Addr = addr
	}
	if username := strings.TrimSpace(os.Getenv(EnvAdminUsername)); username != "" {
		cfg.Admin.Username = username
	}
	if password := os.Getenv(EnvAdminPassword); password != "" {
		cfg.Admin.Password = password
	}
	if raw := strings.TrimSpace(os.Getenv(EnvDisableRegister)); raw != "" {
		if disabled, errParse := strconv.ParseBool(raw); errParse == nil {
			cfg.Registration.Disabled = disabled
		}
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.JWT.Expiry <= 0 {
		cfg.JWT.Expiry = defaultJWTExpiry
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = defaultServerAddr
	}
	if strings.TrimSpace(cfg.Redis.Prefix) == "" {
		cfg.Redis.Prefix = defaultRedisPrefix
	}
	if cfg.Redis.DB < 0 {
		cfg.Redis.DB = 0
	}
	if strings.TrimSpace(cfg.LDAP.Filter) == "" {
		cfg.LDAP.Filter = defaultLDAPFilter
	}
	if strings.TrimSpace(cfg.Responder.Name) == "" {
		cfg.Responder.Name = defaultResponderName
	}
	if cfg.Responder.MaxPairs <= 0 {
		cfg.Responder.MaxPairs = defaultMaxPairs
	}
	if cfg.Responder.MaxTokens <= 0 {
		cfg.Responder.MaxTokens = defaultMaxTokens
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}
