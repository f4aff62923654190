// Package config loads and validates the admin console configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the ADM_ prefix (e.g., ADM_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
//
// The signing-key passphrase is read from the environment variable named by
// audit.signing.passphrase_env rather than from the config tree, so the secret
// never appears in a config file or in `ps` output, and infrastructure tooling
// (Kubernetes secrets, Vault agent) can inject it under any name it likes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/admin-console/admin-console/internal/audit"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// SecurityConfig holds HTTP security configuration
type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
}

// CORSConfig controls cross-origin access for the console frontend
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// LoggingConfig holds structured logging configuration
type LoggingConfig struct {
	// Level is debug, info, warn, or error
	Level string `mapstructure:"level"`
	// Format is json (production) or text (development)
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds the Prometheus side-channel listener configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// TokenTTL is the lifetime of issued JWT session tokens
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// AuditConfig holds activity ledger configuration
type AuditConfig struct {
	Signing      SigningConfig         `mapstructure:"signing"`
	Verification VerificationConfig    `mapstructure:"verification"`
	Shippers     []audit.ShipperConfig `mapstructure:"shippers"`
	Archive      ArchiveConfig         `mapstructure:"archive"`
}

// SigningConfig controls optional detached signatures over entry hashes.
// The seed file is AES-256-GCM encrypted under a key derived from the
// passphrase in the named environment variable; see internal/crypto.
type SigningConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// KeyFile is the path to the encrypted Ed25519 seed file
	KeyFile string `mapstructure:"key_file"`
	// PassphraseEnv names the environment variable holding the passphrase
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// VerificationConfig tunes chain verification
type VerificationConfig struct {
	// DefaultLimit is the quick-mode window when the caller omits one;
	// must be one of the recognized quick limits (50, 100, 500, 1000)
	DefaultLimit int64 `mapstructure:"default_limit"`
	// ChunkSize bounds each range read during a scan
	ChunkSize int64 `mapstructure:"chunk_size"`
}

// ArchiveConfig holds chain snapshot export configuration
type ArchiveConfig struct {
	// Backend is "local" or "s3"
	Backend string             `mapstructure:"backend"`
	Local   LocalArchiveConfig `mapstructure:"local"`
	S3      S3ArchiveConfig    `mapstructure:"s3"`
}

// LocalArchiveConfig holds filesystem archive configuration
type LocalArchiveConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3ArchiveConfig holds S3-compatible archive configuration
type S3ArchiveConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	// AuthMethod is "default" (AWS credential chain) or "static"
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	// Prefix is prepended to every snapshot object key
	Prefix string `mapstructure:"prefix"`
}

// Load reads configuration from the given file path (or the default search
// locations when empty), applies defaults and ADM_ environment overrides,
// and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/admin-console")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("ADM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures.
	// AutomaticEnv() alone doesn't surface unset nested keys to Unmarshal.
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Audit.Archive.S3.AccessKeyID = expandEnv(cfg.Audit.Archive.S3.AccessKeyID)
	cfg.Audit.Archive.S3.SecretAccessKey = expandEnv(cfg.Audit.Archive.S3.SecretAccessKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "admin_console")
	v.SetDefault("database.user", "console")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.port", 9090)

	v.SetDefault("auth.token_ttl", "1h")

	v.SetDefault("security.cors.allowed_origins", []string{"*"})

	v.SetDefault("audit.signing.enabled", false)
	v.SetDefault("audit.signing.passphrase_env", "ADM_SIGNING_PASSPHRASE")
	v.SetDefault("audit.verification.default_limit", 50)
	v.SetDefault("audit.verification.chunk_size", 500)
	v.SetDefault("audit.archive.backend", "local")
	v.SetDefault("audit.archive.local.base_path", "./archive")
	v.SetDefault("audit.archive.s3.auth_method", "default")
}

// bindEnvVars explicitly binds environment variables to config keys.
// viper.BindEnv only errors when called with zero keys; since every key here
// is a non-empty hardcoded string, any error indicates a programming bug and
// is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		"logging.level",
		"logging.format",

		"telemetry.metrics.enabled",
		"telemetry.metrics.port",

		"auth.token_ttl",

		"audit.signing.enabled",
		"audit.signing.key_file",
		"audit.signing.passphrase_env",
		"audit.verification.default_limit",
		"audit.verification.chunk_size",
		"audit.archive.backend",
		"audit.archive.local.base_path",
		"audit.archive.s3.endpoint",
		"audit.archive.s3.region",
		"audit.archive.s3.bucket",
		"audit.archive.s3.auth_method",
		"audit.archive.s3.access_key_id",
		"audit.archive.s3.secret_access_key",
		"audit.archive.s3.prefix",
	}

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// expandEnv resolves ${VAR} references in sensitive values so config files
// can point at environment-injected secrets without embedding them.
func expandEnv(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}"))
	}
	return value
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Audit.Signing.Enabled && c.Audit.Signing.KeyFile == "" {
		return fmt.Errorf("audit.signing.key_file is required when signing is enabled")
	}

	validQuickLimits := map[int64]bool{50: true, 100: true, 500: true, 1000: true}
	if !validQuickLimits[c.Audit.Verification.DefaultLimit] {
		return fmt.Errorf("invalid audit.verification.default_limit: %d (must be 50, 100, 500, or 1000)", c.Audit.Verification.DefaultLimit)
	}
	if c.Audit.Verification.ChunkSize < 1 {
		return fmt.Errorf("audit.verification.chunk_size must be positive")
	}

	switch c.Audit.Archive.Backend {
	case "local":
		if c.Audit.Archive.Local.BasePath == "" {
			return fmt.Errorf("audit.archive.local.base_path is required when using local archive backend")
		}
	case "s3":
		if c.Audit.Archive.S3.Bucket == "" {
			return fmt.Errorf("audit.archive.s3.bucket is required when using s3 archive backend")
		}
		if c.Audit.Archive.S3.Region == "" {
			return fmt.Errorf("audit.archive.s3.region is required when using s3 archive backend")
		}
	default:
		return fmt.Errorf("invalid archive backend: %s (must be local or s3)", c.Audit.Archive.Backend)
	}

	for i, sc := range c.Audit.Shippers {
		if !sc.Enabled {
			continue
		}
		switch sc.Type {
		case "file":
			if sc.File == nil || sc.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file.path is required for file shipper", i)
			}
		case "webhook":
			if sc.Webhook == nil || sc.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook.url is required for webhook shipper", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown type %q", i, sc.Type)
		}
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
