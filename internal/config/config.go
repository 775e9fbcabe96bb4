// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.loanproxy/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Server: HTTP listen address for the JSON/SSE surface
//   - Upstream: AI streaming service and BaaS endpoints this core consumes
//   - Stream: retry policy for the streaming message channel
//   - Autosave: debounce interval for module field persistence
//   - Storage: state store backend selection and PostgreSQL connection
//
// Validation is fail-fast with sentinel errors usable via errors.Is.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidListenAddr indicates the HTTP listen address is empty.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidUpstreamURL indicates an upstream base URL is malformed.
	ErrInvalidUpstreamURL = errors.New("invalid upstream URL")

	// ErrInvalidRetryPolicy indicates stream retry settings are out of range.
	ErrInvalidRetryPolicy = errors.New("invalid stream retry policy")

	// ErrInvalidDebounce indicates the autosave debounce is out of range.
	ErrInvalidDebounce = errors.New("invalid autosave debounce")

	// ErrInvalidStorageBackend indicates an unknown storage backend name.
	ErrInvalidStorageBackend = errors.New("invalid storage backend")

	// ErrInvalidPostgresConfig indicates incomplete PostgreSQL settings.
	ErrInvalidPostgresConfig = errors.New("invalid PostgreSQL configuration")
)

// Storage backend identifiers used in Config.StorageBackend.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON.
type Config struct {
	// Server
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// Upstream services consumed by this core
	AIServiceURL string `mapstructure:"ai_service_url" json:"ai_service_url"`
	BaaSURL      string `mapstructure:"baas_url" json:"baas_url"`

	// Loan application whose modules this instance serves
	ApplicationID string `mapstructure:"application_id" json:"application_id"`

	// Streaming message channel retry policy
	StreamMaxRetries int `mapstructure:"stream_max_retries" json:"stream_max_retries"`
	StreamRetryMS    int `mapstructure:"stream_retry_ms" json:"stream_retry_ms"`

	// Module field autosave
	AutosaveDebounceMS int `mapstructure:"autosave_debounce_ms" json:"autosave_debounce_ms"`

	// Storage
	StorageBackend string `mapstructure:"storage_backend" json:"storage_backend"`
	StateDir       string `mapstructure:"state_dir" json:"state_dir"`

	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Logging
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".loanproxy")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v, configDir)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("listen_addr", "localhost:8087")

	v.SetDefault("ai_service_url", "http://localhost:8000/api/agfin-ai-bot")
	v.SetDefault("baas_url", "http://localhost:8100")

	v.SetDefault("application_id", "default")

	v.SetDefault("stream_max_retries", 3)
	v.SetDefault("stream_retry_ms", 1000)

	v.SetDefault("autosave_debounce_ms", 1000)

	v.SetDefault("storage_backend", BackendFile)
	v.SetDefault("state_dir", filepath.Join(configDir, "state"))

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "loanproxy")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_db_name", "loanproxy")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("log_json", false)
	v.SetDefault("log_level", "info")
}

// bindEnvVariables binds environment variable overrides explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("listen_addr", "LOANPROXY_LISTEN_ADDR")
	mustBind("ai_service_url", "LOANPROXY_AI_SERVICE_URL")
	mustBind("baas_url", "LOANPROXY_BAAS_URL")
	mustBind("application_id", "LOANPROXY_APPLICATION_ID")
	mustBind("storage_backend", "LOANPROXY_STORAGE_BACKEND")
	mustBind("state_dir", "LOANPROXY_STATE_DIR")
	mustBind("postgres_password", "LOANPROXY_POSTGRES_PASSWORD")
	mustBind("log_level", "LOANPROXY_LOG_LEVEL")
}

// parseDatabaseURL overrides PostgreSQL settings from DATABASE_URL when set.
// DATABASE_URL has the highest priority for the storage connection.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidPostgresConfig, u.Scheme)
	}

	c.PostgresHost = u.Hostname()
	if port := u.Port(); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &c.PostgresPort); err != nil {
			return fmt.Errorf("%w: bad port %q", ErrInvalidPostgresConfig, port)
		}
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if name := filepath.Base(u.Path); name != "" && name != "/" && name != "." {
		c.PostgresDBName = name
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// Validate checks the configuration for consistency. Fail-fast at startup.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return ErrInvalidListenAddr
	}

	for _, upstream := range []string{c.AIServiceURL, c.BaaSURL} {
		u, err := url.Parse(upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidUpstreamURL, upstream)
		}
	}

	if c.StreamMaxRetries < 0 || c.StreamMaxRetries > 10 {
		return fmt.Errorf("%w: max retries %d (want 0-10)", ErrInvalidRetryPolicy, c.StreamMaxRetries)
	}
	if c.StreamRetryMS < 10 || c.StreamRetryMS > 60_000 {
		return fmt.Errorf("%w: retry delay %dms (want 10-60000)", ErrInvalidRetryPolicy, c.StreamRetryMS)
	}

	if c.AutosaveDebounceMS < 0 || c.AutosaveDebounceMS > 30_000 {
		return fmt.Errorf("%w: %dms (want 0-30000)", ErrInvalidDebounce, c.AutosaveDebounceMS)
	}

	switch c.StorageBackend {
	case BackendFile, BackendMemory:
	case BackendPostgres:
		if c.PostgresHost == "" || c.PostgresDBName == "" || c.PostgresUser == "" {
			return fmt.Errorf("%w: host, user and db name are required", ErrInvalidPostgresConfig)
		}
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidPostgresConfig, c.PostgresPort)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStorageBackend, c.StorageBackend)
	}

	return nil
}

// StreamRetryDelay returns the base delay for stream reconnect backoff.
func (c *Config) StreamRetryDelay() time.Duration {
	return time.Duration(c.StreamRetryMS) * time.Millisecond
}

// AutosaveDebounce returns the debounce window for module field autosave.
func (c *Config) AutosaveDebounce() time.Duration {
	return time.Duration(c.AutosaveDebounceMS) * time.Millisecond
}

// PostgresURL builds a postgres:// connection URL for pgx and migrations.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   "/" + c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "********"

// maskSecret masks a secret string for safe logging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return maskedValue
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
