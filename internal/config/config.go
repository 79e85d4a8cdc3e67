package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Docker        DockerConfig
	Lab           LabConfig
	Auth          AuthConfig
	Secrets       SecretsConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string
	URL             string
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SQLitePath      string
	AutoMigrate     bool
}

// DockerConfig holds container runtime configuration
type DockerConfig struct {
	Host        string
	Network     string
	BindHost    string
	StopTimeout time.Duration
}

// LabConfig holds lifecycle configuration
type LabConfig struct {
	AccessHost        string
	CatalogPath       string
	MinDuration       time.Duration
	MaxDuration       time.Duration
	DefaultDuration   time.Duration
	ProvisionTimeout  time.Duration
	TeardownTimeout   time.Duration
	ReaperInterval    time.Duration
	ReaperConcurrency int
}

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	JWTSecret    string
	Issuer       string
	Audience     string
	RequiredRole string
	Leeway       time.Duration
}

// SecretsConfig holds at-rest encryption settings
type SecretsConfig struct {
	CredentialsKey string
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	OTLPEndpoint   string
	MetricsEnabled bool
	ServiceName    string
	ServiceVersion string
}

// RateLimitConfig holds rate limiting configuration. When RedisAddr is set
// the limit is shared across replicas as a fixed window.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	Window            time.Duration
	RequestsPerWindow int
}

// Load loads and validates configuration from environment variables
func Load() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FromEnv reads configuration from environment variables without
// validating it.
func FromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout:    parseDuration("SERVER_WRITE_TIMEOUT", "3m"),
			IdleTimeout:     parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			RequestTimeout:  parseDuration("SERVER_REQUEST_TIMEOUT", "150s"),
			ShutdownTimeout: parseDuration("SERVER_SHUTDOWN_TIMEOUT", "30s"),

			TrustProxyHeaders: parseBool("SERVER_TRUST_PROXY_HEADERS", false),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
			URL:             getEnv("DATABASE_URL", ""),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "labmanager"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "labmanager"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
			SQLitePath:      getEnv("SQLITE_PATH", "data/labmanager.db"),
			AutoMigrate:     parseBool("DB_AUTO_MIGRATE", true),
		},
		Docker: DockerConfig{
			Host:        getEnv("DOCKER_HOST", ""),
			Network:     getEnv("DOCKER_NETWORK", ""),
			BindHost:    getEnv("DOCKER_BIND_HOST", "0.0.0.0"),
			StopTimeout: parseDuration("DOCKER_STOP_TIMEOUT", "10s"),
		},
		Lab: LabConfig{
			AccessHost:        getEnv("LAB_ACCESS_HOST", "localhost"),
			CatalogPath:       getEnv("CATALOG_PATH", ""),
			MinDuration:       parseDuration("LAB_MIN_DURATION", "5m"),
			MaxDuration:       parseDuration("LAB_MAX_DURATION", "8h"),
			DefaultDuration:   parseDuration("LAB_DEFAULT_DURATION", "60m"),
			ProvisionTimeout:  parseDuration("LAB_PROVISION_TIMEOUT", "2m"),
			TeardownTimeout:   parseDuration("LAB_TEARDOWN_TIMEOUT", "30s"),
			ReaperInterval:    parseDuration("LAB_REAPER_INTERVAL", "60s"),
			ReaperConcurrency: parseInt("LAB_REAPER_CONCURRENCY", 4),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("AUTH_JWT_SECRET", ""),
			Issuer:       getEnv("AUTH_JWT_ISSUER", ""),
			Audience:     getEnv("AUTH_JWT_AUDIENCE", ""),
			RequiredRole: getEnv("AUTH_REQUIRED_ROLE", "authenticated"),
			Leeway:       parseDuration("AUTH_LEEWAY", "30s"),
		},
		Secrets: SecretsConfig{
			CredentialsKey: getEnv("CREDENTIALS_KEY", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			MetricsEnabled: parseBool("METRICS_ENABLED", true),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "labmanager"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: parseFloat("RATELIMIT_RPS", 10),
			Burst:             parseInt("RATELIMIT_BURST", 20),
			RedisAddr:         getEnv("RATELIMIT_REDIS_ADDR", ""),
			RedisPassword:     getEnv("RATELIMIT_REDIS_PASSWORD", ""),
			RedisDB:           parseInt("RATELIMIT_REDIS_DB", 0),
			Window:            parseDuration("RATELIMIT_WINDOW", "1m"),
			RequestsPerWindow: parseInt("RATELIMIT_REQUESTS_PER_WINDOW", 300),
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" && c.Database.Password == "" {
			errs = append(errs, errors.New("DB_PASSWORD or DATABASE_URL is required"))
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	if c.Secrets.CredentialsKey != "" && len(c.Secrets.CredentialsKey) < 16 {
		errs = append(errs, errors.New("CREDENTIALS_KEY must be at least 16 bytes"))
	}

	lab := c.Lab
	if lab.MinDuration <= 0 || lab.MaxDuration < lab.MinDuration {
		errs = append(errs, errors.New("LAB_MIN_DURATION must be positive and not above LAB_MAX_DURATION"))
	}
	if lab.DefaultDuration < lab.MinDuration || lab.DefaultDuration > lab.MaxDuration {
		errs = append(errs, errors.New("LAB_DEFAULT_DURATION must lie within the duration bounds"))
	}
	if lab.ReaperInterval < time.Second {
		errs = append(errs, errors.New("LAB_REAPER_INTERVAL must be at least 1s"))
	}
	if lab.ReaperConcurrency <= 0 {
		errs = append(errs, errors.New("LAB_REAPER_CONCURRENCY must be positive"))
	}
	if lab.AccessHost == "" {
		errs = append(errs, errors.New("LAB_ACCESS_HOST is required"))
	}

	return errors.Join(errs...)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
