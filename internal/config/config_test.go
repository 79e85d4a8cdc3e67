package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("DB_PASSWORD", "pw")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Lab.MinDuration)
	assert.Equal(t, 480*time.Minute, cfg.Lab.MaxDuration)
	assert.Equal(t, 60*time.Minute, cfg.Lab.DefaultDuration)
	assert.Equal(t, 60*time.Second, cfg.Lab.ReaperInterval)
	assert.Equal(t, "authenticated", cfg.Auth.RequiredRole)
	assert.Equal(t, 10.0, cfg.RateLimit.RequestsPerSecond)
	assert.False(t, cfg.Server.TrustProxyHeaders)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/labs.db")
	t.Setenv("LAB_REAPER_INTERVAL", "15s")
	t.Setenv("LAB_MAX_DURATION", "2h")
	t.Setenv("RATELIMIT_RPS", "2.5")
	t.Setenv("LAB_TEARDOWN_TIMEOUT", "not-a-duration")
	t.Setenv("SERVER_TRUST_PROXY_HEADERS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/labs.db", cfg.Database.SQLitePath)
	assert.Equal(t, 15*time.Second, cfg.Lab.ReaperInterval)
	assert.Equal(t, 2*time.Hour, cfg.Lab.MaxDuration)
	assert.Equal(t, 2.5, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 30*time.Second, cfg.Lab.TeardownTimeout)
	assert.True(t, cfg.Server.TrustProxyHeaders)
}

func TestValidate(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("DB_PASSWORD", "pw")

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, "AUTH_JWT_SECRET"},
		{"missing db password", func(c *Config) { c.Database.Password = "" }, "DB_PASSWORD"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "DB_DRIVER"},
		{"inverted bounds", func(c *Config) { c.Lab.MinDuration = 10 * time.Hour }, "LAB_MIN_DURATION"},
		{"default outside bounds", func(c *Config) { c.Lab.DefaultDuration = time.Minute }, "LAB_DEFAULT_DURATION"},
		{"fast reaper", func(c *Config) { c.Lab.ReaperInterval = time.Millisecond }, "LAB_REAPER_INTERVAL"},
		{"short credentials key", func(c *Config) { c.Secrets.CredentialsKey = "short" }, "CREDENTIALS_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := FromEnv()
	cfg.Database.Password = ""
	cfg.Database.URL = "postgres://labmanager@localhost/labmanager"
	assert.NoError(t, cfg.Validate())
}
