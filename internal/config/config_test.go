package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "9090", cfg.MetricsPort)
	assert.Equal(t, "claims-batcher", cfg.BatcherGroupID)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 10*time.Second, cfg.ClaimLockTTL)
	assert.Equal(t, 5*time.Minute, cfg.CatalogCacheTTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 8, cfg.AuditWorkers)
	assert.NoError(t, cfg.Validate())
	assert.NoError(t, cfg.RequireKafka())
}

func TestLoad_Environment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://claims@db/claims")
	t.Setenv("KAFKA_BROKERS", "rp-0:9092, rp-1:9092")
	t.Setenv("API_KEYS", "k1,k2")
	t.Setenv("CLAIM_LOCK_TTL", "3s")
	t.Setenv("DB_MAX_CONNS", "40")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, []string{"rp-0:9092", "rp-1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"k1", "k2"}, cfg.APIKeys)
	assert.Equal(t, 3*time.Second, cfg.ClaimLockTTL)
	assert.Equal(t, int32(40), cfg.DBMaxConns)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{Env: "staging", DatabaseURL: "postgres://x", DBMaxConns: 10, DBMinConns: 1,
			TraceSampleRate: 0.5, AuditWorkers: 4, ClaimLockTTL: time.Second}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"database required", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"api keys in production", func(c *Config) { c.Env = "production" }, "API_KEYS"},
		{"pool bounds", func(c *Config) { c.DBMinConns = 50 }, "DB_MIN_CONNS"},
		{"sample rate", func(c *Config) { c.TraceSampleRate = 2 }, "TRACE_SAMPLE_RATE"},
		{"workers", func(c *Config) { c.AuditWorkers = 0 }, "AUDIT_WORKERS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	c := Config{Env: "production", LogLevel: "warn"}
	logger, err := c.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))

	c.LogLevel = "loud"
	_, err = c.NewLogger()
	assert.Error(t, err)
}
