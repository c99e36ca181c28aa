// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	MetricsPort     string        `mapstructure:"METRICS_PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	RedisAddress    string        `mapstructure:"REDIS_ADDRESS"`
	ClaimLockTTL    time.Duration `mapstructure:"CLAIM_LOCK_TTL"`
	CatalogCacheTTL time.Duration `mapstructure:"CATALOG_CACHE_TTL"`
	KafkaBrokers    []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID    string        `mapstructure:"KAFKA_GROUP_ID"`
	BatcherGroupID  string        `mapstructure:"KAFKA_BATCHER_GROUP_ID"`
	ChargeTopic     string        `mapstructure:"CHARGE_TOPIC"`
	ClaimEvents     string        `mapstructure:"CLAIM_EVENTS_TOPIC"`
	OTLPEndpoint    string        `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64       `mapstructure:"TRACE_SAMPLE_RATE"`
	APIKeys         []string      `mapstructure:"API_KEYS"`
	AuditWorkers    int           `mapstructure:"AUDIT_WORKERS"`
}

var keys = []string{
	"PORT", "METRICS_PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_ADDRESS", "CLAIM_LOCK_TTL", "CATALOG_CACHE_TTL", "KAFKA_BROKERS", "KAFKA_GROUP_ID",
	"KAFKA_BATCHER_GROUP_ID", "CHARGE_TOPIC", "CLAIM_EVENTS_TOPIC", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"API_KEYS", "AUDIT_WORKERS",
}

// Load reads the environment, falling back to .env and then to defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("METRICS_PORT", "9090")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CLAIM_LOCK_TTL", "10s")
	v.SetDefault("CATALOG_CACHE_TTL", "5m")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_GROUP_ID", "claims-charge-consumer")
	v.SetDefault("KAFKA_BATCHER_GROUP_ID", "claims-batcher")
	v.SetDefault("CHARGE_TOPIC", "billing.charges")
	v.SetDefault("CLAIM_EVENTS_TOPIC", "claims.events")
	v.SetDefault("TRACE_SAMPLE_RATE", 0.1)
	v.SetDefault("AUDIT_WORKERS", 8)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.APIKeys = splitList(cfg.APIKeys)
	return cfg, nil
}

// splitList accepts both "a,b" and ["a","b"] shaped values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool { return c.Env == "development" }

func (c *Config) IsProduction() bool { return c.Env == "production" }

// Validate checks settings every service depends on. Outside development a
// database is required, and production additionally requires API keys.
func (c *Config) Validate() error {
	if !c.IsDev() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when ENV=%q", c.Env)
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate)
	}
	if c.AuditWorkers < 1 {
		return fmt.Errorf("AUDIT_WORKERS must be positive, got %d", c.AuditWorkers)
	}
	if c.ClaimLockTTL <= 0 {
		return fmt.Errorf("CLAIM_LOCK_TTL must be positive")
	}
	return nil
}

// RequireKafka is checked by the services that consume or publish events.
func (c *Config) RequireKafka() error {
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.KafkaGroupID == "" {
		return fmt.Errorf("KAFKA_GROUP_ID is required")
	}
	return nil
}

// NewLogger builds a production logger, or a development one when ENV=development.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
