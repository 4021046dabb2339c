// Package config loads service configuration from environment variables,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App      AppConfig
	HTTP     HTTPConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Poller   PollerConfig
	Risk     RiskConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"risk-engine"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

type HTTPConfig struct {
	Port            int           `envconfig:"HTTP_PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

func (c HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// PostgresConfig points at the chain indexer database. When Host is empty
// the service falls back to the in-memory position source.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"riskengine"`
	Password string `envconfig:"POSTGRES_PASSWORD"`
	Database string `envconfig:"POSTGRES_DB" default:"indexer"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"10"`
}

func (c PostgresConfig) Enabled() bool {
	return c.Host != ""
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.MaxConns,
	)
}

// RedisConfig enables the snapshot read-through cache when Host is set.
type RedisConfig struct {
	Host     string        `envconfig:"REDIS_HOST"`
	Port     int           `envconfig:"REDIS_PORT" default:"6379"`
	Password string        `envconfig:"REDIS_PASSWORD"`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	TTL      time.Duration `envconfig:"REDIS_SNAPSHOT_TTL" default:"5s"`
}

func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type PollerConfig struct {
	Interval     time.Duration `envconfig:"POLL_INTERVAL" default:"10s"`
	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"20s"`
}

// RiskConfig carries the protocol risk parameters. Thresholds are parsed
// as strings and converted to decimals at wiring time so that env values
// round-trip exactly.
type RiskConfig struct {
	MaintenanceMarginRatio string `envconfig:"MAINTENANCE_MARGIN_RATIO" default:"0.05"`
	SafetyBuffer           string `envconfig:"MARGIN_SAFETY_BUFFER" default:"0.02"`
	MaxLeverage            string `envconfig:"MAX_LEVERAGE" default:"20"`
	AlertClearAfter        int    `envconfig:"ALERT_CLEAR_AFTER" default:"2"`
}

// Load reads configuration from environment variables. A .env file is
// loaded first if present (useful for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	return &cfg, nil
}
