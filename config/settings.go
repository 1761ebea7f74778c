/*
Package config loads process settings and reconciliation tunables.

SOURCES (later wins):
  1. Built-in defaults (recon.DefaultConfig, DefaultSettings)
  2. Optional YAML file (RECON_CONFIG_FILE), tunables only
  3. Environment variables, optionally seeded from a .env file once at start

Settings are read once at startup. Tunables are re-read by Loader.Load on
every pipeline invocation so an operator can change a threshold without a
restart.

SEE ALSO:
  - loader.go: Per-invocation tunables loader
  - recon/config.go: ReconciliationConfig
*/
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted in RECON_BACKEND.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Settings holds everything the binary needs to wire itself.
type Settings struct {
	// Storage
	Backend     string
	SQLitePath  string
	PostgresDSN string

	// Optional warehouse for the input ports
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string

	// Server
	HTTPPort string

	// Scheduler
	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	SchedulerStep     time.Duration
	SchedulerLag      time.Duration

	// Redis checkpoints (empty address keeps them in memory)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Kafka delta fan-out (no brokers disables publishing)
	KafkaBrokers []string
	KafkaTopic   string

	// Logging
	LogLevel    string
	Development bool

	// ConfigFile is the optional YAML file holding tunables.
	ConfigFile string
}

// DefaultSettings returns a single-node SQLite setup.
func DefaultSettings() Settings {
	return Settings{
		Backend:            BackendSQLite,
		SQLitePath:         "./data/recon.db",
		ClickHouseDatabase: "default",
		HTTPPort:           "8080",
		SchedulerEnabled:   true,
		SchedulerInterval:  15 * time.Minute,
		SchedulerStep:      time.Hour,
		SchedulerLag:       2 * time.Hour,
		KafkaTopic:         "recon.deltas",
		LogLevel:           "info",
	}
}

// LoadDotEnv seeds the environment from path. A missing file is fine.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// LoadSettings reads settings from the environment over the defaults.
func LoadSettings() Settings {
	d := DefaultSettings()
	return Settings{
		Backend:     strings.ToLower(getEnv("RECON_BACKEND", d.Backend)),
		SQLitePath:  getEnv("RECON_SQLITE_PATH", d.SQLitePath),
		PostgresDSN: getEnv("RECON_POSTGRES_DSN", d.PostgresDSN),

		ClickHouseAddr:     getEnv("CLICKHOUSE_ADDR", d.ClickHouseAddr),
		ClickHouseDatabase: getEnv("CLICKHOUSE_DATABASE", d.ClickHouseDatabase),
		ClickHouseUsername: getEnv("CLICKHOUSE_USERNAME", d.ClickHouseUsername),
		ClickHousePassword: getEnv("CLICKHOUSE_PASSWORD", d.ClickHousePassword),

		HTTPPort: getEnv("HTTP_PORT", d.HTTPPort),

		SchedulerEnabled:  getEnvAsBool("RECON_SCHEDULER_ENABLED", d.SchedulerEnabled),
		SchedulerInterval: getEnvAsDuration("RECON_SCHEDULER_INTERVAL", d.SchedulerInterval),
		SchedulerStep:     getEnvAsDuration("RECON_SCHEDULER_STEP", d.SchedulerStep),
		SchedulerLag:      getEnvAsDuration("RECON_SCHEDULER_LAG", d.SchedulerLag),

		RedisAddr:     getEnv("REDIS_ADDR", d.RedisAddr),
		RedisPassword: getEnv("REDIS_PASSWORD", d.RedisPassword),
		RedisDB:       getEnvAsInt("REDIS_DB", d.RedisDB),

		KafkaBrokers: getEnvAsSlice("KAFKA_BROKERS", d.KafkaBrokers, ","),
		KafkaTopic:   getEnv("KAFKA_TOPIC", d.KafkaTopic),

		LogLevel:    getEnv("LOG_LEVEL", d.LogLevel),
		Development: getEnvAsBool("DEBUG", d.Development),

		ConfigFile: getEnv("RECON_CONFIG_FILE", d.ConfigFile),
	}
}

// Helper functions for parsing environment variables

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return val
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val, err := time.ParseDuration(getEnv(key, "")); err == nil && val > 0 {
		return val
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(valStr, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
