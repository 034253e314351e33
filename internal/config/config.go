// Package config loads runtime configuration from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage and lock drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	LockLocal = "local"
	LockRedis = "redis"
)

// Config holds all runtime configuration values.
type Config struct {
	Env         string
	Port        string
	LogLevel    string
	CORSOrigins []string

	StorageDriver string
	Database      Database

	LockDriver  string
	LockTTL     time.Duration
	LockTimeout time.Duration
	Redis       Redis

	RabbitMQURL string
	JWTSecret   string

	Retry Retry
}

// Database holds PostgreSQL connection settings.
type Database struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

// DSN builds a libpq-compatible connection string.
func (d Database) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// Redis holds the settings of the Redis instance backing distributed locks.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Retry bounds the backoff applied to transient storage failures.
type Retry struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Load reads a .env file when present and builds a Config from the
// environment, falling back to local-development defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var env envReader
	cfg := &Config{
		Env:         getEnv("APP_ENV", "dev"),
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigins: parseCSV(getEnv("CORS_ORIGINS", "*")),

		StorageDriver: strings.ToLower(getEnv("STORAGE_DRIVER", StoragePostgres)),
		Database: Database{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "eventbooking"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(env.integer("DB_MAX_CONNS", 20)),
		},

		LockDriver:  strings.ToLower(getEnv("LOCK_DRIVER", LockLocal)),
		LockTTL:     env.duration("LOCK_TTL", 10*time.Second),
		LockTimeout: env.duration("LOCK_TIMEOUT", 3*time.Second),
		Redis: Redis{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       env.integer("REDIS_DB", 0),
		},

		RabbitMQURL: os.Getenv("RABBITMQ_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		Retry: Retry{
			MaxAttempts:     env.integer("RETRY_MAX_ATTEMPTS", 4),
			InitialInterval: env.duration("RETRY_INITIAL_INTERVAL", 25*time.Millisecond),
			MaxInterval:     env.duration("RETRY_MAX_INTERVAL", 500*time.Millisecond),
		},
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers and unusable timing settings.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.LockDriver {
	case LockLocal, LockRedis:
	default:
		return fmt.Errorf("unknown LOCK_DRIVER %q", c.LockDriver)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		return errors.New("retry intervals must be positive and RETRY_MAX_INTERVAL >= RETRY_INITIAL_INTERVAL")
	}
	if c.LockTTL <= 0 || c.LockTimeout <= 0 {
		return errors.New("LOCK_TTL and LOCK_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envReader parses typed variables, collecting malformed values instead of
// silently falling back to defaults.
type envReader struct {
	errs []error
}

func (r *envReader) integer(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}

func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
