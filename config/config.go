// Package config loads the approval engine configuration from a YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/approval-engine/storage"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the engine process.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig selects and configures the persistence backend. Redis is
// also used for the distributed instance lock when the driver is redis.
type StorageConfig struct {
	Driver   string                  `yaml:"driver"`
	Redis    storage.RedisOptions    `yaml:"redis"`
	Database storage.DatabaseOptions `yaml:"database"`
}

type EngineConfig struct {
	MachineID uint16        `yaml:"machine_id"` // snowflake node id, unique per process
	LockTTL   time.Duration `yaml:"lock_ttl"`
	LockRetry time.Duration `yaml:"lock_retry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver: DriverMemory,
			Redis: storage.RedisOptions{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
			Database: storage.DatabaseOptions{
				Host:                   "localhost",
				Port:                   5432,
				Username:               "postgres",
				Name:                   "approval",
				SSLMode:                "disable",
				Path:                   "approval.db",
				MaxIdleConns:           10,
				MaxOpenConns:           100,
				MaxConnLifetimeSeconds: 3600,
			},
		},
		Engine: EngineConfig{
			MachineID: 1,
			LockTTL:   30 * time.Second,
			LockRetry: 20 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path, when set, over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == DriverPostgres || cfg.Storage.Driver == DriverSQLite {
		cfg.Storage.Database.Driver = cfg.Storage.Driver
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.Storage.Driver = getEnvOrDefault("APPROVAL_STORAGE_DRIVER", c.Storage.Driver)

	c.Storage.Redis.Addr = getEnvOrDefault("APPROVAL_REDIS_ADDR", c.Storage.Redis.Addr)
	c.Storage.Redis.Password = getEnvOrDefault("APPROVAL_REDIS_PASSWORD", c.Storage.Redis.Password)
	c.Storage.Redis.DB = getIntOrDefault("APPROVAL_REDIS_DB", c.Storage.Redis.DB)

	db := &c.Storage.Database
	db.Host = getEnvOrDefault("DB_HOST", db.Host)
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", strconv.Itoa(db.Port)))
	if err != nil {
		return fmt.Errorf("invalid DB_PORT: %w", err)
	}
	db.Port = port
	db.Username = getEnvOrDefault("DB_USERNAME", db.Username)
	db.Password = getEnvOrDefault("DB_PASSWORD", db.Password)
	db.Name = getEnvOrDefault("DB_NAME", db.Name)
	db.SSLMode = getEnvOrDefault("DB_SSLMODE", db.SSLMode)
	db.Path = getEnvOrDefault("APPROVAL_SQLITE_PATH", db.Path)
	db.LogQueries = getBoolOrDefault("DB_LOG_QUERIES", db.LogQueries)

	if value := os.Getenv("APPROVAL_MACHINE_ID"); value != "" {
		id, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid APPROVAL_MACHINE_ID: %w", err)
		}
		c.Engine.MachineID = uint16(id)
	}

	c.Log.Level = strings.ToLower(getEnvOrDefault("APPROVAL_LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(getEnvOrDefault("APPROVAL_LOG_FORMAT", c.Log.Format))
	return nil
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("redis addr is required"))
		}
	case DriverPostgres:
		if c.Storage.Database.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required"))
		}
		if c.Storage.Database.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
	case DriverSQLite:
		if c.Storage.Database.Path == "" {
			errs = append(errs, errors.New("sqlite path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.Engine.LockTTL <= 0 {
		errs = append(errs, errors.New("engine lock_ttl must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
