package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
}

// QueueConfig tunes the durable ingest job queue (spec §4.9, §6.1).
// Intervals are bound from plain-integer-seconds env vars, so they are
// stored as ints and converted to time.Duration at use.
type QueueConfig struct {
	Name            string `mapstructure:"name"`
	VTSecs          int    `mapstructure:"vt_secs"`
	PollIntervalSec int    `mapstructure:"poll_interval_secs"`
	MaxRetries      int    `mapstructure:"max_retries"`
	RetryBaseSecs   int    `mapstructure:"retry_base_secs"`
	RetryMaxSecs    int    `mapstructure:"retry_max_secs"`
}

// VT returns the visibility timeout as a time.Duration.
func (q QueueConfig) VT() time.Duration { return time.Duration(q.VTSecs) * time.Second }

// PollInterval returns the poll interval as a time.Duration.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalSec) * time.Second
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
	MaxRetries        int    `mapstructure:"max_retries"`
	InitialBackoffMs  int    `mapstructure:"initial_backoff_ms"`
	MaxBackoffMs      int    `mapstructure:"max_backoff_ms"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type    string `mapstructure:"type"`
	BasePath string `mapstructure:"base_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	NoColor bool  `mapstructure:"no_color"`
}

var globalConfig *Config

// Load loads the configuration from file, .env, and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// Load .env file with the in-package KEY=VALUE reader (loadEnvFile)
	if err := loadEnvFile(v); err != nil {
		// .env is optional, log but don't fail
		log.Warn().Err(err).Msg("Warning: .env file not loaded")
	}

	// Enable environment variable override. Provider env vars (STEAM_*,
	// PS_STORE_*, ...) are read verbatim by their own packages via
	// os.Getenv, not through viper, so no prefix is applied here; the
	// queue vars (QUEUE_VT_SECS, ...) are bound to config keys in
	// bindEnvVars below (spec §6.1).
	v.AutomaticEnv()

	// Bind env keys for nested config
	bindEnvVars(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// loadEnvFile loads .env file by parsing KEY=VALUE lines and setting them as environment variables
func loadEnvFile(v *viper.Viper) error {
	// Try to load .env file from various locations
	envPaths := []string{
		".",
		"../../..", // From services/price-service to workspace root
		"./config",
	}

	for _, path := range envPaths {
		envFile := fmt.Sprintf("%s/.env", path)
		if _, err := os.Stat(envFile); err == nil {
			// Parse .env file and set environment variables
			if err := loadDotEnvFile(envFile); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no .env file found")
}

// loadDotEnvFile reads a .env file and sets environment variables
func loadDotEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			// Remove quotes if present
			value = strings.Trim(value, "\"'")
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

// bindEnvVars binds environment variables to config keys
func bindEnvVars(v *viper.Viper) {
	// Database
	v.BindEnv("database.url", "DATABASE_URL")

	// Server
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.host", "HOST")

	// Logging
	v.BindEnv("logging.level", "LOG_LEVEL")

	// Storage
	v.BindEnv("storage.base_path", "STORAGE_PATH")

	// Queue
	v.BindEnv("queue.name", "QUEUE_NAME")
	v.BindEnv("queue.vt_secs", "QUEUE_VT_SECS")
	v.BindEnv("queue.poll_interval_secs", "QUEUE_POLL_SECS")
	v.BindEnv("queue.max_retries", "QUEUE_MAX_RETRIES")
	v.BindEnv("queue.retry_base_secs", "QUEUE_RETRY_BASE_SECS")
	v.BindEnv("queue.retry_max_secs", "QUEUE_RETRY_MAX_SECS")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.max_conn_lifetime", 1*time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	// Rate limit defaults
	v.SetDefault("rate_limit.requests_per_second", 2)
	v.SetDefault("rate_limit.max_retries", 3)
	v.SetDefault("rate_limit.initial_backoff_ms", 100)
	v.SetDefault("rate_limit.max_backoff_ms", 30000)

	// Storage defaults
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.base_path", "./data/archives")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.no_color", false)

	// Queue defaults (spec §4.9, §6.1)
	v.SetDefault("queue.name", "ingest")
	v.SetDefault("queue.vt_secs", 30)
	v.SetDefault("queue.poll_interval_secs", 2)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.retry_base_secs", 10)
	v.SetDefault("queue.retry_max_secs", 600)
}

// Get returns the global configuration
func Get() *Config {
	return globalConfig
}

// GetDatabaseURL resolves the Postgres DSN in priority order:
// SUPABASE_IPV6_DB, then SUPABASE_DB_URL, then DATABASE_URL, falling
// back to the config file's database.url.
func GetDatabaseURL() string {
	for _, env := range []string{"SUPABASE_IPV6_DB", "SUPABASE_DB_URL", "DATABASE_URL"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if cfg := Get(); cfg != nil {
		return cfg.Database.URL
	}
	return ""
}
