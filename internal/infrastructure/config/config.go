// Package config loads service configuration from defaults, an optional
// config file and TXN_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends
const (
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config holds all configuration for the service
type Config struct {
	HTTPAddr       string `mapstructure:"HTTP_ADDR"`
	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`

	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	DataDir       string `mapstructure:"DATA_DIR"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	QueueName          string        `mapstructure:"QUEUE_NAME"`
	WorkerConcurrency  int           `mapstructure:"WORKER_CONCURRENCY"`
	SuccessRate        float64       `mapstructure:"SUCCESS_RATE"`
	AllowForcedOutcome bool          `mapstructure:"ALLOW_FORCED_OUTCOME"`
	ReceiveTimeout     time.Duration `mapstructure:"RECEIVE_TIMEOUT"`
	StoreTimeout       time.Duration `mapstructure:"STORE_TIMEOUT"`
	ReconcileAfter     time.Duration `mapstructure:"RECONCILE_AFTER"`
	CacheTTL           time.Duration `mapstructure:"CACHE_TTL"`
}

var defaults = map[string]interface{}{
	"HTTP_ADDR":       ":8080",
	"METRICS_ENABLED": true,
	"LOG_LEVEL":       "info",

	"STORE_BACKEND":  BackendBadger,
	"DATA_DIR":       "./data",
	"REDIS_ADDR":     "localhost:6379",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"QUEUE_NAME":           "transactions",
	"WORKER_CONCURRENCY":   4,
	"SUCCESS_RATE":         0.85,
	"ALLOW_FORCED_OUTCOME": false,
	"RECEIVE_TIMEOUT":      "5s",
	"STORE_TIMEOUT":        "3s",
	"RECONCILE_AFTER":      "5m",
	"CACHE_TTL":            "10m",
}

// Load reads configuration. configFile may be empty, in which case a
// config.yaml in the working directory or ./configs is used if present.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("TXN") // TXN_HTTP_ADDR, TXN_STORE_BACKEND etc.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at startup
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendBadger, BackendRedis:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q: must be %s or %s", c.StoreBackend, BackendBadger, BackendRedis)
	}
	if c.SuccessRate < 0 || c.SuccessRate > 1 {
		return fmt.Errorf("invalid SUCCESS_RATE %v: must be between 0 and 1", c.SuccessRate)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("invalid WORKER_CONCURRENCY %d: must be at least 1", c.WorkerConcurrency)
	}
	if c.QueueName == "" {
		return errors.New("QUEUE_NAME is required")
	}
	if c.ReconcileAfter <= 0 {
		return fmt.Errorf("invalid RECONCILE_AFTER %s: must be positive", c.ReconcileAfter)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("invalid CACHE_TTL %s: must be positive", c.CacheTTL)
	}
	return nil
}
