// Package config loads service settings: defaults, then an optional YAML
// file, then MOZAREX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// PathEnv names the YAML file to load.
	PathEnv   = "MOZAREX_CONFIG"
	envPrefix = "MOZAREX_"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http" envPrefix:"HTTP_"`
	Cache    CacheConfig    `yaml:"cache" envPrefix:"CACHE_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	LLM      LLMConfig      `yaml:"llm" envPrefix:"LLM_"`
	Sweep    SweepConfig    `yaml:"sweep" envPrefix:"SWEEP_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

type HTTPConfig struct {
	Port            int           `yaml:"port" env:"PORT" validate:"gt=0,lte=65535"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES" validate:"gt=0"`
}

type CacheConfig struct {
	Backend           string        `yaml:"backend" env:"BACKEND" validate:"oneof=memory redis postgres"`
	TTL               time.Duration `yaml:"ttl" env:"TTL" validate:"gt=0"`
	GenerationTimeout time.Duration `yaml:"generation_timeout" env:"GENERATION_TIMEOUT" validate:"gt=0"`
	// CleanupInterval only drives the memory backend's own purge loop.
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

type PostgresConfig struct {
	DSN           string `yaml:"dsn" env:"DSN"`
	RunMigrations bool   `yaml:"run_migrations" env:"RUN_MIGRATIONS"`
	MaxOpenConns  int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB" validate:"gte=0"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type LLMConfig struct {
	BaseURL    string        `yaml:"base_url" env:"BASE_URL" validate:"required,url"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	Model      string        `yaml:"model" env:"MODEL" validate:"required"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gt=0"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0,lte=10"`
}

type SweepConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Schedule is a cron spec with a leading seconds field.
	Schedule string `yaml:"schedule" env:"SCHEDULE" validate:"required"`
}

type LogConfig struct {
	Env   string `yaml:"env" env:"ENV"`
	Level string `yaml:"level" env:"LEVEL"`
}

// Defaults returns a configuration that runs locally with the memory backend.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:            8080,
			RequestTimeout:  150 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    64 * 1024,
		},
		Cache: CacheConfig{
			Backend:           "memory",
			TTL:               30 * 24 * time.Hour,
			GenerationTimeout: 2 * time.Minute,
			CleanupInterval:   5 * time.Minute,
		},
		Postgres: PostgresConfig{
			MaxOpenConns: 10,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "mozarex",
		},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com",
			Model:      "gpt-4o-mini",
			Timeout:    90 * time.Second,
			MaxRetries: 2,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "0 0 3 * * *",
		},
		Log: LogConfig{
			Env:   "production",
			Level: "info",
		},
	}
}

// Load builds the configuration. An empty path falls back to $MOZAREX_CONFIG;
// when both are empty only defaults and environment apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	switch c.Cache.Backend {
	case "postgres":
		if c.Postgres.DSN == "" {
			return errors.New("config validation failed: postgres backend requires postgres.dsn")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("config validation failed: redis backend requires redis.addr")
		}
	}
	return nil
}
