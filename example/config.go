package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shastrum/go-captchaguard"
	"github.com/shastrum/go-captchaguard/store/redisstore"
	"gopkg.in/yaml.v3"
)

const (
	driverMemory   = "memory"
	driverRedis    = "redis"
	driverPostgres = "postgres"
)

// config is read from a YAML file. Everything in settings can then be
// overridden by CAPTCHAGUARD_* variables; challenges come from the file only.
type config struct {
	settings `yaml:",inline"`

	// Seeded into the store at startup.
	Challenges []captchaguard.TextChallenge `yaml:"challenges"`
}

type settings struct {
	Port           int           `yaml:"port" env:"CAPTCHAGUARD_PORT"`
	Secret         string        `yaml:"secret" env:"CAPTCHAGUARD_SECRET"`
	FailureMessage string        `yaml:"failureMessage" env:"CAPTCHAGUARD_FAILURE_MESSAGE"`
	Disabled       bool          `yaml:"disabled" env:"CAPTCHAGUARD_DISABLED"`
	StatusTTL      time.Duration `yaml:"statusTTL" env:"CAPTCHAGUARD_STATUS_TTL"`
	SecureCookies  bool          `yaml:"secureCookies" env:"CAPTCHAGUARD_SECURE_COOKIES"`
	LogLevel       string        `yaml:"logLevel" env:"CAPTCHAGUARD_LOG_LEVEL"`
	AllowedOrigins []string      `yaml:"allowedOrigins" env:"CAPTCHAGUARD_ALLOWED_ORIGINS" envSeparator:","`
	Store          storeConfig   `yaml:"store" envPrefix:"CAPTCHAGUARD_STORE_"`
}

type storeConfig struct {
	Driver      string            `yaml:"driver" env:"DRIVER"`
	Redis       redisstore.Config `yaml:"redis" envPrefix:"REDIS_"`
	PostgresDSN string            `yaml:"postgresDSN" env:"POSTGRES_DSN"`
}

// loadConfig reads the YAML file at path, applies environment overrides,
// validates the result and fills in defaults. An empty path skips the file.
func loadConfig(path string) (*config, error) {
	var cfg config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	}

	if err := env.Parse(&cfg.settings); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	setDefaults(&cfg)
	return &cfg, nil
}

func validateConfig(cfg *config) error {
	if cfg.Secret == "" {
		return fmt.Errorf("'secret' is required (or set CAPTCHAGUARD_SECRET)")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("'port' %d is out of range", cfg.Port)
	}

	switch cfg.Store.Driver {
	case "", driverMemory:
		if len(cfg.Challenges) == 0 {
			return fmt.Errorf("the memory store needs at least one entry in 'challenges'")
		}
	case driverRedis:
		if cfg.Store.Redis.Addr == "" {
			return fmt.Errorf("'store.redis.addr' is required for the redis store")
		}
	case driverPostgres:
		if cfg.Store.PostgresDSN == "" {
			return fmt.Errorf("'store.postgresDSN' is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	for i, ch := range cfg.Challenges {
		if ch.Question == "" || len(ch.Answers) == 0 {
			return fmt.Errorf("challenge at index %d needs a question and at least one answer", i)
		}
	}
	return nil
}

func setDefaults(cfg *config) {
	if cfg.Port == 0 {
		cfg.Port = 3002
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = driverMemory
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://127.0.0.1:5500", "http://localhost:5500"}
	}
	for i := range cfg.Challenges {
		if cfg.Challenges[i].Key == "" {
			cfg.Challenges[i].Key = fmt.Sprintf("seed-%d", i)
		}
	}
}
