// Package config resolves runtime configuration from the environment, with
// an optional YAML overlay for deployments that ship a config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the effective runtime configuration of the backend.
type Config struct {
	// DatabaseURL selects the store: postgres://… for production, any other
	// value is treated as an SQLite file path (dev default parking.db).
	DatabaseURL string `yaml:"database_url"`

	HTTPAddr    string `yaml:"http_addr"`
	IngressAddr string `yaml:"ingress_addr"`

	// HardwarePort is the controller-side command port CMD:OPEN is sent to.
	HardwarePort    int           `yaml:"hardware_port"`
	HardwareTimeout time.Duration `yaml:"hardware_timeout"`

	DebounceWindow time.Duration `yaml:"debounce_window"`

	// RedisAddr, when set, switches the event bus to Redis Pub/Sub so feed
	// events reach every backend instance.
	RedisAddr string `yaml:"redis_addr"`

	AllowedOrigins string `yaml:"allowed_origins"`
	Env            string `yaml:"env"`
}

// Load reads .env (if present), applies the optional YAML file named by
// PARKOS_CONFIG, and lets environment variables override both.
func Load() (*Config, error) {
	// Missing .env is fine; explicit files that fail to parse are not.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:     "parking.db",
		HTTPAddr:        ":5000",
		IngressAddr:     ":7000",
		HardwarePort:    5005,
		HardwareTimeout: 2 * time.Second,
		DebounceWindow:  20 * time.Second,
		Env:             "development",
	}

	if path := os.Getenv("PARKOS_CONFIG"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.HardwarePort <= 0 || cfg.HardwarePort > 65535 {
		return nil, fmt.Errorf("invalid hardware port %d", cfg.HardwarePort)
	}
	if cfg.DebounceWindow < 0 {
		return nil, fmt.Errorf("debounce window must not be negative")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("INGRESS_ADDR"); v != "" {
		cfg.IngressAddr = v
	}
	if v := os.Getenv("HARDWARE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HardwarePort = p
		}
	}
	if v := os.Getenv("HARDWARE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HardwareTimeout = d
		}
	}
	if v := os.Getenv("DEBOUNCE_SECONDS"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s >= 0 {
			cfg.DebounceWindow = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = v
	}
	if v := os.Getenv("PARKOS_ENV"); v != "" {
		cfg.Env = v
	}
}
