package config

import (
	"fmt"
	"os"

	"github.com/jgivc/coursepull/internal/adapter/remote"
	"github.com/jgivc/coursepull/internal/cache"
	"github.com/jgivc/coursepull/internal/credential"
	"github.com/jgivc/coursepull/internal/download"
	"github.com/jgivc/coursepull/internal/ratelimit"
	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	envRedisURL     = "COURSEPULL_REDIS_URL"
	envClientSecret = "COURSEPULL_CLIENT_SECRET"
)

type Config struct {
	Listen   string `yaml:"listen"`
	RedisURL string `yaml:"redis_url"`
	LogLevel string `yaml:"log_level"`
	OutDir   string `yaml:"out_dir"`

	Remote     remote.Config     `yaml:"remote"`
	Auth       remote.AuthConfig `yaml:"auth"`
	RateLimit  ratelimit.Config  `yaml:"rate_limit"`
	Cache      cache.Config      `yaml:"cache"`
	Credential credential.Config `yaml:"credential"`
	Download   download.Config   `yaml:"download"`
}

// MustLoad reads the yaml config and overlays secrets from the
// environment. A .env file next to the process is honored if present.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

func Load(path string) (*Config, error) {
	// Missing .env is fine, the environment may be set by the platform.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file: %w", err)
	}

	if v := os.Getenv(envRedisURL); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv(envClientSecret); v != "" {
		cfg.Auth.ClientSecret = v
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379/0"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogLevelInfo
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "downloads"
	}

	return &cfg, nil
}
