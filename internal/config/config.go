// Package config loads the bridge configuration from an optional YAML file
// overlaid with environment variables (a .env file is honored when present).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the listener port used when nothing is configured.
const DefaultPort = 3775

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// ServerConfig defines listener behaviour.
type ServerConfig struct {
	Port      int  `yaml:"port" env:"LMBRIDGE_PORT"`
	AutoStart bool `yaml:"auto_start" env:"LMBRIDGE_AUTO_START"`
}

// ModelConfig carries model selection defaults.
type ModelConfig struct {
	Default string `yaml:"default" env:"LMBRIDGE_DEFAULT_MODEL"`
}

// UpstreamConfig carries credentials for the upstream provider adapter.
type UpstreamConfig struct {
	APIKey  string `yaml:"api_key" env:"LMBRIDGE_UPSTREAM_API_KEY"`
	BaseURL string `yaml:"base_url" env:"LMBRIDGE_UPSTREAM_BASE_URL"`
}

// Load reads YAML configuration from disk (path may be empty for pure-env
// operation), applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	// Load .env if available; ignore error if the file does not exist.
	_ = godotenv.Load()

	cfg := Config{
		Server: ServerConfig{Port: DefaultPort, AutoStart: true},
	}

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	return nil
}
