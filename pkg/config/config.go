// Package config loads the runtime configuration from YAML with
// environment variable expansion. A .env file next to the process is
// honored before expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/inkeep/agents-run/pkg/auth"
)

// Config is the full runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Model    ModelConfig    `yaml:"model"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
	// TurnTimeoutSeconds bounds one user turn.
	TurnTimeoutSeconds int `yaml:"turn_timeout_seconds"`
}

// DatabaseConfig configures the SQLite ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig configures caller resolution.
type AuthConfig struct {
	Environment  string `yaml:"environment"`
	BypassSecret string `yaml:"bypass_secret"`
}

// ModelConfig configures the completion provider.
type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// SandboxConfig configures the function sandbox.
type SandboxConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               3003,
			TurnTimeoutSeconds: 120,
		},
		Database: DatabaseConfig{Path: "inkeep-run.db"},
		Auth:     AuthConfig{Environment: string(auth.EnvDevelopment)},
		Model: ModelConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Logging: LoggingConfig{Level: "info", Format: "compact", Output: "stdout"},
	}
}

// Load reads and expands a YAML config file, falling back to defaults
// for unset fields. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	// A .env file is optional; missing is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		cfg.normalize()
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := expandEnvVars(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Server.Port == 0 {
		c.Server.Port = 3003
	}
	if c.Server.BaseURL == "" {
		host := c.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		c.Server.BaseURL = fmt.Sprintf("http://%s:%d", host, c.Server.Port)
	}
	if c.Server.TurnTimeoutSeconds <= 0 {
		c.Server.TurnTimeoutSeconds = 120
	}
	if c.Auth.Environment == "" {
		c.Auth.Environment = string(auth.EnvProduction)
	}
}

// TurnTimeout returns the configured turn deadline.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Server.TurnTimeoutSeconds) * time.Second
}

// ListenAddr returns host:port for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
)

// expandEnvVars substitutes ${VAR} and ${VAR:-default} references.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	s = envBraced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
	return s
}
