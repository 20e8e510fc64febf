// Package config loads client settings from defaults, an optional YAML file, a .env file
// and MX_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/mtaalamux/client/internal/session"
	"github.com/mtaalamux/client/internal/transport"
	"github.com/mtaalamux/client/pkg/logger"
	"github.com/mtaalamux/client/pkg/tracing"
)

type Config struct {
	API     APIConfig     `koanf:"api"`
	Retry   RetryConfig   `koanf:"retry"`
	Session SessionConfig `koanf:"session"`
	Log     LogConfig     `koanf:"log"`
	Otel    OtelConfig    `koanf:"otel"`
}

type APIConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

type RetryConfig struct {
	BaseDelay   time.Duration `koanf:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `koanf:"max_delay" validate:"gtefield=BaseDelay"`
	MaxAttempts int           `koanf:"max_attempts" validate:"min=1,max=20"`
}

type SessionConfig struct {
	Dir string `koanf:"dir"`
}

type LogConfig struct {
	Level    string `koanf:"level" validate:"oneof=debug info warn error"`
	Encoding string `koanf:"encoding" validate:"oneof=json console"`
}

type OtelConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint" validate:"required_if=Enabled true"`
	ServiceName string `koanf:"service_name" validate:"required"`
	Insecure    bool   `koanf:"insecure"`
}

// DefaultEnvFile is read when Load is given no env files.
const DefaultEnvFile = ".env"

// Load builds the configuration. configPath may be empty. Missing env files are ignored;
// variables already present in the environment win over those in env files.
func Load(configPath string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{DefaultEnvFile}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	k := koanf.New(".")
	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := k.Load(env.Provider("MX_", ".", envKeyReplacer), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Session.Dir == "" {
		cfg.Session.Dir = session.DefaultDir()
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"api.base_url": "http://localhost:8000/api/v1",
		"api.timeout":  "30s",

		"retry.base_delay":   "100ms",
		"retry.max_delay":    "10s",
		"retry.max_attempts": 5,

		"log.level":    "info",
		"log.encoding": "console",

		"otel.enabled":      false,
		"otel.insecure":     true,
		"otel.service_name": "mx",
	}
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

var envKeyMap = map[string]string{
	"MX_API_BASE_URL":       "api.base_url",
	"MX_API_TIMEOUT":        "api.timeout",
	"MX_RETRY_BASE_DELAY":   "retry.base_delay",
	"MX_RETRY_MAX_DELAY":    "retry.max_delay",
	"MX_RETRY_MAX_ATTEMPTS": "retry.max_attempts",
	"MX_SESSION_DIR":        "session.dir",
	"MX_LOG_LEVEL":          "log.level",
	"MX_LOG_ENCODING":       "log.encoding",
	"MX_OTEL_ENABLED":       "otel.enabled",
	"MX_OTEL_ENDPOINT":      "otel.endpoint",
	"MX_OTEL_SERVICE_NAME":  "otel.service_name",
	"MX_OTEL_INSECURE":      "otel.insecure",
}

func envKeyReplacer(s string) string {
	return envKeyMap[s]
}

// Transport returns the transport settings.
func (c *Config) Transport() transport.Config {
	return transport.Config{
		BaseURL: c.API.BaseURL,
		Timeout: c.API.Timeout,
		Retry: transport.RetryPolicy{
			BaseDelay:   c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
			MaxAttempts: c.Retry.MaxAttempts,
		},
	}
}

func (c *Config) Logger() logger.Config {
	return logger.Config{Level: c.Log.Level, Encoding: c.Log.Encoding}
}

func (c *Config) Tracing(version string) tracing.Config {
	return tracing.Config{
		Enabled:     c.Otel.Enabled,
		Endpoint:    c.Otel.Endpoint,
		ServiceName: c.Otel.ServiceName,
		Version:     version,
		Insecure:    c.Otel.Insecure,
	}
}
