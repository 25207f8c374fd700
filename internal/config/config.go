// Package config loads proxy configuration from an optional YAML file plus
// environment variables. Environment always wins so container deployments can
// override a checked-in config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds everything the proxy needs at startup.
type Config struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	DatabasePath      string `yaml:"database_path"`
	CORSOrigins       string `yaml:"cors_origins"`
	DefaultGatewayURL string `yaml:"default_gateway_url"`
	LogLevel          string `yaml:"log_level"`
	TelemetryPath     string `yaml:"telemetry_path"`
}

// Load builds the configuration. Precedence: defaults < YAML file < env.
// The YAML file path comes from CONFIG_PATH and is optional; a missing file
// is only an error when CONFIG_PATH was set explicitly.
func Load() (*Config, error) {
	cfg := &Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		DatabasePath: DefaultDatabasePath,
		CORSOrigins:  DefaultCORSOrigins,
		LogLevel:     "info",
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = port
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = v
	}
	if v := os.Getenv("DEFAULT_GATEWAY_URL"); v != "" {
		cfg.DefaultGatewayURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TELEMETRY_PATH"); v != "" {
		cfg.TelemetryPath = v
	}

	return cfg, nil
}

// CORSOriginList splits the comma-separated origins, trimming whitespace.
func (c *Config) CORSOriginList() []string {
	parts := strings.Split(c.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if o := strings.TrimSpace(p); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Addr returns the host:port bind address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
