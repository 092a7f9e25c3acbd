// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileEnv names an optional TOML file loaded before environment variables.
const ConfigFileEnv = "MATESTAY_CONFIG"

// Config holds all application configuration.
type Config struct {
	Port             string   `toml:"port"`
	FrontendURL      string   `toml:"frontend_url"`
	DBDriver         string   `toml:"db_driver"` // "sqlite" or "postgres"
	DBPath           string   `toml:"db_path"`
	DatabaseURL      string   `toml:"database_url"`
	JWTSecret        string   `toml:"jwt_secret"`
	JWTIssuer        string   `toml:"jwt_issuer"`
	MaxMessageLength int      `toml:"max_message_length"`
	WebSocket        WSConfig `toml:"websocket"`
}

// WSConfig controls realtime connection behaviour.
type WSConfig struct {
	SendBuffer   int      `toml:"send_buffer"`
	PingInterval Duration `toml:"ping_interval"`
	WriteTimeout Duration `toml:"write_timeout"`
	EventLimit   int      `toml:"event_limit"`
	EventWindow  Duration `toml:"event_window"`
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Port:             "8080",
		DBDriver:         "sqlite",
		DBPath:           "./data/matestay.db",
		MaxMessageLength: 4000,
		WebSocket: WSConfig{
			SendBuffer:   64,
			PingInterval: Duration{30 * time.Second},
			WriteTimeout: Duration{10 * time.Second},
			EventLimit:   30,
			EventWindow:  Duration{10 * time.Second},
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file named by
// MATESTAY_CONFIG, then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBDriver = strings.ToLower(getEnv("DB_DRIVER", c.DBDriver))
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = getEnv("JWT_ISSUER", c.JWTIssuer)
	c.MaxMessageLength = getEnvInt("MAX_MESSAGE_LENGTH", c.MaxMessageLength)
	c.WebSocket.SendBuffer = getEnvInt("WS_SEND_BUFFER", c.WebSocket.SendBuffer)
	c.WebSocket.PingInterval.Duration = getEnvDuration("WS_PING_INTERVAL", c.WebSocket.PingInterval.Duration)
	c.WebSocket.WriteTimeout.Duration = getEnvDuration("WS_WRITE_TIMEOUT", c.WebSocket.WriteTimeout.Duration)
	c.WebSocket.EventLimit = getEnvInt("WS_EVENT_LIMIT", c.WebSocket.EventLimit)
	c.WebSocket.EventWindow.Duration = getEnvDuration("WS_EVENT_WINDOW", c.WebSocket.EventWindow.Duration)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.MaxMessageLength < 0 {
		return errors.New("MAX_MESSAGE_LENGTH must be >= 0")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("WS_SEND_BUFFER must be > 0")
	}
	if c.WebSocket.PingInterval.Duration < 0 || c.WebSocket.WriteTimeout.Duration < 0 {
		return errors.New("WebSocket timeouts cannot be negative")
	}
	if c.WebSocket.EventLimit > 0 && c.WebSocket.EventWindow.Duration <= 0 {
		return errors.New("WS_EVENT_WINDOW must be > 0 when WS_EVENT_LIMIT is set")
	}
	return nil
}

// DSN returns the data source for the configured driver.
func (c *Config) DSN() string {
	if c.DBDriver == "postgres" {
		return c.DatabaseURL
	}
	return c.DBPath
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
