package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ConfigFileEnv names the optional TOML file applied before env overrides.
const ConfigFileEnv = "MUNCHKIN_CONFIG_FILE"

type Config struct {
	// Game server
	Host      string `env:"TCP_HOST" default:"0.0.0.0"`
	Port      int    `env:"TCP_PORT" default:"7777"`
	AdminPort int    `env:"ADMIN_PORT" default:"7778"`
	Version   string `env:"GAME_VERSION" default:"1.0"`

	// Transport
	MessageTimeout time.Duration `env:"MESSAGE_TIMEOUT" default:"2s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" default:"5s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" default:"10s"`
	RateLimit      float64       `env:"RATE_LIMIT" default:"20"` // 0 disables limiting
	RateBurst      int           `env:"RATE_BURST" default:"40"`

	// Authentication
	Passcode    string        `env:"GAME_PASSCODE"`
	TokenSecret string        `env:"JWT_SECRET"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" default:"24h"`

	// Redis roster store, in-memory when RedisURL is empty
	RedisURL      string `env:"REDIS_URL"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RosterKey     string `env:"ROSTER_KEY" default:"munchkin:roster"`

	// Development
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// fileConfig is the TOML layout of the config file.
type fileConfig struct {
	Host           string  `toml:"host"`
	Port           int     `toml:"port"`
	AdminPort      int     `toml:"admin_port"`
	Version        string  `toml:"version"`
	MessageTimeout string  `toml:"message_timeout"`
	RequestTimeout string  `toml:"request_timeout"`
	WriteTimeout   string  `toml:"write_timeout"`
	RateLimit      float64 `toml:"rate_limit"`
	RateBurst      int     `toml:"rate_burst"`
	Passcode       string  `toml:"passcode"`
	TokenSecret    string  `toml:"token_secret"`
	TokenTTL       string  `toml:"token_ttl"`
	RedisURL       string  `toml:"redis_url"`
	RedisPassword  string  `toml:"redis_password"`
	RosterKey      string  `toml:"roster_key"`
	LogLevel       string  `toml:"log_level"`
	LogFormat      string  `toml:"log_format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           7777,
		AdminPort:      7778,
		Version:        "1.0",
		MessageTimeout: 2 * time.Second,
		RequestTimeout: 5 * time.Second,
		WriteTimeout:   10 * time.Second,
		RateLimit:      20,
		RateBurst:      40,
		TokenTTL:       24 * time.Hour,
		RosterKey:      "munchkin:roster",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// LoadConfig loads .env, then the optional TOML file, then environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		// A broken .env is worth knowing about; a missing one is not
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	config := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := loadEnvString(&config.Host, "TCP_HOST", config.Host); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.Port, "TCP_PORT", config.Port); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.AdminPort, "ADMIN_PORT", config.AdminPort); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.Version, "GAME_VERSION", config.Version); err != nil {
		return nil, err
	}

	// Transport
	if err := loadEnvDuration(&config.MessageTimeout, "MESSAGE_TIMEOUT", config.MessageTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.RequestTimeout, "REQUEST_TIMEOUT", config.RequestTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.WriteTimeout, "WRITE_TIMEOUT", config.WriteTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&config.RateLimit, "RATE_LIMIT", config.RateLimit); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.RateBurst, "RATE_BURST", config.RateBurst); err != nil {
		return nil, err
	}

	// Authentication
	if err := loadEnvString(&config.Passcode, "GAME_PASSCODE", config.Passcode); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.TokenSecret, "JWT_SECRET", config.TokenSecret); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.TokenTTL, "TOKEN_TTL", config.TokenTTL); err != nil {
		return nil, err
	}

	// Redis
	if err := loadEnvString(&config.RedisURL, "REDIS_URL", config.RedisURL); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisPassword, "REDIS_PASSWORD", config.RedisPassword); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RosterKey, "ROSTER_KEY", config.RosterKey); err != nil {
		return nil, err
	}

	// Development
	if err := loadEnvString(&config.LogLevel, "LOG_LEVEL", config.LogLevel); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogFormat, "LOG_FORMAT", config.LogFormat); err != nil {
		return nil, err
	}
	return config, nil
}

// applyFile overlays the keys present in a TOML file.
func (c *Config) applyFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config file: unknown keys %v", undecoded)
	}

	if meta.IsDefined("host") {
		c.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		c.Port = raw.Port
	}
	if meta.IsDefined("admin_port") {
		c.AdminPort = raw.AdminPort
	}
	if meta.IsDefined("version") {
		c.Version = strings.TrimSpace(raw.Version)
	}
	if meta.IsDefined("message_timeout") {
		if err := parseDuration(&c.MessageTimeout, "message_timeout", raw.MessageTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("request_timeout") {
		if err := parseDuration(&c.RequestTimeout, "request_timeout", raw.RequestTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("write_timeout") {
		if err := parseDuration(&c.WriteTimeout, "write_timeout", raw.WriteTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("rate_limit") {
		c.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		c.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("passcode") {
		c.Passcode = raw.Passcode
	}
	if meta.IsDefined("token_secret") {
		c.TokenSecret = raw.TokenSecret
	}
	if meta.IsDefined("token_ttl") {
		if err := parseDuration(&c.TokenTTL, "token_ttl", raw.TokenTTL); err != nil {
			return err
		}
	}
	if meta.IsDefined("redis_url") {
		c.RedisURL = strings.TrimSpace(raw.RedisURL)
	}
	if meta.IsDefined("redis_password") {
		c.RedisPassword = raw.RedisPassword
	}
	if meta.IsDefined("roster_key") {
		c.RosterKey = strings.TrimSpace(raw.RosterKey)
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		c.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	return nil
}

func parseDuration(target *time.Duration, key, value string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid duration value for %s: %v", key, err)
	}
	*target = parsed
	return nil
}

// Helper functions for type conversion and validation
func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		return parseDuration(target, key, value)
	}
	*target = defaultValue
	return nil
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var errors []string

	if c.Port < 0 || c.Port > 65535 {
		errors = append(errors, "TCP_PORT must be between 0 and 65535")
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errors = append(errors, "ADMIN_PORT must be between 0 and 65535")
	}
	if c.Version == "" {
		errors = append(errors, "GAME_VERSION must not be empty")
	}
	if c.MessageTimeout <= 0 {
		errors = append(errors, "MESSAGE_TIMEOUT must be positive")
	}
	if c.RequestTimeout <= 0 {
		errors = append(errors, "REQUEST_TIMEOUT must be positive")
	}
	if c.WriteTimeout <= 0 {
		errors = append(errors, "WRITE_TIMEOUT must be positive")
	}
	if c.RateLimit < 0 {
		errors = append(errors, "RATE_LIMIT must not be negative")
	}
	if c.RateBurst < 1 {
		errors = append(errors, "RATE_BURST must be at least 1")
	}
	if c.TokenTTL <= 0 {
		errors = append(errors, "TOKEN_TTL must be positive")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	// An empty secret means the server generates one per process
	if c.TokenSecret != "" && len(c.TokenSecret) < 32 {
		errors = append(errors, "JWT_SECRET should be at least 32 characters long")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}
	return nil
}

// Addr is the game server listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AdminAddr is the admin HTTP listen address.
func (c *Config) AdminAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.AdminPort))
}

// IsProtected reports whether joining requires a passcode.
func (c *Config) IsProtected() bool {
	return c.Passcode != ""
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
