// Package config loads relay node settings from the environment and an
// optional config file using Viper, applying defaults and sanitizing values
// before they reach the transport, bus, directory and store layers.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Supported DATABASE_DRIVER values.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// NATSConfig points the node at the cluster used for the event bus and the
// shared presence directory. An empty URL keeps both in process memory.
type NATSConfig struct {
	URL           string
	User          string
	Password      string
	SubjectPrefix string
	Bucket        string
}

// DatabaseConfig selects the message store backend.
type DatabaseConfig struct {
	Driver string
	URL    string
}

// AuthConfig enables the optional bearer token check on the WebSocket upgrade.
type AuthConfig struct {
	JWTSecret string
	Cookie    string
}

// Enabled reports whether handshake tokens are verified.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// Config holds every setting a relay node needs.
type Config struct {
	NodeID            string
	Port              string
	AllowedOrigins    []string
	MaxMessageSize    int64
	RateLimit         RateLimitConfig
	NATS              NATSConfig
	DirectoryTimeout  time.Duration
	Database          DatabaseConfig
	CallAnswerTimeout time.Duration
	ShutdownTimeout   time.Duration
	LogLevel          string
	LogFormat         string
	Auth              AuthConfig
	Telemetry         TelemetryConfig
}

// settings mirrors the environment keys one to one.
type settings struct {
	NodeID            string `mapstructure:"NODE_ID"`
	Port              string `mapstructure:"SERVER_PORT"`
	AllowedOrigins    string `mapstructure:"ALLOWED_ORIGINS"`
	MaxMessageSize    int64  `mapstructure:"MAX_MESSAGE_SIZE"`
	RateLimitBurst    int    `mapstructure:"RATE_LIMIT_BURST"`
	RateLimitRefill   int    `mapstructure:"RATE_LIMIT_REFILL_INTERVAL"`
	NATSURL           string `mapstructure:"NATS_URL"`
	NATSUser          string `mapstructure:"NATS_USER"`
	NATSPass          string `mapstructure:"NATS_PASS"`
	SubjectPrefix     string `mapstructure:"NATS_SUBJECT_PREFIX"`
	DirectoryBucket   string `mapstructure:"DIRECTORY_BUCKET"`
	DirectoryTimeout  string `mapstructure:"DIRECTORY_TIMEOUT"`
	DatabaseDriver    string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	CallAnswerTimeout string `mapstructure:"CALL_ANSWER_TIMEOUT"`
	ShutdownTimeout   string `mapstructure:"SHUTDOWN_TIMEOUT"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`
	LogFormat         string `mapstructure:"LOG_FORMAT"`
	JWTSecret         string `mapstructure:"JWT_SECRET"`
	JWTCookie         string `mapstructure:"JWT_COOKIE"`
	OTelEnabled       bool   `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint      string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName   string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 64 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          50,
			RefillInterval: time.Second,
		},
		NATS: NATSConfig{
			SubjectPrefix: "chat",
			Bucket:        "CHAT_PRESENCE",
		},
		DirectoryTimeout: 2 * time.Second,
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			URL:    "file:gochat.db?_pragma=busy_timeout(5000)",
		},
		CallAnswerTimeout: 30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
		Auth: AuthConfig{
			Cookie: "jwt",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "gochat-relay",
		},
	}
}

// Load reads CONFIG_FILE (or .env when present), then the environment, and
// returns a sanitized, validated Config. Env vars override the file.
func Load() (*Config, error) {
	v := viper.New()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigFile(".env")
		v.SetConfigType("env")
		_ = v.ReadInConfig() // missing .env is fine
	}

	v.AutomaticEnv()
	setDefaults(v, Default())

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := fromSettings(s)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("NODE_ID", "")
	v.SetDefault("SERVER_PORT", d.Port)
	v.SetDefault("ALLOWED_ORIGINS", strings.Join(d.AllowedOrigins, ","))
	v.SetDefault("MAX_MESSAGE_SIZE", d.MaxMessageSize)
	v.SetDefault("RATE_LIMIT_BURST", d.RateLimit.Burst)
	v.SetDefault("RATE_LIMIT_REFILL_INTERVAL", int(d.RateLimit.RefillInterval/time.Second))
	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_USER", "")
	v.SetDefault("NATS_PASS", "")
	v.SetDefault("NATS_SUBJECT_PREFIX", d.NATS.SubjectPrefix)
	v.SetDefault("DIRECTORY_BUCKET", d.NATS.Bucket)
	v.SetDefault("DIRECTORY_TIMEOUT", d.DirectoryTimeout.String())
	v.SetDefault("DATABASE_DRIVER", d.Database.Driver)
	v.SetDefault("DATABASE_URL", d.Database.URL)
	v.SetDefault("CALL_ANSWER_TIMEOUT", d.CallAnswerTimeout.String())
	v.SetDefault("SHUTDOWN_TIMEOUT", d.ShutdownTimeout.String())
	v.SetDefault("LOG_LEVEL", d.LogLevel)
	v.SetDefault("LOG_FORMAT", d.LogFormat)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_COOKIE", d.Auth.Cookie)
	v.SetDefault("OTEL_ENABLED", d.Telemetry.Enabled)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", d.Telemetry.Endpoint)
	v.SetDefault("OTEL_SERVICE_NAME", d.Telemetry.ServiceName)
}

func fromSettings(s settings) Config {
	d := Default()
	cfg := Config{
		NodeID:         s.NodeID,
		Port:           s.Port,
		AllowedOrigins: parseOrigins(s.AllowedOrigins),
		MaxMessageSize: s.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          s.RateLimitBurst,
			RefillInterval: time.Duration(s.RateLimitRefill) * time.Second,
		},
		NATS: NATSConfig{
			URL:           strings.TrimSpace(s.NATSURL),
			User:          s.NATSUser,
			Password:      s.NATSPass,
			SubjectPrefix: s.SubjectPrefix,
			Bucket:        s.DirectoryBucket,
		},
		DirectoryTimeout: parseDuration(s.DirectoryTimeout, d.DirectoryTimeout),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(s.DatabaseDriver)),
			URL:    s.DatabaseURL,
		},
		CallAnswerTimeout: parseDuration(s.CallAnswerTimeout, d.CallAnswerTimeout),
		ShutdownTimeout:   parseDuration(s.ShutdownTimeout, d.ShutdownTimeout),
		LogLevel:          s.LogLevel,
		LogFormat:         s.LogFormat,
		Auth: AuthConfig{
			JWTSecret: s.JWTSecret,
			Cookie:    s.JWTCookie,
		},
		Telemetry: TelemetryConfig{
			Enabled:     s.OTelEnabled,
			Endpoint:    s.OTelEndpoint,
			ServiceName: s.OTelServiceName,
		},
	}
	return Sanitize(cfg)
}

// Sanitize replaces zero or out-of-range values with defaults and assigns a
// node ID when none was configured.
func Sanitize(cfg Config) Config {
	d := Default()

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Port == "" {
		cfg.Port = d.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = d.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = d.NATS.SubjectPrefix
	}
	if cfg.NATS.Bucket == "" {
		cfg.NATS.Bucket = d.NATS.Bucket
	}
	if cfg.DirectoryTimeout <= 0 {
		cfg.DirectoryTimeout = d.DirectoryTimeout
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = d.Database.Driver
	}
	if cfg.CallAnswerTimeout <= 0 {
		cfg.CallAnswerTimeout = d.CallAnswerTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = d.LogFormat
	}
	if cfg.Auth.Cookie == "" {
		cfg.Auth.Cookie = d.Auth.Cookie
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// Validate rejects settings that cannot be repaired with a default.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("config: DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("config: DATABASE_URL must be set")
	}
	if strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
		return errors.New("config: NATS_SUBJECT_PREFIX must not contain spaces or wildcards")
	}
	return nil
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
