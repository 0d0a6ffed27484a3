package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
)

// Config holds all configuration for both deployments.
type Config struct {
	StoreBackend string
	StateTable   string
	SQLitePath   string

	// Secrets come from the parameter store under ParamPrefix unless a static
	// value is set in the environment.
	ParamPrefix    string
	TelegramToken  string
	OpenWeatherKey string
	WebhookSecret  string

	WeatherUserAgent string
	UpstreamTimeout  time.Duration
	RateLimitMaxWait time.Duration

	PollWorkers int
	PollTimeout time.Duration
	MetricsAddr string

	LogLevel slog.Level
}

// Load reads configuration from environment variables, after loading a .env
// file if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		StoreBackend:     strings.ToLower(getEnv("STORE_BACKEND", BackendDynamoDB)),
		StateTable:       os.Getenv("STATE_TABLE"),
		SQLitePath:       getEnv("SQLITE_PATH", "data/wx-dispatch.db"),
		ParamPrefix:      strings.TrimRight(os.Getenv("PARAM_PREFIX"), "/"),
		TelegramToken:    os.Getenv("TELEGRAM_TOKEN"),
		OpenWeatherKey:   os.Getenv("OPENWEATHER_KEY"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		WeatherUserAgent: getEnv("WEATHER_USER_AGENT", "wx-dispatch/1.0 github.com/wx-dispatch"),
		UpstreamTimeout:  envDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		RateLimitMaxWait: envDuration("RATE_LIMIT_MAX_WAIT", 2*time.Second),
		PollWorkers:      envInt("POLL_WORKERS", 4),
		PollTimeout:      envDuration("POLL_TIMEOUT", 30*time.Second),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9090"),
		LogLevel:         level,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backend and the secrets can be resolved.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendDynamoDB:
		if c.StateTable == "" {
			errs = append(errs, errors.New("STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.ParamPrefix == "" {
		if c.TelegramToken == "" {
			errs = append(errs, errors.New("TELEGRAM_TOKEN or PARAM_PREFIX is required"))
		}
		if c.OpenWeatherKey == "" {
			errs = append(errs, errors.New("OPENWEATHER_KEY or PARAM_PREFIX is required"))
		}
	}
	if c.PollWorkers < 1 {
		errs = append(errs, errors.New("POLL_WORKERS must be at least 1"))
	}
	return errors.Join(errs...)
}

// NeedsAWS reports whether any component resolves through AWS services.
func (c *Config) NeedsAWS() bool {
	return c.StoreBackend == BackendDynamoDB ||
		(c.ParamPrefix != "" && (c.TelegramToken == "" || c.OpenWeatherKey == "" || c.WebhookSecret == ""))
}

// Parameter returns the full parameter store name for a secret.
func (c *Config) Parameter(name string) string {
	return c.ParamPrefix + "/" + name
}

// NewLogger builds the process logger. JSON output is used under Lambda so
// CloudWatch can index the attributes.
func NewLogger(w io.Writer, level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
