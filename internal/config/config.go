// Package config defines runtime defaults, YAML loading and environment
// overrides for the gochat server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Signaling SignalingConfig `yaml:"signaling"`
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Search    SearchConfig    `yaml:"search"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	Mode        string        `yaml:"mode"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

type LimitsConfig struct {
	MaxMessageSize int64           `yaml:"max_message_size"`
	SendBuffer     int             `yaml:"send_buffer"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type SignalingConfig struct {
	// RingTimeout ends unanswered calls; zero disables it.
	RingTimeout time.Duration `yaml:"ring_timeout"`
}

type StoreConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	SessionQueue int    `yaml:"session_queue"`
}

// NATSConfig enables the bus bridge when URL is set.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	ConnectRetries int           `yaml:"connect_retries"`
	RetryWait      time.Duration `yaml:"retry_wait"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PresencePrefix string        `yaml:"presence_prefix"`
	ServeSearch    bool          `yaml:"serve_search"`
}

type SearchConfig struct {
	Source string `yaml:"source"`
	Limit  int    `yaml:"limit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

const (
	SearchSourceStore = "store"
	SearchSourceNATS  = "nats"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port: ":8080",
			AllowedOrigins: []string{
				"http://localhost:8080",
			},
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Mode:        "query",
			TokenExpiry: 24 * time.Hour,
		},
		Limits: LimitsConfig{
			MaxMessageSize: 4096,
			SendBuffer:     256,
			RateLimit: RateLimitConfig{
				Burst:          20,
				RefillInterval: time.Second,
			},
		},
		Signaling: SignalingConfig{
			RingTimeout: 45 * time.Second,
		},
		Store: StoreConfig{
			Driver:       "sqlite3",
			DSN:          "file:gochat.db?_busy_timeout=5000",
			SessionQueue: 256,
		},
		NATS: NATSConfig{
			Name:           "gochat",
			ConnectRetries: 30,
			RetryWait:      2 * time.Second,
			RequestTimeout: 2 * time.Second,
			PresencePrefix: "presence.event",
		},
		Search: SearchConfig{
			Source: SearchSourceStore,
			Limit:  20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "gochat",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// Load reads the YAML file at path on top of the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	cfg = sanitize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for anything unset.
func NewConfigFromEnv() *Config {
	cfg := Default()
	applyEnv(&cfg, os.Getenv)
	cfg = sanitize(cfg)
	return &cfg
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	switch c.Auth.Mode {
	case "query":
	case "jwt":
		if strings.TrimSpace(c.Auth.JWTSecret) == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required when auth.mode is jwt"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q is not one of query, jwt", c.Auth.Mode))
	}
	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite3, postgres", c.Store.Driver))
	}
	switch c.Search.Source {
	case SearchSourceStore:
	case SearchSourceNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("search.source nats requires nats.url"))
		}
		if c.NATS.ServeSearch {
			errs = append(errs, errors.New("nats.serve_search cannot be combined with search.source nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("search.source %q is not one of store, nats", c.Search.Source))
	}
	return errors.Join(errs...)
}

func sanitize(cfg Config) Config {
	def := Default()
	if cfg.Server.Port == "" {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = def.Auth.Mode
	}
	if cfg.Limits.MaxMessageSize <= 0 {
		cfg.Limits.MaxMessageSize = def.Limits.MaxMessageSize
	}
	if cfg.Limits.SendBuffer <= 0 {
		cfg.Limits.SendBuffer = def.Limits.SendBuffer
	}
	if cfg.Limits.RateLimit.Burst <= 0 {
		cfg.Limits.RateLimit.Burst = def.Limits.RateLimit.Burst
	}
	if cfg.Limits.RateLimit.RefillInterval <= 0 {
		cfg.Limits.RateLimit.RefillInterval = def.Limits.RateLimit.RefillInterval
	}
	if cfg.Signaling.RingTimeout < 0 {
		cfg.Signaling.RingTimeout = 0
	}
	if cfg.Search.Source == "" {
		cfg.Search.Source = def.Search.Source
	}
	if cfg.Search.Limit <= 0 {
		cfg.Search.Limit = def.Search.Limit
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Tracing.SampleRate <= 0 || cfg.Tracing.SampleRate > 1 {
		cfg.Tracing.SampleRate = def.Tracing.SampleRate
	}
	cfg.Server.AllowedOrigins = trimOrigins(cfg.Server.AllowedOrigins)
	return cfg
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if port := getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.Limits.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.Limits.MaxMessageSize)
	}
	if burst := getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.Limits.RateLimit.Burst = parseIntValue(burst, cfg.Limits.RateLimit.Burst)
	}
	if interval := getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.Limits.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.Limits.RateLimit.RefillInterval)
	}

	if mode := getenv("GOCHAT_AUTH_MODE"); mode != "" {
		cfg.Auth.Mode = mode
	}
	if secret := getenv("GOCHAT_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if ring := getenv("GOCHAT_RING_TIMEOUT"); ring != "" {
		if d, err := time.ParseDuration(ring); err == nil && d >= 0 {
			cfg.Signaling.RingTimeout = d
		}
	}
	if driver := getenv("GOCHAT_STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn := getenv("GOCHAT_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if url := getenv("GOCHAT_NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if source := getenv("GOCHAT_SEARCH_SOURCE"); source != "" {
		cfg.Search.Source = source
	}
	if level := getenv("GOCHAT_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := getenv("GOCHAT_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
	if endpoint := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Endpoint = endpoint
	}
	if name := getenv("OTEL_SERVICE_NAME"); name != "" {
		cfg.Tracing.ServiceName = name
	}
}

func parseOrigins(origins string) []string {
	return trimOrigins(strings.Split(origins, ","))
}

func trimOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts whole seconds, as the variable always has, or a
// Go duration string.
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
