package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultBrokerHost   = "localhost"
	DefaultBrokerPort   = 443
	DefaultBrokerScheme = "https"
	DefaultAppKey       = "classpulse-dev-key"
	DefaultAPIBaseURL   = "http://localhost:8000"

	DefaultProbeInterval    = 30 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultMaxAttempts      = 6
	DefaultBackoffInitial   = 1 * time.Second
	DefaultBackoffMax       = 30 * time.Second
)

// Config is the top-level client configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	API       APIConfig       `yaml:"api"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// BrokerConfig describes the websocket broker endpoint.
type BrokerConfig struct {
	// Host and Port locate the Pusher-protocol broker.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Scheme is "https" (wss dial) or "http" (ws dial).
	Scheme string `yaml:"scheme"`

	// AppKey is the broker application key embedded in the dial path.
	AppKey string `yaml:"app_key"`

	// Enabled gates the entire realtime subsystem. When false no transport
	// is ever opened and dispatchers fall back to REST-only polling.
	Enabled bool `yaml:"enabled"`
}

// APIConfig describes the REST backend the client reconciles against.
type APIConfig struct {
	// BaseURL is the backend origin, without a trailing slash.
	BaseURL string `yaml:"base_url"`
}

// HeartbeatConfig tunes liveness probing and reconnection.
//
// The reconnect backoff is capped exponential with ±25% jitter:
// BackoffInitial, doubling per attempt, truncated at BackoffMax, for at most
// MaxAttempts attempts before the connection is declared disconnected and
// automatic retries stop.
type HeartbeatConfig struct {
	// ProbeInterval is how often the status endpoint is probed while connected.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// ProbeTimeout bounds a single probe request.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// FailureThreshold is the number of consecutive probe failures tolerated
	// in the degraded state before active reconnection starts.
	FailureThreshold int `yaml:"failure_threshold"`

	// MaxAttempts is the reconnection retry budget per outage.
	MaxAttempts int `yaml:"max_attempts"`

	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// Load reads and parses the config file at path, fills defaults, applies
// environment overrides, and validates the result. A missing .env file is not
// an error — it is simply skipped.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	_ = godotenv.Load()
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:    DefaultBrokerHost,
			Port:    DefaultBrokerPort,
			Scheme:  DefaultBrokerScheme,
			AppKey:  DefaultAppKey,
			Enabled: true,
		},
		API: APIConfig{
			BaseURL: DefaultAPIBaseURL,
		},
		Heartbeat: HeartbeatConfig{
			ProbeInterval:    DefaultProbeInterval,
			ProbeTimeout:     DefaultProbeTimeout,
			FailureThreshold: DefaultFailureThreshold,
			MaxAttempts:      DefaultMaxAttempts,
			BackoffInitial:   DefaultBackoffInitial,
			BackoffMax:       DefaultBackoffMax,
		},
	}
}

// applyEnv overlays CLASSPULSE_* environment variables onto cfg.
// Unset variables leave the file values untouched.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CLASSPULSE_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("CLASSPULSE_BROKER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = p
		}
	}
	if v := os.Getenv("CLASSPULSE_BROKER_SCHEME"); v != "" {
		cfg.Broker.Scheme = v
	}
	if v := os.Getenv("CLASSPULSE_APP_KEY"); v != "" {
		cfg.Broker.AppKey = v
	}
	if v := os.Getenv("CLASSPULSE_ENABLED"); v != "" {
		// Mirrors the frontend flag: anything but the literal "false" enables.
		cfg.Broker.Enabled = v != "false"
	}
	if v := os.Getenv("CLASSPULSE_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Broker.Host == "" {
		return fmt.Errorf("broker.host must not be empty")
	}
	if cfg.Broker.Port <= 0 || cfg.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d is out of range [1, 65535]", cfg.Broker.Port)
	}
	switch cfg.Broker.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("broker.scheme %q unknown: want http|https", cfg.Broker.Scheme)
	}
	if cfg.Broker.AppKey == "" {
		return fmt.Errorf("broker.app_key must not be empty")
	}
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must not be empty")
	}
	hb := cfg.Heartbeat
	if hb.ProbeInterval <= 0 {
		return fmt.Errorf("heartbeat.probe_interval must be positive")
	}
	if hb.ProbeTimeout <= 0 {
		return fmt.Errorf("heartbeat.probe_timeout must be positive")
	}
	if hb.FailureThreshold < 1 {
		return fmt.Errorf("heartbeat.failure_threshold must be at least 1")
	}
	if hb.MaxAttempts < 1 {
		return fmt.Errorf("heartbeat.max_attempts must be at least 1")
	}
	if hb.BackoffInitial <= 0 || hb.BackoffMax < hb.BackoffInitial {
		return fmt.Errorf("heartbeat backoff range [%s, %s] is invalid",
			hb.BackoffInitial, hb.BackoffMax)
	}
	return nil
}
