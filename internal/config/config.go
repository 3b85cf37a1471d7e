// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default timing and limit values applied when the config file leaves them unset.
const (
	DefaultHTTPAddr          = "0.0.0.0:8080"
	DefaultGracePeriod       = 5 * time.Minute
	DefaultSweepInterval     = 60 * time.Second
	DefaultMaxRetries        = 3
	DefaultAckTimeout        = 5 * time.Second
	DefaultBackoffBase       = time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDisconnectTimeout = 90 * time.Second
	DefaultRateWindow        = time.Minute
	DefaultMessageLimit      = 60
	DefaultRoomLimit         = 20
	DefaultAILimit           = 10
	DefaultMetricsPath       = "/metrics"
	DefaultRetention         = 7 * 24 * time.Hour
)

// BuiltinProviderIDs are the providers registered when ai.providers is empty.
var BuiltinProviderIDs = []string{"openai", "anthropic", "gemini"}

// Config represents the complete coven-relay configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Redis      RedisConfig      `yaml:"redis" toml:"redis"`
	Sessions   SessionsConfig   `yaml:"sessions" toml:"sessions"`
	Delivery   DeliveryConfig   `yaml:"delivery" toml:"delivery"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat" toml:"heartbeat"`
	RateLimits RateLimitsConfig `yaml:"rate_limits" toml:"rate_limits"`
	AI         AIConfig         `yaml:"ai" toml:"ai"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"` // empty allows any origin
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	// InternalServiceSecret, when set, lets callers presenting it in the
	// X-Internal-Service header bypass rate limiting.
	InternalServiceSecret string `yaml:"internal_service_secret" toml:"internal_service_secret"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`

	// UndeliveredRetention is how long undelivered messages are kept before purge.
	UndeliveredRetention    time.Duration `yaml:"-" toml:"-"`
	UndeliveredRetentionRaw string        `yaml:"undelivered_retention" toml:"undelivered_retention"`
}

// RedisConfig holds the rate-limit counter store connection. An empty Addr
// selects the in-process counter store.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
}

// SessionsConfig holds session retention timing
type SessionsConfig struct {
	GracePeriod   time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	GracePeriodRaw   string `yaml:"grace_period" toml:"grace_period"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// DeliveryConfig holds acknowledgment and retry settings
type DeliveryConfig struct {
	MaxRetries  int           `yaml:"max_retries" toml:"max_retries"`
	AckTimeout  time.Duration `yaml:"-" toml:"-"`
	BackoffBase time.Duration `yaml:"-" toml:"-"`

	AckTimeoutRaw  string `yaml:"ack_timeout" toml:"ack_timeout"`
	BackoffBaseRaw string `yaml:"backoff_base" toml:"backoff_base"`
}

// HeartbeatConfig holds liveness probe timing
type HeartbeatConfig struct {
	Interval          time.Duration `yaml:"-" toml:"-"`
	DisconnectTimeout time.Duration `yaml:"-" toml:"-"`

	IntervalRaw          string `yaml:"interval" toml:"interval"`
	DisconnectTimeoutRaw string `yaml:"disconnect_timeout" toml:"disconnect_timeout"`
}

// RateLimitsConfig holds per event class admission limits
type RateLimitsConfig struct {
	Window       time.Duration `yaml:"-" toml:"-"`
	WindowRaw    string        `yaml:"window" toml:"window"`
	Messages     int           `yaml:"messages" toml:"messages"`
	Rooms        int           `yaml:"rooms" toml:"rooms"`
	AI           int           `yaml:"ai" toml:"ai"`
	TrustedCIDRs []string      `yaml:"trusted_cidrs" toml:"trusted_cidrs"`
}

// AIConfig holds provider definitions and the fallback chain
type AIConfig struct {
	Providers     []ProviderConfig `yaml:"providers" toml:"providers"`
	FallbackChain []string         `yaml:"fallback_chain" toml:"fallback_chain"`
	BufferTokens  bool             `yaml:"buffer_tokens" toml:"buffer_tokens"`
	SystemPrompt  string           `yaml:"system_prompt" toml:"system_prompt"`
}

// ProviderConfig describes one OpenAI-compatible completion endpoint.
// The credential is read from APIKeyEnv on every request so rotation
// takes effect without a restart.
type ProviderConfig struct {
	ID          string   `yaml:"id" toml:"id"`
	DisplayName string   `yaml:"display_name" toml:"display_name"`
	BaseURL     string   `yaml:"base_url" toml:"base_url"`
	APIKeyEnv   string   `yaml:"api_key_env" toml:"api_key_env"`
	Models      []string `yaml:"models" toml:"models"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero-valued settings with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	setDuration(&c.Database.UndeliveredRetention, DefaultRetention)
	setDuration(&c.Sessions.GracePeriod, DefaultGracePeriod)
	setDuration(&c.Sessions.SweepInterval, DefaultSweepInterval)
	if c.Delivery.MaxRetries == 0 {
		c.Delivery.MaxRetries = DefaultMaxRetries
	}
	setDuration(&c.Delivery.AckTimeout, DefaultAckTimeout)
	setDuration(&c.Delivery.BackoffBase, DefaultBackoffBase)
	setDuration(&c.Heartbeat.Interval, DefaultHeartbeatInterval)
	setDuration(&c.Heartbeat.DisconnectTimeout, DefaultDisconnectTimeout)
	setDuration(&c.RateLimits.Window, DefaultRateWindow)
	if c.RateLimits.Messages == 0 {
		c.RateLimits.Messages = DefaultMessageLimit
	}
	if c.RateLimits.Rooms == 0 {
		c.RateLimits.Rooms = DefaultRoomLimit
	}
	if c.RateLimits.AI == 0 {
		c.RateLimits.AI = DefaultAILimit
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	for i := range c.AI.Providers {
		if c.AI.Providers[i].DisplayName == "" {
			c.AI.Providers[i].DisplayName = c.AI.Providers[i].ID
		}
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Delivery.MaxRetries < 1 {
		return fmt.Errorf("delivery.max_retries must be at least 1")
	}

	if c.Heartbeat.DisconnectTimeout < c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.disconnect_timeout must not be shorter than heartbeat.interval")
	}

	for _, cidr := range c.RateLimits.TrustedCIDRs {
		if _, err := ParseTrusted(cidr); err != nil {
			return fmt.Errorf("rate_limits.trusted_cidrs: %w", err)
		}
	}

	known := make(map[string]bool, len(c.AI.Providers))
	if len(c.AI.Providers) == 0 {
		for _, id := range BuiltinProviderIDs {
			known[id] = true
		}
	}
	for _, p := range c.AI.Providers {
		if p.ID == "" {
			return fmt.Errorf("ai.providers: id is required")
		}
		if strings.Contains(p.ID, ":") {
			return fmt.Errorf("ai.providers: id %q must not contain ':'", p.ID)
		}
		if known[p.ID] {
			return fmt.Errorf("ai.providers: duplicate id %q", p.ID)
		}
		known[p.ID] = true
	}
	for _, id := range c.AI.FallbackChain {
		if !known[id] {
			return fmt.Errorf("ai.fallback_chain: unknown provider %q", id)
		}
	}

	return nil
}

// ParseTrusted parses a trusted-client entry, accepting either a CIDR prefix
// or a bare address (treated as a single-host prefix).
func ParseTrusted(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.undelivered_retention", cfg.Database.UndeliveredRetentionRaw, &cfg.Database.UndeliveredRetention},
		{"sessions.grace_period", cfg.Sessions.GracePeriodRaw, &cfg.Sessions.GracePeriod},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"delivery.ack_timeout", cfg.Delivery.AckTimeoutRaw, &cfg.Delivery.AckTimeout},
		{"delivery.backoff_base", cfg.Delivery.BackoffBaseRaw, &cfg.Delivery.BackoffBase},
		{"heartbeat.interval", cfg.Heartbeat.IntervalRaw, &cfg.Heartbeat.Interval},
		{"heartbeat.disconnect_timeout", cfg.Heartbeat.DisconnectTimeoutRaw, &cfg.Heartbeat.DisconnectTimeout},
		{"rate_limits.window", cfg.RateLimits.WindowRaw, &cfg.RateLimits.Window},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
