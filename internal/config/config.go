// ABOUTME: Configuration loading and parsing for support-gateway
// ABOUTME: Supports YAML or TOML files with env var expansion, duration parsing and SUPPORT_* overrides

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. SUPPORT_HTTP_ADDR.
const EnvPrefix = "support"

// Config represents the complete support-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Stream      StreamConfig      `yaml:"stream" toml:"stream"`
	Messages    MessagesConfig    `yaml:"messages" toml:"messages"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // HTTPS with tailscale-issued certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS via Funnel
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty JWTSecret selects
// header-based development identity.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// StreamConfig holds live stream timing and page sizes
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	PollInterval      time.Duration `yaml:"-" toml:"-"`
	MaxLifetime       time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`
	InitialLimit      int           `yaml:"initial_limit" toml:"initial_limit"`
	PollLimit         int           `yaml:"poll_limit" toml:"poll_limit"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	PollIntervalRaw      string `yaml:"poll_interval" toml:"poll_interval"`
	MaxLifetimeRaw       string `yaml:"max_lifetime" toml:"max_lifetime"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
}

// MessagesConfig bounds message content
type MessagesConfig struct {
	MaxLength int `yaml:"max_length" toml:"max_length"`
}

// IdempotencyConfig sizes the replay cache for Idempotency-Key posts
type IdempotencyConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	TTLRaw     string        `yaml:"ttl" toml:"ttl"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults returns a configuration with every optional field filled in.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr: "0.0.0.0:50051",
			HTTPAddr: "0.0.0.0:8080",
		},
		Database: DatabaseConfig{Path: "support.db"},
		Stream: StreamConfig{
			HeartbeatInterval: 30 * time.Second,
			PollInterval:      3 * time.Second,
			MaxLifetime:       30 * time.Minute,
			WriteTimeout:      10 * time.Second,
			InitialLimit:      50,
			PollLimit:         10,
		},
		Messages: MessagesConfig{MaxLength: 5000},
		Idempotency: IdempotencyConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 100_000,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, SUPPORT_*
// overrides are applied, and unset fields fall back to Defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), formatFor(path))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Format is a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes already-expanded content, applies environment overrides and
// fills defaults. It does not validate.
func Parse(content string, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(content, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// FromEnv builds a configuration from defaults and SUPPORT_* variables alone.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// envOverrides lists the variables that win over file values when set. Keys
// come from split_words alone (HTTPAddr reads SUPPORT_HTTP_ADDR); an explicit
// envconfig tag would also make envconfig fall back to the bare name.
type envOverrides struct {
	HTTPAddr           string        `split_words:"true"`
	GRPCAddr           string        `split_words:"true"`
	DBPath             string        `split_words:"true"`
	JWTSecret          string        `split_words:"true"`
	Tailscale          *bool
	TailscaleHostname  string        `split_words:"true"`
	HeartbeatInterval  time.Duration `split_words:"true"`
	PollInterval       time.Duration `split_words:"true"`
	StreamMaxLifetime  time.Duration `split_words:"true"`
	StreamWriteTimeout time.Duration `split_words:"true"`
	MaxMessageLength   int           `split_words:"true"`
	IdempotencyTTL     time.Duration `split_words:"true"`
	LogLevel           string        `split_words:"true"`
	LogFormat          string        `split_words:"true"`
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	setString(&cfg.Server.HTTPAddr, env.HTTPAddr)
	setString(&cfg.Server.GRPCAddr, env.GRPCAddr)
	setString(&cfg.Database.Path, env.DBPath)
	setString(&cfg.Auth.JWTSecret, env.JWTSecret)
	setString(&cfg.Tailscale.Hostname, env.TailscaleHostname)
	setString(&cfg.Logging.Level, env.LogLevel)
	setString(&cfg.Logging.Format, env.LogFormat)
	if env.Tailscale != nil {
		cfg.Tailscale.Enabled = *env.Tailscale
	}
	if env.HeartbeatInterval > 0 {
		cfg.Stream.HeartbeatInterval = env.HeartbeatInterval
	}
	if env.PollInterval > 0 {
		cfg.Stream.PollInterval = env.PollInterval
	}
	if env.StreamMaxLifetime > 0 {
		cfg.Stream.MaxLifetime = env.StreamMaxLifetime
	}
	if env.StreamWriteTimeout > 0 {
		cfg.Stream.WriteTimeout = env.StreamWriteTimeout
	}
	if env.IdempotencyTTL > 0 {
		cfg.Idempotency.TTL = env.IdempotencyTTL
	}
	if env.MaxMessageLength > 0 {
		cfg.Messages.MaxLength = env.MaxMessageLength
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// applyDefaults fills zero fields from Defaults. Server addresses are left
// empty under tailscale, where they are ignored.
func (c *Config) applyDefaults() {
	d := Defaults()
	if !c.Tailscale.Enabled {
		setString(&c.Server.HTTPAddr, d.Server.HTTPAddr)
		setString(&c.Server.GRPCAddr, d.Server.GRPCAddr)
	}
	setString(&c.Database.Path, d.Database.Path)
	setString(&c.Logging.Level, d.Logging.Level)
	setString(&c.Logging.Format, d.Logging.Format)

	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = d.Stream.HeartbeatInterval
	}
	if c.Stream.PollInterval == 0 {
		c.Stream.PollInterval = d.Stream.PollInterval
	}
	if c.Stream.MaxLifetime == 0 {
		c.Stream.MaxLifetime = d.Stream.MaxLifetime
	}
	if c.Stream.WriteTimeout == 0 {
		c.Stream.WriteTimeout = d.Stream.WriteTimeout
	}
	if c.Stream.InitialLimit == 0 {
		c.Stream.InitialLimit = d.Stream.InitialLimit
	}
	if c.Stream.PollLimit == 0 {
		c.Stream.PollLimit = d.Stream.PollLimit
	}
	if c.Messages.MaxLength == 0 {
		c.Messages.MaxLength = d.Messages.MaxLength
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = d.Idempotency.TTL
	}
	if c.Idempotency.MaxEntries == 0 {
		c.Idempotency.MaxEntries = d.Idempotency.MaxEntries
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return errors.New("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return errors.New("server.http_addr is required (or enable tailscale)")
		}
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Stream.HeartbeatInterval < 0 || c.Stream.PollInterval < 0 || c.Stream.MaxLifetime < 0 || c.Stream.WriteTimeout < 0 {
		return errors.New("stream durations must not be negative")
	}
	if c.Stream.PollInterval > c.Stream.MaxLifetime {
		return fmt.Errorf("stream.poll_interval (%s) must not exceed stream.max_lifetime (%s)",
			c.Stream.PollInterval, c.Stream.MaxLifetime)
	}
	if c.Stream.InitialLimit < 0 || c.Stream.PollLimit < 0 {
		return errors.New("stream limits must not be negative")
	}
	if c.Messages.MaxLength < 0 {
		return errors.New("messages.max_length must not be negative")
	}
	if c.Idempotency.TTL < 0 {
		return errors.New("idempotency.ttl must not be negative")
	}
	if c.Idempotency.MaxEntries < 0 {
		return errors.New("idempotency.max_entries must not be negative")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"stream.heartbeat_interval", cfg.Stream.HeartbeatIntervalRaw, &cfg.Stream.HeartbeatInterval},
		{"stream.poll_interval", cfg.Stream.PollIntervalRaw, &cfg.Stream.PollInterval},
		{"stream.max_lifetime", cfg.Stream.MaxLifetimeRaw, &cfg.Stream.MaxLifetime},
		{"stream.write_timeout", cfg.Stream.WriteTimeoutRaw, &cfg.Stream.WriteTimeout},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
