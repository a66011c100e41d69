// ABOUTME: Configuration loading and parsing for coven-editor
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty
const (
	DefaultHTTPAddr       = "localhost:8090"
	DefaultStreamPath     = "/agent/process-stream"
	DefaultCallbackPath   = "/agent/command-result"
	DefaultConnectTimeout = 10 * time.Second
	DefaultTokenTTL       = time.Hour
	DefaultInitialCredits = 50
	DefaultReplyTTL       = 10 * time.Minute
	DefaultMaxEntries     = 1024
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultMetricsPath    = "/metrics"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Config represents the complete coven-editor configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Agent       AgentConfig       `yaml:"agent" toml:"agent"`
	Editor      EditorConfig      `yaml:"editor" toml:"editor"`
	Correlation CorrelationConfig `yaml:"correlation" toml:"correlation"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the hosting HTTP surface address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// AgentConfig describes the agent backend
type AgentConfig struct {
	URL          string `yaml:"url" toml:"url"`
	StreamPath   string `yaml:"stream_path" toml:"stream_path"`
	CallbackPath string `yaml:"callback_path" toml:"callback_path"`
	JWTSecret    string `yaml:"jwt_secret" toml:"jwt_secret"`

	ConnectTimeout time.Duration `yaml:"-" toml:"-"`
	TokenTTL       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout" toml:"connect_timeout"`
	TokenTTLRaw       string `yaml:"token_ttl" toml:"token_ttl"`
}

// EditorConfig describes the embedded editor and the page hosting it
type EditorConfig struct {
	// WordPressURL is the editor site; its origin is the command target.
	WordPressURL string `yaml:"wordpress_url" toml:"wordpress_url"`
	// FallbackOrigin is a second origin allowed to message the host.
	FallbackOrigin string `yaml:"fallback_origin" toml:"fallback_origin"`
	// HostOrigin is the hosting page's own origin; its messages are ignored.
	HostOrigin     string `yaml:"host_origin" toml:"host_origin"`
	InitialCredits *int   `yaml:"initial_credits" toml:"initial_credits"`
}

// CorrelationConfig bounds the request-id ledger
type CorrelationConfig struct {
	ReplyTTL    time.Duration `yaml:"-" toml:"-"`
	ReplyTTLRaw string        `yaml:"reply_ttl" toml:"reply_ttl"`
	MaxEntries  int           `yaml:"max_entries" toml:"max_entries"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
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
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Agent.StreamPath == "" {
		c.Agent.StreamPath = DefaultStreamPath
	}
	if c.Agent.CallbackPath == "" {
		c.Agent.CallbackPath = DefaultCallbackPath
	}
	if c.Agent.ConnectTimeout == 0 {
		c.Agent.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Agent.TokenTTL == 0 {
		c.Agent.TokenTTL = DefaultTokenTTL
	}
	if c.Editor.InitialCredits == nil {
		credits := DefaultInitialCredits
		c.Editor.InitialCredits = &credits
	}
	if c.Correlation.ReplyTTL == 0 {
		c.Correlation.ReplyTTL = DefaultReplyTTL
	}
	if c.Correlation.MaxEntries == 0 {
		c.Correlation.MaxEntries = DefaultMaxEntries
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Credits returns the configured starting credits.
func (c *Config) Credits() int {
	if c.Editor.InitialCredits == nil {
		return DefaultInitialCredits
	}
	return *c.Editor.InitialCredits
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if err := requireHTTPURL("agent.url", c.Agent.URL); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Agent.StreamPath, "/") {
		return fmt.Errorf("agent.stream_path must start with /")
	}
	if !strings.HasPrefix(c.Agent.CallbackPath, "/") {
		return fmt.Errorf("agent.callback_path must start with /")
	}

	if err := requireHTTPURL("editor.wordpress_url", c.Editor.WordPressURL); err != nil {
		return err
	}
	if c.Editor.FallbackOrigin != "" {
		if err := requireHTTPURL("editor.fallback_origin", c.Editor.FallbackOrigin); err != nil {
			return err
		}
	}
	if c.Editor.HostOrigin != "" {
		if err := requireHTTPURL("editor.host_origin", c.Editor.HostOrigin); err != nil {
			return err
		}
	}
	if c.Editor.InitialCredits != nil && *c.Editor.InitialCredits < 0 {
		return fmt.Errorf("editor.initial_credits must not be negative")
	}

	if c.Correlation.ReplyTTL < 0 {
		return fmt.Errorf("correlation.reply_ttl must be positive")
	}
	if c.Correlation.MaxEntries < 0 {
		return fmt.Errorf("correlation.max_entries must not be negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

func requireHTTPURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", name)
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
		{"agent.connect_timeout", cfg.Agent.ConnectTimeoutRaw, &cfg.Agent.ConnectTimeout},
		{"agent.token_ttl", cfg.Agent.TokenTTLRaw, &cfg.Agent.TokenTTL},
		{"correlation.reply_ttl", cfg.Correlation.ReplyTTLRaw, &cfg.Correlation.ReplyTTL},
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
