// ABOUTME: Configuration loading and parsing for annotation-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete annotation-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Events   EventsConfig   `yaml:"events"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EventsConfig holds event log retention configuration
type EventsConfig struct {
	Retention time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RetentionRaw string `yaml:"retention"`
}

// WebhooksConfig holds webhook delivery configuration
type WebhooksConfig struct {
	URLs []string `yaml:"urls"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultRetention is the event log retention applied when none is
// configured.
const DefaultRetention = 7 * 24 * time.Hour

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: ":4455"},
		Database: DatabaseConfig{Path: "annotation-gateway.db"},
		Events:   EventsConfig{Retention: DefaultRetention},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyEnvFallbacks()
	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads the config at path, falling back to Default (plus
// environment fallbacks) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.applyEnvFallbacks()
		return cfg, nil
	}
	return Load(path)
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvFallbacks merges webhook URLs and retention from the environment.
// ANNOTATION_WEBHOOK_URL names a single endpoint, ANNOTATION_WEBHOOKS a
// comma-separated list; both add to whatever the file configured.
func (c *Config) applyEnvFallbacks() {
	if url := os.Getenv("ANNOTATION_WEBHOOK_URL"); url != "" {
		c.Webhooks.URLs = appendUnique(c.Webhooks.URLs, url)
	}
	if list := os.Getenv("ANNOTATION_WEBHOOKS"); list != "" {
		for _, url := range strings.Split(list, ",") {
			if url = strings.TrimSpace(url); url != "" {
				c.Webhooks.URLs = appendUnique(c.Webhooks.URLs, url)
			}
		}
	}
	if c.Events.Retention == 0 {
		if raw := os.Getenv("ANNOTATION_EVENT_RETENTION"); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil && d > 0 {
				c.Events.Retention = d
			}
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":4455"
	}
	if c.Events.Retention == 0 {
		c.Events.Retention = DefaultRetention
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Events.Retention < 0 {
		return fmt.Errorf("events.retention must be positive")
	}

	for _, url := range c.Webhooks.URLs {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("webhooks.urls entry %q must be an http(s) URL", url)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Events.RetentionRaw != "" {
		cfg.Events.Retention, err = time.ParseDuration(cfg.Events.RetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing retention %q: %w", cfg.Events.RetentionRaw, err)
		}
	}

	return nil
}

func appendUnique(urls []string, url string) []string {
	for _, u := range urls {
		if u == url {
			return urls
		}
	}
	return append(urls, url)
}
