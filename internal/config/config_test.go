// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and env fallbacks

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:4455"

database:
  path: "./test.db"

events:
  retention: "72h"

webhooks:
  urls:
    - "https://hooks.example.com/annotations"
    - "http://localhost:9000/events"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:4455" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:4455")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Events.Retention != 72*time.Hour {
		t.Errorf("Events.Retention = %v, want %v", cfg.Events.Retention, 72*time.Hour)
	}
	if len(cfg.Webhooks.URLs) != 2 {
		t.Errorf("Webhooks.URLs len = %d, want 2", len(cfg.Webhooks.URLs))
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":4455" {
		t.Errorf("Server.HTTPAddr = %q, want default %q", cfg.Server.HTTPAddr, ":4455")
	}
	if cfg.Events.Retention != DefaultRetention {
		t.Errorf("Events.Retention = %v, want default %v", cfg.Events.Retention, DefaultRetention)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/var/lib/gateway/test.db")

	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:4455"

database:
  path: "${TEST_DB_PATH}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/gateway/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/var/lib/gateway/test.db")
	}
}

func TestLoad_WebhookEnvFallbacks(t *testing.T) {
	t.Setenv("ANNOTATION_WEBHOOK_URL", "https://single.example.com/hook")
	t.Setenv("ANNOTATION_WEBHOOKS", "https://a.example.com/hook, https://b.example.com/hook")

	configPath := writeConfig(t, `
database:
  path: "./test.db"

webhooks:
  urls:
    - "https://a.example.com/hook"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// File URL plus env URLs, deduplicated.
	want := []string{
		"https://a.example.com/hook",
		"https://single.example.com/hook",
		"https://b.example.com/hook",
	}
	if len(cfg.Webhooks.URLs) != len(want) {
		t.Fatalf("Webhooks.URLs = %v, want %v", cfg.Webhooks.URLs, want)
	}
	for i, url := range want {
		if cfg.Webhooks.URLs[i] != url {
			t.Errorf("Webhooks.URLs[%d] = %q, want %q", i, cfg.Webhooks.URLs[i], url)
		}
	}
}

func TestLoad_RetentionEnvFallback(t *testing.T) {
	t.Setenv("ANNOTATION_EVENT_RETENTION", "48h")

	configPath := writeConfig(t, `
database:
  path: "./test.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Events.Retention != 48*time.Hour {
		t.Errorf("Events.Retention = %v, want %v", cfg.Events.Retention, 48*time.Hour)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"

events:
  retention: "invalid-duration"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr "missing colon"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:4455"
database:
  path: ""
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for missing database path, got nil")
	}
	if !strings.Contains(err.Error(), "database.path is required") {
		t.Errorf("Load() error = %q, want database.path error", err.Error())
	}
}

func TestLoad_RejectsNonHTTPWebhook(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"

webhooks:
  urls:
    - "ftp://files.example.com/hook"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for non-http webhook URL, got nil")
	}
	if !strings.Contains(err.Error(), "http(s)") {
		t.Errorf("Load() error = %q, want http(s) URL error", err.Error())
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Setenv("ANNOTATION_WEBHOOK_URL", "https://env.example.com/hook")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}

	if cfg.Database.Path != "annotation-gateway.db" {
		t.Errorf("Database.Path = %q, want default", cfg.Database.Path)
	}
	if len(cfg.Webhooks.URLs) != 1 || cfg.Webhooks.URLs[0] != "https://env.example.com/hook" {
		t.Errorf("Webhooks.URLs = %v, want env webhook", cfg.Webhooks.URLs)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
