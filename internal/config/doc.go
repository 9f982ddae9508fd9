// Package config handles configuration loading for annotation-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${ANNOTATION_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	events:
//	  retention: "168h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:4455"   # REST API and SSE streams
//
// Database:
//
//	database:
//	  path: "/var/lib/annotation-gateway/gateway.db"
//
// Event log retention (applied once at startup):
//
//	events:
//	  retention: "168h"
//
// Webhooks (one POST per URL per event, no retries):
//
//	webhooks:
//	  urls:
//	    - "https://hooks.example.com/annotations"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Environment Fallbacks
//
// Webhook URLs can also come from ANNOTATION_WEBHOOK_URL (single URL) or
// ANNOTATION_WEBHOOKS (comma-separated list); both merge with the file's
// list. ANNOTATION_EVENT_RETENTION overrides the retention default when the
// file does not set one.
//
// # Usage
//
//	cfg, err := config.Load("/etc/annotation-gateway/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// LoadOrDefault falls back to built-in defaults when the file is absent.
package config
