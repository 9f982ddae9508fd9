// ABOUTME: Entry point for the annotation-gateway server and CLI
// ABOUTME: Subcommands: serve, init, health, status, and watch

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/annotation-gateway/internal/config"
	"github.com/2389/annotation-gateway/internal/gateway"
	"github.com/2389/annotation-gateway/internal/watch"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                         _        _   _
  __ _ _ __  _ __   ___ | |_ __ _| |_(_) ___  _ __
 / _' | '_ \| '_ \ / _ \| __/ _' | __| |/ _ \| '_ \
| (_| | | | | | | | (_) | || (_| | |_| | (_) | | | |
 \__,_|_| |_|_| |_|\___/ \__\__,_|\__|_|\___/|_| |_|
                                        gateway
`

// getConfigPath returns the path to the gateway config file.
// Priority: ANNOTATION_CONFIG env var > XDG_CONFIG_HOME/annotation-gateway/gateway.yaml > ~/.config/annotation-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ANNOTATION_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "annotation-gateway", "gateway.yaml")
}

// getDataPath returns the path to the annotation-gateway data directory.
// Priority: XDG_DATA_HOME/annotation-gateway > ~/.local/share/annotation-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "annotation-gateway")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: annotation-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  health                 Check gateway health")
		fmt.Println("  status                 Show gateway status")
		fmt.Println("  watch                  Wait for new annotations")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	case "watch":
		err = runWatch(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Retention: %s\n", cfg.Events.Retention)
	if n := len(cfg.Webhooks.URLs); n > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Webhooks:  %d configured\n", n)
	}

	fmt.Println()

	logger.Info("starting annotation-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"retention", cfg.Events.Retention,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// gatewayBaseURL derives the client base URL from the configured listen
// address.
func gatewayBaseURL(cfg *config.Config) string {
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func runHealth(ctx context.Context) error {
	cfg, err := config.LoadOrDefault(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := gatewayBaseURL(cfg) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	cfg, err := config.LoadOrDefault(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := gatewayBaseURL(cfg) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// runWatch blocks until annotations arrive (or the deadline passes) and
// prints the batch as JSON, one object per annotation.
func runWatch(ctx context.Context) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	session := fs.String("session", "", "watch a single session (default: all sessions)")
	timeout := fs.Int("timeout", 0, "seconds to wait before giving up (1-300, default 120)")
	window := fs.Int("window", 0, "batch window in seconds after the first annotation (1-60, default 10)")
	baseURL := fs.String("url", "", "gateway base URL (default: from config)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	url := *baseURL
	if url == "" {
		cfg, err := config.LoadOrDefault(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		url = gatewayBaseURL(cfg)
	}

	res, err := watch.NewWatcher().Watch(ctx, watch.Request{
		BaseURL:            url,
		SessionID:          *session,
		TimeoutSeconds:     *timeout,
		BatchWindowSeconds: *window,
	})
	if err != nil {
		return err
	}

	if res.TimedOut {
		fmt.Println("no annotations arrived before the deadline")
		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, ann := range res.Annotations {
		if err := enc.Encode(ann); err != nil {
			return fmt.Errorf("encoding annotation: %w", err)
		}
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("annotation-gateway configuration setup")
	fmt.Println("======================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:4455")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Event retention
	fmt.Println("\n--- Event Log Configuration ---")
	retention := prompt(reader, "Event retention (Go duration)", "168h")

	// Webhooks
	fmt.Println("\n--- Webhook Configuration ---")
	webhookURL := prompt(reader, "Webhook URL (leave empty for none)", "")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# annotation-gateway configuration\n")
	cfg.WriteString("# Generated by annotation-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("events:\n")
	cfg.WriteString(fmt.Sprintf("  retention: \"%s\"\n", retention))
	cfg.WriteString("\n")

	if webhookURL != "" {
		cfg.WriteString("webhooks:\n")
		cfg.WriteString("  urls:\n")
		cfg.WriteString(fmt.Sprintf("    - \"%s\"\n", webhookURL))
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  annotation-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
