// Package config loads control-plane configuration from the environment,
// an optional .env file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Run modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// Config holds control-plane configuration.
type Config struct {
	// Server
	ListenAddr string
	Mode       string // http, mcp or both

	// Storage
	DataDir      string
	DatabasePath string

	// Logging
	LogLevel  string
	LogFormat string // console or json

	// Relay
	RelayURL       string
	RelayTimeout   time.Duration
	RelaySecret    string // optional, signs control requests
	RelayTaskParam string

	// Viewer streams
	HeartbeatInterval time.Duration
	QueueDepth        int      // 0 = unbounded
	AllowedOrigins    []string // optional, for WebSocket origin validation

	// Agent callbacks
	WebhookTokenHash string // bcrypt hash, optional

	// Background jobs
	TriggerSweep   time.Duration
	StaleSweep     time.Duration
	StaleAfter     time.Duration
	StaleAutoForce bool
	LogRetention   time.Duration // 0 keeps execution logs forever

	ShutdownGrace time.Duration
}

// Load reads configuration. Priority: flags > environment > .env file > defaults.
// args excludes the program name.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	dataDir := getEnv("RPA_DATA_DIR", "./data")
	cfg := &Config{
		ListenAddr:        getEnv("RPA_LISTEN", ":8000"),
		Mode:              strings.ToLower(getEnv("RPA_MODE", ModeHTTP)),
		DataDir:           dataDir,
		DatabasePath:      getEnv("RPA_DB_PATH", filepath.Join(dataDir, "rpafleet.db")),
		LogLevel:          getEnv("RPA_LOG_LEVEL", "info"),
		LogFormat:         getEnv("RPA_LOG_FORMAT", "console"),
		RelayURL:          os.Getenv("RPA_RELAY_URL"),
		RelayTimeout:      parseDuration("RPA_RELAY_TIMEOUT", 10*time.Second),
		RelaySecret:       os.Getenv("RPA_RELAY_SECRET"),
		RelayTaskParam:    getEnv("RPA_RELAY_TASK_PARAM", "tak"),
		HeartbeatInterval: parseDuration("RPA_HEARTBEAT_INTERVAL", 30*time.Second),
		QueueDepth:        parseInt("RPA_SSE_QUEUE_DEPTH", 1024),
		AllowedOrigins:    parseOrigins("RPA_ALLOWED_ORIGINS"),
		WebhookTokenHash:  os.Getenv("RPA_WEBHOOK_TOKEN_HASH"),
		TriggerSweep:      parseDuration("RPA_TRIGGER_SWEEP", 30*time.Second),
		StaleSweep:        parseDuration("RPA_STALE_SWEEP", time.Minute),
		StaleAfter:        parseDuration("RPA_STALE_AFTER", 10*time.Minute),
		StaleAutoForce:    parseBool("RPA_STALE_AUTO_FORCE", false),
		LogRetention:      parseDuration("RPA_LOG_RETENTION", 0),
		ShutdownGrace:     parseDuration("RPA_SHUTDOWN_GRACE", 5*time.Second),
	}

	if err := cfg.parseFlags(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseFlags(args []string) error {
	fs := pflag.NewFlagSet("rpafleet", pflag.ContinueOnError)
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address")
	fs.StringVar(&c.Mode, "mode", c.Mode, "run mode: http, mcp or both")
	fs.StringVar(&c.DatabasePath, "db", c.DatabasePath, "SQLite database path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (console, json)")
	fs.StringVar(&c.RelayURL, "relay-url", c.RelayURL, "control relay base URL")
	fs.DurationVar(&c.RelayTimeout, "relay-timeout", c.RelayTimeout, "timeout for one relay call")
	fs.BoolVar(&c.StaleAutoForce, "stale-auto-force", c.StaleAutoForce, "force-stop tasks found stale")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	c.Mode = strings.ToLower(c.Mode)
	return nil
}

func (c *Config) validate() error {
	var errs []error

	if c.RelayURL == "" {
		errs = append(errs, errors.New("RPA_RELAY_URL is required"))
	} else if u, err := url.Parse(c.RelayURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("RPA_RELAY_URL %q is not an absolute URL", c.RelayURL))
	}
	switch c.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("RPA_MODE must be http, mcp or both, got %q", c.Mode))
	}
	if c.RelayTimeout <= 0 {
		errs = append(errs, errors.New("RPA_RELAY_TIMEOUT must be positive"))
	}
	if c.HeartbeatInterval < time.Second {
		errs = append(errs, errors.New("RPA_HEARTBEAT_INTERVAL must be at least 1s"))
	}
	if c.QueueDepth < 0 {
		errs = append(errs, errors.New("RPA_SSE_QUEUE_DEPTH must not be negative"))
	}
	if c.TriggerSweep < time.Second || c.StaleSweep < time.Second {
		errs = append(errs, errors.New("sweep intervals must be at least 1s"))
	}
	if c.LogRetention < 0 {
		errs = append(errs, errors.New("RPA_LOG_RETENTION must not be negative"))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, errors.New("RPA_STALE_AFTER must be positive"))
	}

	return errors.Join(errs...)
}

// ServesHTTP reports whether the HTTP server should run.
func (c *Config) ServesHTTP() bool {
	return c.Mode == ModeHTTP || c.Mode == ModeBoth
}

// ServesMCP reports whether the MCP stdio server should run.
func (c *Config) ServesMCP() bool {
	return c.Mode == ModeMCP || c.Mode == ModeBoth
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
