package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	// Tables overrides the tables subscribed at startup. Empty means every table a
	// rule triggers on.
	Tables      []string
	UserID      string
	ShowVersion bool
	ShowHelp    bool
	Validate    bool

	usage func()
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", getEnv("RFQSYNC_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: RFQSYNC_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("RFQSYNC_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: RFQSYNC_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("RFQSYNC_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: RFQSYNC_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("RFQSYNC_LOG_FORMAT", "json"),
		"Log format: json, text (env: RFQSYNC_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug", getEnvBool("RFQSYNC_DEBUG", false),
		"Enable debug logging (env: RFQSYNC_DEBUG)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("RFQSYNC_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: RFQSYNC_SHUTDOWN_TIMEOUT)")
	tables := fs.String("tables", getEnv("RFQSYNC_TABLES", ""),
		"Comma separated tables to subscribe to (env: RFQSYNC_TABLES)")
	fs.StringVar(&cfg.UserID, "user", getEnv("RFQSYNC_USER_ID", appName),
		"User id the realtime channels are opened for (env: RFQSYNC_USER_ID)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }
	cfg.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Tables = splitList(*tables)
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	if cfg.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - cache coherency daemon for the RFQ tables

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run against a Supabase project with defaults
  SUPABASE_URL=https://xyz.supabase.co SUPABASE_ANON_KEY=... %s

  # Run with a config file and text logs
  %s --config=/etc/rfqsync/config.yaml --log-format=text

  # Receive changes from NATS instead of Supabase Realtime
  RFQSYNC_TRANSPORT=nats RFQSYNC_NATS_URL=nats://localhost:4222 %s

  # Validate configuration only
  %s --config=config.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" && !slices.Contains(out, part) {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
