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
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	StartupTimeout  time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// layers collects repeated -config flags
type layers []string

func (l *layers) String() string { return strings.Join(*l, ",") }

func (l *layers) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var paths layers
	fs.Var(&paths, "config",
		"Configuration layer, repeatable; later layers override earlier ones (env: FLUXMCF_CONFIG)")
	fs.Var(&paths, "c", "Shorthand for -config")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("FLUXMCF_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; overrides the config file (env: FLUXMCF_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("FLUXMCF_LOG_FORMAT", ""),
		"Log format: json, text; overrides the config file (env: FLUXMCF_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("FLUXMCF_DEBUG", false),
		"Enable debug logging (env: FLUXMCF_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("FLUXMCF_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: FLUXMCF_SHUTDOWN_TIMEOUT)")

	fs.DurationVar(&cfg.StartupTimeout, "startup-timeout",
		getEnvDuration("FLUXMCF_STARTUP_TIMEOUT", 10*time.Second),
		"Time allowed for components to finish their startup (env: FLUXMCF_STARTUP_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ConfigPaths = paths
	if len(cfg.ConfigPaths) == 0 {
		if env := getEnv("FLUXMCF_CONFIG", ""); env != "" {
			cfg.ConfigPaths = strings.Split(env, ",")
		}
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if cfg.ShowHelp {
		fs.Usage()
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 || cfg.StartupTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - value store middleware with remote bridges and recording

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a base config and a site override
  %s -config=/etc/fluxmcf/base.yaml -config=/etc/fluxmcf/site.yaml

  # Run with debug logging
  %s -config=config.json -log-level=debug -log-format=text

  # Validate configuration only
  %s -config=config.json -validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
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
