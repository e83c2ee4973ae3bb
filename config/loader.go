package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "FLUXMCF",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged, err := l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Name:    "fluxmcf",
			Timeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Port: DefaultMetricsPort,
			Path: DefaultMetricsPath,
		},
		Recorder: RecorderConfig{
			WriteQueueSizeLimit: DefaultWriteQueueSizeLimit,
		},
	}
}

// loadRaw loads a JSON or YAML layer as a map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Lists are replaced, not appended.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	nats, ok := data["nats"].(map[string]any)
	if !ok {
		return nil
	}
	if timeout, ok := nats["timeout"].(string); ok {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("nats.timeout: %w", err)
		}
		nats["timeout"] = d.Nanoseconds()
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return "", false, invalid("%v", err)
		}
		return val, val != "", nil
	}
	str := func(name string, dst *string) error {
		val, ok, err := lookup(name)
		if ok {
			*dst = val
		}
		return err
	}
	num := func(name string, dst *int) error {
		val, ok, err := lookup(name)
		if err != nil || !ok {
			return err
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return invalid("%s_%s: %v", l.envPrefix, name, err)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) error {
		val, ok, err := lookup(name)
		if err != nil || !ok {
			return err
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return invalid("%s_%s: %v", l.envPrefix, name, err)
		}
		*dst = b
		return nil
	}

	for _, apply := range []func() error{
		func() error { return str("LOG_LEVEL", &cfg.Logging.Level) },
		func() error { return str("LOG_FORMAT", &cfg.Logging.Format) },
		func() error { return str("LOG_FILE", &cfg.Logging.File) },
		func() error { return str("NATS_URL", &cfg.NATS.URL) },
		func() error { return str("NATS_NAME", &cfg.NATS.Name) },
		func() error { return flag("METRICS_ENABLED", &cfg.Metrics.Enabled) },
		func() error { return num("METRICS_PORT", &cfg.Metrics.Port) },
		func() error { return num("HEALTH_PORT", &cfg.HealthPort) },
		func() error { return str("RECORDER_FILE", &cfg.Recorder.File) },
	} {
		if err := apply(); err != nil {
			return err
		}
	}
	return nil
}
