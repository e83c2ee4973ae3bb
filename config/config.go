package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/krishna-esrlabs/flux-mcf/errors"
)

// Defaults applied by the loader and by Normalize
const (
	DefaultSenderTimeout       = 3000 // ms
	DefaultQueueLength         = 1
	DefaultWriteQueueSizeLimit = 1000
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
)

// Config is the complete process configuration
type Config struct {
	Logging        LoggingConfig                  `json:"logging"`
	NATS           NATSConfig                     `json:"nats"`
	Metrics        MetricsConfig                  `json:"metrics"`
	HealthPort     int                            `json:"health_port,omitempty"`
	RemoteServices map[string]RemoteServiceConfig `json:"remote_services,omitempty"`
	Recorder       RecorderConfig                 `json:"recorder"`
}

// LoggingConfig selects the slog handler and its sink
type LoggingConfig struct {
	Level      string `json:"level"`          // debug, info, warn, error
	Format     string `json:"format"`         // json or text
	File       string `json:"file,omitempty"` // empty logs to stdout
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// NATSConfig defines the NATS connection used by nats: transports
type NATSConfig struct {
	URL     string        `json:"url"`
	Name    string        `json:"name,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// RemoteServiceConfig describes one remote bridge
type RemoteServiceConfig struct {
	SendConnection    string              `json:"sendConnection"`
	ReceiveConnection string              `json:"receiveConnection"`
	TimeoutMs         int                 `json:"timeout_ms,omitempty"`
	PingIntervalMinMs int                 `json:"ping_interval_min_ms,omitempty"`
	PingIntervalMaxMs int                 `json:"ping_interval_max_ms,omitempty"`
	PongTimeoutMs     int                 `json:"pong_timeout_ms,omitempty"`
	SendRules         []SendRuleConfig    `json:"sendRules,omitempty"`
	ReceiveRules      []ReceiveRuleConfig `json:"receiveRules,omitempty"`
}

// SendRuleConfig forwards a local topic to the peer. A QueueLength of 0
// selects DefaultQueueLength.
type SendRuleConfig struct {
	TopicLocal  string `json:"topic_local,omitempty"`
	TopicRemote string `json:"topic_remote,omitempty"`
	QueueLength int    `json:"queue_length,omitempty"`
	Blocking    bool   `json:"blocking,omitempty"`
}

// ReceiveRuleConfig injects values arriving on a remote topic locally
type ReceiveRuleConfig struct {
	TopicLocal  string `json:"topic_local,omitempty"`
	TopicRemote string `json:"topic_remote,omitempty"`
}

// RecorderConfig controls the value recorder
type RecorderConfig struct {
	Enabled                bool     `json:"enabled"`
	File                   string   `json:"file,omitempty"` // empty picks a generated name
	WriteQueueSizeLimit    int      `json:"write_queue_size_limit,omitempty"`
	ExtMemTopics           []string `json:"ext_mem_topics,omitempty"`
	CompressedExtMemTopics []string `json:"compressed_ext_mem_topics,omitempty"`
	DisabledTopics         []string `json:"disabled_topics,omitempty"`
}

// Timeout returns the sender timeout
func (c RemoteServiceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(fmt.Errorf("config cannot be nil"), "SafeConfig", "Update", "update config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

func invalid(format string, args ...any) error {
	return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
		"Config", "Validate", "validate config")
}

// Validate normalizes rule topics and checks the configuration
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return invalid("logging.format %q must be json or text", c.Logging.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		return invalid("health_port %d out of range", c.HealthPort)
	}
	if c.Recorder.WriteQueueSizeLimit < 0 {
		return invalid("recorder.write_queue_size_limit must not be negative")
	}

	for name, rs := range c.RemoteServices {
		if name == "" {
			return invalid("remote service name cannot be empty")
		}
		if err := rs.Normalize(); err != nil {
			return errors.WrapFatal(fmt.Errorf("%w: remote_services.%s: %w", errors.ErrInvalidConfig, name, err),
				"Config", "Validate", "validate remote service")
		}
		c.RemoteServices[name] = rs
	}
	return nil
}

// Normalize fills rule defaults and checks one remote service
func (rs *RemoteServiceConfig) Normalize() error {
	if rs.SendConnection == "" {
		return fmt.Errorf("sendConnection is required")
	}
	if rs.ReceiveConnection == "" {
		return fmt.Errorf("receiveConnection is required")
	}
	if rs.TimeoutMs < 0 || rs.PingIntervalMinMs < 0 || rs.PingIntervalMaxMs < 0 || rs.PongTimeoutMs < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if rs.TimeoutMs == 0 {
		rs.TimeoutMs = DefaultSenderTimeout
	}
	if rs.PingIntervalMinMs > 0 && rs.PingIntervalMaxMs > 0 && rs.PingIntervalMinMs > rs.PingIntervalMaxMs {
		return fmt.Errorf("ping_interval_min_ms must not exceed ping_interval_max_ms")
	}

	seen := make(map[string]bool, len(rs.SendRules))
	for i := range rs.SendRules {
		rule := &rs.SendRules[i]
		local, remote, err := defaultTopics(rule.TopicLocal, rule.TopicRemote)
		if err != nil {
			return fmt.Errorf("sendRules[%d]: %w", i, err)
		}
		rule.TopicLocal, rule.TopicRemote = local, remote
		if seen[remote] {
			return fmt.Errorf("sendRules[%d]: %w for remote topic %s", i, errors.ErrDuplicateRule, remote)
		}
		seen[remote] = true
		if rule.Blocking {
			return fmt.Errorf("sendRules[%d]: blocking send rules are not supported", i)
		}
		if rule.QueueLength < 0 {
			return fmt.Errorf("sendRules[%d]: queue_length must not be negative", i)
		}
		if rule.QueueLength == 0 {
			rule.QueueLength = DefaultQueueLength
		}
	}

	clear(seen)
	for i := range rs.ReceiveRules {
		rule := &rs.ReceiveRules[i]
		local, remote, err := defaultTopics(rule.TopicLocal, rule.TopicRemote)
		if err != nil {
			return fmt.Errorf("receiveRules[%d]: %w", i, err)
		}
		rule.TopicLocal, rule.TopicRemote = local, remote
		if seen[remote] {
			return fmt.Errorf("receiveRules[%d]: %w for remote topic %s", i, errors.ErrDuplicateRule, remote)
		}
		seen[remote] = true
	}
	return nil
}

// defaultTopics lets either topic stand in for a missing one
func defaultTopics(local, remote string) (string, string, error) {
	switch {
	case local == "" && remote == "":
		return "", "", fmt.Errorf("both topics not specified or empty")
	case remote == "":
		return local, local, nil
	case local == "":
		return remote, remote, nil
	}
	return local, remote, nil
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
