// Package config provides YAML configuration loading with validation and
// environment variable substitution for the relay daemon.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dskow/relay-core/internal/breaker"
	"github.com/dskow/relay-core/internal/brokerconn"
	"github.com/dskow/relay-core/internal/pipeline"
	"github.com/dskow/relay-core/internal/retry"
)

// Config is the top-level relay daemon configuration.
type Config struct {
	Server         ServerConfig     `yaml:"server" json:"server"`
	Broker         BrokerConfig     `yaml:"broker" json:"broker"`
	Pipeline       PipelineConfig   `yaml:"pipeline" json:"pipeline"`
	CircuitBreaker breaker.Config   `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig      `yaml:"retry" json:"retry"`
	DeadLetter     DeadLetterConfig `yaml:"dead_letter" json:"dead_letter"`
	Metrics        MetricsConfig    `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig    `yaml:"logging" json:"logging"`
	RateLimit      RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Auth           AuthConfig       `yaml:"auth" json:"auth"`
	Admin          AdminConfig      `yaml:"admin" json:"admin"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	// RequestTimeout is the global deadline on API requests (not WebSocket
	// upgrades). Zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	TLS            TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// BrokerConfig holds the pub/sub broker endpoint and the connection
// machine's reconnect tuning.
type BrokerConfig struct {
	MQTT    brokerconn.MQTTConfig `yaml:"mqtt" json:"mqtt"`
	Machine brokerconn.Config     `yaml:"machine" json:"machine"`
	// TopicPrefix is prepended to every channel name on publish and
	// subscribe, e.g. "relay/" turns channel "game.events" into topic
	// "relay/game.events".
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
}

// PipelineConfig holds delivery pipeline settings.
type PipelineConfig struct {
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout"`
	// Workers is the number of goroutines draining the ingest queue.
	Workers int `yaml:"workers" json:"workers"`
	// QueueSize bounds the ingest queue; ingest blocks when full.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// ToPipeline converts the section into the pipeline's own config type.
// topicPrefix comes from the broker section so publish and subscribe agree
// on the topic namespace.
func (p PipelineConfig) ToPipeline(topicPrefix string) pipeline.Config {
	return pipeline.Config{PublishTimeout: p.PublishTimeout, TopicPrefix: topicPrefix}
}

// RetryConfig holds the delivery backoff settings.
type RetryConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
}

// Policy converts the section into a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Base:        r.Multiplier,
		MaxAttempts: r.MaxAttempts,
	}
}

// DeadLetterConfig holds dead letter store settings.
type DeadLetterConfig struct {
	Dir             string        `yaml:"dir" json:"dir"`
	MaxAge          time.Duration `yaml:"max_age" json:"max_age"`
	JanitorInterval time.Duration `yaml:"janitor_interval" json:"janitor_interval"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output and debug settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30

	BodyLogging     bool `yaml:"body_logging" json:"body_logging"`             // log request/response bodies; default: false
	MaxBodyLogBytes int  `yaml:"max_body_log_bytes" json:"max_body_log_bytes"` // max bytes of body to log; default: 4096
}

// ValidLogLevels are the accepted log level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RateLimitConfig holds the ingest rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AuthConfig holds JWT authentication settings for the ingest and admin
// surfaces.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	// Broker defaults
	if cfg.Broker.MQTT.URL == "" {
		cfg.Broker.MQTT.URL = "tcp://localhost:1883"
	}
	if cfg.Broker.MQTT.ClientID == "" {
		cfg.Broker.MQTT.ClientID = "relayd"
	}
	if cfg.Broker.MQTT.KeepAlive == 0 {
		cfg.Broker.MQTT.KeepAlive = 30 * time.Second
	}
	if cfg.Broker.Machine.ConnectTimeout == 0 {
		cfg.Broker.Machine.ConnectTimeout = 10 * time.Second
	}
	if cfg.Broker.Machine.ReconnectCeiling == 0 {
		cfg.Broker.Machine.ReconnectCeiling = 5
	}
	if cfg.Broker.Machine.ReopenAfter == 0 {
		cfg.Broker.Machine.ReopenAfter = 60 * time.Second
	}

	// Pipeline defaults
	if cfg.Pipeline.PublishTimeout == 0 {
		cfg.Pipeline.PublishTimeout = 5 * time.Second
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 256
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 2
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 60 * time.Second
	}

	// Retry defaults
	r := &cfg.Retry
	if r.BaseDelay == 0 {
		r.BaseDelay = time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2.0
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}

	// Dead letter defaults
	if cfg.DeadLetter.Dir == "" {
		cfg.DeadLetter.Dir = "data/deadletters"
	}
	if cfg.DeadLetter.MaxAge == 0 {
		cfg.DeadLetter.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.DeadLetter.JanitorInterval == 0 {
		cfg.DeadLetter.JanitorInterval = time.Hour
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Logging.MaxBodyLogBytes == 0 {
		cfg.Logging.MaxBodyLogBytes = 4096
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	if cfg.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must be non-negative")
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	// Broker validation
	u, err := url.Parse(cfg.Broker.MQTT.URL)
	if err != nil {
		return fmt.Errorf("broker.mqtt.url: invalid URL: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "ws", "wss":
	default:
		return fmt.Errorf("broker.mqtt.url: scheme must be tcp, ssl, ws, or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("broker.mqtt.url: host is required")
	}
	if cfg.Broker.MQTT.QoS > 2 {
		return fmt.Errorf("broker.mqtt.qos must be 0, 1, or 2, got %d", cfg.Broker.MQTT.QoS)
	}
	if cfg.Broker.Machine.ReconnectCeiling < 1 {
		return fmt.Errorf("broker.machine.reconnect_ceiling must be positive")
	}
	if cfg.Broker.Machine.ReopenAfter <= 0 {
		return fmt.Errorf("broker.machine.reopen_after must be positive")
	}

	// Pipeline validation
	if cfg.Pipeline.PublishTimeout <= 0 {
		return fmt.Errorf("pipeline.publish_timeout must be positive")
	}
	if cfg.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	if cfg.Pipeline.QueueSize < 1 {
		return fmt.Errorf("pipeline.queue_size must be positive")
	}

	// Circuit breaker validation
	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.success_threshold must be positive")
	}
	if cb.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be positive")
	}

	// Retry validation
	if cfg.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be at least base_delay")
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}

	// Dead letter validation
	if cfg.DeadLetter.Dir == "" {
		return fmt.Errorf("dead_letter.dir is required")
	}
	if cfg.DeadLetter.MaxAge <= 0 {
		return fmt.Errorf("dead_letter.max_age must be positive")
	}
	if cfg.DeadLetter.JanitorInterval <= 0 {
		return fmt.Errorf("dead_letter.janitor_interval must be positive")
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}
	if cfg.Logging.BodyLogging && cfg.Logging.MaxBodyLogBytes < 1 {
		return fmt.Errorf("logging.max_body_log_bytes must be positive when body_logging is enabled")
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if cfg.Broker.MQTT.Password != "" && strings.Contains(cfg.Broker.MQTT.Password, "${") {
		warnings = append(warnings, "broker.mqtt.password contains unresolved environment variable")
	}
	if !cfg.Admin.Enabled {
		warnings = append(warnings, "admin API disabled: dead letters can only be inspected on disk")
	}
	return warnings
}
