// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/ratelimit"
	"github.com/absmach/fluxmail/retention"
	"github.com/absmach/fluxmail/transport"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mailbox broker.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Mailbox       MailboxConfig       `yaml:"mailbox"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Storage       StorageConfig       `yaml:"storage"`
	Retention     retention.Config    `yaml:"retention"`
	RateLimit     ratelimit.Config    `yaml:"ratelimit"`
	Permissions   PermissionsConfig   `yaml:"permissions"`
	Log           LogConfig           `yaml:"log"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	NATS          NATSConfig          `yaml:"nats"`
}

// ServerConfig holds listener and telemetry settings.
type ServerConfig struct {
	BrokerID        string                    `yaml:"broker_id"`
	HealthAddr      string                    `yaml:"health_addr"`
	HealthEnabled   bool                      `yaml:"health_enabled"`
	WebSocket       transport.WebSocketConfig `yaml:"websocket"`
	WSEnabled       bool                      `yaml:"ws_enabled"`
	ShutdownTimeout time.Duration             `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	MetricsEnabled      bool    `yaml:"metrics_enabled"`
	MetricsAddr         string  `yaml:"metrics_addr"` // OTLP gRPC endpoint
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// MailboxConfig holds routing and Message Store settings.
type MailboxConfig struct {
	// Maximum inline payload in bytes
	MaxPayloadSize    int           `yaml:"max_payload_size"`
	DefaultRetention  time.Duration `yaml:"default_retention"`
	DegradedQueueSize int           `yaml:"degraded_queue_size"`
	CriticalReserve   int           `yaml:"critical_reserve"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	FlushMaxBackoff   time.Duration `yaml:"flush_max_backoff"`
	BreakerThreshold  uint32        `yaml:"breaker_threshold"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
	ReadDefaultLimit  int           `yaml:"read_default_limit"`
	ReadMaxLimit      int           `yaml:"read_max_limit"`
}

// DeliveryConfig holds Delivery Engine settings.
type DeliveryConfig struct {
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
	Retry            RetryConfig   `yaml:"retry"`
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	AckCheckInterval time.Duration `yaml:"ack_check_interval"`
}

// SubscriptionsConfig holds subscription table settings.
type SubscriptionsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"` // 0 disables liveness tracking
	StaleGrace       time.Duration `yaml:"stale_grace"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	DefaultQueueSize int           `yaml:"default_queue_size"`
	DefaultBatchSize int           `yaml:"default_batch_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir        string `yaml:"badger_dir"`
	BadgerSyncWrites bool   `yaml:"badger_sync_writes"`
	// Records above this size are stored s2 compressed.
	CompressThreshold int `yaml:"compress_threshold"`
}

// PermissionsConfig holds grants installed on every start, on top of the
// grants persisted through the administrative surface.
type PermissionsConfig struct {
	// Admins may perform every operation on every resource.
	Admins []string      `yaml:"admins"`
	Grants []GrantConfig `yaml:"grants"`
}

// GrantConfig is a static grant.
type GrantConfig struct {
	Identity  string `yaml:"identity"`
	Operation string `yaml:"operation"` // read, write, publish, subscribe, admin, *
	Resource  string `yaml:"resource"`  // mailbox:<name>, topic:<pattern>, broadcast, *
}

// Static returns the configured grants keyed by identity.
func (p PermissionsConfig) Static() (map[string][]permissions.Grant, error) {
	ret := make(map[string][]permissions.Grant, len(p.Admins)+len(p.Grants))
	for _, admin := range p.Admins {
		ret[admin] = append(ret[admin], permissions.Grant{Operation: permissions.OpAny, Resource: permissions.AnyResource})
	}
	for i, g := range p.Grants {
		if g.Identity == "" || g.Resource == "" {
			return nil, fmt.Errorf("permissions.grants[%d] needs an identity and a resource", i)
		}
		op, err := permissions.ParseOperation(g.Operation)
		if err != nil {
			return nil, fmt.Errorf("permissions.grants[%d]: %w", i, err)
		}
		ret[g.Identity] = append(ret[g.Identity], permissions.Grant{Operation: op, Resource: g.Resource})
	}
	return ret, nil
}

// NATSConfig enables realtime delivery over NATS subjects.
type NATSConfig struct {
	Enabled              bool `yaml:"enabled"`
	transport.NATSConfig `yaml:",inline"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	IncludePayload  bool              `yaml:"include_payload"`  // Include message payload in events
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds exponential backoff settings.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          bool          `yaml:"jitter"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	TopicFilters []string          `yaml:"topic_filters"` // Topic pattern filter (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BrokerID:        "fluxmail-1",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			WebSocket:       transport.DefaultWebSocketConfig(),
			WSEnabled:       true,
			ShutdownTimeout: 30 * time.Second,

			MetricsEnabled:      false,
			MetricsAddr:         "localhost:4317",
			OtelServiceName:     "fluxmail",
			OtelServiceVersion:  "1.0.0",
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Mailbox: MailboxConfig{
			MaxPayloadSize:    1024 * 1024, // 1MB
			DefaultRetention:  7 * 24 * time.Hour,
			DegradedQueueSize: 1000,
			CriticalReserve:   100,
			FlushInterval:     100 * time.Millisecond,
			FlushMaxBackoff:   5 * time.Second,
			BreakerThreshold:  5,
			BreakerTimeout:    5 * time.Second,
			ReadDefaultLimit:  100,
			ReadMaxLimit:      1000,
		},
		Delivery: DeliveryConfig{
			AttemptTimeout: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Multiplier:      2.0,
				Jitter:          true,
			},
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
			AckTimeout:       30 * time.Second,
			AckCheckInterval: time.Second,
		},
		Subscriptions: SubscriptionsConfig{
			HeartbeatTimeout: 30 * time.Second,
			StaleGrace:       5 * time.Minute,
			SweepInterval:    5 * time.Second,
			DefaultQueueSize: 256,
			DefaultBatchSize: 100,
		},
		Storage: StorageConfig{
			Type:              "badger",
			BadgerDir:         "/tmp/fluxmail/data",
			BadgerSyncWrites:  true,
			CompressThreshold: 1024,
		},
		Retention: retention.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			IncludePayload:  false,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		NATS: NATSConfig{
			Enabled:    false,
			NATSConfig: transport.DefaultNATSConfig(),
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.BrokerID == "" {
		return fmt.Errorf("server.broker_id cannot be empty")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.WSEnabled && c.Server.WebSocket.Address == "" {
		return fmt.Errorf("server.websocket.address required when websocket is enabled")
	}

	if c.Mailbox.MaxPayloadSize < 1024 {
		return fmt.Errorf("mailbox.max_payload_size must be at least 1KB")
	}
	if c.Mailbox.DegradedQueueSize < 1 {
		return fmt.Errorf("mailbox.degraded_queue_size must be at least 1")
	}
	if c.Mailbox.CriticalReserve < 0 {
		return fmt.Errorf("mailbox.critical_reserve cannot be negative")
	}
	if c.Mailbox.ReadMaxLimit < c.Mailbox.ReadDefaultLimit {
		return fmt.Errorf("mailbox.read_max_limit must be at least mailbox.read_default_limit")
	}

	if c.Delivery.Retry.MaxAttempts < 1 {
		return fmt.Errorf("delivery.retry.max_attempts must be at least 1")
	}
	if c.Delivery.Retry.InitialInterval <= 0 || c.Delivery.Retry.MaxInterval < c.Delivery.Retry.InitialInterval {
		return fmt.Errorf("delivery.retry intervals must be positive and max_interval >= initial_interval")
	}
	if c.Delivery.BreakerThreshold < 1 {
		return fmt.Errorf("delivery.breaker_threshold must be at least 1")
	}
	if c.Delivery.AttemptTimeout <= 0 {
		return fmt.Errorf("delivery.attempt_timeout must be positive")
	}

	if c.Subscriptions.HeartbeatTimeout < 0 {
		return fmt.Errorf("subscriptions.heartbeat_timeout cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.Retention.Interval < time.Second {
		return fmt.Errorf("retention.interval must be at least 1 second")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Publish.Enabled && (c.RateLimit.Publish.Rate <= 0 || c.RateLimit.Publish.Burst < 1) {
			return fmt.Errorf("ratelimit.publish needs a positive rate and burst")
		}
		if c.RateLimit.Subscribe.Enabled && (c.RateLimit.Subscribe.Rate <= 0 || c.RateLimit.Subscribe.Burst < 1) {
			return fmt.Errorf("ratelimit.subscribe needs a positive rate and burst")
		}
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	for _, admin := range c.Permissions.Admins {
		if admin == "" {
			return fmt.Errorf("permissions.admins cannot contain an empty identity")
		}
	}
	if _, err := c.Permissions.Static(); err != nil {
		return err
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url required when nats is enabled")
		}
		if c.NATS.Prefix == "" {
			return fmt.Errorf("nats.prefix required when nats is enabled")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
