// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leadline/messaging/internal/alert"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Alert sinks.
const (
	SinkLog   = "log"
	SinkRedis = "redis"
	SinkAMQP  = "amqp"
)

// QueueConfig holds the send queue and worker policy.
type QueueConfig struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	BackoffJitter  float64
	StaleAfter     time.Duration
	StorageBackoff time.Duration
	IdempotencyTTL time.Duration
}

// RateLimitConfig is the per-sender sliding window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// ProviderConfig holds the messaging provider endpoint and credentials.
type ProviderConfig struct {
	BaseURL           string
	AccessToken       string
	ClientID          string
	ClientSecret      string
	TokenURL          string
	SendTimeout       time.Duration
	DefaultSenderID   string
	BusinessAccountID string
	IncludeSenders    []string
	ExcludeSenders    []string
}

// WebhookConfig holds the inbound webhook settings.
type WebhookConfig struct {
	Port          int
	AppSecret     string
	VerifyToken   string
	MaxConcurrent int
}

// AlertsConfig holds the alert engine settings.
type AlertsConfig struct {
	EvalInterval time.Duration
	Rules        []alert.Rule
	Sink         string
	AMQPURL      string
	Queue        string
}

// RelayConfig names the Redis queue inbound messages are forwarded to.
type RelayConfig struct {
	InboundQueue string
	TaskName     string
}

// Config holds all configuration for the messaging service.
type Config struct {
	Storage     string
	DatabaseURL string
	RedisURL    string

	Queue     QueueConfig
	RateLimit RateLimitConfig
	Provider  ProviderConfig
	Webhook   WebhookConfig
	Alerts    AlertsConfig
	Relay     RelayConfig

	BucketInterval time.Duration

	// Server (API and health check)
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Storage     string `yaml:"storage"`
	DatabaseURL string `yaml:"database_url"`
	Redis       struct {
		URL    string `yaml:"url"`
		Queues struct {
			Inbound string `yaml:"inbound"`
			Alerts  string `yaml:"alerts"`
		} `yaml:"queues"`
		TaskName string `yaml:"task_name"`
	} `yaml:"redis"`
	Queue struct {
		Workers        int           `yaml:"workers"`
		BatchSize      int           `yaml:"batch_size"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		MaxRetries     *int          `yaml:"max_retries"`
		StaleAfter     time.Duration `yaml:"stale_after"`
		StorageBackoff time.Duration `yaml:"storage_backoff"`
		IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
		Backoff        struct {
			Base   time.Duration `yaml:"base"`
			Cap    time.Duration `yaml:"cap"`
			Jitter *float64      `yaml:"jitter"`
		} `yaml:"backoff"`
	} `yaml:"queue"`
	RateLimit struct {
		Limit  int           `yaml:"limit"`
		Window time.Duration `yaml:"window"`
	} `yaml:"rate_limit"`
	Provider struct {
		BaseURL           string        `yaml:"base_url"`
		AccessToken       string        `yaml:"access_token"`
		ClientID          string        `yaml:"client_id"`
		ClientSecret      string        `yaml:"client_secret"`
		TokenURL          string        `yaml:"token_url"`
		SendTimeout       time.Duration `yaml:"send_timeout"`
		DefaultSenderID   string        `yaml:"default_sender_id"`
		BusinessAccountID string        `yaml:"business_account_id"`
		IncludeSenders    []string      `yaml:"include_senders"`
		ExcludeSenders    []string      `yaml:"exclude_senders"`
	} `yaml:"provider"`
	Webhook struct {
		Port          int    `yaml:"port"`
		AppSecret     string `yaml:"app_secret"`
		VerifyToken   string `yaml:"verify_token"`
		MaxConcurrent int    `yaml:"max_concurrent"`
	} `yaml:"webhook"`
	Metrics struct {
		BucketInterval time.Duration `yaml:"bucket_interval"`
	} `yaml:"metrics"`
	Alerts struct {
		EvalInterval time.Duration `yaml:"eval_interval"`
		Sink         string        `yaml:"sink"`
		AMQPURL      string        `yaml:"amqp_url"`
		Rules        []alert.Rule  `yaml:"rules"`
	} `yaml:"alerts"`
}

// defaultRules are used when the file names none.
func defaultRules() []alert.Rule {
	return []alert.Rule{
		{
			ID:        "success-rate-low",
			Kind:      alert.KindSuccessRateBelow,
			Threshold: 0.9,
			Severity:  "critical",
			For:       5 * time.Minute,
			Cooldown:  10 * time.Minute,
		},
		{
			ID:        "queue-backlog",
			Kind:      alert.KindQueueDepthAbove,
			Threshold: 1000,
			For:       5 * time.Minute,
			Cooldown:  10 * time.Minute,
		},
	}
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML, applying env fallbacks and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	maxRetries := envOrDefaultInt("MAX_RETRIES", 5)
	if raw.Queue.MaxRetries != nil {
		maxRetries = *raw.Queue.MaxRetries
	}
	jitter := 0.2
	if raw.Queue.Backoff.Jitter != nil {
		jitter = *raw.Queue.Backoff.Jitter
	}

	cfg := &Config{
		Storage:     strings.ToLower(firstNonEmpty(raw.Storage, envOrDefault("STORAGE", StoragePostgres))),
		DatabaseURL: firstNonEmpty(raw.DatabaseURL, os.Getenv("DATABASE_URL")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		Queue: QueueConfig{
			Workers:        orInt(raw.Queue.Workers, envOrDefaultInt("WORKERS", 4)),
			BatchSize:      orInt(raw.Queue.BatchSize, 10),
			PollInterval:   orDuration(raw.Queue.PollInterval, envOrDefaultDuration("POLL_INTERVAL", time.Second)),
			MaxRetries:     maxRetries,
			BackoffBase:    orDuration(raw.Queue.Backoff.Base, 2*time.Second),
			BackoffCap:     orDuration(raw.Queue.Backoff.Cap, 15*time.Minute),
			BackoffJitter:  jitter,
			StaleAfter:     orDuration(raw.Queue.StaleAfter, 5*time.Minute),
			StorageBackoff: orDuration(raw.Queue.StorageBackoff, time.Second),
			IdempotencyTTL: orDuration(raw.Queue.IdempotencyTTL, 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Limit:  orInt(raw.RateLimit.Limit, envOrDefaultInt("RATE_LIMIT", 80)),
			Window: orDuration(raw.RateLimit.Window, time.Second),
		},
		Provider: ProviderConfig{
			BaseURL:           firstNonEmpty(raw.Provider.BaseURL, envOrDefault("PROVIDER_BASE_URL", "https://graph.facebook.com/v20.0")),
			AccessToken:       firstNonEmpty(raw.Provider.AccessToken, os.Getenv("PROVIDER_ACCESS_TOKEN")),
			ClientID:          raw.Provider.ClientID,
			ClientSecret:      raw.Provider.ClientSecret,
			TokenURL:          raw.Provider.TokenURL,
			SendTimeout:       orDuration(raw.Provider.SendTimeout, 10*time.Second),
			DefaultSenderID:   firstNonEmpty(raw.Provider.DefaultSenderID, os.Getenv("DEFAULT_SENDER_ID")),
			BusinessAccountID: raw.Provider.BusinessAccountID,
			IncludeSenders:    raw.Provider.IncludeSenders,
			ExcludeSenders:    raw.Provider.ExcludeSenders,
		},
		Webhook: WebhookConfig{
			Port:          orInt(raw.Webhook.Port, envOrDefaultInt("WEBHOOK_PORT", 8081)),
			AppSecret:     firstNonEmpty(raw.Webhook.AppSecret, os.Getenv("WEBHOOK_APP_SECRET")),
			VerifyToken:   firstNonEmpty(raw.Webhook.VerifyToken, os.Getenv("WEBHOOK_VERIFY_TOKEN")),
			MaxConcurrent: orInt(raw.Webhook.MaxConcurrent, 64),
		},
		Alerts: AlertsConfig{
			EvalInterval: raw.Alerts.EvalInterval,
			Rules:        raw.Alerts.Rules,
			Sink:         strings.ToLower(firstNonEmpty(raw.Alerts.Sink, envOrDefault("ALERT_SINK", SinkLog))),
			AMQPURL:      firstNonEmpty(raw.Alerts.AMQPURL, os.Getenv("AMQP_URL")),
			Queue:        firstNonEmpty(raw.Redis.Queues.Alerts, envOrDefault("ALERTS_QUEUE", "alerts")),
		},
		Relay: RelayConfig{
			InboundQueue: firstNonEmpty(raw.Redis.Queues.Inbound, envOrDefault("INBOUND_QUEUE", "inbound")),
			TaskName:     firstNonEmpty(raw.Redis.TaskName, "messaging.tasks.handle_event"),
		},
		BucketInterval: orDuration(raw.Metrics.BucketInterval, envOrDefaultDuration("BUCKET_INTERVAL", time.Minute)),
		Port:           envOrDefaultInt("PORT", 8080),
	}
	if len(cfg.Alerts.Rules) == 0 {
		cfg.Alerts.Rules = defaultRules()
	}
	if cfg.Alerts.EvalInterval <= 0 {
		cfg.Alerts.EvalInterval = cfg.BucketInterval
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("storage %q requires database_url or DATABASE_URL", c.Storage)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q (want %s or %s)", c.Storage, StoragePostgres, StorageMemory)
	}

	if c.Webhook.AppSecret == "" {
		return fmt.Errorf("webhook app secret is required: unsigned webhooks cannot be authenticated")
	}
	if c.Queue.Workers <= 0 || c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue workers and batch_size must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue max_retries must not be negative")
	}
	if c.Queue.BackoffJitter < 0 || c.Queue.BackoffJitter >= 1 {
		return fmt.Errorf("queue backoff jitter must be in [0, 1)")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit limit and window must be positive")
	}

	switch c.Alerts.Sink {
	case SinkLog:
	case SinkRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("alert sink %q requires a redis url", c.Alerts.Sink)
		}
	case SinkAMQP:
		if c.Alerts.AMQPURL == "" {
			return fmt.Errorf("alert sink %q requires amqp_url or AMQP_URL", c.Alerts.Sink)
		}
	default:
		return fmt.Errorf("unknown alert sink %q", c.Alerts.Sink)
	}
	return nil
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
