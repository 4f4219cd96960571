package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Stream    StreamConfig    `yaml:"stream"`
	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// OutboxConfig tunes the outbox processor loop.
type OutboxConfig struct {
	BatchSize    int `yaml:"batch_size"`
	PollInterval int `yaml:"poll_interval_ms"`
	MaxRetries   int `yaml:"max_retries"`
	StaleAfterMs int `yaml:"stale_after_ms"`
}

func (c OutboxConfig) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

func (c OutboxConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

// StreamConfig tunes the consumer-group reader.
type StreamConfig struct {
	Name          string `yaml:"name"`
	Group         string `yaml:"group"`
	Consumer      string `yaml:"consumer"`
	DLQStream     string `yaml:"dlq_stream"`
	DLQMaxLen     int64  `yaml:"dlq_maxlen"`
	BatchSize     int64  `yaml:"batch_size"`
	BlockMs       int    `yaml:"block_ms"`
	ClaimEvery    int    `yaml:"claim_every"`
	MinIdleMs     int    `yaml:"min_idle_ms"`
	MaxDeliveries int64  `yaml:"max_deliveries"`
}

func (c StreamConfig) Block() time.Duration   { return time.Duration(c.BlockMs) * time.Millisecond }
func (c StreamConfig) MinIdle() time.Duration { return time.Duration(c.MinIdleMs) * time.Millisecond }

// RetryConfig tunes the webhook retry queue.
type RetryConfig struct {
	BaseDelaySec int    `yaml:"base_delay_s"`
	MaxDelaySec  int    `yaml:"max_delay_s"`
	MaxAttempts  int    `yaml:"max_attempts"`
	BatchSize    int    `yaml:"batch_size"`
	IntervalSec  int    `yaml:"interval_s"`
	DLQKey       string `yaml:"dlq_key"`
	DLQMaxLen    int64  `yaml:"dlq_maxlen"`
}

func (c RetryConfig) BaseDelay() time.Duration { return time.Duration(c.BaseDelaySec) * time.Second }
func (c RetryConfig) MaxDelay() time.Duration  { return time.Duration(c.MaxDelaySec) * time.Second }
func (c RetryConfig) Interval() time.Duration  { return time.Duration(c.IntervalSec) * time.Second }

// BreakerConfig tunes the integration-feed circuit breaker.
type BreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	RecoveryTimeoutSec int `yaml:"recovery_timeout_s"`
	SuccessThreshold   int `yaml:"success_threshold"`
	HalfOpenMaxCalls   int `yaml:"half_open_max_calls"`
}

func (c BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSec) * time.Second
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	return &cfg, nil
}
