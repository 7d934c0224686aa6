package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Well-known queue names.
const (
	QueueRuns          = "runs"
	QueueSteps         = "steps"
	QueueNotifications = "notifications"
	QueueCleanup       = "cleanup"
)

// Config represents the runcore configuration.
type Config struct {
	Logging     LoggingConfig          `yaml:"logging"`
	Database    DatabaseConfig         `yaml:"database"`
	KV          KVConfig               `yaml:"kv"`
	NATS        NATSConfig             `yaml:"nats"`
	Temporal    TemporalConfig         `yaml:"temporal"`
	Telemetry   TelemetryConfig        `yaml:"telemetry"`
	HTTP        HTTPConfig             `yaml:"http"`
	LLM         LLMConfig              `yaml:"llm"`
	Idempotency IdempotencyConfig      `yaml:"idempotency"`
	Queues      map[string]QueueConfig `yaml:"queues"`
	Tools       ToolsConfig            `yaml:"tools"`
	Supervisor  SupervisorConfig       `yaml:"supervisor"`
	Runs        RunsConfig             `yaml:"runs"`
	Detector    DetectorConfig         `yaml:"detector"`
	Outbox      OutboxConfig           `yaml:"outbox"`
	Maintenance MaintenanceConfig      `yaml:"maintenance"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // console encoder instead of JSON
}

// DatabaseConfig configures the durable store.
type DatabaseConfig struct {
	Type string `yaml:"type"` // "sqlite" or "postgres"
	Path string `yaml:"path"` // sqlite file or DSN
	DSN  string `yaml:"dsn"`  // postgres DSN
}

// KVConfig configures the shared counter and lock store.
type KVConfig struct {
	Backend  string `yaml:"backend"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

// NATSConfig configures the outbox event bus.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	StreamName    string        `yaml:"stream_name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

// TemporalConfig configures the Temporal maintenance workflow. When disabled
// the same maintenance runs on an in-process ticker.
type TemporalConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Host             string `yaml:"host"`
	Namespace        string `yaml:"namespace"`
	TaskQueue        string `yaml:"task_queue"`
	IterationsPerRun int    `yaml:"iterations_per_run"`
}

// MaintenanceConfig configures lease reaping and retention purges.
type MaintenanceConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ReapBatch    int           `yaml:"reap_batch"`
	JobRetention time.Duration `yaml:"job_retention"`
	PurgeEvery   int           `yaml:"purge_every"` // maintenance passes between purges
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// HTTPConfig configures the metrics and health listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LLMConfig selects the planning model backend.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // "gemini", "openai" or "none"
	Endpoint    string  `yaml:"endpoint"` // OpenAI-compatible base URL
	APIKey      string  `yaml:"api_key" json:"api_key,omitempty"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
}

// IdempotencyConfig holds the executor defaults.
type IdempotencyConfig struct {
	KeyTTL         time.Duration `yaml:"key_ttl"`
	DedupeWindow   time.Duration `yaml:"dedupe_window"`
	ErrorTTL       time.Duration `yaml:"error_ttl"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	LockRetryDelay time.Duration `yaml:"lock_retry_delay"`
	MaxLockWait    time.Duration `yaml:"max_lock_wait"`
}

// QueueConfig is the static configuration of one named queue.
type QueueConfig struct {
	Concurrency  int                `yaml:"concurrency"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Retries      int                `yaml:"retries"`
	Backoff      BackoffConfig      `yaml:"backoff"`
	Timeout      time.Duration      `yaml:"timeout"`
	PollInterval time.Duration      `yaml:"poll_interval"`
	DLQ          DLQConfig          `yaml:"dlq"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
}

// RateLimitConfig allows Limit enqueues per Per. Zero Limit disables it.
type RateLimitConfig struct {
	Limit int           `yaml:"limit"`
	Per   time.Duration `yaml:"per"`
}

// BackoffConfig describes retry delays.
type BackoffConfig struct {
	Kind   string        `yaml:"kind"` // "fixed" or "exponential"
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter bool          `yaml:"jitter"`
}

// DLQConfig configures dead-letter handling for a queue.
type DLQConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxReprocess int           `yaml:"max_reprocess"`
	Retention    time.Duration `yaml:"retention"`
}

// Backpressure policies.
const (
	PolicySlowdown       = "slowdown"
	PolicyLogOnly        = "log_only"
	PolicyReject         = "reject"
	PolicyCircuitBreaker = "circuit_breaker"
)

// BackpressureConfig holds depth thresholds and policies for a queue.
type BackpressureConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Warning        int64         `yaml:"warning"`
	Critical       int64         `yaml:"critical"`
	Recovery       int64         `yaml:"recovery"`
	Cooldown       time.Duration `yaml:"cooldown"`
	WarningPolicy  string        `yaml:"warning_policy"`
	CriticalPolicy string        `yaml:"critical_policy"`
	MaxDelay       time.Duration `yaml:"max_delay"`
}

// ToolsConfig holds tool router defaults and per-tool overrides.
type ToolsConfig struct {
	DefaultTimeout time.Duration           `yaml:"default_timeout"`
	LocalRetries   int                     `yaml:"local_retries"` // retries of a retryable failure before the step fails
	RetryBackoff   BackoffConfig           `yaml:"retry_backoff"`
	Overrides      map[string]ToolOverride `yaml:"overrides"`
}

// ToolOverride replaces a registered tool's timeout, cost or rate limit.
// Zero fields keep the registered value.
type ToolOverride struct {
	Timeout   time.Duration   `yaml:"timeout"`
	Cost      int64           `yaml:"cost"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// SupervisorConfig bounds the agent loop.
type SupervisorConfig struct {
	CheckpointInterval     int           `yaml:"checkpoint_interval"`
	ProgressTimeout        time.Duration `yaml:"progress_timeout"`
	MaxStepsPerPhase       int           `yaml:"max_steps_per_phase"`
	MaxConsecutiveErrors   int           `yaml:"max_consecutive_errors"`
	ContextWindow          int           `yaml:"context_window"`
	LLMTimeout             time.Duration `yaml:"llm_timeout"`
	LLMCallCost            int64         `yaml:"llm_call_cost"`
	PlanRepairAttempts     int           `yaml:"plan_repair_attempts"`
	PlanGenerationAttempts int           `yaml:"plan_generation_attempts"`
}

// RunsConfig holds per-run defaults applied at submission.
type RunsConfig struct {
	DefaultMaxSteps   int64         `yaml:"default_max_steps"`
	DefaultMaxCredits int64         `yaml:"default_max_credits"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	Timeout           time.Duration `yaml:"timeout"`
}

// DetectorConfig holds the per-status maximum durations enforced by the sweep.
type DetectorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	MaxPending     time.Duration `yaml:"max_pending"`
	MaxQueued      time.Duration `yaml:"max_queued"`
	RequeueAfter   time.Duration `yaml:"requeue_after"`
	MaxPlanning    time.Duration `yaml:"max_planning"`
	MaxExecuting   time.Duration `yaml:"max_executing"`
	MaxPaused      time.Duration `yaml:"max_paused"`
	MaxWaitingUser time.Duration `yaml:"max_waiting_user"`
}

// OutboxConfig configures the outbox relay.
type OutboxConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Retention    time.Duration `yaml:"retention"`
}

// LoadConfigFromFile loads configuration from a YAML file at the specified path.
// Values not present in the file keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration over DefaultConfig, expanding ${ENV} references first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	config := DefaultConfig()
	defaults := config.Queues
	config.Queues = nil
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	merged := make(map[string]QueueConfig, len(defaults))
	for name, q := range defaults {
		merged[name] = q
	}
	for name, q := range config.Queues {
		base, ok := defaults[name]
		if !ok {
			base = DefaultQueueConfig()
		}
		merged[name] = q.withDefaults(base)
	}
	config.Queues = merged

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for values the runtime cannot work with.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	switch c.KV.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported kv backend %q", c.KV.Backend)
	}
	switch c.LLM.Provider {
	case "", "none", "gemini":
	case "openai":
		if c.LLM.Endpoint == "" {
			return fmt.Errorf("llm.endpoint is required for the openai provider")
		}
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}
	for name, q := range c.Queues {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("queue %s: %w", name, err)
		}
	}
	if c.Supervisor.MaxStepsPerPhase <= 0 {
		return fmt.Errorf("supervisor.max_steps_per_phase must be positive")
	}
	if c.Supervisor.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("supervisor.max_consecutive_errors must be positive")
	}
	return nil
}

// Validate checks a single queue configuration.
func (q QueueConfig) Validate() error {
	if q.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if q.Retries < 1 {
		return fmt.Errorf("retries must be at least 1")
	}
	switch q.Backoff.Kind {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("unknown backoff kind %q", q.Backoff.Kind)
	}
	if q.RateLimit.Limit > 0 && q.RateLimit.Per <= 0 {
		return fmt.Errorf("rate_limit.per must be positive when limit is set")
	}
	bp := q.Backpressure
	if bp.Enabled {
		if !(bp.Recovery < bp.Warning && bp.Warning < bp.Critical) {
			return fmt.Errorf("backpressure thresholds must satisfy recovery < warning < critical (got %d/%d/%d)",
				bp.Recovery, bp.Warning, bp.Critical)
		}
		switch bp.WarningPolicy {
		case PolicySlowdown, PolicyLogOnly:
		default:
			return fmt.Errorf("unknown warning policy %q", bp.WarningPolicy)
		}
		switch bp.CriticalPolicy {
		case PolicyReject, PolicyCircuitBreaker:
		default:
			return fmt.Errorf("unknown critical policy %q", bp.CriticalPolicy)
		}
	}
	return nil
}

func (q QueueConfig) withDefaults(base QueueConfig) QueueConfig {
	if q.Concurrency == 0 {
		q.Concurrency = base.Concurrency
	}
	if q.Retries == 0 {
		q.Retries = base.Retries
	}
	if q.Backoff.Kind == "" {
		q.Backoff.Kind = base.Backoff.Kind
	}
	if q.Backoff.Base == 0 {
		q.Backoff.Base = base.Backoff.Base
	}
	if q.Backoff.Max == 0 {
		q.Backoff.Max = base.Backoff.Max
	}
	if q.Timeout == 0 {
		q.Timeout = base.Timeout
	}
	if q.PollInterval == 0 {
		q.PollInterval = base.PollInterval
	}
	if q.DLQ.MaxReprocess == 0 {
		q.DLQ.MaxReprocess = base.DLQ.MaxReprocess
	}
	if q.DLQ.Retention == 0 {
		q.DLQ.Retention = base.DLQ.Retention
	}
	if q.Backpressure.Cooldown == 0 {
		q.Backpressure.Cooldown = base.Backpressure.Cooldown
	}
	if q.Backpressure.WarningPolicy == "" {
		q.Backpressure.WarningPolicy = base.Backpressure.WarningPolicy
	}
	if q.Backpressure.CriticalPolicy == "" {
		q.Backpressure.CriticalPolicy = base.Backpressure.CriticalPolicy
	}
	if q.Backpressure.MaxDelay == 0 {
		q.Backpressure.MaxDelay = base.Backpressure.MaxDelay
	}
	if q.Backpressure.Warning == 0 && q.Backpressure.Critical == 0 {
		q.Backpressure.Warning = base.Backpressure.Warning
		q.Backpressure.Critical = base.Backpressure.Critical
		q.Backpressure.Recovery = base.Backpressure.Recovery
	}
	return q
}

// DefaultQueueConfig returns the baseline used for queues not listed in DefaultConfig.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Concurrency:  4,
		Retries:      3,
		Backoff:      BackoffConfig{Kind: "exponential", Base: time.Second, Max: time.Minute, Jitter: true},
		Timeout:      5 * time.Minute,
		PollInterval: 250 * time.Millisecond,
		DLQ:          DLQConfig{Enabled: true, MaxReprocess: 3, Retention: 7 * 24 * time.Hour},
		Backpressure: BackpressureConfig{
			Enabled:        true,
			Warning:        1000,
			Critical:       5000,
			Recovery:       500,
			Cooldown:       30 * time.Second,
			WarningPolicy:  PolicySlowdown,
			CriticalPolicy: PolicyReject,
			MaxDelay:       2 * time.Second,
		},
	}
}

// DefaultConfig returns a configuration suitable for a single local instance.
func DefaultConfig() *Config {
	runs := DefaultQueueConfig()
	runs.Concurrency = 8
	runs.Timeout = 2 * time.Minute

	steps := DefaultQueueConfig()
	steps.Concurrency = 16
	steps.Timeout = 10 * time.Minute
	steps.RateLimit = RateLimitConfig{Limit: 600, Per: time.Minute}

	notifications := DefaultQueueConfig()
	notifications.Retries = 5
	notifications.Timeout = 30 * time.Second
	notifications.Backoff.Kind = "fixed"
	notifications.Backoff.Base = 5 * time.Second

	cleanup := DefaultQueueConfig()
	cleanup.Concurrency = 2
	cleanup.Retries = 5
	cleanup.Timeout = time.Minute
	cleanup.Backpressure.Enabled = false

	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "./runcore.db",
		},
		KV: KVConfig{
			Backend: "memory",
			Prefix:  "runcore",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			StreamName:    "RUNCORE",
			SubjectPrefix: "runcore",
			Timeout:       10 * time.Second,
		},
		Temporal: TemporalConfig{
			Host:             "localhost:7233",
			Namespace:        "runcore-default",
			TaskQueue:        "runcore-maintenance",
			IterationsPerRun: 200,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "runcore",
		},
		HTTP: HTTPConfig{Addr: ":9464"},
		LLM: LLMConfig{
			Provider:    "none",
			Model:       "gemini-2.5-flash",
			Temperature: 0.2,
		},
		Idempotency: IdempotencyConfig{
			KeyTTL:         24 * time.Hour,
			DedupeWindow:   time.Hour,
			ErrorTTL:       2 * time.Second,
			LockTTL:        30 * time.Second,
			LockRetryDelay: 50 * time.Millisecond,
			MaxLockWait:    time.Minute,
		},
		Queues: map[string]QueueConfig{
			QueueRuns:          runs,
			QueueSteps:         steps,
			QueueNotifications: notifications,
			QueueCleanup:       cleanup,
		},
		Tools: ToolsConfig{
			DefaultTimeout: 30 * time.Second,
			LocalRetries:   2,
			RetryBackoff:   BackoffConfig{Kind: "exponential", Base: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: true},
		},
		Supervisor: SupervisorConfig{
			CheckpointInterval:     5,
			LLMCallCost:            1,
			ProgressTimeout:        5 * time.Minute,
			MaxStepsPerPhase:       25,
			MaxConsecutiveErrors:   3,
			ContextWindow:          20,
			LLMTimeout:             2 * time.Minute,
			PlanRepairAttempts:     2,
			PlanGenerationAttempts: 3,
		},
		Runs: RunsConfig{
			DefaultMaxSteps:   100,
			DefaultMaxCredits: 1000,
			DefaultMaxRetries: 3,
			Timeout:           2 * time.Hour,
		},
		Detector: DetectorConfig{
			Interval:       15 * time.Second,
			BatchSize:      100,
			MaxPending:     5 * time.Minute,
			MaxQueued:      30 * time.Minute,
			RequeueAfter:   2 * time.Minute,
			MaxPlanning:    10 * time.Minute,
			MaxExecuting:   3 * time.Hour,
			MaxPaused:      24 * time.Hour,
			MaxWaitingUser: 72 * time.Hour,
		},
		Outbox: OutboxConfig{
			BatchSize:    100,
			PollInterval: time.Second,
			Retention:    7 * 24 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			Interval:     15 * time.Second,
			ReapBatch:    100,
			JobRetention: 3 * 24 * time.Hour,
			PurgeEvery:   40,
		},
	}
}
