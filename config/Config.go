package config

import "time"

type StorageType string

type QueueType string

type DispatchStrategy string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"
const STORAGE_TYPE_POSTGRES StorageType = "postgres"

const QUEUE_TYPE_REDIS QueueType = "redis"
const QUEUE_TYPE_INMEM QueueType = "memory"

const DISPATCH_STRATEGY_SEQUENTIAL DispatchStrategy = "sequential"
const DISPATCH_STRATEGY_QUEUE DispatchStrategy = "queue"

type Config struct {
	RedisConfig      RedisStorageConfig
	PostgresConfig   PostgresStorageConfig
	HttpPort         int
	StorageType      StorageType
	QueueType        QueueType
	LogLevel         string
	DevelopmentLog   bool
	AnalyticsFile    string
	EngineConfig     EngineConfig
	TriggerConfig    TriggerConfig
	DispatchConfig   DispatchConfig
	JobQueueConfig   JobQueueConfig
	EmailConfig      EmailConfig
	WebhookConfig    WebhookConfig
	DelayPollSeconds int
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}

type PostgresStorageConfig struct {
	DSN      string
	MaxConns int32
}

type EngineConfig struct {
	MaxSteps      int
	ImageInterval time.Duration
}

type TriggerConfig struct {
	CountryCode         string
	WaitingTTL          time.Duration
	ActiveGrace         time.Duration
	DefaultReentryDelay time.Duration
}

type DispatchConfig struct {
	Strategy DispatchStrategy
	RowDelay time.Duration
}

type JobQueueConfig struct {
	Workers     int
	RatePerSec  float64
	MaxAttempts int
	Backoff     time.Duration
}

// WebhookConfig holds the WhatsApp Cloud subscription secrets. An empty
// AppSecret disables signature checks.
type WebhookConfig struct {
	VerifyToken string
	AppSecret   string
}

type EmailConfig struct {
	Endpoint  string
	ServiceId string
	UserId    string
}

func Default() Config {
	return Config{
		RedisConfig: RedisStorageConfig{
			Addrs:     []string{"localhost:6379"},
			Namespace: "tizap",
		},
		HttpPort:    8080,
		StorageType: STORAGE_TYPE_INMEM,
		QueueType:   QUEUE_TYPE_INMEM,
		LogLevel:    "info",
		EngineConfig: EngineConfig{
			MaxSteps:      50,
			ImageInterval: time.Second,
		},
		TriggerConfig: TriggerConfig{
			CountryCode: "55",
			WaitingTTL:  24 * time.Hour,
			ActiveGrace: 30 * time.Second,
		},
		DispatchConfig: DispatchConfig{
			Strategy: DISPATCH_STRATEGY_SEQUENTIAL,
			RowDelay: 2 * time.Second,
		},
		JobQueueConfig: JobQueueConfig{
			Workers:     5,
			RatePerSec:  5,
			MaxAttempts: 3,
			Backoff:     time.Second,
		},
		DelayPollSeconds: 1,
	}
}
