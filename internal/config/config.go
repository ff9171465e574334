// Package config provides configuration for the application
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Service  ServiceConfig
	Logging  LoggingConfig
	Redis    RedisConfig
	Stream   StreamConfig
	Consumer ConsumerConfig
	Retry    RetryConfig
	Metrics  MetricsConfig
	Kafka    KafkaConfig
}

// ServiceConfig holds service settings
type ServiceConfig struct {
	Name string
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string
}

// RedisConfig holds stream store connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StreamConfig holds topic layout settings
type StreamConfig struct {
	// Prefix namespaces all topics, e.g. "events" -> "events:position.updated".
	Prefix string
	// MaxLen is the approximate per-topic trim horizon (0 = unbounded).
	MaxLen int64
}

// ConsumerConfig holds consumer-group settings
type ConsumerConfig struct {
	Group string
	// Name identifies this reader within the group.
	Name         string
	BatchSize    int64
	BlockTimeout time.Duration
	// ClaimTimeout is how long a claimed entry may sit unacknowledged
	// before any group member may reclaim it.
	ClaimTimeout time.Duration
	// ClaimMultiplier grows the claim timeout per delivery attempt.
	ClaimMultiplier float64
	// MaxAttempts is the retry budget before an entry is dead-lettered.
	MaxAttempts int
	QueueSize   int
	WorkerCount int
}

// RetryConfig holds backoff settings for transient publish failures
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// MetricsConfig holds metrics endpoint settings
type MetricsConfig struct {
	Port string
}

// KafkaConfig holds the optional egress bridge settings.
// An empty broker list disables the bridge.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (optional)
	godotenv.Load()

	cfg := &Config{}

	// Redis configuration
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	cfg.Redis.Addr = redisAddr
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	// Stream configuration
	cfg.Stream.Prefix = getEnv("STREAM_PREFIX", "events")
	cfg.Stream.MaxLen = int64(getEnvInt("STREAM_MAXLEN", 10000))

	// Consumer configuration
	group := os.Getenv("GROUP_NAME")
	if group == "" {
		return nil, fmt.Errorf("GROUP_NAME is required")
	}
	cfg.Consumer.Group = group

	consumerName := os.Getenv("CONSUMER_NAME")
	if consumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			return nil, fmt.Errorf("CONSUMER_NAME is required when hostname is unavailable")
		}
		consumerName = host
	}
	cfg.Consumer.Name = consumerName

	cfg.Consumer.BatchSize = int64(getEnvInt("BATCH_SIZE", 10))
	cfg.Consumer.BlockTimeout = getEnvMillis("BLOCK_TIMEOUT_MS", 5000)
	cfg.Consumer.ClaimTimeout = getEnvMillis("CLAIM_TIMEOUT_MS", 60000)
	cfg.Consumer.ClaimMultiplier = getEnvFloat("CLAIM_BACKOFF_MULTIPLIER", 2.0)
	cfg.Consumer.MaxAttempts = getEnvInt("MAX_ATTEMPTS", 3)
	cfg.Consumer.QueueSize = getEnvInt("QUEUE_SIZE", 100)
	cfg.Consumer.WorkerCount = getEnvInt("WORKER_COUNT", 4)

	if cfg.Consumer.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if cfg.Consumer.ClaimMultiplier < 1 {
		return nil, fmt.Errorf("CLAIM_BACKOFF_MULTIPLIER must be at least 1")
	}

	// Publish retry configuration
	cfg.Retry.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.Retry.BaseDelay = getEnvMillis("RETRY_BASE_DELAY_MS", 100)
	cfg.Retry.MaxDelay = getEnvMillis("RETRY_MAX_DELAY_MS", 5000)
	cfg.Retry.Multiplier = getEnvFloat("RETRY_MULTIPLIER", 2.0)

	// Metrics configuration
	cfg.Metrics.Port = getEnv("METRICS_PORT", "9090")

	// Kafka egress bridge (optional)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			b = strings.TrimSpace(b)
			if b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one valid broker address")
		}
	}
	cfg.Kafka.TopicPrefix = getEnv("KAFKA_TOPIC_PREFIX", "fleet")

	// Logging configuration
	cfg.Logging.Level = getEnv("LOG_LEVEL", "info")

	// Service configuration
	cfg.Service.Name = getEnv("SERVICE_NAME", "eventstream")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}
