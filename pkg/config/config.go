// Package config loads gearmand's configuration from the environment (and
// an optional local .env file), in the same getEnv*/godotenv idiom used
// across this project's other services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	TCPServer TCPServerConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	SMTP      SMTPConfig
	Backlog   BacklogConfig
	Admin     AdminConfig
	Stats     StatsConfig
}

// TCPServerConfig controls the job-server listener: the port clients,
// workers, and admin connections all share, and the shape of the I/O
// reactor in front of the dispatcher.
type TCPServerConfig struct {
	Port                 int
	MaxConnections       int
	IOWorkers            int
	OutboundQueueSize    int
	IdleWorkerTimeout    time.Duration
	GracefulDrainTimeout time.Duration
}

// PostgresConfig backs the persistent-queue replay log and the
// audit/rollup tables. Host is empty by default, which selects the
// in-memory PersistentQueue instead of Postgres (see internal/persistence).
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (p PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

// Enabled reports whether a Postgres host was actually configured.
func (p PostgresConfig) Enabled() bool {
	return p.Host != ""
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether backlog alarm state should be persisted to
// Redis at all, versus kept in an in-process map.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	NumPartitions int

	BatchSize    int
	BatchTimeout time.Duration
	Compression  string
	Async        bool
	MaxAttempts  int
	RequiredAcks int
}

// Enabled reports whether the lifecycle event bus should actually publish
// to Kafka, versus running with the no-op publisher.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Brokers[0] != ""
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// BacklogConfig tunes the backlog alarm watcher (component H).
type BacklogConfig struct {
	SampleInterval  time.Duration
	DefaultMaxDepth int
	BreachDuration  time.Duration
}

// AdminConfig holds settings for the line-based admin protocol.
type AdminConfig struct {
	ShutdownGraceful bool
}

// StatsConfig tunes cmd/statsroller's rollup schedule.
type StatsConfig struct {
	HourlyDelay time.Duration // minutes past the hour to run the hourly rollup
	DailyTime   string        // "HH:MM" time of day to run the daily rollup
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		TCPServer: TCPServerConfig{
			Port:                 getEnvAsInt("GEARMAND_PORT", 4730),
			MaxConnections:       getEnvAsInt("GEARMAND_MAX_CONNECTIONS", 10000),
			IOWorkers:            getEnvAsInt("GEARMAND_IO_WORKERS", 0), // not read by the acceptor (see DESIGN.md)
			OutboundQueueSize:    getEnvAsInt("GEARMAND_OUTBOUND_QUEUE_SIZE", 256),
			IdleWorkerTimeout:    getEnvAsDuration("GEARMAND_IDLE_WORKER_TIMEOUT", 10*time.Minute),
			GracefulDrainTimeout: getEnvAsDuration("GEARMAND_DRAIN_TIMEOUT", 30*time.Second),
		},
		Postgres: PostgresConfig{
			Host:     getEnv("PGHOST", ""),
			Port:     getEnvAsInt("PGPORT", 5432),
			User:     getEnv("PGUSER", "gearmand"),
			Password: getEnv("PGPASSWORD", "gearmand"),
			DBName:   getEnv("PGDATABASE", "gearmand"),
			SSLMode:  getEnv("PGSSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       splitNonEmpty(getEnv("KAFKA_BROKERS", "")),
			Topic:         getEnv("KAFKA_TOPIC_JOB_EVENTS", "gearman.job.events"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 6),
			BatchSize:     getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			BatchTimeout:  getEnvAsDuration("KAFKA_BATCH_TIMEOUT", 100*time.Millisecond),
			Compression:   getEnv("KAFKA_COMPRESSION", "snappy"),
			Async:         getEnvAsBool("KAFKA_ASYNC", true),
			MaxAttempts:   getEnvAsInt("KAFKA_MAX_ATTEMPTS", 3),
			RequiredAcks:  getEnvAsInt("KAFKA_REQUIRED_ACKS", 1),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "gearmand@example.com"),
			To:       getEnv("SMTP_TO", "admin@example.com"),
		},
		Backlog: BacklogConfig{
			SampleInterval:  getEnvAsDuration("BACKLOG_SAMPLE_INTERVAL", 30*time.Second),
			DefaultMaxDepth: getEnvAsInt("BACKLOG_DEFAULT_MAX_DEPTH", 1000),
			BreachDuration:  getEnvAsDuration("BACKLOG_BREACH_DURATION", 5*time.Minute),
		},
		Admin: AdminConfig{
			ShutdownGraceful: getEnvAsBool("GEARMAND_SHUTDOWN_GRACEFUL", true),
		},
		Stats: StatsConfig{
			HourlyDelay: getEnvAsDuration("STATS_HOURLY_DELAY", 5*time.Minute),
			DailyTime:   getEnv("STATS_DAILY_TIME", "00:05"),
		},
	}

	return cfg, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
