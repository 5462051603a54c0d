package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr  string
	StoreType   string
	PostgresDSN string

	GraphBaseURL   string
	GraphAppID     string
	GraphAppSecret string

	Workers      int
	QueueSize    int
	EventWorkers int

	MaxAttempts      int
	BaseDelay        time.Duration
	RateLimitBase    time.Duration
	MaxDelay         time.Duration
	RetryLimit       int
	StuckThreshold   time.Duration
	MaintenanceEvery time.Duration
	MaxPerWABA       int

	ArchiveEnabled   bool
	ArchiveAfter     time.Duration
	ArchiveBatchSize int
	MinIOEndpoint    string
	MinIOAccessKey   string
	MinIOSecretKey   string
	MinIOBucket      string
	MinIOUseSSL      bool

	APITokens          string
	RateLimitRPM       int
	WebhookVerifyToken string
}

func FromEnv() Config {
	return Config{
		ListenAddr:  getenv("WABA_LISTEN_ADDR", ":8080"),
		StoreType:   getenv("WABA_STORE", "memory"),
		PostgresDSN: getenv("WABA_POSTGRES_DSN", ""),

		GraphBaseURL:   getenv("WABA_GRAPH_BASE_URL", "https://graph.facebook.com/v19.0"),
		GraphAppID:     getenv("WABA_GRAPH_APP_ID", ""),
		GraphAppSecret: getenv("WABA_GRAPH_APP_SECRET", ""),

		Workers:      getenvInt("WABA_WORKERS", 8),
		QueueSize:    getenvInt("WABA_QUEUE_SIZE", 256),
		EventWorkers: getenvInt("WABA_EVENT_WORKERS", 2),

		MaxAttempts:      getenvInt("WABA_RETRY_MAX_ATTEMPTS", 4),
		BaseDelay:        time.Duration(getenvInt("WABA_RETRY_BASE_MILLIS", 1000)) * time.Millisecond,
		RateLimitBase:    time.Duration(getenvInt("WABA_RETRY_RATELIMIT_MILLIS", 5000)) * time.Millisecond,
		MaxDelay:         time.Duration(getenvInt("WABA_RETRY_MAX_MILLIS", 30000)) * time.Millisecond,
		RetryLimit:       getenvInt("WABA_TASK_RETRY_LIMIT", 3),
		StuckThreshold:   time.Duration(getenvInt("WABA_STUCK_SECONDS", 600)) * time.Second,
		MaintenanceEvery: time.Duration(getenvInt("WABA_MAINTENANCE_SECONDS", 60)) * time.Second,
		MaxPerWABA:       getenvInt("WABA_MAX_NUMBERS_PER_WABA", 25),

		ArchiveEnabled:   getenvBool("WABA_ARCHIVE_ENABLED", false),
		ArchiveAfter:     time.Duration(getenvInt("WABA_ARCHIVE_AFTER_HOURS", 720)) * time.Hour,
		ArchiveBatchSize: getenvInt("WABA_ARCHIVE_BATCH_SIZE", 100),
		MinIOEndpoint:    getenv("WABA_MINIO_ENDPOINT", ""),
		MinIOAccessKey:   getenv("WABA_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:   getenv("WABA_MINIO_SECRET_KEY", ""),
		MinIOBucket:      getenv("WABA_MINIO_BUCKET", "waba-task-archive"),
		MinIOUseSSL:      getenvBool("WABA_MINIO_USE_SSL", false),

		APITokens:          getenv("WABA_API_TOKENS", ""),
		RateLimitRPM:       getenvInt("WABA_RATE_LIMIT_RPM", 60),
		WebhookVerifyToken: getenv("WABA_WEBHOOK_VERIFY_TOKEN", ""),
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
