package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the broadcast engine.
type Config struct {
	Port string

	DBPath string

	JWTSecret string

	// CredentialFallbackEnabled gates the fallback to the account's stored
	// plaintext credential columns on decryption failure. Off by default;
	// see spec.md §9.
	CredentialFallbackEnabled bool

	// Scheduler / sync pacing.
	SyncIntervalDefaultSec    int
	SyncIntervalVenueTightSec int
	MonitorTickSec            int
	DailyReportHourUtc        int

	// Ingress.
	SignatureToleranceSec  int
	WebhookMaxRetries      int
	WebhookRetryDelaysSec  []int
	WebhookErrorThreshold  int

	// Risk / cooldown / idempotency.
	SignalCooldownMinutes int
	IdempotencyTtlSec     int

	// Order retry.
	OrderRetryMaxAttempts int
	OrderRetryBackoffSec  []int

	// AI training-data collector (external collaborator, gRPC).
	AiCollectorAddr    string
	AiCollectorEnabled bool

	VenueMetadataPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/signalrelay.db")
	}

	return &Config{
		Port:                      getEnv("PORT", "8080"),
		DBPath:                    dbPath,
		JWTSecret:                 getEnv("JWT_SECRET", "dev-secret"),
		CredentialFallbackEnabled: getEnv("CREDENTIAL_FALLBACK_ENABLED", "false") == "true",
		SyncIntervalDefaultSec:    getEnvInt("SYNC_INTERVAL_DEFAULT_SEC", 30),
		SyncIntervalVenueTightSec: getEnvInt("SYNC_INTERVAL_VENUE_TIGHT_SEC", 60),
		MonitorTickSec:            getEnvInt("MONITOR_TICK_SEC", 30),
		DailyReportHourUtc:        getEnvInt("DAILY_REPORT_HOUR_UTC", 11),
		SignatureToleranceSec:     getEnvInt("SIGNATURE_TOLERANCE_SEC", 300),
		WebhookMaxRetries:         getEnvInt("WEBHOOK_MAX_RETRIES", 3),
		WebhookRetryDelaysSec:     getEnvIntList("WEBHOOK_RETRY_DELAYS_SEC", []int{1, 5, 15}),
		WebhookErrorThreshold:     getEnvInt("WEBHOOK_ERROR_THRESHOLD", 10),
		SignalCooldownMinutes:     getEnvInt("SIGNAL_COOLDOWN_MINUTES", 5),
		IdempotencyTtlSec:         getEnvInt("IDEMPOTENCY_TTL_SEC", 60),
		OrderRetryMaxAttempts:     getEnvInt("ORDER_RETRY_MAX_ATTEMPTS", 3),
		OrderRetryBackoffSec:      getEnvIntList("ORDER_RETRY_BACKOFF_SEC", []int{1, 2, 4}),
		AiCollectorAddr:           getEnv("AI_COLLECTOR_ADDR", "localhost:50051"),
		AiCollectorEnabled:        getEnv("AI_COLLECTOR_ENABLED", "false") == "true",
		VenueMetadataPath:         getEnv("VENUE_METADATA_PATH", "./pkg/config/venues.yaml"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvIntList(key string, def []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t == "" {
			continue
		}
		i, err := strconv.Atoi(t)
		if err != nil {
			return def
		}
		out = append(out, i)
	}
	if len(out) == 0 {
		return def
	}
	return out
}
