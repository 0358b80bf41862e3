package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API, scheduler and background workers.
type Config struct {
	Port   string
	AppEnv string

	AuthToken          string
	CORSAllowedOrigins []string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WhatsAppBaseURL    string
	WhatsAppToken      string
	WhatsAppSender     string
	WhatsAppTimeout    time.Duration
	WhatsAppMaxRetries int
	WhatsAppRPS        float64

	SheetsBaseURL    string
	SheetsToken      string
	SheetsTimeout    time.Duration
	SheetsMaxRetries int

	TaskCacheTTL         time.Duration
	ProcessingFlagTTL    time.Duration
	SchedulerIdleTimeout time.Duration
	SchedulerMaxWorkers  int
	BackgroundWorkers    int
	BackgroundQueueSize  int
	FanOutConcurrency    int
	DeliveryCheckDelay   time.Duration
	DeliveryParkTTL      time.Duration
	RetentionInterval    time.Duration
	RetentionMaxAge      time.Duration
	MaxLeaveDays         int
	RateLimitRPS         float64
	RateLimitBurst       int
	Timezone             string
}

func Load() Config {
	return Config{
		Port:   getEnv("PORT", "8080"),
		AppEnv: getEnv("APP_ENV", "development"),

		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		WhatsAppBaseURL:    getEnv("WHATSAPP_BASE_URL", ""),
		WhatsAppToken:      getEnv("WHATSAPP_TOKEN", ""),
		WhatsAppSender:     getEnv("WHATSAPP_SENDER", ""),
		WhatsAppTimeout:    getEnvDuration("WHATSAPP_TIMEOUT", 10*time.Second),
		WhatsAppMaxRetries: getEnvInt("WHATSAPP_MAX_RETRIES", 2),
		WhatsAppRPS:        getEnvFloat("WHATSAPP_RPS", 20),

		SheetsBaseURL:    getEnv("SHEETS_BASE_URL", ""),
		SheetsToken:      getEnv("SHEETS_TOKEN", ""),
		SheetsTimeout:    getEnvDuration("SHEETS_TIMEOUT", 15*time.Second),
		SheetsMaxRetries: getEnvInt("SHEETS_MAX_RETRIES", 2),

		TaskCacheTTL:         getEnvDuration("TASK_CACHE_TTL", 30*time.Minute),
		ProcessingFlagTTL:    getEnvDuration("PROCESSING_FLAG_TTL", 2*time.Minute),
		SchedulerIdleTimeout: getEnvDuration("SCHEDULER_IDLE_TIMEOUT", 30*time.Second),
		SchedulerMaxWorkers:  getEnvInt("SCHEDULER_MAX_WORKERS", 64),
		BackgroundWorkers:    getEnvInt("BACKGROUND_WORKERS", 4),
		BackgroundQueueSize:  getEnvInt("BACKGROUND_QUEUE_SIZE", 256),
		FanOutConcurrency:    getEnvInt("FANOUT_CONCURRENCY", 4),
		DeliveryCheckDelay:   getEnvDuration("DELIVERY_CHECK_DELAY", 5*time.Minute),
		DeliveryParkTTL:      getEnvDuration("DELIVERY_PARK_TTL", 10*time.Minute),
		RetentionInterval:    getEnvDuration("RETENTION_INTERVAL", time.Hour),
		RetentionMaxAge:      getEnvDuration("RETENTION_MAX_AGE", 30*24*time.Hour),
		MaxLeaveDays:         getEnvInt("MAX_LEAVE_DAYS", 60),
		RateLimitRPS:         getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 40),
		Timezone:             getEnv("TIMEZONE", "UTC"),
	}
}

// Location resolves Timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	location, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return location
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
