package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds engine configuration loaded from the environment.
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	PublicBaseURL string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	TelnyxAPIKey             string
	TelnyxMessagingProfileID string
	TelnyxWebhookSecret      string
	StopReply                string
	HelpReply                string
	OptOutFooter             string

	SchedulerTickInterval time.Duration
	DispatchWorkerCount   int
	DispatchMaxAttempts   int
	DispatchBaseDelay     time.Duration
	CampaignClaimTTL      time.Duration

	UseMemoryQueue   bool
	DispatchQueueURL string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	AssistModelID       string
	AssistEnabled       bool
	AdminJWTSecret      string

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		TelnyxAPIKey:             getEnv("TELNYX_API_KEY", ""),
		TelnyxMessagingProfileID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TelnyxWebhookSecret:      getEnv("TELNYX_WEBHOOK_SECRET", ""),
		StopReply:                getEnv("STOP_REPLY", "You have been opted out and will receive no further messages. Reply HELP for info."),
		HelpReply:                getEnv("HELP_REPLY", "Reply STOP to unsubscribe. Msg&data rates may apply."),
		OptOutFooter:             getEnv("OPT_OUT_FOOTER", "Reply STOP to unsubscribe"),

		SchedulerTickInterval: getEnvAsDuration("SCHEDULER_TICK_INTERVAL", time.Minute),
		DispatchWorkerCount:   getEnvAsInt("DISPATCH_WORKER_COUNT", 4),
		DispatchMaxAttempts:   getEnvAsInt("DISPATCH_MAX_ATTEMPTS", 3),
		DispatchBaseDelay:     getEnvAsDuration("DISPATCH_BASE_DELAY", time.Minute),
		CampaignClaimTTL:      getEnvAsDuration("CAMPAIGN_CLAIM_TTL", 10*time.Minute),

		UseMemoryQueue:   getEnvAsBool("USE_MEMORY_QUEUE", false),
		DispatchQueueURL: getEnv("DISPATCH_QUEUE_URL", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		AssistModelID:       getEnv("ASSIST_MODEL_ID", ""),
		AssistEnabled:       getEnvAsBool("ASSIST_ENABLED", false),
		AdminJWTSecret:      getEnv("ADMIN_JWT_SECRET", ""),

		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", nil),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvAsSlice(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
