package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	PublicBaseURL      string
	LogLevel           string
	LogFormat          string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisTLS           bool
	CronSecret         string
	AdminJWTSecret     string
	CORSAllowedOrigins []string
	// WebhookRateLimitRPS limits public webhook requests per client IP.
	WebhookRateLimitRPS float64

	// Messaging gateway (WhatsApp transport)
	GatewayBaseURL       string
	GatewayAPIKey        string
	GatewayWebhookSecret string
	GatewayTimeout       time.Duration

	// LLM
	LLMProvider    string
	GeminiAPIKey   string
	GeminiModelID  string
	BedrockModelID string
	LLMTimeout     time.Duration

	// AWS
	AWSRegion            string
	AWSAccessKeyID       string
	AWSSecretAccessKey   string
	AWSEndpointOverride  string
	QueueEventsSQSURL    string
	PayloadArchiveBucket string

	// Operator e-mail
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	SESFromName       string

	// Ingestion
	PollInterval        time.Duration
	PollDefaultLookback time.Duration
	PollMaxPages        int
	TestModeDuration    time.Duration
	CRMHTTPTimeout      time.Duration
	CRMRateLimitRPS     float64
	CRMBreakerFailures  int
	ContactLockTTL      time.Duration
	DefaultTimezone     string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real env vars win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		PublicBaseURL:       strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisAddr:           getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisTLS:            getEnvAsBool("REDIS_TLS", false),
		CronSecret:          getEnv("CRON_SECRET", ""),
		AdminJWTSecret:      getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS"),
		WebhookRateLimitRPS: getEnvAsFloat("WEBHOOK_RATE_LIMIT_RPS", 20),

		GatewayBaseURL:       strings.TrimRight(getEnv("GATEWAY_BASE_URL", ""), "/"),
		GatewayAPIKey:        getEnv("GATEWAY_API_KEY", ""),
		GatewayWebhookSecret: getEnv("GATEWAY_WEBHOOK_SECRET", ""),
		GatewayTimeout:       getEnvAsDuration("GATEWAY_TIMEOUT", 15*time.Second),

		LLMProvider:    strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "gemini"))),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:  getEnv("GEMINI_MODEL_ID", "gemini-2.0-flash"),
		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),
		LLMTimeout:     getEnvAsDuration("LLM_TIMEOUT", 30*time.Second),

		AWSRegion:            getEnv("AWS_REGION", "eu-central-1"),
		AWSAccessKeyID:       getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:  getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		QueueEventsSQSURL:    getEnv("QUEUE_EVENTS_SQS_URL", ""),
		PayloadArchiveBucket: getEnv("PAYLOAD_ARCHIVE_BUCKET", ""),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Lead Desk"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESFromName:       getEnv("SES_FROM_NAME", "Lead Desk"),

		PollInterval:        getEnvAsDuration("POLL_INTERVAL", time.Minute),
		PollDefaultLookback: getEnvAsDuration("POLL_DEFAULT_LOOKBACK", 2*time.Minute),
		PollMaxPages:        getEnvAsInt("POLL_MAX_PAGES", 5),
		TestModeDuration:    getEnvAsDuration("TEST_MODE_DURATION", 5*time.Minute),
		CRMHTTPTimeout:      getEnvAsDuration("CRM_HTTP_TIMEOUT", 15*time.Second),
		CRMRateLimitRPS:     getEnvAsFloat("CRM_RATE_LIMIT_RPS", 5),
		CRMBreakerFailures:  getEnvAsInt("CRM_BREAKER_FAILURES", 5),
		ContactLockTTL:      getEnvAsDuration("CONTACT_LOCK_TTL", 30*time.Second),
		DefaultTimezone:     getEnv("DEFAULT_TIMEZONE", "Europe/Berlin"),
	}
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Env))
	return env == "production" || env == "prod"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
