package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is everything the gateway reads from the environment. Loaded once
// at startup and read-only afterwards.
type Config struct {
	Port        string
	DatabaseURL string

	WebhookURL         string
	WebhookSecret      string
	WebhookHeaders     map[string]string
	WebhookMaxAttempts int
	WebhookTimeout     time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration

	CredentialsRoot string
	MediaRoot       string
	MediaURLPrefix  string

	APIKey           string
	CORSAllowOrigins []string
	RateLimit        int
	RateBurst        int

	DeviceName string
}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "2121"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		WebhookURL:         getEnv("WEBHOOK_URL", ""),
		WebhookSecret:      getEnv("WEBHOOK_SECRET", ""),
		WebhookHeaders:     getEnvMap("WEBHOOK_HEADERS"),
		WebhookMaxAttempts: getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookTimeout:     getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),

		BackoffBase: getEnvDuration("BACKOFF_BASE", time.Second),
		BackoffCap:  getEnvDuration("BACKOFF_CAP", 60*time.Second),

		CredentialsRoot: getEnv("CREDENTIALS_ROOT", "./data/credentials"),
		MediaRoot:       getEnv("MEDIA_ROOT", "./data/media"),
		MediaURLPrefix:  getEnv("MEDIA_URL_PREFIX", "/media"),

		APIKey:           getEnv("API_KEY", ""),
		CORSAllowOrigins: getEnvList("CORS_ALLOW_ORIGINS", "*"),
		RateLimit:        getEnvInt("RATE_LIMIT_PER_SECOND", 10),
		RateBurst:        getEnvInt("RATE_LIMIT_BURST", 10),

		DeviceName: getEnv("DEVICE_NAME", "GOWA Gateway"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// getEnvMap parses "Key1=v1,Key2=v2". Malformed entries are skipped.
func getEnvMap(key string) map[string]string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func getEnvList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
