package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Database (optional, enables request logs and hypothesis history)
	DatabaseURL string

	// Redis (optional, enables cache, rate limiting and key state persistence)
	RedisURL string

	// Gemini pool
	GeminiAPIKeys []string
	GeminiModel   string
	GeminiBaseURL string

	// OpenAI-compatible chat pool
	ChatAPIKeys []string
	ChatModel   string
	ChatBaseURL string
	// ChatSystemPrompt is prepended to chats without a system message
	ChatSystemPrompt string

	// Key pool
	KeyCooldownPeriod      time.Duration
	KeyQuotaCooldownPeriod time.Duration
	KeyMaxFailures         int
	KeyPoolPersist         bool

	// Retry loop
	MaxRetries     int
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	RetryBackoff   string

	// HTTP surface
	RateLimitPerMinute int
	AllowedOrigins     []string
	GatewayToken       string

	// Caching
	CacheTTLSeconds int
	CacheEnabled    bool

	// Hypothesis generator, zero disables the background loop
	HypothesisInterval time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		Env:                    getEnv("ENV", "development"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", ""),
		GeminiAPIKeys:          getEnvList("GEMINI_API_KEYS", getEnvList("GEMINI_API_KEY", nil)),
		GeminiModel:            getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiBaseURL:          getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		ChatAPIKeys:            getEnvList("CHAT_API_KEYS", getEnvList("GROQ_API_KEY", nil)),
		ChatModel:              getEnv("CHAT_MODEL", "meta-llama/llama-4-scout-17b-16e-instruct"),
		ChatBaseURL:            getEnv("CHAT_BASE_URL", "https://api.groq.com/openai/v1"),
		ChatSystemPrompt:       getEnv("CHAT_SYSTEM_PROMPT", ""),
		KeyCooldownPeriod:      getEnvDuration("KEY_COOLDOWN_PERIOD", 10*time.Minute),
		KeyQuotaCooldownPeriod: getEnvDuration("KEY_QUOTA_COOLDOWN_PERIOD", 24*time.Hour),
		KeyMaxFailures:         getEnvInt("KEY_MAX_FAILURES", 3),
		KeyPoolPersist:         getEnvBool("KEYPOOL_PERSIST", true),
		MaxRetries:             getEnvInt("MAX_RETRIES", 3),
		RequestTimeout:         getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		RetryDelay:             getEnvDuration("RETRY_DELAY", time.Second),
		RetryBackoff:           getEnv("RETRY_BACKOFF", "fixed"),
		RateLimitPerMinute:     getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		AllowedOrigins:         getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:8501"}),
		GatewayToken:           getEnv("GATEWAY_TOKEN", ""),
		CacheTTLSeconds:        getEnvInt("CACHE_TTL_SECONDS", 3600),
		CacheEnabled:           getEnvBool("CACHE_ENABLED", true),
		HypothesisInterval:     getEnvDuration("HYPOTHESIS_INTERVAL", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the loaded values for consistency
func (c *Config) Validate() error {
	// At least one pool needs credentials
	if len(c.GeminiAPIKeys) == 0 && len(c.ChatAPIKeys) == 0 {
		return fmt.Errorf("at least one provider API key is required (GEMINI_API_KEYS or CHAT_API_KEYS)")
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.KeyMaxFailures < 1 {
		return fmt.Errorf("KEY_MAX_FAILURES must be at least 1, got %d", c.KeyMaxFailures)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.RetryBackoff != "fixed" && c.RetryBackoff != "exponential" {
		return fmt.Errorf("RETRY_BACKOFF must be fixed or exponential, got %q", c.RetryBackoff)
	}

	return nil
}

// IsProduction reports whether ENV is production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or a bare number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping blank entries
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
