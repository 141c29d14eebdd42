package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "REDIS_URL",
	"GEMINI_API_KEYS", "GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL",
	"CHAT_API_KEYS", "GROQ_API_KEY", "CHAT_MODEL", "CHAT_BASE_URL", "CHAT_SYSTEM_PROMPT",
	"KEY_COOLDOWN_PERIOD", "KEY_QUOTA_COOLDOWN_PERIOD", "KEY_MAX_FAILURES", "KEYPOOL_PERSIST",
	"MAX_RETRIES", "REQUEST_TIMEOUT", "RETRY_DELAY", "RETRY_BACKOFF",
	"RATE_LIMIT_PER_MINUTE", "ALLOWED_ORIGINS", "GATEWAY_TOKEN",
	"CACHE_TTL_SECONDS", "CACHE_ENABLED", "HYPOTHESIS_INTERVAL",
}

// isolateConfigEnv clears every variable Load reads and moves to an empty
// directory so a developer's .env file cannot leak into the test.
func isolateConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("GEMINI_API_KEYS", "k1, k2 ,,k3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"k1", "k2", "k3"}, cfg.GeminiAPIKeys)
	assert.Empty(t, cfg.ChatAPIKeys)
	assert.Equal(t, "gemini-2.0-flash", cfg.GeminiModel)
	assert.Equal(t, 10*time.Minute, cfg.KeyCooldownPeriod)
	assert.Equal(t, 24*time.Hour, cfg.KeyQuotaCooldownPeriod)
	assert.Equal(t, 3, cfg.KeyMaxFailures)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, "fixed", cfg.RetryBackoff)
	assert.Equal(t, []string{"http://localhost:8501"}, cfg.AllowedOrigins)
	assert.True(t, cfg.CacheEnabled)
	assert.True(t, cfg.KeyPoolPersist)
	assert.Zero(t, cfg.HypothesisInterval)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoad_SingleKeyFallbacks(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("GEMINI_API_KEY", "solo")
	t.Setenv("GROQ_API_KEY", "groq")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, cfg.GeminiAPIKeys)
	assert.Equal(t, []string{"groq"}, cfg.ChatAPIKeys)
}

func TestLoad_Durations(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("CHAT_API_KEYS", "c1")
	t.Setenv("REQUEST_TIMEOUT", "45")
	t.Setenv("RETRY_DELAY", "250ms")
	t.Setenv("KEY_COOLDOWN_PERIOD", "not-a-duration")
	t.Setenv("HYPOTHESIS_INTERVAL", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 10*time.Minute, cfg.KeyCooldownPeriod)
	assert.Equal(t, 2*time.Minute, cfg.HypothesisInterval)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "no keys", env: map[string]string{}},
		{name: "zero retries", env: map[string]string{"GEMINI_API_KEYS": "k", "MAX_RETRIES": "0"}},
		{name: "zero failure threshold", env: map[string]string{"GEMINI_API_KEYS": "k", "KEY_MAX_FAILURES": "0"}},
		{name: "unknown backoff", env: map[string]string{"GEMINI_API_KEYS": "k", "RETRY_BACKOFF": "jitter"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	isolateConfigEnv(t)
	require.NoError(t, os.WriteFile(".env", []byte("CHAT_API_KEYS=from-file\nPORT=9090\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"from-file"}, cfg.ChatAPIKeys)
	assert.Equal(t, "9090", cfg.Port)
}
