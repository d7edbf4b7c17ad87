package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

var configKeys = []string{
	"PORT", "SITE_URL", "NEXT_PUBLIC_APP_URL", "STATIC_DIR", "CORS_ALLOWED_ORIGINS", "SHUTDOWN_TIMEOUT",
	"SUPABASE_URL", "NEXT_PUBLIC_SUPABASE_URL", "SUPABASE_ANON_KEY", "NEXT_PUBLIC_SUPABASE_ANON_KEY",
	"SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_API_KEY", "SUPABASE_JWT_SECRET", "SUPABASE_JWT_AUDIENCE",
	"AUTH_COOKIE_SECURE", "APP_ENV", "SESSION_CACHE_TTL", "AUTH_REQUEST_TIMEOUT", "OAUTH_PROVIDERS",
	"AUTH_SIGNIN_PATH", "AUTH_HOME_PATH",
	"UPSTREAM_API_URL", "NEXT_PUBLIC_API_URL", "UPSTREAM_STREAM_TIMEOUT", "UPSTREAM_REQUEST_TIMEOUT",
	"DATABASE_DRIVER", "DATABASE_URL", "CHAT_RATE_LIMIT_RPS", "CHAT_RATE_LIMIT_BURST",
	"LOG_LEVEL", "LOG_FORMAT",
	"COMPLETION_PORT", "COMPLETION_PROVIDER", "OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL",
	"COMPLETION_TEMPERATURE", "COMPLETION_MAX_TOKENS", "COMPLETION_FREQUENCY_PENALTY",
	"COMPLETION_PRESENCE_PENALTY", "COMPLETION_TIMEOUT",
	"ARK_API_KEY", "ARK_ACCESS_KEY", "ARK_SECRET_KEY", "Model", "ARK_TEMPERATURE", "ARK_TOP_P", "ARK_MAX_TOKENS",
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, configKeys...)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":3004", cfg.Server.Addr)
	assert.Equal(t, "http://localhost:3004", cfg.Server.SiteURL)
	assert.Equal(t, []string{"http://localhost:3004"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "sb-access-token", cfg.Auth.AccessCookie)
	assert.Equal(t, "sb-refresh-token", cfg.Auth.RefreshCookie)
	assert.Equal(t, "sb-auth-token", cfg.Auth.LegacyCookie)
	assert.False(t, cfg.Auth.CookieSecure)
	assert.Equal(t, "authenticated", cfg.Auth.JWTAudience)
	assert.Equal(t, "/auth/signin", cfg.Auth.SignInPath)
	assert.Equal(t, "/dashboard", cfg.Auth.HomePath)
	assert.Equal(t, []string{"github", "google"}, cfg.Auth.OAuthProviders)
	assert.Zero(t, cfg.Auth.SessionCacheTTL)

	assert.Equal(t, "http://127.0.0.1:8000", cfg.Upstream.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Upstream.StreamTimeout)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, LimitsConfig{ChatRPS: 1, ChatBurst: 5}, cfg.Limits)

	assert.Equal(t, ":8000", cfg.Completion.Addr)
	assert.Equal(t, "openai", cfg.Completion.Provider)
	assert.Equal(t, "gpt-4-1106-preview", cfg.Completion.OpenAIModel)
	assert.InDelta(t, 0.7, cfg.Completion.Temperature, 1e-6)
	assert.Equal(t, 150, cfg.Completion.MaxTokens)
	assert.InDelta(t, 0.3, cfg.Completion.FrequencyPenalty, 1e-6)
	assert.InDelta(t, 0.3, cfg.Completion.PresencePenalty, 1e-6)

	assert.False(t, cfg.AI.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t, configKeys...)
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("SITE_URL", "https://luma.example/")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("NEXT_PUBLIC_SUPABASE_URL", "https://proj.supabase.co/")
	t.Setenv("SUPABASE_API_KEY", "service")
	t.Setenv("APP_ENV", "production")
	t.Setenv("SESSION_CACHE_TTL", "30s")
	t.Setenv("UPSTREAM_API_URL", "http://completion:8000/")
	t.Setenv("CHAT_RATE_LIMIT_RPS", "0")
	t.Setenv("CHAT_RATE_LIMIT_BURST", "2")
	t.Setenv("COMPLETION_PROVIDER", "ARK")
	t.Setenv("COMPLETION_TEMPERATURE", "0.2")
	t.Setenv("COMPLETION_MAX_TOKENS", "64")
	t.Setenv("ARK_API_KEY", "k")
	t.Setenv("Model", "ep-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "https://luma.example", cfg.Server.SiteURL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "https://proj.supabase.co", cfg.Auth.ProviderURL)
	assert.Equal(t, "service", cfg.Auth.ServiceRoleKey)
	assert.True(t, cfg.Auth.CookieSecure)
	assert.Equal(t, 30*time.Second, cfg.Auth.SessionCacheTTL)
	assert.Equal(t, "http://completion:8000", cfg.Upstream.BaseURL)
	assert.Equal(t, LimitsConfig{ChatRPS: 0, ChatBurst: 2}, cfg.Limits)
	assert.Equal(t, "ark", cfg.Completion.Provider)
	assert.InDelta(t, 0.2, cfg.Completion.Temperature, 1e-6)
	assert.Equal(t, 64, cfg.Completion.MaxTokens)
	assert.True(t, cfg.AI.Enabled())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"PORT":                     "80 80",
		"SHUTDOWN_TIMEOUT":         "soon",
		"AUTH_COOKIE_SECURE":       "maybe",
		"SESSION_CACHE_TTL":        "-1s",
		"UPSTREAM_STREAM_TIMEOUT":  "x",
		"CHAT_RATE_LIMIT_RPS":      "fast",
		"CHAT_RATE_LIMIT_BURST":    "1.5",
		"COMPLETION_MAX_TOKENS":    "many",
		"COMPLETION_TEMPERATURE":   "hot",
		"ARK_TOP_P":                "high",
		"UPSTREAM_REQUEST_TIMEOUT": "1 minute",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			clearEnv(t, configKeys...)
			t.Setenv(key, value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestAuthValidate(t *testing.T) {
	err := AuthConfig{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUPABASE_URL")
	assert.Contains(t, err.Error(), "SUPABASE_ANON_KEY")

	assert.NoError(t, AuthConfig{ProviderURL: "https://p", AnonKey: "anon"}.Validate())
}

func TestAIConfigEnabled(t *testing.T) {
	assert.False(t, AIConfig{APIKey: "k"}.Enabled())
	assert.False(t, AIConfig{Model: "m", AccessKey: "ak"}.Enabled())
	assert.True(t, AIConfig{Model: "m", AccessKey: "ak", SecretKey: "sk"}.Enabled())
	assert.True(t, AIConfig{Model: "m", APIKey: "k"}.Enabled())
}
