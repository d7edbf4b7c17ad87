package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every configuration section of the service binaries.
type Config struct {
	Server     ServerConfig
	Auth       AuthConfig
	Upstream   UpstreamConfig
	Database   DatabaseConfig
	Limits     LimitsConfig
	Log        LogConfig
	Completion CompletionConfig
	AI         AIConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	upstream, err := loadUpstreamConfig()
	if err != nil {
		return nil, err
	}

	limits, err := loadLimitsConfig()
	if err != nil {
		return nil, err
	}

	completion, err := loadCompletionConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		Auth:       auth,
		Upstream:   upstream,
		Database:   loadDatabaseConfig(),
		Limits:     limits,
		Log:        loadLogConfig(),
		Completion: completion,
		AI:         ai,
	}, nil
}

// ServerConfig describes the gateway HTTP server.
type ServerConfig struct {
	Addr            string
	SiteURL         string
	StaticDir       string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

func loadServerConfig() (ServerConfig, error) {
	addr, err := parseAddr("PORT", "3004")
	if err != nil {
		return ServerConfig{}, err
	}

	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	siteURL := strings.TrimRight(getEnvOrDefault("SITE_URL", getEnvOrDefault("NEXT_PUBLIC_APP_URL", "http://localhost:3004")), "/")

	return ServerConfig{
		Addr:            addr,
		SiteURL:         siteURL,
		StaticDir:       strings.TrimSpace(os.Getenv("STATIC_DIR")),
		AllowedOrigins:  parseListEnv("CORS_ALLOWED_ORIGINS", []string{siteURL}),
		ShutdownTimeout: shutdown,
	}, nil
}

// parseAddr accepts a bare port, ":port" or "host:port".
func parseAddr(key, defaultPort string) (string, error) {
	port := strings.TrimSpace(os.Getenv(key))
	if port == "" {
		port = defaultPort
	}

	if strings.Contains(port, ":") {
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid %s value: %q", key, port)
	}

	return ":" + port, nil
}

// AuthConfig describes the hosted auth provider and session cookies.
type AuthConfig struct {
	ProviderURL     string
	AnonKey         string
	ServiceRoleKey  string
	JWTSecret       string
	JWTAudience     string
	AccessCookie    string
	RefreshCookie   string
	LegacyCookie    string
	CookieSecure    bool
	SessionCacheTTL time.Duration
	SignInPath      string
	HomePath        string
	OAuthProviders  []string
	RequestTimeout  time.Duration
}

// Validate reports missing settings the gateway cannot start without.
func (c AuthConfig) Validate() error {
	var missing []string
	if c.ProviderURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if c.AnonKey == "" {
		missing = append(missing, "SUPABASE_ANON_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing auth configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func loadAuthConfig() (AuthConfig, error) {
	secure, err := parseBoolEnv("AUTH_COOKIE_SECURE", os.Getenv("APP_ENV") == "production")
	if err != nil {
		return AuthConfig{}, err
	}

	cacheTTL, err := parseDurationEnv("SESSION_CACHE_TTL", 0)
	if err != nil {
		return AuthConfig{}, err
	}
	if cacheTTL < 0 {
		return AuthConfig{}, errors.New("SESSION_CACHE_TTL must not be negative")
	}

	timeout, err := parseDurationEnv("AUTH_REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return AuthConfig{}, err
	}

	serviceKey := strings.TrimSpace(os.Getenv("SUPABASE_SERVICE_ROLE_KEY"))
	if serviceKey == "" {
		serviceKey = strings.TrimSpace(os.Getenv("SUPABASE_API_KEY"))
	}

	return AuthConfig{
		ProviderURL:     strings.TrimRight(getEnvOrDefault("SUPABASE_URL", os.Getenv("NEXT_PUBLIC_SUPABASE_URL")), "/"),
		AnonKey:         getEnvOrDefault("SUPABASE_ANON_KEY", os.Getenv("NEXT_PUBLIC_SUPABASE_ANON_KEY")),
		ServiceRoleKey:  serviceKey,
		JWTSecret:       strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET")),
		JWTAudience:     getEnvOrDefault("SUPABASE_JWT_AUDIENCE", "authenticated"),
		AccessCookie:    "sb-access-token",
		RefreshCookie:   "sb-refresh-token",
		LegacyCookie:    "sb-auth-token",
		CookieSecure:    secure,
		SessionCacheTTL: cacheTTL,
		SignInPath:      getEnvOrDefault("AUTH_SIGNIN_PATH", "/auth/signin"),
		HomePath:        getEnvOrDefault("AUTH_HOME_PATH", "/dashboard"),
		OAuthProviders:  parseListEnv("OAUTH_PROVIDERS", []string{"github", "google"}),
		RequestTimeout:  timeout,
	}, nil
}

// UpstreamConfig describes the remote completion service the relay forwards to.
type UpstreamConfig struct {
	BaseURL        string
	StreamTimeout  time.Duration
	RequestTimeout time.Duration
}

func loadUpstreamConfig() (UpstreamConfig, error) {
	streamTimeout, err := parseDurationEnv("UPSTREAM_STREAM_TIMEOUT", 30*time.Second)
	if err != nil {
		return UpstreamConfig{}, err
	}

	requestTimeout, err := parseDurationEnv("UPSTREAM_REQUEST_TIMEOUT", 60*time.Second)
	if err != nil {
		return UpstreamConfig{}, err
	}

	base := getEnvOrDefault("UPSTREAM_API_URL", getEnvOrDefault("NEXT_PUBLIC_API_URL", "http://127.0.0.1:8000"))

	return UpstreamConfig{
		BaseURL:        strings.TrimRight(base, "/"),
		StreamTimeout:  streamTimeout,
		RequestTimeout: requestTimeout,
	}, nil
}

// DatabaseConfig selects the profile/audit store driver.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver: strings.ToLower(getEnvOrDefault("DATABASE_DRIVER", "sqlite")),
		DSN:    getEnvOrDefault("DATABASE_URL", "file:luma.db?_pragma=foreign_keys(1)"),
	}
}

// LimitsConfig bounds chat traffic per client.
type LimitsConfig struct {
	ChatRPS   float64
	ChatBurst int
}

func loadLimitsConfig() (LimitsConfig, error) {
	limits := LimitsConfig{ChatRPS: 1, ChatBurst: 5}

	rps, err := parseOptionalFloatEnv("CHAT_RATE_LIMIT_RPS")
	if err != nil {
		return LimitsConfig{}, err
	}
	if rps != nil {
		limits.ChatRPS = *rps
	}

	burst, err := parseOptionalIntEnv("CHAT_RATE_LIMIT_BURST")
	if err != nil {
		return LimitsConfig{}, err
	}
	if burst != nil {
		limits.ChatBurst = *burst
	}

	return limits, nil
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json")),
	}
}

// CompletionConfig describes the completion service that backs the relay.
type CompletionConfig struct {
	Addr             string
	Provider         string
	OpenAIKey        string
	OpenAIModel      string
	OpenAIBaseURL    string
	Temperature      float32
	MaxTokens        int
	FrequencyPenalty float32
	PresencePenalty  float32
	Timeout          time.Duration
}

func loadCompletionConfig() (CompletionConfig, error) {
	addr, err := parseAddr("COMPLETION_PORT", "8000")
	if err != nil {
		return CompletionConfig{}, err
	}

	timeout, err := parseDurationEnv("COMPLETION_TIMEOUT", 30*time.Second)
	if err != nil {
		return CompletionConfig{}, err
	}

	cfg := CompletionConfig{
		Addr:             addr,
		Provider:         strings.ToLower(getEnvOrDefault("COMPLETION_PROVIDER", "openai")),
		OpenAIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:      getEnvOrDefault("OPENAI_MODEL", "gpt-4-1106-preview"),
		OpenAIBaseURL:    strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		Temperature:      0.7,
		MaxTokens:        150,
		FrequencyPenalty: 0.3,
		PresencePenalty:  0.3,
		Timeout:          timeout,
	}

	floats := []struct {
		key string
		dst *float32
	}{
		{"COMPLETION_TEMPERATURE", &cfg.Temperature},
		{"COMPLETION_FREQUENCY_PENALTY", &cfg.FrequencyPenalty},
		{"COMPLETION_PRESENCE_PENALTY", &cfg.PresencePenalty},
	}
	for _, f := range floats {
		val, err := parseOptionalFloatEnv(f.key)
		if err != nil {
			return CompletionConfig{}, err
		}
		if val != nil {
			*f.dst = float32(*val)
		}
	}

	maxTokens, err := parseOptionalIntEnv("COMPLETION_MAX_TOKENS")
	if err != nil {
		return CompletionConfig{}, err
	}
	if maxTokens != nil {
		cfg.MaxTokens = *maxTokens
	}

	return cfg, nil
}

// AIConfig describes the Ark chat model used by the "ark" completion provider.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled reports whether the required credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds an Ark chat model from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, errors.New("ark credentials or model missing: set ARK_API_KEY and Model, or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseListEnv(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
