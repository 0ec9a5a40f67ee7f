package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TokenScope is the authorization level attached to a bearer token.
type TokenScope string

const (
	ScopeRead  TokenScope = "read"
	ScopeWrite TokenScope = "write"
	ScopeAdmin TokenScope = "admin"
)

// TenantToken is one entry parsed from FLEET_TOKEN_<tenant>=<scope>:<secret>.
type TenantToken struct {
	Tenant string
	Scope  TokenScope
	Secret string
}

// Config holds all control-plane configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Database / cache
	DatabaseURL string
	RedisURL    string

	// FLEET_DATA_DIR. Nothing reads this field: profiles are stored in
	// Postgres, and startup fails without DATABASE_URL.
	DataDir string

	// Auth
	APIKeyHeader string
	LegacyToken  string // FLEET_API_TOKEN, scopeless
	TenantTokens []TenantToken

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPM     int
	RateLimitBurst   int

	// CORSAllowedOrigins is the exact-match allow-list for the
	// Access-Control-Allow-Origin response; "*" permits any origin but
	// never pairs with Access-Control-Allow-Credentials.
	CORSAllowedOrigins []string

	// Timeouts
	DefaultTimeout     time.Duration
	ProviderTimeouts    map[string]time.Duration
	ValidationTimeout   time.Duration // e.g. Discord users/@me: 5s
	OAuthExchangeTimeout time.Duration // 10s

	// Body limits
	MaxBodyBytes int64

	// Provider credentials (presence gates registration, as in the teacher).
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	GroqAPIKey       string
	DeepgramAPIKey   string
	ElevenLabsAPIKey string
	ReplicateToken   string
	ReplicateModel   string
	TwilioAccountSID string
	TwilioAuthToken  string

	// Payment processor
	StripeSecretKey     string
	StripeWebhookSecret string
	PayramAPIKey        string

	// OAuth
	SlackClientID     string
	SlackClientSecret string
	BetterAuthURL     string

	// Webhook base — enables deferred telephony billing when set.
	WebhookBaseURL string

	// NodeAgentURLTemplate resolves a node id to its agent's base URL via
	// a single "%s" substitution (e.g. "http://%s:9090").
	NodeAgentURLTemplate string

	// Hosted credential vault (disabled falls back to <PROVIDER>_API_KEY env vars).
	VaultEnabled bool
	VaultAddress string
	VaultToken   string

	LogLevel string
}

// Load reads configuration from environment variables and an optional
// .env file, mirroring the teacher's config.Load() shape.
func Load() (*Config, error) {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("FLEET_GRACEFUL_TIMEOUT_SEC", 15)
	defaultTimeoutSec := getEnvInt("FLEET_DEFAULT_TIMEOUT_SEC", 30)

	cfg := &Config{
		Addr:            getEnv("FLEET_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", "redis://redis:6379"),
		DataDir:         getEnv("FLEET_DATA_DIR", "./data"),
		APIKeyHeader:    "Authorization",
		LegacyToken:     getEnv("FLEET_API_TOKEN", ""),
		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:    getEnvInt("RATE_LIMIT_RPM", 120),
		RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", 20),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		DefaultTimeout:  time.Duration(defaultTimeoutSec) * time.Second,
		ValidationTimeout: time.Duration(getEnvInt("FLEET_VALIDATION_TIMEOUT_SEC", 5)) * time.Second,
		OAuthExchangeTimeout: time.Duration(getEnvInt("FLEET_OAUTH_EXCHANGE_TIMEOUT_SEC", 10)) * time.Second,
		MaxBodyBytes:    int64(getEnvInt("FLEET_MAX_BODY_BYTES", 5*1024*1024)),

		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		GroqAPIKey:       getEnv("GROQ_API_KEY", ""),
		DeepgramAPIKey:   getEnv("DEEPGRAM_API_KEY", ""),
		ElevenLabsAPIKey: getEnv("ELEVENLABS_API_KEY", ""),
		ReplicateToken:   getEnv("REPLICATE_API_TOKEN", ""),
		ReplicateModel:   getEnv("REPLICATE_MODEL", "black-forest-labs/flux-schnell"),
		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		PayramAPIKey:        getEnv("PAYRAM_API_KEY", ""),

		SlackClientID:     getEnv("SLACK_CLIENT_ID", ""),
		SlackClientSecret: getEnv("SLACK_CLIENT_SECRET", ""),
		BetterAuthURL:     getEnv("BETTER_AUTH_URL", "http://localhost:8080"),

		WebhookBaseURL: getEnv("WEBHOOK_BASE_URL", ""),

		NodeAgentURLTemplate: getEnv("FLEET_NODE_AGENT_URL_TEMPLATE", "http://%s:9090"),

		VaultEnabled: getEnvBool("VAULT_ENABLED", false),
		VaultAddress: getEnv("VAULT_ADDR", ""),
		VaultToken:   getEnv("VAULT_TOKEN", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		ProviderTimeouts: map[string]time.Duration{
			"openai":     time.Duration(getEnvInt("PROVIDER_TIMEOUT_OPENAI_SEC", 120)) * time.Second,
			"anthropic":  time.Duration(getEnvInt("PROVIDER_TIMEOUT_ANTHROPIC_SEC", 120)) * time.Second,
			"groq":       time.Duration(getEnvInt("PROVIDER_TIMEOUT_GROQ_SEC", 60)) * time.Second,
			"deepgram":   time.Duration(getEnvInt("PROVIDER_TIMEOUT_DEEPGRAM_SEC", 30)) * time.Second,
			"elevenlabs": time.Duration(getEnvInt("PROVIDER_TIMEOUT_ELEVENLABS_SEC", 30)) * time.Second,
			"replicate":  time.Duration(getEnvInt("PROVIDER_TIMEOUT_REPLICATE_SEC", 60)) * time.Second,
			"twilio":     time.Duration(getEnvInt("PROVIDER_TIMEOUT_TWILIO_SEC", 15)) * time.Second,
		},
	}

	tokens, err := parseTenantTokens(os.Environ())
	if err != nil {
		return nil, err
	}
	cfg.TenantTokens = tokens

	return cfg, nil
}

// parseTenantTokens scans the process environment for FLEET_TOKEN_<tenant>
// entries of the form "<scope>:<secret>".
func parseTenantTokens(environ []string) ([]TenantToken, error) {
	var tokens []TenantToken
	const prefix = "FLEET_TOKEN_"
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		tenant := strings.TrimPrefix(k, prefix)
		scope, secret, ok := strings.Cut(v, ":")
		if !ok {
			return nil, fmt.Errorf("malformed %s: expected <scope>:<secret>", k)
		}
		s := TokenScope(scope)
		if s != ScopeRead && s != ScopeWrite && s != ScopeAdmin {
			return nil, fmt.Errorf("malformed %s: unknown scope %q", k, scope)
		}
		tokens = append(tokens, TenantToken{Tenant: tenant, Scope: s, Secret: secret})
	}
	return tokens, nil
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsProduction() bool  { return c.Env == "production" }

// ProviderTimeout returns the configured timeout for a given provider,
// falling back to DefaultTimeout.
func (c *Config) ProviderTimeout(provider string) time.Duration {
	if t, ok := c.ProviderTimeouts[provider]; ok {
		return t
	}
	return c.DefaultTimeout
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvList parses a comma-separated env var into a trimmed, non-empty
// slice of values, e.g. CORS_ALLOWED_ORIGINS=https://a.com,https://b.com.
func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
