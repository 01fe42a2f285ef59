package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process-wide configuration, resolved once at startup from
// the environment and injected into the components that need it. There are
// no package-level singletons; cmd/yukie constructs everything explicitly.
type Config struct {
	// HTTP surface
	ListenAddr string

	// Auth
	JWTSecret string

	// LLM provider: "anthropic" or "openai"
	LLMProvider string
	LLMAPIKey   string
	LLMModel    string

	// Registry
	RegistryConfigPath string

	// Per-service base URL overrides, keyed by service id. Populated from
	// YUKIE_SERVICE_URL_<ID> variables (id uppercased, dashes to underscores).
	ServiceURLOverrides map[string]string

	// EnableRouting bypasses the retrieval router and calls the LLM
	// directly when false. Debugging aid.
	EnableRouting bool

	// Rate limiting policy for the chat bucket.
	RateLimitPerMinute int
	RateLimitBurst     int

	// RequireConfirmation gates medium/high-risk calls behind the
	// confirmation endpoint.
	RequireConfirmation bool

	// RedisURL, when set, backs the confirmation gate and audit log
	// with Redis instead of process memory.
	RedisURL string

	// Logging
	LogLevel string

	// Tool invocation defaults
	DefaultTimeout time.Duration
}

// LoadConfig resolves configuration from the environment. JWT_SECRET is
// required; everything else has a default.
func LoadConfig() (*Config, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET: %w", ErrMissingConfiguration)
	}

	cfg := &Config{
		ListenAddr:          getEnvOrDefault("YUKIE_LISTEN_ADDR", ":8080"),
		JWTSecret:           secret,
		LLMProvider:         getEnvOrDefault("LLM_PROVIDER", "anthropic"),
		LLMAPIKey:           firstEnv("LLM_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY"),
		LLMModel:            os.Getenv("LLM_MODEL"),
		RegistryConfigPath:  getEnvOrDefault("YUKIE_REGISTRY_CONFIG", "services.yaml"),
		ServiceURLOverrides: loadServiceOverrides(),
		EnableRouting:       getEnvBool("ENABLE_ROUTING", true),
		RateLimitPerMinute:  getEnvInt("YUKIE_RATE_LIMIT_PER_MINUTE", 30),
		RateLimitBurst:      getEnvInt("YUKIE_RATE_LIMIT_BURST", 10),
		RequireConfirmation: getEnvBool("YUKIE_REQUIRE_CONFIRMATION", true),
		RedisURL:            os.Getenv("REDIS_URL"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		DefaultTimeout:      time.Duration(getEnvInt("YUKIE_DEFAULT_TIMEOUT_MS", 30000)) * time.Millisecond,
	}

	switch cfg.LLMProvider {
	case "anthropic", "openai":
	default:
		return nil, fmt.Errorf("LLM_PROVIDER %q: %w", cfg.LLMProvider, ErrInvalidConfiguration)
	}

	return cfg, nil
}

func loadServiceOverrides() map[string]string {
	const prefix = "YUKIE_SERVICE_URL_"
	overrides := make(map[string]string)
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		id := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(parts[0], prefix), "_", "-"))
		overrides[id] = parts[1]
	}
	return overrides
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
