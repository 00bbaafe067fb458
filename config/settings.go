// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider-specific configuration lookup
//
// Precedence, later wins: built-in defaults -> .env file -> process
// environment. The .env file is loaded once by the process entry point via
// godotenv, which never overrides variables that are already set, so the
// process environment always wins on conflict.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds all application configuration.
type Settings struct {
	// Env names the deployment environment (dev, staging, prod). It prefixes
	// history keys so deployments can share one Redis instance, and selects
	// log verbosity.
	Env string

	// ListenAddr is the HTTP listen address for the serve command.
	ListenAddr string

	LLM     LLMConfig
	History HistoryConfig
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider    string
	Model       string
	MaxTokens   uint32
	Temperature float64

	// SystemPrompt is prepended to every model request when non-empty.
	// It is never written to history.
	SystemPrompt string
}

// HistoryConfig holds conversation storage configuration.
type HistoryConfig struct {
	// Backend selects the storage backend: auto, redis, sqlite, or memory.
	// auto picks Redis when RedisURL is set and memory otherwise.
	Backend string

	RedisURL   string
	SqlitePath string

	// MaxTurns caps the number of stored messages per session; oldest
	// entries are dropped first. Zero or negative disables trimming.
	MaxTurns int

	// TTL is how long a session's history survives after its last write.
	// Zero or negative disables expiry.
	TTL time.Duration
}

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-4o", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_MODEL", "deepseek-chat", "DEEPSEEK_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-2.5-flash", "GEMINI_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// Backend names accepted by HISTORY_BACKEND.
var historyBackends = map[string]bool{
	"auto":   true,
	"redis":  true,
	"sqlite": true,
	"memory": true,
}

// New creates settings, loading values from environment variables. The
// provider argument overrides CHAT_PROVIDER when non-empty (used by CLI
// flags); both empty means OpenAI, the default backend of the original
// deployment. Returns an error if the provider is unknown, a numeric
// variable does not parse, or the history backend selection is inconsistent.
func New(provider string) (Settings, error) {
	if provider == "" {
		provider = os.Getenv("CHAT_PROVIDER")
	}
	if provider == "" {
		provider = "openai"
	}
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return Settings{}, err
	}

	maxTokens, err := getEnvUint32("LLM_MAX_TOKENS", 4096)
	if err != nil {
		return Settings{}, err
	}

	temperature, err := getEnvFloat64("LLM_TEMPERATURE", 0.7)
	if err != nil {
		return Settings{}, err
	}

	maxTurns, err := getEnvInt("HISTORY_MAX_TURNS", 20)
	if err != nil {
		return Settings{}, err
	}

	ttl, err := getEnvSeconds("HISTORY_TTL_SECONDS", 30*24*time.Hour)
	if err != nil {
		return Settings{}, err
	}

	backend := strings.ToLower(getEnv("HISTORY_BACKEND", "auto"))
	if !historyBackends[backend] {
		return Settings{}, fmt.Errorf("invalid value for HISTORY_BACKEND: %q (want auto, redis, sqlite, or memory)", backend)
	}

	redisURL := os.Getenv("REDIS_URL")
	if backend == "redis" && redisURL == "" {
		return Settings{}, fmt.Errorf("HISTORY_BACKEND=redis requires REDIS_URL to be set")
	}

	// Get model from environment or use default
	model := os.Getenv(info.modelEnv)
	if model == "" {
		model = info.defaultModel
	}

	return Settings{
		Env:        getEnv("CHAT_ENV", "dev"),
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		LLM: LLMConfig{
			Provider:     provider,
			Model:        model,
			MaxTokens:    maxTokens,
			Temperature:  temperature,
			SystemPrompt: os.Getenv("CHAT_SYSTEM_PROMPT"),
		},
		History: HistoryConfig{
			Backend:    backend,
			RedisURL:   redisURL,
			SqlitePath: getEnv("SQLITE_PATH", ".chatcore/chatcore.db"),
			MaxTurns:   maxTurns,
			TTL:        ttl,
		},
	}, nil
}

// MustNew creates settings for the specified provider.
// Panics if the provider is unknown or environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew(provider string) Settings {
	settings, err := New(provider)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(provider)
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	if val := os.Getenv(info.modelEnv); val != "" {
		return val, nil
	}
	return info.defaultModel, nil
}

// SupportedProviders returns the list of supported provider names.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	return result
}

// Environment variable helpers with proper error handling

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}

// getEnvSeconds reads a whole number of seconds.
func getEnvSeconds(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	secs, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return time.Duration(secs) * time.Second, nil
}
