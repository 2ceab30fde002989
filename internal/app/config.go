package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the process configuration, sourced from PROMPTGATE_* environment
// variables.
type Config struct {
	ListenAddr string
	LogLevel   string

	// BearerToken protects every non-exempt endpoint. Plaintext or a bcrypt
	// hash; empty disables auth.
	BearerToken string

	DBDSN        string
	VaultEnabled bool

	// VaultMaster unlocks the key vault at startup. With a master set,
	// provider keys are encrypted into the persisted vault blob and can be
	// restored on later boots without reappearing in the environment.
	VaultMaster string

	// Per-provider API keys. Multiple keys rotate on auth failures.
	OpenAIKeys    []string
	AnthropicKeys []string
	GeminiKeys    []string
	NVIDIAKeys    []string

	OpenAIModel    string
	AnthropicModel string
	GeminiModel    string
	NVIDIAModel    string

	ProviderTimeoutSecs int

	// Embedding backend. Empty base URL falls back to the local hash
	// embedder.
	EmbeddingBaseURL string
	EmbeddingModel   string
	EmbeddingKeys    []string

	// WebSearchURL points at a SearxNG-compatible instance. Empty disables
	// web context gathering.
	WebSearchURL string

	// Strategy corpus. Empty Redis URL seeds the embedded defaults.
	StrategyRedisURL  string
	StrategyCacheSize int

	// Accounting service. Empty base URL disables balance enforcement.
	AccountingBaseURL string
	PerCallCost       int

	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
	MaxUploadMB    int
	MaxPromptLen   int

	TracingEnabled  bool
	TracingEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("PROMPTGATE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("PROMPTGATE_LOG_LEVEL", "info"),

		BearerToken: getEnv("PROMPTGATE_BEARER_TOKEN", ""),

		DBDSN:        getEnv("PROMPTGATE_DB_DSN", "file:/data/promptgate.sqlite"),
		VaultEnabled: getEnvBool("PROMPTGATE_VAULT_ENABLED", false),
		VaultMaster:  getEnv("PROMPTGATE_VAULT_MASTER", ""),

		OpenAIKeys:    getEnvStringSlice("PROMPTGATE_OPENAI_API_KEYS", nil),
		AnthropicKeys: getEnvStringSlice("PROMPTGATE_ANTHROPIC_API_KEYS", nil),
		GeminiKeys:    getEnvStringSlice("PROMPTGATE_GEMINI_API_KEYS", nil),
		NVIDIAKeys:    getEnvStringSlice("PROMPTGATE_NVIDIA_API_KEYS", nil),

		OpenAIModel:    getEnv("PROMPTGATE_OPENAI_MODEL", "gpt-4o"),
		AnthropicModel: getEnv("PROMPTGATE_ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		GeminiModel:    getEnv("PROMPTGATE_GEMINI_MODEL", "gemini-2.0-flash"),
		NVIDIAModel:    getEnv("PROMPTGATE_NVIDIA_MODEL", "meta/llama-3.1-70b-instruct"),

		ProviderTimeoutSecs: getEnvInt("PROMPTGATE_PROVIDER_TIMEOUT_SECS", 30),

		EmbeddingBaseURL: getEnv("PROMPTGATE_EMBEDDING_BASE_URL", ""),
		EmbeddingModel:   getEnv("PROMPTGATE_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingKeys:    getEnvStringSlice("PROMPTGATE_EMBEDDING_API_KEYS", nil),

		WebSearchURL: getEnv("PROMPTGATE_WEBSEARCH_URL", ""),

		StrategyRedisURL:  getEnv("PROMPTGATE_STRATEGY_REDIS_URL", ""),
		StrategyCacheSize: getEnvInt("PROMPTGATE_STRATEGY_CACHE_SIZE", 256),

		AccountingBaseURL: getEnv("PROMPTGATE_ACCOUNTING_URL", ""),
		PerCallCost:       getEnvInt("PROMPTGATE_PER_CALL_COST", 10),

		TemporalEnabled:   getEnvBool("PROMPTGATE_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("PROMPTGATE_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("PROMPTGATE_TEMPORAL_NAMESPACE", "promptgate"),
		TemporalTaskQueue: getEnv("PROMPTGATE_TEMPORAL_TASK_QUEUE", "promptgate-deductions"),

		RateLimitRPS:   getEnvInt("PROMPTGATE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("PROMPTGATE_RATE_LIMIT_BURST", 120),
		CORSOrigins:    getEnvStringSlice("PROMPTGATE_CORS_ORIGINS", nil),
		MaxUploadMB:    getEnvInt("PROMPTGATE_MAX_UPLOAD_MB", 10),
		MaxPromptLen:   getEnvInt("PROMPTGATE_MAX_PROMPT_LEN", 8000),

		TracingEnabled:  getEnvBool("PROMPTGATE_TRACING_ENABLED", false),
		TracingEndpoint: getEnv("PROMPTGATE_TRACING_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("PROMPTGATE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("PROMPTGATE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("PROMPTGATE_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("PROMPTGATE_MAX_UPLOAD_MB must be > 0, got %d", c.MaxUploadMB)
	}
	if c.MaxPromptLen <= 0 {
		return fmt.Errorf("PROMPTGATE_MAX_PROMPT_LEN must be > 0, got %d", c.MaxPromptLen)
	}
	if c.PerCallCost < 0 {
		return fmt.Errorf("PROMPTGATE_PER_CALL_COST must be >= 0, got %d", c.PerCallCost)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
