package app

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func clearPromptgateEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key := kv[:i]
				if len(key) > 11 && key[:11] == "PROMPTGATE_" {
					t.Setenv(key, "")
					_ = os.Unsetenv(key)
				}
				break
			}
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearPromptgateEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DBDSN != "file:/data/promptgate.sqlite" {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, "file:/data/promptgate.sqlite")
	}
	if cfg.MaxPromptLen != 8000 {
		t.Errorf("MaxPromptLen = %d, want 8000", cfg.MaxPromptLen)
	}
	if cfg.PerCallCost != 10 {
		t.Errorf("PerCallCost = %d, want 10", cfg.PerCallCost)
	}
	if cfg.ProviderTimeoutSecs != 30 {
		t.Errorf("ProviderTimeoutSecs = %d, want 30", cfg.ProviderTimeoutSecs)
	}
	if len(cfg.OpenAIKeys) != 0 {
		t.Errorf("OpenAIKeys = %v, want empty", cfg.OpenAIKeys)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearPromptgateEnv(t)
	t.Setenv("PROMPTGATE_LISTEN_ADDR", ":9090")
	t.Setenv("PROMPTGATE_LOG_LEVEL", "debug")
	t.Setenv("PROMPTGATE_DB_DSN", "file::memory:")
	t.Setenv("PROMPTGATE_OPENAI_API_KEYS", "k1, k2 ,k3")
	t.Setenv("PROMPTGATE_MAX_PROMPT_LEN", "4000")
	t.Setenv("PROMPTGATE_TEMPORAL_ENABLED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.DBDSN != "file::memory:" {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, "file::memory:")
	}
	if len(cfg.OpenAIKeys) != 3 || cfg.OpenAIKeys[1] != "k2" {
		t.Errorf("OpenAIKeys = %v, want [k1 k2 k3]", cfg.OpenAIKeys)
	}
	if cfg.MaxPromptLen != 4000 {
		t.Errorf("MaxPromptLen = %d, want 4000", cfg.MaxPromptLen)
	}
	if !cfg.TemporalEnabled {
		t.Error("TemporalEnabled = false, want true")
	}
}

func TestLoadConfigInvalidEnvFallsBackToDefaults(t *testing.T) {
	clearPromptgateEnv(t)
	t.Setenv("PROMPTGATE_TEMPORAL_ENABLED", "notabool")
	t.Setenv("PROMPTGATE_MAX_PROMPT_LEN", "notanint")
	t.Setenv("PROMPTGATE_PROVIDER_TIMEOUT_SECS", "notanint")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.TemporalEnabled {
		t.Error("TemporalEnabled = true, want false (default on invalid input)")
	}
	if cfg.MaxPromptLen != 8000 {
		t.Errorf("MaxPromptLen = %d, want 8000 (default on invalid input)", cfg.MaxPromptLen)
	}
	if cfg.ProviderTimeoutSecs != 30 {
		t.Errorf("ProviderTimeoutSecs = %d, want 30 (default on invalid input)", cfg.ProviderTimeoutSecs)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := newTestConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error on valid config: %v", err)
	}

	bad := cfg
	bad.RateLimitRPS = 0
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted RateLimitRPS = 0")
	}

	bad = cfg
	bad.MaxPromptLen = -1
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted MaxPromptLen = -1")
	}
}

func newTestConfig() Config {
	return Config{
		ListenAddr:          ":0",
		LogLevel:            "error",
		DBDSN:               ":memory:",
		ProviderTimeoutSecs: 30,
		StrategyCacheSize:   16,
		PerCallCost:         10,
		RateLimitRPS:        60,
		RateLimitBurst:      120,
		MaxUploadMB:         10,
		MaxPromptLen:        8000,
	}
}

func TestNewServer(t *testing.T) {
	srv, err := NewServer(newTestConfig())
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.Router() == nil {
		t.Fatal("expected non-nil Router()")
	}
}

func TestServerHealthEndpoint(t *testing.T) {
	srv, err := NewServer(newTestConfig())
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
}

func TestServerAuthRejectsWithoutToken(t *testing.T) {
	cfg := newTestConfig()
	cfg.BearerToken = "sekret"
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/admin/v1/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /admin/v1/stats = %d, want 401", rec.Code)
	}
}

func TestServerClose(t *testing.T) {
	srv, err := NewServer(newTestConfig())
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}
