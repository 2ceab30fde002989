package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/promptgate/promptgate/internal/accounting"
	"github.com/promptgate/promptgate/internal/contextstore"
	"github.com/promptgate/promptgate/internal/embedding"
	"github.com/promptgate/promptgate/internal/events"
	"github.com/promptgate/promptgate/internal/fallback"
	"github.com/promptgate/promptgate/internal/fanout"
	"github.com/promptgate/promptgate/internal/httpapi"
	"github.com/promptgate/promptgate/internal/keyring"
	"github.com/promptgate/promptgate/internal/llm"
	"github.com/promptgate/promptgate/internal/llm/anthropic"
	"github.com/promptgate/promptgate/internal/llm/gemini"
	"github.com/promptgate/promptgate/internal/llm/nvidia"
	"github.com/promptgate/promptgate/internal/llm/openai"
	"github.com/promptgate/promptgate/internal/logging"
	"github.com/promptgate/promptgate/internal/metrics"
	"github.com/promptgate/promptgate/internal/pipeline"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/relevance"
	"github.com/promptgate/promptgate/internal/scoring"
	"github.com/promptgate/promptgate/internal/stats"
	"github.com/promptgate/promptgate/internal/store"
	"github.com/promptgate/promptgate/internal/strategy"
	"github.com/promptgate/promptgate/internal/temporal"
	"github.com/promptgate/promptgate/internal/tracing"
	"github.com/promptgate/promptgate/internal/websearch"
)

// nvidiaCharLimit is the hard response cap of the nvidia prompt endpoint.
const nvidiaCharLimit = 194

type Server struct {
	cfg Config

	r *chi.Mux

	store    store.Store
	engine   *fallback.Engine
	prober   *fallback.Prober
	limiter  *ratelimit.Limiter
	temporal *temporal.Manager
	tracing  func(context.Context) error
	logger   *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: "promptgate",
	})
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	// Key custody runs before provider registration so vault-restored keys
	// feed the rotators.
	vault := keyring.NewVault(cfg.VaultEnabled)
	if cfg.VaultEnabled && cfg.VaultMaster != "" {
		loadVaultKeys(context.Background(), vault, db, &cfg, logger)
	}

	bus := events.NewBus()
	collector := stats.NewCollector()
	eng := fallback.NewEngine(logger, fallback.WithEventBus(bus), fallback.WithStats(collector))

	timeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second
	registerProviders(eng, cfg, timeout, logger)

	prober := fallback.NewProber(fallback.DefaultProberConfig(), eng, logger)
	prober.Start()

	embedder := buildEmbedder(cfg, logger)

	strategies := strategy.New(embedder, cfg.StrategyCacheSize, logger)
	loadStrategies(strategies, cfg, logger)

	contexts := contextstore.New(embedder, logger, contextstore.WithSnapshot(db))
	if n, err := contexts.Rehydrate(context.Background()); err != nil {
		logger.Warn("context rehydration failed", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("contexts rehydrated", slog.Int("count", n))
	}

	accounts := accounting.New(accounting.Config{
		BaseURL:     cfg.AccountingBaseURL,
		PerCallCost: cfg.PerCallCost,
	}, logger)

	var deductor accounting.Deductor = accounts
	var tm *temporal.Manager
	if cfg.TemporalEnabled {
		tm, err = temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, accounts, logger)
		if err != nil {
			logger.Warn("temporal unavailable, deductions go direct", slog.Any("error", err))
		} else if err := tm.Start(); err != nil {
			logger.Warn("temporal worker failed to start", slog.Any("error", err))
			tm = nil
		} else {
			deductor = tm
		}
	}

	scorer := scoring.NewEngine(eng, collector)
	router := pipeline.NewRouter(pipeline.Deps{
		Engine:     eng,
		Scorer:     scorer,
		Planner:    relevance.New(eng, logger),
		Strategies: strategies,
		Web:        websearch.New(websearch.Config{BaseURL: cfg.WebSearchURL}, logger),
		Contexts:   contexts,
		Accounts:   accounts,
		Deductor:   deductor,
		Logger:     logger,
	}, pipeline.WithMaxPromptLen(cfg.MaxPromptLen))

	m := metrics.New()

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimited),
		ratelimit.WithKeyFunc(ratelimit.AuthTokenOrIP(func(tok string) bool {
			return httpapi.TokenMatches(cfg.BearerToken, tok)
		})))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(httpapi.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(httpapi.Recoverer(logger))
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httpapi.BearerAuth(cfg.BearerToken))
	r.Use(limiter.Middleware)

	s := &Server{
		cfg:      cfg,
		r:        r,
		store:    db,
		engine:   eng,
		prober:   prober,
		limiter:  limiter,
		temporal: tm,
		tracing:  shutdownTracing,
		logger:   logger,
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Router:         router,
		Engine:         eng,
		Scorer:         scorer,
		Fanout:         fanout.New(eng, logger),
		Contexts:       contexts,
		Vault:          vault,
		Metrics:        m,
		Store:          db,
		EventBus:       bus,
		Stats:          collector,
		Logger:         logger,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
	})

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) Close() error {
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracing(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func registerProviders(eng *fallback.Engine, cfg Config, timeout time.Duration, logger *slog.Logger) {
	register := func(id llm.ProviderID, keys []string, build func(llm.Config, *keyring.Rotator) llm.Client, pc llm.Config) {
		if len(keys) == 0 {
			return
		}
		rot, err := keyring.NewRotator(keys)
		if err != nil {
			logger.Warn("skipping provider", slog.String("provider", string(id)), slog.Any("error", err))
			return
		}
		eng.Register(build(pc, rot), rot, pc)
		logger.Info("registered provider",
			slog.String("provider", string(id)),
			slog.String("model", pc.ModelName),
			slog.Int("keys", rot.Len()))
	}

	register(llm.ProviderOpenAI, cfg.OpenAIKeys,
		func(pc llm.Config, rot *keyring.Rotator) llm.Client {
			return openai.New(pc, rot, openai.WithTimeout(timeout))
		},
		llm.Config{Provider: llm.ProviderOpenAI, ModelName: cfg.OpenAIModel, TimeoutMs: int(timeout.Milliseconds())})

	register(llm.ProviderAnthropic, cfg.AnthropicKeys,
		func(pc llm.Config, rot *keyring.Rotator) llm.Client {
			return anthropic.New(pc, rot, anthropic.WithTimeout(timeout))
		},
		llm.Config{Provider: llm.ProviderAnthropic, ModelName: cfg.AnthropicModel, TimeoutMs: int(timeout.Milliseconds())})

	register(llm.ProviderGemini, cfg.GeminiKeys,
		func(pc llm.Config, rot *keyring.Rotator) llm.Client {
			return gemini.New(pc, rot, gemini.WithTimeout(timeout))
		},
		llm.Config{Provider: llm.ProviderGemini, ModelName: cfg.GeminiModel, TimeoutMs: int(timeout.Milliseconds())})

	register(llm.ProviderNVIDIA, cfg.NVIDIAKeys,
		func(pc llm.Config, rot *keyring.Rotator) llm.Client {
			return nvidia.New(pc, rot, nvidia.WithTimeout(timeout))
		},
		llm.Config{Provider: llm.ProviderNVIDIA, ModelName: cfg.NVIDIAModel, TimeoutMs: int(timeout.Milliseconds()), CharLimit: nvidiaCharLimit})
}

func buildEmbedder(cfg Config, logger *slog.Logger) embedding.Embedder {
	if cfg.EmbeddingBaseURL == "" {
		logger.Info("using local embedder")
		return embedding.NewLocal()
	}
	var keys interface{ Current() string }
	if len(cfg.EmbeddingKeys) > 0 {
		rot, err := keyring.NewRotator(cfg.EmbeddingKeys)
		if err == nil {
			keys = rot
		}
	}
	logger.Info("using remote embedder", slog.String("base_url", cfg.EmbeddingBaseURL))
	return embedding.NewClient(embedding.ClientConfig{
		BaseURL: cfg.EmbeddingBaseURL,
		Model:   cfg.EmbeddingModel,
	}, keys)
}

func loadStrategies(s *strategy.Store, cfg Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if cfg.StrategyRedisURL != "" {
		n, err := strategy.LoadFromRedis(ctx, s, cfg.StrategyRedisURL)
		if err == nil && n > 0 {
			logger.Info("strategies loaded from redis", slog.Int("count", n))
			return
		}
		if err != nil {
			logger.Warn("redis strategy load failed, seeding defaults", slog.Any("error", err))
		}
	}
	n, err := strategy.SeedDefaults(ctx, s)
	if err != nil {
		logger.Warn("strategy seeding failed", slog.Any("error", err))
		return
	}
	logger.Info("strategies seeded", slog.Int("count", n))
}
