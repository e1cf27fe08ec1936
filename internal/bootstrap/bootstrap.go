package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	httpadapter "github.com/kirillkom/hansen-persona-rag/internal/adapters/http"
	"github.com/kirillkom/hansen-persona-rag/internal/config"
	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
	"github.com/kirillkom/hansen-persona-rag/internal/core/ports"
	"github.com/kirillkom/hansen-persona-rag/internal/core/usecase"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/cache"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/knowledge"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/llm/gemini"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/llm/openai"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/ratelimit"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/resilience"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/vector/pgvector"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/hansen-persona-rag/internal/observability/events"
	"github.com/kirillkom/hansen-persona-rag/internal/observability/metrics"
	"github.com/kirillkom/hansen-persona-rag/internal/observability/tracing"
)

const serviceName = "hansen-persona-rag"

type App struct {
	Config config.Config
	Logger *slog.Logger

	Orchestrator *usecase.Orchestrator
	Providers    *resilience.ProviderPool
	Cache        *cache.Manager
	Corpus       *knowledge.Corpus
	Events       *events.Dispatcher
	Registry     *prometheus.Registry
	HTTPMetrics  *metrics.HTTPServerMetrics

	watcher *knowledge.Watcher
	closers []func(ctx context.Context) error
}

// New wires every component from cfg. Optional backends (Redis, NATS, the
// vector index, remote providers) are only dialled when configured.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.Background())
		}
	}()

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Service:     serviceName,
		Exporter:    cfg.OTelExporter,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	app.onClose(func(ctx context.Context) error { return shutdownTracing(ctx) })

	var ragMetrics *metrics.RAGMetrics
	if cfg.MetricsEnabled {
		app.Registry = prometheus.NewRegistry()
		app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		app.HTTPMetrics = metrics.NewHTTPServerMetrics("api", app.Registry)
		ragMetrics = metrics.NewRAGMetrics("api", app.Registry)
	}

	executor := resilience.NewExecutor(resilience.Config{
		Retry:          resilience.RetryPolicy{MaxAttempts: cfg.ResilienceRetryAttempts},
		BreakerEnabled: cfg.ResilienceBreakerEnabled,
	})

	dispatcher, err := app.initEvents(cfg, ragMetrics, executor)
	if err != nil {
		return nil, err
	}
	app.Events = dispatcher

	var redisClient *redis.Client
	if cfg.CacheBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisClient, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		app.onClose(func(context.Context) error { return redisClient.Close() })
	}

	cacheManager, err := newCacheManager(cfg, redisClient, dispatcher)
	if err != nil {
		return nil, err
	}
	app.Cache = cacheManager

	limiter, err := newRateLimiter(cfg, redisClient)
	if err != nil {
		return nil, err
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel)
	embedder := ollama.NewEmbedder(ollamaClient, executor)

	members, err := app.buildProviders(ctx, cfg, ollamaClient)
	if err != nil {
		return nil, err
	}
	pool, err := resilience.NewProviderPool(resilience.PoolConfig{
		FailureThreshold: uint32(max(cfg.BreakerFailureThreshold, 0)),
		FailureWindow:    cfg.BreakerFailureWindow,
		BaseCooldown:     cfg.BreakerBaseCooldown,
		MaxCooldown:      cfg.BreakerMaxCooldown,
		Retry:            resilience.RetryPolicy{MaxAttempts: cfg.ProviderRetryAttempts},
	}, members, dispatcher)
	if err != nil {
		return nil, fmt.Errorf("init provider pool: %w", err)
	}
	app.Providers = pool

	chunks, err := knowledge.LoadPath(cfg.KnowledgePath)
	if err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}
	app.Corpus = knowledge.NewCorpus(chunks)
	logger.Info("knowledge_loaded", "path", cfg.KnowledgePath, "chunks", len(chunks))

	index, source, err := app.openVectorIndex(ctx, cfg, executor)
	if err != nil {
		return nil, err
	}

	retriever := usecase.NewRetriever(usecase.RetrieverConfig{
		TopK:              cfg.RAGTopK,
		SimilarityFloor:   cfg.RAGSimilarityFloor,
		InMemoryMaxChunks: cfg.RAGInMemoryMaxChunks,
		Rerank:            cfg.RAGRerank,
		EmbedTimeout:      cfg.RAGEmbedTimeout,
		IndexTimeout:      cfg.RAGIndexTimeout,
	}, embedder, cacheManager, app.Corpus, index, source)

	scopeCfg, err := usecase.LoadScopeConfig(cfg.ScopeExemplarsPath)
	if err != nil {
		return nil, fmt.Errorf("load scope exemplars: %w", err)
	}
	guard, err := usecase.NewScopeGuard(scopeCfg)
	if err != nil {
		return nil, fmt.Errorf("init scope guard: %w", err)
	}

	personas := usecase.DefaultPersonas()
	synthesizer, err := usecase.NewSynthesizer(pool, domain.GenerationParams{
		Temperature: float32(cfg.LLMTemperature),
		MaxTokens:   cfg.LLMMaxTokens,
	}, personas)
	if err != nil {
		return nil, fmt.Errorf("init synthesizer: %w", err)
	}

	app.Orchestrator = usecase.NewOrchestrator(usecase.OrchestratorConfig{
		TopK:          cfg.RAGTopK,
		MaxQueryRunes: cfg.RAGMaxQueryChars,
	}, limiter, guard, retriever, synthesizer, cacheManager, personas, dispatcher)

	if cfg.KnowledgeWatch {
		watcher, err := knowledge.NewWatcher(cfg.KnowledgePath, app.Corpus,
			func(context.Context) ([]domain.KnowledgeChunk, error) { return knowledge.LoadPath(cfg.KnowledgePath) },
			func(ctx context.Context, version uint64) {
				// Cached answers may cite chunks that no longer exist.
				if err := cacheManager.Purge(ctx, cache.NamespaceResponse); err != nil {
					logger.Warn("response_cache_purge_failed", "version", version, "error", err)
				}
			})
		if err != nil {
			return nil, fmt.Errorf("init knowledge watcher: %w", err)
		}
		app.watcher = watcher
		app.onClose(func(context.Context) error { return watcher.Close() })
	}

	ok = true
	return app, nil
}

// Router returns the HTTP surface bound to this App.
func (a *App) Router() *httpadapter.Router {
	return httpadapter.NewRouter(a.Orchestrator, a.Providers, a.Cache, a.HTTPMetrics, httpadapter.Options{
		Service:        "api",
		MaxInFlight:    a.Config.HTTPMaxInFlight,
		ThrottleRPS:    a.Config.HTTPThrottleRPS,
		ThrottleBurst:  a.Config.HTTPThrottleBurst,
		RequestTimeout: a.Config.HTTPRequestTimeout,
	})
}

// RunWatcher blocks until ctx is done. It returns at once when hot reload is
// disabled.
func (a *App) RunWatcher(ctx context.Context) {
	if a.watcher == nil {
		return
	}
	a.watcher.Run(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) initEvents(cfg config.Config, ragMetrics *metrics.RAGMetrics, executor *resilience.Executor) (*events.Dispatcher, error) {
	sinks := []events.Sink{events.NewLogSink(a.Logger)}
	var onDrop func()
	if ragMetrics != nil {
		sinks = append(sinks, ragMetrics)
		onDrop = ragMetrics.EventDropped
	}

	if cfg.EventsNATSURL != "" {
		publisher, err := nats.NewWithOptions(cfg.EventsNATSURL, cfg.EventsNATSPrefix, nats.Options{
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init event publisher: %w", err)
		}
		a.onClose(func(context.Context) error {
			publisher.Close()
			return nil
		})
		sinks = append(sinks, events.NewPublishSink(publisher, cfg.EventsPublishTimeout))
	}

	dispatcher := events.NewDispatcher(events.Options{Buffer: cfg.EventsBuffer, OnDrop: onDrop}, sinks...)
	// Registered after the publisher so the queue drains before NATS closes.
	a.onClose(dispatcher.Close)
	return dispatcher, nil
}

func (a *App) buildProviders(ctx context.Context, cfg config.Config, ollamaClient *ollama.Client) ([]resilience.Provider, error) {
	members := make([]resilience.Provider, 0, len(cfg.LLMProviders))
	for priority, name := range cfg.LLMProviders {
		var model ports.LanguageModel
		switch name {
		case ollama.ProviderName:
			model = ollama.NewGenerator(ollamaClient)
		case openai.ProviderName:
			if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
				return nil, fmt.Errorf("provider %q: OPENAI_API_KEY or OPENAI_BASE_URL is required", name)
			}
			model = openai.New(openai.Options{
				APIKey:  cfg.OpenAIAPIKey,
				BaseURL: cfg.OpenAIBaseURL,
				Model:   cfg.OpenAIModel,
			})
		case gemini.ProviderName:
			client, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", name, err)
			}
			a.onClose(func(context.Context) error { return client.Close() })
			model = client
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
		members = append(members, resilience.Provider{
			Model:         model,
			Priority:      priority,
			TimeoutBudget: cfg.ProviderTimeouts[name],
		})
	}
	if len(members) == 0 {
		return nil, errors.New("at least one llm provider is required")
	}
	return members, nil
}

type vectorBackend interface {
	ports.VectorIndex
	ports.ChunkSource
}

func (a *App) openVectorIndex(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.VectorIndex, ports.ChunkSource, error) {
	var backend vectorBackend
	switch cfg.VectorIndex {
	case "", "none":
		return nil, nil, nil
	case "qdrant":
		backend = qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, executor)
	case "pgvector":
		db, err := pgvector.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		a.onClose(func(context.Context) error { return db.Close() })
		store := pgvector.NewStore(db, cfg.PGVectorDimensions)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure pgvector schema: %w", err)
		}
		backend = store
	default:
		return nil, nil, fmt.Errorf("unknown vector index %q", cfg.VectorIndex)
	}
	a.Logger.Info("vector_index_enabled", "backend", cfg.VectorIndex)
	return backend, backend, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newCacheManager(cfg config.Config, client *redis.Client, sink ports.EventSink) (*cache.Manager, error) {
	var embeddingStore, responseStore ports.CacheStore
	switch cfg.CacheBackend {
	case "memory", "":
		emb, err := cache.NewMemoryStore(cfg.CacheEmbeddingSize)
		if err != nil {
			return nil, fmt.Errorf("init embedding cache: %w", err)
		}
		resp, err := cache.NewMemoryStore(cfg.CacheResponseSize)
		if err != nil {
			return nil, fmt.Errorf("init response cache: %w", err)
		}
		embeddingStore, responseStore = emb, resp
	case "redis":
		embeddingStore = cache.NewRedisStore(client, cfg.CachePrefix+":"+string(cache.NamespaceEmbedding))
		responseStore = cache.NewRedisStore(client, cfg.CachePrefix+":"+string(cache.NamespaceResponse))
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
	return cache.NewManager(cache.Config{
		Embedding:    embeddingStore,
		EmbeddingTTL: cfg.CacheEmbeddingTTL,
		Response:     responseStore,
		ResponseTTL:  cfg.CacheResponseTTL,
	}, sink), nil
}

func newRateLimiter(cfg config.Config, client *redis.Client) (ports.RateLimiter, error) {
	switch cfg.RateLimitBackend {
	case "memory", "":
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow), nil
	case "redis":
		return ratelimit.NewRedisLimiter(client, cfg.CachePrefix+":ratelimit", cfg.RateLimitRequests, cfg.RateLimitWindow), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimitBackend)
	}
}
