package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kirillkom/hansen-persona-rag/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		CacheBackend:       "memory",
		CachePrefix:        "test",
		CacheEmbeddingTTL:  time.Hour,
		CacheResponseTTL:   time.Minute,
		CacheEmbeddingSize: 16,
		CacheResponseSize:  16,
		RateLimitBackend:   "memory",
		RateLimitRequests:  2,
		RateLimitWindow:    time.Minute,
	}
}

func TestNewCacheManagerRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.CacheBackend = "memcached"
	if _, err := newCacheManager(cfg, nil, nil); err == nil {
		t.Fatalf("expected error for unknown cache backend")
	}
}

func TestRedisBackedCacheAndLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := openRedis(ctx, "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer client.Close()

	cfg := testConfig()
	cfg.CacheBackend = "redis"
	cfg.RateLimitBackend = "redis"

	manager, err := newCacheManager(cfg, client, nil)
	if err != nil {
		t.Fatalf("cache manager: %v", err)
	}
	manager.PutEmbedding(ctx, "dose de rifampicina", []float32{1, 0})
	if _, ok := manager.GetEmbedding(ctx, "dose de rifampicina"); !ok {
		t.Fatalf("expected embedding stored in redis")
	}

	limiter, err := newRateLimiter(cfg, client)
	if err != nil {
		t.Fatalf("rate limiter: %v", err)
	}
	for i := 0; i < 2; i++ {
		if allowed, _, err := limiter.CheckAndIncrement(ctx, "client"); err != nil || !allowed {
			t.Fatalf("request %d expected allowed, got allowed=%v err=%v", i, allowed, err)
		}
	}
	if allowed, _, _ := limiter.CheckAndIncrement(ctx, "client"); allowed {
		t.Fatalf("expected third request rejected")
	}
}

func TestOpenRedisRejectsBadURL(t *testing.T) {
	if _, err := openRedis(context.Background(), "not-a-url"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestBuildProvidersValidation(t *testing.T) {
	app := &App{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ctx := context.Background()

	if _, err := app.buildProviders(ctx, config.Config{LLMProviders: []string{"claude-local"}}, nil); err == nil ||
		!strings.Contains(err.Error(), "unknown llm provider") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
	if _, err := app.buildProviders(ctx, config.Config{}, nil); err == nil {
		t.Fatalf("expected error for empty provider list")
	}
	if _, err := app.buildProviders(ctx, config.Config{LLMProviders: []string{"openai"}}, nil); err == nil {
		t.Fatalf("expected error for openai without credentials")
	}

	members, err := app.buildProviders(ctx, config.Config{
		LLMProviders:     []string{"openai", "ollama"},
		OpenAIBaseURL:    "http://localhost:9999/v1",
		ProviderTimeouts: map[string]time.Duration{"ollama": 7 * time.Second},
	}, nil)
	if err != nil {
		t.Fatalf("build providers: %v", err)
	}
	if len(members) != 2 || members[0].Model.Name() != "openai" || members[1].Priority != 1 {
		t.Fatalf("unexpected members %+v", members)
	}
	if members[1].TimeoutBudget != 7*time.Second {
		t.Fatalf("expected ollama timeout budget 7s, got %s", members[1].TimeoutBudget)
	}
}

func TestOpenVectorIndexDisabledByDefault(t *testing.T) {
	app := &App{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	index, source, err := app.openVectorIndex(context.Background(), config.Config{VectorIndex: "none"}, nil)
	if err != nil || index != nil || source != nil {
		t.Fatalf("expected no index, got %v %v %v", index, source, err)
	}
	if _, _, err := app.openVectorIndex(context.Background(), config.Config{VectorIndex: "faiss"}, nil); err == nil {
		t.Fatalf("expected error for unknown index")
	}
}
