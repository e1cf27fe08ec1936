package ports

import (
	"context"
	"time"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

// Embedder builds vectors for query text and corpus chunks.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is an external nearest-neighbour index over chunk embeddings.
type VectorIndex interface {
	NearestNeighbors(ctx context.Context, vector []float32, topK int) ([]domain.ChunkScore, error)
}

// VectorIndexWriter is implemented by indexes that accept offline upserts.
type VectorIndexWriter interface {
	UpsertChunks(ctx context.Context, chunks []domain.KnowledgeChunk) error
}

// ChunkSource resolves chunk ids returned by a VectorIndex.
type ChunkSource interface {
	FetchChunk(ctx context.Context, id string) (domain.KnowledgeChunk, error)
}

// Corpus is the locally loaded knowledge base. Version changes whenever the
// chunk set is replaced.
type Corpus interface {
	Chunks() []domain.KnowledgeChunk
	Len() int
	Version() uint64
}

// LanguageModel is one interchangeable generation backend.
type LanguageModel interface {
	Name() string
	Generate(ctx context.Context, prompt string, params domain.GenerationParams) (string, error)
}

// Generator is the failover capability over all configured LanguageModels.
type Generator interface {
	Generate(ctx context.Context, prompt string, params domain.GenerationParams) (domain.Generation, error)
}

// RateLimiter performs one atomic increment-and-check per request.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, clientIdentity string) (allowed bool, retryAfter time.Duration, err error)
}

// EventSink receives classified observability events. Emit must not block.
type EventSink interface {
	Emit(event domain.Event)
}

// CacheStore backs one cache namespace.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Purge(ctx context.Context) error
}

// EmbeddingCache stores query vectors keyed by normalized query text.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, normalizedQuery string) ([]float32, bool)
	PutEmbedding(ctx context.Context, normalizedQuery string, vector []float32)
}

// AnswerCache stores final answers keyed by query, persona and evidence set.
type AnswerCache interface {
	LookupAnswer(ctx context.Context, normalizedQuery string, persona domain.PersonaID, chunkIDs []string) (domain.CachedAnswer, bool)
	StoreAnswer(ctx context.Context, normalizedQuery string, persona domain.PersonaID, chunkIDs []string, answer domain.CachedAnswer)
}
