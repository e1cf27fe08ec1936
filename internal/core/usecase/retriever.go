package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
	"github.com/kirillkom/hansen-persona-rag/internal/core/ports"
)

type RetrieverConfig struct {
	TopK            int
	SimilarityFloor float64
	// InMemoryMaxChunks is the corpus size above which the external index
	// is queried instead of the in-memory scan.
	InMemoryMaxChunks int
	Rerank            bool
	EmbedTimeout      time.Duration
	IndexTimeout      time.Duration
}

func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		TopK:              5,
		SimilarityFloor:   0.55,
		InMemoryMaxChunks: 5000,
		EmbedTimeout:      5 * time.Second,
		IndexTimeout:      3 * time.Second,
	}
}

// Retriever turns a query into a ranked, scored RetrievalResult.
type Retriever struct {
	cfg      RetrieverConfig
	embedder ports.Embedder
	cache    ports.EmbeddingCache
	corpus   ports.Corpus
	index    ports.VectorIndex
	chunks   ports.ChunkSource
	group    singleflight.Group

	lexMu  sync.Mutex
	lexVer uint64
	lex    map[string]map[string]struct{}
}

// NewRetriever wires the retriever. cache, index and chunks may be nil; the
// external path is only used when both index and chunks are set.
func NewRetriever(
	cfg RetrieverConfig,
	embedder ports.Embedder,
	cache ports.EmbeddingCache,
	corpus ports.Corpus,
	index ports.VectorIndex,
	chunks ports.ChunkSource,
) *Retriever {
	defaults := DefaultRetrieverConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = defaults.TopK
	}
	if cfg.SimilarityFloor < 0 || cfg.SimilarityFloor > 1 {
		cfg.SimilarityFloor = defaults.SimilarityFloor
	}
	if cfg.InMemoryMaxChunks <= 0 {
		cfg.InMemoryMaxChunks = defaults.InMemoryMaxChunks
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = defaults.EmbedTimeout
	}
	if cfg.IndexTimeout <= 0 {
		cfg.IndexTimeout = defaults.IndexTimeout
	}
	return &Retriever{
		cfg:      cfg,
		embedder: embedder,
		cache:    cache,
		corpus:   corpus,
		index:    index,
		chunks:   chunks,
	}
}

func (r *Retriever) TopK() int { return r.cfg.TopK }

// Retrieve embeds the query (cache first) and ranks chunks by cosine
// similarity. It fails with domain.ErrEmbeddingUnavailable when no vector
// can be produced. A failing external index falls back to the in-memory
// scan when the corpus is loaded.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) (domain.RetrievalResult, error) {
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	normalized := NormalizeQuery(query)
	if normalized == "" {
		return domain.RetrievalResult{BelowThreshold: true, Strategy: domain.StrategyInMemory}, nil
	}

	vector, err := r.queryVector(ctx, normalized)
	if err != nil {
		return domain.RetrievalResult{}, err
	}

	if r.useIndex() {
		result, err := r.searchIndex(ctx, vector, topK)
		if err == nil {
			return r.finish(normalized, result, topK), nil
		}
		if ctx.Err() != nil {
			return domain.RetrievalResult{}, ctx.Err()
		}
		if r.corpusLen() == 0 {
			return domain.RetrievalResult{}, err
		}
		slog.Warn("vector_index_fallback", "error", err, "corpus_size", r.corpusLen())
		result = r.scan(vector)
		result.IndexFallback = true
		return r.finish(normalized, result, topK), nil
	}

	return r.finish(normalized, r.scan(vector), topK), nil
}

// RetrieveLexical ranks the in-memory corpus by query token overlap. It is
// the degraded path when no query embedding is available.
func (r *Retriever) RetrieveLexical(_ context.Context, query string, topK int) domain.RetrievalResult {
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	result := domain.RetrievalResult{Strategy: domain.StrategyLexical}
	queryTokens := toTokenSet(query)
	if len(queryTokens) == 0 || r.corpus == nil {
		result.BelowThreshold = true
		return result
	}

	version := r.corpus.Version()
	chunks := r.corpus.Chunks()
	tokens := r.lexicalIndex(version, chunks)
	for _, chunk := range chunks {
		score := tokenOverlap(queryTokens, tokens[chunk.ID])
		if score <= 0 {
			continue
		}
		result.Chunks = append(result.Chunks, domain.ScoredChunk{Chunk: chunk, Score: domain.ClampScore(score)})
	}
	sortScored(result.Chunks)
	if len(result.Chunks) > topK {
		result.Chunks = result.Chunks[:topK]
	}
	result.BelowThreshold = result.TopScore() < r.cfg.SimilarityFloor
	return result
}

func (r *Retriever) queryVector(ctx context.Context, normalized string) ([]float32, error) {
	if r.cache != nil {
		if vector, ok := r.cache.GetEmbedding(ctx, normalized); ok {
			return vector, nil
		}
	}
	if r.embedder == nil {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed query", errors.New("no embedder configured"))
	}

	// Concurrent misses for the same query share one embed call. The shared
	// call is detached from any single caller so one disconnect does not fail
	// the others.
	ch := r.group.DoChan(normalized, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.EmbedTimeout)
		defer cancel()
		vector, err := r.embedder.EmbedQuery(callCtx, normalized)
		if err != nil {
			return nil, err
		}
		if len(vector) == 0 {
			return nil, errors.New("empty embedding")
		}
		if r.cache != nil {
			r.cache.PutEmbedding(callCtx, normalized, vector)
		}
		return vector, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed query", res.Err)
		}
		return res.Val.([]float32), nil
	}
}

func (r *Retriever) useIndex() bool {
	if r.index == nil || r.chunks == nil {
		return false
	}
	return r.corpusLen() == 0 || r.corpusLen() > r.cfg.InMemoryMaxChunks
}

func (r *Retriever) corpusLen() int {
	if r.corpus == nil {
		return 0
	}
	return r.corpus.Len()
}

func (r *Retriever) searchIndex(ctx context.Context, vector []float32, topK int) (domain.RetrievalResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.IndexTimeout)
	defer cancel()

	limit := topK
	if r.cfg.Rerank {
		limit = topK * 3
	}
	hits, err := r.index.NearestNeighbors(ctx, vector, limit)
	if err != nil {
		return domain.RetrievalResult{}, domain.WrapError(domain.ErrTemporary, "vector index search", err)
	}

	result := domain.RetrievalResult{Strategy: domain.StrategyIndex}
	for _, hit := range hits {
		chunk, err := r.chunks.FetchChunk(ctx, hit.ChunkID)
		if err != nil {
			if domain.IsKind(err, domain.ErrChunkNotFound) {
				slog.Warn("vector_index_stale_hit", "chunk_id", hit.ChunkID)
				continue
			}
			return domain.RetrievalResult{}, domain.WrapError(domain.ErrTemporary, "fetch chunk", fmt.Errorf("%s: %w", hit.ChunkID, err))
		}
		result.Chunks = append(result.Chunks, domain.ScoredChunk{Chunk: chunk, Score: domain.ClampScore(hit.Score)})
	}
	return result, nil
}

// scan scores every corpus chunk that carries an embedding.
func (r *Retriever) scan(vector []float32) domain.RetrievalResult {
	result := domain.RetrievalResult{Strategy: domain.StrategyInMemory}
	if r.corpus == nil {
		return result
	}
	for _, chunk := range r.corpus.Chunks() {
		if len(chunk.Embedding) == 0 {
			continue
		}
		result.Chunks = append(result.Chunks, domain.ScoredChunk{
			Chunk: chunk,
			Score: domain.ClampScore(cosineSimilarity(vector, chunk.Embedding)),
		})
	}
	return result
}

// finish sorts, optionally reranks, truncates to topK and flags weak
// results. The floor is checked against the raw similarity.
func (r *Retriever) finish(normalized string, result domain.RetrievalResult, topK int) domain.RetrievalResult {
	sortScored(result.Chunks)
	result.BelowThreshold = result.TopScore() < r.cfg.SimilarityFloor

	if r.cfg.Rerank && len(result.Chunks) > 1 {
		n := topK * 3
		if n > len(result.Chunks) {
			n = len(result.Chunks)
		}
		result.Chunks = rerankCandidates(normalized, result.Chunks[:n], n)
	}
	if len(result.Chunks) > topK {
		result.Chunks = result.Chunks[:topK]
	}
	return result
}

func (r *Retriever) lexicalIndex(version uint64, chunks []domain.KnowledgeChunk) map[string]map[string]struct{} {
	r.lexMu.Lock()
	defer r.lexMu.Unlock()
	if r.lex != nil && r.lexVer == version {
		return r.lex
	}
	index := make(map[string]map[string]struct{}, len(chunks))
	for _, chunk := range chunks {
		index[chunk.ID] = toTokenSet(chunk.Section + " " + chunk.Text)
	}
	r.lex = index
	r.lexVer = version
	return index
}

// cosineSimilarity returns 0 for mismatched dimensions or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
