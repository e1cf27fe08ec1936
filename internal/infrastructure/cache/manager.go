package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
	"github.com/kirillkom/hansen-persona-rag/internal/core/ports"
)

type Namespace string

const (
	NamespaceEmbedding Namespace = "embedding"
	NamespaceResponse  Namespace = "response"
)

type namespaceState struct {
	store ports.CacheStore
	ttl   time.Duration
}

// Manager fronts the embedding and response namespaces. Store errors are
// logged and reported to callers as misses.
type Manager struct {
	namespaces map[Namespace]namespaceState
	sink       ports.EventSink
	now        func() time.Time
}

type Config struct {
	Embedding    ports.CacheStore
	EmbeddingTTL time.Duration
	Response     ports.CacheStore
	ResponseTTL  time.Duration
}

func NewManager(cfg Config, sink ports.EventSink) *Manager {
	return &Manager{
		namespaces: map[Namespace]namespaceState{
			NamespaceEmbedding: {store: cfg.Embedding, ttl: cfg.EmbeddingTTL},
			NamespaceResponse:  {store: cfg.Response, ttl: cfg.ResponseTTL},
		},
		sink: sink,
		now:  time.Now,
	}
}

func (m *Manager) TTL(ns Namespace) time.Duration {
	return m.namespaces[ns].ttl
}

func (m *Manager) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool) {
	state, ok := m.namespaces[ns]
	if !ok || state.store == nil {
		return nil, false
	}
	value, hit, err := state.store.Get(ctx, key)
	if err != nil {
		slog.Warn("cache_get_failed", "namespace", string(ns), "error", err)
		hit = false
	}
	m.emitLookup(ns, hit)
	return value, hit
}

// Put stores value with ttl, or with the namespace TTL when ttl is not positive.
func (m *Manager) Put(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) {
	state, ok := m.namespaces[ns]
	if !ok || state.store == nil {
		return
	}
	if ttl <= 0 {
		ttl = state.ttl
	}
	if err := state.store.Put(ctx, key, value, ttl); err != nil {
		slog.Warn("cache_put_failed", "namespace", string(ns), "error", err)
	}
}

func (m *Manager) Purge(ctx context.Context, ns Namespace) error {
	state, ok := m.namespaces[ns]
	if !ok || state.store == nil {
		return nil
	}
	if err := state.store.Purge(ctx); err != nil {
		return fmt.Errorf("purge %s cache: %w", ns, err)
	}
	slog.Info("cache_purged", "namespace", string(ns))
	return nil
}

func (m *Manager) PurgeAll(ctx context.Context) error {
	return errors.Join(
		m.Purge(ctx, NamespaceEmbedding),
		m.Purge(ctx, NamespaceResponse),
	)
}

func (m *Manager) GetEmbedding(ctx context.Context, normalizedQuery string) ([]float32, bool) {
	raw, ok := m.Get(ctx, NamespaceEmbedding, EmbeddingKey(normalizedQuery))
	if !ok {
		return nil, false
	}
	vec, err := decodeVector(raw)
	if err != nil {
		slog.Warn("cache_decode_failed", "namespace", string(NamespaceEmbedding), "error", err)
		return nil, false
	}
	return vec, true
}

func (m *Manager) PutEmbedding(ctx context.Context, normalizedQuery string, vec []float32) {
	if len(vec) == 0 {
		return
	}
	m.Put(ctx, NamespaceEmbedding, EmbeddingKey(normalizedQuery), encodeVector(vec), 0)
}

func (m *Manager) GetAnswer(ctx context.Context, key string) (domain.CachedAnswer, bool) {
	raw, ok := m.Get(ctx, NamespaceResponse, key)
	if !ok {
		return domain.CachedAnswer{}, false
	}
	var answer domain.CachedAnswer
	if err := json.Unmarshal(raw, &answer); err != nil || answer.AnswerText == "" {
		slog.Warn("cache_decode_failed", "namespace", string(NamespaceResponse), "error", err)
		return domain.CachedAnswer{}, false
	}
	return answer, true
}

func (m *Manager) PutAnswer(ctx context.Context, key string, answer domain.CachedAnswer) {
	raw, err := json.Marshal(answer)
	if err != nil {
		slog.Warn("cache_encode_failed", "namespace", string(NamespaceResponse), "error", err)
		return
	}
	m.Put(ctx, NamespaceResponse, key, raw, 0)
}

func (m *Manager) LookupAnswer(
	ctx context.Context,
	normalizedQuery string,
	persona domain.PersonaID,
	chunkIDs []string,
) (domain.CachedAnswer, bool) {
	return m.GetAnswer(ctx, ResponseKey(normalizedQuery, persona, chunkIDs))
}

func (m *Manager) StoreAnswer(
	ctx context.Context,
	normalizedQuery string,
	persona domain.PersonaID,
	chunkIDs []string,
	answer domain.CachedAnswer,
) {
	m.PutAnswer(ctx, ResponseKey(normalizedQuery, persona, chunkIDs), answer)
}

func (m *Manager) emitLookup(ns Namespace, hit bool) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(domain.Event{
		Kind:      domain.EventCacheLookup,
		Time:      m.now(),
		Namespace: string(ns),
		Hit:       hit,
	})
}

// EmbeddingKey hashes the normalized query text.
func EmbeddingKey(normalizedQuery string) string {
	sum := sha256.Sum256([]byte(normalizedQuery))
	return hex.EncodeToString(sum[:])
}

// ResponseKey binds the normalized query, the persona and the retrieved
// evidence set. Chunk id order does not matter.
func ResponseKey(normalizedQuery string, persona domain.PersonaID, chunkIDs []string) string {
	ids := slices.Clone(chunkIDs)
	slices.Sort(ids)

	h := sha256.New()
	h.Write([]byte(normalizedQuery))
	h.Write([]byte{0})
	h.Write([]byte(persona))
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("invalid vector payload length %d", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
