package pgvector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

const schemaLockKey int64 = 2026101401

// Store keeps chunk embeddings in a pgvector column and answers
// nearest-neighbour queries with the cosine distance operator.
type Store struct {
	db         *sql.DB
	dimensions int
}

func NewStore(db *sql.DB, dimensions int) *Store {
	return &Store{db: db, dimensions: dimensions}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.dimensions <= 0 {
		return fmt.Errorf("pgvector: embedding dimensions must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/indexer startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	query := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	source_document TEXT NOT NULL,
	section TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	embedding vector(%d) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_embedding
	ON knowledge_chunks USING hnsw (embedding vector_cosine_ops);
`, s.dimensions)
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (s *Store) UpsertChunks(ctx context.Context, chunks []domain.KnowledgeChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, chunk := range chunks {
		if len(chunk.Embedding) != s.dimensions {
			return fmt.Errorf("pgvector upsert: chunk %s has dimension %d, want %d", chunk.ID, len(chunk.Embedding), s.dimensions)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO knowledge_chunks (id, text, source_document, section, category, embedding, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::vector, now())
ON CONFLICT (id) DO UPDATE SET
	text = EXCLUDED.text,
	source_document = EXCLUDED.source_document,
	section = EXCLUDED.section,
	category = EXCLUDED.category,
	embedding = EXCLUDED.embedding,
	updated_at = now()
`, chunk.ID, chunk.Text, chunk.SourceDocument, chunk.Section, chunk.Category, formatVector(chunk.Embedding))
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

func (s *Store) NearestNeighbors(ctx context.Context, vector []float32, topK int) ([]domain.ChunkScore, error) {
	if topK <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, 1 - (embedding <=> $1::vector) AS similarity
FROM knowledge_chunks
ORDER BY embedding <=> $1::vector
LIMIT $2
`, formatVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ChunkScore, 0, topK)
	for rows.Next() {
		var hit domain.ChunkScore
		if err := rows.Scan(&hit.ChunkID, &hit.Score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		hit.Score = domain.ClampScore(hit.Score)
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return out, nil
}

func (s *Store) FetchChunk(ctx context.Context, id string) (domain.KnowledgeChunk, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, text, source_document, section, category
FROM knowledge_chunks
WHERE id = $1
`, id)

	var chunk domain.KnowledgeChunk
	err := row.Scan(&chunk.ID, &chunk.Text, &chunk.SourceDocument, &chunk.Section, &chunk.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.KnowledgeChunk{}, domain.WrapError(domain.ErrChunkNotFound, "pgvector fetch", fmt.Errorf("chunk %s", id))
	}
	if err != nil {
		return domain.KnowledgeChunk{}, fmt.Errorf("fetch chunk %s: %w", id, err)
	}
	return chunk, nil
}

func formatVector(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*8 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
