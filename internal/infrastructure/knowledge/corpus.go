package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
	"github.com/kirillkom/hansen-persona-rag/internal/core/ports"
)

// Corpus is the in-memory knowledge base. The chunk slice is replaced as a
// whole on reload and never mutated in place, so readers may keep it.
type Corpus struct {
	mu      sync.RWMutex
	chunks  []domain.KnowledgeChunk
	byID    map[string]int
	version uint64
}

func NewCorpus(chunks []domain.KnowledgeChunk) *Corpus {
	c := &Corpus{}
	c.Replace(chunks)
	return c
}

func (c *Corpus) Replace(chunks []domain.KnowledgeChunk) uint64 {
	byID := make(map[string]int, len(chunks))
	for i, chunk := range chunks {
		byID[chunk.ID] = i
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = chunks
	c.byID = byID
	c.version++
	return c.version
}

func (c *Corpus) Chunks() []domain.KnowledgeChunk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chunks
}

func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chunks)
}

func (c *Corpus) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Corpus) FetchChunk(_ context.Context, id string) (domain.KnowledgeChunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byID[id]
	if !ok {
		return domain.KnowledgeChunk{}, domain.WrapError(domain.ErrChunkNotFound, "corpus fetch", fmt.Errorf("chunk %s", id))
	}
	return c.chunks[idx], nil
}

type corpusFile struct {
	Chunks []domain.KnowledgeChunk `json:"chunks"`
}

// LoadPath reads one JSON corpus file, or every *.json file of a directory
// in name order. A file holds either {"chunks": [...]} or a bare array.
func LoadPath(path string) ([]domain.KnowledgeChunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat corpus: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.json"))
		if err != nil {
			return nil, fmt.Errorf("list corpus dir: %w", err)
		}
		sort.Strings(files)
	}

	var chunks []domain.KnowledgeChunk
	for _, file := range files {
		loaded, err := loadFile(file)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, loaded...)
	}
	if err := Validate(chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

func loadFile(path string) ([]domain.KnowledgeChunk, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", path, err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var chunks []domain.KnowledgeChunk
		if err := json.Unmarshal(raw, &chunks); err != nil {
			return nil, fmt.Errorf("decode corpus %s: %w", path, err)
		}
		return chunks, nil
	}
	var file corpusFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode corpus %s: %w", path, err)
	}
	return file.Chunks, nil
}

// Validate rejects duplicate or empty ids, empty text and mixed embedding
// dimensions. Chunks without an embedding are allowed.
func Validate(chunks []domain.KnowledgeChunk) error {
	seen := make(map[string]struct{}, len(chunks))
	dims := 0
	for i, chunk := range chunks {
		id := strings.TrimSpace(chunk.ID)
		if id == "" {
			return domain.WrapError(domain.ErrInvalidInput, "validate corpus", fmt.Errorf("chunk %d has empty id", i))
		}
		if _, dup := seen[id]; dup {
			return domain.WrapError(domain.ErrInvalidInput, "validate corpus", fmt.Errorf("duplicate chunk id %s", id))
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(chunk.Text) == "" {
			return domain.WrapError(domain.ErrInvalidInput, "validate corpus", fmt.Errorf("chunk %s has empty text", id))
		}
		if n := len(chunk.Embedding); n > 0 {
			if dims == 0 {
				dims = n
			} else if n != dims {
				return domain.WrapError(domain.ErrInvalidInput, "validate corpus",
					fmt.Errorf("chunk %s has dimension %d, want %d", id, n, dims))
			}
		}
	}
	return nil
}

// WriteFile stores chunks as {"chunks": [...]} through a temp file and rename.
func WriteFile(path string, chunks []domain.KnowledgeChunk) error {
	raw, err := json.MarshalIndent(corpusFile{Chunks: chunks}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode corpus: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".corpus-*.json")
	if err != nil {
		return fmt.Errorf("create temp corpus: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp corpus: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp corpus: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace corpus: %w", err)
	}
	return nil
}

// EnsureEmbeddings embeds chunks that have no vector, in batches. It returns
// a new slice and the number of chunks embedded.
func EnsureEmbeddings(
	ctx context.Context,
	embedder ports.Embedder,
	chunks []domain.KnowledgeChunk,
	batchSize int,
) ([]domain.KnowledgeChunk, int, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	out := make([]domain.KnowledgeChunk, len(chunks))
	copy(out, chunks)

	var pending []int
	for i, chunk := range out {
		if len(chunk.Embedding) == 0 {
			pending = append(pending, i)
		}
	}

	for start := 0; start < len(pending); start += batchSize {
		end := min(start+batchSize, len(pending))
		batch := pending[start:end]
		texts := make([]string, 0, len(batch))
		for _, idx := range batch {
			texts = append(texts, out[idx].Text)
		}
		vectors, err := embedder.Embed(ctx, texts)
		if err != nil {
			return nil, start, fmt.Errorf("embed corpus batch: %w", err)
		}
		if len(vectors) != len(batch) {
			return nil, start, fmt.Errorf("embed corpus batch: expected %d vectors, got %d", len(batch), len(vectors))
		}
		for j, idx := range batch {
			out[idx].Embedding = vectors[j]
		}
	}
	if err := Validate(out); err != nil {
		return nil, len(pending), err
	}
	return out, len(pending), nil
}
