package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

type embedderFake struct {
	calls int
	err   error
}

func (e *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func (e *embedderFake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadPathAcceptsObjectAndArrayFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), `{"chunks":[{"id":"dose-1","text":"Rifampicina 600 mg","source_document":"pcdt.pdf","category":"dosing"}]}`)
	writeFile(t, filepath.Join(dir, "b.json"), `[{"id":"faq-1","text":"A hanseníase tem cura.","source_document":"faq.md","category":"faq"}]`)
	writeFile(t, filepath.Join(dir, "notes.txt"), `ignored`)

	chunks, err := LoadPath(dir)
	if err != nil {
		t.Fatalf("LoadPath() error = %v", err)
	}
	if len(chunks) != 2 || chunks[0].ID != "dose-1" || chunks[1].ID != "faq-1" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}

func TestValidateRejectsDuplicatesAndMixedDimensions(t *testing.T) {
	dup := []domain.KnowledgeChunk{{ID: "a", Text: "x"}, {ID: "a", Text: "y"}}
	if err := Validate(dup); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
	mixed := []domain.KnowledgeChunk{
		{ID: "a", Text: "x", Embedding: []float32{1, 2}},
		{ID: "b", Text: "y"},
		{ID: "c", Text: "z", Embedding: []float32{1}},
	}
	if err := Validate(mixed); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected dimension error, got %v", err)
	}
	if err := Validate([]domain.KnowledgeChunk{{ID: "a", Text: " "}}); err == nil {
		t.Fatalf("expected empty text error")
	}
}

func TestCorpusReplaceBumpsVersionAndFetch(t *testing.T) {
	c := NewCorpus([]domain.KnowledgeChunk{{ID: "a", Text: "x"}})
	v1 := c.Version()
	if _, err := c.FetchChunk(context.Background(), "a"); err != nil {
		t.Fatalf("FetchChunk() error = %v", err)
	}
	c.Replace([]domain.KnowledgeChunk{{ID: "b", Text: "y"}})
	if c.Version() != v1+1 || c.Len() != 1 {
		t.Fatalf("expected version bump, got version=%d len=%d", c.Version(), c.Len())
	}
	if _, err := c.FetchChunk(context.Background(), "a"); !domain.IsKind(err, domain.ErrChunkNotFound) {
		t.Fatalf("expected ErrChunkNotFound, got %v", err)
	}
}

func TestEnsureEmbeddingsOnlyEmbedsMissing(t *testing.T) {
	embedder := &embedderFake{}
	in := []domain.KnowledgeChunk{
		{ID: "a", Text: "abc", Embedding: []float32{9, 9}},
		{ID: "b", Text: "de"},
		{ID: "c", Text: "f"},
	}
	out, n, err := EnsureEmbeddings(context.Background(), embedder, in, 1)
	if err != nil {
		t.Fatalf("EnsureEmbeddings() error = %v", err)
	}
	if n != 2 || embedder.calls != 2 {
		t.Fatalf("expected 2 embedded in 2 batches, got n=%d calls=%d", n, embedder.calls)
	}
	if out[0].Embedding[0] != 9 || out[1].Embedding[0] != 2 || in[1].Embedding != nil {
		t.Fatalf("unexpected embeddings out=%+v in=%+v", out, in)
	}
}

func TestEnsureEmbeddingsPropagatesError(t *testing.T) {
	embedder := &embedderFake{err: errors.New("down")}
	_, _, err := EnsureEmbeddings(context.Background(), embedder, []domain.KnowledgeChunk{{ID: "a", Text: "x"}}, 4)
	if err == nil {
		t.Fatalf("expected embed error")
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.json")
	chunks := []domain.KnowledgeChunk{{ID: "a", Text: "x", Embedding: []float32{0.5}, SourceDocument: "s"}}
	if err := WriteFile(path, chunks); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	loaded, err := LoadPath(path)
	if err != nil {
		t.Fatalf("LoadPath() error = %v", err)
	}
	if len(loaded) != 1 || loaded[0].Embedding[0] != 0.5 {
		t.Fatalf("unexpected round trip %+v", loaded)
	}
}
