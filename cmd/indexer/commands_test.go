package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/hansen-persona-rag/internal/config"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/knowledge"
)

func TestEmbedCommandFillsMissingVectors(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		requests++
		var body struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		vectors := make([][]float32, len(body.Input))
		for i := range vectors {
			vectors[i] = []float32{0.5, 0.5}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors})
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "corpus.json")
	corpus := `{"chunks":[
		{"id":"a","text":"Rifampicina 600 mg mensal.","source_document":"pcdt","embedding":[1,0]},
		{"id":"b","text":"Clofazimina 50 mg diaria.","source_document":"pcdt"}
	]}`
	if err := os.WriteFile(path, []byte(corpus), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}

	cfg := config.Config{KnowledgePath: path, OllamaURL: server.URL, OllamaEmbedModel: "nomic-embed-text"}
	cmd := newRootCommand(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cmd.SetArgs([]string{"embed"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("embed: %v", err)
	}

	chunks, err := knowledge.LoadPath(path)
	if err != nil {
		t.Fatalf("reload corpus: %v", err)
	}
	if requests != 1 {
		t.Fatalf("expected one embed request, got %d", requests)
	}
	if len(chunks[0].Embedding) != 2 || chunks[0].Embedding[0] != 1 {
		t.Fatalf("expected existing embedding kept, got %v", chunks[0].Embedding)
	}
	if len(chunks[1].Embedding) != 2 {
		t.Fatalf("expected missing embedding filled, got %v", chunks[1].Embedding)
	}
}

func TestEmbedCommandRequiresOutputForDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.json"), []byte(`[{"id":"a","text":"x","source_document":"d"}]`), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	cmd := newRootCommand(config.Config{KnowledgePath: dir}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cmd.SetArgs([]string{"embed"})
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--output") {
		t.Fatalf("expected --output error, got %v", err)
	}
}

func TestUpsertCommandRejectsUnembeddedChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.json")
	if err := os.WriteFile(path, []byte(`[{"id":"a","text":"x","source_document":"d"}]`), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	cmd := newRootCommand(config.Config{KnowledgePath: path, VectorIndex: "qdrant"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cmd.SetArgs([]string{"upsert"})
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "run embed first") {
		t.Fatalf("expected missing embedding error, got %v", err)
	}
}

func TestUpsertCommandRejectsMissingIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.json")
	if err := os.WriteFile(path, []byte(`[{"id":"a","text":"x","source_document":"d","embedding":[1]}]`), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	cmd := newRootCommand(config.Config{KnowledgePath: path, VectorIndex: "none"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cmd.SetArgs([]string{"upsert"})
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error without a vector index")
	}
}

func TestImportCommandWritesCorpus(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "pcdt.md")
	if err := os.WriteFile(doc, []byte("# Dose\nRifampicina 600 mg mensal supervisionada.\n"), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	out := filepath.Join(dir, "corpus.json")

	cmd := newRootCommand(config.Config{KnowledgePath: out}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cmd.SetArgs([]string{"import", "--category", "dosing", doc})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("import: %v", err)
	}

	chunks, err := knowledge.LoadPath(out)
	if err != nil {
		t.Fatalf("load imported corpus: %v", err)
	}
	if len(chunks) != 1 || chunks[0].ID != "pcdt-1" || chunks[0].Section != "Dose" || chunks[0].Category != "dosing" {
		t.Fatalf("unexpected imported chunks %+v", chunks)
	}
}
