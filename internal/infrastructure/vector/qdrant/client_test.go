package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

func TestUpsertEnsuresCollectionOncePerVectorSize(t *testing.T) {
	var ensureCalls int32
	var ids []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/collections/hansen":
			atomic.AddInt32(&ensureCalls, 1)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/hansen/points":
			var body struct {
				Points []struct {
					ID      string         `json:"id"`
					Payload map[string]any `json:"payload"`
				} `json:"points"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode upsert: %v", err)
			}
			for _, p := range body.Points {
				ids = append(ids, p.ID)
			}
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "hansen", nil)
	chunks := []domain.KnowledgeChunk{
		{ID: "dose-1", Text: "a", Embedding: []float32{0.1, 0.2}},
		{ID: "dose-2", Text: "b", Embedding: []float32{0.3, 0.4}},
	}
	for i := 0; i < 2; i++ {
		if err := client.UpsertChunks(context.Background(), chunks); err != nil {
			t.Fatalf("UpsertChunks() error = %v", err)
		}
	}
	if got := atomic.LoadInt32(&ensureCalls); got != 1 {
		t.Fatalf("expected ensure collection called once, got %d", got)
	}
	if len(ids) != 4 || ids[0] != ids[2] || ids[0] != PointID("dose-1") {
		t.Fatalf("expected deterministic point ids, got %v", ids)
	}
}

func TestUpsertRejectsMixedDimensions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(server.URL, "hansen", nil)
	err := client.UpsertChunks(context.Background(), []domain.KnowledgeChunk{
		{ID: "a", Embedding: []float32{1, 0}},
		{ID: "b", Embedding: []float32{1}},
	})
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestNearestNeighborsClampsScores(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/collections/hansen/points/search" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"result":[
			{"score":0.91,"payload":{"chunk_id":"dose-1"}},
			{"score":-0.2,"payload":{"chunk_id":"faq-3"}},
			{"score":0.5,"payload":{}}
		]}`))
	}))
	defer server.Close()

	client := New(server.URL, "hansen", nil)
	got, err := client.NearestNeighbors(context.Background(), []float32{0.1, 0.2}, 5)
	if err != nil {
		t.Fatalf("NearestNeighbors() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected points without chunk id to be skipped, got %+v", got)
	}
	if got[0].ChunkID != "dose-1" || got[0].Score != 0.91 || got[1].Score != 0 {
		t.Fatalf("unexpected scores %+v", got)
	}
}

func TestFetchChunkMapsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/hansen/points/"+PointID("dose-1") {
			_, _ = w.Write([]byte(`{"result":{"payload":{"chunk_id":"dose-1","text":"Rifampicina 600 mg","section":"PQT-U","category":"dosing"}}}`))
			return
		}
		http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := New(server.URL, "hansen", nil)
	chunk, err := client.FetchChunk(context.Background(), "dose-1")
	if err != nil {
		t.Fatalf("FetchChunk() error = %v", err)
	}
	if chunk.Text != "Rifampicina 600 mg" || chunk.Category != "dosing" {
		t.Fatalf("unexpected chunk %+v", chunk)
	}

	_, err = client.FetchChunk(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrChunkNotFound) {
		t.Fatalf("expected ErrChunkNotFound, got %v", err)
	}
}

func TestEnsureCollectionIncludesResponseBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/collections/hansen" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := New(server.URL, "hansen", nil)
	err := client.UpsertChunks(context.Background(), []domain.KnowledgeChunk{{ID: "a", Embedding: []float32{0.1, 0.2}}})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to include body, got %v", err)
	}
}
