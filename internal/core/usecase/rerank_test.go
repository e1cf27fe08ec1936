package usecase

import (
	"testing"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

func TestRerankCandidatesChangesOrder(t *testing.T) {
	candidates := []domain.ScoredChunk{
		{Chunk: domain.KnowledgeChunk{ID: "c0", Text: "outro assunto"}, Score: 0.50},
		{Chunk: domain.KnowledgeChunk{ID: "c1", Text: "texto sem relacao", Section: "Historia"}, Score: 0.95},
		{Chunk: domain.KnowledgeChunk{ID: "c2", Text: "dose de rifampicina mensal supervisionada", Section: "Dose"}, Score: 0.93},
	}

	reranked := rerankCandidates("dose rifampicina", candidates, 3)
	if len(reranked) != 3 {
		t.Fatalf("expected 3 reranked candidates, got %d", len(reranked))
	}
	if reranked[0].Chunk.ID != "c2" {
		t.Fatalf("expected c2 first after rerank, got %s", reranked[0].Chunk.ID)
	}
	for _, c := range reranked {
		if c.Score < 0 || c.Score > 1 {
			t.Fatalf("expected score in [0,1], got %f", c.Score)
		}
	}
}

func TestRerankCandidatesKeepsTailOrder(t *testing.T) {
	candidates := []domain.ScoredChunk{
		{Chunk: domain.KnowledgeChunk{ID: "a", Text: "x"}, Score: 0.9},
		{Chunk: domain.KnowledgeChunk{ID: "b", Text: "y"}, Score: 0.8},
		{Chunk: domain.KnowledgeChunk{ID: "c", Text: "z"}, Score: 0.7},
	}
	out := rerankCandidates("w", candidates, 2)
	if out[2].Chunk.ID != "c" || out[2].Score != 0.7 {
		t.Fatalf("expected untouched tail, got %+v", out[2])
	}
}

func TestRerankCandidatesHandlesEmptyInput(t *testing.T) {
	out := rerankCandidates("dose", nil, 10)
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %d", len(out))
	}
}

func TestTokenizeFoldsAccentsAndDropsStopwords(t *testing.T) {
	tokens := tokenize("Qual a dose de Rifampicina para paciente de 30kg?")
	want := []string{"dose", "rifampicina", "paciente", "30kg"}
	if len(tokens) != len(want) {
		t.Fatalf("expected %v, got %v", want, tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, tokens)
		}
	}

	folded := tokenize("Hanseníase reação")
	if folded[0] != "hanseniase" || folded[1] != "reacao" {
		t.Fatalf("expected accent folding, got %v", folded)
	}
}

func TestNormalizeQuery(t *testing.T) {
	if got := NormalizeQuery("  Qual   a DOSE\tde PQT? "); got != "qual a dose de pqt?" {
		t.Fatalf("unexpected normalized query %q", got)
	}
}
