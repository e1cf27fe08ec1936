package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

func TestSplitterOverlapsAndPrefersSentenceEnd(t *testing.T) {
	s := NewSplitter(40, 10)
	text := "Rifampicina dose mensal supervisionada. Clofazimina dose diaria autoadministrada. Fim."
	parts := s.Split(text)
	if len(parts) < 2 {
		t.Fatalf("expected several parts, got %v", parts)
	}
	if !strings.HasSuffix(parts[0], ".") {
		t.Fatalf("expected first part to end at a sentence, got %q", parts[0])
	}
	for _, p := range parts {
		if len([]rune(p)) > 40 {
			t.Fatalf("part exceeds chunk size: %q", p)
		}
	}
	if !strings.HasSuffix(parts[len(parts)-1], "Fim.") {
		t.Fatalf("expected text tail preserved, got %q", parts[len(parts)-1])
	}
}

func TestSplitterNormalizesOptions(t *testing.T) {
	s := NewSplitter(0, 2000)
	if s.ChunkSize != 900 || s.Overlap != 225 {
		t.Fatalf("unexpected splitter %+v", s)
	}
	if got := s.Split("   "); got != nil {
		t.Fatalf("expected nil for blank text, got %v", got)
	}
}

func TestImportTextTracksSections(t *testing.T) {
	doc := "# Dose\nRifampicina 600 mg mensal.\n\n## Efeitos adversos\nUrina avermelhada e esperada.\n"
	chunks, err := ImportText(doc, ImportOptions{SourceDocument: "pcdt", Category: domain.CategoryDosing})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].ID != "pcdt-1" || chunks[0].Section != "Dose" || chunks[1].Section != "Efeitos adversos" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	if chunks[1].Category != domain.CategoryDosing || chunks[1].SourceDocument != "pcdt" {
		t.Fatalf("expected metadata on every chunk, got %+v", chunks[1])
	}
	if err := Validate(chunks); err != nil {
		t.Fatalf("imported chunks must validate: %v", err)
	}
}

func TestImportTextRejectsInvalidInput(t *testing.T) {
	if _, err := ImportText("\xff\xfe", ImportOptions{SourceDocument: "bin"}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for binary text, got %v", err)
	}
	if _, err := ImportText("texto", ImportOptions{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input without source, got %v", err)
	}
}

func TestImportFileDefaultsSourceToFileName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guia-paciente.md")
	if err := os.WriteFile(path, []byte("Tome o remedio todos os dias."), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	chunks, err := ImportFile(path, ImportOptions{})
	if err != nil {
		t.Fatalf("import file: %v", err)
	}
	if len(chunks) != 1 || chunks[0].SourceDocument != "guia-paciente" || chunks[0].ID != "guia-paciente-1" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}
