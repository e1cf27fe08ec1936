package usecase

import (
	"os"
	"path/filepath"
	"testing"
)

func newDefaultScopeGuard(t *testing.T) *ScopeGuard {
	t.Helper()
	cfg, err := LoadScopeConfig("")
	if err != nil {
		t.Fatalf("load default exemplars: %v", err)
	}
	guard, err := NewScopeGuard(cfg)
	if err != nil {
		t.Fatalf("new scope guard: %v", err)
	}
	return guard
}

func TestScopeGuardAcceptsDomainQueries(t *testing.T) {
	guard := newDefaultScopeGuard(t)
	for _, q := range []string{
		"Qual a dose de rifampicina para paciente de 30kg?",
		"A hanseníase tem cura?",
		"Posso tomar os remédios com leite?",
		"Como funciona a PQT?",
	} {
		if d := guard.CheckQuery(q); !d.InScope {
			t.Fatalf("expected %q in scope, got %+v", q, d)
		}
	}
}

func TestScopeGuardRejectsOffDomainQueries(t *testing.T) {
	guard := newDefaultScopeGuard(t)
	for _, q := range []string{
		"Qual a previsão do tempo para amanhã?",
		"Me passa uma receita de bolo",
		"Qual a dosagem de insulina para diabetes?",
		"   ",
	} {
		if d := guard.CheckQuery(q); d.InScope {
			t.Fatalf("expected %q out of scope, got %+v", q, d)
		}
	}
}

func TestScopeGuardCheckAnswer(t *testing.T) {
	guard := newDefaultScopeGuard(t)

	if d := guard.CheckAnswer("A rifampicina é administrada em dose mensal supervisionada [C1]."); !d.InScope {
		t.Fatalf("expected safe answer to pass, got %+v", d)
	}
	if d := guard.CheckAnswer("Pelos sintomas, você tem hanseníase e a cura garantida."); d.InScope || d.Reason != scopeReasonUnsafe {
		t.Fatalf("expected unsafe rejection, got %+v", d)
	}
	if d := guard.CheckAnswer("Para investir na bolsa de valores, diversifique."); d.InScope || d.Reason != scopeReasonOffTopic {
		t.Fatalf("expected off-topic rejection, got %+v", d)
	}
}

func TestLoadScopeConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.yaml")
	content := "keywords:\n  - tuberculose\nin_scope:\n  - dose de isoniazida\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadScopeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	guard, err := NewScopeGuard(cfg)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if !guard.CheckQuery("Tratamento da tuberculose").InScope {
		t.Fatalf("expected custom keyword to match")
	}
	if guard.CheckQuery("rifampicina na hanseníase").InScope {
		t.Fatalf("expected default keywords to be replaced")
	}
}

func TestLoadScopeConfigRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.yaml")
	if err := os.WriteFile(path, []byte("min_similarity: 0.3\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadScopeConfig(path); err == nil {
		t.Fatalf("expected error for empty exemplar file")
	}
}

func TestNewScopeGuardRejectsBadPattern(t *testing.T) {
	if _, err := NewScopeGuard(ScopeConfig{Keywords: []string{"x"}, UnsafePatterns: []string{"("}}); err == nil {
		t.Fatalf("expected regex compile error")
	}
}
