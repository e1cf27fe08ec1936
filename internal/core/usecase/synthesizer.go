package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
	"github.com/kirillkom/hansen-persona-rag/internal/core/ports"
)

var (
	citationMarker = regexp.MustCompile(`\[C(\d+)\]`)
	numberPattern  = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	// Only used to quote the unit alongside a rejected number.
	numericClaim = regexp.MustCompile(`(?i)^\d+(?:[.,]\d+)?\s*(mg/kg|mg|mcg|µg|kg|g|ml|ui|comprimidos?|c[aá]psulas?|gotas|blisters?|doses?)\b`)
)

// Synthesis is a validated persona answer.
type Synthesis struct {
	Text         string
	CitedSources []string
	Provider     string
	Attempts     int
	Regenerated  bool
	Generated    bool
}

// Synthesizer turns retrieved passages into a persona prompt, calls the
// generator and validates what comes back.
type Synthesizer struct {
	generator  ports.Generator
	params     domain.GenerationParams
	disallowed map[domain.PersonaID][]*regexp.Regexp
}

func NewSynthesizer(generator ports.Generator, params domain.GenerationParams, personas Personas) (*Synthesizer, error) {
	s := &Synthesizer{
		generator:  generator,
		params:     params,
		disallowed: make(map[domain.PersonaID][]*regexp.Regexp, len(personas)),
	}
	for id, profile := range personas {
		for _, pattern := range profile.Disallowed {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return nil, fmt.Errorf("persona %s: compile disallowed pattern %q: %w", id, pattern, err)
			}
			s.disallowed[id] = append(s.disallowed[id], re)
		}
	}
	return s, nil
}

// BuildPrompt renders the generation request. strict is used for the single
// regeneration after a rejected draft.
func (s *Synthesizer) BuildPrompt(
	profile domain.PersonaProfile,
	query string,
	result domain.RetrievalResult,
	strict bool,
) string {
	var b strings.Builder
	b.WriteString(profile.Instructions)
	b.WriteString("\n\nRegras:\n")
	b.WriteString("- Use somente as informações dos trechos abaixo.\n")
	b.WriteString("- Não invente doses, valores ou unidades. Todo número deve aparecer nos trechos.\n")
	b.WriteString("- Não faça diagnósticos nem prometa resultados.\n")
	if profile.RequireCitations {
		b.WriteString("- Toda resposta deve citar ao menos um trecho com o marcador [C1], [C2] etc.\n")
	} else {
		b.WriteString("- Quando usar um trecho, indique o marcador correspondente, por exemplo [C1].\n")
	}
	fmt.Fprintf(&b, "- Responda com no máximo %d palavras.\n", profile.MaxWords)
	if result.BelowThreshold {
		b.WriteString("- Os trechos têm baixa correspondência com a pergunta. Diga claramente quando a resposta não estiver nos trechos.\n")
	}
	if strict {
		b.WriteString("- ATENÇÃO: a resposta anterior foi descartada por violar estas regras. ")
		b.WriteString("Copie os números exatamente como aparecem nos trechos e cite cada afirmação.\n")
	}

	b.WriteString("\nTrechos:\n")
	for i, c := range result.Chunks {
		fmt.Fprintf(&b, "[C%d] (fonte: %s", i+1, c.Chunk.SourceDocument)
		if c.Chunk.Section != "" {
			fmt.Fprintf(&b, ", seção: %s", c.Chunk.Section)
		}
		b.WriteString(") ")
		b.WriteString(strings.TrimSpace(c.Chunk.Text))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nPergunta: %s\nResposta:", strings.TrimSpace(query))
	return b.String()
}

// Answer generates and validates a draft, regenerating once with a stricter
// prompt. Generator errors are returned unchanged. A second validation
// failure yields the persona decline with domain.ErrSynthesisValidationFailed.
func (s *Synthesizer) Answer(
	ctx context.Context,
	profile domain.PersonaProfile,
	query string,
	result domain.RetrievalResult,
) (Synthesis, error) {
	// The low-confidence note is prepended later and counts against the bound.
	bound := profile
	if result.BelowThreshold && profile.LowConfidenceNote != "" {
		bound.MaxWords = max(profile.MaxWords-len(strings.Fields(profile.LowConfidenceNote)), 1)
	}

	var lastErr error
	attempts := 0
	for round := 0; round < 2; round++ {
		strict := round > 0
		params := s.params
		if strict {
			params.Temperature = 0
		}

		generation, err := s.generator.Generate(ctx, s.BuildPrompt(bound, query, result, strict), params)
		if err != nil {
			return Synthesis{}, err
		}
		attempts += generation.Attempts

		text, cited, err := s.Validate(bound, query, result, generation.Text)
		if err == nil {
			return Synthesis{
				Text:         text,
				CitedSources: cited,
				Provider:     generation.Provider,
				Attempts:     attempts,
				Regenerated:  strict,
				Generated:    true,
			}, nil
		}
		lastErr = err
		slog.Warn("synthesis_validation_failed",
			"persona", string(profile.ID),
			"provider", generation.Provider,
			"strict", strict,
			"error", err,
		)
	}
	return Synthesis{Text: profile.DeclineMessage, Attempts: attempts},
		domain.WrapError(domain.ErrSynthesisValidationFailed, "synthesize", lastErr)
}

// Validate post-processes raw model output. It strips disallowed sentences
// and unknown citation markers, rejects any number absent from the passages
// and query, and truncates to the persona bound keeping cited markers.
func (s *Synthesizer) Validate(
	profile domain.PersonaProfile,
	query string,
	result domain.RetrievalResult,
	raw string,
) (string, []string, error) {
	sentences := splitSentences(raw)
	kept := sentences[:0]
	for _, sentence := range sentences {
		if !s.isDisallowed(profile.ID, sentence) {
			kept = append(kept, sentence)
		}
	}
	text := strings.Join(kept, " ")

	text = citationMarker.ReplaceAllStringFunc(text, func(marker string) string {
		n, err := strconv.Atoi(citationMarker.FindStringSubmatch(marker)[1])
		if err != nil || n < 1 || n > len(result.Chunks) {
			return ""
		}
		return marker
	})
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", nil, errors.New("empty answer after filtering")
	}

	if claim, ok := unsupportedClaim(text, query, result); ok {
		return "", nil, fmt.Errorf("unsupported numeric claim %q", claim)
	}

	text = truncateAnswer(text, profile.MaxWords)
	cited := citedChunkIDs(text, result)
	if profile.RequireCitations && len(cited) == 0 {
		return "", nil, errors.New("answer cites no retrieved passage")
	}
	return text, cited, nil
}

// Fallback is the deterministic extractive answer used when no provider can
// generate. It quotes passages verbatim so it cannot invent numbers.
func Fallback(profile domain.PersonaProfile, result domain.RetrievalResult) Synthesis {
	if len(result.Chunks) == 0 {
		return Synthesis{Text: profile.DeclineMessage}
	}
	n := len(result.Chunks)
	if n > 3 {
		n = 3
	}
	budget := profile.MaxWords - len(strings.Fields(profile.FallbackPreamble))
	if budget < n*10 {
		budget = n * 10
	}
	perPassage := budget / n

	var b strings.Builder
	b.WriteString(profile.FallbackPreamble)
	cited := make([]string, 0, n)
	for i := 0; i < n; i++ {
		chunk := result.Chunks[i].Chunk
		fmt.Fprintf(&b, "\n- %s [C%d]", truncateWords(strings.TrimSpace(chunk.Text), perPassage-1), i+1)
		cited = append(cited, chunk.ID)
	}
	return Synthesis{Text: b.String(), CitedSources: cited}
}

func (s *Synthesizer) isDisallowed(persona domain.PersonaID, sentence string) bool {
	for _, re := range s.disallowed[persona] {
		if re.MatchString(sentence) {
			return true
		}
	}
	return false
}

func unsupportedClaim(text, query string, result domain.RetrievalResult) (string, bool) {
	text = citationMarker.ReplaceAllString(text, " ")
	claims := numberPattern.FindAllStringIndex(text, -1)
	if len(claims) == 0 {
		return "", false
	}
	evidence := make(map[string]struct{})
	addNumbers := func(s string) {
		for _, n := range numberPattern.FindAllString(s, -1) {
			evidence[canonicalNumber(n)] = struct{}{}
		}
	}
	addNumbers(query)
	for _, c := range result.Chunks {
		addNumbers(c.Chunk.Text)
	}
	for _, loc := range claims {
		if _, ok := evidence[canonicalNumber(text[loc[0]:loc[1]])]; ok {
			continue
		}
		if withUnit := numericClaim.FindString(text[loc[0]:]); withUnit != "" {
			return withUnit, true
		}
		return text[loc[0]:loc[1]], true
	}
	return "", false
}

func canonicalNumber(n string) string {
	n = strings.ReplaceAll(n, ",", ".")
	if strings.Contains(n, ".") {
		n = strings.TrimRight(strings.TrimRight(n, "0"), ".")
	}
	n = strings.TrimLeft(n, "0")
	if n == "" || strings.HasPrefix(n, ".") {
		n = "0" + n
	}
	return n
}

func citedChunkIDs(text string, result domain.RetrievalResult) []string {
	matches := citationMarker.FindAllStringSubmatch(text, -1)
	seen := make(map[int]struct{}, len(matches))
	cited := make([]string, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(result.Chunks) {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		cited = append(cited, result.Chunks[n-1].Chunk.ID)
	}
	return cited
}

// splitSentences cuts after terminal punctuation followed by whitespace and
// after newlines. Decimal points stay inside their sentence.
func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i, r := range runes {
		cut := r == '\n'
		if r == '.' || r == '!' || r == '?' {
			cut = i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t'
		}
		if !cut {
			continue
		}
		if sentence := strings.TrimSpace(string(runes[start : i+1])); sentence != "" {
			out = append(out, sentence)
		}
		start = i + 1
	}
	if start < len(runes) {
		if sentence := strings.TrimSpace(string(runes[start:])); sentence != "" {
			out = append(out, sentence)
		}
	}
	return out
}

// truncateAnswer is truncateWords that carries citation markers from the cut
// tail over to the end, so a trailing [C1] survives.
func truncateAnswer(text string, maxWords int) string {
	words := strings.Fields(text)
	if maxWords <= 0 || len(words) <= maxWords {
		return strings.Join(words, " ")
	}
	keep := maxWords
	var carried []string
	for {
		carried = droppedMarkers(words[:keep], words[keep:])
		next := max(maxWords-len(carried), 1)
		if next >= keep {
			break
		}
		keep = next
	}
	out := strings.Join(words[:keep], " ") + "…"
	if len(carried) > 0 {
		out += " " + strings.Join(carried, " ")
	}
	return out
}

func droppedMarkers(head, tail []string) []string {
	present := make(map[string]struct{})
	for _, word := range head {
		for _, m := range citationMarker.FindAllString(word, -1) {
			present[m] = struct{}{}
		}
	}
	var dropped []string
	for _, word := range tail {
		for _, m := range citationMarker.FindAllString(word, -1) {
			if _, ok := present[m]; ok {
				continue
			}
			present[m] = struct{}{}
			dropped = append(dropped, m)
		}
	}
	return dropped
}

func truncateWords(text string, maxWords int) string {
	if maxWords <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:maxWords], " ") + "…"
}
