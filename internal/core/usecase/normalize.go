package usecase

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeQuery is the canonical form used for cache keys and embedding
// input: lowercase, trimmed, inner whitespace collapsed. Accents are kept
// because the embedder understands them.
func NormalizeQuery(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

var stopwords = map[string]struct{}{
	"a": {}, "o": {}, "as": {}, "os": {}, "ao": {}, "aos": {},
	"de": {}, "da": {}, "do": {}, "das": {}, "dos": {},
	"e": {}, "em": {}, "no": {}, "na": {}, "nos": {}, "nas": {},
	"um": {}, "uma": {}, "uns": {}, "umas": {},
	"para": {}, "pra": {}, "por": {}, "com": {}, "sem": {},
	"que": {}, "qual": {}, "quais": {}, "se": {}, "ou": {}, "como": {},
	"meu": {}, "minha": {}, "seu": {}, "sua": {}, "eu": {}, "voce": {},
	"ser": {}, "sao": {}, "esta": {}, "isso": {}, "este": {}, "essa": {},
	"the": {}, "of": {}, "and": {}, "is": {}, "to": {}, "for": {},
}

// tokenize folds accents, lowercases and splits on anything that is not a
// letter or digit. Stopwords and one-letter tokens are dropped, numbers kept.
func tokenize(s string) []string {
	if s == "" {
		return nil
	}
	s = foldAccents(strings.ToLower(s))

	tokens := make([]string, 0, 16)
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		token := b.String()
		b.Reset()
		if _, stop := stopwords[token]; stop {
			return
		}
		if len(token) < 2 && !isDigits(token) {
			return
		}
		tokens = append(tokens, stem(token))
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}

// stem drops a plural "s" so "doses" and "dose" meet.
func stem(token string) string {
	if len(token) > 4 && strings.HasSuffix(token, "s") && !isDigits(token) {
		return token[:len(token)-1]
	}
	return token
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func toTokenSet(s string) map[string]struct{} {
	tokens := tokenize(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

// tokenOverlap is the share of query tokens present in the other set.
func tokenOverlap(query, other map[string]struct{}) float64 {
	if len(query) == 0 || len(other) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := other[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

// jaccard is the symmetric overlap of two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for token := range a {
		if _, ok := b[token]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
