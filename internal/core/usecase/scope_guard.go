package usecase

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed scope_exemplars.yaml
var defaultScopeYAML []byte

// ScopeConfig is the curated classifier data, usually loaded from YAML.
type ScopeConfig struct {
	MinSimilarity  float64  `yaml:"min_similarity"`
	Keywords       []string `yaml:"keywords"`
	InScope        []string `yaml:"in_scope"`
	OutOfScope     []string `yaml:"out_of_scope"`
	UnsafePatterns []string `yaml:"unsafe_patterns"`
}

// LoadScopeConfig reads exemplars from path, or the built-in set when path
// is empty.
func LoadScopeConfig(path string) (ScopeConfig, error) {
	raw := defaultScopeYAML
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return ScopeConfig{}, fmt.Errorf("read scope exemplars: %w", err)
		}
		raw = data
	}
	var cfg ScopeConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return ScopeConfig{}, fmt.Errorf("parse scope exemplars: %w", err)
	}
	if len(cfg.Keywords) == 0 && len(cfg.InScope) == 0 {
		return ScopeConfig{}, fmt.Errorf("scope exemplars: no keywords or in-scope exemplars")
	}
	return cfg, nil
}

type ScopeDecision struct {
	InScope bool
	Reason  string
	Score   float64
}

const (
	scopeReasonKeyword  = "keyword"
	scopeReasonExemplar = "exemplar"
	scopeReasonEmpty    = "empty"
	scopeReasonOutside  = "out_of_scope"
	scopeReasonUnsafe   = "unsafe_content"
	scopeReasonOffTopic = "off_topic"
)

// ScopeGuard is a local classifier: keyword prefixes plus token similarity
// against curated exemplars. It never performs I/O.
type ScopeGuard struct {
	minSimilarity float64
	keywords      [][]string
	inScope       []map[string]struct{}
	outOfScope    []map[string]struct{}
	unsafe        []*regexp.Regexp
}

func NewScopeGuard(cfg ScopeConfig) (*ScopeGuard, error) {
	g := &ScopeGuard{minSimilarity: cfg.MinSimilarity}
	if g.minSimilarity <= 0 || g.minSimilarity > 1 {
		g.minSimilarity = 0.2
	}
	for _, keyword := range cfg.Keywords {
		if tokens := tokenize(keyword); len(tokens) > 0 {
			g.keywords = append(g.keywords, tokens)
		}
	}
	for _, exemplar := range cfg.InScope {
		if set := toTokenSet(exemplar); len(set) > 0 {
			g.inScope = append(g.inScope, set)
		}
	}
	for _, exemplar := range cfg.OutOfScope {
		if set := toTokenSet(exemplar); len(set) > 0 {
			g.outOfScope = append(g.outOfScope, set)
		}
	}
	for _, pattern := range cfg.UnsafePatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("compile unsafe pattern %q: %w", pattern, err)
		}
		g.unsafe = append(g.unsafe, re)
	}
	return g, nil
}

// CheckQuery is the pre-retrieval checkpoint.
func (g *ScopeGuard) CheckQuery(query string) ScopeDecision {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return ScopeDecision{Reason: scopeReasonEmpty}
	}
	if g.hasKeyword(tokens) {
		return ScopeDecision{InScope: true, Reason: scopeReasonKeyword, Score: 1}
	}

	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	bestIn := bestSimilarity(set, g.inScope, jaccard)
	bestOut := bestSimilarity(set, g.outOfScope, jaccard)
	if bestIn >= g.minSimilarity && bestIn > bestOut {
		return ScopeDecision{InScope: true, Reason: scopeReasonExemplar, Score: bestIn}
	}
	return ScopeDecision{Reason: scopeReasonOutside, Score: bestOut}
}

// CheckAnswer is the post-generation safety net over the final text.
func (g *ScopeGuard) CheckAnswer(answer string) ScopeDecision {
	for _, re := range g.unsafe {
		if re.MatchString(answer) {
			return ScopeDecision{Reason: scopeReasonUnsafe, Score: 1}
		}
	}

	tokens := tokenize(answer)
	if g.hasKeyword(tokens) {
		return ScopeDecision{InScope: true, Reason: scopeReasonKeyword, Score: 1}
	}
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	// Long answers dilute jaccard, so measure how much of each exemplar the
	// answer covers instead.
	covers := func(answer, exemplar map[string]struct{}) float64 { return tokenOverlap(exemplar, answer) }
	bestIn := bestSimilarity(set, g.inScope, covers)
	bestOut := bestSimilarity(set, g.outOfScope, covers)
	if bestOut >= 0.6 && bestOut > bestIn {
		return ScopeDecision{Reason: scopeReasonOffTopic, Score: bestOut}
	}
	return ScopeDecision{InScope: true, Reason: scopeReasonExemplar, Score: bestIn}
}

func (g *ScopeGuard) hasKeyword(tokens []string) bool {
	for _, keyword := range g.keywords {
		if containsAllPrefixes(tokens, keyword) {
			return true
		}
	}
	return false
}

func containsAllPrefixes(tokens, prefixes []string) bool {
	for _, prefix := range prefixes {
		found := false
		for _, token := range tokens {
			if strings.HasPrefix(token, prefix) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func bestSimilarity(
	set map[string]struct{},
	exemplars []map[string]struct{},
	score func(a, b map[string]struct{}) float64,
) float64 {
	best := 0.0
	for _, exemplar := range exemplars {
		if s := score(set, exemplar); s > best {
			best = s
		}
	}
	return best
}
