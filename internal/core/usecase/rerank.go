package usecase

import (
	"sort"
	"strings"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

// rerankCandidates blends the normalized semantic score with query/passage
// token overlap and a section or category hit. Output scores stay in [0,1].
func rerankCandidates(query string, candidates []domain.ScoredChunk, topN int) []domain.ScoredChunk {
	if len(candidates) == 0 {
		return candidates
	}
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}

	head := make([]domain.ScoredChunk, topN)
	copy(head, candidates[:topN])
	queryTokens := toTokenSet(query)

	minScore := head[0].Score
	maxScore := head[0].Score
	for _, c := range head[1:] {
		if c.Score < minScore {
			minScore = c.Score
		}
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}

	rangeScore := maxScore - minScore
	normalize := func(v float64) float64 {
		if rangeScore <= 0 {
			return v
		}
		return (v - minScore) / rangeScore
	}

	for i := range head {
		semantic := normalize(head[i].Score)
		overlap := tokenOverlap(queryTokens, toTokenSet(head[i].Chunk.Text))
		labelBoost := labelTokenHit(queryTokens, head[i].Chunk.Section+" "+head[i].Chunk.Category)
		head[i].Score = domain.ClampScore(0.60*semantic + 0.30*overlap + 0.10*labelBoost)
	}

	sortScored(head)

	if topN == len(candidates) {
		return head
	}
	out := make([]domain.ScoredChunk, 0, len(candidates))
	out = append(out, head...)
	out = append(out, candidates[topN:]...)
	return out
}

func labelTokenHit(query map[string]struct{}, label string) float64 {
	label = strings.TrimSpace(label)
	if len(query) == 0 || label == "" {
		return 0
	}
	labelTokens := toTokenSet(label)
	for token := range query {
		if _, ok := labelTokens[token]; ok {
			return 1
		}
	}
	return 0
}

// sortScored orders by descending score, then chunk id, so equal inputs
// always produce the same ranking.
func sortScored(chunks []domain.ScoredChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].Chunk.ID < chunks[j].Chunk.ID
	})
}
