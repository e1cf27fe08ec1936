package domain

// KnowledgeChunk is an immutable unit of the knowledge base. It is produced
// offline and only read at request time.
type KnowledgeChunk struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	Embedding      []float32 `json:"embedding,omitempty"`
	SourceDocument string    `json:"source_document"`
	Section        string    `json:"section,omitempty"`
	Category       string    `json:"category,omitempty"`
}

// Chunk categories used by the corpus.
const (
	CategoryDosing   = "dosing"
	CategoryProtocol = "protocol"
	CategoryFAQ      = "faq"
)

// ChunkScore is a nearest-neighbour hit as reported by an index, before the
// chunk body is fetched.
type ChunkScore struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

type ScoredChunk struct {
	Chunk KnowledgeChunk `json:"chunk"`
	Score float64        `json:"score"`
}

// RetrievalStrategy records which path produced a RetrievalResult.
type RetrievalStrategy string

const (
	StrategyInMemory RetrievalStrategy = "in_memory"
	StrategyIndex    RetrievalStrategy = "index"
	StrategyLexical  RetrievalStrategy = "lexical"
)

// RetrievalResult is ordered by descending score and capped at top-K.
// Every score lies in [0,1].
type RetrievalResult struct {
	Chunks         []ScoredChunk     `json:"chunks"`
	BelowThreshold bool              `json:"below_threshold"`
	Strategy       RetrievalStrategy `json:"strategy"`
	// IndexFallback is set when the external index failed and the in-memory
	// scan served the request instead.
	IndexFallback bool `json:"index_fallback,omitempty"`
}

func (r RetrievalResult) ChunkIDs() []string {
	ids := make([]string, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		ids = append(ids, c.Chunk.ID)
	}
	return ids
}

func (r RetrievalResult) TopScore() float64 {
	if len(r.Chunks) == 0 {
		return 0
	}
	return r.Chunks[0].Score
}

// ClampScore maps a raw similarity into [0,1].
func ClampScore(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
