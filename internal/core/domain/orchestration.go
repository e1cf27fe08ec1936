package domain

import "time"

type OrchestrationRequest struct {
	RawQuery       string    `json:"query"`
	PersonaID      PersonaID `json:"persona"`
	ClientIdentity string    `json:"client_id"`
}

type OrchestrationResponse struct {
	AnswerText      string          `json:"answer"`
	PersonaID       PersonaID       `json:"persona"`
	CitedSources    []string        `json:"cited_sources"`
	ServedFromCache bool            `json:"served_from_cache"`
	DegradedMode    bool            `json:"degraded_mode"`
	LatencyMs       int64           `json:"latency_ms"`
	Outcome         OutcomeKind     `json:"outcome"`
	Reasons         []OutcomeReason `json:"reasons,omitempty"`
}

// OutcomeKind tags how a request left the pipeline.
type OutcomeKind string

const (
	OutcomeSuccess  OutcomeKind = "success"
	OutcomeDegraded OutcomeKind = "degraded"
	OutcomeRejected OutcomeKind = "rejected"
)

type OutcomeReason string

const (
	ReasonScopeRejected        OutcomeReason = "scope_rejected"
	ReasonPostScopeRejected    OutcomeReason = "post_scope_rejected"
	ReasonBelowThreshold       OutcomeReason = "retrieval_below_threshold"
	ReasonNoKnowledge          OutcomeReason = "no_knowledge"
	ReasonEmbeddingUnavailable OutcomeReason = "embedding_unavailable"
	ReasonIndexUnavailable     OutcomeReason = "index_unavailable"
	ReasonProvidersExhausted   OutcomeReason = "providers_exhausted"
	ReasonSynthesisValidation  OutcomeReason = "synthesis_validation_failed"
	ReasonInternal             OutcomeReason = "internal_error"
	ReasonCancelled            OutcomeReason = "cancelled"
)

// Outcome is threaded through the orchestrator stages. Success carries no
// reasons, Degraded carries one or more, Rejected carries exactly the
// rejection reason.
type Outcome struct {
	Kind    OutcomeKind
	Reasons []OutcomeReason
}

func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

func Rejected(reason OutcomeReason) Outcome {
	return Outcome{Kind: OutcomeRejected, Reasons: []OutcomeReason{reason}}
}

// Degrade adds a reason. A rejected outcome stays rejected.
func (o Outcome) Degrade(reason OutcomeReason) Outcome {
	for _, r := range o.Reasons {
		if r == reason {
			return o
		}
	}
	reasons := make([]OutcomeReason, 0, len(o.Reasons)+1)
	reasons = append(reasons, o.Reasons...)
	reasons = append(reasons, reason)
	kind := o.Kind
	if kind != OutcomeRejected {
		kind = OutcomeDegraded
	}
	return Outcome{Kind: kind, Reasons: reasons}
}

func (o Outcome) IsDegraded() bool {
	return o.Kind != OutcomeSuccess
}

func (o Outcome) Has(reason OutcomeReason) bool {
	for _, r := range o.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// CacheEntry is the unit stored in either cache namespace.
type CacheEntry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	TTL       time.Duration
}

func (e CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.CreatedAt.Add(e.TTL))
}

// CachedAnswer is the payload of the response namespace.
type CachedAnswer struct {
	AnswerText   string          `json:"answer"`
	PersonaID    PersonaID       `json:"persona"`
	CitedSources []string        `json:"cited_sources"`
	Reasons      []OutcomeReason `json:"reasons,omitempty"`
}
