package domain

import "time"

type EventKind string

const (
	EventProviderCall   EventKind = "provider_call"
	EventProviderSkip   EventKind = "provider_skipped"
	EventCircuitChange  EventKind = "circuit_state_change"
	EventCacheLookup    EventKind = "cache_lookup"
	EventDegradedMode   EventKind = "degraded_mode"
	EventScopeRejection EventKind = "scope_rejection"
	EventRateLimited    EventKind = "rate_limited"
	EventAnswer         EventKind = "answer"
)

// Event is a classified observability record. Unused fields stay zero.
type Event struct {
	Kind      EventKind     `json:"kind"`
	Time      time.Time     `json:"time"`
	RequestID string        `json:"request_id,omitempty"`
	Persona   PersonaID     `json:"persona,omitempty"`
	Provider  string        `json:"provider,omitempty"`
	Namespace string        `json:"namespace,omitempty"`
	Stage     string        `json:"stage,omitempty"`
	Status    string        `json:"status,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Hit       bool          `json:"hit,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
	Error     string        `json:"error,omitempty"`
}
